package voxa

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/voxa/pkg/adapters/stt"
	"github.com/harunnryd/voxa/pkg/adapters/tts"
	"github.com/harunnryd/voxa/pkg/configutil"
	"github.com/harunnryd/voxa/pkg/llm"
	"github.com/harunnryd/voxa/pkg/providers/deepgram"
	"github.com/harunnryd/voxa/pkg/providers/elevenlabs"
	"github.com/harunnryd/voxa/pkg/providers/mock"
	"github.com/harunnryd/voxa/pkg/providers/openai"
	"github.com/harunnryd/voxa/pkg/realtime"
	"github.com/harunnryd/voxa/pkg/session"
)

// Factories build one vendor instance per session.
type STTFactory func(settings map[string]any, snap session.VoiceSession, logger *slog.Logger) (stt.Transcriber, error)
type TTSFactory func(settings map[string]any, snap session.VoiceSession, logger *slog.Logger) (tts.Synthesizer, error)
type LLMFactory func(settings map[string]any, snap session.VoiceSession) (llm.Adapter, error)

type ProviderRegistry struct {
	stt      map[string]STTFactory
	tts      map[string]TTSFactory
	llm      map[string]LLMFactory
	realtime map[string]string
	schemas  map[string]configutil.Schema
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:      make(map[string]STTFactory),
		tts:      make(map[string]TTSFactory),
		llm:      make(map[string]LLMFactory),
		realtime: make(map[string]string),
		schemas:  make(map[string]configutil.Schema),
	}
}

// Settings kinds a schema can be registered for.
const (
	KindSTT      = "stt"
	KindTTS      = "tts"
	KindLLM      = "llm"
	KindRealtime = "realtime"
)

// DefaultProviders registers every vendor shipped with the module.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSTT("deepgram", func(settings map[string]any, snap session.VoiceSession, logger *slog.Logger) (stt.Transcriber, error) {
		cfg, err := deepgram.ConfigFromSettings(settings)
		if err != nil {
			return nil, err
		}
		cfg.SessionID = snap.ID
		return deepgram.New(cfg, logger), nil
	})
	r.RegisterSTT("mock", func(settings map[string]any, _ session.VoiceSession, _ *slog.Logger) (stt.Transcriber, error) {
		var cfg mock.STTConfig
		if err := configutil.DecodeSettings(settings, &cfg); err != nil {
			return nil, err
		}
		return mock.NewTranscriber(cfg), nil
	})
	r.RegisterTTS("elevenlabs", func(settings map[string]any, snap session.VoiceSession, logger *slog.Logger) (tts.Synthesizer, error) {
		cfg, err := elevenlabs.ConfigFromSettings(settings, snap.VoiceID)
		if err != nil {
			return nil, err
		}
		cfg.SessionID = snap.ID
		return elevenlabs.New(cfg, logger), nil
	})
	r.RegisterTTS("mock", func(settings map[string]any, _ session.VoiceSession, _ *slog.Logger) (tts.Synthesizer, error) {
		var cfg mock.TTSConfig
		if err := configutil.DecodeSettings(settings, &cfg); err != nil {
			return nil, err
		}
		return mock.NewSynthesizer(cfg), nil
	})
	r.RegisterLLM("openai", func(settings map[string]any, snap session.VoiceSession) (llm.Adapter, error) {
		return openai.FromSettings(settings, snap.Model)
	})
	r.RegisterLLM("mock", func(settings map[string]any, _ session.VoiceSession) (llm.Adapter, error) {
		var cfg mock.LLMConfig
		if err := configutil.DecodeSettings(settings, &cfg); err != nil {
			return nil, err
		}
		return mock.NewLLMAdapter(cfg), nil
	})
	r.RegisterRealtime("openai", realtime.FamilyOpenAI)
	r.RegisterRealtime("xai", realtime.FamilyXAI)
	r.RegisterRealtime("grok", realtime.FamilyXAI)

	r.RegisterSchema(KindSTT, "deepgram", configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "sample_rate", "encoding", "interim", "vad_events", "utterance_end_ms"},
	})
	r.RegisterSchema(KindTTS, "elevenlabs", configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"voice_id", "model_id", "output_format", "base_url"},
	})
	r.RegisterSchema(KindLLM, "openai", configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "base_url", "timeout_ms"},
	})
	r.RegisterSchema(KindRealtime, "", configutil.Schema{
		Optional: []string{
			"api_key", "model", "url", "voice", "input_audio_format", "output_audio_format",
			"sample_rate", "transcription_model", "vad_threshold", "silence_duration_ms",
			"prefix_padding_ms", "temperature", "max_output_tokens", "write_timeout_ms",
		},
	})
	return r
}

// RegisterSchema declares the settings keys a provider accepts. An empty
// name applies to every provider of that kind.
func (r *ProviderRegistry) RegisterSchema(kind, name string, schema configutil.Schema) {
	r.schemas[kind+":"+normalize(name)] = schema
}

// ValidateSettings checks a settings map against the provider's schema.
// Providers without a schema accept anything.
func (r *ProviderRegistry) ValidateSettings(kind, name string, settings map[string]any) error {
	schema, ok := r.schemas[kind+":"+normalize(name)]
	if !ok {
		schema, ok = r.schemas[kind+":"]
	}
	if !ok {
		return nil
	}
	path := "vendors." + kind + ".settings"
	if kind == KindRealtime {
		path = "realtime.settings"
	}
	return configutil.ValidateSettings(path, settings, schema)
}

// Validate checks every configured vendor before any session needs it.
func (r *ProviderRegistry) Validate(cfg Config) error {
	checks := []struct {
		kind, name string
		settings   map[string]any
	}{
		{KindSTT, cfg.Vendors.STT.Provider, cfg.Vendors.STT.Settings},
		{KindTTS, cfg.Vendors.TTS.Provider, cfg.Vendors.TTS.Settings},
		{KindLLM, cfg.Vendors.LLM.Provider, cfg.Vendors.LLM.Settings},
		{KindRealtime, cfg.Realtime.Provider, cfg.Realtime.Settings},
	}
	var errs []error
	for _, c := range checks {
		if err := r.ValidateSettings(c.kind, c.name, c.settings); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func normalize(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactory) {
	r.stt[normalize(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactory) {
	r.tts[normalize(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[normalize(name)] = factory
}

// RegisterRealtime maps a session provider name to a realtime API family.
func (r *ProviderRegistry) RegisterRealtime(name, family string) {
	r.realtime[normalize(name)] = family
}

func (r *ProviderRegistry) BuildSTT(provider string, settings map[string]any, snap session.VoiceSession, logger *slog.Logger) (stt.Transcriber, error) {
	fn := r.stt[normalize(provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(settings, snap, logger)
}

func (r *ProviderRegistry) BuildTTS(provider string, settings map[string]any, snap session.VoiceSession, logger *slog.Logger) (tts.Synthesizer, error) {
	fn := r.tts[normalize(provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", provider)
	}
	return fn(settings, snap, logger)
}

func (r *ProviderRegistry) BuildLLM(provider string, settings map[string]any, snap session.VoiceSession) (llm.Adapter, error) {
	fn := r.llm[normalize(provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", provider)
	}
	return fn(settings, snap)
}

func (r *ProviderRegistry) HasLLM(provider string) bool {
	_, ok := r.llm[normalize(provider)]
	return ok
}

func (r *ProviderRegistry) RealtimeFamily(provider string) (string, bool) {
	f, ok := r.realtime[normalize(provider)]
	return f, ok
}
