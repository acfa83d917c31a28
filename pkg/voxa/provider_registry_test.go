package voxa

import (
	"strings"
	"testing"

	"github.com/harunnryd/voxa/pkg/realtime"
	"github.com/harunnryd/voxa/pkg/session"
)

func TestDefaultProvidersBuildMocks(t *testing.T) {
	r := DefaultProviders()
	snap := session.VoiceSession{ID: "s1", Model: "m"}

	tr, err := r.BuildSTT(" Mock ", map[string]any{"transcript": "hello"}, snap, nil)
	if err != nil {
		t.Fatalf("stt: %v", err)
	}
	if tr.Name() != "mock_stt" {
		t.Fatalf("stt name = %q", tr.Name())
	}
	_ = tr.Close()

	syn, err := r.BuildTTS("MOCK", map[string]any{"sample_rate": 24000}, snap, nil)
	if err != nil {
		t.Fatalf("tts: %v", err)
	}
	if got := syn.Format().SampleRate; got != 24000 {
		t.Fatalf("tts sample rate = %d", got)
	}

	adapter, err := r.BuildLLM("mock", map[string]any{"response_text": "hi"}, snap)
	if err != nil {
		t.Fatalf("llm: %v", err)
	}
	if adapter.Name() != "mock_llm" {
		t.Fatalf("llm name = %q", adapter.Name())
	}
	if !r.HasLLM("openai") {
		t.Fatalf("openai llm should be registered")
	}
}

func TestProviderRegistryUnknown(t *testing.T) {
	r := NewProviderRegistry()
	if _, err := r.BuildSTT("nope", nil, session.VoiceSession{}, nil); err == nil || !strings.Contains(err.Error(), "stt provider not registered") {
		t.Fatalf("stt err = %v", err)
	}
	if _, err := r.BuildTTS("nope", nil, session.VoiceSession{}, nil); err == nil {
		t.Fatalf("expected tts error")
	}
	if _, err := r.BuildLLM("nope", nil, session.VoiceSession{}); err == nil {
		t.Fatalf("expected llm error")
	}
}

func TestRealtimeFamilies(t *testing.T) {
	r := DefaultProviders()
	cases := map[string]string{
		"openai": realtime.FamilyOpenAI,
		"xAI":    realtime.FamilyXAI,
		"grok":   realtime.FamilyXAI,
	}
	for name, want := range cases {
		got, ok := r.RealtimeFamily(name)
		if !ok || got != want {
			t.Fatalf("family(%q) = %q %v, want %q", name, got, ok, want)
		}
	}
	if _, ok := r.RealtimeFamily("gemini"); ok {
		t.Fatalf("gemini should not resolve")
	}
}

func TestValidateVendorSettings(t *testing.T) {
	r := DefaultProviders()
	cfg := Config{
		Vendors: VendorsConfig{
			STT: VendorConfig{Provider: "deepgram", Settings: map[string]any{"model": "nova-2", "langauge": "en"}},
			TTS: VendorConfig{Provider: "mock", Settings: map[string]any{"anything": 1}},
			LLM: VendorConfig{Provider: "openai", Settings: map[string]any{"api_key": "k"}},
		},
		Realtime: VendorConfig{Provider: "openai", Settings: map[string]any{"voice": "alloy"}},
	}
	err := r.Validate(cfg)
	if err == nil {
		t.Fatalf("expected deepgram settings error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "vendors.stt.settings") || !strings.Contains(msg, "api_key") || !strings.Contains(msg, "langauge") {
		t.Fatalf("error = %q", msg)
	}
	if strings.Contains(msg, "vendors.tts") || strings.Contains(msg, "vendors.llm") || strings.Contains(msg, "realtime") {
		t.Fatalf("only stt should fail: %q", msg)
	}

	cfg.Vendors.STT.Settings = map[string]any{"api_key": "k"}
	if err := r.Validate(cfg); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}
