// Package elevenlabs is the streaming synthesizer backed by ElevenLabs
// stream-input websockets.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voxa/pkg/adapters/tts"
	"github.com/harunnryd/voxa/pkg/configutil"
	"github.com/harunnryd/voxa/pkg/errorsx"
	"github.com/harunnryd/voxa/pkg/logging"
	"github.com/harunnryd/voxa/pkg/resilience"
)

const defaultBaseURL = "wss://api.elevenlabs.io"

type Config struct {
	APIKey       string `mapstructure:"api_key"`
	VoiceID      string `mapstructure:"voice_id"`
	ModelID      string `mapstructure:"model_id"`
	OutputFormat string `mapstructure:"output_format"`
	BaseURL      string `mapstructure:"base_url"`
	SessionID    string `mapstructure:"-"`
}

// ConfigFromSettings decodes vendor settings. voiceID overrides the
// configured voice when set.
func ConfigFromSettings(settings map[string]any, voiceID string) (Config, error) {
	var cfg Config
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return Config{}, err
	}
	cfg.VoiceID = configutil.StringValue(voiceID, cfg.VoiceID)
	if err := configutil.RequireString(cfg.APIKey, "vendors.tts.settings.api_key"); err != nil {
		return Config{}, err
	}
	if err := configutil.RequireString(cfg.VoiceID, "vendors.tts.settings.voice_id"); err != nil {
		return Config{}, err
	}
	cfg.OutputFormat = configutil.StringValue(cfg.OutputFormat, "pcm_16000")
	cfg.BaseURL = configutil.StringValue(cfg.BaseURL, defaultBaseURL)
	return cfg, nil
}

// Synthesizer opens one stream-input connection per Speak call.
type Synthesizer struct {
	cfg    Config
	format tts.AudioFormat
	logger *slog.Logger
	dialer websocket.Dialer
}

func New(cfg Config, logger *slog.Logger) *Synthesizer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Synthesizer{
		cfg:    cfg,
		format: tts.ParseOutputFormat(cfg.OutputFormat),
		logger: logging.NewComponentLogger(logger, "elevenlabs_tts").With("session_id", cfg.SessionID),
		dialer: websocket.Dialer{Proxy: http.ProxyFromEnvironment},
	}
}

func (s *Synthesizer) Name() string { return "elevenlabs" }

func (s *Synthesizer) Format() tts.AudioFormat { return s.format }

func (s *Synthesizer) Close() error { return nil }

func (s *Synthesizer) Speak(ctx context.Context, text <-chan string, onAudio func([]byte)) error {
	u, err := s.buildURL()
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	conn, resp, err := s.dialer.DialContext(ctx, u, http.Header{"xi-api-key": []string{s.cfg.APIKey}})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		}
		return errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}

	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { _ = conn.Close() }) }
	defer closeConn()

	stop := context.AfterFunc(ctx, closeConn)
	defer stop()

	readDone := make(chan error, 1)
	go func() { readDone <- s.readLoop(conn, onAudio) }()

	send := func(payload map[string]any) error {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, b)
	}
	if err := send(map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.8,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{120, 160, 250, 290},
		},
	}); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTTSSend)
	}

input:
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-text:
			if !ok {
				break input
			}
			chunk = strings.TrimSpace(chunk)
			if chunk == "" {
				continue
			}
			if err := send(map[string]any{"text": chunk + " ", "try_trigger_generation": true}); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errorsx.Wrap(err, errorsx.ReasonTTSSend)
			}
		}
	}
	// empty text closes the input stream
	if err := send(map[string]any{"text": ""}); err != nil && ctx.Err() == nil {
		return errorsx.Wrap(err, errorsx.ReasonTTSSend)
	}

	select {
	case err := <-readDone:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop delivers audio until the final message or a close.
func (s *Synthesizer) readLoop(conn *websocket.Conn, onAudio func([]byte)) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return errorsx.Wrap(err, errorsx.ReasonTTSSend)
		}
		var msg struct {
			Audio   string `json:"audio"`
			IsFinal bool   `json:"isFinal"`
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("tts_unparsed_message", "size_bytes", len(data))
			continue
		}
		if msg.Error != "" {
			return errorsx.Errorf(errorsx.ReasonTTSSend, "elevenlabs: %s %s", msg.Error, msg.Message)
		}
		if msg.Audio != "" {
			raw, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				s.logger.Warn("tts_audio_decode_error", "error", err.Error())
			} else if len(raw) > 0 {
				onAudio(raw)
			}
		}
		if msg.IsFinal {
			return nil
		}
	}
}

func (s *Synthesizer) buildURL() (string, error) {
	base, err := url.Parse(strings.TrimRight(s.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(s.cfg.VoiceID) + "/stream-input")
	if err != nil {
		return "", err
	}
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	if s.cfg.OutputFormat != "" {
		q.Set("output_format", s.cfg.OutputFormat)
	}
	q.Set("optimize_streaming_latency", "3")
	base.RawQuery = q.Encode()
	return base.String(), nil
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
