package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voxa/pkg/configutil"
	"github.com/harunnryd/voxa/pkg/errorsx"
	"github.com/harunnryd/voxa/pkg/resilience"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Provider families with a known realtime endpoint.
const (
	FamilyOpenAI = "openai"
	FamilyXAI    = "xai"
)

var endpoints = map[string]string{
	FamilyOpenAI: "wss://api.openai.com/v1/realtime",
	FamilyXAI:    "wss://api.x.ai/v1/realtime",
}

// ErrClientClosed is returned by Send and Recv after Close.
var ErrClientClosed = errors.New("realtime client closed")

// Settings is the realtime block of the config.
type Settings struct {
	APIKey             string   `mapstructure:"api_key"`
	Model              string   `mapstructure:"model"`
	URL                string   `mapstructure:"url"`
	Voice              string   `mapstructure:"voice"`
	InputAudioFormat   string   `mapstructure:"input_audio_format"`
	OutputAudioFormat  string   `mapstructure:"output_audio_format"`
	SampleRate         int      `mapstructure:"sample_rate"`
	TranscriptionModel string   `mapstructure:"transcription_model"`
	VADThreshold       *float64 `mapstructure:"vad_threshold"`
	SilenceDurationMS  int      `mapstructure:"silence_duration_ms"`
	PrefixPaddingMS    int      `mapstructure:"prefix_padding_ms"`
	Temperature        *float64 `mapstructure:"temperature"`
	MaxOutputTokens    *int     `mapstructure:"max_output_tokens"`
	WriteTimeoutMS     int      `mapstructure:"write_timeout_ms"`
}

// SettingsFromMap decodes a realtime settings map and fills defaults.
func SettingsFromMap(input map[string]any) (Settings, error) {
	var s Settings
	if err := configutil.DecodeSettings(input, &s); err != nil {
		return Settings{}, err
	}
	return s.withDefaults(), nil
}

func (s Settings) withDefaults() Settings {
	s.Voice = configutil.StringValue(s.Voice, "alloy")
	s.InputAudioFormat = configutil.StringValue(s.InputAudioFormat, "pcm16")
	s.OutputAudioFormat = configutil.StringValue(s.OutputAudioFormat, "pcm16")
	s.TranscriptionModel = configutil.StringValue(s.TranscriptionModel, "whisper-1")
	if s.SampleRate <= 0 {
		s.SampleRate = 24000
	}
	if s.SilenceDurationMS <= 0 {
		s.SilenceDurationMS = 500
	}
	if s.PrefixPaddingMS <= 0 {
		s.PrefixPaddingMS = 300
	}
	if s.WriteTimeoutMS <= 0 {
		s.WriteTimeoutMS = 10000
	}
	return s
}

// Endpoint resolves the websocket URL for a provider family and model.
func Endpoint(family, model, override string) (string, error) {
	base := strings.TrimSpace(override)
	if base == "" {
		var ok bool
		base, ok = endpoints[strings.ToLower(family)]
		if !ok {
			return "", fmt.Errorf("unknown realtime provider %q", family)
		}
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Client is one upstream websocket connection.
type Client struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// DialOptions selects the upstream and guards the dial.
type DialOptions struct {
	Family   string
	Model    string
	Settings Settings
	Breaker  *resilience.CircuitBreaker
	Retry    resilience.RetryPolicy
	Dialer   *websocket.Dialer
}

var tracer = otel.Tracer("github.com/harunnryd/voxa/pkg/realtime")

// Dial connects to the upstream through the retry policy and breaker.
func Dial(ctx context.Context, opts DialOptions) (*Client, error) {
	settings := opts.Settings.withDefaults()
	model := configutil.StringValue(opts.Model, settings.Model)
	endpoint, err := Endpoint(opts.Family, model, settings.URL)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonUpstreamConnect)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+settings.APIKey)
	if strings.EqualFold(opts.Family, FamilyOpenAI) {
		header.Set("OpenAI-Beta", "realtime=v1")
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second}
	}

	ctx, span := tracer.Start(ctx, "realtime.dial", trace.WithAttributes(
		attribute.String("realtime.provider", opts.Family),
		attribute.String("realtime.model", model),
	))
	defer span.End()

	policy := opts.Retry
	if policy.Retryable == nil {
		policy.Retryable = func(err error) bool { return !IsPermanent(err) }
	}
	var conn *websocket.Conn
	err = resilience.Guard(ctx, opts.Breaker, policy, func(ctx context.Context) error {
		c, resp, err := dialer.DialContext(ctx, endpoint, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
				return resilience.RateLimitError{Provider: opts.Family, Message: resp.Status}
			}
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return fmt.Errorf("%w: %s", errPermanent, resp.Status)
			}
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			return nil, errorsx.Wrap(err, errorsx.ReasonUpstreamCircuitOpen)
		case resilience.IsRateLimit(err):
			return nil, errorsx.Wrap(err, errorsx.ReasonUpstreamRateLimit)
		default:
			return nil, errorsx.Wrap(err, errorsx.ReasonUpstreamConnect)
		}
	}
	return &Client{
		conn:         conn,
		writeTimeout: time.Duration(settings.WriteTimeoutMS) * time.Millisecond,
		closed:       make(chan struct{}),
	}, nil
}

var errPermanent = errors.New("upstream rejected credentials")

// IsPermanent reports whether a dial error should not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, errPermanent)
}

func (c *Client) Send(ctx context.Context, ev ClientEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonUpstreamSend)
	}
	return nil
}

// Recv blocks for the next event. Close unblocks it.
func (c *Client) Recv(ctx context.Context) (ServerEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil, ErrClientClosed
			default:
			}
			return nil, errorsx.Wrap(err, errorsx.ReasonUpstreamEvent)
		}
		ev, err := ParseServerEvent(data)
		if err != nil {
			// one bad frame does not end the stream
			continue
		}
		return ev, nil
	}
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
