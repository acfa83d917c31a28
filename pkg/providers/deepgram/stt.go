// Package deepgram is the streaming transcriber backed by Deepgram live.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/harunnryd/voxa/pkg/adapters/stt"
	"github.com/harunnryd/voxa/pkg/configutil"
	"github.com/harunnryd/voxa/pkg/errorsx"
	"github.com/harunnryd/voxa/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	Interim        bool   `mapstructure:"interim"`
	VADEvents      bool   `mapstructure:"vad_events"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	SessionID      string `mapstructure:"-"`
}

// ConfigFromSettings decodes vendor settings and fills defaults.
func ConfigFromSettings(settings map[string]any) (Config, error) {
	cfg := Config{Interim: true, VADEvents: true}
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return Config{}, err
	}
	if err := configutil.RequireString(cfg.APIKey, "vendors.stt.settings.api_key"); err != nil {
		return Config{}, err
	}
	cfg.Model = configutil.StringValue(cfg.Model, "nova-2")
	cfg.Language = configutil.StringValue(cfg.Language, "en")
	cfg.Encoding = configutil.StringValue(cfg.Encoding, "linear16")
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.UtteranceEndMS == 0 {
		cfg.UtteranceEndMS = 1000
	}
	return cfg, nil
}

type Transcriber struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	dgClient   *client.WSCallback
	out        chan stt.Event
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	closed     bool
}

func New(cfg Config, logger *slog.Logger) *Transcriber {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	return &Transcriber{
		cfg:    cfg,
		out:    make(chan stt.Event, 256),
		logger: logging.NewComponentLogger(logger, "deepgram_stt").With("session_id", cfg.SessionID),
	}
}

func (s *Transcriber) Name() string { return "deepgram" }

func (s *Transcriber) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	clientOptions := &interfaces.ClientOptions{EnableKeepAlive: true}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		InterimResults: s.cfg.Interim,
		VadEvents:      s.cfg.VADEvents,
		SmartFormat:    true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
	}

	dgClient, err := client.NewWSUsingCallback(ctx, s.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: s})
	if err != nil {
		cancel()
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	if !dgClient.Connect() {
		cancel()
		return errorsx.Errorf(errorsx.ReasonSTTConnect, "deepgram connection failed")
	}

	s.mu.Lock()
	s.dgClient = dgClient
	s.cancel = cancel
	s.pipeReader, s.pipeWriter = pr, pw
	s.mu.Unlock()

	s.logger.Info("deepgram_connected", "model", s.cfg.Model, "sample_rate", s.cfg.SampleRate)
	go func() {
		if err := dgClient.Stream(pr); err != nil && ctx.Err() == nil && !errors.Is(err, io.EOF) {
			s.logger.Error("deepgram_stream_error", "error", err.Error(), "reason_code", errorsx.ReasonSTTSend)
			s.emit(stt.Event{Kind: stt.EventError, Err: errorsx.Wrap(err, errorsx.ReasonSTTSend)})
		}
	}()
	return nil
}

func (s *Transcriber) SendAudio(chunk []byte) error {
	s.mu.Lock()
	pw := s.pipeWriter
	s.mu.Unlock()
	if pw == nil {
		return errorsx.Errorf(errorsx.ReasonSTTSend, "deepgram transcriber not started")
	}
	if _, err := pw.Write(chunk); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

// Finish ends the audio stream so Deepgram flushes the final results.
func (s *Transcriber) Finish() error {
	s.mu.Lock()
	pw := s.pipeWriter
	s.mu.Unlock()
	if pw == nil {
		return nil
	}
	return pw.Close()
}

func (s *Transcriber) Events() <-chan stt.Event { return s.out }

func (s *Transcriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	close(s.out)
	s.logger.Info("deepgram_closed")
	return nil
}

func (s *Transcriber) emit(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- ev:
	default:
		s.logger.Warn("deepgram_out_channel_full", "kind", string(ev.Kind))
	}
}

type callback struct {
	parent *Transcriber
}

func (c *callback) Open(*msginterfaces.OpenResponse) error { return nil }

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}
	start := mr.Start
	end := mr.Start + mr.Duration
	c.parent.emit(stt.Event{
		Kind:       stt.EventTranscript,
		Text:       alt.Transcript,
		IsFinal:    mr.IsFinal || mr.SpeechFinal,
		Confidence: alt.Confidence,
		Start:      &start,
		End:        &end,
	})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.logger.Debug("deepgram_metadata_received", "request_id", md.RequestID)
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	c.parent.emit(stt.Event{Kind: stt.EventSpeechStarted})
	return nil
}

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	c.parent.emit(stt.Event{Kind: stt.EventSpeechEnded})
	return nil
}

func (c *callback) Close(*msginterfaces.CloseResponse) error {
	c.parent.logger.Debug("deepgram_connection_closed")
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error", "error_code", er.ErrCode, "error_message", er.ErrMsg, "reason_code", errorsx.ReasonSTTSend)
	c.parent.emit(stt.Event{Kind: stt.EventError, Err: errorsx.Errorf(errorsx.ReasonSTTSend, "deepgram: %s", er.ErrMsg)})
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", "data", string(byData))
	return nil
}

var _ stt.Transcriber = (*Transcriber)(nil)
