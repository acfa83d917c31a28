// Package mock provides in-process vendors for local development and tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/harunnryd/voxa/pkg/adapters/stt"
)

type STTConfig struct {
	// Transcript is emitted as the final result after the first audio chunk.
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
	EmitVAD           bool
	Confidence        float64
}

// Transcriber scripts one utterance per Finish-delimited turn. Tests can
// also inject arbitrary events with Push.
type Transcriber struct {
	cfg STTConfig
	out chan stt.Event

	mu       sync.Mutex
	started  bool
	closed   bool
	speaking bool
	chunks   int
}

func NewTranscriber(cfg STTConfig) *Transcriber {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	if cfg.Confidence == 0 {
		cfg.Confidence = 0.9
	}
	return &Transcriber{cfg: cfg, out: make(chan stt.Event, 64)}
}

func (s *Transcriber) Name() string { return "mock_stt" }

func (s *Transcriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("closed")
	}
	s.started = true
	return nil
}

func (s *Transcriber) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return errors.New("not started")
	}
	s.chunks++
	if s.speaking {
		return nil
	}
	s.speaking = true
	if s.cfg.EmitVAD {
		s.pushLocked(stt.Event{Kind: stt.EventSpeechStarted})
	}
	if s.cfg.EmitInterim {
		interim := s.cfg.InterimTranscript
		if interim == "" {
			interim = s.cfg.Transcript
		}
		s.pushLocked(stt.Event{Kind: stt.EventTranscript, Text: interim, Confidence: s.cfg.Confidence})
	}
	return nil
}

// Finish closes the current utterance and emits its final transcript.
func (s *Transcriber) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.speaking || s.closed {
		return nil
	}
	s.speaking = false
	if s.cfg.EmitVAD {
		s.pushLocked(stt.Event{Kind: stt.EventSpeechEnded})
	}
	s.pushLocked(stt.Event{Kind: stt.EventTranscript, Text: s.cfg.Transcript, IsFinal: true, Confidence: s.cfg.Confidence})
	return nil
}

// Push injects ev as if the vendor produced it.
func (s *Transcriber) Push(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(ev)
}

// Chunks reports how many audio chunks were received.
func (s *Transcriber) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

func (s *Transcriber) Events() <-chan stt.Event { return s.out }

func (s *Transcriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.out)
	return nil
}

func (s *Transcriber) pushLocked(ev stt.Event) {
	if s.closed {
		return
	}
	select {
	case s.out <- ev:
	default:
	}
}

var _ stt.Transcriber = (*Transcriber)(nil)
