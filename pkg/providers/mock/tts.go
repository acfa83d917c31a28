package mock

import (
	"context"

	"github.com/harunnryd/voxa/pkg/adapters/tts"
)

type TTSConfig struct {
	SampleRate int
	// BytesPerChunk is the size of the silent frame produced per text chunk.
	BytesPerChunk int
}

// Synthesizer emits one deterministic silent frame per text chunk.
type Synthesizer struct {
	cfg TTSConfig
}

func NewSynthesizer(cfg TTSConfig) *Synthesizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.BytesPerChunk == 0 {
		cfg.BytesPerChunk = 320
	}
	return &Synthesizer{cfg: cfg}
}

func (s *Synthesizer) Name() string { return "mock_tts" }

func (s *Synthesizer) Format() tts.AudioFormat {
	return tts.AudioFormat{Encoding: "pcm16", SampleRate: s.cfg.SampleRate}
}

func (s *Synthesizer) Speak(ctx context.Context, text <-chan string, onAudio func([]byte)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-text:
			if !ok {
				return nil
			}
			if chunk == "" {
				continue
			}
			onAudio(make([]byte, s.cfg.BytesPerChunk))
		}
	}
}

func (s *Synthesizer) Close() error { return nil }

var _ tts.Synthesizer = (*Synthesizer)(nil)
