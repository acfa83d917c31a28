// Package tts is the text-to-speech contract of the pipeline path.
package tts

import (
	"context"
	"strconv"
	"strings"
)

// AudioFormat describes synthesized audio as announced to clients.
type AudioFormat struct {
	Encoding   string
	SampleRate int
}

// Synthesizer defines the contract for any streaming TTS vendor.
type Synthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	Format() AudioFormat
	// Speak synthesizes everything received on text until it is closed.
	// All audio is handed to onAudio before Speak returns.
	Speak(ctx context.Context, text <-chan string, onAudio func([]byte)) error
	Close() error
}

// ParseOutputFormat reads vendor format names such as "pcm_16000",
// "ulaw_8000" or "mp3_44100_128".
func ParseOutputFormat(v string) AudioFormat {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(v)), "_")
	f := AudioFormat{Encoding: "pcm16", SampleRate: 16000}
	if len(parts) == 0 || parts[0] == "" {
		return f
	}
	switch parts[0] {
	case "pcm":
		f.Encoding = "pcm16"
	case "ulaw", "mulaw":
		f.Encoding = "mulaw"
	default:
		f.Encoding = parts[0]
	}
	if len(parts) > 1 {
		if rate, err := strconv.Atoi(parts[1]); err == nil && rate > 0 {
			f.SampleRate = rate
		}
	}
	return f
}
