// Package stt is the speech-to-text contract of the pipeline path.
package stt

import "context"

type EventKind string

const (
	EventSpeechStarted EventKind = "speech_started"
	EventSpeechEnded   EventKind = "speech_ended"
	EventTranscript    EventKind = "transcript"
	EventError         EventKind = "error"
)

// Event is one result from a transcriber. Start and End are seconds from
// the beginning of the stream when the vendor reports them.
type Event struct {
	Kind       EventKind
	Text       string
	IsFinal    bool
	Confidence float64
	Start      *float64
	End        *float64
	Err        error
}

// Transcriber defines the contract for any streaming STT vendor.
type Transcriber interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start opens the vendor stream.
	Start(ctx context.Context) error
	// SendAudio forwards one raw audio chunk.
	SendAudio(chunk []byte) error
	// Finish signals end of input so pending results are flushed.
	Finish() error
	// Events is closed when the transcriber closes.
	Events() <-chan Event
	Close() error
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	SessionID  string
	SampleRate int
	Language   string
	Encoding   string
}
