package metrics

import "time"

// Event names recorded by the voice session layer.
const (
	EventSessionStarted    = "session_started"
	EventSessionEnded      = "session_ended"
	EventAudioChunkDropped = "audio_chunk_dropped"
	EventToolCall          = "tool_call"
	EventResponseCompleted = "response_completed"
	EventUpstreamError     = "upstream_error"
	EventInvalidMessage    = "invalid_message"
	EventEmitterDropped    = "emitter_frame_dropped"
)

// Tag keys shared by the events above.
const (
	TagProvider   = "provider"
	TagPath       = "path"
	TagTool       = "tool"
	TagStatus     = "status"
	TagExecutedBy = "executed_by"
	TagReason     = "reason_code"
	TagSession    = "session_id"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record stamps and forwards an event; a nil observer is ignored.
// Durations are recorded in milliseconds.
func Record(obs Observer, name string, value float64, tags map[string]string) {
	RecordFields(obs, name, value, tags, nil)
}

func RecordFields(obs Observer, name string, value float64, tags map[string]string, fields map[string]any) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags, Fields: fields})
}

// MultiObserver fans an event out to every non-nil observer.
type MultiObserver struct {
	list []Observer
}

func NewMultiObserver(list ...Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}
