// Package observers holds metrics observers that persist events outside the
// process, such as per-session timelines.
package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/voxa/pkg/metrics"
	"github.com/harunnryd/voxa/pkg/redact"
)

// TimelineObserver appends every session-tagged event to <dir>/<session>.jsonl.
// A session's file is closed when its session_ended event is written.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, files: make(map[string]*os.File)}
}

type timelineEvent struct {
	Time   time.Time         `json:"time"`
	Event  string            `json:"event"`
	Value  float64           `json:"value,omitempty"`
	Tags   map[string]string `json:"tags,omitempty"`
	Fields map[string]any    `json:"fields,omitempty"`
}

func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := sanitizeID(ev.Tags[metrics.TagSession])
	if id == "" || strings.TrimSpace(o.dir) == "" {
		return
	}
	tags := make(map[string]string, len(ev.Tags))
	for k, v := range ev.Tags {
		if k != metrics.TagSession {
			tags[k] = v
		}
	}
	line, err := json.Marshal(timelineEvent{
		Time:   ev.Time.UTC(),
		Event:  ev.Name,
		Value:  ev.Value,
		Tags:   tags,
		Fields: redact.Fields(ev.Fields),
	})
	if err != nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f := o.fileLocked(id)
	if f == nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
	if ev.Name == metrics.EventSessionEnded {
		_ = f.Close()
		delete(o.files, id)
	}
}

// Close closes any files still open.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		err = errors.Join(err, f.Close())
	}
	o.files = make(map[string]*os.File)
	return err
}

// Path returns where a session's timeline is written.
func (o *TimelineObserver) Path(sessionID string) string {
	return filepath.Join(o.dir, sanitizeID(sessionID)+".jsonl")
}

func (o *TimelineObserver) fileLocked(id string) *os.File {
	if f := o.files[id]; f != nil {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(o.dir, id+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[id] = f
	return f
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

var _ metrics.Observer = (*TimelineObserver)(nil)
