package observers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/voxa/pkg/metrics"
	"github.com/harunnryd/voxa/pkg/redact"
)

func readLines(t *testing.T, path string) []timelineEvent {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read timeline: %v", err)
	}
	var out []timelineEvent
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		var ev timelineEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, ev)
	}
	return out
}

func TestTimelineWritesPerSession(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	metrics.Record(obs, metrics.EventSessionStarted, 1, map[string]string{metrics.TagSession: "s-1", metrics.TagPath: "pipeline"})
	metrics.Record(obs, metrics.EventSessionStarted, 1, map[string]string{metrics.TagSession: "s-2"})
	metrics.RecordFields(obs, metrics.EventResponseCompleted, 820, map[string]string{metrics.TagSession: "s-1"}, map[string]any{"output_tokens": 12})
	metrics.Record(obs, metrics.EventSessionEnded, 4000, map[string]string{metrics.TagSession: "s-1"})
	metrics.Record(obs, metrics.EventEmitterDropped, 1, map[string]string{"type": "audio"})

	obs.mu.Lock()
	open := len(obs.files)
	obs.mu.Unlock()
	if open != 1 {
		t.Fatalf("open files = %d, want only s-2", open)
	}
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	events := readLines(t, obs.Path("s-1"))
	if len(events) != 3 {
		t.Fatalf("s-1 events = %d, want 3", len(events))
	}
	if events[0].Event != metrics.EventSessionStarted || events[0].Tags[metrics.TagPath] != "pipeline" {
		t.Fatalf("first event = %+v", events[0])
	}
	if _, ok := events[0].Tags[metrics.TagSession]; ok {
		t.Fatalf("session id should be the file name, not a tag")
	}
	if events[1].Value != 820 || events[1].Fields["output_tokens"] != float64(12) {
		t.Fatalf("response event = %+v", events[1])
	}
	if got := readLines(t, obs.Path("s-2")); len(got) != 1 {
		t.Fatalf("s-2 events = %d", len(got))
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Fatalf("files = %d, want 2", len(entries))
	}
}

func TestTimelineRedactsFields(t *testing.T) {
	redact.SetEnabled(true)
	defer redact.SetEnabled(false)

	obs := NewTimelineObserver(t.TempDir())
	metrics.RecordFields(obs, "note", 0, map[string]string{metrics.TagSession: "s-1"}, map[string]any{
		"text":    "mail me at jane@example.com",
		"api_key": "sk-live",
	})
	_ = obs.Close()

	b, _ := os.ReadFile(obs.Path("s-1"))
	if strings.Contains(string(b), "jane@example.com") || strings.Contains(string(b), "sk-live") {
		t.Fatalf("timeline leaked personal data: %s", b)
	}
}

func TestSanitizeID(t *testing.T) {
	if got := sanitizeID("../etc/passwd"); strings.ContainsAny(got, "./") {
		t.Fatalf("sanitized = %q", got)
	}
	if sanitizeID("  ") != "" {
		t.Fatalf("blank id should sanitize to empty")
	}
}

func TestPurgeTimelines(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := filepath.Join(dir, "old.jsonl")
	fresh := filepath.Join(dir, "fresh.jsonl")
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, fresh, other} {
		if err := os.WriteFile(p, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	stale := now.Add(-48 * time.Hour)
	_ = os.Chtimes(old, stale, stale)
	_ = os.Chtimes(other, stale, stale)

	n, err := PurgeTimelines(dir, 24*time.Hour, now)
	if err != nil || n != 1 {
		t.Fatalf("purged %d err=%v, want 1", n, err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("old timeline still present")
	}
	for _, p := range []string{fresh, other} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("%s removed: %v", p, err)
		}
	}
	if n, err := PurgeTimelines(filepath.Join(dir, "missing"), time.Hour, now); n != 0 || err != nil {
		t.Fatalf("missing dir: %d %v", n, err)
	}
}
