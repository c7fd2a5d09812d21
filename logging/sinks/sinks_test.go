package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"glowkeeper/logging"
)

func TestJSONWritesOneObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSON(&buf, 0)

	event := logging.Event{
		Type:     "glow.set",
		Tick:     3,
		Time:     time.Unix(1_700_000_000, 0).UTC(),
		Actor:    logging.ViewerRef("viewer-1"),
		Targets:  []logging.Ref{logging.EntityRef("entity-2")},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryGlow,
	}
	if err := sink.Write(event); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Write(event); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %d: %q", len(lines), buf.String())
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if decoded["type"] != "glow.set" || decoded["category"] != "glow" {
		t.Fatalf("unexpected wire event %v", decoded)
	}
	actor, ok := decoded["actor"].(map[string]any)
	if !ok || actor["id"] != "viewer-1" || actor["kind"] != "viewer" {
		t.Fatalf("unexpected actor %v", decoded["actor"])
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestJSONPeriodicFlush(t *testing.T) {
	var buf lockedBuffer
	sink := NewJSON(&buf, 5*time.Millisecond)
	defer sink.Close(context.Background())

	if err := sink.Write(logging.Event{Type: "glow.stopped"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for !strings.Contains(buf.String(), "glow.stopped") {
		if time.Now().After(deadline) {
			t.Fatalf("expected buffered event flushed")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestConsoleFormatsEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsole(&buf)
	sink.Write(logging.Event{
		Type:     "glow.reconciled",
		Tick:     12,
		Actor:    logging.ViewerRef("viewer-1"),
		Targets:  []logging.Ref{logging.EntityRef("entity-3")},
		Severity: logging.SeverityWarn,
		Extra:    map[string]any{"service": "glowkeeper", "component": "hub"},
		Payload:  map[string]string{"outcome": "resend"},
	})

	line := strings.TrimSpace(buf.String())
	want := `WARN  viewer-1 -> entity-3 glow.reconciled tick=12 component=hub service=glowkeeper {"outcome":"resend"}`
	if !strings.HasSuffix(line, want) {
		t.Fatalf("expected line ending %q, got %q", want, line)
	}
}

func TestConsoleFormatsSystemActor(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsole(&buf)
	sink.Write(logging.Event{
		Type:     "glow.expired",
		Actor:    logging.Ref{ID: "sweeper", Kind: logging.RefKindSystem},
		Severity: logging.SeverityInfo,
	})

	line := strings.TrimSpace(buf.String())
	if !strings.HasSuffix(line, "INFO  system:sweeper glow.expired") {
		t.Fatalf("unexpected line %q", line)
	}
}

func TestMemoryFiltersAndResets(t *testing.T) {
	sink := NewMemory()
	sink.Write(logging.Event{Type: "a"})
	sink.Write(logging.Event{Type: "b"})
	sink.Write(logging.Event{Type: "a"})

	if got := len(sink.EventsOfType("a")); got != 2 {
		t.Fatalf("expected two a events, got %d", got)
	}
	sink.Reset()
	if got := len(sink.Events()); got != 0 {
		t.Fatalf("expected empty after reset, got %d", got)
	}
}
