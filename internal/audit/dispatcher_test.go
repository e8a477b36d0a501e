package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	got     []Event
}

func (s *blockingSink) Emit(_ context.Context, e Event) {
	<-s.release
	s.mu.Lock()
	s.got = append(s.got, e)
	s.mu.Unlock()
}

func (s *blockingSink) events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.got...)
}

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, NoOpSink{})
	if d != nil {
		t.Fatal("expected nil dispatcher when disabled")
	}
	d.Emit(context.Background(), Event{Type: "x"})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher must report zero drops")
	}
}

func TestDropIfFullSparesHighSeverity(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	// first event is picked up by the worker and blocks in the sink,
	// the second fills the buffer, the third is dropped
	d.Emit(context.Background(), Event{Type: "a", Severity: SeverityInfo})
	deadline := time.Now().Add(time.Second)
	for len(d.queue) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	d.Emit(context.Background(), Event{Type: "b", Severity: SeverityInfo})
	d.Emit(context.Background(), Event{Type: "c", Severity: SeverityWarning})
	if got := d.Dropped(); got != 1 {
		t.Fatalf("expected 1 dropped event, got %d", got)
	}

	highDone := make(chan struct{})
	go func() {
		d.Emit(context.Background(), Event{Type: "reuse", Severity: SeverityHigh})
		close(highDone)
	}()

	close(sink.release)
	select {
	case <-highDone:
	case <-time.After(2 * time.Second):
		t.Fatal("high severity emit never completed")
	}
	d.Close()

	types := map[string]bool{}
	for _, e := range sink.events() {
		types[e.Type] = true
	}
	if !types["a"] || !types["b"] || !types["reuse"] || types["c"] {
		t.Fatalf("unexpected delivered events %v", types)
	}
	if d.Delivered() != 3 {
		t.Fatalf("expected 3 delivered, got %d", d.Delivered())
	}
}

func TestCloseFlushesBufferedEvents(t *testing.T) {
	sink := NewChannelSink(16)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 16}, sink)
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{Type: "login_success"})
	}
	d.Close()
	if got := len(sink.Events()); got != 10 {
		t.Fatalf("expected 10 flushed events, got %d", got)
	}
	// emits after close are ignored
	d.Emit(context.Background(), Event{Type: "late"})
	if got := len(sink.Events()); got != 10 {
		t.Fatalf("event accepted after close")
	}
}

func TestJSONWriterSinkWritesLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONWriterSink(&buf)
	s.Emit(context.Background(), Event{Type: "refresh_reuse_detected", Severity: SeverityHigh, Subject: "u1"})
	s.Emit(context.Background(), Event{Type: "logout", Severity: SeverityInfo, Success: true})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var first Event
	if err := json.Unmarshal(lines[0], &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Type != "refresh_reuse_detected" || first.Severity != SeverityHigh || first.Subject != "u1" {
		t.Fatalf("unexpected event %+v", first)
	}
}

func TestZapSinkLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s := NewZapSink(zap.New(core))

	s.Emit(context.Background(), Event{Type: "refresh_reuse_detected", Severity: SeverityHigh, Subject: "u1"})
	s.Emit(context.Background(), Event{Type: "rate_limited", Severity: SeverityWarning})
	s.Emit(context.Background(), Event{Type: "login_success", Severity: SeverityInfo, Metadata: map[string]string{"family_id": "f1"}})

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 log entries, got %d", len(entries))
	}
	if entries[0].Level != zap.ErrorLevel || entries[0].Message != "refresh_reuse_detected" {
		t.Fatalf("unexpected first entry %+v", entries[0].Entry)
	}
	if entries[1].Level != zap.WarnLevel {
		t.Fatalf("expected warn level, got %v", entries[1].Level)
	}
	if entries[2].ContextMap()["meta.family_id"] != "f1" {
		t.Fatalf("metadata not logged: %v", entries[2].ContextMap())
	}
	if entries[0].LoggerName != "audit" {
		t.Fatalf("unexpected logger name %q", entries[0].LoggerName)
	}
}
