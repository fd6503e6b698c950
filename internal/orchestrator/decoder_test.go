package orchestrator

import (
	"testing"

	"github.com/supportflow/supportflow/pkg/chat"
)

func TestDecoder_CompleteLines(t *testing.T) {
	d := NewDecoder()

	events := d.Feed([]byte(`{"type":"processing_started","session_id":"s1"}` + "\n" +
		`{"type":"token","data":{"token":"Hi"},"session_id":"s1"}` + "\n"))

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != chat.EventProcessingStarted {
		t.Errorf("first event type = %s", events[0].Type)
	}
	if events[1].Type != chat.EventToken {
		t.Errorf("second event type = %s", events[1].Type)
	}
	if events[0].SessionID != "s1" {
		t.Errorf("session id = %q", events[0].SessionID)
	}
}

func TestDecoder_SplitAcrossChunks(t *testing.T) {
	d := NewDecoder()

	events := d.Feed([]byte("{\"a\":1}\n{\"b\":"))
	if len(events) != 1 {
		t.Fatalf("first chunk: got %d events, want 1", len(events))
	}

	events = d.Feed([]byte("2}\n"))
	if len(events) != 1 {
		t.Fatalf("second chunk: got %d events, want 1", len(events))
	}
}

func TestDecoder_FragmentSpansManyChunks(t *testing.T) {
	d := NewDecoder()

	line := `{"type":"token","data":{"token":"hello"}}` + "\n"
	var events []chat.StreamEvent
	for i := 0; i < len(line); i++ {
		events = append(events, d.Feed([]byte{line[i]})...)
	}

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Type != chat.EventToken {
		t.Errorf("event type = %s", events[0].Type)
	}
}

func TestDecoder_MalformedLineSkipped(t *testing.T) {
	d := NewDecoder()

	events := d.Feed([]byte("{not json}\n" + `{"type":"progress"}` + "\n"))
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (malformed line skipped)", len(events))
	}
	if events[0].Type != chat.EventProgress {
		t.Errorf("event type = %s", events[0].Type)
	}
}

func TestDecoder_EmptyLinesIgnored(t *testing.T) {
	d := NewDecoder()

	events := d.Feed([]byte("\n\n" + `{"type":"progress"}` + "\n\n"))
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
}

func TestDecoder_UnknownTypePreserved(t *testing.T) {
	d := NewDecoder()

	events := d.Feed([]byte(`{"type":"agent_thinking"}` + "\n"))
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Type != chat.EventUnknown {
		t.Errorf("event type = %s, want unknown", events[0].Type)
	}
}

func TestDecoder_CompleteMarkerNormalized(t *testing.T) {
	d := NewDecoder()

	events := d.Feed([]byte(`{"type":"complete"}` + "\n"))
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Type != chat.EventStreamComplete {
		t.Errorf("event type = %s, want stream_complete", events[0].Type)
	}
}

func TestDecoder_Flush(t *testing.T) {
	d := NewDecoder()

	// Final line without trailing newline.
	if events := d.Feed([]byte(`{"type":"processing_complete"}`)); len(events) != 0 {
		t.Fatalf("unterminated line should stay buffered, got %d events", len(events))
	}

	ev, ok := d.Flush()
	if !ok {
		t.Fatal("flush should decode the buffered remainder")
	}
	if ev.Type != chat.EventProcessingComplete {
		t.Errorf("event type = %s", ev.Type)
	}

	// Flush drains the buffer.
	if _, ok := d.Flush(); ok {
		t.Error("second flush should have nothing")
	}
}

func TestDecoder_FlushGarbage(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte("half a lin"))
	if _, ok := d.Flush(); ok {
		t.Error("non-JSON remainder should be discarded")
	}
}
