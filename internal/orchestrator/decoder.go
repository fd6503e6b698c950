package orchestrator

import (
	"encoding/json"
	"log"
	"strings"

	"github.com/supportflow/supportflow/pkg/chat"
)

// Decoder turns raw chunks from a live connection into parsed stream
// events, one per newline-terminated JSON line. It keeps a single
// buffer across chunks so lines split over chunk boundaries decode
// once complete.
//
// A Decoder belongs to exactly one connection and holds no
// cross-connection state.
type Decoder struct {
	buf strings.Builder
}

// NewDecoder creates an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a chunk to the buffer and returns the events decoded
// from every complete line it now contains. The trailing (possibly
// incomplete) fragment stays buffered for the next chunk.
//
// Lines that fail to parse are logged and skipped; a corrupt line must
// not abort the whole stream.
func (d *Decoder) Feed(chunk []byte) []chat.StreamEvent {
	d.buf.Write(chunk)

	data := d.buf.String()
	idx := strings.LastIndexByte(data, '\n')
	if idx < 0 {
		return nil
	}

	complete := data[:idx]
	d.buf.Reset()
	d.buf.WriteString(data[idx+1:])

	var events []chat.StreamEvent
	for _, line := range strings.Split(complete, "\n") {
		if ev, ok := decodeLine(line); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Flush decodes whatever remains in the buffer at stream end. A
// non-empty remainder that parses as JSON becomes a final event;
// anything else is discarded silently.
func (d *Decoder) Flush() (chat.StreamEvent, bool) {
	rest := d.buf.String()
	d.buf.Reset()
	if strings.TrimSpace(rest) == "" {
		return chat.StreamEvent{}, false
	}
	return decodeLine(rest)
}

func decodeLine(line string) (chat.StreamEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return chat.StreamEvent{}, false
	}

	// Decode the envelope with a loose type so unknown event kinds
	// survive as EventUnknown instead of failing.
	var raw struct {
		Type      string          `json:"type"`
		Data      json.RawMessage `json:"data"`
		SessionID string          `json:"session_id"`
		AgentType string          `json:"agent_type"`
		Timestamp float64         `json:"timestamp"`
	}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		log.Printf("stream decoder: skipping malformed line: %v", err)
		return chat.StreamEvent{}, false
	}

	return chat.StreamEvent{
		Type:      chat.ParseEventType(raw.Type),
		Data:      raw.Data,
		SessionID: raw.SessionID,
		AgentType: chat.AgentType(raw.AgentType),
		Timestamp: raw.Timestamp,
	}, true
}
