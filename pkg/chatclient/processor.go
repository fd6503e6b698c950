// Package chatclient consumes a session's realtime event stream and
// folds it into client-facing conversation state. It is the in-process
// counterpart of a browser chat widget: progress indicators while
// agents work, token-by-token previews, and exactly one final message
// per request.
package chatclient

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/supportflow/supportflow/pkg/chat"
	"github.com/supportflow/supportflow/pkg/realtime"
)

// dedupKeyLen caps the content part of a dedup key.
const dedupKeyLen = 50

// maxSeenKeys bounds the dedup set for long-lived sessions.
const maxSeenKeys = 4096

// Handlers receives the processor's outputs. Nil fields are skipped.
// All callbacks run on the processor's goroutine.
type Handlers struct {
	// OnProcessingStarted fires when the orchestrator accepts a
	// request. Prior progress entries are already cleared.
	OnProcessingStarted func()
	// OnProgress fires with the full rebuilt progress list each time a
	// sub-agent reports partial output.
	OnProgress func(entries []chat.ProgressEntry)
	// OnPreview fires with the accumulated response text so far, from
	// token events and synthesizer partials.
	OnPreview func(text string)
	// OnResponse fires exactly once per request with the final agent
	// message.
	OnResponse func(msg *chat.Message)
	// OnError fires when the stream reports a failure. No final
	// message follows.
	OnError func(message string)
}

// Processor is a single-goroutine event consumer for one session.
// It deduplicates redelivered events, tracks whether a request is in
// flight, and accumulates partial output between processing_started
// and the terminal event. Not safe for concurrent use; feed it from
// one goroutine only.
type Processor struct {
	sessionID string
	handlers  Handlers

	seen       map[string]struct{}
	seenOrder  []string
	processing bool
	responded  bool
	buffer     strings.Builder
	progress   []chat.ProgressEntry
}

// NewProcessor creates a processor for one session's stream.
func NewProcessor(sessionID string, handlers Handlers) *Processor {
	return &Processor{
		sessionID: sessionID,
		handlers:  handlers,
		seen:      make(map[string]struct{}),
	}
}

// Run consumes events from a realtime subscription until the context
// ends, the subscription closes, or a stream_complete marker arrives.
func (p *Processor) Run(ctx context.Context, sub realtime.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if p.Handle(ev); ev.Type == chat.EventStreamComplete {
				return nil
			}
		}
	}
}

// Handle processes one event. Duplicates and unknown types are
// dropped; everything else advances the state machine.
func (p *Processor) Handle(ev chat.StreamEvent) {
	if p.isDuplicate(ev) {
		return
	}

	switch ev.Type {
	case chat.EventProcessingStarted:
		p.processing = true
		p.responded = false
		p.buffer.Reset()
		p.progress = nil
		if p.handlers.OnProcessingStarted != nil {
			p.handlers.OnProcessingStarted()
		}
	case chat.EventProgress:
		p.handleProgress(ev)
	case chat.EventToken:
		p.appendToken(tokenText(ev.Data))
	case chat.EventProcessingComplete:
		p.handleComplete(ev)
	case chat.EventError:
		p.processing = false
		p.buffer.Reset()
		if p.handlers.OnError != nil {
			p.handlers.OnError(errorText(ev.Data))
		}
	case chat.EventStreamComplete:
		p.processing = false
	default:
		log.Printf("chatclient: ignoring unknown event type %q for session %s", ev.Type, p.sessionID)
	}
}

// isDuplicate records and checks the event's dedup key. Redelivery is
// expected from the realtime layer; the key is stable across retries
// because it is derived from the event itself.
func (p *Processor) isDuplicate(ev chat.StreamEvent) bool {
	key := dedupKey(ev)
	if _, ok := p.seen[key]; ok {
		return true
	}
	p.seen[key] = struct{}{}
	p.seenOrder = append(p.seenOrder, key)
	if len(p.seenOrder) > maxSeenKeys {
		oldest := p.seenOrder[0]
		p.seenOrder = p.seenOrder[1:]
		delete(p.seen, oldest)
	}
	return false
}

// handleProgress rebuilds the progress list from a node-keyed payload.
// The synthesizer node carries the response being assembled, so its
// partial text feeds the preview instead of the progress list.
func (p *Processor) handleProgress(ev chat.StreamEvent) {
	var nodes map[string]map[string]any
	if err := json.Unmarshal(ev.Data, &nodes); err != nil {
		log.Printf("chatclient: malformed progress payload for session %s: %v", p.sessionID, err)
		return
	}

	changed := false
	for node, output := range nodes {
		if node == "synthesizer" {
			if partial, ok := output["synthesized_response"].(string); ok && partial != "" {
				p.setPreview(partial)
			}
			continue
		}
		p.progress = append(p.progress, chat.ProgressEntry{
			ID:        uuid.New().String(),
			AgentType: chat.AgentType(node),
			Data:      output,
			Timestamp: eventTime(ev),
		})
		changed = true
	}
	if changed && p.handlers.OnProgress != nil {
		p.handlers.OnProgress(p.Progress())
	}
}

// handleComplete surfaces the final message once. Later duplicates of
// the terminal event, even with differing payload bytes, are ignored.
func (p *Processor) handleComplete(ev chat.StreamEvent) {
	p.processing = false
	if p.responded {
		return
	}
	p.responded = true

	content, confidence, elapsed := synthesizedResponse(ev.Data)
	if content == "" {
		content = p.buffer.String()
	}
	if p.handlers.OnResponse != nil {
		p.handlers.OnResponse(&chat.Message{
			SessionID: p.sessionID,
			ID:        uuid.New().String(),
			Content:   content,
			Sender:    chat.SenderAgent,
			Timestamp: eventTime(ev),
			AgentResponse: &chat.AgentResponse{
				AgentType:        chat.AgentSupervisor,
				Content:          content,
				Confidence:       confidence,
				ProcessingTimeMs: elapsed.Milliseconds(),
				Timestamp:        eventTime(ev),
			},
		})
	}
}

func (p *Processor) appendToken(tok string) {
	if tok == "" {
		return
	}
	p.buffer.WriteString(tok)
	if p.handlers.OnPreview != nil {
		p.handlers.OnPreview(p.buffer.String())
	}
}

func (p *Processor) setPreview(text string) {
	p.buffer.Reset()
	p.buffer.WriteString(text)
	if p.handlers.OnPreview != nil {
		p.handlers.OnPreview(text)
	}
}

// Processing reports whether a request is currently in flight.
func (p *Processor) Processing() bool {
	return p.processing
}

// Progress returns a copy of the accumulated progress entries.
func (p *Processor) Progress() []chat.ProgressEntry {
	out := make([]chat.ProgressEntry, len(p.progress))
	copy(out, p.progress)
	return out
}

// Preview returns the accumulated partial response text.
func (p *Processor) Preview() string {
	return p.buffer.String()
}

// dedupKey identifies an event across redeliveries: the type, the
// emitter timestamp, and a bounded prefix of the payload.
func dedupKey(ev chat.StreamEvent) string {
	content := tokenText(ev.Data)
	if content == "" {
		content = string(ev.Data)
	}
	if runes := []rune(content); len(runes) > dedupKeyLen {
		content = string(runes[:dedupKeyLen])
	}
	var b strings.Builder
	b.WriteString(string(ev.Type))
	b.WriteByte(':')
	b.WriteString(formatTimestamp(ev.Timestamp))
	b.WriteByte(':')
	b.WriteString(content)
	return b.String()
}

func formatTimestamp(ts float64) string {
	data, _ := json.Marshal(ts)
	return string(data)
}

func eventTime(ev chat.StreamEvent) time.Time {
	if ev.Timestamp == 0 {
		return time.Now().UTC()
	}
	sec := int64(ev.Timestamp)
	nsec := int64((ev.Timestamp - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// tokenText pulls the text out of a token payload. The orchestrator
// wraps tokens as {"token": "..."}; bare strings and {"content": ...}
// are accepted for robustness.
func tokenText(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var wrapped struct {
		Token   string `json:"token"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil {
		if wrapped.Token != "" {
			return wrapped.Token
		}
		if wrapped.Content != "" {
			return wrapped.Content
		}
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	return ""
}

func errorText(data json.RawMessage) string {
	var wrapped struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil {
		if wrapped.Error != "" {
			return wrapped.Error
		}
		if wrapped.Message != "" {
			return wrapped.Message
		}
	}
	return chat.UserSafeMessage
}

// synthesizedResponse extracts the final answer from a
// processing_complete payload, which nests supervisor output under the
// synthesizer node.
func synthesizedResponse(data json.RawMessage) (string, float64, time.Duration) {
	var nodes map[string]json.RawMessage
	if err := json.Unmarshal(data, &nodes); err != nil {
		return "", 0, 0
	}
	raw, ok := nodes["synthesizer"]
	if !ok {
		raw = data
	}
	var synth struct {
		SynthesizedResponse string  `json:"synthesized_response"`
		ConfidenceScore     float64 `json:"confidence_score"`
		ProcessingTime      float64 `json:"processing_time"`
	}
	if err := json.Unmarshal(raw, &synth); err != nil {
		return "", 0, 0
	}
	return synth.SynthesizedResponse, synth.ConfidenceScore,
		time.Duration(synth.ProcessingTime * float64(time.Second))
}
