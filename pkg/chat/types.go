// Package chat defines the conversation data model and its persistence
// contract. Sessions and messages are the durable record of every
// customer interaction; messages are append-only and immutable once
// written.
package chat

import (
	"encoding/json"
	"time"
)

// SessionStatus describes the lifecycle state of a chat session.
type SessionStatus string

const (
	// SessionActive means the session accepts new messages.
	SessionActive SessionStatus = "ACTIVE"
	// SessionClosed means the conversation has ended.
	SessionClosed SessionStatus = "CLOSED"
	// SessionPaused means the session is suspended but resumable.
	SessionPaused SessionStatus = "PAUSED"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser   Sender = "USER"
	SenderAgent  Sender = "AGENT"
	SenderSystem Sender = "SYSTEM"
)

// AgentType identifies a specialized agent role in the orchestrator.
type AgentType string

const (
	AgentOrderManagement       AgentType = "order_management"
	AgentProductRecommendation AgentType = "product_recommendation"
	AgentPersonalization       AgentType = "personalization"
	AgentTroubleshooting       AgentType = "troubleshooting"
	AgentSupervisor            AgentType = "supervisor"
	// AgentSystem marks synthetic messages produced by this service
	// rather than by the orchestrator (e.g. failure placeholders).
	AgentSystem AgentType = "system"
)

// Session holds session summary state. It is stored separately from
// messages so listings don't load full histories.
type Session struct {
	// ID is the unique session identifier.
	ID string `json:"id"`
	// UserID identifies the customer who owns the session.
	UserID string `json:"userId"`
	// Status is the lifecycle state.
	Status SessionStatus `json:"status"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"createdAt"`
	// LastActivity is updated on every accepted message.
	LastActivity time.Time `json:"lastActivity"`
	// MessageCount equals the number of persisted messages for this
	// session. Incremented on every accepted message.
	MessageCount int `json:"messageCount"`
	// Metadata contains optional session metadata.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Message is a single conversation turn. Immutable once persisted.
type Message struct {
	// SessionID links to the owning session.
	SessionID string `json:"sessionId"`
	// ID is unique within the session.
	ID string `json:"messageId"`
	// Content is the UTF-8 message text.
	Content string `json:"content"`
	// Sender is who produced the message.
	Sender Sender `json:"sender"`
	// Timestamp is when the message was created.
	Timestamp time.Time `json:"timestamp"`
	// AgentResponse carries agent result detail for AGENT messages.
	AgentResponse *AgentResponse `json:"agentResponse,omitempty"`
	// Metadata is an open key/value map.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AgentResponse is the orchestrator's answer embedded in an AGENT
// message.
type AgentResponse struct {
	AgentType AgentType `json:"agentType"`
	Content   string    `json:"content"`
	// Confidence is in [0.0, 1.0] when present.
	Confidence float64 `json:"confidence,omitempty"`
	// ProcessingTimeMs is the orchestrator-reported duration.
	ProcessingTimeMs int64          `json:"processingTimeMs,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// EventType discriminates StreamEvent payloads. Values mirror the
// orchestrator's wire protocol; unrecognized values map to
// EventUnknown so new event kinds never crash a consumer.
type EventType string

const (
	EventProcessingStarted  EventType = "processing_started"
	EventProgress           EventType = "progress"
	EventToken              EventType = "token"
	EventProcessingComplete EventType = "processing_complete"
	EventError              EventType = "error"
	// EventStreamComplete is the final marker this service appends
	// after persistence finishes. The orchestrator's own "complete"
	// marker is normalized to this value.
	EventStreamComplete EventType = "stream_complete"
	EventUnknown        EventType = "unknown"
)

// knownEventTypes gates normalization in ParseEventType.
var knownEventTypes = map[EventType]bool{
	EventProcessingStarted:  true,
	EventProgress:           true,
	EventToken:              true,
	EventProcessingComplete: true,
	EventError:              true,
	EventStreamComplete:     true,
}

// ParseEventType maps a wire type string to an EventType. The
// orchestrator emits "complete" as its end-of-stream marker; it is
// folded into EventStreamComplete. Anything unrecognized becomes
// EventUnknown.
func ParseEventType(s string) EventType {
	if s == "complete" {
		return EventStreamComplete
	}
	t := EventType(s)
	if knownEventTypes[t] {
		return t
	}
	return EventUnknown
}

// StreamEvent is one NDJSON line of an orchestrator event stream.
// Events are transient; only terminal content is folded into a
// persisted Message.
type StreamEvent struct {
	// Type discriminates the Data payload.
	Type EventType `json:"type"`
	// Data is the type-dependent payload, kept raw so each consumer
	// decodes only the shapes it understands.
	Data json.RawMessage `json:"data,omitempty"`
	// SessionID is the session this event belongs to.
	SessionID string `json:"session_id,omitempty"`
	// AgentType identifies the emitting agent when known.
	AgentType AgentType `json:"agent_type,omitempty"`
	// Timestamp is Unix seconds with fractional part, as emitted by
	// the orchestrator.
	Timestamp float64 `json:"timestamp,omitempty"`
}

// IsTerminal reports whether this event ends a request's sequence.
func (e *StreamEvent) IsTerminal() bool {
	return e.Type == EventProcessingComplete || e.Type == EventError
}

// ProgressEntry is an ephemeral, client-only record of a sub-agent's
// in-flight partial result. Entries are appended, never mutated, and
// rebuilt per session.
type ProgressEntry struct {
	ID        string         `json:"id"`
	AgentType AgentType      `json:"agentType"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}
