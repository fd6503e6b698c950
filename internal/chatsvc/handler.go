package chatsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	iobs "github.com/supportflow/supportflow/internal/observability"
	"github.com/supportflow/supportflow/internal/orchestrator"
	"github.com/supportflow/supportflow/pkg/chat"
	"github.com/supportflow/supportflow/pkg/observability"
	"github.com/supportflow/supportflow/pkg/security"
)

// SendRequest is one inbound chat turn.
type SendRequest struct {
	SessionID string         `json:"sessionId"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SendResponse reports the persisted turn, carrying both stored
// messages. AgentMessage is the synthetic fallback when the
// orchestrator was unreachable; Degraded is true in that case.
type SendResponse struct {
	SessionID      string        `json:"sessionId"`
	UserMessageID  string        `json:"userMessageId"`
	AgentMessageID string        `json:"agentMessageId"`
	UserMessage    *chat.Message `json:"userMessage"`
	AgentMessage   *chat.Message `json:"agentMessage"`
	Degraded       bool          `json:"degraded,omitempty"`
}

var messageValidator = security.NewMessageValidator()

func (r *SendRequest) validate() error {
	if r.SessionID == "" {
		return &chat.ValidationError{Field: "sessionId"}
	}
	if err := messageValidator.Validate(r.Message); err != nil {
		return &chat.ValidationError{Field: "message"}
	}
	return nil
}

// SendChat runs the blocking pipeline: validate, persist the user
// message, invoke the orchestrator, persist the agent message, respond.
// An orchestrator failure degrades the turn instead of failing it: a
// synthetic agent message with a user-safe body is persisted so the
// conversation record stays consistent. A persistence failure fails the
// request.
func (s *Service) SendChat(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	start := time.Now()
	ctx, span := iobs.StartSpan(ctx, "chat.send",
		attribute.String("session.id", req.SessionID),
	)
	defer span.End()

	if err := req.validate(); err != nil {
		observability.RecordChatRequest("blocking", "invalid", time.Since(start))
		return nil, err
	}

	sess, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		observability.RecordChatRequest("blocking", "error", time.Since(start))
		return nil, err
	}

	history, userMsg, err := s.recordUserMessage(ctx, sess, req)
	if err != nil {
		observability.RecordChatRequest("blocking", "error", time.Since(start))
		return nil, err
	}

	orchReq := &orchestrator.Request{
		CustomerMessage:     req.Message,
		SessionID:           sess.ID,
		CustomerID:          sess.UserID,
		ConversationHistory: history,
		Context:             req.Metadata,
	}

	var agentMsg *chat.Message
	degraded := false
	result, err := s.orch.Invoke(ctx, orchReq)
	if err != nil {
		log.Printf("chat: orchestrator invoke failed for session %s: %v", sess.ID, err)
		agentMsg = syntheticAgentMessage(sess.ID)
		degraded = true
	} else {
		agentMsg = agentMessageFromResult(sess.ID, result)
	}

	if err := s.recordAgentMessage(ctx, sess.ID, agentMsg); err != nil {
		observability.RecordChatRequest("blocking", "error", time.Since(start))
		return nil, err
	}

	status := "ok"
	if degraded {
		status = "degraded"
	}
	observability.RecordChatRequest("blocking", status, time.Since(start))

	return &SendResponse{
		SessionID:      sess.ID,
		UserMessageID:  userMsg.ID,
		AgentMessageID: agentMsg.ID,
		UserMessage:    userMsg,
		AgentMessage:   agentMsg,
		Degraded:       degraded,
	}, nil
}

// SendChatStream runs the streaming pipeline. Events from the
// orchestrator are forwarded on the returned channel and published to
// the realtime channel as they arrive. After the terminal event the
// agent message is persisted and a final stream_complete event carrying
// the message ids closes the channel.
func (s *Service) SendChatStream(ctx context.Context, req *SendRequest) (<-chan chat.StreamEvent, error) {
	start := time.Now()
	ctx, span := iobs.StartSpan(ctx, "chat.send_stream",
		attribute.String("session.id", req.SessionID),
	)

	if err := req.validate(); err != nil {
		span.End()
		observability.RecordChatRequest("streaming", "invalid", time.Since(start))
		return nil, err
	}

	sess, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		span.End()
		observability.RecordChatRequest("streaming", "error", time.Since(start))
		return nil, err
	}

	history, userMsg, err := s.recordUserMessage(ctx, sess, req)
	if err != nil {
		span.End()
		observability.RecordChatRequest("streaming", "error", time.Since(start))
		return nil, err
	}

	orchReq := &orchestrator.Request{
		CustomerMessage:     req.Message,
		SessionID:           sess.ID,
		CustomerID:          sess.UserID,
		ConversationHistory: history,
		Context:             req.Metadata,
	}

	events, err := s.orch.InvokeStream(ctx, orchReq)
	if err != nil {
		// InvokeStream degrades internally; an error here means even
		// the fallback could not run (breaker open or hard failure).
		// The turn still completes with a synthetic agent message.
		log.Printf("chat: orchestrator stream failed for session %s: %v", sess.ID, err)
		events = syntheticErrorStream(sess.ID)
	}

	out := make(chan chat.StreamEvent, 16)
	observability.StreamOpened()
	go func() {
		defer close(out)
		defer observability.StreamClosed()
		defer span.End()
		s.pumpStream(ctx, sess.ID, userMsg.ID, events, out)
		observability.RecordChatRequest("streaming", "ok", time.Since(start))
	}()
	return out, nil
}

// pumpStream forwards orchestrator events, captures the terminal one,
// persists the agent message, and emits the closing marker.
func (s *Service) pumpStream(ctx context.Context, sessionID, userMsgID string, events <-chan chat.StreamEvent, out chan<- chat.StreamEvent) {
	var terminal *chat.StreamEvent
	for ev := range events {
		s.channel.Publish(ctx, sessionID, ev)
		if ev.IsTerminal() && terminal == nil {
			terminal = &ev
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			// Caller is gone. Drain the orchestrator stream so its
			// pump goroutine can exit, then persist below.
			for range events {
			}
		}
		if terminal != nil {
			break
		}
	}
	// Drain anything after the terminal event.
	go func() {
		for range events {
		}
	}()

	var agentMsg *chat.Message
	if terminal == nil || terminal.Type == chat.EventError {
		agentMsg = syntheticAgentMessage(sessionID)
	} else {
		agentMsg = agentMessageFromComplete(sessionID, *terminal)
	}

	// The terminal result is already in hand; a client disconnect must
	// not abort its write.
	persistCtx := context.WithoutCancel(ctx)
	if err := s.recordAgentMessage(persistCtx, sessionID, agentMsg); err != nil {
		log.Printf("chat: stream persistence failed for session %s: %v", sessionID, err)
		fail := errorStreamEvent(sessionID, chat.UserSafeMessage)
		s.channel.Publish(persistCtx, sessionID, fail)
		select {
		case out <- fail:
		default:
		}
		return
	}

	done := completionEvent(sessionID, userMsgID, agentMsg.ID)
	s.channel.Publish(persistCtx, sessionID, done)
	select {
	case out <- done:
	case <-ctx.Done():
	}
}

// recordUserMessage persists the inbound message and bumps the session
// counters. The history snapshot is taken before the new message so the
// orchestrator sees prior turns only.
func (s *Service) recordUserMessage(ctx context.Context, sess *chat.Session, req *SendRequest) ([]orchestrator.HistoryEntry, *chat.Message, error) {
	prior, err := s.store.ListMessages(ctx, sess.ID, chat.ListOptions{})
	if err != nil {
		return nil, nil, persistErr("list messages", err)
	}

	msg := &chat.Message{
		SessionID: sess.ID,
		ID:        uuid.New().String(),
		Content:   req.Message,
		Sender:    chat.SenderUser,
		Timestamp: time.Now().UTC(),
		Metadata:  req.Metadata,
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, nil, persistErr("append user message", err)
	}
	if err := s.touchSession(ctx, sess.ID); err != nil {
		return nil, nil, err
	}
	return historyEntries(prior), msg, nil
}

func (s *Service) recordAgentMessage(ctx context.Context, sessionID string, msg *chat.Message) error {
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return persistErr("append agent message", err)
	}
	return s.touchSession(ctx, sessionID)
}

func (s *Service) touchSession(ctx context.Context, sessionID string) error {
	err := s.store.UpdateSession(ctx, sessionID, func(sess *chat.Session) error {
		sess.MessageCount++
		sess.LastActivity = time.Now().UTC()
		return nil
	})
	if err != nil {
		return persistErr("update session", err)
	}
	return nil
}

func historyEntries(msgs []*chat.Message) []orchestrator.HistoryEntry {
	entries := make([]orchestrator.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.Sender == chat.SenderAgent {
			role = "assistant"
		}
		entries = append(entries, orchestrator.HistoryEntry{Role: role, Content: m.Content})
	}
	return entries
}

func agentMessageFromResult(sessionID string, result *orchestrator.Result) *chat.Message {
	return &chat.Message{
		SessionID: sessionID,
		ID:        uuid.New().String(),
		Content:   result.Response,
		Sender:    chat.SenderAgent,
		Timestamp: time.Now().UTC(),
		AgentResponse: &chat.AgentResponse{
			AgentType:        chat.AgentSupervisor,
			Content:          result.Response,
			Confidence:       result.ConfidenceScore,
			ProcessingTimeMs: result.ProcessingTime.Milliseconds(),
			Timestamp:        time.Now().UTC(),
		},
	}
}

// agentMessageFromComplete extracts the synthesized response from a
// processing_complete event. The payload nests the supervisor output
// under the synthesizer node.
func agentMessageFromComplete(sessionID string, ev chat.StreamEvent) *chat.Message {
	content := chat.UserSafeMessage
	confidence := 0.0
	processingMs := int64(0)

	var nodes map[string]json.RawMessage
	if err := json.Unmarshal(ev.Data, &nodes); err == nil {
		raw, ok := nodes["synthesizer"]
		if !ok {
			raw = ev.Data
		}
		var synth struct {
			SynthesizedResponse string  `json:"synthesized_response"`
			ConfidenceScore     float64 `json:"confidence_score"`
			ProcessingTime      float64 `json:"processing_time"`
		}
		if err := json.Unmarshal(raw, &synth); err == nil && synth.SynthesizedResponse != "" {
			content = synth.SynthesizedResponse
			confidence = synth.ConfidenceScore
			processingMs = int64(synth.ProcessingTime * 1000)
		}
	}

	return &chat.Message{
		SessionID: sessionID,
		ID:        uuid.New().String(),
		Content:   content,
		Sender:    chat.SenderAgent,
		Timestamp: time.Now().UTC(),
		AgentResponse: &chat.AgentResponse{
			AgentType:        chat.AgentSupervisor,
			Content:          content,
			Confidence:       confidence,
			ProcessingTimeMs: processingMs,
			Timestamp:        time.Now().UTC(),
		},
	}
}

// syntheticAgentMessage is the degraded-turn placeholder. The error
// marker in metadata lets clients and history render it differently.
func syntheticAgentMessage(sessionID string) *chat.Message {
	return &chat.Message{
		SessionID: sessionID,
		ID:        uuid.New().String(),
		Content:   chat.UserSafeMessage,
		Sender:    chat.SenderAgent,
		Timestamp: time.Now().UTC(),
		AgentResponse: &chat.AgentResponse{
			AgentType: chat.AgentSystem,
			Content:   chat.UserSafeMessage,
			Timestamp: time.Now().UTC(),
		},
		Metadata: map[string]any{"error": true},
	}
}

func errorStreamEvent(sessionID, message string) chat.StreamEvent {
	data, _ := json.Marshal(map[string]string{"error": message})
	return chat.StreamEvent{
		Type:      chat.EventError,
		Data:      data,
		SessionID: sessionID,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

func completionEvent(sessionID, userMsgID, agentMsgID string) chat.StreamEvent {
	data, _ := json.Marshal(map[string]string{
		"userMessageId":  userMsgID,
		"agentMessageId": agentMsgID,
	})
	return chat.StreamEvent{
		Type:      chat.EventStreamComplete,
		Data:      data,
		SessionID: sessionID,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

func syntheticErrorStream(sessionID string) <-chan chat.StreamEvent {
	ch := make(chan chat.StreamEvent, 1)
	ch <- errorStreamEvent(sessionID, chat.UserSafeMessage)
	close(ch)
	return ch
}

func persistErr(op string, err error) error {
	if chat.IsNotFound(err) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, chat.ErrPersistence, err)
}
