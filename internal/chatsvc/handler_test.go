package chatsvc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/supportflow/supportflow/internal/orchestrator"
	"github.com/supportflow/supportflow/pkg/chat"
	"github.com/supportflow/supportflow/pkg/realtime"
)

// fakeOrchestrator scripts Invoke and InvokeStream outcomes.
type fakeOrchestrator struct {
	result     *orchestrator.Result
	err        error
	events     []chat.StreamEvent
	streamErr  error
	lastInvoke *orchestrator.Request
}

func (f *fakeOrchestrator) Invoke(ctx context.Context, req *orchestrator.Request) (*orchestrator.Result, error) {
	f.lastInvokeSet(req)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeOrchestrator) InvokeStream(ctx context.Context, req *orchestrator.Request) (<-chan chat.StreamEvent, error) {
	f.lastInvokeSet(req)
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	out := make(chan chat.StreamEvent, len(f.events))
	for _, ev := range f.events {
		out <- ev
	}
	close(out)
	return out, nil
}

func (f *fakeOrchestrator) lastInvokeSet(req *orchestrator.Request) {
	f.lastInvoke = req
}

func newTestService(t *testing.T, orch Orchestrator) (*Service, chat.Store, *realtime.MemoryChannel) {
	t.Helper()
	store := chat.NewMemoryStore()
	channel := realtime.NewMemoryChannel()
	t.Cleanup(func() {
		_ = store.Close()
		_ = channel.Close()
	})
	return NewService(store, orch, channel), store, channel
}

func mustCreateSession(t *testing.T, svc *Service) *chat.Session {
	t.Helper()
	sess, err := svc.CreateSession(context.Background(), "user-1", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return sess
}

func TestCreateSession(t *testing.T) {
	svc, store, _ := newTestService(t, &fakeOrchestrator{})

	sess, err := svc.CreateSession(context.Background(), "user-1", map[string]any{"channel": "web"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if sess.ID == "" {
		t.Error("session id must be assigned")
	}
	if sess.Status != chat.SessionActive {
		t.Errorf("status = %s, want ACTIVE", sess.Status)
	}
	if sess.MessageCount != 0 {
		t.Errorf("message count = %d, want 0", sess.MessageCount)
	}

	stored, err := store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if stored.UserID != "user-1" {
		t.Errorf("stored user = %s", stored.UserID)
	}
}

func TestCreateSession_MissingUser(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeOrchestrator{})

	_, err := svc.CreateSession(context.Background(), "", nil)
	if !chat.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestSendChat_HappyPath(t *testing.T) {
	orch := &fakeOrchestrator{
		result: &orchestrator.Result{
			Response:        "Your order ships tomorrow.",
			ConfidenceScore: 0.95,
			ProcessingTime:  1200 * time.Millisecond,
		},
	}
	svc, store, _ := newTestService(t, orch)
	sess := mustCreateSession(t, svc)

	resp, err := svc.SendChat(context.Background(), &SendRequest{
		SessionID: sess.ID,
		Message:   "Where is my order?",
	})
	if err != nil {
		t.Fatalf("SendChat failed: %v", err)
	}

	if resp.Degraded {
		t.Error("successful turn must not be degraded")
	}
	if resp.AgentMessage.Content != "Your order ships tomorrow." {
		t.Errorf("agent content = %q", resp.AgentMessage.Content)
	}
	if resp.AgentMessage.AgentResponse.Confidence != 0.95 {
		t.Errorf("confidence = %v", resp.AgentMessage.AgentResponse.Confidence)
	}
	if resp.AgentMessage.AgentResponse.ProcessingTimeMs != 1200 {
		t.Errorf("processing time = %d ms", resp.AgentMessage.AgentResponse.ProcessingTimeMs)
	}

	// Both turns persisted, counters advanced.
	updated, _ := store.GetSession(context.Background(), sess.ID)
	if updated.MessageCount != 2 {
		t.Errorf("message count = %d, want 2", updated.MessageCount)
	}
	msgs, _ := store.ListMessages(context.Background(), sess.ID, chat.ListOptions{})
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Sender != chat.SenderUser || msgs[0].ID != resp.UserMessageID {
		t.Errorf("first message: sender=%s id=%s", msgs[0].Sender, msgs[0].ID)
	}
	if msgs[1].Sender != chat.SenderAgent || msgs[1].ID != resp.AgentMessageID {
		t.Errorf("second message: sender=%s id=%s", msgs[1].Sender, msgs[1].ID)
	}

	// The response echoes the recorded user turn.
	if resp.UserMessage == nil {
		t.Fatal("response must carry the user message")
	}
	if resp.UserMessage.ID != resp.UserMessageID {
		t.Errorf("user message id = %s, want %s", resp.UserMessage.ID, resp.UserMessageID)
	}
	if resp.UserMessage.Content != "Where is my order?" {
		t.Errorf("user message content = %q", resp.UserMessage.Content)
	}
}

func TestSendChat_HistoryExcludesCurrentMessage(t *testing.T) {
	orch := &fakeOrchestrator{result: &orchestrator.Result{Response: "ok"}}
	svc, _, _ := newTestService(t, orch)
	sess := mustCreateSession(t, svc)
	ctx := context.Background()

	if _, err := svc.SendChat(ctx, &SendRequest{SessionID: sess.ID, Message: "first"}); err != nil {
		t.Fatalf("first SendChat failed: %v", err)
	}
	if _, err := svc.SendChat(ctx, &SendRequest{SessionID: sess.ID, Message: "second"}); err != nil {
		t.Fatalf("second SendChat failed: %v", err)
	}

	// The second call sees only the first turn: user message plus the
	// agent answer, with roles mapped.
	history := orch.lastInvoke.ConversationHistory
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Role != "user" || history[0].Content != "first" {
		t.Errorf("history[0] = %+v", history[0])
	}
	if history[1].Role != "assistant" || history[1].Content != "ok" {
		t.Errorf("history[1] = %+v", history[1])
	}
	if orch.lastInvoke.CustomerMessage != "second" {
		t.Errorf("customer_message = %q", orch.lastInvoke.CustomerMessage)
	}
	if orch.lastInvoke.CustomerID != "user-1" {
		t.Errorf("customer_id = %q", orch.lastInvoke.CustomerID)
	}
}

func TestSendChat_OrchestratorDown(t *testing.T) {
	orch := &fakeOrchestrator{err: chat.ErrOrchestratorUnavailable}
	svc, store, _ := newTestService(t, orch)
	sess := mustCreateSession(t, svc)

	resp, err := svc.SendChat(context.Background(), &SendRequest{
		SessionID: sess.ID,
		Message:   "help",
	})
	if err != nil {
		t.Fatalf("degraded turn must not fail the request: %v", err)
	}

	if !resp.Degraded {
		t.Error("turn should be marked degraded")
	}
	agent := resp.AgentMessage
	if agent.Content != chat.UserSafeMessage {
		t.Errorf("agent content = %q, want user-safe message", agent.Content)
	}
	if agent.AgentResponse.AgentType != chat.AgentSystem {
		t.Errorf("agent type = %s, want system", agent.AgentResponse.AgentType)
	}
	if v, ok := agent.Metadata["error"].(bool); !ok || !v {
		t.Errorf("metadata.error = %v, want true", agent.Metadata["error"])
	}

	// Conversation record stays consistent: two messages, count 2.
	updated, _ := store.GetSession(context.Background(), sess.ID)
	if updated.MessageCount != 2 {
		t.Errorf("message count = %d, want 2", updated.MessageCount)
	}
}

func TestSendChat_Validation(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeOrchestrator{})

	if _, err := svc.SendChat(context.Background(), &SendRequest{Message: "hi"}); !chat.IsValidation(err) {
		t.Errorf("missing session id: expected validation error, got %v", err)
	}
	if _, err := svc.SendChat(context.Background(), &SendRequest{SessionID: "s"}); !chat.IsValidation(err) {
		t.Errorf("missing message: expected validation error, got %v", err)
	}
}

func TestSendChat_SessionNotFound(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeOrchestrator{})

	_, err := svc.SendChat(context.Background(), &SendRequest{SessionID: "ghost", Message: "hi"})
	if !chat.IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func streamEvent(typ chat.EventType, data any) chat.StreamEvent {
	raw, _ := json.Marshal(data)
	return chat.StreamEvent{
		Type:      typ,
		Data:      raw,
		SessionID: "s",
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

func TestSendChatStream_HappyPath(t *testing.T) {
	orch := &fakeOrchestrator{
		events: []chat.StreamEvent{
			streamEvent(chat.EventProcessingStarted, nil),
			streamEvent(chat.EventProgress, map[string]any{
				"order_management": map[string]any{"status": "checking"},
			}),
			streamEvent(chat.EventToken, map[string]string{"token": "Your "}),
			streamEvent(chat.EventProcessingComplete, map[string]any{
				"synthesizer": map[string]any{
					"synthesized_response": "Your order shipped.",
					"confidence_score":     0.9,
					"processing_time":      2.0,
				},
			}),
		},
	}
	svc, store, channel := newTestService(t, orch)
	sess := mustCreateSession(t, svc)
	ctx := context.Background()

	// A realtime subscriber should see the same feed.
	sub, err := channel.Subscribe(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	events, err := svc.SendChatStream(ctx, &SendRequest{SessionID: sess.ID, Message: "Where is my order?"})
	if err != nil {
		t.Fatalf("SendChatStream failed: %v", err)
	}

	var got []chat.StreamEvent
	for ev := range events {
		got = append(got, ev)
	}

	want := []chat.EventType{
		chat.EventProcessingStarted,
		chat.EventProgress,
		chat.EventToken,
		chat.EventProcessingComplete,
		chat.EventStreamComplete,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i, typ := range want {
		if got[i].Type != typ {
			t.Errorf("event %d type = %s, want %s", i, got[i].Type, typ)
		}
	}

	// The closing marker carries both persisted message ids.
	var marker map[string]string
	_ = json.Unmarshal(got[len(got)-1].Data, &marker)
	if marker["userMessageId"] == "" || marker["agentMessageId"] == "" {
		t.Errorf("stream_complete payload incomplete: %v", marker)
	}

	// Exactly one agent message persisted, built from the terminal event.
	msgs, _ := store.ListMessages(ctx, sess.ID, chat.ListOptions{})
	if len(msgs) != 2 {
		t.Fatalf("got %d persisted messages, want 2", len(msgs))
	}
	agent := msgs[1]
	if agent.Sender != chat.SenderAgent {
		t.Errorf("second message sender = %s", agent.Sender)
	}
	if agent.Content != "Your order shipped." {
		t.Errorf("agent content = %q", agent.Content)
	}
	if agent.AgentResponse.Confidence != 0.9 {
		t.Errorf("confidence = %v", agent.AgentResponse.Confidence)
	}
	if agent.ID != marker["agentMessageId"] {
		t.Errorf("marker agent id %s != persisted id %s", marker["agentMessageId"], agent.ID)
	}

	updated, _ := store.GetSession(ctx, sess.ID)
	if updated.MessageCount != 2 {
		t.Errorf("message count = %d, want 2", updated.MessageCount)
	}

	// The realtime channel saw the full sequence too.
	for i := 0; i < len(want); i++ {
		select {
		case ev := <-sub.Events():
			if ev.Type != want[i] {
				t.Errorf("published event %d type = %s, want %s", i, ev.Type, want[i])
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for published event %d", i)
		}
	}
}

func TestSendChatStream_ErrorEvent(t *testing.T) {
	orch := &fakeOrchestrator{
		events: []chat.StreamEvent{
			streamEvent(chat.EventProcessingStarted, nil),
			streamEvent(chat.EventError, map[string]string{"error": "agent graph failed"}),
		},
	}
	svc, store, _ := newTestService(t, orch)
	sess := mustCreateSession(t, svc)
	ctx := context.Background()

	events, err := svc.SendChatStream(ctx, &SendRequest{SessionID: sess.ID, Message: "hi"})
	if err != nil {
		t.Fatalf("SendChatStream failed: %v", err)
	}

	var got []chat.StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	last := got[len(got)-1]
	if last.Type != chat.EventStreamComplete {
		t.Errorf("final event = %s, want stream_complete", last.Type)
	}

	// Failed turn persists the synthetic placeholder.
	msgs, _ := store.ListMessages(ctx, sess.ID, chat.ListOptions{})
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	agent := msgs[1]
	if agent.Content != chat.UserSafeMessage {
		t.Errorf("agent content = %q", agent.Content)
	}
	if v, ok := agent.Metadata["error"].(bool); !ok || !v {
		t.Errorf("metadata.error = %v, want true", agent.Metadata["error"])
	}
}

func TestSendChatStream_BreakerOpen(t *testing.T) {
	orch := &fakeOrchestrator{streamErr: chat.ErrOrchestratorUnavailable}
	svc, store, _ := newTestService(t, orch)
	sess := mustCreateSession(t, svc)
	ctx := context.Background()

	events, err := svc.SendChatStream(ctx, &SendRequest{SessionID: sess.ID, Message: "hi"})
	if err != nil {
		t.Fatalf("breaker-open stream must still complete the turn: %v", err)
	}

	var got []chat.StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want error + stream_complete", len(got))
	}
	if got[0].Type != chat.EventError {
		t.Errorf("first event = %s, want error", got[0].Type)
	}
	if got[1].Type != chat.EventStreamComplete {
		t.Errorf("second event = %s, want stream_complete", got[1].Type)
	}

	msgs, _ := store.ListMessages(ctx, sess.ID, chat.ListOptions{})
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want user + placeholder", len(msgs))
	}
}

// ctxStore refuses writes once the caller's context is canceled, the
// way a real backend driver does.
type ctxStore struct {
	chat.Store
}

func (s *ctxStore) AppendMessage(ctx context.Context, msg *chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.AppendMessage(ctx, msg)
}

func (s *ctxStore) UpdateSession(ctx context.Context, sessionID string, fn func(*chat.Session) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.UpdateSession(ctx, sessionID, fn)
}

// disconnectingOrchestrator cancels the request context before closing
// its event stream, simulating a client that drops right as the answer
// lands.
type disconnectingOrchestrator struct {
	events []chat.StreamEvent
	cancel context.CancelFunc
}

func (d *disconnectingOrchestrator) Invoke(ctx context.Context, req *orchestrator.Request) (*orchestrator.Result, error) {
	return nil, errors.New("streaming only")
}

func (d *disconnectingOrchestrator) InvokeStream(ctx context.Context, req *orchestrator.Request) (<-chan chat.StreamEvent, error) {
	out := make(chan chat.StreamEvent, len(d.events))
	for _, ev := range d.events {
		out <- ev
	}
	d.cancel()
	close(out)
	return out, nil
}

func TestSendChatStream_PersistsAfterDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch := &disconnectingOrchestrator{
		events: []chat.StreamEvent{
			streamEvent(chat.EventProcessingComplete, map[string]any{
				"synthesizer": map[string]any{
					"synthesized_response": "Your order shipped.",
					"confidence_score":     0.9,
				},
			}),
		},
		cancel: cancel,
	}
	store := &ctxStore{Store: chat.NewMemoryStore()}
	channel := realtime.NewMemoryChannel()
	t.Cleanup(func() {
		_ = store.Close()
		_ = channel.Close()
	})
	svc := NewService(store, orch, channel)

	sess, err := svc.CreateSession(context.Background(), "user-1", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	events, err := svc.SendChatStream(ctx, &SendRequest{SessionID: sess.ID, Message: "Where is my order?"})
	if err != nil {
		t.Fatalf("SendChatStream failed: %v", err)
	}
	for range events {
	}

	// The terminal result was in hand before the disconnect, so it must
	// still be on record.
	msgs, _ := store.ListMessages(context.Background(), sess.ID, chat.ListOptions{})
	if len(msgs) != 2 {
		t.Fatalf("got %d persisted messages, want 2", len(msgs))
	}
	if msgs[1].Content != "Your order shipped." {
		t.Errorf("agent content = %q", msgs[1].Content)
	}

	updated, _ := store.GetSession(context.Background(), sess.ID)
	if updated.MessageCount != 2 {
		t.Errorf("message count = %d, want 2", updated.MessageCount)
	}
}

func TestHistory_NotFound(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeOrchestrator{})

	_, err := svc.History(context.Background(), "ghost", chat.ListOptions{})
	if !chat.IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

// failingStore wraps a Store and fails AppendMessage after a number of
// calls, to exercise persistence failure handling.
type failingStore struct {
	chat.Store
	failAfter int
	calls     int
}

func (f *failingStore) AppendMessage(ctx context.Context, msg *chat.Message) error {
	f.calls++
	if f.calls > f.failAfter {
		return errors.New("backend down")
	}
	return f.Store.AppendMessage(ctx, msg)
}

func TestSendChat_PersistenceFailureIsHard(t *testing.T) {
	orch := &fakeOrchestrator{result: &orchestrator.Result{Response: "ok"}}
	store := &failingStore{Store: chat.NewMemoryStore(), failAfter: 0}
	channel := realtime.NewMemoryChannel()
	t.Cleanup(func() { _ = channel.Close() })
	svc := NewService(store, orch, channel)

	sess, err := svc.CreateSession(context.Background(), "user-1", nil)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	_, err = svc.SendChat(context.Background(), &SendRequest{SessionID: sess.ID, Message: "hi"})
	if !errors.Is(err, chat.ErrPersistence) {
		t.Errorf("expected ErrPersistence, got %v", err)
	}
}
