// Package chatsvc implements the server-side chat use cases: session
// creation, message history, and the request pipeline that turns one
// user message into a durable conversation turn via the orchestrator.
package chatsvc

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/supportflow/supportflow/internal/orchestrator"
	"github.com/supportflow/supportflow/pkg/chat"
	"github.com/supportflow/supportflow/pkg/realtime"
)

// Orchestrator is the downstream the chat pipeline invokes.
// *orchestrator.Client satisfies it; tests substitute fakes.
type Orchestrator interface {
	Invoke(ctx context.Context, req *orchestrator.Request) (*orchestrator.Result, error)
	InvokeStream(ctx context.Context, req *orchestrator.Request) (<-chan chat.StreamEvent, error)
}

// Service wires the chat store, the orchestrator client, and the
// realtime channel. Each request is handled by an independent
// invocation; the only state shared across concurrent requests is the
// orchestrator client's circuit breaker.
type Service struct {
	store   chat.Store
	orch    Orchestrator
	channel realtime.Channel
}

// NewService creates a chat service.
func NewService(store chat.Store, orch Orchestrator, channel realtime.Channel) *Service {
	return &Service{
		store:   store,
		orch:    orch,
		channel: channel,
	}
}

// CreateSession starts a new conversation for a user. Session creation
// is a distinct use case: the message pipeline never auto-creates
// sessions.
func (s *Service) CreateSession(ctx context.Context, userID string, metadata map[string]any) (*chat.Session, error) {
	if userID == "" {
		return nil, &chat.ValidationError{Field: "userId"}
	}

	now := time.Now().UTC()
	sess := &chat.Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		Status:       chat.SessionActive,
		CreatedAt:    now,
		LastActivity: now,
		MessageCount: 0,
		Metadata:     metadata,
	}

	if err := s.store.PutSession(ctx, sess); err != nil {
		return nil, persistErr("put session", err)
	}
	return sess, nil
}

// GetSession retrieves session state.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*chat.Session, error) {
	if sessionID == "" {
		return nil, &chat.ValidationError{Field: "sessionId"}
	}
	return s.store.GetSession(ctx, sessionID)
}

// History returns a session's messages ordered by timestamp.
func (s *Service) History(ctx context.Context, sessionID string, opts chat.ListOptions) ([]*chat.Message, error) {
	if sessionID == "" {
		return nil, &chat.ValidationError{Field: "sessionId"}
	}
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, sessionID, opts)
}
