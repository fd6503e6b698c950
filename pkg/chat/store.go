package chat

import (
	"context"
	"errors"

	"github.com/supportflow/supportflow/pkg/observability"
)

// Common errors for storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrMessageExists is returned when a message id is reused within
	// a session.
	ErrMessageExists = errors.New("message already exists")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// Store abstracts session and message persistence over an external
// key-value/document store. Implementations must be safe for
// concurrent use.
//
// Two logical tables: sessions keyed by session id, messages keyed by
// (session id, message id) with range queries ordered by timestamp.
type Store interface {
	// PutSession creates or replaces session state.
	PutSession(ctx context.Context, sess *Session) error

	// GetSession retrieves a session by ID.
	// Returns ErrSessionNotFound if it doesn't exist.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// UpdateSession applies fn to the stored session and writes the
	// result. Returns ErrSessionNotFound if the session doesn't exist.
	UpdateSession(ctx context.Context, sessionID string, fn func(*Session) error) error

	// AppendMessage persists a message (append-only).
	AppendMessage(ctx context.Context, msg *Message) error

	// ListMessages returns a session's messages ordered by timestamp.
	ListMessages(ctx context.Context, sessionID string, opts ListOptions) ([]*Message, error)

	// ListSessions returns sessions for a user.
	ListSessions(ctx context.Context, userID string, opts ListOptions) ([]*Session, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// recordOp feeds the store operation counter. Not-found is a normal
// outcome, not a backend failure.
func recordOp(op string, err error) {
	status := "ok"
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		status = "error"
	}
	observability.RecordStoreOperation(op, status)
}

// ListOptions provides paging for list operations.
type ListOptions struct {
	// Limit caps the number of results (0 = no limit).
	Limit int
	// Offset skips the first N results.
	Offset int
}
