package chat

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore implements Store with in-process maps. It is intended
// for tests and local development, not production.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string][]*Message
	closed   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
	}
}

// PutSession creates or replaces session state.
func (m *MemoryStore) PutSession(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	cp := *sess
	m.sessions[sess.ID] = &cp
	return nil
}

// GetSession retrieves a session by ID.
func (m *MemoryStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

// UpdateSession applies fn to the stored session under the store lock.
func (m *MemoryStore) UpdateSession(ctx context.Context, sessionID string, fn func(*Session) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	sess, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	return fn(sess)
}

// AppendMessage persists a message.
func (m *MemoryStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	for _, existing := range m.messages[msg.SessionID] {
		if existing.ID == msg.ID {
			return ErrMessageExists
		}
	}
	cp := *msg
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], &cp)
	return nil
}

// ListMessages returns a session's messages ordered by timestamp.
func (m *MemoryStore) ListMessages(ctx context.Context, sessionID string, opts ListOptions) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	msgs := make([]*Message, len(m.messages[sessionID]))
	copy(msgs, m.messages[sessionID])
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return page(msgs, opts), nil
}

// ListSessions returns sessions for a user sorted by creation time.
func (m *MemoryStore) ListSessions(ctx context.Context, userID string, opts ListOptions) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	var sessions []*Session
	for _, sess := range m.sessions {
		if sess.UserID == userID {
			cp := *sess
			sessions = append(sessions, &cp)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return page(sessions, opts), nil
}

// Ping reports whether the store accepts operations.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func page[T any](items []T, opts ListOptions) []T {
	start := opts.Offset
	if start >= len(items) {
		return []T{}
	}
	end := len(items)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return items[start:end]
}
