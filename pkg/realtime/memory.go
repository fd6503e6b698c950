package realtime

import (
	"context"
	"log"
	"sync"

	"github.com/supportflow/supportflow/pkg/chat"
)

// MemoryChannel implements Channel in-process. It is intended for
// tests and single-node development.
type MemoryChannel struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	closed bool
}

// NewMemoryChannel creates an empty in-process channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		subs: make(map[string][]*memorySubscription),
	}
}

// Publish delivers an event to every open subscription for the
// session. A subscriber that cannot keep up drops events rather than
// blocking the publisher.
func (c *MemoryChannel) Publish(ctx context.Context, sessionID string, ev chat.StreamEvent) {
	// Hold the read lock through the (non-blocking) sends so a
	// concurrent Close cannot close a channel mid-send.
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, sub := range c.subs[sessionID] {
		select {
		case sub.events <- ev:
		default:
			log.Printf("realtime: dropping event for slow subscriber on session %s", sessionID)
		}
	}
}

// Subscribe opens an ordered event feed for a session.
func (c *MemoryChannel) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub := &memorySubscription{
		channel:   c,
		sessionID: sessionID,
		events:    make(chan chat.StreamEvent, 64),
	}
	c.subs[sessionID] = append(c.subs[sessionID], sub)
	return sub, nil
}

// Close closes all open subscriptions.
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, subs := range c.subs {
		for _, sub := range subs {
			sub.closeOnce.Do(func() { close(sub.events) })
		}
	}
	c.subs = make(map[string][]*memorySubscription)
	return nil
}

func (c *MemoryChannel) remove(sub *memorySubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.subs[sub.sessionID]
	for i, s := range subs {
		if s == sub {
			c.subs[sub.sessionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

type memorySubscription struct {
	channel   *MemoryChannel
	sessionID string
	events    chan chat.StreamEvent
	closeOnce sync.Once
}

func (s *memorySubscription) Events() <-chan chat.StreamEvent {
	return s.events
}

func (s *memorySubscription) Close() error {
	s.channel.remove(s)
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}
