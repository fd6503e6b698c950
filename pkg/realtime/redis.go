package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/supportflow/supportflow/pkg/chat"
	"github.com/supportflow/supportflow/pkg/observability"
)

// RedisChannel implements Channel over Redis pub/sub. Each session
// maps to one Redis channel, so events fan out to every subscribed
// client across nodes.
type RedisChannel struct {
	client *redis.Client
	prefix string
}

// NewRedisChannel creates a Redis-backed realtime channel.
func NewRedisChannel(client *redis.Client, prefix string) *RedisChannel {
	if prefix == "" {
		prefix = "supportflow:events:"
	}
	return &RedisChannel{
		client: client,
		prefix: prefix,
	}
}

func (c *RedisChannel) channelName(sessionID string) string {
	return c.prefix + sessionID
}

// Publish sends an event to a session's channel. Failures are logged
// and dropped; the request path never blocks on delivery.
func (c *RedisChannel) Publish(ctx context.Context, sessionID string, ev chat.StreamEvent) {
	data, err := json.Marshal(&ev)
	if err != nil {
		log.Printf("realtime: marshal event for session %s: %v", sessionID, err)
		return
	}
	if err := c.client.Publish(ctx, c.channelName(sessionID), data).Err(); err != nil {
		log.Printf("realtime: publish to session %s: %v", sessionID, err)
		return
	}
	observability.RecordStreamEvent(string(ev.Type))
}

// Subscribe opens an ordered event feed for a session.
func (c *RedisChannel) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	pubsub := c.client.Subscribe(ctx, c.channelName(sessionID))

	// Wait for the subscription to be confirmed so publishes after
	// Subscribe returns are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan chat.StreamEvent, 64),
	}
	observability.StreamOpened()

	go func() {
		defer close(sub.events)
		defer observability.StreamClosed()
		for msg := range pubsub.Channel() {
			var ev chat.StreamEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("realtime: skipping malformed event on %s: %v", msg.Channel, err)
				continue
			}
			select {
			case sub.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub, nil
}

// Close is a no-op for the shared client; per-subscription resources
// are released by Subscription.Close.
func (c *RedisChannel) Close() error {
	return nil
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	events    chan chat.StreamEvent
	closeOnce sync.Once
	closeErr  error
}

func (s *redisSubscription) Events() <-chan chat.StreamEvent {
	return s.events
}

func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.pubsub.Close()
	})
	return s.closeErr
}
