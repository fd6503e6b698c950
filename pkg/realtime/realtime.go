// Package realtime delivers stream events over named per-session
// channels. Publishing is fire-and-forget; subscribing yields an
// ordered event sequence until the subscription is closed.
package realtime

import (
	"context"

	"github.com/supportflow/supportflow/pkg/chat"
)

// Channel publishes and subscribes stream events per session.
// Implementations must be safe for concurrent use.
type Channel interface {
	// Publish sends an event to a session's channel. Publish is
	// fire-and-forget: delivery failures are logged, not returned to
	// the request path.
	Publish(ctx context.Context, sessionID string, ev chat.StreamEvent)

	// Subscribe opens an ordered event feed for a session. The feed
	// delivers until the subscription is closed.
	Subscribe(ctx context.Context, sessionID string) (Subscription, error)

	// Close releases all resources held by the channel.
	Close() error
}

// Subscription is one open feed of session events.
type Subscription interface {
	// Events returns the ordered event stream. The channel is closed
	// when the subscription ends.
	Events() <-chan chat.StreamEvent

	// Close stops delivery. In-flight work already triggered by a
	// delivered event is allowed to complete.
	Close() error
}
