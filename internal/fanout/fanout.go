// Package fanout is the publish/subscribe boundary for queue-decoupled
// delivery. Delivery is best-effort per key: subscribers receive every event
// published after they attach, nothing is replayed, and a subscriber that
// cannot keep up may miss events.
package fanout

import (
	"context"
	"errors"

	"github.com/streamrelay/streamrelay/internal/model/stream"
)

var ErrClosed = errors.New("fanout bus closed")

// Subscription is one attached consumer for a session key.
type Subscription interface {
	// Events is closed when the subscription ends.
	Events() <-chan stream.Event
	Close() error
}

// Bus fans each published event out to every subscriber of its key.
type Bus interface {
	Publish(ctx context.Context, sessionID string, event stream.Event) error
	Subscribe(ctx context.Context, sessionID string) (Subscription, error)
	Close() error
}
