// Package changebus fans committed change events out to every subscribed
// session. The in-memory bus serves a single server process; the Redis,
// NATS and Kafka backends let several server nodes share one event stream.
//
// Delivery is at-most-once, best effort: a subscriber that cannot keep up
// loses events instead of blocking the publisher or its peers, and a
// reconnecting client is expected to re-fetch full state rather than
// resume.
package changebus

import (
	"context"

	"github.com/taskwire/taskwire/event"
)

// Bus is the pub/sub contract between the mutation path and the
// notification transport. Publish is called exactly once per committed
// mutation, after the database transaction has succeeded.
type Bus interface {
	Publish(ctx context.Context, ev event.Event) error
	Subscribe(ctx context.Context) (<-chan event.Event, error)
	Unsubscribe(ctx context.Context, ch <-chan event.Event) error
}

// Metrics reports publish/delivery counts for buses that track them.
type Metrics struct {
	Published uint64
	Delivered uint64
}
