package changebus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/taskwire/taskwire/event"
)

// subscriberBuffer is sized so a session surviving a short write stall does
// not immediately lose events.
const subscriberBuffer = 16

// InMemory is the single-process Bus implementation.
type InMemory struct {
	mu        sync.Mutex
	subs      []chan event.Event
	published uint64
	delivered uint64
}

// NewInMemory returns a new in-memory bus.
func NewInMemory() *InMemory {
	return &InMemory{}
}

// Publish implements Bus.Publish. Delivery to each subscriber is
// non-blocking: one stalled session never delays the others, and the
// originating mutation is already committed either way. The sends happen
// under the mutex so Unsubscribe cannot close a channel mid-send; they
// never block, so nothing waits on a slow session while the lock is held.
func (b *InMemory) Publish(ctx context.Context, ev event.Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	atomic.AddUint64(&b.published, 1)
	for _, ch := range b.subs {
		select {
		case ch <- ev:
			atomic.AddUint64(&b.delivered, 1)
		default:
		}
	}
	b.mu.Unlock()
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription is removed when ctx
// is cancelled.
func (b *InMemory) Subscribe(ctx context.Context) (<-chan event.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ch := make(chan event.Event, subscriberBuffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemory) Unsubscribe(ctx context.Context, ch <-chan event.Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	for i, c := range b.subs {
		if c == ch {
			b.subs[i] = b.subs[len(b.subs)-1]
			b.subs = b.subs[:len(b.subs)-1]
			close(c)
			break
		}
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemory) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
