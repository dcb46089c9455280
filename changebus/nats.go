package changebus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"

	"github.com/taskwire/taskwire/event"
)

const natsSubject = "taskwire.changes"

// NATSBus implements Bus over a NATS subject.
type NATSBus struct {
	conn *nats.Conn

	mu   sync.Mutex
	sub  *nats.Subscription
	subs []chan event.Event

	published uint64
	delivered uint64
}

// NewNATSBus returns a bus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, ev event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(natsSubject, payload); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe implements Bus.Subscribe. One NATS subscription is shared by
// all local subscribers and fans into their channels.
func (b *NATSBus) Subscribe(ctx context.Context) (<-chan event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan event.Event, subscriberBuffer)
	b.mu.Lock()
	if b.sub == nil {
		sub, err := b.conn.Subscribe(natsSubject, func(msg *nats.Msg) {
			var ev event.Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				slog.Warn("changebus: dropping malformed nats payload", "error", err)
				return
			}
			// Sends stay under the mutex so Unsubscribe cannot close a
			// channel mid-send; they never block.
			b.mu.Lock()
			for _, c := range b.subs {
				select {
				case c <- ev:
					atomic.AddUint64(&b.delivered, 1)
				default:
				}
			}
			b.mu.Unlock()
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.sub = sub
	}
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, ch <-chan event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
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
	if len(b.subs) == 0 && b.sub != nil {
		sub := b.sub
		b.sub = nil
		b.mu.Unlock()
		return sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
