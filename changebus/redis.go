package changebus

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	apperrors "github.com/taskwire/taskwire/errors"
	"github.com/taskwire/taskwire/event"
)

const (
	redisChannel    = "taskwire:changes"
	redisBusTimeout = 5 * time.Second
)

// redisEnvelope carries the event plus a publisher-assigned id so a node
// can drop its own echoes when deduplication is ever needed downstream.
type redisEnvelope struct {
	ID    string      `json:"id"`
	Event event.Event `json:"event"`
}

// RedisBus implements Bus over a Redis pub/sub channel, letting several
// server nodes share one change stream.
type RedisBus struct {
	client *redis.Client

	mu     sync.Mutex
	subs   []chan event.Event
	pubsub *redis.PubSub

	published uint64
	delivered uint64
}

// NewRedisBus returns a bus using the provided client. The dispatch loop
// starts with the first subscriber.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, ev event.Event) error {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return apperrors.ErrTimeout
		}
		return err
	}

	payload, err := json.Marshal(redisEnvelope{ID: uuid.NewString(), Event: ev})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, redisChannel, payload).Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return apperrors.ErrTimeout
		}
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan event.Event, subscriberBuffer)
	b.mu.Lock()
	if b.pubsub == nil {
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		ps := b.client.Subscribe(cctx, redisChannel)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			b.mu.Unlock()
			_ = ps.Close()
			if stdErrors.Is(err, context.DeadlineExceeded) {
				return nil, apperrors.ErrTimeout
			}
			return nil, err
		}
		b.pubsub = ps
		go b.dispatch(ps)
	}
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		var env redisEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			slog.Warn("changebus: dropping malformed redis payload", "error", err)
			continue
		}

		// Sends stay under the mutex so Unsubscribe cannot close a
		// channel mid-send; they never block.
		b.mu.Lock()
		for _, ch := range b.subs {
			select {
			case ch <- env.Event:
				atomic.AddUint64(&b.delivered, 1)
			default:
			}
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe. The shared pub/sub connection is
// closed once the last subscriber leaves.
func (b *RedisBus) Unsubscribe(ctx context.Context, ch <-chan event.Event) error {
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
	if len(b.subs) == 0 && b.pubsub != nil {
		ps := b.pubsub
		b.pubsub = nil
		b.mu.Unlock()
		if err := ps.Close(); err != nil {
			if stdErrors.Is(err, redis.ErrClosed) {
				return apperrors.ErrConnectionClosed
			}
			return err
		}
		return nil
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
