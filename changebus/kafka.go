package changebus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"

	"github.com/taskwire/taskwire/event"
)

const kafkaTopic = "taskwire-changes"

// KafkaBus implements Bus over a Kafka topic.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer

	mu   sync.Mutex
	pc   sarama.PartitionConsumer
	subs []chan event.Event

	published uint64
	delivered uint64
}

// NewKafkaBus connects to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{producer: producer, consumer: consumer}, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, ev event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: kafkaTopic, Value: sarama.ByteEncoder(payload)}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe implements Bus.Subscribe. A single partition consumer started
// at the newest offset feeds all local subscribers; historical events are
// deliberately skipped, a fresh subscriber resyncs over the API instead.
func (b *KafkaBus) Subscribe(ctx context.Context) (<-chan event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan event.Event, subscriberBuffer)
	b.mu.Lock()
	if b.pc == nil {
		pc, err := b.consumer.ConsumePartition(kafkaTopic, 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.pc = pc
		go b.dispatch(pc)
	}
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), ch)
	}()
	return ch, nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		var ev event.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			slog.Warn("changebus: dropping malformed kafka payload", "error", err)
			continue
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
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, ch <-chan event.Event) error {
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
	if len(b.subs) == 0 && b.pc != nil {
		pc := b.pc
		b.pc = nil
		b.mu.Unlock()
		return pc.Close()
	}
	b.mu.Unlock()
	return nil
}

// Close shuts down the producer and consumer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.pc != nil {
		_ = b.pc.Close()
		b.pc = nil
	}
	for _, c := range b.subs {
		close(c)
	}
	b.subs = nil
	b.mu.Unlock()

	if err := b.producer.Close(); err != nil {
		_ = b.consumer.Close()
		return err
	}
	return b.consumer.Close()
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
