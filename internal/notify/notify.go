// Package notify publishes a best-effort wake-up after the orchestrator
// enqueues embed_queue rows, so the embed worker can shortcut its idle
// backoff instead of waiting for the next poll tick. Durability lives
// entirely in Postgres; a missed or duplicate notification never affects
// correctness, only latency. Grounded on the teacher's
// internal/tools/kafka/producer.go writer construction and
// internal/orchestrator/kafka.go's reader-loop shape, stripped of the
// command-dispatch/DLQ machinery that package solved for a different
// domain.
package notify

import (
	"context"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

// Notifier publishes wake-up signals. Publish must never block the caller
// on broker unavailability for longer than a short timeout.
type Notifier interface {
	Publish(ctx context.Context, guildID string) error
}

// Waiter receives wake-up signals, used by the embed worker to interrupt
// an idle-backoff sleep early.
type Waiter interface {
	// Wake returns a channel that receives a value each time a
	// notification arrives. Callers select on it alongside their own
	// timer.
	Wake() <-chan struct{}
	Close() error
}

// Kafka is the default Notifier, backed by segmentio/kafka-go.
type Kafka struct {
	writer *kafka.Writer
	topic  string
}

// NewKafka builds a Notifier over the given brokers/topic. The writer uses
// RequireNone acknowledgment since a dropped notification is harmless —
// correctness never depends on delivery.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireNone,
			Async:        true,
		},
		topic: topic,
	}
}

func (k *Kafka) Publish(ctx context.Context, guildID string) error {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.writer.WriteMessages(cctx, kafka.Message{
		Key:   []byte(guildID),
		Value: []byte("wake"),
	})
}

func (k *Kafka) Close() error { return k.writer.Close() }

// KafkaWaiter consumes wake-up notifications for the embed worker.
type KafkaWaiter struct {
	reader *kafka.Reader
	ch     chan struct{}
	cancel context.CancelFunc
}

// NewKafkaWaiter starts a background reader that forwards one signal per
// consumed message onto a buffered channel; a full channel drops the
// signal (the worker is already about to wake up anyway).
func NewKafkaWaiter(brokers []string, topic, groupID string) *KafkaWaiter {
	ctx, cancel := context.WithCancel(context.Background())
	w := &KafkaWaiter{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 1 << 16,
		}),
		ch:     make(chan struct{}, 1),
		cancel: cancel,
	}
	go w.loop(ctx)
	return w
}

func (w *KafkaWaiter) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, err := w.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			time.Sleep(time.Second)
			continue
		}
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
}

func (w *KafkaWaiter) Wake() <-chan struct{} { return w.ch }

func (w *KafkaWaiter) Close() error {
	w.cancel()
	return w.reader.Close()
}

// Noop is the degraded-mode Notifier/Waiter pair used when KAFKA_BROKERS
// is unset: Publish is a no-op, and Wake never fires, so the embed worker
// falls back to its poll-interval idle backoff alone.
type Noop struct{}

func (Noop) Publish(context.Context, string) error { return nil }
func (Noop) Wake() <-chan struct{}                 { return nil }
func (Noop) Close() error                          { return nil }
