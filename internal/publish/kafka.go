package publish

import (
	"context"

	"github.com/segmentio/kafka-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/codec"
	"main/internal/schema"
)

// Publisher mirrors appended ledger events onto a Kafka topic for
// downstream consumers. The ledger stays the source of truth; the mirror
// is best effort and never blocks the order path.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher creates a publisher writing to the given brokers and topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: kafka.NewWriter(kafka.WriterConfig{
			Brokers: brokers,
			Topic:   topic,
		}),
	}
}

// Publish writes one event, keyed by order id so per-order ordering
// survives partitioning.
func (p *Publisher) Publish(ctx context.Context, ev schema.Event) error {
	value, err := codec.Encode(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(ev.OrderID),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrap(err, "publish event")
	}
	return nil
}

// Run drains a bus subscription into Kafka until the context ends.
func (p *Publisher) Run(ctx context.Context, q *bus.Queue) {
	q.Run(ctx, func(ev schema.Event) {
		if err := p.Publish(ctx, ev); err != nil {
			logs.Errorf("mirror event seq=%d, err: %+v", ev.StoreSeq, err)
		}
	})
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
