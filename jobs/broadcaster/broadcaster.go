// Package broadcaster publishes settlement events from the durable
// outbox to Kafka. It is a drain loop: scan pending rows, send, ack.
// A crash between send and ack re-sends the row on the next pass, so
// downstream consumers deduplicate by session id.
package broadcaster

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"meshdex/infra/outbox"
)

// producer is the slice of sarama.SyncProducer the drain loop uses,
// separable for tests.
type producer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

type Broadcaster struct {
	out      *outbox.Outbox
	producer producer
	topic    string
	interval time.Duration
	log      *zap.Logger
}

func New(out *outbox.Outbox, brokers []string, topic string, interval time.Duration, log *zap.Logger) (*Broadcaster, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return newWith(out, p, topic, interval, log), nil
}

func newWith(out *outbox.Outbox, p producer, topic string, interval time.Duration, log *zap.Logger) *Broadcaster {
	if interval == 0 {
		interval = 250 * time.Millisecond
	}
	return &Broadcaster{
		out:      out,
		producer: p,
		topic:    topic,
		interval: interval,
		log:      log.Named("broadcaster"),
	}
}

// Run drains the outbox on a ticker until the context is cancelled.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.drainOnce()
		}
	}
}

func (b *Broadcaster) drainOnce() {
	err := b.out.ScanPending(func(rec *outbox.Record) error {
		if err := b.out.MarkSent(rec.Seq); err != nil {
			return err
		}
		_, _, err := b.producer.SendMessage(&sarama.ProducerMessage{
			Topic: b.topic,
			Value: sarama.ByteEncoder(rec.Payload),
		})
		if err != nil {
			// Leave the row SENT; the next pass retries it.
			b.log.Warn("publish failed", zap.Uint64("seq", rec.Seq), zap.Error(err))
			return nil
		}
		return b.out.MarkAcked(rec.Seq)
	})
	if err != nil {
		b.log.Error("outbox scan failed", zap.Error(err))
	}
}

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
