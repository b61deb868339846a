// Package bus wraps the partitioned request bus (Kafka).
//
// Messages are keyed by SKU: the hash balancer maps every message for one
// SKU to the same partition, and the consumer group hands each partition to
// exactly one reader. That pair of properties is what makes the allocator a
// single writer per SKU without any cross-process lock.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/flashsale/engine/domain"
)

// Publisher writes reservation requests onto the request topic.
type Publisher struct {
	writer  *kafka.Writer
	timeout time.Duration
}

// NewPublisher creates a request publisher. RequiredAcks=all: a publish
// only succeeds once the partition leader and replicas have it, so intake
// never reports Pending for a request the bus silently lost.
func NewPublisher(brokers []string, topic string, timeout time.Duration) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 5 * time.Millisecond,
			MaxAttempts:  3,
		},
		timeout: timeout,
	}
}

// Publish enqueues one reservation request keyed by its SKU. The total
// retry budget is bounded by the publisher timeout.
func (p *Publisher) Publish(ctx context.Context, req domain.ReservationRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal reservation request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(req.SKUID),
		Value: body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish reservation request: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Message is one consumed bus record. ParseErr is set for malformed
// payloads; the allocator discards those with a metric instead of failing
// the whole batch.
type Message struct {
	Request  domain.ReservationRequest
	ParseErr error
	raw      kafka.Message
}

// Partition returns the bus partition this message arrived on.
func (m Message) Partition() int { return m.raw.Partition }

// Offset returns the message offset within its partition.
func (m Message) Offset() int64 { return m.raw.Offset }

// BatchReader pulls batches of up to `size` messages, or whatever arrived
// within `maxWait` of the first message, whichever fills first. Offsets are
// committed only via Commit, after the allocator's transaction commits,
// at-least-once with manual acknowledgement.
type BatchReader struct {
	reader  *kafka.Reader
	size    int
	maxWait time.Duration
}

// NewBatchReader joins the consumer group for the request topic. The group
// coordinator guarantees a partition is held by one member at a time, which
// is the single-writer discipline the allocator relies on.
func NewBatchReader(brokers []string, topic, groupID string, size int, maxWait time.Duration) *BatchReader {
	return &BatchReader{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:       brokers,
			GroupID:       groupID,
			Topic:         topic,
			MinBytes:      1,
			MaxBytes:      10e6,
			QueueCapacity: size,
		}),
		size:    size,
		maxWait: maxWait,
	}
}

// Next blocks for the first message, then drains up to the batch size or
// the time cap. Returns ctx.Err() when the caller shuts down.
func (b *BatchReader) Next(ctx context.Context) ([]Message, error) {
	first, err := b.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}

	raws := []kafka.Message{first}

	drainCtx, cancel := context.WithTimeout(ctx, b.maxWait)
	for len(raws) < b.size {
		m, err := b.reader.FetchMessage(drainCtx)
		if err != nil {
			// Deadline reached or parent cancelled: ship what we have.
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			cancel()
			return nil, err
		}
		raws = append(raws, m)
	}
	cancel()

	msgs := make([]Message, 0, len(raws))
	for _, raw := range raws {
		var req domain.ReservationRequest
		parseErr := json.Unmarshal(raw.Value, &req)
		msgs = append(msgs, Message{Request: req, ParseErr: parseErr, raw: raw})
	}
	return msgs, nil
}

// Commit acknowledges the batch. Not calling Commit (e.g. after a failed
// store transaction) causes redelivery on the next fetch or rebalance.
func (b *BatchReader) Commit(ctx context.Context, msgs []Message) error {
	raws := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		raws[i] = m.raw
	}
	return b.reader.CommitMessages(ctx, raws...)
}

func (b *BatchReader) Close() error {
	return b.reader.Close()
}

// DeadLetter parks poison batches on a separate topic for human
// inspection. Original key, value and coordinates are preserved.
type DeadLetter struct {
	writer *kafka.Writer
}

func NewDeadLetter(brokers []string, topic string) *DeadLetter {
	return &DeadLetter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

// Park republishes the raw messages of a poison batch to the dead-letter
// topic, annotated with the failure and their original coordinates.
func (d *DeadLetter) Park(ctx context.Context, msgs []Message, cause string) error {
	out := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		out[i] = kafka.Message{
			Key:   m.raw.Key,
			Value: m.raw.Value,
			Headers: []kafka.Header{
				{Key: "x-dead-letter-cause", Value: []byte(cause)},
				{Key: "x-original-partition", Value: []byte(fmt.Sprintf("%d", m.raw.Partition))},
				{Key: "x-original-offset", Value: []byte(fmt.Sprintf("%d", m.raw.Offset))},
			},
		}
	}
	return d.writer.WriteMessages(ctx, out...)
}

func (d *DeadLetter) Close() error {
	return d.writer.Close()
}
