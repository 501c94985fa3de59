package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/payment-reconciliation/internal/notification/domain"
	"github.com/dmehra2102/payment-reconciliation/pkg/tracing"
)

type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type SeenStore interface {
	KafkaKey(topic string, partition int, offset int64) string
	Seen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

type FeedbackApplier interface {
	ApplyFeedback(ctx context.Context, fb domain.Feedback) error
}

// FeedbackConsumer turns provider delivery signals (bounces, complaints,
// unsubscribes) into suppression entries.
type FeedbackConsumer struct {
	log      *slog.Logger
	reader   Reader
	applier  FeedbackApplier
	seen     SeenStore
	tracer   trace.Tracer
	attempts int
	backoff  time.Duration
	// hold is the pause before a failed message is retried in place.
	hold time.Duration
}

func NewFeedbackReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
}

func NewFeedbackConsumer(log *slog.Logger, reader Reader, applier FeedbackApplier, seen SeenStore) *FeedbackConsumer {
	return &FeedbackConsumer{
		log:      log,
		reader:   reader,
		applier:  applier,
		seen:     seen,
		tracer:   otel.Tracer("feedback-consumer"),
		attempts: 3,
		backoff:  500 * time.Millisecond,
		hold:     5 * time.Second,
	}
}

// Run consumes until ctx is cancelled. Offsets are committed after each
// message is handled, including messages that could not be parsed. A message
// whose apply keeps failing holds its offset and is retried in place; on
// shutdown it stays uncommitted so the group redelivers it.
func (c *FeedbackConsumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		for c.handle(ctx, msg) != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.hold):
			}
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("feedback commit failed", "offset", msg.Offset, "err", err)
		}
	}
}

// handle returns an error only for a failure worth redelivering.
func (c *FeedbackConsumer) handle(ctx context.Context, msg kafka.Message) error {
	key := c.seen.KafkaKey(msg.Topic, msg.Partition, msg.Offset)
	seen, err := c.seen.Seen(ctx, key)
	if err != nil {
		c.log.Error("idempotency check failed", "err", err)
	}
	if seen {
		c.log.Info("duplicate feedback skipped", "key", key)
		return nil
	}

	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "ConsumeDeliveryFeedback")
	defer span.End()

	var fb domain.Feedback
	if err := json.Unmarshal(msg.Value, &fb); err != nil {
		c.log.Error("feedback unmarshal failed", "offset", msg.Offset, "err", err)
		return nil
	}
	span.SetAttributes(attribute.String("feedback.kind", fb.Kind))

	for attempt := 1; ; attempt++ {
		err = c.applier.ApplyFeedback(msgCtx, fb)
		if err == nil {
			c.log.Info("feedback applied", "recipient", fb.Recipient, "kind", fb.Kind, "event_id", fb.EventID)
			return nil
		}
		if errors.Is(err, domain.ErrValidation) || attempt >= c.attempts || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(c.backoff):
		}
	}
	span.RecordError(err)
	c.log.Error("feedback apply failed", "recipient", fb.Recipient, "kind", fb.Kind, "err", err)
	if errors.Is(err, domain.ErrValidation) {
		return nil
	}
	// the offset is retried, so the seen mark must not skip it
	if ferr := c.seen.Forget(context.WithoutCancel(ctx), key); ferr != nil {
		c.log.Error("idempotency forget failed", "key", key, "err", ferr)
	}
	return err
}
