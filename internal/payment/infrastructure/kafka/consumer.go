package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agrihaul/fulfillment/internal/payment/domain"
	"github.com/agrihaul/fulfillment/pkg/tracing"
)

// Handler applies one gateway callback.
type Handler interface {
	OnGatewayCallback(ctx context.Context, cb domain.Callback) error
}

// Dedup collapses redelivered callbacks to one side effect. Satisfied by
// the redis idempotency store.
type Dedup interface {
	CallbackKey(intentID, outcome string) string
	Seen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// CallbackConsumer reads settlement callbacks that the gateway publishes to
// kafka and feeds them to the reconciler. Delivery is at-least-once; the
// redis dedup store keeps redeliveries from producing a second side effect.
type CallbackConsumer struct {
	log     *slog.Logger
	reader  *kafka.Reader
	idem    Dedup
	handler Handler
	tracer  trace.Tracer
}

func NewCallbackConsumer(log *slog.Logger, reader *kafka.Reader, idem Dedup, handler Handler) *CallbackConsumer {
	return &CallbackConsumer{
		log:     log,
		reader:  reader,
		idem:    idem,
		handler: handler,
		tracer:  otel.Tracer("payment-callback-consumer"),
	}
}

// Run fetches until ctx is cancelled or the reader closes. A message is
// committed once handled or recognized as a duplicate; handler failures leave
// the offset uncommitted so the message is redelivered.
func (c *CallbackConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := c.handle(ctx, msg); err != nil {
			c.log.Error("callback handling failed, message left uncommitted",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
			continue
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.Error("commit failed", "offset", msg.Offset, "err", err)
		}
	}
}

func (c *CallbackConsumer) handle(ctx context.Context, msg kafka.Message) error {
	ctx = tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	ctx, span := c.tracer.Start(ctx, "payment.callback",
		trace.WithAttributes(
			attribute.String("messaging.kafka.topic", msg.Topic),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		))
	defer span.End()

	var cb domain.Callback
	if err := json.Unmarshal(msg.Value, &cb); err != nil {
		// Poison message. Log and commit past it.
		c.log.Error("undecodable callback dropped", "offset", msg.Offset, "err", err)
		return nil
	}

	key := c.idem.CallbackKey(cb.IntentID, string(cb.Outcome))
	dup, err := c.idem.Seen(ctx, key)
	if err != nil {
		return err
	}
	if dup {
		c.log.Info("duplicate callback skipped", "intent_id", cb.IntentID)
		return nil
	}
	if err := c.handler.OnGatewayCallback(ctx, cb); err != nil {
		// The key was marked before the side effect landed. Unmark it, or
		// the redelivery would dedupe against a callback that never applied.
		if ferr := c.idem.Forget(ctx, key); ferr != nil {
			c.log.Error("forget dedup key failed", "key", key, "err", ferr)
		}
		return err
	}
	return nil
}

func (c *CallbackConsumer) Close() error {
	return c.reader.Close()
}
