package kafka

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/NordCoder/authcore/internal/obs/retry"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Handler processes one message. An error makes the consumer hand the same message back until
// it succeeds; wrap the error with retry.Permanent to skip a message that can never succeed.
type Handler func(ctx context.Context, key, value []byte) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader     messageReader
	log        *zap.Logger
	cfg        *ConsumerConfig
	redelivery retry.Backoff
}

type ConsumerConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	GroupID       string   `mapstructure:"group_id"`
	Topic         string   `mapstructure:"topic"`
	FromBeginning bool     `mapstructure:"from_beginning"`
}

func NewConsumer(cfg *ConsumerConfig) *Consumer {
	start := kafka.LastOffset
	if cfg.FromBeginning {
		start = kafka.FirstOffset
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:               cfg.Brokers,
		GroupID:               cfg.GroupID,
		Topic:                 cfg.Topic,
		StartOffset:           start,
		WatchPartitionChanges: true,

		MinBytes:          1,
		MaxBytes:          10e6,
		MaxWait:           time.Second,
		SessionTimeout:    10 * time.Second,
		RebalanceTimeout:  15 * time.Second,
		HeartbeatInterval: 3 * time.Second,
	})
	return newConsumer(r, cfg, zap.L())
}

func newConsumer(r messageReader, cfg *ConsumerConfig, l *zap.Logger) *Consumer {
	return &Consumer{
		reader:     r,
		cfg:        cfg,
		log:        consumerLogger(l, cfg),
		redelivery: retry.ExpoJitter{Base: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.2},
	}
}

func consumerLogger(l *zap.Logger, cfg *ConsumerConfig) *zap.Logger {
	return l.With(
		zap.String("component", "kafka.consumer"),
		zap.String("topic", cfg.Topic),
		zap.String("group", cfg.GroupID),
	)
}

func (c *Consumer) WithLogger(l *zap.Logger) *Consumer {
	if l == nil {
		return c
	}
	cp := *c
	cp.log = consumerLogger(l, c.cfg)
	return &cp
}

// Consume blocks until ctx is done. The trace context carried in message headers becomes the
// parent of the handler span. A failed message is retried in place, so no later offset is
// committed past it.
func (c *Consumer) Consume(ctx context.Context, h Handler) error {
	log := c.log
	log.Info("consumer started")

	backoff := 200 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("consumer stopped")
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				log.Debug("fetch EOF; retry", zap.Duration("backoff", backoff))
			} else {
				log.Warn("fetch failed; retry", zap.Error(err), zap.Duration("backoff", backoff))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 200 * time.Millisecond

		if err := c.process(ctx, msg, h); err != nil {
			log.Info("consumer stopped with message pending", zap.Int64("offset", msg.Offset))
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				log.Info("commit interrupted by context cancel")
				return ctx.Err()
			}
			log.Warn("commit failed; will retry later", zap.Error(err))
		}
	}
}

// process returns only when msg may be committed (nil) or ctx is done.
func (c *Consumer) process(ctx context.Context, msg kafka.Message, h Handler) error {
	log := c.log.With(zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset))
	for attempt := 0; ; attempt++ {
		err := c.deliver(ctx, msg, h, attempt)
		switch {
		case err == nil:
			return nil
		case retry.IsPermanent(err):
			log.Error("handler rejected message; skipping", zap.Error(err))
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		}

		wait := c.redelivery.Next(attempt)
		log.Error("handler error; redelivering", zap.Int("attempt", attempt+1), zap.Duration("backoff", wait), zap.Error(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, msg kafka.Message, h Handler, attempt int) error {
	parent := otel.GetTextMapPropagator().Extract(ctx, mapCarrierFromKafka(msg.Headers))
	msgCtx, span := otel.Tracer("kafka.consumer").Start(parent, "kafka.consume "+msg.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
			attribute.Int("messaging.delivery_attempt", attempt+1),
		),
	)
	defer span.End()

	if err := h(msgCtx, msg.Key, msg.Value); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (c *Consumer) Close() error { return c.reader.Close() }
