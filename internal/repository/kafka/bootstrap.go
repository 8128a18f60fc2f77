package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// BootstrapConsumer makes sure the topic exists before the reader joins its group.
func BootstrapConsumer(ctx context.Context, cfg *ConsumerConfig, topic TopicSpec, logger *zap.Logger) *Consumer {
	topic.Name = cfg.Topic
	if topic.MaxWait <= 0 {
		topic.MaxWait = 5 * time.Second
	}
	if err := EnsureTopic(ctx, cfg.Brokers, topic, logger); err != nil {
		logger.Warn("ensure topic", zap.String("topic", cfg.Topic), zap.Error(err))
	}
	return NewConsumer(cfg).WithLogger(logger)
}

// BootstrapProducer is the producing-side counterpart of BootstrapConsumer.
func BootstrapProducer(ctx context.Context, cfg ProducerConfig, topic TopicSpec, logger *zap.Logger) *Producer {
	topic.Name = cfg.Topic
	if err := EnsureTopic(ctx, cfg.Brokers, topic, logger); err != nil {
		logger.Warn("ensure topic", zap.String("topic", cfg.Topic), zap.Error(err))
	}
	return NewProducer(cfg).WithLogger(logger)
}
