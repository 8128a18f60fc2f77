package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// PublishPolicy is used for outbox deliveries to the broker.
func PublishPolicy(name string, log *zap.Logger) Policy {
	return Policy{
		Name:     name,
		Attempts: 6,
		Backoff:  ExpoJitter{Base: 200 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.2},
		Retryable: func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		},
		OnAttempt: func(i int, err error) {
			if log != nil {
				log.Warn("publish retry", zap.String("policy", name), zap.Int("attempt", i+1), zap.Error(err))
			}
		},
		OnExhaust: func(err error) {
			if log != nil && !errors.Is(err, context.Canceled) {
				log.Error("publish retries exhausted", zap.String("policy", name), zap.Error(err))
			}
		},
	}
}

// MailPolicy retries SMTP delivery a few times with a short ceiling.
func MailPolicy(log *zap.Logger) Policy {
	p := PublishPolicy("smtp_send", log)
	p.Attempts = 3
	p.Backoff = ExpoJitter{Base: 500 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2}
	return p
}
