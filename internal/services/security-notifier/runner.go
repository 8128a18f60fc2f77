package notifier

import (
	"context"
	"errors"

	"github.com/NordCoder/authcore/internal/domain/auth"
	kafkax "github.com/NordCoder/authcore/internal/repository/kafka"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	consumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authcore_security_notifier_messages_consumed_total",
		Help: "Security alert messages consumed.",
	})
	alerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_security_notifier_alerts_total",
		Help: "Security alerts by handling result.",
	}, []string{"result"})
	failures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authcore_security_notifier_errors_total",
		Help: "Alert handling attempts that failed and will be redelivered.",
	})
)

type Subscriber interface {
	Consume(ctx context.Context, h kafkax.Handler) error
}

type Runner struct {
	log  *zap.Logger
	cons Subscriber
	h    *Handler
}

func NewRunner(log *zap.Logger, cons Subscriber, h *Handler) *Runner {
	return &Runner{log: log.With(zap.String("component", "security-notifier")), cons: cons, h: h}
}

// Run blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	handler := kafkax.JSONHandler(func(ctx context.Context, _ []byte, a *auth.SecurityAlert) error {
		consumed.Inc()
		if err := r.h.HandleAlert(ctx, *a); err != nil {
			failures.Inc()
			return err
		}
		return nil
	})

	if err := r.cons.Consume(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn("kafka consume", zap.Error(err))
		return err
	}
	return ctx.Err()
}
