package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Backoff interface {
	Next(attempt int) time.Duration
}

// ExpoJitter doubles Base per attempt up to Max and spreads it by +/- Jitter.
type ExpoJitter struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func (b ExpoJitter) Next(attempt int) time.Duration {
	d := float64(b.Base) * math.Pow(2, float64(max(attempt, 0)))
	if b.Max > 0 {
		d = math.Min(d, float64(b.Max))
	}
	if b.Jitter > 0 {
		d *= 1 + (rand.Float64()*2-1)*b.Jitter
	}
	return time.Duration(d)
}

type Policy struct {
	Name      string
	Attempts  int
	Backoff   Backoff
	Retryable func(error) bool
	OnAttempt func(attempt int, err error)
	OnExhaust func(lastErr error)
}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying under any policy.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p)
}

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_retry_attempts_total",
		Help: "Calls made through retry.Do, first try included.",
	}, []string{"name"})
	outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_retry_outcomes_total",
		Help: "Final result of retry.Do: ok, permanent, exhausted or canceled.",
	}, []string{"name", "outcome"})
	elapsed = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "authcore_retry_duration_seconds",
		Help:    "Wall time spent inside retry.Do.",
		Buckets: prometheus.DefBuckets,
	}, []string{"name"})
)

func (p Policy) withDefaults() Policy {
	if p.Name == "" {
		p.Name = "default"
	}
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Backoff == nil {
		p.Backoff = ExpoJitter{Base: 100 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2}
	}
	if p.Retryable == nil {
		p.Retryable = func(err error) bool { return err != nil }
	}
	return p
}

// Do calls fn until it succeeds, returns a permanent or non-retryable error,
// runs out of attempts or ctx is done.
func Do(ctx context.Context, fn func() error, p Policy) error {
	p = p.withDefaults()
	start := time.Now()
	span := trace.SpanFromContext(ctx)

	finish := func(outcome string, err error) error {
		outcomes.WithLabelValues(p.Name, outcome).Inc()
		elapsed.WithLabelValues(p.Name).Observe(time.Since(start).Seconds())
		if err != nil && outcome != "canceled" && p.OnExhaust != nil {
			p.OnExhaust(err)
		}
		return err
	}

	for attempt := 0; ; attempt++ {
		err := fn()
		attemptsTotal.WithLabelValues(p.Name).Inc()
		if err == nil {
			return finish("ok", nil)
		}
		if p.OnAttempt != nil {
			p.OnAttempt(attempt, err)
		}
		span.AddEvent("retry.attempt", trace.WithAttributes(
			attribute.String("retry.name", p.Name),
			attribute.Int("retry.attempt", attempt+1),
		))

		switch {
		case IsPermanent(err) || !p.Retryable(err):
			return finish("permanent", err)
		case attempt+1 >= p.Attempts:
			return finish("exhausted", err)
		}

		t := time.NewTimer(p.Backoff.Next(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return finish("canceled", ctx.Err())
		case <-t.C:
		}
	}
}
