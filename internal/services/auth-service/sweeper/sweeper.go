package sweeper

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	deleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_sweeper_deleted_total",
		Help: "Rows removed by the housekeeping sweeper.",
	}, []string{"table"})
	sweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authcore_sweeper_errors_total",
		Help: "Failed sweeper batches.",
	})
	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "authcore_sweeper_tick_duration_seconds",
		Help:    "Sweeper tick duration.",
		Buckets: prometheus.DefBuckets,
	})
)

type Config struct {
	Interval   time.Duration `mapstructure:"interval"`
	Retention  time.Duration `mapstructure:"retention"`
	BatchLimit int           `mapstructure:"batch_limit"`
}

// Purger deletes at most limit rows older than before and reports how many went.
type Purger interface {
	Purge(ctx context.Context, before time.Time, limit int) (int64, error)
}

type PurgeFunc func(ctx context.Context, before time.Time, limit int) (int64, error)

func (f PurgeFunc) Purge(ctx context.Context, before time.Time, limit int) (int64, error) {
	return f(ctx, before, limit)
}

// Target is one table the sweeper keeps small.
type Target struct {
	Name   string
	Purger Purger
}

// Runner removes delivered outbox rows once the retention window has passed.
// Refresh tokens are never handed to it: every row is kept for replay detection and forensics.
type Runner struct {
	log     *zap.Logger
	cfg     Config
	targets []Target
	now     func() time.Time
}

func New(log *zap.Logger, cfg Config, targets ...Target) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 1000
	}
	return &Runner{
		log:     log.With(zap.String("component", "sweeper")),
		cfg:     cfg,
		targets: targets,
		now:     time.Now,
	}
}

func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick drains every target in batches and returns the number of deleted rows per target.
func (r *Runner) Tick(ctx context.Context) map[string]int64 {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := otel.Tracer("sweeper").Start(ctx, "sweeper.tick")
	defer span.End()

	before := r.now().UTC().Add(-r.cfg.Retention)
	out := make(map[string]int64, len(r.targets))
	for _, t := range r.targets {
		var total int64
		for ctx.Err() == nil {
			n, err := t.Purger.Purge(ctx, before, r.cfg.BatchLimit)
			if err != nil {
				sweepErrors.Inc()
				span.RecordError(err)
				r.log.Warn("purge failed", zap.String("table", t.Name), zap.Error(err))
				break
			}
			total += n
			if n < int64(r.cfg.BatchLimit) {
				break
			}
		}
		if total > 0 {
			deleted.WithLabelValues(t.Name).Add(float64(total))
			r.log.Info("purged", zap.String("table", t.Name), zap.Int64("rows", total), zap.Time("before", before))
		}
		span.SetAttributes(attribute.Int64("sweeper."+t.Name, total))
		out[t.Name] = total
	}
	return out
}
