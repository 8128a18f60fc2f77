package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

var (
	ErrLimited     = errors.New("rate limited")
	ErrUnavailable = errors.New("rate limit backend unavailable")
)

type Limiter interface {
	// Allow counts one hit against key and returns ErrLimited once the budget is spent.
	Allow(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
}

type Config struct {
	Prefix string        `mapstructure:"prefix"`
	Max    int           `mapstructure:"max"`
	Window time.Duration `mapstructure:"window"`
}

// Redis is a fixed-window counter shared by every replica.
type Redis struct {
	rdb redis.UniversalClient
	cfg Config
}

func NewRedis(rdb redis.UniversalClient, cfg Config) *Redis {
	return &Redis{rdb: rdb, cfg: cfg}
}

func (l *Redis) Allow(ctx context.Context, key string) error {
	k := l.cfg.Prefix + key
	n, err := l.rdb.Incr(ctx, k).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// first hit opens the window
	if n == 1 {
		if err := l.rdb.Expire(ctx, k, l.cfg.Window).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	if n > int64(l.cfg.Max) {
		return ErrLimited
	}
	return nil
}

func (l *Redis) Reset(ctx context.Context, key string) error {
	if err := l.rdb.Del(ctx, l.cfg.Prefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Local is a per-process token bucket per key, used when no Redis is configured.
type Local struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewLocal(cfg Config) *Local {
	if cfg.Max <= 0 {
		cfg.Max = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Local{
		buckets: make(map[string]*bucket),
		limit:   rate.Every(cfg.Window / time.Duration(cfg.Max)),
		burst:   cfg.Max,
		ttl:     2 * cfg.Window,
		now:     time.Now,
	}
}

func (l *Local) Allow(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	l.sweep(now)
	if !b.lim.AllowN(now, 1) {
		return ErrLimited
	}
	return nil
}

func (l *Local) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
	return nil
}

func (l *Local) sweep(now time.Time) {
	if len(l.buckets) < 1024 {
		return
	}
	for k, b := range l.buckets {
		if now.Sub(b.seen) > l.ttl {
			delete(l.buckets, k)
		}
	}
}

// Noop never limits.
type Noop struct{}

func (Noop) Allow(context.Context, string) error { return nil }
func (Noop) Reset(context.Context, string) error { return nil }
