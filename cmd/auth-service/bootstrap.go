package main

import (
	"context"
	"time"

	config "github.com/NordCoder/authcore/internal/config/auth-service"
	"github.com/NordCoder/authcore/internal/obs"
	"github.com/NordCoder/authcore/internal/ratelimit"
	pg "github.com/NordCoder/authcore/internal/repository/postgres"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func initLogger(cfg *config.Config) (*zap.Logger, error) {
	return obs.NewLogger(cfg.LogConfig())
}

func initOTel(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	closer, err := obs.SetupOTel(ctx, cfg.OTELConfig())
	if err != nil {
		return nil, err
	}
	return closer.Shutdown, nil
}

func initDB(ctx context.Context, cfg *config.Config) (*pg.DB, error) {
	return pg.New(ctx, cfg.DB)
}

// initLimiter picks the sign-in throttle backend. An unreachable Redis is not fatal: the limiter
// fails open and sign-in keeps working on lockout alone.
func initLimiter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ratelimit.Limiter, func()) {
	switch cfg.RateLimit.Backend {
	case "off":
		logger.Warn("sign-in throttling disabled")
		return ratelimit.Noop{}, func() {}
	case "local":
		return ratelimit.NewLocal(cfg.RateLimit.SignIn), func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		logger.Warn("redis unreachable, sign-in throttling fails open until it returns",
			zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	return ratelimit.NewRedis(rdb, cfg.RateLimit.SignIn), func() { _ = rdb.Close() }
}
