package main

import (
	"context"

	config "github.com/NordCoder/authcore/internal/config/auth-service"
	"github.com/NordCoder/authcore/internal/obs/retry"
	"github.com/NordCoder/authcore/internal/outbox"
	"github.com/NordCoder/authcore/internal/password"
	"github.com/NordCoder/authcore/internal/permission"
	"github.com/NordCoder/authcore/internal/ratelimit"
	"github.com/NordCoder/authcore/internal/repository/kafka"
	pg "github.com/NordCoder/authcore/internal/repository/postgres"
	authsvc "github.com/NordCoder/authcore/internal/services/auth-service/auth"
	"github.com/NordCoder/authcore/internal/services/auth-service/session"
	"github.com/NordCoder/authcore/internal/services/auth-service/sweeper"
	"github.com/NordCoder/authcore/internal/token"
	"github.com/NordCoder/authcore/internal/totp"
	"go.uber.org/zap"
)

type app struct {
	server   *authsvc.Server
	resolver *permission.Resolver
	outbox   *outbox.Runner
	sweeper  *sweeper.Runner
	producer *kafka.Producer
}

func (a *app) Close() {
	a.resolver.Close()
	_ = a.producer.Close()
}

func wire(ctx context.Context, cfg *config.Config, db *pg.DB, limiter ratelimit.Limiter, logger *zap.Logger) (*app, error) {
	hasher, err := password.NewHasher(cfg.Password)
	if err != nil {
		return nil, err
	}
	principals := pg.NewPrincipalRepo(db, hasher, cfg.Lockout, logger)

	resolver, err := permission.NewResolver(pg.NewPermissionRepo(db), permission.Opts{
		Cache: permission.CacheConfig{
			NumCounters: cfg.Permissions.CacheNumCounters,
			MaxCost:     cfg.Permissions.CacheMaxCost,
			TTL:         cfg.Permissions.CacheTTL,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	signer, err := token.NewSigner(token.SignerConfig{Secret: []byte(cfg.Auth.Secret), Issuer: cfg.Auth.Issuer})
	if err != nil {
		resolver.Close()
		return nil, err
	}

	outboxRepo := pg.NewOutboxRepo(db)
	tokens := pg.NewRefreshTokenRepo(db)
	manager := session.NewManager(session.Deps{
		Tokens:      tokens,
		Principals:  principals,
		Permissions: resolver,
		Signer:      signer,
		Tx:          pg.NewTransactor(db, logger),
		Alerts:      outboxRepo,
		Logger:      logger,
	}, session.Config{
		APIAudience:  cfg.Auth.APIAudience,
		AccessTTL:    cfg.Auth.AccessTTL,
		AccessLeeway: cfg.Auth.AccessLeeway,
		SlidingTTL:   cfg.Auth.RefreshSlidingTTL,
		AbsoluteTTL:  cfg.Auth.RefreshAbsoluteTTL,
	})

	uc := authsvc.NewUseCase(authsvc.UsecaseDeps{
		Principals:   principals,
		Sessions:     manager,
		States:       token.NewStateTokens(signer),
		SecondFactor: authsvc.NewTOTPVerifier(principals, totp.NewValidator(cfg.TOTP, nil)),
		Limiter:      limiter,
		Logger:       logger,
	})
	srv := authsvc.NewServer(uc, manager, resolver, authsvc.Opts{
		Logger:       logger,
		CookieName:   cfg.Auth.CookieName,
		CookieDomain: cfg.Auth.CookieDomain,
		CookiePath:   cfg.Auth.CookiePath,
		CookieSecure: cfg.Auth.CookieSecure,
	})

	producer := kafka.BootstrapProducer(ctx, cfg.Kafka.Producer, cfg.Kafka.Topic, logger)
	dispatch := outbox.MakeGlobalOutboxHandler(
		kafka.NewSecurityEventsKafka(producer),
		retry.PublishPolicy("outbox_security_alert", logger),
	)
	runner := outbox.NewOutboxRunner(logger, outboxRepo, dispatch, cfg.Outbox)

	sweep := sweeper.New(logger, cfg.Sweeper,
		sweeper.Target{Name: "outbox", Purger: sweeper.PurgeFunc(outboxRepo.PurgeDelivered)},
	)

	return &app{server: srv, resolver: resolver, outbox: runner, sweeper: sweep, producer: producer}, nil
}
