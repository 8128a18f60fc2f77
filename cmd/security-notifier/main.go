package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "github.com/NordCoder/authcore/internal/config/security-notifier"
	"github.com/NordCoder/authcore/internal/obs"
	"github.com/NordCoder/authcore/internal/obs/retry"
	"github.com/NordCoder/authcore/internal/password"
	"github.com/NordCoder/authcore/internal/repository/kafka"
	pg "github.com/NordCoder/authcore/internal/repository/postgres"
	notifier "github.com/NordCoder/authcore/internal/services/security-notifier"
	"go.uber.org/zap"
)

func wiring(db *pg.DB, cfg *config.Config, cons *kafka.Consumer, l *zap.Logger) (*notifier.Runner, error) {
	// the notifier only reads principals; the hasher is never consulted
	hasher, err := password.NewHasher(password.DefaultParams())
	if err != nil {
		return nil, err
	}
	h := &notifier.Handler{
		Principals: pg.NewPrincipalRepo(db, hasher, pg.LockoutPolicy{}, l),
		Store:      pg.NewAlertNotificationRepo(db),
		Out:        notifier.NewMailer(cfg.SMTP).WithLogger(l),
		Retry:      retry.MailPolicy(l),
		Log:        l,
	}
	return notifier.NewRunner(l, cons, h), nil
}

func main() {
	cfgPath := flag.String("config", "config/security-notifier.yaml", "path to the YAML config")
	flag.Parse()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	l, err := obs.NewLogger(cfg.LogConfig())
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = l.Sync() }()
	l.Info("starting security-notifier",
		zap.Strings("brokers", cfg.In.Brokers),
		zap.String("topic", cfg.In.Topic),
		zap.String("metrics_addr", cfg.Server.MetricsAddr),
		zap.String("smtp_addr", cfg.SMTP.Addr),
	)
	obs.InitBuildInfo(cfg.App.Name, cfg.App.Version)

	otelCloser, err := obs.SetupOTel(rootCtx, cfg.OTELConfig())
	if err != nil {
		l.Warn("otel init", zap.Error(err))
	}
	defer func() { _ = otelCloser.Shutdown(context.Background()) }()

	db, err := pg.New(rootCtx, cfg.DB)
	if err != nil {
		l.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	ms := obs.BootstrapMetricsServer(cfg.Server.MetricsAddr, db.Ping, l)

	cons := kafka.BootstrapConsumer(rootCtx, &cfg.In, cfg.Topic, l)
	defer func() { _ = cons.Close() }()

	runner, err := wiring(db, cfg, cons, l)
	if err != nil {
		l.Fatal("wiring", zap.Error(err))
	}
	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(rootCtx) }()

	select {
	case <-rootCtx.Done():
		l.Info("shutdown signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			l.Error("runner error", zap.Error(err))
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = ms.Shutdown(shCtx)
	l.Info("bye")
}
