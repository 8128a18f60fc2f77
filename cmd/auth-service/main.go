package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	config "github.com/NordCoder/authcore/internal/config/auth-service"
	"github.com/NordCoder/authcore/internal/obs"
	"go.uber.org/zap"
)

func main() {
	cfgPath := flag.String("config", "config/auth-service.yaml", "path to the YAML config")
	flag.Parse()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting auth-service",
		zap.String("http_addr", cfg.Server.HTTPAddr),
		zap.String("grpc_addr", cfg.Server.GRPCAddr),
		zap.String("rate_limit", cfg.RateLimit.Backend),
	)
	obs.InitBuildInfo(cfg.App.Name, cfg.App.Version)

	otelShutdown, err := initOTel(rootCtx, cfg)
	if err != nil {
		logger.Fatal("otel init", zap.Error(err))
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := initDB(rootCtx, cfg)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	logger.Info("db connected")

	limiter, closeLimiter := initLimiter(rootCtx, cfg, logger)
	defer closeLimiter()

	a, err := wire(rootCtx, cfg, db, limiter, logger)
	if err != nil {
		logger.Fatal("wiring", zap.Error(err))
	}
	defer a.Close()

	workCtx, cancelWork := context.WithCancel(rootCtx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.outbox.Run(workCtx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = a.sweeper.Run(workCtx)
	}()

	grpcServer, healthSrv, grpcLn, err := buildGRPCServer(cfg)
	if err != nil {
		logger.Fatal("build grpc", zap.Error(err))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		watchHealth(workCtx, healthSrv, db, logger)
	}()
	grpcErrCh := make(chan error, 1)
	go func() { grpcErrCh <- serveGRPC(grpcServer, grpcLn, logger) }()

	httpSrv, err := buildHTTPServer(cfg, logger, db, a.server)
	if err != nil {
		logger.Fatal("build http", zap.Error(err))
	}
	httpErrCh := make(chan error, 1)
	go func() { httpErrCh <- serveHTTP(httpSrv, logger) }()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal")
	case err := <-grpcErrCh:
		if err != nil {
			logger.Error("grpc serve", zap.Error(err))
		}
	case err := <-httpErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve", zap.Error(err))
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shCtx)
	healthSrv.Shutdown()
	grpcServer.GracefulStop()

	cancelWork()
	wg.Wait()
	logger.Info("bye")
}
