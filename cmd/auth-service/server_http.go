package main

import (
	"net/http"
	"time"

	config "github.com/NordCoder/authcore/internal/config/auth-service"
	"github.com/NordCoder/authcore/internal/obs"
	pg "github.com/NordCoder/authcore/internal/repository/postgres"
	authsvc "github.com/NordCoder/authcore/internal/services/auth-service/auth"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

func buildHTTPServer(cfg *config.Config, logger *zap.Logger, db *pg.DB, srv *authsvc.Server) (*http.Server, error) {
	if cfg.App.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	if err := r.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		return nil, err
	}
	r.Use(gin.Recovery(), authsvc.RequestLogger(logger))

	srv.Register(r)
	r.GET("/metrics", gin.WrapH(obs.MetricsHandler()))
	r.GET("/healthz", gin.WrapF(obs.HealthHandler(db.Ping)))

	return &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           otelhttp.NewHandler(r, "auth-service"),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}, nil
}

func serveHTTP(srv *http.Server, logger *zap.Logger) error {
	logger.Info("http listening", zap.String("addr", srv.Addr))
	return srv.ListenAndServe()
}
