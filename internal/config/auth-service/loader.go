package auth_service_config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/NordCoder/authcore/internal/token"
	"github.com/spf13/viper"
)

const (
	ErrNoDatabase ErrConfig = "db.url is required"
	ErrShortKey   ErrConfig = "auth.secret must be at least 32 bytes"
	ErrAudience   ErrConfig = "auth.api_audience must be set and differ from the two-factor audience"
)

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	v.SetDefault("app.name", "auth-service")
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.version", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.read_timeout", "5s")
	v.SetDefault("server.write_timeout", "5s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.graceful_timeout", "15s")
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("db.url", "")
	v.SetDefault("db.max_conns", 20)
	v.SetDefault("db.min_conns", 5)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.max_conn_idle_time", "10m")
	v.SetDefault("db.health_check_period", "30s")
	v.SetDefault("db.query_timeout", "2s")

	v.SetDefault("otel.enable", false)
	v.SetDefault("otel.service_name", "auth-service")
	v.SetDefault("otel.sample_ratio", 1.0)
	v.SetDefault("otel.otlp_endpoint", "localhost:4317")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.cookie_domain", "")
	v.SetDefault("auth.issuer", "authcore")
	v.SetDefault("auth.api_audience", "authcore.api")
	v.SetDefault("auth.access_ttl", "15m")
	v.SetDefault("auth.access_leeway", "5s")
	v.SetDefault("auth.refresh_sliding_ttl", "168h")
	v.SetDefault("auth.refresh_absolute_ttl", "720h")
	v.SetDefault("auth.cookie_name", "refresh_token")
	v.SetDefault("auth.cookie_path", "/v1/auth")
	v.SetDefault("auth.cookie_secure", true)

	v.SetDefault("permissions.cache_ttl", "30s")
	v.SetDefault("permissions.cache_num_counters", 10000)
	v.SetDefault("permissions.cache_max_cost", 1000)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("rate_limit.backend", "redis")
	v.SetDefault("rate_limit.sign_in.prefix", "authcore:signin")
	v.SetDefault("rate_limit.sign_in.max", 10)
	v.SetDefault("rate_limit.sign_in.window", "1m")

	v.SetDefault("kafka.producer.brokers", []string{"kafka:9092"})
	v.SetDefault("kafka.producer.topic", "authcore.security.alerts")
	v.SetDefault("kafka.producer.write_timeout", "10s")
	v.SetDefault("kafka.topic.partitions", 3)
	v.SetDefault("kafka.topic.replication_factor", 1)
	v.SetDefault("kafka.topic.max_wait", "5s")

	v.SetDefault("outbox.workers", 2)
	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("outbox.wait_time", "1s")
	v.SetDefault("outbox.in_progress_ttl", "1m")

	v.SetDefault("password.memory_kb", 64*1024)
	v.SetDefault("password.time", 3)
	v.SetDefault("password.parallelism", 2)
	v.SetDefault("password.salt_length", 16)
	v.SetDefault("password.key_length", 32)
	v.SetDefault("password.min_length", 8)

	v.SetDefault("totp.digits", 6)
	v.SetDefault("totp.period", "30s")
	v.SetDefault("totp.skew", 1)

	v.SetDefault("lockout.max_failed", 5)
	v.SetDefault("lockout.lock_for", "15m")

	v.SetDefault("sweeper.interval", "1h")
	v.SetDefault("sweeper.retention", "720h")
	v.SetDefault("sweeper.batch_limit", 1000)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DB.URL == "" {
		return ErrNoDatabase
	}
	if len(c.Auth.Secret) < 32 {
		return ErrShortKey
	}
	if c.Auth.RefreshSlidingTTL <= 0 || c.Auth.RefreshAbsoluteTTL < c.Auth.RefreshSlidingTTL {
		return ErrConfig("auth.refresh_absolute_ttl must be >= auth.refresh_sliding_ttl > 0")
	}
	if aud := strings.TrimSpace(c.Auth.APIAudience); aud == "" || aud == token.TwoFactorAudience {
		return ErrAudience
	}
	if c.Auth.AccessTTL <= 0 {
		return ErrConfig("auth.access_ttl must be positive")
	}
	switch c.RateLimit.Backend {
	case "redis", "local", "off":
	default:
		return ErrConfig("rate_limit.backend must be redis, local or off")
	}
	return nil
}
