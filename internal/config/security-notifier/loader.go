package security_notifier_config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetDefault("app.name", "security-notifier")
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.version", "dev")

	v.SetDefault("db.url", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.max_conn_idle_time", "10m")
	v.SetDefault("db.health_check_period", "30s")
	v.SetDefault("db.query_timeout", "2s")

	v.SetDefault("kafka_in.brokers", []string{"kafka:9092"})
	v.SetDefault("kafka_in.topic", "authcore.security.alerts")
	v.SetDefault("kafka_in.group_id", "security-notifier")
	v.SetDefault("kafka_in.from_beginning", false)
	v.SetDefault("topic.partitions", 3)
	v.SetDefault("topic.replication_factor", 1)
	v.SetDefault("topic.max_wait", "5s")

	v.SetDefault("smtp.addr", "localhost:1025")
	v.SetDefault("smtp.from", "security@authcore.dev")
	v.SetDefault("smtp.user", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.use_tls", false)
	v.SetDefault("smtp.timeout", "5s")
	v.SetDefault("smtp.subj_prefix", "[Security]")

	v.SetDefault("otel.enable", false)
	v.SetDefault("otel.service_name", "security-notifier")
	v.SetDefault("otel.sample_ratio", 1.0)
	v.SetDefault("otel.otlp_endpoint", "localhost:4317")

	v.SetDefault("server.metrics_addr", ":8084")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.DB.URL == "" {
		return nil, errors.New("db.url is required")
	}
	if len(cfg.In.Brokers) == 0 || cfg.In.Topic == "" {
		return nil, errors.New("kafka_in.brokers and kafka_in.topic are required")
	}
	return &cfg, nil
}
