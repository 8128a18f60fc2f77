package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/NordCoder/authcore/internal/obs"
	"github.com/NordCoder/authcore/internal/repository/kafka"
	"go.uber.org/zap"
)

// kafka-init creates the authcore topics before the services start.
func main() {
	brokers := strings.Split(env("KAFKA_BROKERS", "kafka:9092"), ",")
	topics := strings.Split(env("KAFKA_TOPICS", "authcore.security.alerts"), ",")

	l, err := obs.NewLogger(obs.LogConfig{Level: "info", App: "authcore/kafka-init", Env: env("APP_ENV", "dev")})
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = l.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for _, t := range topics {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		spec := kafka.TopicSpec{
			Name:              t,
			NumPartitions:     envInt("KAFKA_PARTITIONS", 3),
			ReplicationFactor: envInt("KAFKA_RF", 1),
			MaxWait:           30 * time.Second,
		}
		if err := kafka.EnsureTopic(ctx, brokers, spec, l); err != nil {
			l.Fatal("ensure topic", zap.String("topic", t), zap.Error(err))
		}
	}
	l.Info("kafka-init ok", zap.Strings("topics", topics))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(k)); err == nil && n > 0 {
		return n
	}
	return def
}
