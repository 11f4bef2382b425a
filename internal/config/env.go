package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// ServerConfig is the infrastructure side of configuration: where to listen
// and which external systems to talk to. It comes from the environment, not
// from the policy file, because it changes per deployment, not per regulation.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PostgresDSN  string   // empty = in-memory stores
	KafkaBrokers []string // empty = no audit mirror
	KafkaTopic   string

	LogLevel  string
	LogFormat string // text|json
}

const (
	defaultAddr            = ":8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second
	defaultKafkaTopic      = "withdrawal_audit"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
)

// LoadServer reads server configuration from environment variables,
// applying defaults.
func LoadServer() (ServerConfig, error) {
	cfg := ServerConfig{
		Addr:            valueOrDefault("SERVER_ADDR", defaultAddr),
		ReadTimeout:     defaultReadTimeout,
		WriteTimeout:    defaultWriteTimeout,
		IdleTimeout:     defaultIdleTimeout,
		ShutdownTimeout: defaultShutdownTimeout,
		PostgresDSN:     os.Getenv("POSTGRES_DSN"),
		KafkaTopic:      valueOrDefault("KAFKA_AUDIT_TOPIC", defaultKafkaTopic),
		LogLevel:        valueOrDefault("LOG_LEVEL", defaultLogLevel),
		LogFormat:       valueOrDefault("LOG_FORMAT", defaultLogFormat),
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"SERVER_READ_TIMEOUT", &cfg.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT", &cfg.WriteTimeout},
		{"SERVER_IDLE_TIMEOUT", &cfg.IdleTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
	} {
		if v := os.Getenv(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return ServerConfig{}, fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.dst = parsed
		}
	}

	return cfg, nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
