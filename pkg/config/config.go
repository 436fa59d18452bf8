// Package config loads server and worker configuration from environment
// variables, with an optional YAML governance profile layered on top.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds everything the server and worker need to start.
type Config struct {
	Port     string `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" default:"postgres://governor@localhost:5432/governor?sslmode=disable"`

	JWTSecret string `envconfig:"JWT_SECRET"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// IP-level guard in front of authentication.
	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"20"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"40"`

	// Per-actor budget enforced through Redis after authentication.
	ActorRateRPM   int `envconfig:"ACTOR_RATE_RPM" default:"120"`
	ActorRateBurst int `envconfig:"ACTOR_RATE_BURST" default:"20"`

	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`

	WorkerPollInterval time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"5s"`
	WorkerLease        time.Duration `envconfig:"WORKER_LEASE" default:"1m"`
	WorkerBatchSize    int           `envconfig:"WORKER_BATCH_SIZE" default:"20"`

	OTLPEndpoint     string  `envconfig:"OTLP_ENDPOINT"`
	OTLPInsecure     bool    `envconfig:"OTLP_INSECURE" default:"false"`
	TraceSampleRate  float64 `envconfig:"TRACE_SAMPLE_RATE" default:"1.0"`
	Environment      string  `envconfig:"ENVIRONMENT" default:"development"`

	// GovernanceProfile optionally points at a YAML file with governance
	// tuning defaults applied to new projects.
	GovernanceProfile string `envconfig:"GOVERNANCE_PROFILE"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}
