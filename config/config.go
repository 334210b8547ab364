// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full runtime configuration of the API process.
type Config struct {
	DatabaseURL     string        `env:"DATABASE_URL,required"`
	HTTPAddr        string        `env:"HTTP_ADDR"             envDefault:":8080"`
	JWTSecret       string        `env:"JWT_SECRET,required"`
	RedisAddr       string        `env:"REDIS_ADDR"`
	NotificationsDB string        `env:"NOTIFICATIONS_DB"      envDefault:"notifications.db"`
	StripeSecretKey string        `env:"STRIPE_SECRET_KEY"`
	WebhookSecret   string        `env:"STRIPE_WEBHOOK_SECRET"`
	PublicBaseURL   string        `env:"PUBLIC_BASE_URL"       envDefault:"http://localhost:3000"`
	Currency        string        `env:"CURRENCY"              envDefault:"usd"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL"        envDefault:"1m"`
	StoreTimeout    time.Duration `env:"STORE_TIMEOUT"         envDefault:"5s"`
	MaxConns        int32         `env:"DB_MAX_CONNS"          envDefault:"10"`
	LogLevel        string        `env:"LOG_LEVEL"             envDefault:"info"`
	OTELEndpoint    string        `env:"OTEL_ENDPOINT"`
}

// PaymentsEnabled reports whether processor credentials are configured.
func (c Config) PaymentsEnabled() bool {
	return c.StripeSecretKey != ""
}

// Load reads an optional .env file from the working directory and parses the
// environment into Config. Variables already set win over the file.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load dotenv: %w", err)
	}
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseEnv parses environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	return nil
}
