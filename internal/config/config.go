package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"tillpoint/backend/internal/domain"
)

// Config is read from the environment. AUTH_SECRET and MANAGER_PIN have no defaults; the
// server refuses to start without strong values.
type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`

	DatabaseURL     string `envconfig:"DATABASE_URL"`
	DatabaseMigrate bool   `envconfig:"DATABASE_MIGRATE" default:"false"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	NotifyChannel string `envconfig:"NOTIFY_CHANNEL" default:"ledger:changes"`

	AuthSecret     string        `envconfig:"AUTH_SECRET"`
	AccessTokenTTL time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"8h"`
	ManagerPIN     string        `envconfig:"MANAGER_PIN"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	DefaultSystemType  domain.SystemType `envconfig:"DEFAULT_SYSTEM_TYPE" default:"retail"`
	CheckoutTimeout    time.Duration     `envconfig:"CHECKOUT_TIMEOUT" default:"10s"`
	RefreshDebounce    time.Duration     `envconfig:"REFRESH_DEBOUNCE" default:"150ms"`
	RefreshConcurrency int               `envconfig:"REFRESH_CONCURRENCY" default:"2"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}

	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.ManagerPIN = strings.TrimSpace(cfg.ManagerPIN)
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.DefaultSystemType = domain.SystemType(strings.ToLower(strings.TrimSpace(string(cfg.DefaultSystemType))))

	if !cfg.DefaultSystemType.Valid() {
		return Config{}, fmt.Errorf("DEFAULT_SYSTEM_TYPE %q is not a known module", cfg.DefaultSystemType)
	}
	if cfg.AccessTokenTTL < time.Minute {
		return Config{}, fmt.Errorf("ACCESS_TOKEN_TTL must be at least 1m")
	}
	if cfg.CheckoutTimeout <= 0 || cfg.RefreshDebounce <= 0 {
		return Config{}, fmt.Errorf("CHECKOUT_TIMEOUT and REFRESH_DEBOUNCE must be positive")
	}
	if cfg.RefreshConcurrency < 1 {
		cfg.RefreshConcurrency = 1
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}
