// Package config loads the process configuration: YAML file over defaults,
// then environment overrides for the venue and credentials.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"ngefeed/internal/utils"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Environment overrides.
const (
	EnvHost      = "NGE_HOST"
	EnvSymbol    = "NGE_SYMBOL"
	EnvAPIKey    = "NGE_API_KEY"
	EnvAPISecret = "NGE_API_SECRET"
)

type Config struct {
	Host            string        `yaml:"host" validate:"required,url"`
	Symbol          string        `yaml:"symbol" validate:"required"`
	APIKey          string        `yaml:"api_key"`
	APISecret       string        `yaml:"api_secret"`
	Resolution      string        `yaml:"resolution" validate:"required"`
	HistoryEndpoint string        `yaml:"history_endpoint" validate:"required,startswith=/"`
	MaxKlineLen     int           `yaml:"max_kline_len" validate:"gt=0"`
	Continuous      bool          `yaml:"continuous"`
	SkipQuote       bool          `yaml:"skip_quote"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay" validate:"gt=0"`
	NotifyGrace     time.Duration `yaml:"notify_grace" validate:"gte=0"`
	LogLevel        string        `yaml:"log_level" validate:"oneof=debug info warn error"`
	HealthAddr      string        `yaml:"health_addr"`
}

func defaults() Config {
	return Config{
		Host:            "https://www.btcmex.com",
		Symbol:          "XBTUSD",
		Resolution:      "3m",
		HistoryEndpoint: "/history",
		MaxKlineLen:     5000,
		ConnectTimeout:  5 * time.Second,
		ReconnectDelay:  5 * time.Second,
		NotifyGrace:     3 * time.Second,
		LogLevel:        "info",
		HealthAddr:      ":50051",
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}

	overrides := map[string]*string{
		EnvHost:      &cfg.Host,
		EnvSymbol:    &cfg.Symbol,
		EnvAPIKey:    &cfg.APIKey,
		EnvAPISecret: &cfg.APISecret,
	}
	for env, dst := range overrides {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*dst = v
		}
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field constraints and that credentials come in pairs.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := utils.ValidateSymbol(c.Symbol); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if (c.APIKey == "") != (c.APISecret == "") {
		return fmt.Errorf("%w: api_key and api_secret must be set together", ErrInvalidConfig)
	}
	return nil
}

// Authenticated reports whether account topics should be subscribed.
func (c Config) Authenticated() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// Level maps LogLevel to a zerolog level, info when unknown.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
