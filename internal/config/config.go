// Package config loads the service configuration from the environment.
//
// An optional .env file is read first; real environment variables win over
// it. Values are decoded with mapstructure and checked with validator.
package config

import (
	"os"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/atmx/race-engine/internal/registry"
)

// Config is the full service configuration.
type Config struct {
	Port            string          `mapstructure:"PORT" validate:"required,numeric"`
	DatabaseURL     string          `mapstructure:"DATABASE_URL"`
	RedisURL        string          `mapstructure:"REDIS_URL"`
	CacheTTL        time.Duration   `mapstructure:"CACHE_TTL" validate:"min=0"`
	LogLevel        string          `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	StartPolicy     string          `mapstructure:"START_POLICY" validate:"oneof=auto explicit"`
	BetAmount       decimal.Decimal `mapstructure:"BET_AMOUNT"`
	MaxPlayers      int             `mapstructure:"MAX_PLAYERS" validate:"min=2"`
	DurationSeconds int64           `mapstructure:"DURATION_SECONDS" validate:"min=1"`
	AdminToken      string          `mapstructure:"ADMIN_TOKEN"`
	LockExpiry      time.Duration   `mapstructure:"LOCK_EXPIRY" validate:"gt=0"`
}

var defaults = map[string]string{
	"PORT":             "8080",
	"CACHE_TTL":        "30s",
	"LOG_LEVEL":        "info",
	"START_POLICY":     string(registry.StartAuto),
	"BET_AMOUNT":       "1000000000000000000",
	"MAX_PLAYERS":      "2",
	"DURATION_SECONDS": "3600",
	"LOCK_EXPIRY":      "10s",
}

var keys = []string{
	"PORT", "DATABASE_URL", "REDIS_URL", "CACHE_TTL", "LOG_LEVEL", "START_POLICY",
	"BET_AMOUNT", "MAX_PLAYERS", "DURATION_SECONDS", "ADMIN_TOKEN", "LOCK_EXPIRY",
}

// Load reads envFile (skipped when empty or missing) and the process
// environment.
func Load(envFile string) (*Config, error) {
	raw := make(map[string]string, len(keys))
	for k, v := range defaults {
		raw[k] = v
	}
	if envFile != "" {
		file, err := godotenv.Read(envFile)
		if err != nil && !os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Wrapf(err, "read %s", envFile)
		}
		for k, v := range file {
			raw[k] = v
		}
	}
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			raw[k] = v
		}
	}
	return decode(raw)
}

func decode(raw map[string]string) (*Config, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &cfg,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToDecimalHook,
		),
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	if !cfg.BetAmount.IsPositive() || !cfg.BetAmount.Equal(cfg.BetAmount.Truncate(0)) {
		return nil, errors.Errorf("invalid config: BET_AMOUNT %s must be a positive integer", cfg.BetAmount)
	}
	return &cfg, nil
}

func stringToDecimalHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(decimal.Decimal{}) {
		return data, nil
	}
	d, err := decimal.NewFromString(data.(string))
	if err != nil {
		return nil, errors.Wrapf(err, "parse decimal %q", data)
	}
	return d, nil
}

// Registry returns the track defaults for the registry.
func (c *Config) Registry() registry.Config {
	return registry.Config{
		StartPolicy:     registry.StartPolicy(c.StartPolicy),
		BetAmount:       c.BetAmount,
		MaxPlayers:      c.MaxPlayers,
		DurationSeconds: c.DurationSeconds,
	}
}
