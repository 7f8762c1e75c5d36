// Package config provides layered configuration loading for the msgsync
// engine: struct defaults overlaid with MSGSYNC_-prefixed environment
// variables, with validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "MSGSYNC_"

// Config holds the engine's runtime tunables. Order of precedence
// (lowest to highest): defaults, environment.
type Config struct {
	// BackoffInitial is the first resubscription delay after a stream
	// failure.
	BackoffInitial time.Duration `koanf:"backoff_initial" validate:"gt=0"`

	// BackoffMax caps the resubscription delay.
	BackoffMax time.Duration `koanf:"backoff_max" validate:"gtefield=BackoffInitial"`

	// BackoffMultiplier is the exponential growth factor between
	// consecutive resubscription attempts.
	BackoffMultiplier float64 `koanf:"backoff_multiplier" validate:"gte=1"`

	// BackoffJitter is the randomization factor applied to each delay,
	// in [0,1]. Zero disables jitter.
	BackoffJitter float64 `koanf:"backoff_jitter" validate:"gte=0,lte=1"`

	// StopTimeout bounds how long Stop waits for the engine to settle.
	StopTimeout time.Duration `koanf:"stop_timeout" validate:"gt=0"`

	// JoinCatchUpWindow bounds how far back the startup sweep looks for
	// join requests that arrived while the engine was offline.
	JoinCatchUpWindow time.Duration `koanf:"join_catchup_window" validate:"gte=0"`
}

// DefaultConfig is the engine's default tuning.
var DefaultConfig = Config{
	BackoffInitial:    1 * time.Second,
	BackoffMax:        2 * time.Minute,
	BackoffMultiplier: 2,
	BackoffJitter:     0.5,
	StopTimeout:       10 * time.Second,
	JoinCatchUpWindow: 7 * 24 * time.Hour,
}

// Loader hooks, swappable in tests.
var (
	defaultLoader = func(k *koanf.Koanf) error {
		return k.Load(structs.Provider(DefaultConfig, "koanf"), nil)
	}

	envLoader = func(k *koanf.Koanf) error {
		return k.Load(env.Provider(".", env.Opt{
			Prefix: envPrefix,
			TransformFunc: func(key, value string) (string, any) {
				key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
				return key, value
			},
		}), nil)
	}
)

// Load merges defaults and environment, then validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
