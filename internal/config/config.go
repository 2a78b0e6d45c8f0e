// Package config loads service configuration from an optional YAML file
// and environment variables. Environment variables win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Dispatch backends.
const (
	BackendMemory = "memory"
	BackendRiver  = "river"
)

type Config struct {
	DatabaseURL string          `yaml:"database_url"`
	Port        string          `yaml:"port"`
	LogLevel    string          `yaml:"log_level"`
	Cache       CacheConfig     `yaml:"cache"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
	Dispatch    DispatchConfig  `yaml:"dispatch"`
	NATS        NATSConfig      `yaml:"nats"`
	Webhook     WebhookConfig   `yaml:"webhook"`
}

type CacheConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	MaxEmptyKeys int           `yaml:"maxEmptyKeys"`
}

type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type DispatchConfig struct {
	Backend   string      `yaml:"backend"`
	Workers   int         `yaml:"workers"`
	QueueSize int         `yaml:"queue_size"`
	Retry     RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts  int             `yaml:"max_attempts"`
	Timeout      time.Duration   `yaml:"timeout"`
	Backoff      []time.Duration `yaml:"backoff"`
	NonRetryable []string        `yaml:"non_retryable"`
}

// NATSConfig enables the signal subscriber and the NATS notifier when URL
// is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SignalSubject string `yaml:"signal_subject"`
	NotifySubject string `yaml:"notify_subject"`
}

type WebhookConfig struct {
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:     "8080",
		LogLevel: "INFO",
		Cache:    CacheConfig{TTL: 30 * time.Second},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Interval: time.Minute,
		},
		Dispatch: DispatchConfig{
			Backend:   BackendMemory,
			Workers:   4,
			QueueSize: 256,
			Retry: RetryConfig{
				MaxAttempts:  3,
				Timeout:      300 * time.Second,
				Backoff:      []time.Duration{5 * time.Second, 30 * time.Second, 120 * time.Second},
				NonRetryable: []string{"configuration"},
			},
		},
		NATS: NATSConfig{
			SignalSubject: "eventrules.signal.>",
			NotifySubject: "eventrules.notify",
		},
		Webhook: WebhookConfig{
			RatePerSecond: 10,
			Burst:         20,
			Timeout:       10 * time.Second,
		},
	}
}

// Load reads path (skipped when empty) over the defaults, then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides fields from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("DATABASE_URL", &c.DatabaseURL)
	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	dur("CACHE_TTL", &c.Cache.TTL)
	dur("SCHEDULER_INTERVAL", &c.Scheduler.Interval)
	if v, ok := lookup("SCHEDULER_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SCHEDULER_ENABLED: %w", err))
		} else {
			c.Scheduler.Enabled = b
		}
	}
	str("DISPATCH_BACKEND", &c.Dispatch.Backend)
	num("DISPATCH_WORKERS", &c.Dispatch.Workers)
	num("DISPATCH_QUEUE_SIZE", &c.Dispatch.QueueSize)
	num("DISPATCH_MAX_ATTEMPTS", &c.Dispatch.Retry.MaxAttempts)
	dur("DISPATCH_TIMEOUT", &c.Dispatch.Retry.Timeout)
	str("NATS_URL", &c.NATS.URL)
	str("NATS_SIGNAL_SUBJECT", &c.NATS.SignalSubject)
	str("NATS_NOTIFY_SUBJECT", &c.NATS.NotifySubject)
	return errors.Join(errs...)
}

// Validate reports every invalid value.
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, errors.New("cache.ttl must not be negative"))
	}
	if c.Cache.MaxEmptyKeys < 0 {
		errs = append(errs, errors.New("cache.maxEmptyKeys must not be negative"))
	}
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	switch strings.ToLower(c.Dispatch.Backend) {
	case BackendMemory:
	case BackendRiver:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("dispatch.backend river requires database_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("dispatch.backend %q is not one of memory, river", c.Dispatch.Backend))
	}
	if c.Dispatch.Workers <= 0 {
		errs = append(errs, errors.New("dispatch.workers must be positive"))
	}
	if c.Dispatch.QueueSize <= 0 {
		errs = append(errs, errors.New("dispatch.queue_size must be positive"))
	}
	if c.Dispatch.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("dispatch.retry.max_attempts must be positive"))
	}
	if c.Dispatch.Retry.Timeout <= 0 {
		errs = append(errs, errors.New("dispatch.retry.timeout must be positive"))
	}
	for i, d := range c.Dispatch.Retry.Backoff {
		if d < 0 {
			errs = append(errs, fmt.Errorf("dispatch.retry.backoff[%d] must not be negative", i))
		}
	}
	if c.Webhook.RatePerSecond <= 0 || c.Webhook.Burst <= 0 {
		errs = append(errs, errors.New("webhook.rate_per_second and webhook.burst must be positive"))
	}
	if c.Webhook.Timeout <= 0 {
		errs = append(errs, errors.New("webhook.timeout must be positive"))
	}
	return errors.Join(errs...)
}
