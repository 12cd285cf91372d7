// Package config loads the campaign concurrency core's runtime
// configuration: a YAML file overlaid with environment variables, with
// fail-closed validation and optional hot reload via fsnotify.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Redis holds the coordination-store connection settings.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Lease holds the Lease Manager's TTL configuration (spec §3).
type Lease struct {
	PreDialTTL    time.Duration `yaml:"pre_dial_ttl"`
	PreDialTTLMax time.Duration `yaml:"pre_dial_ttl_max"`
	ActiveTTL     time.Duration `yaml:"active_ttl"`
	// ColdStartGrace bounds how long the Cold-Start Guard keeps a campaign's
	// promotions blocked waiting for reconstructed calls to rejoin before
	// the Janitor reaps whatever is left and unblocks it unconditionally.
	ColdStartGrace time.Duration `yaml:"cold_start_grace"`
}

// Promotion holds the Promoter's batch sizing and fairness configuration.
type Promotion struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxBatch       int           `yaml:"max_batch"`
	FairnessHigh   int           `yaml:"fairness_high"`
	FairnessNormal int           `yaml:"fairness_normal"`
	// PriorityMode supplements the spec's fixed weighted ratio with an
	// operator-selectable strict mode (SPEC_FULL §4): "weighted" or
	// "strict".
	PriorityMode string `yaml:"priority_mode"`
}

// Breaker holds the per-campaign circuit breaker's thresholds.
type Breaker struct {
	Window           time.Duration `yaml:"window"`
	FailureThreshold int           `yaml:"failure_threshold"`
	MinAttempts      int           `yaml:"min_attempts"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// Janitor holds the Lease Janitor's cadence and staleness thresholds.
type Janitor struct {
	Interval           time.Duration `yaml:"interval"`
	OrphanLedgerAfter  time.Duration `yaml:"orphan_ledger_after"`
	StaleInFlightAfter time.Duration `yaml:"stale_in_flight_after"`
}

// Webhook holds the telephony webhook HTTP server's configuration.
type Webhook struct {
	Addr              string        `yaml:"addr"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	StreamGrace       time.Duration `yaml:"stream_grace"`
}

// Storage holds paths for the persistent call record store.
type Storage struct {
	CallStorePath string `yaml:"call_store_path"`
}

// Telephony holds outbound pacing for the REST telephony provider client,
// independent of any campaign's concurrent_limit, so a burst of admitted
// dials can't exceed the provider's own rate limit.
type Telephony struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// Campaign is one statically configured campaign definition: the
// agent/phone identity it dials from and its retry policy inputs
// (SPEC_FULL §4's "contact retry policy hook"). Operator actions that
// change ConcurrentLimit or State at runtime go through campaignctl
// against the coordination store directly, not through this file.
type Campaign struct {
	ID               string        `yaml:"id"`
	Name             string        `yaml:"name"`
	AgentRef         string        `yaml:"agent_ref"`
	PhoneRef         string        `yaml:"phone_ref"`
	ConcurrentLimit  int           `yaml:"concurrent_limit"`
	RetryFailed      bool          `yaml:"retry_failed"`
	MaxRetryAttempts int           `yaml:"max_retry_attempts"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	ExcludeVoicemail bool          `yaml:"exclude_voicemail"`
}

// Config is the campaign concurrency core's full runtime configuration.
type Config struct {
	Redis     Redis      `yaml:"redis"`
	Lease     Lease      `yaml:"lease"`
	Promotion Promotion  `yaml:"promotion"`
	Breaker   Breaker    `yaml:"breaker"`
	Janitor   Janitor    `yaml:"janitor"`
	Webhook   Webhook    `yaml:"webhook"`
	Storage   Storage    `yaml:"storage"`
	Telephony Telephony  `yaml:"telephony"`
	Campaigns []Campaign `yaml:"campaigns"`
	LogLevel  string     `yaml:"log_level"`
}

// ConsumedEnvKeys lists every environment variable the overlay recognizes,
// so a deploy manifest can be diffed against it to catch typos.
var ConsumedEnvKeys = []string{
	"DISPATCHER_REDIS_ADDR",
	"DISPATCHER_REDIS_PASSWORD",
	"DISPATCHER_REDIS_DB",
	"DISPATCHER_LOG_LEVEL",
	"DISPATCHER_WEBHOOK_ADDR",
	"DISPATCHER_CALL_STORE_PATH",
}

// Default returns a Config with every field at its documented default.
func Default() Config {
	return Config{
		Redis: Redis{Addr: "127.0.0.1:6379"},
		Lease: Lease{
			PreDialTTL:     10 * time.Second,
			PreDialTTLMax:  45 * time.Second,
			ActiveTTL:      4 * time.Hour,
			ColdStartGrace: 2 * time.Minute,
		},
		Promotion: Promotion{
			PollInterval:   2 * time.Second,
			MaxBatch:       20,
			FairnessHigh:   3,
			FairnessNormal: 1,
			PriorityMode:   "weighted",
		},
		Breaker: Breaker{
			Window:           60 * time.Second,
			FailureThreshold: 5,
			MinAttempts:      5,
			ResetTimeout:     30 * time.Second,
		},
		Janitor: Janitor{
			Interval:           30 * time.Second,
			OrphanLedgerAfter:  5 * time.Minute,
			StaleInFlightAfter: 2 * time.Minute,
		},
		Webhook: Webhook{
			Addr:              ":8090",
			RequestsPerMinute: 600,
			StreamGrace:       30 * time.Second,
		},
		Storage:   Storage{CallStorePath: "./data/calls.db"},
		Telephony: Telephony{RatePerSecond: 10, Burst: 5},
		LogLevel:  "info",
	}
}

// Load reads a YAML file (if path is non-empty and exists), overlays
// recognized environment variables, and validates the result. A missing
// path is not an error: Default()'s values are used as the base instead.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverlay(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverlay(cfg *Config) {
	if v := os.Getenv("DISPATCHER_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("DISPATCHER_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("DISPATCHER_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("DISPATCHER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DISPATCHER_WEBHOOK_ADDR"); v != "" {
		cfg.Webhook.Addr = v
	}
	if v := os.Getenv("DISPATCHER_CALL_STORE_PATH"); v != "" {
		cfg.Storage.CallStorePath = v
	}
}

// validate fails closed: an invalid TTL ordering or non-positive interval
// is refused at startup rather than tolerated at runtime, where it would
// silently corrupt admission accounting.
func validate(cfg Config) error {
	if cfg.Lease.PreDialTTL <= 0 {
		return fmt.Errorf("config: lease.pre_dial_ttl must be positive")
	}
	if cfg.Lease.PreDialTTLMax < cfg.Lease.PreDialTTL {
		return fmt.Errorf("config: lease.pre_dial_ttl_max must be >= pre_dial_ttl")
	}
	if cfg.Lease.ActiveTTL <= 0 {
		return fmt.Errorf("config: lease.active_ttl must be positive")
	}
	if cfg.Promotion.MaxBatch <= 0 {
		return fmt.Errorf("config: promotion.max_batch must be positive")
	}
	if cfg.Promotion.PriorityMode != "weighted" && cfg.Promotion.PriorityMode != "strict" {
		return fmt.Errorf("config: promotion.priority_mode must be \"weighted\" or \"strict\"")
	}
	if cfg.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("config: breaker.reset_timeout must be positive")
	}
	return nil
}
