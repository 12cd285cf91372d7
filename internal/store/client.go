// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

//go:embed scripts/acquire_pre.lua
var scriptAcquirePre string

//go:embed scripts/upgrade.lua
var scriptUpgrade string

//go:embed scripts/release.lua
var scriptRelease string

//go:embed scripts/release_force.lua
var scriptReleaseForce string

//go:embed scripts/renew.lua
var scriptRenew string

//go:embed scripts/renew_pre_capped.lua
var scriptRenewPreCapped string

//go:embed scripts/ledger_claim.lua
var scriptLedgerClaim string

//go:embed scripts/ledger_decr.lua
var scriptLedgerDecr string

//go:embed scripts/reserve_promote.lua
var scriptReservePromote string

//go:embed scripts/enqueue.lua
var scriptEnqueue string

// Config holds the coordination-store's Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Client wraps a Redis connection with the compiled Lua scripts the
// campaign concurrency core runs atomically. redis.Script.Run transparently
// retries with a plain EVAL when the server reports NOSCRIPT, satisfying
// the "script not loaded -> reload and retry once" error-handling rule.
type Client struct {
	rdb *redis.Client
	log zerolog.Logger

	acquirePre     *redis.Script
	upgrade        *redis.Script
	release        *redis.Script
	releaseForce   *redis.Script
	renew          *redis.Script
	renewPreCapped *redis.Script
	ledgerClaim    *redis.Script
	ledgerDecr     *redis.Script
	reservePromote *redis.Script
	enqueue        *redis.Script
}

// New connects to Redis and compiles the coordination scripts.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     32,
		MinIdleConns: 4,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis connection failed: %w", err)
	}

	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("coordination store connected")

	return &Client{
		rdb:            rdb,
		log:            logger,
		acquirePre:     redis.NewScript(scriptAcquirePre),
		upgrade:        redis.NewScript(scriptUpgrade),
		release:        redis.NewScript(scriptRelease),
		releaseForce:   redis.NewScript(scriptReleaseForce),
		renew:          redis.NewScript(scriptRenew),
		renewPreCapped: redis.NewScript(scriptRenewPreCapped),
		ledgerClaim:    redis.NewScript(scriptLedgerClaim),
		ledgerDecr:     redis.NewScript(scriptLedgerDecr),
		reservePromote: redis.NewScript(scriptReservePromote),
		enqueue:        redis.NewScript(scriptEnqueue),
	}, nil
}

// NewWithClient wraps an already-constructed redis.Client, e.g. one pointed
// at a miniredis instance in tests.
func NewWithClient(rdb *redis.Client, logger zerolog.Logger) *Client {
	return &Client{
		rdb:            rdb,
		log:            logger,
		acquirePre:     redis.NewScript(scriptAcquirePre),
		upgrade:        redis.NewScript(scriptUpgrade),
		release:        redis.NewScript(scriptRelease),
		releaseForce:   redis.NewScript(scriptReleaseForce),
		renew:          redis.NewScript(scriptRenew),
		renewPreCapped: redis.NewScript(scriptRenewPreCapped),
		ledgerClaim:    redis.NewScript(scriptLedgerClaim),
		ledgerDecr:     redis.NewScript(scriptLedgerDecr),
		reservePromote: redis.NewScript(scriptReservePromote),
		enqueue:        redis.NewScript(scriptEnqueue),
	}
}

// Raw exposes the underlying Redis client for operations that don't warrant
// their own script (e.g. the Promoter's single-flight gate, SCAN-based
// Janitor sweeps).
func (c *Client) Raw() *redis.Client { return c.rdb }

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// HealthCheck pings the coordination store.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
