// Package breaker implements the per-campaign Circuit Breaker (spec §4.8),
// adapted from internal/resilience's in-memory sliding-window breaker to a
// Redis-backed one so every Dispatch Worker process for a campaign observes
// the same trip state. Unlike the Lease Manager's scripts, the breaker
// tolerates small races between its GET/ZADD/SET calls: a trip decided a
// few milliseconds late only lets a handful of extra calls through, not a
// correctness violation.
package breaker

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxcampaign/dispatcher/internal/metrics"
	"github.com/voxcampaign/dispatcher/internal/store"
)

// State mirrors internal/resilience.State's three values.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds the thresholds governing one campaign's breaker.
type Config struct {
	Window           time.Duration // sliding window the failure count is measured over
	FailureThreshold int           // failures within Window that trip the breaker
	MinAttempts      int           // attempts required before a trip is considered
	ResetTimeout     time.Duration // cooldown before Open -> HalfOpen
}

// Breaker is the per-campaign Redis-backed circuit breaker. State lives in
// Redis so every Dispatch Worker process agrees on it.
type Breaker struct {
	store *store.Client
	cfg   Config
}

// New constructs a Breaker.
func New(s *store.Client, cfg Config) *Breaker {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{store: s, cfg: cfg}
}

// State reads the campaign's current breaker state, resolving an expired
// Open cooldown into HalfOpen as a side effect.
func (b *Breaker) State(ctx context.Context, campaignID string) (State, error) {
	k := store.NewKeys(campaignID)
	rdb := b.store.Raw()

	raw, err := rdb.Get(ctx, k.CircuitState()).Result()
	if err == redis.Nil {
		return StateClosed, nil
	}
	if err != nil {
		return StateClosed, err
	}

	state := State(raw)
	if state != StateOpen {
		return state, nil
	}

	openedAtRaw, err := rdb.Get(ctx, k.CircuitState()+":opened-at").Result()
	if err == redis.Nil {
		return state, nil
	}
	if err != nil {
		return state, err
	}
	openedAt, err := time.Parse(time.RFC3339Nano, openedAtRaw)
	if err != nil {
		return state, nil
	}
	if time.Since(openedAt) >= b.cfg.ResetTimeout {
		if err := b.transition(ctx, campaignID, StateHalfOpen); err != nil {
			return state, err
		}
		return StateHalfOpen, nil
	}
	return state, nil
}

// RecordFailure records a telephony failure and trips the breaker if the
// campaign crosses its threshold within the sliding window. A failure seen
// while HalfOpen trips immediately back to Open.
func (b *Breaker) RecordFailure(ctx context.Context, campaignID string) error {
	k := store.NewKeys(campaignID)
	rdb := b.store.Raw()
	now := time.Now()

	state, err := b.State(ctx, campaignID)
	if err != nil {
		return err
	}
	if state == StateHalfOpen {
		return b.transition(ctx, campaignID, StateOpen)
	}

	member := now.Format(time.RFC3339Nano)
	if err := rdb.ZAdd(ctx, k.CircuitFail(), redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		return err
	}
	cutoff := now.Add(-b.cfg.Window).UnixNano()
	rdb.ZRemRangeByScore(ctx, k.CircuitFail(), "-inf", strconv.FormatInt(cutoff, 10))

	failures, err := rdb.ZCard(ctx, k.CircuitFail()).Result()
	if err != nil {
		return err
	}
	if int(failures) >= b.cfg.FailureThreshold && int(failures) >= b.cfg.MinAttempts {
		return b.transition(ctx, campaignID, StateOpen)
	}
	return nil
}

// RecordSuccess clears the failure window. A success observed while Open
// or HalfOpen closes the breaker immediately (which also clears the
// failure window); repeated successes are not required.
func (b *Breaker) RecordSuccess(ctx context.Context, campaignID string) error {
	state, err := b.State(ctx, campaignID)
	if err != nil {
		return err
	}
	if state != StateClosed {
		return b.transition(ctx, campaignID, StateClosed)
	}
	k := store.NewKeys(campaignID)
	return b.store.Raw().Del(ctx, k.CircuitFail()).Err()
}

// BatchSize returns the max number of jobs the Promoter may admit this pass
// for campaignID: requested when closed, max(1, requested/4) otherwise
// (spec §4.9). HalfOpen is a transitional sub-phase of "not closed" — a
// trip that has outlived its cooldown but hasn't yet seen the success or
// failure that decides its next state — and is throttled by the same
// quartered formula, not a separate cap.
func (b *Breaker) BatchSize(ctx context.Context, campaignID string, requested int) (int, error) {
	state, err := b.State(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if state == StateClosed {
		return requested, nil
	}
	quartered := requested / 4
	if quartered < 1 {
		quartered = 1
	}
	return quartered, nil
}

func (b *Breaker) transition(ctx context.Context, campaignID string, s State) error {
	k := store.NewKeys(campaignID)
	rdb := b.store.Raw()
	if err := rdb.Set(ctx, k.CircuitState(), string(s), 0).Err(); err != nil {
		return err
	}
	metrics.SetCircuitBreakerState(campaignID, string(s))
	if s == StateOpen {
		metrics.RecordCircuitBreakerTrip(campaignID, "failure_threshold")
		return rdb.Set(ctx, k.CircuitState()+":opened-at", time.Now().Format(time.RFC3339Nano), 0).Err()
	}
	if s == StateClosed {
		rdb.Del(ctx, k.CircuitFail())
	}
	return nil
}
