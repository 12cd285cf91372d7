// Package coldstart implements the Cold-Start Guard (spec §4.7):
// reconstructing a campaign's coordination-store lease set from the
// authoritative call record store after Redis data loss, and gating
// promotion until reconstruction is verified complete.
package coldstart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/voxcampaign/dispatcher/internal/campaign/callstore"
	"github.com/voxcampaign/dispatcher/internal/campaign/model"
	"github.com/voxcampaign/dispatcher/internal/store"
)

// Guard rebuilds one campaign's leases and governs the blocking flag.
type Guard struct {
	store *store.Client
	calls *callstore.Store
	log   zerolog.Logger

	preTTL    time.Duration
	activeTTL time.Duration
	grace     time.Duration
}

// New constructs a Guard. grace bounds how long promotions stay blocked
// waiting for calls to rejoin before SweepGrace reaps whatever is left.
func New(s *store.Client, calls *callstore.Store, preTTL, activeTTL, grace time.Duration, logger zerolog.Logger) *Guard {
	if grace <= 0 {
		grace = 2 * time.Minute
	}
	return &Guard{store: s, calls: calls, preTTL: preTTL, activeTTL: activeTTL, grace: grace, log: logger}
}

// Begin marks a campaign's cold-start flag as blocking and records when
// blocking began, refusing promotions until Unblock or SweepGrace clears
// it. Reconcile calls this itself as its first step; call it directly only
// to widen the blocking window ahead of a reconstruction that hasn't
// started yet, e.g. as soon as a coordination-store reconnect is detected
// for a campaign whose leases set came back empty unexpectedly.
func (g *Guard) Begin(ctx context.Context, campaignID string) error {
	k := store.NewKeys(campaignID)
	rdb := g.store.Raw()

	blocking, err := g.IsBlocking(ctx, campaignID)
	if err != nil {
		return err
	}
	if blocking {
		return nil // already blocking; keep the original began-at timestamp
	}

	g.log.Warn().Str("campaign_id", campaignID).Msg("cold-start: blocking promotions pending reconstruction")
	if err := rdb.Set(ctx, k.ColdStart(), store.ColdStartBlocking, 0).Err(); err != nil {
		return err
	}
	return rdb.Set(ctx, k.ColdStartBeganAt(), time.Now().Format(time.RFC3339Nano), 0).Err()
}

// Reconcile blocks promotions, then rebuilds the leases set from every call
// record in an active status, writing each as a "recovered" sentinel lease
// so renew() accepts heartbeats for it. It does not itself clear the
// blocking flag: that is Unblock's job on the first live upgrade, or
// SweepGrace's once the grace window elapses with no upgrade at all. Safe
// to call repeatedly; existing leases are left untouched.
func (g *Guard) Reconcile(ctx context.Context, campaignID string) (int, error) {
	if err := g.Begin(ctx, campaignID); err != nil {
		return 0, fmt.Errorf("coldstart: begin: %w", err)
	}

	records, err := g.calls.ActiveForCampaign(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("coldstart: load active calls: %w", err)
	}

	k := store.NewKeys(campaignID)
	rdb := g.store.Raw()
	recovered := 0

	for _, rec := range records {
		member := rec.CallID
		ttl := g.activeTTL
		if rec.Status == model.CallQueued {
			member = store.PreMember(rec.CallID)
			ttl = g.preTTL
		}

		added, err := rdb.SAdd(ctx, k.Leases(), member).Result()
		if err != nil {
			return recovered, err
		}
		if added == 0 {
			continue // already present, not this guard's job to touch it
		}
		if err := rdb.Set(ctx, k.Lease(member), store.RecoveredSentinel, ttl).Err(); err != nil {
			return recovered, err
		}
		recovered++
	}

	g.log.Info().Str("campaign_id", campaignID).Int("recovered", recovered).Msg("cold-start: reconstruction complete, still blocking pending unblock")
	return recovered, nil
}

// Unblock flips a blocking campaign's flag to done as soon as a live
// worker completes a real upgrade for it: "progressive unblock", since the
// first call to successfully rejoin proves the coordination store is
// healthy again and there is no need to wait out the full grace window. A
// no-op when the campaign isn't currently blocking.
func (g *Guard) Unblock(ctx context.Context, campaignID string) error {
	blocking, err := g.IsBlocking(ctx, campaignID)
	if err != nil || !blocking {
		return err
	}
	k := store.NewKeys(campaignID)
	g.log.Info().Str("campaign_id", campaignID).Msg("cold-start: unblocked by a live upgrade")
	return g.store.Raw().Set(ctx, k.ColdStart(), store.ColdStartDone, 0).Err()
}

// SweepGrace reaps leftover "recovered" sentinel leases for a campaign
// still blocking once its grace window (since Begin) has elapsed, meaning
// calls that never rejoined, then marks the campaign done regardless of
// whether any upgrade occurred. Intended to be called from the Lease
// Janitor's periodic sweep, not from the request path.
func (g *Guard) SweepGrace(ctx context.Context, campaignID string) (int, error) {
	blocking, err := g.IsBlocking(ctx, campaignID)
	if err != nil || !blocking {
		return 0, err
	}

	k := store.NewKeys(campaignID)
	rdb := g.store.Raw()

	beganAtRaw, err := rdb.Get(ctx, k.ColdStartBeganAt()).Result()
	if errors.Is(err, redis.Nil) {
		// No began-at recorded (blocking was set by some path other than
		// Begin): treat the window as already open rather than block forever
		// with nothing to measure against.
		beganAtRaw = time.Now().Add(-g.grace).Format(time.RFC3339Nano)
	} else if err != nil {
		return 0, err
	}
	beganAt, err := time.Parse(time.RFC3339Nano, beganAtRaw)
	if err != nil {
		return 0, fmt.Errorf("coldstart: parse began-at: %w", err)
	}
	if time.Since(beganAt) < g.grace {
		return 0, nil
	}

	members, err := rdb.SMembers(ctx, k.Leases()).Result()
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, member := range members {
		token, err := rdb.Get(ctx, k.Lease(member)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return reaped, err
		}
		if token != store.RecoveredSentinel {
			continue
		}
		if err := rdb.SRem(ctx, k.Leases(), member).Err(); err != nil {
			return reaped, err
		}
		rdb.Del(ctx, k.Lease(member))
		reaped++
	}

	if err := rdb.Set(ctx, k.ColdStart(), store.ColdStartDone, 0).Err(); err != nil {
		return reaped, err
	}
	g.log.Info().Str("campaign_id", campaignID).Int("reaped", reaped).Msg("cold-start: grace window elapsed, unblocked")
	return reaped, nil
}

// IsBlocking reports whether promotions are currently refused for a
// campaign.
func (g *Guard) IsBlocking(ctx context.Context, campaignID string) (bool, error) {
	k := store.NewKeys(campaignID)
	val, err := g.store.Raw().Get(ctx, k.ColdStart()).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == store.ColdStartBlocking, nil
}
