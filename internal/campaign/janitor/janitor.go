// Package janitor implements the Lease Janitor (spec §4.6): background
// cleanup of expired leases, orphaned reservations, and stale broker
// in-flight entries. Grounded on the teacher's domain/session/manager
// Sweeper: a ticker-driven loop around a deterministic, independently
// testable SweepOnce pass.
package janitor

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/voxcampaign/dispatcher/internal/campaign/broker"
	"github.com/voxcampaign/dispatcher/internal/campaign/coldstart"
	"github.com/voxcampaign/dispatcher/internal/campaign/ledger"
	"github.com/voxcampaign/dispatcher/internal/metrics"
	"github.com/voxcampaign/dispatcher/internal/store"
)

// Config controls sweep cadence and staleness thresholds.
type Config struct {
	Interval           time.Duration
	OrphanLedgerAfter  time.Duration // how long a ledger entry may sit unclaimed
	StaleInFlightAfter time.Duration // how long a broker in-flight entry may sit unacked
	SweepConcurrency   int           // max campaigns swept in parallel per pass
}

// Janitor sweeps every campaign it is told to watch.
type Janitor struct {
	store     *store.Client
	ledger    *ledger.Ledger
	broker    broker.Broker
	coldGuard *coldstart.Guard
	cfg       Config
	log       zerolog.Logger

	campaigns func() []string
}

// New constructs a Janitor. campaigns is called at the start of every
// sweep pass to get the current list of active campaign ids. coldGuard may
// be nil, in which case the cold-start grace-window sweep is skipped.
func New(s *store.Client, l *ledger.Ledger, b broker.Broker, coldGuard *coldstart.Guard, cfg Config, campaigns func() []string, logger zerolog.Logger) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.OrphanLedgerAfter <= 0 {
		cfg.OrphanLedgerAfter = 5 * time.Minute
	}
	if cfg.StaleInFlightAfter <= 0 {
		cfg.StaleInFlightAfter = 2 * time.Minute
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = 8
	}
	return &Janitor{store: s, ledger: l, broker: b, coldGuard: coldGuard, cfg: cfg, campaigns: campaigns, log: logger}
}

// Run starts the sweep loop; it returns when ctx is canceled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	j.log.Info().Dur("interval", j.cfg.Interval).Msg("lease janitor started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs exactly one sweep pass over every watched campaign,
// bounding how many campaigns are swept concurrently via errgroup.SetLimit
// so a large campaign set doesn't open unbounded Redis connections per tick.
// Deterministic (modulo goroutine scheduling across distinct campaigns'
// independent keyspaces) and suitable for unit testing.
func (j *Janitor) SweepOnce(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.cfg.SweepConcurrency)

	for _, campaignID := range j.campaigns() {
		campaignID := campaignID
		g.Go(func() error {
			j.sweepCampaign(gctx, campaignID)
			return nil
		})
	}
	_ = g.Wait()
}

func (j *Janitor) sweepCampaign(ctx context.Context, campaignID string) {
	if err := j.reapExpiredLeases(ctx, campaignID); err != nil {
		j.log.Warn().Err(err).Str("campaign_id", campaignID).Msg("janitor: expired lease sweep failed")
	}
	if err := j.reapOrphanedReservations(ctx, campaignID); err != nil {
		j.log.Warn().Err(err).Str("campaign_id", campaignID).Msg("janitor: orphan reservation sweep failed")
	}
	if reaped, err := j.broker.ReapStale(ctx, campaignID, j.cfg.StaleInFlightAfter); err != nil {
		j.log.Warn().Err(err).Str("campaign_id", campaignID).Msg("janitor: broker reap failed")
	} else if reaped > 0 {
		metrics.RecordWaitlistRebuilt(campaignID, reaped)
		j.log.Info().Str("campaign_id", campaignID).Int("count", reaped).Msg("janitor: requeued stale in-flight jobs")
	}
	if j.coldGuard != nil {
		if reaped, err := j.coldGuard.SweepGrace(ctx, campaignID); err != nil {
			j.log.Warn().Err(err).Str("campaign_id", campaignID).Msg("janitor: cold-start grace sweep failed")
		} else if reaped > 0 {
			j.log.Info().Str("campaign_id", campaignID).Int("count", reaped).Msg("janitor: reaped stale cold-start sentinels")
		}
	}
}

// reapExpiredLeases removes leases-set members whose proof-of-holding key
// has already expired. acquire_pre.lua SADDs the member into the leases set
// and SETs the proof key with its own TTL as two independent writes, so a
// worker that crashes between acquiring a pre-dial lease and renewing or
// upgrading it leaves the member in the set forever once the proof key
// expires; this is the sweep that reclaims that slot.
func (j *Janitor) reapExpiredLeases(ctx context.Context, campaignID string) error {
	k := store.NewKeys(campaignID)
	members, err := j.store.Raw().SMembers(ctx, k.Leases()).Result()
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}

	stale := make([]string, 0, len(members))
	for _, member := range members {
		exists, err := j.store.Raw().Exists(ctx, k.Lease(member)).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			stale = append(stale, member)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	if err := j.store.Raw().SRem(ctx, k.Leases(), stale).Err(); err != nil {
		return err
	}
	metrics.RecordExpiredLeasesReaped(campaignID, len(stale))
	j.log.Info().Str("campaign_id", campaignID).Int("count", len(stale)).Msg("janitor: reaped expired leases")
	return nil
}

// reapOrphanedReservations removes every ledger entry older than
// OrphanLedgerAfter and credits its slot back. It does not consult the
// broker: an entry whose job is still pending or in flight there is
// removed all the same.
func (j *Janitor) reapOrphanedReservations(ctx context.Context, campaignID string) error {
	k := store.NewKeys(campaignID)
	cutoff := time.Now().Add(-j.cfg.OrphanLedgerAfter).UnixMilli()
	cutoffStr := strconv.FormatInt(cutoff, 10)

	members, err := j.store.Raw().ZRangeByScore(ctx, k.ReservedLedger(), &redis.ZRangeBy{Min: "-inf", Max: cutoffStr}).Result()
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}

	if err := j.store.Raw().ZRemRangeByScore(ctx, k.ReservedLedger(), "-inf", cutoffStr).Err(); err != nil {
		return err
	}
	_, err = j.ledger.Decr(ctx, campaignID, len(members))
	if err == nil {
		metrics.RecordOrphanedReservationsRecovered(campaignID, len(members))
		j.log.Info().Str("campaign_id", campaignID).Int("count", len(members)).Msg("janitor: reaped orphaned reservations")
	}
	return err
}
