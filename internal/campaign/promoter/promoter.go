// Package promoter implements the Promoter (spec §4.5): the single-flight
// per-campaign pass that turns waitlisted jobs into broker jobs, gated by
// the campaign's circuit breaker batch size and woken by a timer, a
// slot-available notification, or a fresh enqueue.
package promoter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/voxcampaign/dispatcher/internal/campaign/breaker"
	"github.com/voxcampaign/dispatcher/internal/campaign/broker"
	"github.com/voxcampaign/dispatcher/internal/campaign/bus"
	"github.com/voxcampaign/dispatcher/internal/campaign/coldstart"
	"github.com/voxcampaign/dispatcher/internal/campaign/errs"
	"github.com/voxcampaign/dispatcher/internal/campaign/model"
	"github.com/voxcampaign/dispatcher/internal/campaign/waitlist"
	"github.com/voxcampaign/dispatcher/internal/metrics"
	"github.com/voxcampaign/dispatcher/internal/store"
)

// Config controls batch sizing and poll cadence.
type Config struct {
	PollInterval   time.Duration
	MaxBatch       int
	FairnessHigh   int
	FairnessNormal int
}

// Promoter runs promotion passes for a set of campaigns.
type Promoter struct {
	store    *store.Client
	waitlist *waitlist.Waitlist
	breaker  *breaker.Breaker
	broker   broker.Broker
	coldGuard *coldstart.Guard
	bus      bus.Bus
	cfg      Config
	log      zerolog.Logger

	flight singleflight.Group
}

// New constructs a Promoter.
func New(s *store.Client, w *waitlist.Waitlist, b *breaker.Breaker, br broker.Broker, cg *coldstart.Guard, bs bus.Bus, cfg Config, logger zerolog.Logger) *Promoter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 20
	}
	if cfg.FairnessHigh <= 0 {
		cfg.FairnessHigh = 3
	}
	return &Promoter{store: s, waitlist: w, breaker: b, broker: br, coldGuard: cg, bus: bs, cfg: cfg, log: logger}
}

// Run drives promotion passes for campaignID until ctx is canceled,
// triggered by PollInterval ticks and slot-available notifications.
func (p *Promoter) Run(ctx context.Context, campaignID string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	wake, cancel := p.bus.Subscribe(ctx, campaignID)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runPass(ctx, campaignID)
		case <-wake:
			p.runPass(ctx, campaignID)
		}
	}
}

// Enqueue admits a new job descriptor to the waitlist and nudges the
// Promoter to run a pass immediately rather than waiting for the next tick.
func (p *Promoter) Enqueue(ctx context.Context, item model.WaitlistItem) (bool, error) {
	added, err := p.waitlist.Enqueue(ctx, item)
	if err != nil {
		return false, err
	}
	if added {
		_ = p.bus.Publish(ctx, item.Job.CampaignID)
	}
	return added, nil
}

func (p *Promoter) runPass(ctx context.Context, campaignID string) {
	_, err, _ := p.flight.Do(campaignID, func() (any, error) {
		return nil, p.promoteOnce(ctx, campaignID)
	})
	if err != nil {
		p.log.Warn().Err(err).Str("campaign_id", campaignID).Msg("promoter: pass failed")
	}
}

func (p *Promoter) promoteOnce(ctx context.Context, campaignID string) error {
	if blocking, err := p.coldGuard.IsBlocking(ctx, campaignID); err != nil {
		return err
	} else if blocking {
		return errs.ErrColdStartBlocking
	}

	// Hold a short-lived distributed gate so two Promoter processes for the
	// same campaign never overlap a pass; a pass that can't acquire it
	// simply defers to whichever process is already running one.
	k := store.NewKeys(campaignID)
	token := uuid.NewString()
	ok, err := p.store.Raw().SetNX(ctx, k.PromoteGate(), token, 5*time.Second).Result()
	if err != nil {
		return err
	}
	if !ok {
		metrics.RecordPromoterConflict(campaignID)
		return nil
	}
	defer p.releaseGate(ctx, k, token)

	passStart := time.Now()
	defer func() {
		metrics.ObservePromotePassDuration(campaignID, time.Since(passStart).Seconds())
	}()

	batch, err := p.breaker.BatchSize(ctx, campaignID, p.cfg.MaxBatch)
	if err != nil {
		return err
	}
	if batch <= 0 {
		return nil
	}

	promotion, err := p.waitlist.Promote(ctx, campaignID, batch, p.cfg.FairnessHigh, p.cfg.FairnessNormal, time.Now())
	if err != nil {
		return err
	}

	for _, admitted := range promotion.Admitted {
		job := admitted.Item.Job
		job.PromoteSeq = admitted.Seq
		if err := p.broker.Submit(ctx, campaignID, job); err != nil {
			p.log.Warn().Err(err).Str("campaign_id", campaignID).Str("job_id", admitted.JobID).
				Msg("promoter: broker submit failed, restoring reservation slot")
			// The ledger entry still exists; the worker side will never see
			// this job, so credit the reserved slot back explicitly via a
			// claim (removes the ledger row) rather than leaving it to the
			// Janitor's longer orphan window.
			if _, cerr := p.store.LedgerClaim(ctx, k, admitted.JobID); cerr != nil {
				p.log.Warn().Err(cerr).Msg("promoter: ledger cleanup after failed submit also failed")
			}
		}
	}

	if promotion.AdmittedHigh+promotion.AdmittedNormal > 0 {
		p.log.Debug().Str("campaign_id", campaignID).
			Int("admitted_high", promotion.AdmittedHigh).
			Int("admitted_normal", promotion.AdmittedNormal).
			Msg("promoter: pass complete")
	}
	return nil
}

func (p *Promoter) releaseGate(ctx context.Context, k store.Keys, token string) {
	cur, err := p.store.Raw().Get(ctx, k.PromoteGate()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		p.log.Debug().Err(err).Msg("promoter: gate release check failed")
		return
	}
	if cur == token {
		p.store.Raw().Del(ctx, k.PromoteGate())
	}
}
