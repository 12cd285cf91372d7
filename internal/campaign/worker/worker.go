// Package worker implements the Dispatch Worker (spec §4.6): claims a
// promoted job from the broker, acquires its pre-dial lease, originates
// the call, and upgrades or releases the lease depending on the outcome.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voxcampaign/dispatcher/internal/campaign/breaker"
	"github.com/voxcampaign/dispatcher/internal/campaign/broker"
	"github.com/voxcampaign/dispatcher/internal/campaign/callstore"
	"github.com/voxcampaign/dispatcher/internal/campaign/coldstart"
	"github.com/voxcampaign/dispatcher/internal/campaign/errs"
	"github.com/voxcampaign/dispatcher/internal/campaign/ledger"
	"github.com/voxcampaign/dispatcher/internal/campaign/lease"
	"github.com/voxcampaign/dispatcher/internal/campaign/model"
	"github.com/voxcampaign/dispatcher/internal/campaign/telephony"
	"github.com/voxcampaign/dispatcher/internal/metrics"
)

// Config holds worker runtime knobs.
type Config struct {
	ClaimWait    time.Duration
	DefaultLimit int
	// GateRepairRetries bounds how many times a gate-violation job (one
	// dispatched without a promoteSeq) gets a repair acquire-pre attempt
	// before the worker gives up and hard-syncs it unconditionally.
	GateRepairRetries int
	// GateRepairBackoff is the pause between repair acquire-pre attempts.
	GateRepairBackoff time.Duration
}

// Worker is one Dispatch Worker goroutine's collaborators.
type Worker struct {
	broker    broker.Broker
	lease     *lease.Manager
	ledger    *ledger.Ledger
	breaker   *breaker.Breaker
	calls     *callstore.Store
	provider  telephony.Provider
	coldGuard *coldstart.Guard
	cfg       Config
	log       zerolog.Logger
	id        string
}

// New constructs a Worker. coldGuard may be nil, in which case a successful
// upgrade never triggers a progressive cold-start unblock.
func New(br broker.Broker, lm *lease.Manager, lg *ledger.Ledger, cb *breaker.Breaker, calls *callstore.Store, provider telephony.Provider, coldGuard *coldstart.Guard, cfg Config, logger zerolog.Logger) *Worker {
	if cfg.ClaimWait <= 0 {
		cfg.ClaimWait = 5 * time.Second
	}
	if cfg.GateRepairRetries <= 0 {
		cfg.GateRepairRetries = 3
	}
	if cfg.GateRepairBackoff <= 0 {
		cfg.GateRepairBackoff = 250 * time.Millisecond
	}
	return &Worker{
		broker: br, lease: lm, ledger: lg, breaker: cb, calls: calls, provider: provider, coldGuard: coldGuard,
		cfg: cfg, log: logger, id: uuid.NewString(),
	}
}

// Run claims and dispatches jobs for campaignID until ctx is canceled.
func (w *Worker) Run(ctx context.Context, campaignID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.broker.Claim(ctx, campaignID, w.id, w.cfg.ClaimWait)
		if errors.Is(err, broker.ErrNoJob) {
			continue
		}
		if err != nil {
			w.log.Warn().Err(err).Str("campaign_id", campaignID).Msg("worker: claim failed")
			continue
		}

		w.dispatch(ctx, campaignID, job)
	}
}

func (w *Worker) dispatch(ctx context.Context, campaignID string, job *broker.Job) {
	descriptor := job.Descriptor

	// A job with no promoteSeq was enqueued by a path that bypassed the
	// Promoter's gate (a legacy client, or a bug). It never has a ledger
	// entry either, so ledger.Claim's replay check would misread it as an
	// already-dialed duplicate; repair or hard-sync it on its own path
	// instead of falling through to the normal claim flow.
	if descriptor.PromoteSeq == 0 {
		w.dispatchGateViolation(ctx, campaignID, job, descriptor)
		return
	}

	claimed, err := w.ledger.Claim(ctx, campaignID, descriptor.CallID)
	if err != nil {
		w.log.Warn().Err(err).Str("call_id", descriptor.CallID).Msg("worker: ledger claim failed")
		_ = w.broker.Nack(ctx, campaignID, job.ReceiptID, time.Second)
		return
	}
	if claimed == 0 {
		// Replay of an already-claimed job: ack without dialing again.
		_ = w.broker.Ack(ctx, campaignID, job.ReceiptID)
		return
	}

	preToken, ok, err := w.lease.AcquirePre(ctx, campaignID, descriptor.CallID, w.cfg.DefaultLimit)
	if err != nil {
		w.log.Warn().Err(err).Str("call_id", descriptor.CallID).Msg("worker: acquire-pre failed")
		_ = w.broker.Nack(ctx, campaignID, job.ReceiptID, time.Second)
		return
	}
	if !ok {
		// No slot: the Promoter over-admitted relative to a concurrent
		// limit decrease. Nack with a short delay so it retries once
		// capacity catches up rather than busy-looping.
		_ = w.broker.Nack(ctx, campaignID, job.ReceiptID, 500*time.Millisecond)
		return
	}

	w.originateAndFinish(ctx, campaignID, job, descriptor, preToken)
}

// dispatchGateViolation implements the repair-then-hard-sync path for a job
// that reached the broker without a promoteSeq (spec §4.5 step 2, invariant
// #5: such jobs must be repaired, not dropped). It first retries a normal
// acquire-pre, which succeeds whenever the campaign simply has a free slot;
// only once GateRepairRetries are exhausted does it fall back to an
// unconditional hard sync, since the Promoter already counted this job as
// admitted and dropping it permanently loses a promoted call.
func (w *Worker) dispatchGateViolation(ctx context.Context, campaignID string, job *broker.Job, descriptor model.JobDescriptor) {
	w.log.Warn().Str("job_id", job.ReceiptID).Str("call_id", descriptor.CallID).
		Err(errs.ErrGateViolation).Msg("worker: job missing promoteSeq, attempting repair")
	metrics.RecordGateViolation(campaignID)

	for attempt := 0; attempt < w.cfg.GateRepairRetries; attempt++ {
		preToken, ok, err := w.lease.AcquirePre(ctx, campaignID, descriptor.CallID, w.cfg.DefaultLimit)
		if err != nil {
			w.log.Warn().Err(err).Str("call_id", descriptor.CallID).Msg("worker: gate repair attempt failed")
			_ = w.broker.Nack(ctx, campaignID, job.ReceiptID, time.Second)
			return
		}
		if ok {
			metrics.RecordGateRepaired(campaignID)
			w.originateAndFinish(ctx, campaignID, job, descriptor, preToken)
			return
		}

		select {
		case <-ctx.Done():
			_ = w.broker.Nack(ctx, campaignID, job.ReceiptID, w.cfg.GateRepairBackoff)
			return
		case <-time.After(w.cfg.GateRepairBackoff):
		}
	}

	preToken, err := w.lease.AcquirePreForced(ctx, campaignID, descriptor.CallID)
	if err != nil {
		w.log.Error().Err(err).Str("call_id", descriptor.CallID).Msg("worker: gate hard sync failed")
		_ = w.broker.Nack(ctx, campaignID, job.ReceiptID, time.Second)
		return
	}
	metrics.RecordGateHardSync(campaignID)
	w.log.Warn().Str("call_id", descriptor.CallID).Msg("worker: gate violation hard-synced after repair retries exhausted")
	w.originateAndFinish(ctx, campaignID, job, descriptor, preToken)
}

// originateAndFinish records the queued call, originates it via the
// telephony provider, and upgrades or releases the pre-dial lease
// depending on the outcome. Shared by the normal dispatch path and the
// gate-violation repair/hard-sync path once each has its own preToken.
func (w *Worker) originateAndFinish(ctx context.Context, campaignID string, job *broker.Job, descriptor model.JobDescriptor, preToken string) {
	if err := w.calls.Insert(ctx, model.CallRecord{
		CallID:     descriptor.CallID,
		CampaignID: campaignID,
		ContactRef: descriptor.ContactRef,
		PreToken:   preToken,
		Status:     model.CallQueued,
		RetryCount: descriptor.RetryCount,
	}); err != nil {
		w.log.Error().Err(err).Str("call_id", descriptor.CallID).Msg("worker: call record insert failed")
	}

	result, err := w.provider.CreateCall(ctx, telephony.CreateCallRequest{
		CallID:         descriptor.CallID,
		FromRef:        descriptor.PhoneRef,
		ToNumber:       descriptor.ContactRef,
		IdempotencyKey: descriptor.CallID,
	})
	if err != nil {
		w.handleDialFailure(ctx, campaignID, descriptor, preToken, err)
		_ = w.broker.Ack(ctx, campaignID, job.ReceiptID)
		return
	}

	activeToken, ok, err := w.lease.Upgrade(ctx, campaignID, descriptor.CallID, preToken)
	if err != nil || !ok {
		w.log.Error().Err(err).Str("call_id", descriptor.CallID).Msg("worker: upgrade failed after accepted dial")
		_ = w.lease.ReleasePreDial(ctx, campaignID, descriptor.CallID, preToken)
		_ = w.broker.Ack(ctx, campaignID, job.ReceiptID)
		return
	}

	if err := w.calls.UpdateStatus(ctx, descriptor.CallID, model.CallRinging, activeToken); err != nil {
		w.log.Error().Err(err).Str("call_id", descriptor.CallID).Msg("worker: call record update failed")
	}
	w.log.Debug().Str("call_id", descriptor.CallID).Str("provider_call_id", result.ProviderCallID).Msg("worker: dial accepted")

	if w.coldGuard != nil {
		if err := w.coldGuard.Unblock(ctx, campaignID); err != nil {
			w.log.Warn().Err(err).Str("campaign_id", campaignID).Msg("worker: cold-start unblock failed")
		}
	}

	_ = w.broker.Ack(ctx, campaignID, job.ReceiptID)
}

func (w *Worker) handleDialFailure(ctx context.Context, campaignID string, descriptor model.JobDescriptor, preToken string, err error) {
	_, _ = w.lease.ReleasePreDial(ctx, campaignID, descriptor.CallID, preToken)
	_ = w.calls.UpdateStatus(ctx, descriptor.CallID, model.CallFailed, "")

	if errors.Is(err, errs.ErrTelephonyTransient) {
		_ = w.breaker.RecordFailure(ctx, campaignID)
	} else if errors.Is(err, errs.ErrTelephonyTerminal) {
		// Terminal failures are the provider correctly rejecting a bad
		// destination, not a sign of provider trouble; don't trip the
		// breaker on them.
		return
	} else {
		_ = w.breaker.RecordFailure(ctx, campaignID)
	}

	w.log.Warn().Err(err).Str("call_id", descriptor.CallID).Msg("worker: dial failed")
}
