// Package reconciler implements the Release Reconciler (spec §4.7): the
// webhook- and stream-end-triggered path that frees a lease once a call's
// terminal outcome is known, independent of whatever Dispatch Worker
// originated it.
package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxcampaign/dispatcher/internal/campaign/breaker"
	"github.com/voxcampaign/dispatcher/internal/campaign/bus"
	"github.com/voxcampaign/dispatcher/internal/campaign/callstore"
	"github.com/voxcampaign/dispatcher/internal/campaign/lease"
	"github.com/voxcampaign/dispatcher/internal/campaign/model"
	"github.com/voxcampaign/dispatcher/internal/campaign/telephony"
)

// OnTerminal is invoked after a lease has been released for a call that
// reached a terminal status, so the caller can apply retrypolicy and
// re-enqueue the contact. It is optional; a nil OnTerminal simply means the
// campaign has no further action on failure.
type OnTerminal func(ctx context.Context, rec model.CallRecord, failure model.FailureKind)

// Reconciler releases leases and schedules retries when a call's terminal
// status arrives.
type Reconciler struct {
	lease      *lease.Manager
	calls      *callstore.Store
	breaker    *breaker.Breaker
	bus        bus.Bus
	log        zerolog.Logger
	onTerminal OnTerminal
}

// New constructs a Reconciler. onTerminal may be nil.
func New(lm *lease.Manager, calls *callstore.Store, cb *breaker.Breaker, bs bus.Bus, onTerminal OnTerminal, logger zerolog.Logger) *Reconciler {
	return &Reconciler{lease: lm, calls: calls, breaker: cb, bus: bs, onTerminal: onTerminal, log: logger}
}

// HandleStatus releases the lease for a call whose provider-reported
// status is terminal, idempotently: a status event for a call already
// released (e.g. a duplicate webhook delivery) is a no-op, not an error.
func (r *Reconciler) HandleStatus(ctx context.Context, event telephony.StatusEvent) error {
	if !event.Status.IsTerminal() {
		return nil
	}

	rec, err := r.calls.Get(ctx, event.CallID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if !rec.Status.IsActive() {
		return nil // already reconciled, duplicate delivery
	}

	if err := r.calls.UpdateStatus(ctx, event.CallID, event.Status, ""); err != nil {
		r.log.Error().Err(err).Str("call_id", event.CallID).Msg("reconciler: call record update failed")
	}

	released, err := r.releaseWithFallback(ctx, rec)
	if err != nil {
		return err
	}
	if !released {
		r.log.Warn().Str("call_id", event.CallID).Msg("reconciler: release found nothing to release")
	}

	switch event.Status {
	case model.CallCompleted:
		_ = r.breaker.RecordSuccess(ctx, rec.CampaignID)
	case model.CallFailed, model.CallNoAnswer, model.CallBusy:
		_ = r.breaker.RecordFailure(ctx, rec.CampaignID)
	}

	if event.Status != model.CallCompleted && r.onTerminal != nil {
		r.onTerminal(ctx, *rec, event.Failure)
	}

	_ = r.bus.Publish(ctx, rec.CampaignID)
	return nil
}

// releaseWithFallback tries the active token, then the pre-dial token,
// then a tokenless forced release, in that order: whichever one the
// worker actually holds is the one that succeeds, and trying all three
// costs nothing extra on the common path where the first attempt works.
func (r *Reconciler) releaseWithFallback(ctx context.Context, rec *model.CallRecord) (bool, error) {
	if rec.ActiveToken != "" {
		if ok, err := r.lease.ReleaseActive(ctx, rec.CampaignID, rec.CallID, rec.ActiveToken); err != nil {
			return false, err
		} else if ok {
			return true, nil
		}
	}
	if rec.PreToken != "" {
		if ok, err := r.lease.ReleasePreDial(ctx, rec.CampaignID, rec.CallID, rec.PreToken); err != nil {
			return false, err
		} else if ok {
			return true, nil
		}
	}
	return r.lease.ForceRelease(ctx, rec.CampaignID, rec.CallID)
}

// HandleStreamDisconnect releases a lease when the media stream for a call
// drops without a provider status webhook ever arriving (e.g. a crashed
// media server), using the same fallback release chain.
func (r *Reconciler) HandleStreamDisconnect(ctx context.Context, campaignID, callID string, after time.Duration) error {
	rec, err := r.calls.Get(ctx, callID)
	if err != nil || rec == nil {
		return err
	}
	if !rec.Status.IsActive() {
		return nil
	}
	if time.Since(rec.UpdatedAt) < after {
		return nil
	}
	if err := r.calls.UpdateStatus(ctx, callID, model.CallFailed, ""); err != nil {
		r.log.Error().Err(err).Str("call_id", callID).Msg("reconciler: call record update failed")
	}
	_, err = r.releaseWithFallback(ctx, rec)
	if err == nil {
		_ = r.bus.Publish(ctx, campaignID)
	}
	return err
}
