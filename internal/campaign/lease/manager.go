// Package lease implements the Lease Manager (spec §4.1): atomic slot
// admission, upgrade, renewal and release against the coordination store.
// Every operation is a single Lua script run on Redis; none of them throw
// on contention — they return the sentinel/false the caller expects and
// retries or backs off on.
package lease

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/voxcampaign/dispatcher/internal/store"
)

// Config holds the TTLs the Lease Manager enforces (spec §3, "Lifetimes").
type Config struct {
	PreDialTTL    time.Duration // short: telephony create-call latency + margin
	PreDialTTLMax time.Duration // hard cap on cumulative pre-dial renewals
	ActiveTTL     time.Duration // long: worst-case call duration
}

// Manager is the Lease Manager for one coordination-store connection,
// serving every campaign (the campaign id is an argument, not state).
type Manager struct {
	store *store.Client
	cfg   Config
}

// New constructs a Lease Manager.
func New(s *store.Client, cfg Config) *Manager {
	return &Manager{store: s, cfg: cfg}
}

// AcquirePre admits a pre-dial lease iff a slot is free for the campaign.
// Returns ("", false, nil) when no slot is free — this is contention, not
// an error.
func (m *Manager) AcquirePre(ctx context.Context, campaignID, callID string, limit int) (string, bool, error) {
	k := store.NewKeys(campaignID)
	token := uuid.NewString()
	tok, ok, err := m.store.AcquirePre(ctx, k, callID, token, limit, m.cfg.PreDialTTL)
	if err != nil || !ok {
		return "", false, err
	}
	deadline := time.Now().Add(m.cfg.PreDialTTLMax)
	if err := m.store.SetPreDialCap(ctx, k, callID, deadline, m.cfg.PreDialTTLMax); err != nil {
		// Best-effort: losing the cap key only means renew-pre-capped falls
		// back to uncapped renewal for this call, not an admission error.
		return tok, true, nil
	}
	return tok, true, nil
}

// AcquirePreForced admits a pre-dial lease unconditionally, bypassing the
// concurrent-limit check. This is the "hard sync" backstop for a
// gate-violation job (one the Promoter already counted as admitted but
// that reached the worker without a promoteSeq): after repeated repair
// acquire-pre attempts fail, the job is admitted anyway rather than
// dropped, since the Promoter's admission count already accounts for it.
func (m *Manager) AcquirePreForced(ctx context.Context, campaignID, callID string) (string, error) {
	k := store.NewKeys(campaignID)
	token := uuid.NewString()
	if err := m.store.AcquirePreForced(ctx, k, callID, token, m.cfg.PreDialTTL); err != nil {
		return "", err
	}
	return token, nil
}

// Upgrade promotes a pre-dial lease to an active lease. A lost race
// (pre-lease already gone, no matching active lease either) returns
// ("", false, nil).
func (m *Manager) Upgrade(ctx context.Context, campaignID, callID, preToken string) (string, bool, error) {
	k := store.NewKeys(campaignID)
	activeToken := uuid.NewString()
	return m.store.Upgrade(ctx, k, callID, preToken, activeToken, m.cfg.ActiveTTL)
}

// ReleasePreDial releases a pre-dial lease by token.
func (m *Manager) ReleasePreDial(ctx context.Context, campaignID, callID, token string) (bool, error) {
	k := store.NewKeys(campaignID)
	return m.store.ReleasePreDial(ctx, k, callID, token)
}

// ReleaseActive releases an active lease by token.
func (m *Manager) ReleaseActive(ctx context.Context, campaignID, callID, token string) (bool, error) {
	k := store.NewKeys(campaignID)
	return m.store.ReleaseActive(ctx, k, callID, token)
}

// ForceRelease is the tokenless backstop: tries the active member, then the
// pre-dial member. Used by the Release Reconciler when the original token
// is unknown.
func (m *Manager) ForceRelease(ctx context.Context, campaignID, callID string) (bool, error) {
	k := store.NewKeys(campaignID)
	return m.store.ReleaseForce(ctx, k, callID)
}

// RenewActive extends an active lease's TTL. The Cold-Start "recovered"
// sentinel is honored transparently by the underlying script.
func (m *Manager) RenewActive(ctx context.Context, campaignID, callID, token string) (bool, error) {
	k := store.NewKeys(campaignID)
	return m.store.Renew(ctx, k, callID, token, m.cfg.ActiveTTL)
}

// RenewPreDialCapped extends a pre-dial lease's TTL without exceeding the
// hard pre-dial cap.
func (m *Manager) RenewPreDialCapped(ctx context.Context, campaignID, callID, token string) (bool, error) {
	k := store.NewKeys(campaignID)
	return m.store.RenewPreDialCapped(ctx, k, callID, token, m.cfg.PreDialTTL, time.Now())
}
