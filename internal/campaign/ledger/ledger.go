// Package ledger implements the Reservation Ledger (spec §4.2): bookkeeping
// for slots promoted from the waitlist but not yet claimed by a worker. The
// Promoter debits `reserved` before a job exists in the broker; the ledger
// is the audit trail the Janitor uses to find stragglers without scanning
// the broker itself.
package ledger

import (
	"context"

	"github.com/voxcampaign/dispatcher/internal/store"
)

// Ledger wraps the claim/decr primitives against the coordination store.
type Ledger struct {
	store *store.Client
}

// New constructs a Ledger.
func New(s *store.Client) *Ledger {
	return &Ledger{store: s}
}

// Claim is the first action a Dispatch Worker performs for a job. It
// returns the number of ledger entries removed: 0 means this delivery is a
// replay of an already-claimed job (the caller must ack without dialing).
func (l *Ledger) Claim(ctx context.Context, campaignID, jobID string) (int, error) {
	return l.store.LedgerClaim(ctx, store.NewKeys(campaignID), jobID)
}

// Decr unconditionally decrements `reserved` by n, clamped at zero. Janitor
// only, used after reaping an orphaned ledger entry whose job never showed.
func (l *Ledger) Decr(ctx context.Context, campaignID string, n int) (int, error) {
	return l.store.LedgerDecr(ctx, store.NewKeys(campaignID), n)
}
