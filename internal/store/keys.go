// Package store provides the coordination-store primitives the campaign
// concurrency core is built on: a Redis client wired with the atomic Lua
// scripts that back lease admission, reservation bookkeeping and waitlist
// promotion, plus the key-naming scheme that keeps every key for one
// campaign on a single cluster shard.
package store

import "fmt"

// Keys names every coordination-store key for one campaign. All keys share
// the "{campaignId}" hash tag so multi-key Lua scripts touching them land on
// one Redis Cluster shard and execute atomically.
type Keys struct {
	campaignID string
}

// NewKeys returns the key set for a campaign.
func NewKeys(campaignID string) Keys {
	return Keys{campaignID: campaignID}
}

func (k Keys) ns() string {
	return fmt.Sprintf("campaign:{%s}", k.campaignID)
}

// Limit is the max-simultaneous-calls integer key.
func (k Keys) Limit() string { return k.ns() + ":limit" }

// Leases is the set of in-flight slot members ("<callId>" or "pre-<callId>").
func (k Keys) Leases() string { return k.ns() + ":leases" }

// Lease is the proof-of-holding key for one lease member.
func (k Keys) Lease(member string) string { return k.ns() + ":lease:" + member }

// LeaseCap is the absolute deadline (unix ms) a pre-dial lease may be
// renewed up to, written once at acquisition time.
func (k Keys) LeaseCap(member string) string { return k.ns() + ":lease:" + member + ":cap" }

// Reserved is the count of slots debited to promoted-but-unclaimed jobs.
func (k Keys) Reserved() string { return k.ns() + ":reserved" }

// ReservedLedger is the sorted set auditing outstanding reservations.
func (k Keys) ReservedLedger() string { return k.ns() + ":reserved:ledger" }

// WaitlistHigh is the high-priority FIFO waitlist.
func (k Keys) WaitlistHigh() string { return k.ns() + ":waitlist:high" }

// WaitlistNormal is the normal-priority FIFO waitlist.
func (k Keys) WaitlistNormal() string { return k.ns() + ":waitlist:normal" }

// WaitlistSeen is a set used to make Waitlist.Enqueue idempotent by jobId.
// Items that share a callId but carry different jobIds are each accepted.
func (k Keys) WaitlistSeen() string { return k.ns() + ":waitlist:seen" }

// Fairness is the hash tracking cumulative admitted counts per class.
func (k Keys) Fairness() string { return k.ns() + ":fairness" }

// PromoteGate is the single-flight guard for one Promoter pass.
func (k Keys) PromoteGate() string { return k.ns() + ":promote-gate" }

// PromoteGateSeq is the monotonic promoteSeq counter.
func (k Keys) PromoteGateSeq() string { return k.ns() + ":promote-gate:seq" }

// ColdStart is the cold-start flag ("blocking" | "done").
func (k Keys) ColdStart() string { return k.ns() + ":cold-start" }

// ColdStartBeganAt is the RFC3339Nano timestamp recorded when a campaign
// entered cold-start blocking, used to compute grace-window elapsed time.
func (k Keys) ColdStartBeganAt() string { return k.ns() + ":cold-start:began-at" }

// CircuitState is the breaker's current state label.
func (k Keys) CircuitState() string { return k.ns() + ":circuit" }

// CircuitFail is the breaker's sliding failure-window sorted set.
func (k Keys) CircuitFail() string { return k.ns() + ":cb:fail" }

// SlotAvailableChannel is the pub/sub channel the Promoter listens on.
func (k Keys) SlotAvailableChannel() string { return "campaign:" + k.campaignID + ":slot-available" }

const (
	// ColdStartBlocking is the flag value while lease reconstruction is in
	// progress and promotions are refused.
	ColdStartBlocking = "blocking"
	// ColdStartDone is the flag value once the campaign's lease set is
	// known-good again.
	ColdStartDone = "done"
	// RecoveredSentinel is the lease token value the Cold-Start Guard
	// writes for synthesized leases; renew() accepts it only while
	// ColdStartBlocking is in effect.
	RecoveredSentinel = "recovered"
)

// PreMember returns the pre-dial lease member for a call id.
func PreMember(callID string) string { return "pre-" + callID }
