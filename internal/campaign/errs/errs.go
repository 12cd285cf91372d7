// Package errs defines the error kinds from spec.md §7. Contention is
// deliberately not an "error" in the Go sense at call sites that expect
// it routinely (acquire-pre returning no slot, claim returning zero rows);
// those are reported as plain zero values/booleans. The sentinels here
// are for the kinds that do travel as errors.
package errs

import "errors"

var (
	// ErrTransient marks a retryable store/broker failure. Callers should
	// retry with bounded exponential backoff and escalate to the circuit
	// breaker on repetition.
	ErrTransient = errors.New("campaign: transient store or broker failure")

	// ErrScriptNotLoaded signals a coordination-store script cache miss.
	// go-redis's Script.Run already retries a plain EVAL transparently on
	// NOSCRIPT; this sentinel exists for code paths that bypass that and
	// need to decide whether to retry once more by hand.
	ErrScriptNotLoaded = errors.New("campaign: coordination script not loaded")

	// ErrTelephonyTransient marks a 5xx/timeout from the telephony
	// provider. The pre-dial lease is released; the campaign retry policy
	// decides whether to requeue.
	ErrTelephonyTransient = errors.New("campaign: telephony transient failure")

	// ErrTelephonyTerminal marks a provider-rejected call (invalid number,
	// permanent rejection). The pre-dial lease is released and the contact
	// is marked failed with no retry.
	ErrTelephonyTerminal = errors.New("campaign: telephony terminal failure")

	// ErrColdStartBlocking indicates a promotion was refused because the
	// campaign's cold-start flag is still "blocking".
	ErrColdStartBlocking = errors.New("campaign: cold-start reconstruction in progress")

	// ErrCorruption marks a store invariant violation (lease member
	// present with no lease key, negative reserved counter) for the
	// Janitor to repair and a metric to record.
	ErrCorruption = errors.New("campaign: coordination store invariant violation")

	// ErrGateViolation marks a job delivered without a promoteSeq — either
	// a legacy enqueue or a repair-path replay.
	ErrGateViolation = errors.New("campaign: job missing promoteSeq")

	// ErrCampaignNotActive marks a dispatch attempt against a paused or
	// cancelled campaign.
	ErrCampaignNotActive = errors.New("campaign: not active")
)
