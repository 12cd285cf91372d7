// Package retrypolicy implements the per-campaign retry hook (SPEC_FULL
// §4): a pure function deciding whether a failed contact re-enters the
// waitlist, and after how long, with no side effects of its own. The
// daemon calls it from the Release Reconciler's terminal-status hook;
// neither the Dispatch Worker nor the Reconciler owns backoff math.
package retrypolicy

import (
	"time"

	"github.com/voxcampaign/dispatcher/internal/campaign/model"
)

// Decision is what the caller does next with a failed contact.
type Decision struct {
	Retry   bool
	Contact model.ContactState
	Delay   time.Duration
}

// Evaluate applies a campaign's retry configuration to one failed dial
// attempt. Invalid-destination failures are never retried regardless of
// campaign settings, since retrying them cannot succeed and would only
// burn a concurrency slot on a certain repeat failure.
func Evaluate(c model.Campaign, failure model.FailureKind, attempt int) Decision {
	if failure == model.FailureInvalidDest {
		return Decision{Retry: false, Contact: model.ContactFailed}
	}
	if failure == model.FailureVoicemail && c.ExcludeVoicemail {
		return Decision{Retry: false, Contact: model.ContactVoicemail}
	}
	if !c.RetryFailed || attempt >= c.MaxRetryAttempts {
		state := model.ContactFailed
		if failure == model.FailureVoicemail {
			state = model.ContactVoicemail
		}
		return Decision{Retry: false, Contact: state}
	}

	delay := c.RetryDelay
	if delay <= 0 {
		delay = time.Minute
	}
	// Exponential backoff per attempt, capped at 10x the base delay so a
	// campaign with a high MaxRetryAttempts doesn't push late retries out
	// for hours.
	backoff := delay
	for i := 1; i < attempt && backoff < delay*10; i++ {
		backoff *= 2
	}
	if backoff > delay*10 {
		backoff = delay * 10
	}

	return Decision{Retry: true, Contact: model.ContactPending, Delay: backoff}
}
