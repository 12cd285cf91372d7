// Package telephony defines the external-collaborator contracts the
// Dispatch Worker and Release Reconciler depend on (spec §6). It holds
// those interfaces and wire-shape types plus one plain REST implementation,
// HTTPProvider (httpprovider.go); no provider SDK is vendored.
package telephony

import (
	"context"
	"time"

	"github.com/voxcampaign/dispatcher/internal/campaign/model"
)

// CreateCallRequest is what the Dispatch Worker sends to originate a call.
type CreateCallRequest struct {
	CallID      string
	FromRef     string
	ToNumber    string
	WebhookURL  string
	IdempotencyKey string
}

// CreateCallResult is the provider's synchronous acknowledgment. The call's
// actual outcome arrives later via webhook.
type CreateCallResult struct {
	ProviderCallID string
	Accepted       bool
}

// StatusEvent is a webhook-delivered status transition for a previously
// created call.
type StatusEvent struct {
	ProviderCallID string
	CallID         string
	Status         model.CallState
	Failure        model.FailureKind
	ReceivedAt     time.Time
}

// Provider is the outbound-call collaborator a Dispatch Worker drives.
// Callers do not retry the HTTP call; HTTPProvider makes a single attempt
// per call, paced by its rate limiter. Callers distinguish transient from terminal failures via the returned
// error (wrapped with errs.ErrTelephonyTransient / errs.ErrTelephonyTerminal).
type Provider interface {
	CreateCall(ctx context.Context, req CreateCallRequest) (CreateCallResult, error)
	HangUp(ctx context.Context, providerCallID string) error
}
