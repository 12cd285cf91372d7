package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/voxcampaign/dispatcher/internal/campaign/errs"
	"github.com/voxcampaign/dispatcher/internal/platform/httpx"
)

// HTTPProvider implements Provider against a REST telephony API, reusing the
// module's hardened HTTP client (short dial/response-header timeouts,
// bounded idle connections) rather than http.DefaultClient. Outbound calls
// are paced with a token-bucket limiter the same way the teacher's enigma2
// client paces requests to its upstream, so a campaign with a high
// concurrent_limit can't burst past the provider's own rate limit.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPProvider constructs an HTTPProvider. timeout bounds every call,
// including CreateCall and HangUp. ratePerSecond <= 0 means unpaced.
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration, ratePerSecond float64, burst int) *HTTPProvider {
	p := &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  httpx.NewClient(timeout),
	}
	if ratePerSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	return p
}

func (p *HTTPProvider) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

type createCallPayload struct {
	CallID         string `json:"call_id"`
	From           string `json:"from"`
	To             string `json:"to"`
	WebhookURL     string `json:"webhook_url,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

type createCallResponse struct {
	ProviderCallID string `json:"provider_call_id"`
	Accepted       bool   `json:"accepted"`
}

// CreateCall originates an outbound call via the provider's REST API.
func (p *HTTPProvider) CreateCall(ctx context.Context, req CreateCallRequest) (CreateCallResult, error) {
	if err := p.wait(ctx); err != nil {
		return CreateCallResult{}, fmt.Errorf("%w: %v", errs.ErrTelephonyTransient, err)
	}

	body, err := json.Marshal(createCallPayload{
		CallID:         req.CallID,
		From:           req.FromRef,
		To:             req.ToNumber,
		WebhookURL:     req.WebhookURL,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return CreateCallResult{}, fmt.Errorf("telephony: encode create-call request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/calls", bytes.NewReader(body))
	if err != nil {
		return CreateCallResult{}, fmt.Errorf("%w: %v", errs.ErrTelephonyTransient, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return CreateCallResult{}, fmt.Errorf("%w: %v", errs.ErrTelephonyTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return CreateCallResult{}, fmt.Errorf("%w: provider status %d", errs.ErrTelephonyTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		return CreateCallResult{}, fmt.Errorf("%w: provider status %d", errs.ErrTelephonyTerminal, resp.StatusCode)
	}

	var out createCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CreateCallResult{}, fmt.Errorf("telephony: decode create-call response: %w", err)
	}
	return CreateCallResult{ProviderCallID: out.ProviderCallID, Accepted: out.Accepted}, nil
}

// HangUp terminates an in-progress call by its provider call id.
func (p *HTTPProvider) HangUp(ctx context.Context, providerCallID string) error {
	if err := p.wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTelephonyTransient, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/calls/"+providerCallID+"/hangup", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTelephonyTransient, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTelephonyTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: provider status %d", errs.ErrTelephonyTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: provider status %d", errs.ErrTelephonyTerminal, resp.StatusCode)
	}
	return nil
}
