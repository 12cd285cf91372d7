// SPDX-License-Identifier: MIT

// Package audit provides structured audit logging for security-sensitive operations.
// It follows the WHO/WHAT/WHEN pattern for compliance and forensics.
package audit

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxcampaign/dispatcher/internal/log"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Configuration events
	EventConfigReload      EventType = "config.reload"
	EventConfigReloadError EventType = "config.reload.error"

	// Campaign lifecycle events
	EventCampaignStart  EventType = "campaign.start"
	EventCampaignPause  EventType = "campaign.pause"
	EventCampaignResume EventType = "campaign.resume"
	EventCampaignLimit  EventType = "campaign.limit_change"

	// Lease and breaker operator interventions
	EventLeaseForceRelease EventType = "lease.force_release"
	EventBreakerForceState EventType = "breaker.force_state"

	// Webhook authentication events
	EventAuthSuccess EventType = "auth.success"
	EventAuthFailure EventType = "auth.failure"
	EventAuthMissing EventType = "auth.missing"

	// Webhook access events
	EventAPIAccess    EventType = "api.access"
	EventAPIForbidden EventType = "api.forbidden"
	EventAPIRateLimit EventType = "api.ratelimit"
)

// Event represents a structured audit event.
type Event struct {
	Timestamp  time.Time         `json:"timestamp"`
	Type       EventType         `json:"type"`
	Actor      string            `json:"actor"`             // WHO: operator, webhook source, or "system"
	Action     string            `json:"action"`            // WHAT: human-readable action description
	Resource   string            `json:"resource"`          // Resource affected (e.g., campaign id, endpoint)
	Result     string            `json:"result"`            // success, failure, denied
	RemoteAddr string            `json:"remote_addr"`       // Client IP address
	UserAgent  string            `json:"user_agent"`        // Client user agent
	RequestID  string            `json:"request_id"`        // Correlation ID
	Details    map[string]string `json:"details,omitempty"` // Additional context
}

// Logger provides audit logging functionality.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger with a dedicated "audit" component.
func NewLogger() *Logger {
	auditLogger := log.WithComponent("audit").With().
		Str("log_type", "audit").
		Logger()

	return &Logger{logger: auditLogger}
}

// Log writes an audit event to the audit log.
func (l *Logger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	logEvent := l.logger.Info().
		Time("timestamp", event.Timestamp).
		Str("event_type", string(event.Type)).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("resource", event.Resource).
		Str("result", event.Result)

	if event.RemoteAddr != "" {
		logEvent.Str("remote_addr", event.RemoteAddr)
	}
	if event.UserAgent != "" {
		logEvent.Str("user_agent", event.UserAgent)
	}
	if event.RequestID != "" {
		logEvent.Str("request_id", event.RequestID)
	}
	for key, value := range event.Details {
		logEvent.Str(key, value)
	}

	logEvent.Msg("audit event")
}

// LogFromContext logs an audit event, filling request id / remote addr / user
// agent from context values set by HTTP middleware when not already set.
func (l *Logger) LogFromContext(ctx context.Context, event Event) {
	if event.RequestID == "" {
		if reqID := ctx.Value("request_id"); reqID != nil {
			if id, ok := reqID.(string); ok {
				event.RequestID = id
			}
		}
	}
	if event.RemoteAddr == "" {
		if addr := ctx.Value("remote_addr"); addr != nil {
			if ip, ok := addr.(string); ok {
				event.RemoteAddr = ip
			}
		}
	}
	if event.UserAgent == "" {
		if ua := ctx.Value("user_agent"); ua != nil {
			if agent, ok := ua.(string); ok {
				event.UserAgent = agent
			}
		}
	}
	l.Log(event)
}

// ConfigReload logs a configuration reload event.
func (l *Logger) ConfigReload(actor, result string, details map[string]string) {
	l.Log(Event{
		Type:     EventConfigReload,
		Actor:    actor,
		Action:   "reloaded configuration",
		Resource: "config",
		Result:   result,
		Details:  details,
	})
}

// CampaignStart logs a campaign being armed for dispatch.
func (l *Logger) CampaignStart(actor, campaignID string, limit int) {
	l.Log(Event{
		Type:     EventCampaignStart,
		Actor:    actor,
		Action:   "started campaign",
		Resource: campaignID,
		Result:   "success",
		Details: map[string]string{
			"concurrency_limit": strconv.Itoa(limit),
		},
	})
}

// CampaignPause logs a campaign being paused by an operator.
func (l *Logger) CampaignPause(actor, campaignID, reason string) {
	l.Log(Event{
		Type:     EventCampaignPause,
		Actor:    actor,
		Action:   "paused campaign",
		Resource: campaignID,
		Result:   "success",
		Details:  map[string]string{"reason": reason},
	})
}

// CampaignResume logs a campaign being resumed after a pause.
func (l *Logger) CampaignResume(actor, campaignID string) {
	l.Log(Event{
		Type:     EventCampaignResume,
		Actor:    actor,
		Action:   "resumed campaign",
		Resource: campaignID,
		Result:   "success",
	})
}

// CampaignLimitChange logs an operator changing a campaign's concurrency limit.
func (l *Logger) CampaignLimitChange(actor, campaignID string, from, to int) {
	l.Log(Event{
		Type:     EventCampaignLimit,
		Actor:    actor,
		Action:   "changed campaign concurrency limit",
		Resource: campaignID,
		Result:   "success",
		Details: map[string]string{
			"from": strconv.Itoa(from),
			"to":   strconv.Itoa(to),
		},
	})
}

// LeaseForceRelease logs an operator force-releasing a stuck lease.
func (l *Logger) LeaseForceRelease(actor, campaignID, callID string) {
	l.Log(Event{
		Type:     EventLeaseForceRelease,
		Actor:    actor,
		Action:   "force-released lease",
		Resource: campaignID,
		Result:   "success",
		Details:  map[string]string{"call_id": callID},
	})
}

// BreakerForceState logs an operator manually forcing a campaign's breaker state.
func (l *Logger) BreakerForceState(actor, campaignID, state string) {
	l.Log(Event{
		Type:     EventBreakerForceState,
		Actor:    actor,
		Action:   "forced circuit breaker state",
		Resource: campaignID,
		Result:   "success",
		Details:  map[string]string{"state": state},
	})
}

// AuthSuccess logs a successful webhook authentication.
func (l *Logger) AuthSuccess(remoteAddr, endpoint string) {
	l.Log(Event{
		Type:       EventAuthSuccess,
		Actor:      remoteAddr,
		Action:     "authenticated successfully",
		Resource:   endpoint,
		Result:     "success",
		RemoteAddr: remoteAddr,
	})
}

// AuthFailure logs a failed webhook authentication attempt.
func (l *Logger) AuthFailure(remoteAddr, endpoint, reason string) {
	l.Log(Event{
		Type:       EventAuthFailure,
		Actor:      remoteAddr,
		Action:     "authentication failed",
		Resource:   endpoint,
		Result:     "failure",
		RemoteAddr: remoteAddr,
		Details:    map[string]string{"reason": reason},
	})
}

// AuthMissing logs a webhook request without authentication.
func (l *Logger) AuthMissing(remoteAddr, endpoint string) {
	l.Log(Event{
		Type:       EventAuthMissing,
		Actor:      remoteAddr,
		Action:     "accessed endpoint without authentication",
		Resource:   endpoint,
		Result:     "denied",
		RemoteAddr: remoteAddr,
	})
}

// APIAccess logs webhook endpoint access.
func (l *Logger) APIAccess(remoteAddr, method, endpoint string, statusCode int) {
	result := "success"
	if statusCode >= 400 {
		result = "failure"
	}
	l.Log(Event{
		Type:       EventAPIAccess,
		Actor:      remoteAddr,
		Action:     method + " " + endpoint,
		Resource:   endpoint,
		Result:     result,
		RemoteAddr: remoteAddr,
		Details: map[string]string{
			"method":      method,
			"status_code": strconv.Itoa(statusCode),
		},
	})
}

// RateLimitExceeded logs webhook rate limit violations.
func (l *Logger) RateLimitExceeded(remoteAddr, endpoint string) {
	l.Log(Event{
		Type:       EventAPIRateLimit,
		Actor:      remoteAddr,
		Action:     "rate limit exceeded",
		Resource:   endpoint,
		Result:     "denied",
		RemoteAddr: remoteAddr,
	})
}
