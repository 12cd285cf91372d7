// SPDX-License-Identifier: MIT

// Package telemetry provides OpenTelemetry tracing utilities for the dispatcher.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the dispatch pipeline.
const (
	// HTTP attributes (webhook receiver)
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"
	HTTPUserAgentKey  = "http.user_agent"

	// Campaign attributes
	CampaignIDKey      = "campaign.id"
	CampaignLimitKey   = "campaign.concurrency_limit"
	CampaignBatchKey   = "campaign.promote_batch"
	CampaignPriorityKey = "campaign.priority"

	// Call attributes
	CallIDKey       = "call.id"
	CallStatusKey   = "call.status"
	CallProviderKey = "call.provider_call_id"

	// Breaker attributes
	BreakerStateKey  = "breaker.state"
	BreakerReasonKey = "breaker.reason"

	// Job attributes
	JobTypeKey     = "job.type"
	JobStatusKey   = "job.status"
	JobDurationKey = "job.duration_ms"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// CampaignAttributes creates campaign-related span attributes.
func CampaignAttributes(campaignID string, limit, batch int) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if campaignID != "" {
		attrs = append(attrs, attribute.String(CampaignIDKey, campaignID))
	}
	if limit > 0 {
		attrs = append(attrs, attribute.Int(CampaignLimitKey, limit))
	}
	if batch > 0 {
		attrs = append(attrs, attribute.Int(CampaignBatchKey, batch))
	}
	return attrs
}

// CallAttributes creates call-dispatch span attributes.
func CallAttributes(callID, status, providerCallID string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if callID != "" {
		attrs = append(attrs, attribute.String(CallIDKey, callID))
	}
	if status != "" {
		attrs = append(attrs, attribute.String(CallStatusKey, status))
	}
	if providerCallID != "" {
		attrs = append(attrs, attribute.String(CallProviderKey, providerCallID))
	}
	return attrs
}

// BreakerAttributes creates circuit breaker span attributes.
func BreakerAttributes(state, reason string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if state != "" {
		attrs = append(attrs, attribute.String(BreakerStateKey, state))
	}
	if reason != "" {
		attrs = append(attrs, attribute.String(BreakerReasonKey, reason))
	}
	return attrs
}

// JobAttributes creates job-related span attributes.
func JobAttributes(jobType, status string, durationMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobTypeKey, jobType),
		attribute.String(JobStatusKey, status),
		attribute.Int64(JobDurationKey, durationMS),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
