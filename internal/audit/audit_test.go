// SPDX-License-Identifier: MIT

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger()
	assert.NotNil(t, logger)
}

func TestLogger_Log(t *testing.T) {
	logger := NewLogger()

	event := Event{
		Type:       EventConfigReload,
		Actor:      "admin",
		Action:     "reloaded config",
		Resource:   "config.yaml",
		Result:     "success",
		RemoteAddr: "192.168.1.100",
		UserAgent:  "curl/7.68.0",
		RequestID:  "req-123",
		Details: map[string]string{
			"changes": "3",
		},
	}
	logger.Log(event)

	event2 := Event{
		Type:     EventAuthSuccess,
		Actor:    "user1",
		Action:   "logged in",
		Resource: "/webhook/telephony/status",
		Result:   "success",
	}
	logger.Log(event2)
}

func TestLogger_LogFromContext(t *testing.T) {
	logger := NewLogger()

	//nolint:staticcheck // test code, context keys are fine here
	ctx := context.WithValue(context.Background(), "request_id", "req-456")
	//nolint:staticcheck
	ctx = context.WithValue(ctx, "remote_addr", "10.0.0.1")
	//nolint:staticcheck
	ctx = context.WithValue(ctx, "user_agent", "Mozilla/5.0")

	event := Event{
		Type:     EventAPIAccess,
		Actor:    "test-user",
		Action:   "accessed webhook",
		Resource: "/webhook/telephony/status",
		Result:   "success",
	}
	logger.LogFromContext(ctx, event)
}

func TestLogger_ConfigReload(t *testing.T) {
	logger := NewLogger()

	logger.ConfigReload("system", "success", map[string]string{
		"file": "/etc/dispatcher/config.yaml",
	})
	logger.ConfigReload("admin", "failure", map[string]string{
		"error": "file not found",
	})
}

func TestLogger_CampaignLifecycle(t *testing.T) {
	logger := NewLogger()

	logger.CampaignStart("operator-1", "camp-123", 50)
	logger.CampaignPause("operator-1", "camp-123", "manual hold requested")
	logger.CampaignResume("operator-1", "camp-123")
	logger.CampaignLimitChange("operator-1", "camp-123", 50, 75)
}

func TestLogger_OperatorInterventions(t *testing.T) {
	logger := NewLogger()

	logger.LeaseForceRelease("operator-1", "camp-123", "call-abc")
	logger.BreakerForceState("operator-1", "camp-123", "closed")
}

func TestLogger_Authentication(t *testing.T) {
	logger := NewLogger()

	logger.AuthSuccess("192.168.1.50", "/webhook/telephony/status")
	logger.AuthFailure("192.168.1.51", "/webhook/telephony/status", "invalid signature")
	logger.AuthMissing("192.168.1.52", "/webhook/telephony/status")
}

func TestLogger_APIAccess(t *testing.T) {
	logger := NewLogger()

	logger.APIAccess("10.0.0.1", "POST", "/webhook/telephony/status", 200)
	logger.APIAccess("10.0.0.2", "POST", "/webhook/telephony/status", 401)
}

func TestLogger_RateLimitExceeded(t *testing.T) {
	logger := NewLogger()

	logger.RateLimitExceeded("10.0.0.3", "/webhook/telephony/status")
}

func TestEvent_TimestampAutoSet(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{logger: zerolog.New(&buf)}

	event := Event{
		Type:     EventConfigReload,
		Actor:    "test",
		Action:   "test action",
		Resource: "test",
		Result:   "success",
	}

	before := time.Now()
	logger.Log(event)
	after := time.Now()

	assert.True(t, before.Before(after) || before.Equal(after))

	var entry map[string]any
	assert.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	raw, ok := entry["timestamp"].(string)
	assert.True(t, ok, "timestamp field missing from audit entry")
	ts, err := time.Parse(zerolog.TimeFieldFormat, raw)
	assert.NoError(t, err)
	assert.False(t, ts.Before(before.Truncate(time.Second)), "timestamp earlier than the Log call")
	assert.False(t, ts.After(after), "timestamp later than the Log call")
}

func BenchmarkLogger_Log(b *testing.B) {
	logger := NewLogger()
	event := Event{
		Type:       EventAPIAccess,
		Actor:      "benchmark",
		Action:     "test",
		Resource:   "/test",
		Result:     "success",
		RemoteAddr: "127.0.0.1",
		Details: map[string]string{
			"key1": "value1",
			"key2": "value2",
		},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Log(event)
	}
}
