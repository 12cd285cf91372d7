package retrypolicy

import (
	"testing"
	"time"

	"github.com/voxcampaign/dispatcher/internal/campaign/model"
)

func baseCampaign() model.Campaign {
	return model.Campaign{
		RetryFailed:      true,
		MaxRetryAttempts: 3,
		RetryDelay:       time.Minute,
	}
}

func TestEvaluate_InvalidDestinationNeverRetries(t *testing.T) {
	c := baseCampaign()
	d := Evaluate(c, model.FailureInvalidDest, 1)
	if d.Retry {
		t.Fatal("expected invalid destination to never retry")
	}
	if d.Contact != model.ContactFailed {
		t.Fatalf("expected ContactFailed, got %s", d.Contact)
	}
}

func TestEvaluate_VoicemailExcludedWhenConfigured(t *testing.T) {
	c := baseCampaign()
	c.ExcludeVoicemail = true
	d := Evaluate(c, model.FailureVoicemail, 1)
	if d.Retry {
		t.Fatal("expected voicemail to not retry when excluded")
	}
	if d.Contact != model.ContactVoicemail {
		t.Fatalf("expected ContactVoicemail, got %s", d.Contact)
	}
}

func TestEvaluate_VoicemailRetriesWhenNotExcluded(t *testing.T) {
	c := baseCampaign()
	c.ExcludeVoicemail = false
	d := Evaluate(c, model.FailureVoicemail, 1)
	if !d.Retry {
		t.Fatal("expected voicemail to retry when not excluded")
	}
}

func TestEvaluate_RetryFailedDisabled(t *testing.T) {
	c := baseCampaign()
	c.RetryFailed = false
	d := Evaluate(c, model.FailureGeneric, 1)
	if d.Retry {
		t.Fatal("expected no retry when RetryFailed is false")
	}
	if d.Contact != model.ContactFailed {
		t.Fatalf("expected ContactFailed, got %s", d.Contact)
	}
}

func TestEvaluate_StopsAtMaxRetryAttempts(t *testing.T) {
	c := baseCampaign()
	c.MaxRetryAttempts = 2
	d := Evaluate(c, model.FailureGeneric, 2)
	if d.Retry {
		t.Fatal("expected no retry once attempt reaches MaxRetryAttempts")
	}
}

func TestEvaluate_DefaultsDelayWhenUnset(t *testing.T) {
	c := baseCampaign()
	c.RetryDelay = 0
	d := Evaluate(c, model.FailureGeneric, 1)
	if !d.Retry {
		t.Fatal("expected retry to proceed")
	}
	if d.Delay != time.Minute {
		t.Fatalf("expected default 1 minute delay, got %v", d.Delay)
	}
}

func TestEvaluate_BackoffCapsAtTenTimesBaseDelay(t *testing.T) {
	c := baseCampaign()
	c.MaxRetryAttempts = 100
	c.RetryDelay = time.Second
	d := Evaluate(c, model.FailureGeneric, 50)
	if !d.Retry {
		t.Fatal("expected retry to proceed")
	}
	if d.Delay > 10*time.Second {
		t.Fatalf("expected backoff capped at 10x base delay, got %v", d.Delay)
	}
}

func TestEvaluate_BackoffGrowsWithAttempt(t *testing.T) {
	c := baseCampaign()
	c.MaxRetryAttempts = 100
	c.RetryDelay = time.Second

	d1 := Evaluate(c, model.FailureGeneric, 1)
	d2 := Evaluate(c, model.FailureGeneric, 2)
	if d2.Delay <= d1.Delay {
		t.Fatalf("expected backoff to grow with attempt, got d1=%v d2=%v", d1.Delay, d2.Delay)
	}
}
