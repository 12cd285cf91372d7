package model

import "time"

// Campaign is an outbound-calling run bound to one agent and one source
// phone identity.
type Campaign struct {
	ID               string
	Name             string
	AgentRef         string
	PhoneRef         string
	State            CampaignState
	ConcurrentLimit  int
	PriorityMode     PriorityMode
	RetryFailed      bool
	MaxRetryAttempts int
	RetryDelay       time.Duration
	ExcludeVoicemail bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PriorityMode supplements the spec's fixed weighted ratio with an
// operator-selectable strict mode (see SPEC_FULL §4).
type PriorityMode string

const (
	// PriorityModeWeighted interleaves high:normal by the configured ratio.
	PriorityModeWeighted PriorityMode = "weighted"
	// PriorityModeStrict always drains high before touching normal.
	PriorityModeStrict PriorityMode = "strict"
)

// Contact is a single destination phone number belonging to one campaign.
type Contact struct {
	ID          string
	CampaignID  string
	PhoneNumber string
	Priority    Priority
	State       ContactState
	RetryCount  int
	NextRetryAt time.Time
	Metadata    map[string]string
}

// JobDescriptor is the explicit broker-job payload. It travels end to end
// from Promoter to Dispatch Worker without any ambient lookup.
type JobDescriptor struct {
	CampaignID string `json:"campaignId"`
	CallID     string `json:"callId"`
	ContactRef string `json:"contactRef"`
	AgentRef   string `json:"agentRef"`
	PhoneRef   string `json:"phoneRef"`
	RetryCount int    `json:"retryCount"`
	Priority   Priority `json:"priority"`
	PromoteSeq int64  `json:"promoteSeq,omitempty"`
}

// WaitlistItem is what Waitlist.Enqueue stores; reservePromote decodes the
// "jobId" field to decide admissibility and leaves the rest opaque.
type WaitlistItem struct {
	JobID    string        `json:"jobId"`
	Job      JobDescriptor `json:"job"`
	Priority Priority      `json:"priority"`
}

// CallRecord is the persistent, authoritative record of one dial attempt.
// The Cold-Start Guard rebuilds the coordination store's lease set from
// call records in an active status; the Release Reconciler uses the stored
// tokens to release the right lease without needing them passed in-band.
type CallRecord struct {
	CallID         string
	CampaignID     string
	ContactRef     string
	ProviderCallID string
	PreToken       string
	ActiveToken    string
	Status         CallState
	RetryCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ActiveStatuses are the CallState values the Cold-Start Guard treats as
// "still occupying a slot" when reconstructing leases from the call log.
var ActiveStatuses = []CallState{CallQueued, CallRinging, CallInProgress}
