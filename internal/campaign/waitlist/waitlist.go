// Package waitlist implements the Waitlist (spec §4.3): a durable,
// idempotent FIFO per priority class, fed by enqueue and drained by the
// Promoter's reserve_promote pass.
package waitlist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/voxcampaign/dispatcher/internal/campaign/model"
	"github.com/voxcampaign/dispatcher/internal/metrics"
	"github.com/voxcampaign/dispatcher/internal/store"
)

// Waitlist wraps the coordination-store waitlist primitives for one
// campaign's priority-class lists.
type Waitlist struct {
	store *store.Client
}

// New constructs a Waitlist.
func New(s *store.Client) *Waitlist {
	return &Waitlist{store: s}
}

// Enqueue appends a job descriptor to its priority list. Re-enqueuing the
// same jobId is a no-op: the caller gets (false, nil) and must not treat it
// as an error, since retried enqueue calls after a timeout are expected.
func (w *Waitlist) Enqueue(ctx context.Context, item model.WaitlistItem) (bool, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("waitlist: encode item: %w", err)
	}
	k := store.NewKeys(item.Job.CampaignID)
	list := k.WaitlistNormal()
	if item.Priority == model.PriorityHigh {
		list = k.WaitlistHigh()
	}
	added, err := w.store.Enqueue(ctx, k, list, item.JobID, payload)
	if err == nil && !added {
		metrics.RecordDuplicateEnqueue(item.Job.CampaignID)
	}
	return added, err
}

// Promotion is the decoded result of one reserve_promote pass: which jobs
// were admitted (stamped with the promote gate sequence that makes
// gate-violation detection possible downstream) and how many came from
// each priority class. Payloads the script could not decode are restored
// to their list by Promote itself and are not part of the result.
type Promotion struct {
	Admitted       []AdmittedJob
	AdmittedHigh   int
	AdmittedNormal int
}

// AdmittedJob pairs a decoded job descriptor with the promoteSeq it was
// stamped with.
type AdmittedJob struct {
	JobID string
	Seq   int64
	Item  model.WaitlistItem
}

// Promote runs one reserve_promote pass: admits up to maxBatch items across
// both priority lists using the persistent weighted-fair cursor, reserves a
// slot for each, and restores anything it popped but could not decode.
func (w *Waitlist) Promote(ctx context.Context, campaignID string, maxBatch, fairnessHigh, fairnessNormal int, now time.Time) (Promotion, error) {
	k := store.NewKeys(campaignID)
	res, err := w.store.ReservePromote(ctx, k, maxBatch, fairnessHigh, fairnessNormal, now)
	if err != nil {
		return Promotion{}, err
	}

	out := Promotion{AdmittedHigh: res.AdmittedHigh, AdmittedNormal: res.AdmittedNormal}
	for _, p := range res.Promoted {
		var item model.WaitlistItem
		if err := json.Unmarshal(p.Item, &item); err != nil {
			// Decoded once already by the script; a second failure here
			// means the ledger entry and reserved slot are already booked.
			// The item is skipped without a log line; its ledger entry
			// stays until the Janitor reaps it as orphaned.
			continue
		}
		out.Admitted = append(out.Admitted, AdmittedJob{JobID: p.JobID, Seq: p.Seq, Item: item})
	}

	for _, raw := range res.PushBack {
		list := k.WaitlistNormal()
		var probe struct {
			Priority model.Priority `json:"priority"`
		}
		if err := json.Unmarshal([]byte(raw), &probe); err == nil && probe.Priority == model.PriorityHigh {
			list = k.WaitlistHigh()
		}
		if err := w.store.PushBackHead(ctx, list, raw); err != nil {
			return out, fmt.Errorf("waitlist: restore malformed item: %w", err)
		}
	}

	return out, nil
}
