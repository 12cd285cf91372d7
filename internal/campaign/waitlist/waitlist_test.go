package waitlist

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/voxcampaign/dispatcher/internal/campaign/model"
	"github.com/voxcampaign/dispatcher/internal/store"
)

func setupWaitlist(t *testing.T) (*miniredis.Miniredis, *Waitlist, *store.Client) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := store.NewWithClient(rdb, zerolog.Nop())
	return mr, New(client), client
}

func item(campaignID, callID string, priority model.Priority) model.WaitlistItem {
	return model.WaitlistItem{
		JobID: callID,
		Job: model.JobDescriptor{
			CampaignID: campaignID,
			CallID:     callID,
			ContactRef: "contact-" + callID,
			Priority:   priority,
		},
		Priority: priority,
	}
}

func TestWaitlist_Enqueue_DuplicateJobIDIsNoOp(t *testing.T) {
	mr, w, _ := setupWaitlist(t)
	defer mr.Close()
	ctx := context.Background()

	added, err := w.Enqueue(ctx, item("camp-1", "call-1", model.PriorityNormal))
	if err != nil || !added {
		t.Fatalf("expected first enqueue to succeed: added=%v err=%v", added, err)
	}

	added, err = w.Enqueue(ctx, item("camp-1", "call-1", model.PriorityNormal))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added {
		t.Fatal("expected duplicate jobId enqueue to be a no-op")
	}
}

func TestWaitlist_Promote_AdmitsUpToFreeSlots(t *testing.T) {
	mr, w, client := setupWaitlist(t)
	defer mr.Close()
	ctx := context.Background()
	k := store.NewKeys("camp-1")

	if err := client.Raw().Set(ctx, k.Limit(), 2, 0).Err(); err != nil {
		t.Fatalf("seed limit: %v", err)
	}

	for i := 0; i < 3; i++ {
		callID := "call-" + string(rune('a'+i))
		if _, err := w.Enqueue(ctx, item("camp-1", callID, model.PriorityNormal)); err != nil {
			t.Fatalf("enqueue %s: %v", callID, err)
		}
	}

	promo, err := w.Promote(ctx, "camp-1", 10, 3, 1, time.Now())
	if err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	if len(promo.Admitted) != 2 {
		t.Fatalf("expected 2 admitted (limit=2), got %d", len(promo.Admitted))
	}
}

func TestWaitlist_Promote_PrefersHighPriority(t *testing.T) {
	mr, w, client := setupWaitlist(t)
	defer mr.Close()
	ctx := context.Background()
	k := store.NewKeys("camp-1")

	if err := client.Raw().Set(ctx, k.Limit(), 1, 0).Err(); err != nil {
		t.Fatalf("seed limit: %v", err)
	}

	if _, err := w.Enqueue(ctx, item("camp-1", "normal-1", model.PriorityNormal)); err != nil {
		t.Fatalf("enqueue normal: %v", err)
	}
	if _, err := w.Enqueue(ctx, item("camp-1", "high-1", model.PriorityHigh)); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	promo, err := w.Promote(ctx, "camp-1", 10, 3, 1, time.Now())
	if err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	if len(promo.Admitted) != 1 {
		t.Fatalf("expected exactly 1 admitted, got %d", len(promo.Admitted))
	}
	if promo.Admitted[0].JobID != "high-1" {
		t.Fatalf("expected the high-priority job admitted first, got %s", promo.Admitted[0].JobID)
	}
}

func TestWaitlist_Promote_NoFreeSlotsAdmitsNothing(t *testing.T) {
	mr, w, client := setupWaitlist(t)
	defer mr.Close()
	ctx := context.Background()
	k := store.NewKeys("camp-1")

	if err := client.Raw().Set(ctx, k.Limit(), 0, 0).Err(); err != nil {
		t.Fatalf("seed limit: %v", err)
	}
	if _, err := w.Enqueue(ctx, item("camp-1", "call-1", model.PriorityNormal)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	promo, err := w.Promote(ctx, "camp-1", 10, 3, 1, time.Now())
	if err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	if len(promo.Admitted) != 0 {
		t.Fatalf("expected 0 admitted with no free slots, got %d", len(promo.Admitted))
	}
}
