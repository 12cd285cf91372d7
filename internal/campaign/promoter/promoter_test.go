package promoter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/voxcampaign/dispatcher/internal/campaign/breaker"
	"github.com/voxcampaign/dispatcher/internal/campaign/broker"
	"github.com/voxcampaign/dispatcher/internal/campaign/bus"
	"github.com/voxcampaign/dispatcher/internal/campaign/callstore"
	"github.com/voxcampaign/dispatcher/internal/campaign/coldstart"
	"github.com/voxcampaign/dispatcher/internal/campaign/model"
	"github.com/voxcampaign/dispatcher/internal/campaign/waitlist"
	"github.com/voxcampaign/dispatcher/internal/store"
)

type harness struct {
	mr   *miniredis.Miniredis
	p    *Promoter
	brk  *broker.RedisBroker
	wl   *waitlist.Waitlist
}

func setupPromoter(t *testing.T, cfg Config) *harness {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := store.NewWithClient(rdb, zerolog.Nop())

	w := waitlist.New(client)
	cb := breaker.New(client, breaker.Config{})
	b := broker.NewRedisBroker(rdb)

	dbPath := t.TempDir() + "/calls.db"
	calls, err := callstore.Open(dbPath)
	if err != nil {
		t.Fatalf("open callstore: %v", err)
	}
	t.Cleanup(func() { _ = calls.Close() })
	cg := coldstart.New(client, calls, 10*time.Second, time.Hour, time.Hour, zerolog.Nop())

	memBus := bus.NewMemoryBus()

	p := New(client, w, cb, b, cg, memBus, cfg, zerolog.Nop())
	t.Cleanup(mr.Close)
	return &harness{mr: mr, p: p, brk: b, wl: w}
}

func enqueue(t *testing.T, h *harness, ctx context.Context, campaignID, jobID string, priority model.Priority) {
	t.Helper()
	_, err := h.wl.Enqueue(ctx, model.WaitlistItem{
		JobID:    jobID,
		Priority: priority,
		Job:      model.JobDescriptor{CampaignID: campaignID, CallID: jobID, Priority: priority},
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", jobID, err)
	}
}

func TestPromoter_PromoteOnce_SubmitsAdmittedJobsToBroker(t *testing.T) {
	h := setupPromoter(t, Config{MaxBatch: 10})
	ctx := context.Background()

	k := store.NewKeys("camp-1")
	if err := h.p.store.Raw().Set(ctx, k.Limit(), 2, 0).Err(); err != nil {
		t.Fatalf("set limit: %v", err)
	}

	enqueue(t, h, ctx, "camp-1", "job-1", model.PriorityNormal)
	enqueue(t, h, ctx, "camp-1", "job-2", model.PriorityNormal)

	if err := h.p.promoteOnce(ctx, "camp-1"); err != nil {
		t.Fatalf("promote once failed: %v", err)
	}

	claimed, err := h.brk.Claim(ctx, "camp-1", "worker-1", time.Second)
	if err != nil {
		t.Fatalf("expected a job submitted to the broker, claim failed: %v", err)
	}
	if claimed.Descriptor.CallID == "" {
		t.Fatal("expected a non-empty call id on the claimed job")
	}
}

func TestPromoter_PromoteOnce_ColdStartBlockingPreventsPromotion(t *testing.T) {
	h := setupPromoter(t, Config{MaxBatch: 10})
	ctx := context.Background()

	k := store.NewKeys("camp-1")
	if err := h.p.store.Raw().Set(ctx, k.Limit(), 5, 0).Err(); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	enqueue(t, h, ctx, "camp-1", "job-1", model.PriorityNormal)

	if err := h.p.coldGuard.Begin(ctx, "camp-1"); err != nil {
		t.Fatalf("begin cold start: %v", err)
	}

	err := h.p.promoteOnce(ctx, "camp-1")
	if err == nil {
		t.Fatal("expected cold-start blocking error")
	}

	_, claimErr := h.brk.Claim(ctx, "camp-1", "worker-1", 50*time.Millisecond)
	if claimErr != broker.ErrNoJob {
		t.Fatalf("expected no job submitted while cold-start blocking, got %v", claimErr)
	}
}

func TestPromoter_PromoteOnce_ZeroLimitAdmitsNothing(t *testing.T) {
	h := setupPromoter(t, Config{MaxBatch: 10})
	ctx := context.Background()

	k := store.NewKeys("camp-1")
	if err := h.p.store.Raw().Set(ctx, k.Limit(), 0, 0).Err(); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	enqueue(t, h, ctx, "camp-1", "job-1", model.PriorityNormal)

	if err := h.p.promoteOnce(ctx, "camp-1"); err != nil {
		t.Fatalf("promote once failed: %v", err)
	}

	_, err := h.brk.Claim(ctx, "camp-1", "worker-1", 50*time.Millisecond)
	if err != broker.ErrNoJob {
		t.Fatalf("expected no job admitted at zero limit, got %v", err)
	}
}

func TestPromoter_RunPass_SingleFlightSerializesConcurrentCallers(t *testing.T) {
	h := setupPromoter(t, Config{MaxBatch: 10})
	ctx := context.Background()

	k := store.NewKeys("camp-1")
	if err := h.p.store.Raw().Set(ctx, k.Limit(), 3, 0).Err(); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	for i := 0; i < 3; i++ {
		enqueue(t, h, ctx, "camp-1", string(rune('a'+i)), model.PriorityNormal)
	}

	done := make(chan struct{})
	go func() {
		h.p.runPass(ctx, "camp-1")
		close(done)
	}()
	h.p.runPass(ctx, "camp-1")
	<-done

	count := 0
	for {
		if _, err := h.brk.Claim(ctx, "camp-1", "worker-1", 10*time.Millisecond); err != nil {
			break
		}
		count++
	}
	if count != 3 {
		t.Fatalf("expected all 3 enqueued jobs promoted exactly once, got %d", count)
	}
}

func TestPromoter_Enqueue_PublishesWakeNotification(t *testing.T) {
	h := setupPromoter(t, Config{MaxBatch: 10})
	ctx := context.Background()

	sub, cancel := h.p.bus.Subscribe(ctx, "camp-1")
	defer cancel()

	added, err := h.p.Enqueue(ctx, model.WaitlistItem{
		JobID:    "job-1",
		Priority: model.PriorityNormal,
		Job:      model.JobDescriptor{CampaignID: "camp-1", CallID: "job-1"},
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if !added {
		t.Fatal("expected job-1 to be newly added")
	}

	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("expected a wake notification after enqueue")
	}
}

func TestPromoter_Run_StopsCleanlyOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := setupPromoter(t, Config{MaxBatch: 10, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.p.Run(ctx, "camp-1")
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}
