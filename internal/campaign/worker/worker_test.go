package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/voxcampaign/dispatcher/internal/campaign/breaker"
	"github.com/voxcampaign/dispatcher/internal/campaign/broker"
	"github.com/voxcampaign/dispatcher/internal/campaign/callstore"
	"github.com/voxcampaign/dispatcher/internal/campaign/coldstart"
	"github.com/voxcampaign/dispatcher/internal/campaign/errs"
	"github.com/voxcampaign/dispatcher/internal/campaign/ledger"
	"github.com/voxcampaign/dispatcher/internal/campaign/lease"
	"github.com/voxcampaign/dispatcher/internal/campaign/model"
	"github.com/voxcampaign/dispatcher/internal/campaign/telephony"
	"github.com/voxcampaign/dispatcher/internal/store"
)

type stubProvider struct {
	result telephony.CreateCallResult
	err    error
}

func (s *stubProvider) CreateCall(ctx context.Context, req telephony.CreateCallRequest) (telephony.CreateCallResult, error) {
	if s.err != nil {
		return telephony.CreateCallResult{}, s.err
	}
	return s.result, nil
}

func (s *stubProvider) HangUp(ctx context.Context, providerCallID string) error { return nil }

type testWorker struct {
	mr     *miniredis.Miniredis
	client *store.Client
	brk    *broker.RedisBroker
	lm     *lease.Manager
	lg     *ledger.Ledger
	cb     *breaker.Breaker
	calls  *callstore.Store
}

func setupWorker(t *testing.T, provider telephony.Provider) (*testWorker, *Worker) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := store.NewWithClient(rdb, zerolog.Nop())
	t.Cleanup(mr.Close)

	brk := broker.NewRedisBroker(rdb)
	lm := lease.New(client, lease.Config{PreDialTTL: 10 * time.Second, PreDialTTLMax: 30 * time.Second, ActiveTTL: time.Hour})
	lg := ledger.New(client)
	cb := breaker.New(client, breaker.Config{})

	dbPath := filepath.Join(t.TempDir(), "calls.db")
	calls, err := callstore.Open(dbPath)
	if err != nil {
		t.Fatalf("open callstore: %v", err)
	}
	t.Cleanup(func() { _ = calls.Close() })

	w := New(brk, lm, lg, cb, calls, provider, nil, Config{DefaultLimit: 5, GateRepairBackoff: time.Millisecond}, zerolog.Nop())
	return &testWorker{mr: mr, client: client, brk: brk, lm: lm, lg: lg, cb: cb, calls: calls}, w
}

func submitAndClaim(t *testing.T, h *testWorker, campaignID, callID string) *broker.Job {
	t.Helper()
	ctx := context.Background()
	k := store.NewKeys(campaignID)
	if err := h.client.Raw().ZAdd(ctx, k.ReservedLedger(), redis.Z{Score: 1, Member: "H:" + callID}).Err(); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	desc := model.JobDescriptor{CampaignID: campaignID, CallID: callID, ContactRef: "+15551230000", PromoteSeq: 1}
	if err := h.brk.Submit(ctx, campaignID, desc); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := h.brk.Claim(ctx, campaignID, "worker-1", time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return job
}

func TestWorker_Dispatch_SuccessfulDialUpgradesLeaseAndRecordsRinging(t *testing.T) {
	h, w := setupWorker(t, &stubProvider{result: telephony.CreateCallResult{ProviderCallID: "prov-1", Accepted: true}})
	ctx := context.Background()
	job := submitAndClaim(t, h, "camp-1", "call-1")

	w.dispatch(ctx, "camp-1", job)

	rec, err := h.calls.Get(ctx, "call-1")
	if err != nil {
		t.Fatalf("get call record: %v", err)
	}
	if rec.Status != model.CallRinging {
		t.Fatalf("expected ringing status, got %s", rec.Status)
	}
	if rec.ActiveToken == "" {
		t.Fatal("expected an active lease token after successful dial")
	}
}

func TestWorker_Dispatch_GateViolationIsRepairedWhenASlotIsFree(t *testing.T) {
	h, w := setupWorker(t, &stubProvider{result: telephony.CreateCallResult{ProviderCallID: "prov-1", Accepted: true}})
	ctx := context.Background()
	desc := model.JobDescriptor{CampaignID: "camp-1", CallID: "call-1", PromoteSeq: 0}
	if err := h.brk.Submit(ctx, "camp-1", desc); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := h.brk.Claim(ctx, "camp-1", "worker-1", time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	w.dispatch(ctx, "camp-1", job)

	rec, err := h.calls.Get(ctx, "call-1")
	if err != nil {
		t.Fatalf("expected a gate-violating job to be repaired and dialed, got: %v", err)
	}
	if rec.Status != model.CallRinging {
		t.Fatalf("expected ringing status after repair, got %s", rec.Status)
	}
}

func TestWorker_Dispatch_GateViolationHardSyncsAfterRepairRetriesExhausted(t *testing.T) {
	h, w := setupWorker(t, &stubProvider{result: telephony.CreateCallResult{ProviderCallID: "prov-1", Accepted: true}})
	ctx := context.Background()

	k := store.NewKeys("camp-1")
	if err := h.client.Raw().Set(ctx, k.Limit(), 1, 0).Err(); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	if _, ok, err := h.lm.AcquirePre(ctx, "camp-1", "other-call", 1); err != nil || !ok {
		t.Fatalf("occupy the only slot: ok=%v err=%v", ok, err)
	}

	desc := model.JobDescriptor{CampaignID: "camp-1", CallID: "call-1", PromoteSeq: 0}
	if err := h.brk.Submit(ctx, "camp-1", desc); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := h.brk.Claim(ctx, "camp-1", "worker-1", time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	w.dispatch(ctx, "camp-1", job)

	rec, err := h.calls.Get(ctx, "call-1")
	if err != nil {
		t.Fatalf("expected a hard-synced call record, got: %v", err)
	}
	if rec.Status != model.CallRinging {
		t.Fatalf("expected ringing status after hard sync, got %s", rec.Status)
	}
}

func TestWorker_Dispatch_DialFailureReleasesLeaseAndTripsBreaker(t *testing.T) {
	h, w := setupWorker(t, &stubProvider{err: errs.ErrTelephonyTransient})
	ctx := context.Background()
	job := submitAndClaim(t, h, "camp-1", "call-1")

	w.dispatch(ctx, "camp-1", job)

	rec, err := h.calls.Get(ctx, "call-1")
	if err != nil {
		t.Fatalf("get call record: %v", err)
	}
	if rec.Status != model.CallFailed {
		t.Fatalf("expected failed status, got %s", rec.Status)
	}

	released, err := h.lm.ForceRelease(ctx, "camp-1", "call-1")
	if err != nil {
		t.Fatalf("force release check: %v", err)
	}
	if released {
		t.Fatal("expected pre-dial lease already released after dial failure")
	}
}

func TestWorker_Dispatch_TerminalFailureDoesNotTripBreaker(t *testing.T) {
	h, w := setupWorker(t, &stubProvider{err: errs.ErrTelephonyTerminal})
	ctx := context.Background()
	job := submitAndClaim(t, h, "camp-1", "call-1")

	before, err := h.cb.BatchSize(ctx, "camp-1", 10)
	if err != nil {
		t.Fatalf("batch size before: %v", err)
	}

	w.dispatch(ctx, "camp-1", job)

	after, err := h.cb.BatchSize(ctx, "camp-1", 10)
	if err != nil {
		t.Fatalf("batch size after: %v", err)
	}
	if after != before {
		t.Fatalf("expected breaker state unaffected by terminal failure, before=%d after=%d", before, after)
	}
}

func TestWorker_Dispatch_ReplayOfAlreadyClaimedLedgerEntryAcksWithoutDialing(t *testing.T) {
	h, w := setupWorker(t, &stubProvider{result: telephony.CreateCallResult{Accepted: true}})
	ctx := context.Background()

	desc := model.JobDescriptor{CampaignID: "camp-1", CallID: "call-1", PromoteSeq: 1}
	if err := h.brk.Submit(ctx, "camp-1", desc); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := h.brk.Claim(ctx, "camp-1", "worker-1", time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	w.dispatch(ctx, "camp-1", job)

	_, err = h.calls.Get(ctx, "call-1")
	if err == nil {
		t.Fatal("expected no call record for a replayed job with nothing reserved")
	}
}

func TestWorker_Dispatch_SuccessfulUpgradeUnblocksColdStart(t *testing.T) {
	h, _ := setupWorker(t, &stubProvider{result: telephony.CreateCallResult{ProviderCallID: "prov-1", Accepted: true}})
	ctx := context.Background()

	cg := coldstart.New(h.client, h.calls, 10*time.Second, time.Hour, time.Hour, zerolog.Nop())
	if err := cg.Begin(ctx, "camp-1"); err != nil {
		t.Fatalf("begin cold start: %v", err)
	}

	w := New(h.brk, h.lm, h.lg, h.cb, h.calls, &stubProvider{result: telephony.CreateCallResult{ProviderCallID: "prov-1", Accepted: true}}, cg, Config{GateRepairBackoff: time.Millisecond}, zerolog.Nop())

	job := submitAndClaim(t, h, "camp-1", "call-1")
	w.dispatch(ctx, "camp-1", job)

	blocking, err := cg.IsBlocking(ctx, "camp-1")
	if err != nil {
		t.Fatalf("is blocking: %v", err)
	}
	if blocking {
		t.Fatal("expected a successful upgrade to unblock the cold-start guard")
	}
}

func TestWorker_Run_StopsCleanlyOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h, _ := setupWorker(t, &stubProvider{})
	w := New(h.brk, h.lm, h.lg, h.cb, h.calls, &stubProvider{}, nil, Config{ClaimWait: 10 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, "camp-1")
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
