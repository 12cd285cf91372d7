package janitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/voxcampaign/dispatcher/internal/campaign/broker"
	"github.com/voxcampaign/dispatcher/internal/campaign/callstore"
	"github.com/voxcampaign/dispatcher/internal/campaign/coldstart"
	"github.com/voxcampaign/dispatcher/internal/campaign/ledger"
	"github.com/voxcampaign/dispatcher/internal/campaign/lease"
	"github.com/voxcampaign/dispatcher/internal/campaign/model"
	"github.com/voxcampaign/dispatcher/internal/store"
)

func setupJanitor(t *testing.T, cfg Config, campaignIDs []string) (*miniredis.Miniredis, *store.Client, *Janitor) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := store.NewWithClient(rdb, zerolog.Nop())
	l := ledger.New(client)
	b := broker.NewRedisBroker(rdb)

	j := New(client, l, b, nil, cfg, func() []string { return campaignIDs }, zerolog.Nop())
	return mr, client, j
}

func TestJanitor_SweepOnce_ReapsOrphanedLedgerEntries(t *testing.T) {
	mr, client, j := setupJanitor(t, Config{OrphanLedgerAfter: time.Minute}, []string{"camp-1"})
	defer mr.Close()
	ctx := context.Background()
	k := store.NewKeys("camp-1")

	staleScore := float64(time.Now().Add(-2 * time.Minute).UnixMilli())
	if err := client.Raw().ZAdd(ctx, k.ReservedLedger(), redis.Z{Score: staleScore, Member: "H:stale-job"}).Err(); err != nil {
		t.Fatalf("seed stale ledger entry: %v", err)
	}
	if err := client.Raw().Set(ctx, k.Reserved(), 1, 0).Err(); err != nil {
		t.Fatalf("seed reserved: %v", err)
	}

	j.SweepOnce(ctx)

	card, err := client.Raw().ZCard(ctx, k.ReservedLedger()).Result()
	if err != nil {
		t.Fatalf("zcard failed: %v", err)
	}
	if card != 0 {
		t.Fatalf("expected stale ledger entry reaped, %d remain", card)
	}

	reserved, err := client.Raw().Get(ctx, k.Reserved()).Int()
	if err != nil {
		t.Fatalf("get reserved: %v", err)
	}
	if reserved != 0 {
		t.Fatalf("expected reserved credited back to 0, got %d", reserved)
	}
}

func TestJanitor_SweepOnce_LeavesFreshLedgerEntriesAlone(t *testing.T) {
	mr, client, j := setupJanitor(t, Config{OrphanLedgerAfter: time.Hour}, []string{"camp-1"})
	defer mr.Close()
	ctx := context.Background()
	k := store.NewKeys("camp-1")

	freshScore := float64(time.Now().UnixMilli())
	if err := client.Raw().ZAdd(ctx, k.ReservedLedger(), redis.Z{Score: freshScore, Member: "H:fresh-job"}).Err(); err != nil {
		t.Fatalf("seed fresh ledger entry: %v", err)
	}

	j.SweepOnce(ctx)

	card, err := client.Raw().ZCard(ctx, k.ReservedLedger()).Result()
	if err != nil {
		t.Fatalf("zcard failed: %v", err)
	}
	if card != 1 {
		t.Fatalf("expected fresh ledger entry untouched, got %d remaining", card)
	}
}

func TestJanitor_SweepOnce_RequeuesStaleInFlightBrokerEntries(t *testing.T) {
	mr, _, j := setupJanitor(t, Config{StaleInFlightAfter: -time.Second}, []string{"camp-1"})
	defer mr.Close()
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := broker.NewRedisBroker(rdb)
	if err := b.Submit(ctx, "camp-1", model.JobDescriptor{CampaignID: "camp-1", CallID: "call-1"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := b.Claim(ctx, "camp-1", "worker-1", time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}

	j.SweepOnce(ctx)

	reclaimed, err := b.Claim(ctx, "camp-1", "worker-2", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("expected stale in-flight job requeued by sweep: %v", err)
	}
	if reclaimed.Descriptor.CallID != "call-1" {
		t.Fatalf("expected call-1 requeued, got %s", reclaimed.Descriptor.CallID)
	}
}

func TestJanitor_SweepOnce_MultipleCampaigns(t *testing.T) {
	mr, client, j := setupJanitor(t, Config{OrphanLedgerAfter: time.Minute}, []string{"camp-1", "camp-2"})
	defer mr.Close()
	ctx := context.Background()

	staleScore := float64(time.Now().Add(-2 * time.Minute).UnixMilli())
	for _, id := range []string{"camp-1", "camp-2"} {
		k := store.NewKeys(id)
		if err := client.Raw().ZAdd(ctx, k.ReservedLedger(), redis.Z{Score: staleScore, Member: "H:stale"}).Err(); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
		if err := client.Raw().Set(ctx, k.Reserved(), 1, 0).Err(); err != nil {
			t.Fatalf("seed reserved %s: %v", id, err)
		}
	}

	j.SweepOnce(ctx)

	for _, id := range []string{"camp-1", "camp-2"} {
		k := store.NewKeys(id)
		card, err := client.Raw().ZCard(ctx, k.ReservedLedger()).Result()
		if err != nil {
			t.Fatalf("zcard %s: %v", id, err)
		}
		if card != 0 {
			t.Fatalf("expected %s ledger reaped, got %d remaining", id, card)
		}
	}
}

// TestJanitor_SweepOnce_ReapsExpiredPreDialLease reproduces Concrete
// Scenario 3 (pre-dial crash): a worker acquires a pre-dial lease and then
// crashes before renewing or upgrading it. Once the lease's proof-of-holding
// key expires, the member it SADD'd into the leases set is left behind
// until the sweep removes it.
func TestJanitor_SweepOnce_ReapsExpiredPreDialLease(t *testing.T) {
	mr, client, j := setupJanitor(t, Config{}, []string{"camp-1"})
	defer mr.Close()
	ctx := context.Background()

	lm := lease.New(client, lease.Config{PreDialTTL: 20 * time.Millisecond, PreDialTTLMax: time.Minute, ActiveTTL: time.Hour})
	if _, ok, err := lm.AcquirePre(ctx, "camp-1", "call-crashed", 1); err != nil || !ok {
		t.Fatalf("acquire pre failed: ok=%v err=%v", ok, err)
	}

	k := store.NewKeys("camp-1")
	if card, err := client.Raw().SCard(ctx, k.Leases()).Result(); err != nil || card != 1 {
		t.Fatalf("expected 1 lease held before crash, got %d err=%v", card, err)
	}

	mr.FastForward(30 * time.Millisecond)

	j.SweepOnce(ctx)

	card, err := client.Raw().SCard(ctx, k.Leases()).Result()
	if err != nil {
		t.Fatalf("scard failed: %v", err)
	}
	if card != 0 {
		t.Fatalf("expected the crashed pre-dial lease reclaimed, %d remain", card)
	}

	// The slot is free again: a second call can now acquire it within limit.
	if _, ok, err := lm.AcquirePre(ctx, "camp-1", "call-retry", 1); err != nil || !ok {
		t.Fatalf("expected slot reclaimed after sweep, ok=%v err=%v", ok, err)
	}
}

func TestJanitor_SweepOnce_LeavesLiveLeasesAlone(t *testing.T) {
	mr, client, j := setupJanitor(t, Config{}, []string{"camp-1"})
	defer mr.Close()
	ctx := context.Background()

	lm := lease.New(client, lease.Config{PreDialTTL: time.Minute, PreDialTTLMax: time.Hour, ActiveTTL: time.Hour})
	if _, ok, err := lm.AcquirePre(ctx, "camp-1", "call-live", 1); err != nil || !ok {
		t.Fatalf("acquire pre failed: ok=%v err=%v", ok, err)
	}

	j.SweepOnce(ctx)

	k := store.NewKeys("camp-1")
	card, err := client.Raw().SCard(ctx, k.Leases()).Result()
	if err != nil {
		t.Fatalf("scard failed: %v", err)
	}
	if card != 1 {
		t.Fatalf("expected the live lease untouched, got %d", card)
	}
}

func TestJanitor_SweepOnce_SweepsColdStartGrace(t *testing.T) {
	mr, client, j := setupJanitor(t, Config{}, []string{"camp-1"})
	defer mr.Close()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "calls.db")
	calls, err := callstore.Open(dbPath)
	if err != nil {
		t.Fatalf("open callstore: %v", err)
	}
	defer calls.Close()
	if err := calls.Insert(ctx, model.CallRecord{CallID: "call-1", CampaignID: "camp-1", ContactRef: "c1", Status: model.CallInProgress}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	cg := coldstart.New(client, calls, time.Minute, time.Hour, 20*time.Millisecond, zerolog.Nop())
	if _, err := cg.Reconcile(ctx, "camp-1"); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	j.coldGuard = cg

	time.Sleep(40 * time.Millisecond)
	j.SweepOnce(ctx)

	blocking, err := cg.IsBlocking(ctx, "camp-1")
	if err != nil {
		t.Fatalf("is blocking failed: %v", err)
	}
	if blocking {
		t.Fatal("expected the janitor's sweep to unblock the campaign once the grace window elapsed")
	}
}

func TestJanitor_Run_StopsCleanlyOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mr, _, j := setupJanitor(t, Config{Interval: 10 * time.Millisecond}, []string{"camp-1"})
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
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
