package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/voxcampaign/dispatcher/internal/store"
)

func TestMemoryBus_PublishWakesSubscriber(t *testing.T) {
	b := NewMemoryBus()
	ch, cancel := b.Subscribe(context.Background(), "camp-1")
	defer cancel()

	if err := b.Publish(context.Background(), "camp-1"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case evt := <-ch:
		if evt.CampaignID != "camp-1" {
			t.Fatalf("expected campaign id camp-1, got %s", evt.CampaignID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for slot-available notification")
	}
}

func TestMemoryBus_PublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := NewMemoryBus()
	_, cancel := b.Subscribe(context.Background(), "camp-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			_ = b.Publish(context.Background(), "camp-1")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
}

func TestMemoryBus_CancelUnsubscribes(t *testing.T) {
	b := NewMemoryBus()
	ch, cancel := b.Subscribe(context.Background(), "camp-1")
	cancel()

	if err := b.Publish(context.Background(), "camp-1"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	_, open := <-ch
	if open {
		t.Fatal("expected channel to be closed after cancel")
	}
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := store.NewWithClient(rdb, zerolog.Nop())
	b := NewRedisBus(client, zerolog.Nop())

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	ch, cancel := b.Subscribe(ctx, "camp-1")
	defer cancel()

	// Give the subscription goroutine a moment to register with miniredis.
	time.Sleep(50 * time.Millisecond)

	if err := b.Publish(context.Background(), "camp-1"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case evt := <-ch:
		if evt.CampaignID != "camp-1" {
			t.Fatalf("expected campaign id camp-1, got %s", evt.CampaignID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for redis slot-available notification")
	}
}
