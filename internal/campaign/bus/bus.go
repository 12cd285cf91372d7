// Package bus implements the slot-available notification used to wake a
// sleeping Promoter the moment a lease releases, instead of waiting for its
// next poll tick. It mirrors the teacher's in-process pipeline event bus
// (fan-out over buffered channels, non-blocking publish) but adds a
// Redis-backed implementation so the signal crosses process boundaries in a
// multi-worker deployment.
package bus

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/voxcampaign/dispatcher/internal/store"
)

// SlotAvailable carries no payload; campaignID identifies which campaign's
// Promoter should wake.
type SlotAvailable struct {
	CampaignID string
}

// Bus publishes and subscribes to slot-available notifications.
type Bus interface {
	Publish(ctx context.Context, campaignID string) error
	Subscribe(ctx context.Context, campaignID string) (<-chan SlotAvailable, func())
}

// MemoryBus fans a publish out to every current subscriber's buffered
// channel without blocking; a full subscriber channel drops the
// notification rather than stalling the publisher, since a dropped wakeup
// just means the next poll tick catches the freed slot instead.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string][]chan SlotAvailable
}

// NewMemoryBus constructs an in-process Bus, suitable for a single-process
// deployment or tests.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan SlotAvailable)}
}

func (b *MemoryBus) Publish(_ context.Context, campaignID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[campaignID] {
		select {
		case ch <- SlotAvailable{CampaignID: campaignID}:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, campaignID string) (<-chan SlotAvailable, func()) {
	ch := make(chan SlotAvailable, 8)
	b.mu.Lock()
	b.subs[campaignID] = append(b.subs[campaignID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[campaignID]
		for i, c := range list {
			if c == ch {
				b.subs[campaignID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, cancel
}

// RedisBus publishes over the coordination store's pub/sub channel so every
// Promoter process for a campaign, not just the one that freed the slot,
// wakes up.
type RedisBus struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewRedisBus constructs a Bus backed by the coordination store's Redis
// connection.
func NewRedisBus(s *store.Client, logger zerolog.Logger) *RedisBus {
	return &RedisBus{rdb: s.Raw(), log: logger}
}

func (b *RedisBus) Publish(ctx context.Context, campaignID string) error {
	k := store.NewKeys(campaignID)
	return b.rdb.Publish(ctx, k.SlotAvailableChannel(), "1").Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, campaignID string) (<-chan SlotAvailable, func()) {
	k := store.NewKeys(campaignID)
	ps := b.rdb.Subscribe(ctx, k.SlotAvailableChannel())
	out := make(chan SlotAvailable, 8)

	go func() {
		defer close(out)
		ch := ps.Channel()
		for range ch {
			select {
			case out <- SlotAvailable{CampaignID: campaignID}:
			default:
			}
		}
	}()

	cancel := func() {
		if err := ps.Close(); err != nil {
			b.log.Debug().Err(err).Msg("slot-available subscription close")
		}
	}
	return out, cancel
}
