// Package broker implements the Dispatch Broker (spec §4.4): the durable
// work queue a promoted job travels through on its way to a Dispatch
// Worker. It is deliberately BullMQ-shaped (a pending list, a
// per-campaign in-flight list, delayed retries scored into a sorted set)
// so operators already running a Redis-backed job queue recognize the
// operational model, while staying a plain go-redis client rather than a
// dependency on the BullMQ protocol itself.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/voxcampaign/dispatcher/internal/campaign/model"
)

// ErrNoJob is returned by Claim when nothing is ready within the timeout.
var ErrNoJob = errors.New("broker: no job ready")

// Job is one claimed unit of work: the descriptor plus the receipt id the
// worker must present to Ack/Nack it.
type Job struct {
	ReceiptID string
	Descriptor model.JobDescriptor
}

// Broker is the interface the Promoter submits to and the Dispatch Worker
// consumes from.
type Broker interface {
	Submit(ctx context.Context, campaignID string, job model.JobDescriptor) error
	Claim(ctx context.Context, campaignID, consumerID string, wait time.Duration) (*Job, error)
	Ack(ctx context.Context, campaignID string, receiptID string) error
	Nack(ctx context.Context, campaignID string, receiptID string, delay time.Duration) error
	ReapStale(ctx context.Context, campaignID string, olderThan time.Duration) (int, error)
}

func pendingKey(campaignID string) string  { return "campaign:{" + campaignID + "}:broker:pending" }
func inflightKey(campaignID string) string { return "campaign:{" + campaignID + "}:broker:inflight" }
func delayedKey(campaignID string) string  { return "campaign:{" + campaignID + "}:broker:delayed" }
func jobKey(campaignID, receiptID string) string {
	return "campaign:{" + campaignID + "}:broker:job:" + receiptID
}

// RedisBroker is a Redis list + sorted-set implementation of Broker using
// the classic reliable-queue pattern: claim moves a payload from the
// pending list to a per-campaign in-flight list and records a receipt
// holding the claim time, and ReapStale requeues anything a crashed worker never Ack'd or Nack'd.
type RedisBroker struct {
	rdb *redis.Client
}

// NewRedisBroker constructs a RedisBroker over an existing client.
func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

// Submit enqueues a job descriptor for immediate delivery.
func (b *RedisBroker) Submit(ctx context.Context, campaignID string, job model.JobDescriptor) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("broker: encode job: %w", err)
	}
	return b.rdb.LPush(ctx, pendingKey(campaignID), payload).Err()
}

// Claim blocks up to wait for a job, promoting any delayed jobs whose delay
// has elapsed first.
func (b *RedisBroker) Claim(ctx context.Context, campaignID, consumerID string, wait time.Duration) (*Job, error) {
	if err := b.promoteDelayed(ctx, campaignID); err != nil {
		return nil, err
	}

	payload, err := b.rdb.BRPopLPush(ctx, pendingKey(campaignID), inflightKey(campaignID), wait).Result()
	if err == redis.Nil {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, err
	}

	var descriptor model.JobDescriptor
	if err := json.Unmarshal([]byte(payload), &descriptor); err != nil {
		// Drop the unparseable payload from in-flight rather than looping on
		// it forever; the Janitor's reconciliation pass will flag the gap.
		b.rdb.LRem(ctx, inflightKey(campaignID), 1, payload)
		return nil, fmt.Errorf("broker: decode job: %w", err)
	}

	receiptID := uuid.NewString()
	record := struct {
		Payload   string    `json:"payload"`
		ClaimedAt time.Time `json:"claimedAt"`
		Consumer  string    `json:"consumer"`
	}{Payload: payload, ClaimedAt: time.Now(), Consumer: consumerID}
	recBytes, _ := json.Marshal(record)
	if err := b.rdb.Set(ctx, jobKey(campaignID, receiptID), recBytes, 10*time.Minute).Err(); err != nil {
		return nil, err
	}

	return &Job{ReceiptID: receiptID, Descriptor: descriptor}, nil
}

// Ack finalizes a claimed job: removes it from in-flight and drops its
// receipt record.
func (b *RedisBroker) Ack(ctx context.Context, campaignID, receiptID string) error {
	payload, err := b.receiptPayload(ctx, campaignID, receiptID)
	if err != nil {
		return err
	}
	b.rdb.LRem(ctx, inflightKey(campaignID), 1, payload)
	return b.rdb.Del(ctx, jobKey(campaignID, receiptID)).Err()
}

// Nack removes a claimed job from in-flight and re-delivers it after delay
// (immediately, if delay <= 0).
func (b *RedisBroker) Nack(ctx context.Context, campaignID, receiptID string, delay time.Duration) error {
	payload, err := b.receiptPayload(ctx, campaignID, receiptID)
	if err != nil {
		return err
	}
	b.rdb.LRem(ctx, inflightKey(campaignID), 1, payload)
	b.rdb.Del(ctx, jobKey(campaignID, receiptID))

	if delay <= 0 {
		return b.rdb.LPush(ctx, pendingKey(campaignID), payload).Err()
	}
	return b.rdb.ZAdd(ctx, delayedKey(campaignID), redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: payload,
	}).Err()
}

// ReapStale requeues in-flight entries whose receipt record has expired
// (the worker that claimed them died without Ack/Nack) or vanished from the
// tracking store, which happens once the receipt TTL elapses uncollected.
func (b *RedisBroker) ReapStale(ctx context.Context, campaignID string, olderThan time.Duration) (int, error) {
	entries, err := b.rdb.LRange(ctx, inflightKey(campaignID), 0, -1).Result()
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, payload := range entries {
		// Receipts are keyed by id, not payload, so a crashed-worker sweep
		// walks in-flight and checks for any receipt whose claimedAt is
		// stale by scanning the small per-campaign keyspace. In practice the
		// count of in-flight entries for one campaign is bounded by its
		// concurrency limit, so a linear scan here is cheap.
		stale, err := b.isOrphaned(ctx, campaignID, payload, olderThan)
		if err != nil {
			continue
		}
		if stale {
			b.rdb.LRem(ctx, inflightKey(campaignID), 1, payload)
			if err := b.rdb.LPush(ctx, pendingKey(campaignID), payload).Err(); err == nil {
				reaped++
			}
		}
	}
	return reaped, nil
}

func (b *RedisBroker) isOrphaned(ctx context.Context, campaignID, payload string, olderThan time.Duration) (bool, error) {
	pattern := "campaign:{" + campaignID + "}:broker:job:*"
	iter := b.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		raw, err := b.rdb.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var record struct {
			Payload   string    `json:"payload"`
			ClaimedAt time.Time `json:"claimedAt"`
		}
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			continue
		}
		if record.Payload == payload {
			return time.Since(record.ClaimedAt) > olderThan, nil
		}
	}
	// No receipt found at all: either it already expired (TTL) or Ack/Nack
	// already ran. Either way nothing claims this in-flight entry anymore.
	return true, nil
}

func (b *RedisBroker) receiptPayload(ctx context.Context, campaignID, receiptID string) (string, error) {
	raw, err := b.rdb.Get(ctx, jobKey(campaignID, receiptID)).Result()
	if err != nil {
		return "", fmt.Errorf("broker: unknown receipt %s: %w", receiptID, err)
	}
	var record struct {
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return "", err
	}
	return record.Payload, nil
}

func (b *RedisBroker) promoteDelayed(ctx context.Context, campaignID string) error {
	now := float64(time.Now().UnixMilli())
	due, err := b.rdb.ZRangeByScore(ctx, delayedKey(campaignID), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return err
	}
	for _, payload := range due {
		if err := b.rdb.LPush(ctx, pendingKey(campaignID), payload).Err(); err != nil {
			continue
		}
		b.rdb.ZRem(ctx, delayedKey(campaignID), payload)
	}
	return nil
}
