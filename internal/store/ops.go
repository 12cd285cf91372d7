// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Enqueue pushes a waitlist item onto the named list (high or normal,
// caller's choice) unless jobID was already seen for this campaign.
// Returns false for a duplicate enqueue.
func (c *Client) Enqueue(ctx context.Context, k Keys, list, jobID string, payload []byte) (bool, error) {
	res, err := c.enqueue.Run(ctx, c.rdb, []string{list, k.WaitlistSeen()}, jobID, string(payload)).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// PushBackHead re-queues a raw waitlist payload at the head of a list, used
// to restore reserve_promote's malformed-item pushback and the Promoter's
// own broker-submission failures to where they were popped from.
func (c *Client) PushBackHead(ctx context.Context, list string, payload string) error {
	return c.rdb.LPush(ctx, list, payload).Err()
}

// AcquirePre runs the acquire-pre script: admits a pre-dial lease iff a slot
// is free, seeding the limit key on first use. Returns ("", false) when no
// slot is free.
func (c *Client) AcquirePre(ctx context.Context, k Keys, callID, token string, defaultLimit int, ttl time.Duration) (string, bool, error) {
	member := PreMember(callID)
	res, err := c.acquirePre.Run(ctx, c.rdb, []string{k.Leases(), k.Limit(), k.Reserved(), k.Lease(member)},
		member, defaultLimit, token, ttl.Milliseconds()).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	tok, ok := res.(string)
	if !ok || tok == "" {
		return "", false, nil
	}
	return tok, true, nil
}

// AcquirePreForced admits a pre-dial lease unconditionally, skipping the
// card+reserved>=limit guard acquire-pre enforces. It performs the same two
// writes acquire_pre.lua does (SADD the member, SET its proof key with a
// TTL) as plain, non-atomic commands, because this path exists precisely
// for the case where the normal gated admission has already failed and the
// caller has decided to override it. Janitor/Worker gate-violation repair
// only: never call this from the Promoter or a normal dispatch path.
func (c *Client) AcquirePreForced(ctx context.Context, k Keys, callID, token string, ttl time.Duration) error {
	member := PreMember(callID)
	if err := c.rdb.SAdd(ctx, k.Leases(), member).Err(); err != nil {
		return err
	}
	return c.rdb.Set(ctx, k.Lease(member), token, ttl).Err()
}

// Upgrade runs the upgrade script: promotes a pre-dial lease to active.
func (c *Client) Upgrade(ctx context.Context, k Keys, callID, preToken, activeToken string, ttl time.Duration) (string, bool, error) {
	res, err := c.upgrade.Run(ctx, c.rdb, []string{k.Leases(), k.Lease(PreMember(callID)), k.Lease(callID)},
		PreMember(callID), callID, preToken, activeToken, ttl.Milliseconds()).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	tok, ok := res.(string)
	if !ok || tok == "" {
		return "", false, nil
	}
	return tok, true, nil
}

// ReleasePreDial releases the pre-dial member. An empty token forces the
// release unconditionally.
func (c *Client) ReleasePreDial(ctx context.Context, k Keys, callID, token string) (bool, error) {
	return c.releaseMember(ctx, k, PreMember(callID), token)
}

// ReleaseActive releases the active member. An empty token forces the
// release unconditionally.
func (c *Client) ReleaseActive(ctx context.Context, k Keys, callID, token string) (bool, error) {
	return c.releaseMember(ctx, k, callID, token)
}

func (c *Client) releaseMember(ctx context.Context, k Keys, member, token string) (bool, error) {
	res, err := c.release.Run(ctx, c.rdb, []string{k.Leases(), k.Lease(member)}, member, token).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// ReleaseForce is the tokenless backstop: tries the active member, then the
// pre-dial member.
func (c *Client) ReleaseForce(ctx context.Context, k Keys, callID string) (bool, error) {
	res, err := c.releaseForce.Run(ctx, c.rdb, []string{k.Leases(), k.Lease(callID), k.Lease(PreMember(callID))},
		callID, PreMember(callID)).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Renew extends an active (or cold-start recovered) lease's TTL.
func (c *Client) Renew(ctx context.Context, k Keys, member, token string, ttl time.Duration) (bool, error) {
	res, err := c.renew.Run(ctx, c.rdb, []string{k.Lease(member), k.ColdStart()},
		token, ttl.Milliseconds(), RecoveredSentinel, ColdStartBlocking).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// RenewPreDialCapped extends a pre-dial lease's TTL but never past the hard
// cap deadline recorded at acquisition time.
func (c *Client) RenewPreDialCapped(ctx context.Context, k Keys, callID, token string, ttl time.Duration, now time.Time) (bool, error) {
	member := PreMember(callID)
	res, err := c.renewPreCapped.Run(ctx, c.rdb, []string{k.Lease(member), k.LeaseCap(member)},
		token, ttl.Milliseconds(), now.UnixMilli()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// SetPreDialCap records the absolute deadline (now+preDialTTLMax) a pre-dial
// lease may be renewed up to. Called once, right after AcquirePre succeeds.
func (c *Client) SetPreDialCap(ctx context.Context, k Keys, callID string, deadline time.Time, ttl time.Duration) error {
	return c.rdb.Set(ctx, k.LeaseCap(PreMember(callID)), deadline.UnixMilli(), ttl).Err()
}

// LedgerClaim removes a job's reservation-ledger entry and credits
// `reserved` back. Returns the number of entries removed (0 means replay).
func (c *Client) LedgerClaim(ctx context.Context, k Keys, jobID string) (int, error) {
	res, err := c.ledgerClaim.Run(ctx, c.rdb, []string{k.ReservedLedger(), k.Reserved()}, jobID).Int64()
	if err != nil {
		return 0, err
	}
	return int(res), nil
}

// LedgerDecr unconditionally decrements `reserved`, clamped at zero. Janitor
// only, used after reaping an orphaned ledger entry.
func (c *Client) LedgerDecr(ctx context.Context, k Keys, n int) (int, error) {
	res, err := c.ledgerDecr.Run(ctx, c.rdb, []string{k.Reserved()}, n).Int64()
	if err != nil {
		return 0, err
	}
	return int(res), nil
}

// PromotedItem is one admitted waitlist entry.
type PromotedItem struct {
	JobID string          `json:"jobId"`
	Seq   int64           `json:"seq"`
	Item  json.RawMessage `json:"item"`
}

// ReservePromoteResult is the decoded return of the reserve_promote script.
type ReservePromoteResult struct {
	Count            int
	Promoted         []PromotedItem
	PushBack         []string
	AdmittedHigh     int
	AdmittedNormal   int
}

// ReservePromote runs the reserve_promote script: pops a weighted-fair
// interleave of waitlist items up to free_slots, reserving each.
func (c *Client) ReservePromote(ctx context.Context, k Keys, maxBatch, fairnessHigh, fairnessNormal int, now time.Time) (ReservePromoteResult, error) {
	raw, err := c.reservePromote.Run(ctx, c.rdb, []string{
		k.Limit(), k.Leases(), k.Reserved(), k.WaitlistHigh(), k.WaitlistNormal(),
		k.ReservedLedger(), k.Fairness(), k.PromoteGateSeq(),
	}, maxBatch, fairnessHigh, fairnessNormal, now.UnixMilli()).Slice()
	if err != nil {
		return ReservePromoteResult{}, err
	}

	var out ReservePromoteResult
	if len(raw) > 0 {
		if n, ok := raw[0].(int64); ok {
			out.Count = int(n)
		}
	}
	if len(raw) > 1 {
		if items, ok := raw[1].([]interface{}); ok {
			for _, it := range items {
				s, _ := it.(string)
				var pi PromotedItem
				if err := json.Unmarshal([]byte(s), &pi); err == nil {
					out.Promoted = append(out.Promoted, pi)
				}
			}
		}
	}
	if len(raw) > 2 {
		if items, ok := raw[2].([]interface{}); ok {
			for _, it := range items {
				if s, ok := it.(string); ok {
					out.PushBack = append(out.PushBack, s)
				}
			}
		}
	}
	if len(raw) > 3 {
		if counts, ok := raw[3].([]interface{}); ok && len(counts) == 2 {
			if h, ok := counts[0].(int64); ok {
				out.AdmittedHigh = int(h)
			}
			if n, ok := counts[1].(int64); ok {
				out.AdmittedNormal = int(n)
			}
		}
	}
	return out, nil
}
