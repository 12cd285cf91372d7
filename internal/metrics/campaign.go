// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promoterConflict = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_promoter_conflict_total",
		Help: "Promoter gate acquisition attempts that lost to a concurrent pass",
	}, []string{"campaign_id"})

	duplicateEnqueue = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_duplicate_enqueue_total",
		Help: "Waitlist enqueue calls rejected as a duplicate jobId",
	}, []string{"campaign_id"})

	gateViolation = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_gate_violation_total",
		Help: "Jobs dispatched without a promoteSeq, detected as a gate violation",
	}, []string{"campaign_id"})

	gateHardSync = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_gate_hard_sync_total",
		Help: "Gate-violation jobs admitted by an unconditional hard sync after repair retries were exhausted",
	}, []string{"campaign_id"})

	orphanedReservationsRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_orphaned_reservations_recovered_total",
		Help: "Reservation ledger entries reclaimed by the Lease Janitor",
	}, []string{"campaign_id"})

	expiredLeasesReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_expired_leases_reaped_total",
		Help: "Leases-set members removed by the Lease Janitor after their proof-of-holding key expired",
	}, []string{"campaign_id"})

	gateRepaired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_gate_repaired_total",
		Help: "Gate-violation jobs admitted via a repair acquire-pre instead of a hard sync",
	}, []string{"campaign_id"})

	waitlistRebuilt = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_broker_waitlist_rebuilt_total",
		Help: "Broker in-flight entries requeued after a stale-consumer sweep",
	}, []string{"campaign_id"})

	leasesActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatcher_leases_active",
		Help: "Current count of held leases (pre-dial and active) for a campaign",
	}, []string{"campaign_id"})

	reservedGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatcher_reserved",
		Help: "Current reserved-but-unclaimed slot count for a campaign",
	}, []string{"campaign_id"})

	waitlistDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatcher_waitlist_depth",
		Help: "Current waitlist length for a campaign by priority class",
	}, []string{"campaign_id", "priority"})

	promotePassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatcher_promote_pass_duration_seconds",
		Help:    "Wall-clock duration of one Promoter pass",
		Buckets: prometheus.DefBuckets,
	}, []string{"campaign_id"})
)

// RecordPromoterConflict increments the lost-gate-race counter.
func RecordPromoterConflict(campaignID string) { promoterConflict.WithLabelValues(campaignID).Inc() }

// RecordDuplicateEnqueue increments the duplicate-jobId counter.
func RecordDuplicateEnqueue(campaignID string) { duplicateEnqueue.WithLabelValues(campaignID).Inc() }

// RecordGateViolation increments the missing-promoteSeq counter. This fires
// for every job dispatched without a promoteSeq, whether it is ultimately
// repaired or hard-synced.
func RecordGateViolation(campaignID string) { gateViolation.WithLabelValues(campaignID).Inc() }

// RecordGateRepaired increments the counter for gate violations resolved by
// a repair acquire-pre rather than a hard sync.
func RecordGateRepaired(campaignID string) { gateRepaired.WithLabelValues(campaignID).Inc() }

// RecordGateHardSync increments the counter for gate violations admitted by
// an unconditional hard sync after repair retries were exhausted.
func RecordGateHardSync(campaignID string) { gateHardSync.WithLabelValues(campaignID).Inc() }

// RecordOrphanedReservationsRecovered adds n to the Janitor's reclaim counter.
func RecordOrphanedReservationsRecovered(campaignID string, n int) {
	orphanedReservationsRecovered.WithLabelValues(campaignID).Add(float64(n))
}

// RecordExpiredLeasesReaped adds n to the Janitor's expired-lease reclaim
// counter.
func RecordExpiredLeasesReaped(campaignID string, n int) {
	expiredLeasesReaped.WithLabelValues(campaignID).Add(float64(n))
}

// RecordWaitlistRebuilt adds n to the broker stale-requeue counter.
func RecordWaitlistRebuilt(campaignID string, n int) {
	waitlistRebuilt.WithLabelValues(campaignID).Add(float64(n))
}

// SetLeasesActive sets the current held-lease gauge for a campaign.
func SetLeasesActive(campaignID string, n int) { leasesActive.WithLabelValues(campaignID).Set(float64(n)) }

// SetReserved sets the current reserved-slot gauge for a campaign.
func SetReserved(campaignID string, n int) { reservedGauge.WithLabelValues(campaignID).Set(float64(n)) }

// SetWaitlistDepth sets the current waitlist length gauge for a campaign
// and priority class.
func SetWaitlistDepth(campaignID, priority string, n int) {
	waitlistDepth.WithLabelValues(campaignID, priority).Set(float64(n))
}

// ObservePromotePassDuration records one Promoter pass's wall-clock duration.
func ObservePromotePassDuration(campaignID string, seconds float64) {
	promotePassDuration.WithLabelValues(campaignID).Observe(seconds)
}
