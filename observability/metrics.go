// Package observability exposes Prometheus metrics for the routine engine.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/warp/routine-engine/record"
)

var (
	mergedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "routine_engine",
		Subsystem: "dedup",
		Name:      "records_merged_total",
		Help:      "Duplicate records deleted after their children were reparented onto a survivor.",
	}, []string{"kind", "partition"})

	dedupErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "routine_engine",
		Subsystem: "dedup",
		Name:      "hook_errors_total",
		Help:      "Post-insert deduplications that failed and were skipped.",
	}, []string{"kind"})

	copiedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "routine_engine",
		Subsystem: "transfer",
		Name:      "records_copied_total",
		Help:      "Log records copied from the hot partition to the archive partition.",
	}, []string{"kind"})

	purgedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "routine_engine",
		Subsystem: "transfer",
		Name:      "records_purged_total",
		Help:      "Log records deleted from the hot partition after a verified copy.",
	}, []string{"kind"})

	freshSkipCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "routine_engine",
		Subsystem: "transfer",
		Name:      "fresh_routines_skipped_total",
		Help:      "Routines left in the hot partition because a session may still be active.",
	})

	prunedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "routine_engine",
		Subsystem: "retention",
		Name:      "records_pruned_total",
		Help:      "Log records deleted by the retention pruner.",
	}, []string{"kind", "partition"})

	completionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "routine_engine",
		Subsystem: "completion",
		Name:      "exercises_completed_total",
		Help:      "Exercises marked done, by whether history was logged.",
	}, []string{"logged"})

	lastTransferGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "routine_engine",
		Subsystem: "transfer",
		Name:      "last_transfer_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful transfer to archive.",
	})
)

func init() {
	prometheus.MustRegister(
		mergedCounter,
		dedupErrorCounter,
		copiedCounter,
		purgedCounter,
		freshSkipCounter,
		prunedCounter,
		completionCounter,
		lastTransferGauge,
	)
}

// RecordMerged counts losers removed by one deduplication.
func RecordMerged(kind record.Kind, p record.Partition, n int) {
	if n <= 0 {
		return
	}
	mergedCounter.WithLabelValues(kind.String(), p.String()).Add(float64(n))
}

func RecordDedupError(kind record.Kind) {
	dedupErrorCounter.WithLabelValues(kind.String()).Inc()
}

// RecordTransfer folds a finished transfer into the counters.
func RecordTransfer(copied, purged map[record.Kind]int, skippedFresh int, at time.Time) {
	for kind, n := range copied {
		copiedCounter.WithLabelValues(kind.String()).Add(float64(n))
	}
	for kind, n := range purged {
		purgedCounter.WithLabelValues(kind.String()).Add(float64(n))
	}
	freshSkipCounter.Add(float64(skippedFresh))
	if !at.IsZero() {
		lastTransferGauge.Set(float64(at.Unix()))
	}
}

func RecordPruned(p record.Partition, deleted map[record.Kind]int) {
	for kind, n := range deleted {
		prunedCounter.WithLabelValues(kind.String(), p.String()).Add(float64(n))
	}
}

func RecordCompletion(logged bool) {
	label := "false"
	if logged {
		label = "true"
	}
	completionCounter.WithLabelValues(label).Inc()
}
