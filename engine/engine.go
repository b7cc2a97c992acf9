/*
Package engine implements deduplication and tiered archival of routine history.

PURPOSE:
  Owns every mutation with real invariants on top of a record.Store:
  - Deduplicator:       merges replicated duplicates sharing a logical key
  - Transfer Engine:    deep-copies stale history hot -> archive, then purges hot
  - Freshness Policy:   keeps an in-progress session in the hot partition
  - Completion:         logs a finished exercise into the hot log family
  - Retention Pruner:   trims old history and the parents it orphans

UNIT OF WORK:
  Each public operation opens exactly one Store.WithTx. That call is its single
  commit point: the operation either commits everything or leaves the prior
  committed state untouched.

CONCURRENCY:
  Operations are serialized by a per-engine mutex. Replicated inserts arrive
  on other goroutines; they queue behind whatever dedup/transfer/completion
  is running so no two operations race on the same logical key.

CONFIGURATION:
  Partitions, clock and logger are passed in through Options. Nothing here
  reads globals except the Prometheus collectors in package observability.

FILES:
  engine.go      Engine, Options, partition validation, counts
  clock.go       Clock, SystemClock, FixedClock
  dedup.go       Logical keys per kind, dispatch table, post-insert hook
  transfer.go    Cross-partition deep copy and purge
  freshness.go   Freshness Policy
  completion.go  MarkDone, logCompletion, session helpers, live bootstrap
  retention.go   CleanLogRecords

SEE ALSO:
  - record/store.go: Store and Tx contracts
  - record/errors.go: Error taxonomy
*/
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/routine-engine/record"
)

// DefaultFreshnessThreshold is how long after the last completion a session
// is assumed to still be in progress.
const DefaultFreshnessThreshold = 24 * time.Hour

// Options configures an Engine. Zero values pick defaults.
type Options struct {
	Store   record.Store
	Clock   Clock
	Logger  *slog.Logger
	Archive record.Partition // defaults to record.PartitionArchive

	FreshnessThreshold time.Duration
}

// Engine serializes dedup, transfer, completion and retention on one store.
type Engine struct {
	mu sync.Mutex

	store     record.Store
	clock     Clock
	log       *slog.Logger
	hot       record.Partition
	archive   record.Partition
	threshold time.Duration

	dedupers map[record.Kind]resolveFunc
}

// New validates the hot partition and builds an engine.
// The archive partition is only checked by the operations that need it.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Archive == "" {
		opts.Archive = record.PartitionArchive
	}
	if opts.FreshnessThreshold <= 0 {
		opts.FreshnessThreshold = DefaultFreshnessThreshold
	}

	if !record.HasPartition(opts.Store, record.PartitionHot) {
		return nil, &record.PartitionError{Partition: record.PartitionHot, Reason: "is not addressable by the store"}
	}
	if opts.Archive == record.PartitionHot {
		return nil, &record.PartitionError{Partition: opts.Archive, Reason: "is also the hot partition"}
	}

	return &Engine{
		store:     opts.Store,
		clock:     opts.Clock,
		log:       opts.Logger.With("component", "engine"),
		hot:       record.PartitionHot,
		archive:   opts.Archive,
		threshold: opts.FreshnessThreshold,
		dedupers:  dedupTable(),
	}, nil
}

// Hot returns the partition holding live records and recent history.
func (e *Engine) Hot() record.Partition { return e.hot }

// Archive returns the long-term history partition.
func (e *Engine) Archive() record.Partition { return e.archive }

// Now reads the engine clock.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// FreshnessThreshold returns the configured freshness window.
func (e *Engine) FreshnessThreshold() time.Duration { return e.threshold }

// checkPartition rejects partitions the store cannot address.
func (e *Engine) checkPartition(p record.Partition) error {
	if !record.HasPartition(e.store, p) {
		return &record.PartitionError{Partition: p, Reason: "is not addressable by the store"}
	}
	return nil
}

// logPartitions lists every partition log records may reside in, hot first.
func (e *Engine) logPartitions() []record.Partition {
	out := []record.Partition{e.hot}
	for _, p := range e.store.Partitions() {
		if p != e.hot {
			out = append(out, p)
		}
	}
	return out
}

// Counts returns the number of records per kind in p.
// Live kinds are included for the hot partition only.
func (e *Engine) Counts(ctx context.Context, p record.Partition) (map[record.Kind]int, error) {
	if err := e.checkPartition(p); err != nil {
		return nil, err
	}

	kinds := record.LogKinds
	if p == e.hot {
		kinds = append(append([]record.Kind{}, record.LiveKinds...), record.LogKinds...)
	}

	counts := make(map[record.Kind]int, len(kinds))
	err := e.store.WithTx(ctx, func(tx record.Tx) error {
		for _, kind := range kinds {
			n, err := tx.Count(ctx, p, kind)
			if err != nil {
				return err
			}
			counts[kind] = n
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", p, err)
	}
	return counts, nil
}
