package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/routine-engine/observability"
	"github.com/warp/routine-engine/record"
)

// =============================================================================
// RETENTION PRUNER
// =============================================================================
//
// Per log partition, in this order:
//   1. ZExerciseRun with CompletedAt before keepSince
//   2. ZExercise with no ZExerciseRun left
//   3. ZRoutineRun with StartedAt before keepSince (cascades its exercise runs)
//   4. ZRoutine with no ZRoutineRun left
// Parents are never deleted by age, only by becoming childless. Exercises
// whose last runs were cascaded away in step 3 are swept on the next pass.

// PruneReport counts deleted records per kind, summed over partitions.
type PruneReport struct {
	KeepSince  time.Time
	Partitions []record.Partition
	Deleted    map[record.Kind]int
}

// CleanLogRecords prunes history older than keepSince from every log partition
// in one unit of work.
func (e *Engine) CleanLogRecords(ctx context.Context, keepSince time.Time) (PruneReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	partitions := e.logPartitions()
	perPartition := make(map[record.Partition]map[record.Kind]int, len(partitions))

	err := e.store.WithTx(ctx, func(tx record.Tx) error {
		for _, p := range partitions {
			deleted, err := prunePartition(ctx, tx, p, keepSince)
			if err != nil {
				return fmt.Errorf("prune %s: %w", p, err)
			}
			perPartition[p] = deleted
		}
		return nil
	})
	if err != nil {
		return PruneReport{}, err
	}

	report := PruneReport{
		KeepSince:  keepSince,
		Partitions: partitions,
		Deleted:    make(map[record.Kind]int),
	}
	for p, deleted := range perPartition {
		observability.RecordPruned(p, deleted)
		for kind, n := range deleted {
			report.Deleted[kind] += n
		}
	}
	e.log.Info("log records pruned", "keepSince", keepSince, "deleted", report.Deleted)
	return report, nil
}

// CleanOlderThan prunes history older than retention, measured from the engine clock.
func (e *Engine) CleanOlderThan(ctx context.Context, retention time.Duration) (PruneReport, error) {
	return e.CleanLogRecords(ctx, e.clock.Now().Add(-retention))
}

func prunePartition(ctx context.Context, tx record.Tx, p record.Partition, keepSince time.Time) (map[record.Kind]int, error) {
	deleted := make(map[record.Kind]int)

	n, err := tx.DeleteZExerciseRunsBefore(ctx, p, keepSince)
	if err != nil {
		return nil, err
	}
	deleted[record.KindZExerciseRun] = n

	n, err = tx.DeleteChildlessZExercises(ctx, p)
	if err != nil {
		return nil, err
	}
	deleted[record.KindZExercise] = n

	n, err = tx.DeleteZRoutineRunsBefore(ctx, p, keepSince)
	if err != nil {
		return nil, err
	}
	deleted[record.KindZRoutineRun] = n

	n, err = tx.DeleteChildlessZRoutines(ctx, p)
	if err != nil {
		return nil, err
	}
	deleted[record.KindZRoutine] = n

	return deleted, nil
}
