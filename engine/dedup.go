package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/warp/routine-engine/observability"
	"github.com/warp/routine-engine/record"
)

// =============================================================================
// LOGICAL-KEY DEDUPLICATOR
// =============================================================================
//
// Every kind has a logical key and at most one direct child collection per
// parent edge:
//
//   Kind          Logical key                                  Children moved
//   Routine       routine archive ID                           exercises
//   Exercise      exercise archive ID                          -
//   ZRoutine      routine archive ID                           zExercises, zRoutineRuns
//   ZExercise     (routine archive ID, exercise archive ID)    zExerciseRuns (exercise edge)
//   ZRoutineRun   (routine archive ID, startedAt)              zExerciseRuns (run edge)
//   ZExerciseRun  (exercise archive ID, completedAt)           -
//
// Matches are ordered by (CreatedAt, ID). The first is the survivor; each
// loser hands its children to the survivor and is deleted. Children are
// never deduplicated here: they get their own pass when they are inserted.

// Insert is one replicated insert as reported by the sync layer.
type Insert struct {
	Kind      record.Kind
	ID        record.RecordID
	Partition record.Partition
}

// DedupResult summarizes the consolidation of one logical key.
type DedupResult struct {
	Kind       record.Kind
	Key        string
	Survivor   record.RecordID // in the insert's partition
	Merged     int             // losers deleted, all partitions
	Reparented int             // children moved onto survivors
}

// keyGroup binds one resolved logical key to the queries that consolidate it.
type keyGroup struct {
	key      string
	find     func(ctx context.Context, tx record.Tx, p record.Partition) ([]record.RecordID, error)
	reparent func(ctx context.Context, tx record.Tx, p record.Partition, from, to record.RecordID) (int, error)
}

// resolveFunc reads the record id in p and resolves its logical key.
type resolveFunc func(ctx context.Context, tx record.Tx, p record.Partition, id record.RecordID) (keyGroup, error)

func dedupTable() map[record.Kind]resolveFunc {
	return map[record.Kind]resolveFunc{
		record.KindRoutine:      resolveRoutine,
		record.KindExercise:     resolveExercise,
		record.KindZRoutine:     resolveZRoutine,
		record.KindZExercise:    resolveZExercise,
		record.KindZRoutineRun:  resolveZRoutineRun,
		record.KindZExerciseRun: resolveZExerciseRun,
	}
}

func idsOf[T any](items []T, err error, id func(T) record.RecordID) ([]record.RecordID, error) {
	if err != nil {
		return nil, err
	}
	out := make([]record.RecordID, len(items))
	for i, item := range items {
		out[i] = id(item)
	}
	return out, nil
}

func missing(kind record.Kind, id record.RecordID, field string) error {
	return &record.MissingIdentityError{Kind: kind, ID: id, Field: field}
}

// =============================================================================
// KEY RESOLUTION PER KIND
// =============================================================================

func resolveRoutine(ctx context.Context, tx record.Tx, _ record.Partition, id record.RecordID) (keyGroup, error) {
	r, err := tx.GetRoutine(ctx, id)
	if err != nil {
		return keyGroup{}, err
	}
	if r.ArchiveID == uuid.Nil {
		return keyGroup{}, missing(record.KindRoutine, id, "archiveID")
	}
	archiveID := r.ArchiveID
	return keyGroup{
		key: archiveID.String(),
		find: func(ctx context.Context, tx record.Tx, _ record.Partition) ([]record.RecordID, error) {
			rs, err := tx.RoutinesByArchiveID(ctx, archiveID)
			return idsOf(rs, err, func(r record.Routine) record.RecordID { return r.ID })
		},
		reparent: func(ctx context.Context, tx record.Tx, _ record.Partition, from, to record.RecordID) (int, error) {
			return tx.MoveExercises(ctx, from, to)
		},
	}, nil
}

func resolveExercise(ctx context.Context, tx record.Tx, _ record.Partition, id record.RecordID) (keyGroup, error) {
	ex, err := tx.GetExercise(ctx, id)
	if err != nil {
		return keyGroup{}, err
	}
	if ex.ArchiveID == uuid.Nil {
		return keyGroup{}, missing(record.KindExercise, id, "archiveID")
	}
	archiveID := ex.ArchiveID
	return keyGroup{
		key: archiveID.String(),
		find: func(ctx context.Context, tx record.Tx, _ record.Partition) ([]record.RecordID, error) {
			es, err := tx.ExercisesByArchiveID(ctx, archiveID)
			return idsOf(es, err, func(e record.Exercise) record.RecordID { return e.ID })
		},
	}, nil
}

func resolveZRoutine(ctx context.Context, tx record.Tx, p record.Partition, id record.RecordID) (keyGroup, error) {
	z, err := tx.GetZRoutine(ctx, p, id)
	if err != nil {
		return keyGroup{}, err
	}
	if z.ArchiveID == uuid.Nil {
		return keyGroup{}, missing(record.KindZRoutine, id, "archiveID")
	}
	key := record.RoutineKey{RoutineArchiveID: z.ArchiveID}
	return keyGroup{
		key: key.String(),
		find: func(ctx context.Context, tx record.Tx, p record.Partition) ([]record.RecordID, error) {
			zs, err := tx.FindZRoutines(ctx, p, key)
			return idsOf(zs, err, func(z record.ZRoutine) record.RecordID { return z.ID })
		},
		reparent: func(ctx context.Context, tx record.Tx, p record.Partition, from, to record.RecordID) (int, error) {
			exercises, err := tx.MoveZExercises(ctx, p, from, to)
			if err != nil {
				return 0, err
			}
			runs, err := tx.MoveZRoutineRuns(ctx, p, from, to)
			if err != nil {
				return 0, err
			}
			return exercises + runs, nil
		},
	}, nil
}

// parentRoutineArchiveID resolves the routine archive ID through a log
// record's ZRoutine edge.
func parentRoutineArchiveID(ctx context.Context, tx record.Tx, p record.Partition, kind record.Kind, id, zRoutineID record.RecordID) (uuid.UUID, error) {
	if zRoutineID == 0 {
		return uuid.Nil, missing(kind, id, "zRoutine")
	}
	parent, err := tx.GetZRoutine(ctx, p, zRoutineID)
	if record.IsNotFound(err) {
		return uuid.Nil, missing(kind, id, "zRoutine")
	}
	if err != nil {
		return uuid.Nil, err
	}
	if parent.ArchiveID == uuid.Nil {
		return uuid.Nil, missing(kind, id, "zRoutine.archiveID")
	}
	return parent.ArchiveID, nil
}

func resolveZExercise(ctx context.Context, tx record.Tx, p record.Partition, id record.RecordID) (keyGroup, error) {
	z, err := tx.GetZExercise(ctx, p, id)
	if err != nil {
		return keyGroup{}, err
	}
	if z.ArchiveID == uuid.Nil {
		return keyGroup{}, missing(record.KindZExercise, id, "archiveID")
	}
	routineArchiveID, err := parentRoutineArchiveID(ctx, tx, p, record.KindZExercise, id, z.ZRoutineID)
	if err != nil {
		return keyGroup{}, err
	}
	key := record.ExerciseKey{RoutineArchiveID: routineArchiveID, ExerciseArchiveID: z.ArchiveID}
	return keyGroup{
		key: key.String(),
		find: func(ctx context.Context, tx record.Tx, p record.Partition) ([]record.RecordID, error) {
			zs, err := tx.FindZExercises(ctx, p, key)
			return idsOf(zs, err, func(z record.ZExercise) record.RecordID { return z.ID })
		},
		reparent: func(ctx context.Context, tx record.Tx, p record.Partition, from, to record.RecordID) (int, error) {
			return tx.MoveZExerciseRunsByExercise(ctx, p, from, to)
		},
	}, nil
}

func resolveZRoutineRun(ctx context.Context, tx record.Tx, p record.Partition, id record.RecordID) (keyGroup, error) {
	z, err := tx.GetZRoutineRun(ctx, p, id)
	if err != nil {
		return keyGroup{}, err
	}
	if z.StartedAt.IsZero() {
		return keyGroup{}, missing(record.KindZRoutineRun, id, "startedAt")
	}
	routineArchiveID, err := parentRoutineArchiveID(ctx, tx, p, record.KindZRoutineRun, id, z.ZRoutineID)
	if err != nil {
		return keyGroup{}, err
	}
	key := record.RoutineRunKey{RoutineArchiveID: routineArchiveID, StartedAt: z.StartedAt}
	return keyGroup{
		key: key.String(),
		find: func(ctx context.Context, tx record.Tx, p record.Partition) ([]record.RecordID, error) {
			zs, err := tx.FindZRoutineRuns(ctx, p, key)
			return idsOf(zs, err, func(z record.ZRoutineRun) record.RecordID { return z.ID })
		},
		reparent: func(ctx context.Context, tx record.Tx, p record.Partition, from, to record.RecordID) (int, error) {
			return tx.MoveZExerciseRunsByRun(ctx, p, from, to)
		},
	}, nil
}

func resolveZExerciseRun(ctx context.Context, tx record.Tx, p record.Partition, id record.RecordID) (keyGroup, error) {
	z, err := tx.GetZExerciseRun(ctx, p, id)
	if err != nil {
		return keyGroup{}, err
	}
	if z.CompletedAt.IsZero() {
		return keyGroup{}, missing(record.KindZExerciseRun, id, "completedAt")
	}
	if z.ZExerciseID == 0 {
		return keyGroup{}, missing(record.KindZExerciseRun, id, "zExercise")
	}
	parent, err := tx.GetZExercise(ctx, p, z.ZExerciseID)
	if record.IsNotFound(err) {
		return keyGroup{}, missing(record.KindZExerciseRun, id, "zExercise")
	}
	if err != nil {
		return keyGroup{}, err
	}
	if parent.ArchiveID == uuid.Nil {
		return keyGroup{}, missing(record.KindZExerciseRun, id, "zExercise.archiveID")
	}
	key := record.ExerciseRunKey{ExerciseArchiveID: parent.ArchiveID, CompletedAt: z.CompletedAt}
	return keyGroup{
		key: key.String(),
		find: func(ctx context.Context, tx record.Tx, p record.Partition) ([]record.RecordID, error) {
			zs, err := tx.FindZExerciseRuns(ctx, p, key)
			return idsOf(zs, err, func(z record.ZExerciseRun) record.RecordID { return z.ID })
		},
	}, nil
}

// =============================================================================
// CONSOLIDATION
// =============================================================================

// consolidate merges every record sharing g's key in p onto the earliest one.
func consolidate(ctx context.Context, tx record.Tx, kind record.Kind, p record.Partition, g keyGroup) (survivor record.RecordID, merged, moved int, err error) {
	ids, err := g.find(ctx, tx, p)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("find %s %s in %s: %w", kind, g.key, p, err)
	}
	if len(ids) == 0 {
		return 0, 0, 0, nil
	}

	survivor, losers := ids[0], ids[1:]
	if len(losers) == 0 {
		return survivor, 0, 0, nil
	}

	if g.reparent != nil {
		for _, loser := range losers {
			n, err := g.reparent(ctx, tx, p, loser, survivor)
			if err != nil {
				return 0, 0, 0, fmt.Errorf("reparent %s %d -> %d: %w", kind, loser, survivor, err)
			}
			moved += n
		}
	}

	merged, err = tx.Delete(ctx, p, kind, losers)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("delete %s losers: %w", kind, err)
	}
	return survivor, merged, moved, nil
}

// Deduplicate consolidates the logical key of one inserted record.
// Live kinds are consolidated in the hot partition; log kinds in the insert's
// partition first and then in every other log partition, in one unit of work.
func (e *Engine) Deduplicate(ctx context.Context, ins Insert) (DedupResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	resolve, ok := e.dedupers[ins.Kind]
	if !ok {
		return DedupResult{}, fmt.Errorf("dedup: unknown kind %s", ins.Kind)
	}
	if ins.Partition == "" {
		ins.Partition = e.hot
	}
	if err := e.checkPartition(ins.Partition); err != nil {
		return DedupResult{}, err
	}
	if !ins.Kind.IsLog() && ins.Partition != e.hot {
		return DedupResult{}, fmt.Errorf("dedup %s in %s: %w", ins.Kind, ins.Partition, record.ErrLiveKindInArchive)
	}

	partitions := []record.Partition{ins.Partition}
	if ins.Kind.IsLog() {
		for _, p := range e.logPartitions() {
			if p != ins.Partition {
				partitions = append(partitions, p)
			}
		}
	}

	result := DedupResult{Kind: ins.Kind}
	merged := make(map[record.Partition]int)
	err := e.store.WithTx(ctx, func(tx record.Tx) error {
		g, err := resolve(ctx, tx, ins.Partition, ins.ID)
		if err != nil {
			return err
		}
		result.Key = g.key

		for _, p := range partitions {
			survivor, n, moved, err := consolidate(ctx, tx, ins.Kind, p, g)
			if err != nil {
				return err
			}
			if p == ins.Partition {
				result.Survivor = survivor
			}
			merged[p] = n
			result.Merged += n
			result.Reparented += moved
		}
		return nil
	})
	if err != nil {
		return DedupResult{}, fmt.Errorf("dedup %s %d in %s: %w", ins.Kind, ins.ID, ins.Partition, err)
	}

	for p, n := range merged {
		observability.RecordMerged(ins.Kind, p, n)
	}
	return result, nil
}

// OnInsert is the post-insert hook. Failures are logged and counted but not
// returned: one bad record must not block the rest of a sync merge.
// The boolean reports whether deduplication succeeded.
func (e *Engine) OnInsert(ctx context.Context, ins Insert) (DedupResult, bool) {
	res, err := e.Deduplicate(ctx, ins)
	if err != nil {
		observability.RecordDedupError(ins.Kind)
		e.log.Warn("dedup failed",
			"kind", ins.Kind.String(),
			"id", int64(ins.ID),
			"partition", ins.Partition.String(),
			"error", err)
		return DedupResult{}, false
	}
	if res.Merged > 0 {
		e.log.Info("duplicates merged",
			"kind", res.Kind.String(),
			"key", res.Key,
			"survivor", int64(res.Survivor),
			"merged", res.Merged,
			"reparented", res.Reparented)
	}
	return res, true
}

// DeduplicateAll consolidates every logical key of every kind in every
// partition. Parents are swept before children. Records whose key cannot be
// resolved are skipped. Returns the number of losers deleted per kind.
func (e *Engine) DeduplicateAll(ctx context.Context) (map[record.Kind]int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	kinds := append(append([]record.Kind{}, record.LiveKinds...), record.LogKinds...)
	totals := make(map[record.Kind]int)
	perPartition := make(map[record.Partition]map[record.Kind]int)
	skipped := 0

	err := e.store.WithTx(ctx, func(tx record.Tx) error {
		for _, kind := range kinds {
			partitions := e.logPartitions()
			if !kind.IsLog() {
				partitions = []record.Partition{e.hot}
			}
			for _, p := range partitions {
				ids, err := tx.IDs(ctx, p, kind)
				if err != nil {
					return err
				}
				seen := make(map[string]bool)
				for _, id := range ids {
					g, err := e.dedupers[kind](ctx, tx, p, id)
					switch {
					case record.IsNotFound(err):
						continue // merged away earlier in this sweep
					case errors.Is(err, record.ErrMissingIdentity):
						skipped++
						continue
					case err != nil:
						return err
					}
					if seen[g.key] {
						continue
					}
					seen[g.key] = true

					_, n, _, err := consolidate(ctx, tx, kind, p, g)
					if err != nil {
						return err
					}
					if n > 0 {
						totals[kind] += n
						if perPartition[p] == nil {
							perPartition[p] = make(map[record.Kind]int)
						}
						perPartition[p][kind] += n
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dedup sweep: %w", err)
	}

	for p, byKind := range perPartition {
		for kind, n := range byKind {
			observability.RecordMerged(kind, p, n)
		}
	}
	e.log.Info("dedup sweep finished", "merged", totals, "skipped", skipped)
	return totals, nil
}
