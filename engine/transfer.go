package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/routine-engine/observability"
	"github.com/warp/routine-engine/record"
)

// =============================================================================
// CROSS-PARTITION TRANSFER
// =============================================================================
//
// For each ZRoutine in the source partition:
//   1. fresh (session may be in progress)   -> skip, no copy, no delete
//   2. graph lacks identity / relationships -> skip, logged, left for repair
//      (this includes a ZExercise still carrying completions of another
//      graph, since purging it would cascade into records never copied)
//   3. otherwise deep copy by get-or-create on logical keys, then remember
//      every source ID of the graph
// After the walk, the remembered IDs are batch-deleted children first.
//
// The whole walk is one unit of work. Get-or-create makes a re-run after an
// interrupted or failed pass converge without duplicating destination records.

// TransferReport summarizes one transfer pass.
type TransferReport struct {
	Copied         map[record.Kind]int
	Purged         map[record.Kind]int
	SkippedFresh   int
	SkippedInvalid int
}

func newTransferReport() TransferReport {
	return TransferReport{
		Copied: make(map[record.Kind]int),
		Purged: make(map[record.Kind]int),
	}
}

// purgeOrder deletes children before parents.
var purgeOrder = []record.Kind{
	record.KindZExerciseRun,
	record.KindZRoutineRun,
	record.KindZExercise,
	record.KindZRoutine,
}

// TransferToArchive moves stale history from the hot partition to the archive
// partition, using the engine clock and freshness threshold.
func (e *Engine) TransferToArchive(ctx context.Context) (TransferReport, error) {
	return e.Transfer(ctx, e.hot, e.archive, e.clock.Now(), e.threshold)
}

// Transfer moves stale history from one partition to another.
func (e *Engine) Transfer(ctx context.Context, from, to record.Partition, now time.Time, threshold time.Duration) (TransferReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkPartition(from); err != nil {
		return TransferReport{}, err
	}
	if err := e.checkPartition(to); err != nil {
		return TransferReport{}, err
	}
	if from == to {
		return TransferReport{}, &record.PartitionError{Partition: to, Reason: "is both source and destination"}
	}

	var report TransferReport
	err := e.store.WithTx(ctx, func(tx record.Tx) error {
		report = newTransferReport()
		purge := make(map[record.Kind][]record.RecordID)

		routines, err := tx.ListZRoutines(ctx, from)
		if err != nil {
			return fmt.Errorf("list %s routines: %w", from, err)
		}

		for _, zr := range routines {
			fresh, err := isFresh(ctx, tx, zr, now, threshold)
			if err != nil {
				return err
			}
			if fresh {
				report.SkippedFresh++
				continue
			}

			g, err := loadGraph(ctx, tx, from, zr)
			if err != nil {
				return err
			}
			if err := g.validate(); err != nil {
				if errors.Is(err, record.ErrMissingIdentity) || errors.Is(err, record.ErrMissingRelationship) {
					report.SkippedInvalid++
					e.log.Warn("routine history not transferable",
						"zRoutine", int64(zr.ID), "partition", from.String(), "error", err)
					continue
				}
				return err
			}

			if err := copyGraph(ctx, tx, to, g, report.Copied); err != nil {
				return fmt.Errorf("copy routine %s: %w", zr.ArchiveID, err)
			}
			g.collect(purge)
		}

		for _, kind := range purgeOrder {
			if len(purge[kind]) == 0 {
				continue
			}
			n, err := tx.Delete(ctx, from, kind, purge[kind])
			if err != nil {
				return fmt.Errorf("purge %s from %s: %w", kind, from, err)
			}
			report.Purged[kind] = n
		}
		return nil
	})
	if err != nil {
		return TransferReport{}, fmt.Errorf("transfer %s -> %s: %w", from, to, err)
	}

	observability.RecordTransfer(report.Copied, report.Purged, report.SkippedFresh, now)
	e.log.Info("transfer finished",
		"from", from.String(),
		"to", to.String(),
		"copied", report.Copied,
		"purged", report.Purged,
		"skippedFresh", report.SkippedFresh,
		"skippedInvalid", report.SkippedInvalid)
	return report, nil
}

// =============================================================================
// ROUTINE GRAPH
// =============================================================================

// routineGraph is one ZRoutine with everything under it, loaded from one partition.
type routineGraph struct {
	routine      record.ZRoutine
	exercises    []record.ZExercise
	exerciseByID map[record.RecordID]record.ZExercise
	runs         []record.ZRoutineRun
	exerciseRuns map[record.RecordID][]record.ZExerciseRun // by ZRoutineRunID
	// every completion referencing an exercise of the graph, by ZExerciseID
	exerciseRunsByExercise map[record.RecordID][]record.ZExerciseRun
}

func loadGraph(ctx context.Context, tx record.Tx, p record.Partition, zr record.ZRoutine) (*routineGraph, error) {
	g := &routineGraph{
		routine:                zr,
		exerciseByID:           make(map[record.RecordID]record.ZExercise),
		exerciseRuns:           make(map[record.RecordID][]record.ZExerciseRun),
		exerciseRunsByExercise: make(map[record.RecordID][]record.ZExerciseRun),
	}

	exercises, err := tx.ZExercisesByRoutine(ctx, p, zr.ID)
	if err != nil {
		return nil, fmt.Errorf("load exercises of %d: %w", zr.ID, err)
	}
	g.exercises = exercises
	for _, ze := range exercises {
		g.exerciseByID[ze.ID] = ze
		ers, err := tx.ZExerciseRunsByExercise(ctx, p, ze.ID)
		if err != nil {
			return nil, fmt.Errorf("load exercise runs of exercise %d: %w", ze.ID, err)
		}
		g.exerciseRunsByExercise[ze.ID] = ers
	}

	runs, err := tx.ZRoutineRunsByRoutine(ctx, p, zr.ID)
	if err != nil {
		return nil, fmt.Errorf("load runs of %d: %w", zr.ID, err)
	}
	g.runs = runs
	for _, run := range runs {
		ers, err := tx.ZExerciseRunsByRun(ctx, p, run.ID)
		if err != nil {
			return nil, fmt.Errorf("load exercise runs of %d: %w", run.ID, err)
		}
		g.exerciseRuns[run.ID] = ers
	}
	return g, nil
}

// validate checks that every logical key in the graph resolves before
// anything is written, and that purging the graph deletes nothing outside it.
func (g *routineGraph) validate() error {
	if g.routine.ArchiveID == uuid.Nil {
		return missing(record.KindZRoutine, g.routine.ID, "archiveID")
	}
	runIDs := make(map[record.RecordID]struct{}, len(g.runs))
	for _, run := range g.runs {
		runIDs[run.ID] = struct{}{}
	}
	for _, ze := range g.exercises {
		if ze.ArchiveID == uuid.Nil {
			return missing(record.KindZExercise, ze.ID, "archiveID")
		}
		for _, er := range g.exerciseRunsByExercise[ze.ID] {
			if _, ok := runIDs[er.ZRoutineRunID]; !ok {
				return &record.MissingRelationshipError{
					Kind:         record.KindZExerciseRun,
					ID:           er.ID,
					Relationship: "zRoutineRun under the same zRoutine",
				}
			}
		}
	}
	for _, run := range g.runs {
		if run.StartedAt.IsZero() {
			return missing(record.KindZRoutineRun, run.ID, "startedAt")
		}
		for _, er := range g.exerciseRuns[run.ID] {
			if er.CompletedAt.IsZero() {
				return missing(record.KindZExerciseRun, er.ID, "completedAt")
			}
			if _, ok := g.exerciseByID[er.ZExerciseID]; !ok {
				return &record.MissingRelationshipError{
					Kind:         record.KindZExerciseRun,
					ID:           er.ID,
					Relationship: "zExercise under the same zRoutine",
				}
			}
		}
	}
	return nil
}

// collect appends every source ID of the graph to purge.
func (g *routineGraph) collect(purge map[record.Kind][]record.RecordID) {
	purge[record.KindZRoutine] = append(purge[record.KindZRoutine], g.routine.ID)
	for _, ze := range g.exercises {
		purge[record.KindZExercise] = append(purge[record.KindZExercise], ze.ID)
	}
	for _, run := range g.runs {
		purge[record.KindZRoutineRun] = append(purge[record.KindZRoutineRun], run.ID)
		for _, er := range g.exerciseRuns[run.ID] {
			purge[record.KindZExerciseRun] = append(purge[record.KindZExerciseRun], er.ID)
		}
	}
}

// copyGraph writes g into p. Destination records keep their own parents and
// tombstones; a source tombstone is OR-merged in.
func copyGraph(ctx context.Context, tx record.Tx, p record.Partition, g *routineGraph, copied map[record.Kind]int) error {
	src := g.routine
	dstRoutine, err := upsertZRoutine(ctx, tx, p, src.ArchiveID, func(z *record.ZRoutine, existed bool) {
		z.Name = src.Name
		if !existed {
			z.CreatedAt = src.CreatedAt
		}
	})
	if err != nil {
		return fmt.Errorf("zRoutine: %w", err)
	}
	copied[record.KindZRoutine]++

	// exercise archive ID -> destination ZExercise
	dstExercises := make(map[uuid.UUID]record.RecordID, len(g.exercises))
	for _, ze := range g.exercises {
		key := record.ExerciseKey{RoutineArchiveID: src.ArchiveID, ExerciseArchiveID: ze.ArchiveID}
		dst, err := upsertZExercise(ctx, tx, p, key, dstRoutine.ID, func(z *record.ZExercise, existed bool) {
			z.Name = ze.Name
			z.Units = ze.Units
			if !existed {
				z.CreatedAt = ze.CreatedAt
			}
		})
		if err != nil {
			return fmt.Errorf("zExercise %s: %w", key, err)
		}
		dstExercises[ze.ArchiveID] = dst.ID
		copied[record.KindZExercise]++
	}

	for _, run := range g.runs {
		key := record.RoutineRunKey{RoutineArchiveID: src.ArchiveID, StartedAt: run.StartedAt}
		dstRun, err := upsertZRoutineRun(ctx, tx, p, key, dstRoutine.ID, func(z *record.ZRoutineRun, existed bool) {
			z.Duration = run.Duration
			z.UserRemoved = z.UserRemoved || run.UserRemoved
			if !existed {
				z.CreatedAt = run.CreatedAt
			}
		})
		if err != nil {
			return fmt.Errorf("zRoutineRun %s: %w", key, err)
		}
		copied[record.KindZRoutineRun]++

		for _, er := range g.exerciseRuns[run.ID] {
			exerciseArchiveID := g.exerciseByID[er.ZExerciseID].ArchiveID
			key := record.ExerciseRunKey{ExerciseArchiveID: exerciseArchiveID, CompletedAt: er.CompletedAt}
			_, err := upsertZExerciseRun(ctx, tx, p, key, dstRun.ID, dstExercises[exerciseArchiveID], func(z *record.ZExerciseRun, existed bool) {
				z.Intensity = er.Intensity
				z.UserRemoved = z.UserRemoved || er.UserRemoved
				if !existed {
					z.CreatedAt = er.CreatedAt
				}
			})
			if err != nil {
				return fmt.Errorf("zExerciseRun %s: %w", key, err)
			}
			copied[record.KindZExerciseRun]++
		}
	}
	return nil
}
