package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/warp/routine-engine/record"
)

// =============================================================================
// GET-OR-CREATE BY LOGICAL KEY
// =============================================================================
//
// Both the Transfer Engine and the Completion transition write log records
// through these helpers, never through blind inserts. The earliest match
// (CreatedAt, ID) is reused; otherwise a record is created under the given
// parent. apply sets the mutable fields and sees whether the record existed.
// Parents of an existing record are left alone.

func upsertZRoutine(ctx context.Context, tx record.Tx, p record.Partition, archiveID uuid.UUID,
	apply func(z *record.ZRoutine, existed bool)) (record.ZRoutine, error) {
	found, err := tx.FindZRoutines(ctx, p, record.RoutineKey{RoutineArchiveID: archiveID})
	if err != nil {
		return record.ZRoutine{}, err
	}
	if len(found) > 0 {
		z := found[0]
		apply(&z, true)
		return z, tx.UpdateZRoutine(ctx, p, z)
	}
	z := record.ZRoutine{ArchiveID: archiveID}
	apply(&z, false)
	if err := tx.CreateZRoutine(ctx, p, &z); err != nil {
		return z, err
	}
	return z, nil
}

func upsertZExercise(ctx context.Context, tx record.Tx, p record.Partition, key record.ExerciseKey, zRoutineID record.RecordID,
	apply func(z *record.ZExercise, existed bool)) (record.ZExercise, error) {
	found, err := tx.FindZExercises(ctx, p, key)
	if err != nil {
		return record.ZExercise{}, err
	}
	if len(found) > 0 {
		z := found[0]
		apply(&z, true)
		return z, tx.UpdateZExercise(ctx, p, z)
	}
	z := record.ZExercise{ZRoutineID: zRoutineID, ArchiveID: key.ExerciseArchiveID}
	apply(&z, false)
	if err := tx.CreateZExercise(ctx, p, &z); err != nil {
		return z, err
	}
	return z, nil
}

func upsertZRoutineRun(ctx context.Context, tx record.Tx, p record.Partition, key record.RoutineRunKey, zRoutineID record.RecordID,
	apply func(z *record.ZRoutineRun, existed bool)) (record.ZRoutineRun, error) {
	found, err := tx.FindZRoutineRuns(ctx, p, key)
	if err != nil {
		return record.ZRoutineRun{}, err
	}
	if len(found) > 0 {
		z := found[0]
		apply(&z, true)
		return z, tx.UpdateZRoutineRun(ctx, p, z)
	}
	z := record.ZRoutineRun{ZRoutineID: zRoutineID, StartedAt: key.StartedAt}
	apply(&z, false)
	if err := tx.CreateZRoutineRun(ctx, p, &z); err != nil {
		return z, err
	}
	return z, nil
}

func upsertZExerciseRun(ctx context.Context, tx record.Tx, p record.Partition, key record.ExerciseRunKey, zRoutineRunID, zExerciseID record.RecordID,
	apply func(z *record.ZExerciseRun, existed bool)) (record.ZExerciseRun, error) {
	found, err := tx.FindZExerciseRuns(ctx, p, key)
	if err != nil {
		return record.ZExerciseRun{}, err
	}
	if len(found) > 0 {
		z := found[0]
		apply(&z, true)
		return z, tx.UpdateZExerciseRun(ctx, p, z)
	}
	z := record.ZExerciseRun{ZRoutineRunID: zRoutineRunID, ZExerciseID: zExerciseID, CompletedAt: key.CompletedAt}
	apply(&z, false)
	if err := tx.CreateZExerciseRun(ctx, p, &z); err != nil {
		return z, err
	}
	return z, nil
}
