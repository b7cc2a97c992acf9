// Package storetest holds the behaviour every record.Store implementation
// must share. Implementations call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/routine-engine/record"
)

// Factory opens an empty store with the hot and archive partitions.
type Factory func(t *testing.T) record.Store

var t0 = time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC)

var errAbort = errors.New("abort")

// Run executes the shared suite against stores built by open.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s record.Store)
	}{
		{"RollbackOnError", testRollbackOnError},
		{"RoundTrip", testRoundTrip},
		{"OrderingByCreatedAtThenID", testOrdering},
		{"FindByLogicalKey", testFindByLogicalKey},
		{"CascadeDelete", testCascadeDelete},
		{"DeleteIgnoresUnknownIDs", testDeleteIgnoresUnknownIDs},
		{"MoveChildren", testMoveChildren},
		{"RetentionPrimitives", testRetentionPrimitives},
		{"NotFound", testNotFound},
		{"PartitionErrors", testPartitionErrors},
		{"LiveOrdering", testLiveOrdering},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open(t))
		})
	}
}

func withTx(t *testing.T, s record.Store, fn func(ctx context.Context, tx record.Tx)) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx record.Tx) error {
		fn(ctx, tx)
		return nil
	}))
}

func count(t *testing.T, s record.Store, p record.Partition, kind record.Kind) int {
	t.Helper()
	var n int
	withTx(t, s, func(ctx context.Context, tx record.Tx) {
		var err error
		n, err = tx.Count(ctx, p, kind)
		require.NoError(t, err)
	})
	return n
}

// graph is one routine history in a partition.
type graph struct {
	routine     record.ZRoutine
	exercise    record.ZExercise
	run         record.ZRoutineRun
	exerciseRun record.ZExerciseRun
}

func seedGraph(t *testing.T, s record.Store, p record.Partition, started time.Time) graph {
	t.Helper()
	var g graph
	withTx(t, s, func(ctx context.Context, tx record.Tx) {
		g.routine = record.ZRoutine{ArchiveID: uuid.New(), Name: "Legs", CreatedAt: started}
		require.NoError(t, tx.CreateZRoutine(ctx, p, &g.routine))
		g.exercise = record.ZExercise{ZRoutineID: g.routine.ID, ArchiveID: uuid.New(), Name: "Squat", Units: record.UnitsKilograms, CreatedAt: started}
		require.NoError(t, tx.CreateZExercise(ctx, p, &g.exercise))
		g.run = record.ZRoutineRun{ZRoutineID: g.routine.ID, StartedAt: started, Duration: time.Hour, CreatedAt: started}
		require.NoError(t, tx.CreateZRoutineRun(ctx, p, &g.run))
		g.exerciseRun = record.ZExerciseRun{
			ZRoutineRunID: g.run.ID,
			ZExerciseID:   g.exercise.ID,
			CompletedAt:   started.Add(5 * time.Minute),
			Intensity:     decimal.RequireFromString("102.5"),
			CreatedAt:     started,
		}
		require.NoError(t, tx.CreateZExerciseRun(ctx, p, &g.exerciseRun))
	})
	return g
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func testRollbackOnError(t *testing.T, s record.Store) {
	ctx := context.Background()

	// GIVEN: A committed routine
	var kept record.Routine
	withTx(t, s, func(ctx context.Context, tx record.Tx) {
		kept = record.Routine{Name: "Kept", CreatedAt: t0}
		require.NoError(t, tx.CreateRoutine(ctx, &kept))
	})

	// WHEN: A unit of work writes to both partitions, then fails
	err := s.WithTx(ctx, func(tx record.Tx) error {
		r := record.Routine{Name: "Lost", CreatedAt: t0}
		if err := tx.CreateRoutine(ctx, &r); err != nil {
			return err
		}
		kept.Name = "Renamed"
		if err := tx.UpdateRoutine(ctx, kept); err != nil {
			return err
		}
		z := record.ZRoutine{ArchiveID: uuid.New(), CreatedAt: t0}
		if err := tx.CreateZRoutine(ctx, record.PartitionArchive, &z); err != nil {
			return err
		}
		return errAbort
	})

	// THEN: Nothing it wrote is visible
	require.ErrorIs(t, err, errAbort)
	assert.Equal(t, 1, count(t, s, record.PartitionHot, record.KindRoutine))
	assert.Equal(t, 0, count(t, s, record.PartitionArchive, record.KindZRoutine))
	withTx(t, s, func(ctx context.Context, tx record.Tx) {
		got, err := tx.GetRoutine(ctx, kept.ID)
		require.NoError(t, err)
		assert.Equal(t, "Kept", got.Name)
	})
}

func testRoundTrip(t *testing.T, s record.Store) {
	archiveID := uuid.New()
	withTx(t, s, func(ctx context.Context, tx record.Tx) {
		r := record.Routine{
			Name:          "Upper",
			UserOrder:     3,
			ArchiveID:     archiveID,
			LastStartedAt: t0.Add(123456789 * time.Nanosecond),
			LastDuration:  42 * time.Minute,
			ImageName:     "upper.png",
			CreatedAt:     t0,
		}
		require.NoError(t, tx.CreateRoutine(ctx, &r))

		e := record.Exercise{
			RoutineID: r.ID,
			Name:      "Row",
			Units:     record.UnitsPounds,
			Intensity: record.Intensity{
				Value:    decimal.RequireFromString("137.25"),
				Step:     decimal.RequireFromString("2.5"),
				Inverted: true,
			},
			CreatedAt: t0,
		}
		require.NoError(t, tx.CreateExercise(ctx, &e))

		gotR, err := tx.GetRoutine(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, archiveID, gotR.ArchiveID)
		assert.True(t, r.LastStartedAt.Equal(gotR.LastStartedAt))
		assert.Equal(t, 42*time.Minute, gotR.LastDuration)
		assert.Equal(t, "upper.png", gotR.ImageName)
		assert.Equal(t, 3, gotR.UserOrder)

		gotE, err := tx.GetExercise(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, r.ID, gotE.RoutineID)
		assert.Equal(t, uuid.Nil, gotE.ArchiveID)
		assert.Equal(t, record.UnitsPounds, gotE.Units)
		assert.True(t, decimal.RequireFromString("137.25").Equal(gotE.Intensity.Value))
		assert.True(t, decimal.RequireFromString("2.5").Equal(gotE.Intensity.Step))
		assert.True(t, gotE.Intensity.Inverted)
		assert.True(t, gotE.LastCompletedAt.IsZero())
		assert.False(t, gotE.IsDone())
	})

	g := seedGraph(t, s, record.PartitionArchive, t0)
	withTx(t, s, func(ctx context.Context, tx record.Tx) {
		run, err := tx.GetZRoutineRun(ctx, record.PartitionArchive, g.run.ID)
		require.NoError(t, err)
		assert.Equal(t, g.routine.ID, run.ZRoutineID)
		assert.True(t, t0.Equal(run.StartedAt))
		assert.Equal(t, time.Hour, run.Duration)

		er, err := tx.GetZExerciseRun(ctx, record.PartitionArchive, g.exerciseRun.ID)
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("102.5").Equal(er.Intensity))
		assert.True(t, g.exerciseRun.CompletedAt.Equal(er.CompletedAt))
		assert.False(t, er.UserRemoved)

		er.UserRemoved = true
		require.NoError(t, tx.UpdateZExerciseRun(ctx, record.PartitionArchive, er))
		er, err = tx.GetZExerciseRun(ctx, record.PartitionArchive, g.exerciseRun.ID)
		require.NoError(t, err)
		assert.True(t, er.UserRemoved)
	})
}

// =============================================================================
// QUERIES
// =============================================================================

func testOrdering(t *testing.T, s record.Store) {
	archiveID := uuid.New()
	var late, tieA, tieB record.ZRoutine
	withTx(t, s, func(ctx context.Context, tx record.Tx) {
		late = record.ZRoutine{ArchiveID: archiveID, CreatedAt: t0.Add(time.Minute)}
		require.NoError(t, tx.CreateZRoutine(ctx, record.PartitionHot, &late))
		tieA = record.ZRoutine{ArchiveID: archiveID, CreatedAt: t0}
		require.NoError(t, tx.CreateZRoutine(ctx, record.PartitionHot, &tieA))
		tieB = record.ZRoutine{ArchiveID: archiveID, CreatedAt: t0}
		require.NoError(t, tx.CreateZRoutine(ctx, record.PartitionHot, &tieB))
	})

	withTx(t, s, func(ctx context.Context, tx record.Tx) {
		found, err := tx.FindZRoutines(ctx, record.PartitionHot, record.RoutineKey{RoutineArchiveID: archiveID})
		require.NoError(t, err)
		require.Len(t, found, 3)
		assert.Equal(t, []record.RecordID{tieA.ID, tieB.ID, late.ID},
			[]record.RecordID{found[0].ID, found[1].ID, found[2].ID})

		ids, err := tx.IDs(ctx, record.PartitionHot, record.KindZRoutine)
		require.NoError(t, err)
		assert.Equal(t, []record.RecordID{tieA.ID, tieB.ID, late.ID}, ids)
	})
}

func testFindByLogicalKey(t *testing.T, s record.Store) {
	g := seedGraph(t, s, record.PartitionHot, t0)
	other := seedGraph(t, s, record.PartitionHot, t0)

	withTx(t, s, func(ctx context.Context, tx record.Tx) {
		exercises, err := tx.FindZExercises(ctx, record.PartitionHot, record.ExerciseKey{
			RoutineArchiveID:  g.routine.ArchiveID,
			ExerciseArchiveID: g.exercise.ArchiveID,
		})
		require.NoError(t, err)
		require.Len(t, exercises, 1)
		assert.Equal(t, g.exercise.ID, exercises[0].ID)

		// The exercise key is scoped to its routine.
		exercises, err = tx.FindZExercises(ctx, record.PartitionHot, record.ExerciseKey{
			RoutineArchiveID:  other.routine.ArchiveID,
			ExerciseArchiveID: g.exercise.ArchiveID,
		})
		require.NoError(t, err)
		assert.Empty(t, exercises)

		runs, err := tx.FindZRoutineRuns(ctx, record.PartitionHot, record.RoutineRunKey{
			RoutineArchiveID: g.routine.ArchiveID,
			StartedAt:        t0,
		})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, g.run.ID, runs[0].ID)

		completions, err := tx.FindZExerciseRuns(ctx, record.PartitionHot, record.ExerciseRunKey{
			ExerciseArchiveID: g.exercise.ArchiveID,
			CompletedAt:       g.exerciseRun.CompletedAt,
		})
		require.NoError(t, err)
		require.Len(t, completions, 1)
		assert.Equal(t, g.exerciseRun.ID, completions[0].ID)

		// Same key in the other partition finds nothing.
		runs, err = tx.FindZRoutineRuns(ctx, record.PartitionArchive, record.RoutineRunKey{
			RoutineArchiveID: g.routine.ArchiveID,
			StartedAt:        t0,
		})
		require.NoError(t, err)
		assert.Empty(t, runs)
	})
}

// =============================================================================
// MUTATIONS
// =============================================================================

func testCascadeDelete(t *testing.T, s record.Store) {
	g := seedGraph(t, s, record.PartitionHot, t0)
	kept := seedGraph(t, s, record.PartitionHot, t0)

	withTx(t, s, func(ctx context.Context, tx record.Tx) {
		n, err := tx.Delete(ctx, record.PartitionHot, record.KindZRoutine, []record.RecordID{g.routine.ID})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	for _, kind := range record.LogKinds {
		assert.Equal(t, 1, count(t, s, record.PartitionHot, kind), kind.String())
	}
	withTx(t, s, func(ctx context.Context, tx record.Tx) {
		_, err := tx.GetZExerciseRun(ctx, record.PartitionHot, kept.exerciseRun.ID)
		require.NoError(t, err)
		_, err = tx.GetZExerciseRun(ctx, record.PartitionHot, g.exerciseRun.ID)
		assert.True(t, record.IsNotFound(err))
	})

	// Live routines take their exercises with them.
	withTx(t, s, func(ctx context.Context, tx record.Tx) {
		r := record.Routine{Name: "Gone", CreatedAt: t0}
		require.NoError(t, tx.CreateRoutine(ctx, &r))
		e := record.Exercise{RoutineID: r.ID, Name: "Curl", CreatedAt: t0}
		require.NoError(t, tx.CreateExercise(ctx, &e))
		_, err := tx.Delete(ctx, record.PartitionHot, record.KindRoutine, []record.RecordID{r.ID})
		require.NoError(t, err)
	})
	assert.Equal(t, 0, count(t, s, record.PartitionHot, record.KindExercise))
}

func testDeleteIgnoresUnknownIDs(t *testing.T, s record.Store) {
	g := seedGraph(t, s, record.PartitionArchive, t0)

	withTx(t, s, func(ctx context.Context, tx record.Tx) {
		n, err := tx.Delete(ctx, record.PartitionArchive, record.KindZExerciseRun,
			[]record.RecordID{g.exerciseRun.ID, 9999})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = tx.Delete(ctx, record.PartitionArchive, record.KindZExerciseRun, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
	assert.Equal(t, 1, count(t, s, record.PartitionArchive, record.KindZRoutineRun))
}

func testMoveChildren(t *testing.T, s record.Store) {
	from := seedGraph(t, s, record.PartitionHot, t0)
	to := seedGraph(t, s, record.PartitionHot, t0.Add(time.Hour))

	withTx(t, s, func(ctx context.Context, tx record.Tx) {
		n, err := tx.MoveZExerciseRunsByRun(ctx, record.PartitionHot, from.run.ID, to.run.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = tx.MoveZExerciseRunsByExercise(ctx, record.PartitionHot, from.exercise.ID, to.exercise.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = tx.MoveZRoutineRuns(ctx, record.PartitionHot, from.routine.ID, to.routine.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = tx.MoveZExercises(ctx, record.PartitionHot, from.routine.ID, to.routine.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		runs, err := tx.ZRoutineRunsByRoutine(ctx, record.PartitionHot, to.routine.ID)
		require.NoError(t, err)
		assert.Len(t, runs, 2)
		exercises, err := tx.ZExercisesByRoutine(ctx, record.PartitionHot, to.routine.ID)
		require.NoError(t, err)
		assert.Len(t, exercises, 2)
		completions, err := tx.ZExerciseRunsByRun(ctx, record.PartitionHot, to.run.ID)
		require.NoError(t, err)
		assert.Len(t, completions, 2)
		completions, err = tx.ZExerciseRunsByExercise(ctx, record.PartitionHot, to.exercise.ID)
		require.NoError(t, err)
		assert.Len(t, completions, 2)

		runs, err = tx.ZRoutineRunsByRoutine(ctx, record.PartitionHot, from.routine.ID)
		require.NoError(t, err)
		assert.Empty(t, runs)
	})

	withTx(t, s, func(ctx context.Context, tx record.Tx) {
		a := record.Routine{Name: "A", CreatedAt: t0}
		require.NoError(t, tx.CreateRoutine(ctx, &a))
		b := record.Routine{Name: "B", CreatedAt: t0}
		require.NoError(t, tx.CreateRoutine(ctx, &b))
		e := record.Exercise{RoutineID: a.ID, Name: "Press", CreatedAt: t0}
		require.NoError(t, tx.CreateExercise(ctx, &e))

		n, err := tx.MoveExercises(ctx, a.ID, b.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		moved, err := tx.ExercisesByRoutine(ctx, b.ID)
		require.NoError(t, err)
		require.Len(t, moved, 1)
		assert.Equal(t, e.ID, moved[0].ID)
	})
}

func testRetentionPrimitives(t *testing.T, s record.Store) {
	old := seedGraph(t, s, record.PartitionHot, t0)
	recent := seedGraph(t, s, record.PartitionHot, t0.Add(72*time.Hour))
	keepSince := t0.Add(24 * time.Hour)

	var unset record.ZRoutineRun
	withTx(t, s, func(ctx context.Context, tx record.Tx) {
		unset = record.ZRoutineRun{ZRoutineID: recent.routine.ID, CreatedAt: t0}
		require.NoError(t, tx.CreateZRoutineRun(ctx, record.PartitionHot, &unset))
	})

	withTx(t, s, func(ctx context.Context, tx record.Tx) {
		n, err := tx.DeleteZExerciseRunsBefore(ctx, record.PartitionHot, keepSince)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = tx.DeleteChildlessZExercises(ctx, record.PartitionHot)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = tx.DeleteZRoutineRunsBefore(ctx, record.PartitionHot, keepSince)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "a run without a start time is not old")

		n, err = tx.DeleteChildlessZRoutines(ctx, record.PartitionHot)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = tx.GetZRoutine(ctx, record.PartitionHot, old.routine.ID)
		assert.True(t, record.IsNotFound(err))
		_, err = tx.GetZRoutineRun(ctx, record.PartitionHot, unset.ID)
		require.NoError(t, err)
	})
}

// =============================================================================
// ERRORS
// =============================================================================

func testNotFound(t *testing.T, s record.Store) {
	withTx(t, s, func(ctx context.Context, tx record.Tx) {
		_, err := tx.GetRoutine(ctx, 404)
		assert.ErrorIs(t, err, record.ErrNotFound)
		_, err = tx.GetZRoutine(ctx, record.PartitionArchive, 404)
		assert.ErrorIs(t, err, record.ErrNotFound)

		err = tx.UpdateZRoutineRun(ctx, record.PartitionHot, record.ZRoutineRun{ID: 404, ZRoutineID: 1})
		assert.ErrorIs(t, err, record.ErrNotFound)

		var nf *record.NotFoundError
		_, err = tx.GetZExercise(ctx, record.PartitionHot, 404)
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, record.KindZExercise, nf.Kind)
		assert.Equal(t, record.RecordID(404), nf.ID)
	})
}

func testPartitionErrors(t *testing.T, s record.Store) {
	withTx(t, s, func(ctx context.Context, tx record.Tx) {
		_, err := tx.ListZRoutines(ctx, record.Partition("cold"))
		assert.ErrorIs(t, err, record.ErrInvalidPartition)

		z := record.ZRoutine{ArchiveID: uuid.New()}
		err = tx.CreateZRoutine(ctx, record.Partition("cold"), &z)
		assert.ErrorIs(t, err, record.ErrInvalidPartition)

		_, err = tx.Count(ctx, record.PartitionArchive, record.KindRoutine)
		assert.ErrorIs(t, err, record.ErrLiveKindInArchive)
		_, err = tx.Delete(ctx, record.PartitionArchive, record.KindExercise, []record.RecordID{1})
		assert.ErrorIs(t, err, record.ErrLiveKindInArchive)
	})
}

func testLiveOrdering(t *testing.T, s record.Store) {
	withTx(t, s, func(ctx context.Context, tx record.Tx) {
		second := record.Routine{Name: "Second", UserOrder: 1, CreatedAt: t0}
		require.NoError(t, tx.CreateRoutine(ctx, &second))
		first := record.Routine{Name: "First", UserOrder: 0, CreatedAt: t0.Add(time.Hour)}
		require.NoError(t, tx.CreateRoutine(ctx, &first))

		routines, err := tx.ListRoutines(ctx)
		require.NoError(t, err)
		require.Len(t, routines, 2)
		assert.Equal(t, "First", routines[0].Name)
		assert.Equal(t, "Second", routines[1].Name)
	})
}
