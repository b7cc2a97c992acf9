package engine_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/routine-engine/engine"
	"github.com/warp/routine-engine/record"
	"github.com/warp/routine-engine/record/store"
	"github.com/warp/routine-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	hot     = record.PartitionHot
	archive = record.PartitionArchive

	t0 = time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC)
)

type testEnv struct {
	ctx   context.Context
	store record.Store
	clock *engine.FixedClock
	eng   *engine.Engine
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// storeFactories builds each record.Store implementation with hot + archive.
var storeFactories = map[string]func(t *testing.T) record.Store{
	"memory": func(t *testing.T) record.Store {
		return store.NewMemory()
	},
	"sqlite": func(t *testing.T) record.Store {
		s, err := sqlite.New(":memory:", ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	},
}

// forEachStore runs fn once per store implementation with a fresh engine
// whose clock reads now.
func forEachStore(t *testing.T, now time.Time, fn func(t *testing.T, env *testEnv)) {
	t.Helper()
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			clock := engine.NewFixedClock(now)
			eng, err := engine.New(engine.Options{
				Store:  s,
				Clock:  clock,
				Logger: quietLogger(),
			})
			require.NoError(t, err)
			fn(t, &testEnv{ctx: context.Background(), store: s, clock: clock, eng: eng})
		})
	}
}

// tx runs fn in its own committed unit of work.
func (env *testEnv) tx(t *testing.T, fn func(tx record.Tx)) {
	t.Helper()
	require.NoError(t, env.store.WithTx(env.ctx, func(tx record.Tx) error {
		fn(tx)
		return nil
	}))
}

func (env *testEnv) count(t *testing.T, p record.Partition, kind record.Kind) int {
	t.Helper()
	var n int
	require.NoError(t, env.store.WithTx(env.ctx, func(tx record.Tx) error {
		var err error
		n, err = tx.Count(env.ctx, p, kind)
		return err
	}))
	return n
}

// =============================================================================
// SEED HELPERS
// =============================================================================

func (env *testEnv) seedRoutine(t *testing.T, archiveID uuid.UUID, lastStarted time.Time) record.Routine {
	t.Helper()
	r := record.Routine{Name: "Push day", ArchiveID: archiveID, LastStartedAt: lastStarted, CreatedAt: t0}
	env.tx(t, func(tx record.Tx) {
		require.NoError(t, tx.CreateRoutine(env.ctx, &r))
	})
	return r
}

func (env *testEnv) seedExercise(t *testing.T, routineID record.RecordID, archiveID uuid.UUID) record.Exercise {
	t.Helper()
	ex := record.Exercise{
		RoutineID: routineID,
		Name:      "Bench press",
		ArchiveID: archiveID,
		Units:     record.UnitsKilograms,
		Intensity: record.Intensity{Value: decimal.NewFromInt(60), Step: decimal.RequireFromString("2.5")},
		CreatedAt: t0,
	}
	env.tx(t, func(tx record.Tx) {
		require.NoError(t, tx.CreateExercise(env.ctx, &ex))
	})
	return ex
}

func (env *testEnv) seedZRoutine(t *testing.T, p record.Partition, archiveID uuid.UUID, created time.Time) record.ZRoutine {
	t.Helper()
	z := record.ZRoutine{ArchiveID: archiveID, Name: "Push day", CreatedAt: created}
	env.tx(t, func(tx record.Tx) {
		require.NoError(t, tx.CreateZRoutine(env.ctx, p, &z))
	})
	return z
}

func (env *testEnv) seedZExercise(t *testing.T, p record.Partition, zRoutineID record.RecordID, archiveID uuid.UUID, created time.Time) record.ZExercise {
	t.Helper()
	z := record.ZExercise{ZRoutineID: zRoutineID, ArchiveID: archiveID, Name: "Bench press", Units: record.UnitsKilograms, CreatedAt: created}
	env.tx(t, func(tx record.Tx) {
		require.NoError(t, tx.CreateZExercise(env.ctx, p, &z))
	})
	return z
}

func (env *testEnv) seedZRoutineRun(t *testing.T, p record.Partition, zRoutineID record.RecordID, started time.Time, created time.Time) record.ZRoutineRun {
	t.Helper()
	z := record.ZRoutineRun{ZRoutineID: zRoutineID, StartedAt: started, Duration: 45 * time.Minute, CreatedAt: created}
	env.tx(t, func(tx record.Tx) {
		require.NoError(t, tx.CreateZRoutineRun(env.ctx, p, &z))
	})
	return z
}

func (env *testEnv) seedZExerciseRun(t *testing.T, p record.Partition, runID, exerciseID record.RecordID, completed time.Time, created time.Time) record.ZExerciseRun {
	t.Helper()
	z := record.ZExerciseRun{
		ZRoutineRunID: runID,
		ZExerciseID:   exerciseID,
		CompletedAt:   completed,
		Intensity:     decimal.NewFromInt(60),
		CreatedAt:     created,
	}
	env.tx(t, func(tx record.Tx) {
		require.NoError(t, tx.CreateZExerciseRun(env.ctx, p, &z))
	})
	return z
}

// seedGraph creates one full routine history (routine, exercise, session,
// completion) in p and returns the ZRoutine.
func (env *testEnv) seedGraph(t *testing.T, p record.Partition, routineArchiveID, exerciseArchiveID uuid.UUID, started time.Time) record.ZRoutine {
	t.Helper()
	zr := env.seedZRoutine(t, p, routineArchiveID, started)
	ze := env.seedZExercise(t, p, zr.ID, exerciseArchiveID, started)
	run := env.seedZRoutineRun(t, p, zr.ID, started, started)
	env.seedZExerciseRun(t, p, run.ID, ze.ID, started.Add(10*time.Minute), started)
	return zr
}

// =============================================================================
// ENGINE CONSTRUCTION
// =============================================================================

func TestNew_RequiresStore(t *testing.T) {
	_, err := engine.New(engine.Options{})
	assert.Error(t, err)
}

func TestNew_ArchiveMustDifferFromHot(t *testing.T) {
	// GIVEN: Archive configured as the hot partition
	// WHEN: Building the engine
	// THEN: Invalid partition configuration, before any work
	_, err := engine.New(engine.Options{Store: store.NewMemory(), Archive: record.PartitionHot})

	require.Error(t, err)
	assert.ErrorIs(t, err, record.ErrInvalidPartition)
}

func TestNew_Defaults(t *testing.T) {
	eng, err := engine.New(engine.Options{Store: store.NewMemory(), Logger: quietLogger()})
	require.NoError(t, err)

	assert.Equal(t, record.PartitionHot, eng.Hot())
	assert.Equal(t, record.PartitionArchive, eng.Archive())
	assert.Equal(t, engine.DefaultFreshnessThreshold, eng.FreshnessThreshold())
}

func TestTransfer_ArchiveNotAddressable(t *testing.T) {
	// GIVEN: A store with only the hot partition
	eng, err := engine.New(engine.Options{Store: store.NewMemory(record.PartitionHot), Logger: quietLogger()})
	require.NoError(t, err)

	// WHEN: Transferring
	_, err = eng.TransferToArchive(context.Background())

	// THEN: Invalid partition configuration
	require.Error(t, err)
	assert.ErrorIs(t, err, record.ErrInvalidPartition)
}

func TestCounts_LiveKindsOnlyInHot(t *testing.T) {
	forEachStore(t, t0, func(t *testing.T, env *testEnv) {
		r := env.seedRoutine(t, uuid.New(), time.Time{})
		env.seedExercise(t, r.ID, uuid.New())
		env.seedGraph(t, archive, uuid.New(), uuid.New(), t0)

		hotCounts, err := env.eng.Counts(env.ctx, hot)
		require.NoError(t, err)
		assert.Equal(t, 1, hotCounts[record.KindRoutine])
		assert.Equal(t, 1, hotCounts[record.KindExercise])
		assert.Equal(t, 0, hotCounts[record.KindZRoutine])

		archiveCounts, err := env.eng.Counts(env.ctx, archive)
		require.NoError(t, err)
		assert.NotContains(t, archiveCounts, record.KindRoutine)
		assert.Equal(t, 1, archiveCounts[record.KindZRoutine])
		assert.Equal(t, 1, archiveCounts[record.KindZExerciseRun])
	})
}

func TestCounts_UnknownPartition(t *testing.T) {
	forEachStore(t, t0, func(t *testing.T, env *testEnv) {
		_, err := env.eng.Counts(env.ctx, record.Partition("cold"))
		assert.ErrorIs(t, err, record.ErrInvalidPartition)
	})
}
