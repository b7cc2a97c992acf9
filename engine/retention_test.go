package engine_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/routine-engine/record"
)

const day = 24 * time.Hour

func TestCleanLogRecords_DeletesOldHistoryInEveryPartition(t *testing.T) {
	forEachStore(t, now, func(t *testing.T, env *testEnv) {
		// GIVEN: An old and a recent history in hot, an old one in archive
		keepSince := now.Add(-30 * day)
		env.seedGraph(t, hot, uuid.New(), uuid.New(), now.Add(-60*day))
		env.seedGraph(t, hot, uuid.New(), uuid.New(), now.Add(-day))
		env.seedGraph(t, archive, uuid.New(), uuid.New(), now.Add(-90*day))

		// WHEN
		report, err := env.eng.CleanLogRecords(env.ctx, keepSince)

		// THEN: Both old graphs are gone, the recent one is intact
		require.NoError(t, err)
		assert.True(t, keepSince.Equal(report.KeepSince))
		assert.ElementsMatch(t, []record.Partition{hot, archive}, report.Partitions)
		for _, kind := range record.LogKinds {
			assert.Equal(t, 2, report.Deleted[kind], kind.String())
			assert.Equal(t, 1, env.count(t, hot, kind), kind.String())
			assert.Equal(t, 0, env.count(t, archive, kind), kind.String())
		}
	})
}

func TestCleanLogRecords_KeepsParentsWithRecentChildren(t *testing.T) {
	forEachStore(t, now, func(t *testing.T, env *testEnv) {
		// GIVEN: One routine and exercise with an old and a recent session
		keepSince := now.Add(-30 * day)
		zr := env.seedZRoutine(t, hot, uuid.New(), now.Add(-60*day))
		ze := env.seedZExercise(t, hot, zr.ID, uuid.New(), now.Add(-60*day))
		oldRun := env.seedZRoutineRun(t, hot, zr.ID, now.Add(-60*day), now.Add(-60*day))
		env.seedZExerciseRun(t, hot, oldRun.ID, ze.ID, now.Add(-60*day), now.Add(-60*day))
		newRun := env.seedZRoutineRun(t, hot, zr.ID, now.Add(-day), now.Add(-day))
		recent := env.seedZExerciseRun(t, hot, newRun.ID, ze.ID, now.Add(-day), now.Add(-day))

		// WHEN
		report, err := env.eng.CleanLogRecords(env.ctx, keepSince)

		// THEN: Only the old session and its completion go
		require.NoError(t, err)
		assert.Equal(t, 1, report.Deleted[record.KindZExerciseRun])
		assert.Equal(t, 1, report.Deleted[record.KindZRoutineRun])
		assert.Equal(t, 0, report.Deleted[record.KindZExercise])
		assert.Equal(t, 0, report.Deleted[record.KindZRoutine])

		env.tx(t, func(tx record.Tx) {
			_, err := tx.GetZRoutine(env.ctx, hot, zr.ID)
			require.NoError(t, err)
			_, err = tx.GetZExercise(env.ctx, hot, ze.ID)
			require.NoError(t, err)
			_, err = tx.GetZExerciseRun(env.ctx, hot, recent.ID)
			require.NoError(t, err)
			_, err = tx.GetZRoutineRun(env.ctx, hot, oldRun.ID)
			assert.True(t, record.IsNotFound(err))
		})
	})
}

func TestCleanLogRecords_CascadeOrphansSweptOnNextPass(t *testing.T) {
	forEachStore(t, now, func(t *testing.T, env *testEnv) {
		// GIVEN: A recent completion filed under an old session. The routine
		// keeps a recent session with no completions.
		keepSince := now.Add(-30 * day)
		zr := env.seedZRoutine(t, hot, uuid.New(), now.Add(-60*day))
		ze := env.seedZExercise(t, hot, zr.ID, uuid.New(), now.Add(-60*day))
		oldRun := env.seedZRoutineRun(t, hot, zr.ID, now.Add(-60*day), now.Add(-60*day))
		env.seedZExerciseRun(t, hot, oldRun.ID, ze.ID, now.Add(-day), now.Add(-day))
		env.seedZRoutineRun(t, hot, zr.ID, now.Add(-day), now.Add(-day))

		// WHEN: The first pass removes the old session
		first, err := env.eng.CleanLogRecords(env.ctx, keepSince)

		// THEN: The completion went with its session, the exercise survives this pass
		require.NoError(t, err)
		assert.Equal(t, 0, first.Deleted[record.KindZExercise])
		assert.Equal(t, 1, first.Deleted[record.KindZRoutineRun])
		assert.Equal(t, 0, env.count(t, hot, record.KindZExerciseRun))
		assert.Equal(t, 1, env.count(t, hot, record.KindZExercise))

		// WHEN: The next pass runs
		second, err := env.eng.CleanLogRecords(env.ctx, keepSince)

		// THEN: The childless exercise is swept
		require.NoError(t, err)
		assert.Equal(t, 1, second.Deleted[record.KindZExercise])
		assert.Equal(t, 0, env.count(t, hot, record.KindZExercise))
		assert.Equal(t, 1, env.count(t, hot, record.KindZRoutine))
	})
}

func TestCleanLogRecords_UnsetTimesAreNeverOld(t *testing.T) {
	forEachStore(t, now, func(t *testing.T, env *testEnv) {
		// GIVEN: A session and completion that never got a timestamp
		zr := env.seedZRoutine(t, hot, uuid.New(), now.Add(-60*day))
		ze := env.seedZExercise(t, hot, zr.ID, uuid.New(), now.Add(-60*day))
		run := env.seedZRoutineRun(t, hot, zr.ID, time.Time{}, now.Add(-60*day))
		env.seedZExerciseRun(t, hot, run.ID, ze.ID, time.Time{}, now.Add(-60*day))

		// WHEN
		report, err := env.eng.CleanLogRecords(env.ctx, now)

		// THEN
		require.NoError(t, err)
		for _, kind := range record.LogKinds {
			assert.Equal(t, 0, report.Deleted[kind], kind.String())
			assert.Equal(t, 1, env.count(t, hot, kind), kind.String())
		}
	})
}

func TestCleanLogRecords_ChildlessParentsGoRegardlessOfAge(t *testing.T) {
	forEachStore(t, now, func(t *testing.T, env *testEnv) {
		// GIVEN: A routine created just now with no session yet
		env.seedZRoutine(t, hot, uuid.New(), now)

		report, err := env.eng.CleanLogRecords(env.ctx, now.Add(-30*day))

		require.NoError(t, err)
		assert.Equal(t, 1, report.Deleted[record.KindZRoutine])
		assert.Equal(t, 0, env.count(t, hot, record.KindZRoutine))
	})
}

func TestCleanOlderThan_MeasuresFromClock(t *testing.T) {
	forEachStore(t, now, func(t *testing.T, env *testEnv) {
		env.seedGraph(t, hot, uuid.New(), uuid.New(), now.Add(-10*day))

		report, err := env.eng.CleanOlderThan(env.ctx, 30*day)
		require.NoError(t, err)
		assert.True(t, now.Add(-30*day).Equal(report.KeepSince))
		assert.Equal(t, 1, env.count(t, hot, record.KindZRoutine))

		// WHEN: The clock moves past the retention window
		env.clock.Advance(25 * day)
		_, err = env.eng.CleanOlderThan(env.ctx, 30*day)

		// THEN
		require.NoError(t, err)
		assert.Equal(t, 0, env.count(t, hot, record.KindZRoutine))
	})
}
