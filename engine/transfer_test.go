package engine_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/routine-engine/engine"
	"github.com/warp/routine-engine/record"
)

// now is two days after t0 so histories started at t0 are stale by default.
var now = t0.Add(48 * time.Hour)

func TestTransfer_StaleRoutineMovesToArchive(t *testing.T) {
	forEachStore(t, now, func(t *testing.T, env *testEnv) {
		// GIVEN: Routine r1 last started two days ago, with a full history in hot
		r1, e1 := uuid.New(), uuid.New()
		env.seedRoutine(t, r1, now.Add(-48*time.Hour))
		env.seedGraph(t, hot, r1, e1, now.Add(-48*time.Hour))

		// WHEN
		report, err := env.eng.TransferToArchive(env.ctx)

		// THEN: Hot has no ZRoutine(r1); archive has the whole graph
		require.NoError(t, err)
		assert.Equal(t, 0, report.SkippedFresh)
		for _, kind := range record.LogKinds {
			assert.Equal(t, 1, report.Copied[kind], kind.String())
			assert.Equal(t, 1, report.Purged[kind], kind.String())
			assert.Equal(t, 0, env.count(t, hot, kind), kind.String())
			assert.Equal(t, 1, env.count(t, archive, kind), kind.String())
		}

		env.tx(t, func(tx record.Tx) {
			zrs, err := tx.FindZRoutines(env.ctx, archive, record.RoutineKey{RoutineArchiveID: r1})
			require.NoError(t, err)
			require.Len(t, zrs, 1)

			runs, err := tx.FindZRoutineRuns(env.ctx, archive, record.RoutineRunKey{RoutineArchiveID: r1, StartedAt: now.Add(-48 * time.Hour)})
			require.NoError(t, err)
			require.Len(t, runs, 1)
			assert.Equal(t, zrs[0].ID, runs[0].ZRoutineID)
			assert.Equal(t, 45*time.Minute, runs[0].Duration)

			completions, err := tx.FindZExerciseRuns(env.ctx, archive, record.ExerciseRunKey{
				ExerciseArchiveID: e1,
				CompletedAt:       now.Add(-48 * time.Hour).Add(10 * time.Minute),
			})
			require.NoError(t, err)
			require.Len(t, completions, 1)
			assert.Equal(t, runs[0].ID, completions[0].ZRoutineRunID)
			assert.True(t, decimal.NewFromInt(60).Equal(completions[0].Intensity))

			exercises, err := tx.ZExercisesByRoutine(env.ctx, archive, zrs[0].ID)
			require.NoError(t, err)
			require.Len(t, exercises, 1)
			assert.Equal(t, exercises[0].ID, completions[0].ZExerciseID)
		})

		// AND: The live family is untouched
		assert.Equal(t, 1, env.count(t, hot, record.KindRoutine))
	})
}

func TestTransfer_FreshRoutineSkippedEntirely(t *testing.T) {
	forEachStore(t, now, func(t *testing.T, env *testEnv) {
		// GIVEN: Routine r1 started now
		r1 := uuid.New()
		env.seedRoutine(t, r1, now)
		env.seedGraph(t, hot, r1, uuid.New(), now)

		// WHEN
		report, err := env.eng.TransferToArchive(env.ctx)

		// THEN: No copy, no delete
		require.NoError(t, err)
		assert.Equal(t, 1, report.SkippedFresh)
		assert.Equal(t, 1, env.count(t, hot, record.KindZRoutine))
		assert.Equal(t, 0, env.count(t, archive, record.KindZRoutine))
	})
}

func TestTransfer_RoutineWithoutLiveCounterpartIsStale(t *testing.T) {
	forEachStore(t, now, func(t *testing.T, env *testEnv) {
		// GIVEN: History whose live routine was deleted, started just now
		env.seedGraph(t, hot, uuid.New(), uuid.New(), now)

		report, err := env.eng.TransferToArchive(env.ctx)

		require.NoError(t, err)
		assert.Equal(t, 0, report.SkippedFresh)
		assert.Equal(t, 1, env.count(t, archive, record.KindZRoutine))
	})
}

func TestTransfer_FreshnessBoundary(t *testing.T) {
	cases := []struct {
		name        string
		lastStarted time.Time
		transferred bool
	}{
		{"exactly threshold old is fresh", now.Add(-24 * time.Hour), false},
		{"one second past threshold is stale", now.Add(-24*time.Hour - time.Second), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			forEachStore(t, now, func(t *testing.T, env *testEnv) {
				r1 := uuid.New()
				env.seedRoutine(t, r1, tc.lastStarted)
				env.seedGraph(t, hot, r1, uuid.New(), tc.lastStarted)

				_, err := env.eng.Transfer(env.ctx, hot, archive, now, 86400*time.Second)

				require.NoError(t, err)
				if tc.transferred {
					assert.Equal(t, 0, env.count(t, hot, record.KindZRoutine))
					assert.Equal(t, 1, env.count(t, archive, record.KindZRoutine))
				} else {
					assert.Equal(t, 1, env.count(t, hot, record.KindZRoutine))
					assert.Equal(t, 0, env.count(t, archive, record.KindZRoutine))
				}
			})
		})
	}
}

func TestTransfer_IdempotentAcrossCalls(t *testing.T) {
	forEachStore(t, now, func(t *testing.T, env *testEnv) {
		env.seedGraph(t, hot, uuid.New(), uuid.New(), t0)

		_, err := env.eng.TransferToArchive(env.ctx)
		require.NoError(t, err)
		second, err := env.eng.TransferToArchive(env.ctx)

		require.NoError(t, err)
		assert.Empty(t, second.Copied)
		for _, kind := range record.LogKinds {
			assert.Equal(t, 1, env.count(t, archive, kind), kind.String())
		}
	})
}

func TestTransfer_ResumesInterruptedCopyWithoutDuplicates(t *testing.T) {
	forEachStore(t, now, func(t *testing.T, env *testEnv) {
		// GIVEN: A previous pass copied r1 to the archive but never purged hot
		r1, e1 := uuid.New(), uuid.New()
		env.seedGraph(t, hot, r1, e1, t0)
		env.seedGraph(t, archive, r1, e1, t0)

		// WHEN
		report, err := env.eng.TransferToArchive(env.ctx)

		// THEN: Archive records are reused, hot is purged
		require.NoError(t, err)
		assert.Equal(t, 1, report.Purged[record.KindZRoutine])
		for _, kind := range record.LogKinds {
			assert.Equal(t, 0, env.count(t, hot, kind), kind.String())
			assert.Equal(t, 1, env.count(t, archive, kind), kind.String())
		}
	})
}

func TestTransfer_MergesIntoExistingArchiveHistory(t *testing.T) {
	forEachStore(t, now, func(t *testing.T, env *testEnv) {
		// GIVEN: r1 already archived with an older session; a newer stale session in hot
		r1, e1 := uuid.New(), uuid.New()
		env.seedGraph(t, archive, r1, e1, t0.Add(-24*time.Hour))
		env.seedGraph(t, hot, r1, e1, t0)

		// WHEN
		_, err := env.eng.TransferToArchive(env.ctx)

		// THEN: One routine and exercise identity, two sessions
		require.NoError(t, err)
		assert.Equal(t, 1, env.count(t, archive, record.KindZRoutine))
		assert.Equal(t, 1, env.count(t, archive, record.KindZExercise))
		assert.Equal(t, 2, env.count(t, archive, record.KindZRoutineRun))
		assert.Equal(t, 2, env.count(t, archive, record.KindZExerciseRun))
	})
}

func TestTransfer_TombstonesAreNeverCleared(t *testing.T) {
	cases := []struct {
		name          string
		sourceRemoved bool
		destRemoved   bool
		want          bool
	}{
		{"destination tombstone kept", false, true, true},
		{"source tombstone carried", true, false, true},
		{"no tombstone", false, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			forEachStore(t, now, func(t *testing.T, env *testEnv) {
				r1 := uuid.New()
				src := env.seedZRoutine(t, hot, r1, t0)
				srcRun := env.seedZRoutineRun(t, hot, src.ID, t0, t0)
				dst := env.seedZRoutine(t, archive, r1, t0)
				dstRun := env.seedZRoutineRun(t, archive, dst.ID, t0, t0)
				env.tx(t, func(tx record.Tx) {
					srcRun.UserRemoved = tc.sourceRemoved
					require.NoError(t, tx.UpdateZRoutineRun(env.ctx, hot, srcRun))
					dstRun.UserRemoved = tc.destRemoved
					require.NoError(t, tx.UpdateZRoutineRun(env.ctx, archive, dstRun))
				})

				_, err := env.eng.TransferToArchive(env.ctx)
				require.NoError(t, err)

				env.tx(t, func(tx record.Tx) {
					got, err := tx.GetZRoutineRun(env.ctx, archive, dstRun.ID)
					require.NoError(t, err)
					assert.Equal(t, tc.want, got.UserRemoved)
				})
			})
		})
	}
}

func TestTransfer_InvalidGraphLeftInPlace(t *testing.T) {
	forEachStore(t, now, func(t *testing.T, env *testEnv) {
		// GIVEN: A stale routine history without an archive ID next to a valid one
		env.seedGraph(t, hot, uuid.Nil, uuid.New(), t0)
		env.seedGraph(t, hot, uuid.New(), uuid.New(), t0)

		// WHEN
		report, err := env.eng.TransferToArchive(env.ctx)

		// THEN: The valid graph moves; the broken one stays for repair
		require.NoError(t, err)
		assert.Equal(t, 1, report.SkippedInvalid)
		assert.Equal(t, 1, env.count(t, hot, record.KindZRoutine))
		assert.Equal(t, 1, env.count(t, archive, record.KindZRoutine))
	})
}

func TestTransfer_CompletionOfForeignExerciseIsInvalid(t *testing.T) {
	forEachStore(t, now, func(t *testing.T, env *testEnv) {
		// GIVEN: A completion whose session belongs to routine A but whose
		// exercise belongs to routine B
		zrA := env.seedZRoutine(t, hot, uuid.New(), t0)
		zrB := env.seedZRoutine(t, hot, uuid.New(), t0)
		runA := env.seedZRoutineRun(t, hot, zrA.ID, t0, t0)
		env.seedZRoutineRun(t, hot, zrB.ID, t0, t0)
		exB := env.seedZExercise(t, hot, zrB.ID, uuid.New(), t0)
		env.seedZExerciseRun(t, hot, runA.ID, exB.ID, t0.Add(time.Minute), t0)

		// WHEN
		report, err := env.eng.TransferToArchive(env.ctx)

		// THEN: Routine A is skipped, routine B moves
		require.NoError(t, err)
		assert.Equal(t, 1, report.SkippedInvalid)
		assert.Equal(t, 1, env.count(t, archive, record.KindZRoutine))
	})
}

func TestTransfer_SamePartitionRejected(t *testing.T) {
	forEachStore(t, now, func(t *testing.T, env *testEnv) {
		_, err := env.eng.Transfer(env.ctx, hot, hot, now, time.Hour)
		assert.ErrorIs(t, err, record.ErrInvalidPartition)
	})
}

func TestTransfer_ExerciseSharedAcrossGraphsIsNotPurged(t *testing.T) {
	forEachStore(t, now, func(t *testing.T, env *testEnv) {
		// GIVEN: Two stale replicated copies of ZRoutine(r1), each with
		// ZExercise(e1), a session and a completion
		r1, e1 := uuid.New(), uuid.New()
		env.seedGraph(t, hot, r1, e1, t0)
		b := env.seedGraph(t, hot, r1, e1, t0.Add(time.Second))

		// AND: Only the exercise copy has been deduplicated so far, so the
		// surviving ZExercise under A now carries B's completion
		var zeB record.ZExercise
		env.tx(t, func(tx record.Tx) {
			exercises, err := tx.ZExercisesByRoutine(env.ctx, hot, b.ID)
			require.NoError(t, err)
			require.Len(t, exercises, 1)
			zeB = exercises[0]
		})
		_, ok := env.eng.OnInsert(env.ctx, engine.Insert{Kind: record.KindZExercise, ID: zeB.ID, Partition: hot})
		require.True(t, ok)

		// WHEN
		report, err := env.eng.TransferToArchive(env.ctx)

		// THEN: Neither graph is purged, no completion is lost
		require.NoError(t, err)
		assert.Equal(t, 2, report.SkippedInvalid)
		assert.Equal(t, 2, env.count(t, hot, record.KindZExerciseRun))
		assert.Equal(t, 0, env.count(t, archive, record.KindZExerciseRun))

		// WHEN: The routine copy is deduplicated and the next pass runs
		_, ok = env.eng.OnInsert(env.ctx, engine.Insert{Kind: record.KindZRoutine, ID: b.ID, Partition: hot})
		require.True(t, ok)
		report, err = env.eng.TransferToArchive(env.ctx)

		// THEN: The merged history moves whole
		require.NoError(t, err)
		assert.Equal(t, 0, report.SkippedInvalid)
		assert.Equal(t, 0, env.count(t, hot, record.KindZExerciseRun))
		assert.Equal(t, 2, env.count(t, archive, record.KindZExerciseRun))
		assert.Equal(t, 2, env.count(t, archive, record.KindZRoutineRun))
		assert.Equal(t, 1, env.count(t, archive, record.KindZRoutine))
	})
}
