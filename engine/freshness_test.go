package engine_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/routine-engine/engine"
)

func TestFresh(t *testing.T) {
	threshold := 86400 * time.Second
	cases := []struct {
		name        string
		lastStarted time.Time
		want        bool
	}{
		{"never started", time.Time{}, false},
		{"started now", now, true},
		{"exactly at threshold", now.Add(-threshold), true},
		{"one second past threshold", now.Add(-threshold - time.Second), false},
		{"two days ago", now.Add(-48 * time.Hour), false},
		{"clock skew puts start in the future", now.Add(time.Hour), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, engine.Fresh(tc.lastStarted, now, threshold))
		})
	}
}

func TestIsFresh_FollowsLiveRoutine(t *testing.T) {
	forEachStore(t, now, func(t *testing.T, env *testEnv) {
		// GIVEN: A live routine started an hour ago and its history
		r1 := uuid.New()
		env.seedRoutine(t, r1, now.Add(-time.Hour))
		zr := env.seedZRoutine(t, hot, r1, t0)

		fresh, err := env.eng.IsFresh(env.ctx, zr.ID)
		require.NoError(t, err)
		assert.True(t, fresh)

		// WHEN: A day passes without a completion
		env.clock.Advance(24 * time.Hour)

		// THEN: The session is considered abandoned
		fresh, err = env.eng.IsFresh(env.ctx, zr.ID)
		require.NoError(t, err)
		assert.False(t, fresh)
	})
}

func TestIsFresh_NoLiveRoutine(t *testing.T) {
	forEachStore(t, now, func(t *testing.T, env *testEnv) {
		zr := env.seedZRoutine(t, hot, uuid.New(), now)

		fresh, err := env.eng.IsFresh(env.ctx, zr.ID)

		require.NoError(t, err)
		assert.False(t, fresh)
	})
}

func TestIsFresh_DuplicateLiveRoutinesUseLatestStart(t *testing.T) {
	forEachStore(t, now, func(t *testing.T, env *testEnv) {
		// GIVEN: A stale replicated copy of r1 created first, and the copy in use
		r1 := uuid.New()
		env.seedRoutine(t, r1, now.Add(-48*time.Hour))
		env.seedRoutine(t, r1, now.Add(-time.Hour))
		zr := env.seedZRoutine(t, hot, r1, t0)

		// WHEN
		fresh, err := env.eng.IsFresh(env.ctx, zr.ID)

		// THEN
		require.NoError(t, err)
		assert.True(t, fresh)
	})
}
