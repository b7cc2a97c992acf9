package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/routine-engine/record"
)

// =============================================================================
// FRESHNESS POLICY
// =============================================================================

// Fresh reports whether a session last started at lastStarted may still be in
// progress at now. The boundary is inclusive: exactly threshold old is fresh.
// A zero lastStarted is never fresh.
func Fresh(lastStarted, now time.Time, threshold time.Duration) bool {
	if lastStarted.IsZero() {
		return false
	}
	return !now.After(lastStarted.Add(threshold))
}

// isFresh looks up the live routine behind z. No live routine means stale.
// Replicated duplicates awaiting dedup count by their latest start.
func isFresh(ctx context.Context, tx record.Tx, z record.ZRoutine, now time.Time, threshold time.Duration) (bool, error) {
	if z.ArchiveID == uuid.Nil {
		return false, nil
	}
	routines, err := tx.RoutinesByArchiveID(ctx, z.ArchiveID)
	if err != nil {
		return false, fmt.Errorf("live routine for %s: %w", z.ArchiveID, err)
	}
	var lastStarted time.Time
	for _, r := range routines {
		if r.LastStartedAt.After(lastStarted) {
			lastStarted = r.LastStartedAt
		}
	}
	return Fresh(lastStarted, now, threshold), nil
}

// IsFresh evaluates the Freshness Policy for a ZRoutine in the hot partition
// at the engine clock's now.
func (e *Engine) IsFresh(ctx context.Context, zRoutineID record.RecordID) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	var fresh bool
	err := e.store.WithTx(ctx, func(tx record.Tx) error {
		z, err := tx.GetZRoutine(ctx, e.hot, zRoutineID)
		if err != nil {
			return err
		}
		fresh, err = isFresh(ctx, tx, z, now, e.threshold)
		return err
	})
	return fresh, err
}
