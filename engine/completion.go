package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/routine-engine/observability"
	"github.com/warp/routine-engine/record"
)

// =============================================================================
// COMPLETION / LOGGING STATE TRANSITION
// =============================================================================

// MaxIntensity caps an advancing (non-inverted) intensity.
var MaxIntensity = decimal.NewFromInt(5000)

// Completion is one "exercise done" event from the user-facing workflow.
type Completion struct {
	ExerciseID       record.RecordID
	CompletedAt      time.Time // zero => engine clock
	RoutineStartedAt time.Time // zero => CompletedAt; required when LogToHistory
	WithAdvance      bool
	LogToHistory     bool
}

// CompletionResult is the state written by MarkDone.
type CompletionResult struct {
	Routine  record.Routine
	Exercise record.Exercise

	// Set when the completion was logged to history.
	ZRoutine     record.ZRoutine
	ZExercise    record.ZExercise
	ZRoutineRun  record.ZRoutineRun
	ZExerciseRun record.ZExerciseRun
}

// MarkDone records that an exercise was completed:
//  1. the parent routine's last-started / last-duration are always updated
//  2. with LogToHistory, the hot log graph is get-or-created and the
//     session's user-removed tombstone is cleared
//  3. with WithAdvance, the intensity is stepped and clamped
//  4. the exercise is marked done at CompletedAt
//
// An exercise without a routine fails with ErrMissingRelationship and
// nothing is written.
func (e *Engine) MarkDone(ctx context.Context, c Completion) (CompletionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c.CompletedAt.IsZero() {
		c.CompletedAt = e.clock.Now()
	}
	if c.RoutineStartedAt.IsZero() {
		if c.LogToHistory {
			return CompletionResult{}, missing(record.KindZRoutineRun, 0, "startedAt")
		}
		c.RoutineStartedAt = c.CompletedAt
	}

	var result CompletionResult
	err := e.store.WithTx(ctx, func(tx record.Tx) error {
		ex, err := tx.GetExercise(ctx, c.ExerciseID)
		if err != nil {
			return err
		}
		routine, err := parentRoutine(ctx, tx, ex)
		if err != nil {
			return err
		}

		duration := c.CompletedAt.Sub(c.RoutineStartedAt)
		if duration < 0 {
			duration = 0
		}
		routine.LastStartedAt = c.RoutineStartedAt
		routine.LastDuration = duration

		if c.LogToHistory {
			if err := e.logCompletion(ctx, tx, &routine, &ex, c, duration, &result); err != nil {
				return fmt.Errorf("log completion: %w", err)
			}
		}

		if err := tx.UpdateRoutine(ctx, routine); err != nil {
			return err
		}

		if c.WithAdvance {
			ex.Intensity = AdvanceIntensity(ex.Intensity)
		}
		ex.LastCompletedAt = c.CompletedAt
		if err := tx.UpdateExercise(ctx, ex); err != nil {
			return err
		}

		result.Routine = routine
		result.Exercise = ex
		return nil
	})
	if err != nil {
		return CompletionResult{}, fmt.Errorf("mark exercise %d done: %w", c.ExerciseID, err)
	}

	observability.RecordCompletion(c.LogToHistory)
	e.log.Debug("exercise done",
		"exercise", int64(c.ExerciseID),
		"completedAt", c.CompletedAt,
		"logged", c.LogToHistory,
		"advanced", c.WithAdvance)
	return result, nil
}

func parentRoutine(ctx context.Context, tx record.Tx, ex record.Exercise) (record.Routine, error) {
	if ex.RoutineID == 0 {
		return record.Routine{}, &record.MissingRelationshipError{Kind: record.KindExercise, ID: ex.ID, Relationship: "routine"}
	}
	routine, err := tx.GetRoutine(ctx, ex.RoutineID)
	if record.IsNotFound(err) {
		return record.Routine{}, &record.MissingRelationshipError{Kind: record.KindExercise, ID: ex.ID, Relationship: "routine"}
	}
	return routine, err
}

// logCompletion writes routine -> session -> completion into the hot log
// family. Archive IDs are assigned to the live records if absent; the caller
// persists the live records.
func (e *Engine) logCompletion(ctx context.Context, tx record.Tx, routine *record.Routine, ex *record.Exercise,
	c Completion, duration time.Duration, out *CompletionResult) error {
	if routine.ArchiveID == uuid.Nil {
		routine.ArchiveID = uuid.New()
	}
	if ex.ArchiveID == uuid.Nil {
		ex.ArchiveID = uuid.New()
	}
	now := e.clock.Now()

	zr, err := upsertZRoutine(ctx, tx, e.hot, routine.ArchiveID, func(z *record.ZRoutine, existed bool) {
		z.Name = routine.Name
		if !existed {
			z.CreatedAt = now
		}
	})
	if err != nil {
		return fmt.Errorf("zRoutine: %w", err)
	}

	exerciseKey := record.ExerciseKey{RoutineArchiveID: routine.ArchiveID, ExerciseArchiveID: ex.ArchiveID}
	ze, err := upsertZExercise(ctx, tx, e.hot, exerciseKey, zr.ID, func(z *record.ZExercise, existed bool) {
		z.Name = ex.Name
		z.Units = ex.Units
		if !existed {
			z.CreatedAt = now
		}
	})
	if err != nil {
		return fmt.Errorf("zExercise: %w", err)
	}

	runKey := record.RoutineRunKey{RoutineArchiveID: routine.ArchiveID, StartedAt: c.RoutineStartedAt}
	zrr, err := upsertZRoutineRun(ctx, tx, e.hot, runKey, zr.ID, func(z *record.ZRoutineRun, existed bool) {
		z.Duration = duration
		// A new completion proves the session is live, whatever another device decided.
		z.UserRemoved = false
		if !existed {
			z.CreatedAt = now
		}
	})
	if err != nil {
		return fmt.Errorf("zRoutineRun: %w", err)
	}

	completionKey := record.ExerciseRunKey{ExerciseArchiveID: ex.ArchiveID, CompletedAt: c.CompletedAt}
	zer, err := upsertZExerciseRun(ctx, tx, e.hot, completionKey, zrr.ID, ze.ID, func(z *record.ZExerciseRun, existed bool) {
		z.Intensity = ex.Intensity.Value
		if !existed {
			z.CreatedAt = now
		}
	})
	if err != nil {
		return fmt.Errorf("zExerciseRun: %w", err)
	}

	out.ZRoutine = zr
	out.ZExercise = ze
	out.ZRoutineRun = zrr
	out.ZExerciseRun = zer
	return nil
}

// AdvanceIntensity steps the value by the configured step: downward and
// clamped at zero when inverted, upward and clamped at MaxIntensity otherwise.
func AdvanceIntensity(in record.Intensity) record.Intensity {
	step := in.Step.Abs()
	out := in
	if in.Inverted {
		out.Value = decimal.Max(in.Value.Sub(step), decimal.Zero)
	} else {
		out.Value = decimal.Min(in.Value.Add(step), MaxIntensity)
	}
	return out
}

// =============================================================================
// SESSION HELPERS
// =============================================================================

// UnmarkDone clears an exercise's completion for the current session.
// History already logged is left alone.
func (e *Engine) UnmarkDone(ctx context.Context, exerciseID record.RecordID) (record.Exercise, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ex record.Exercise
	err := e.store.WithTx(ctx, func(tx record.Tx) error {
		var err error
		ex, err = tx.GetExercise(ctx, exerciseID)
		if err != nil {
			return err
		}
		ex.LastCompletedAt = time.Time{}
		return tx.UpdateExercise(ctx, ex)
	})
	if err != nil {
		return record.Exercise{}, fmt.Errorf("unmark exercise %d: %w", exerciseID, err)
	}
	return ex, nil
}

// ResetSession clears the completion of every exercise in a routine and
// returns how many were cleared.
func (e *Engine) ResetSession(ctx context.Context, routineID record.RecordID) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cleared := 0
	err := e.store.WithTx(ctx, func(tx record.Tx) error {
		if _, err := tx.GetRoutine(ctx, routineID); err != nil {
			return err
		}
		exercises, err := tx.ExercisesByRoutine(ctx, routineID)
		if err != nil {
			return err
		}
		for _, ex := range exercises {
			if !ex.IsDone() {
				continue
			}
			ex.LastCompletedAt = time.Time{}
			if err := tx.UpdateExercise(ctx, ex); err != nil {
				return err
			}
			cleared++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reset routine %d: %w", routineID, err)
	}
	return cleared, nil
}

// RemoveRoutineRun sets the user-removed tombstone on a session.
func (e *Engine) RemoveRoutineRun(ctx context.Context, p record.Partition, id record.RecordID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkPartition(p); err != nil {
		return err
	}
	err := e.store.WithTx(ctx, func(tx record.Tx) error {
		run, err := tx.GetZRoutineRun(ctx, p, id)
		if err != nil {
			return err
		}
		run.UserRemoved = true
		return tx.UpdateZRoutineRun(ctx, p, run)
	})
	if err != nil {
		return fmt.Errorf("remove routine run %d: %w", id, err)
	}
	return nil
}

// RemoveExerciseRun sets the user-removed tombstone on a completion.
func (e *Engine) RemoveExerciseRun(ctx context.Context, p record.Partition, id record.RecordID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkPartition(p); err != nil {
		return err
	}
	err := e.store.WithTx(ctx, func(tx record.Tx) error {
		run, err := tx.GetZExerciseRun(ctx, p, id)
		if err != nil {
			return err
		}
		run.UserRemoved = true
		return tx.UpdateZExerciseRun(ctx, p, run)
	})
	if err != nil {
		return fmt.Errorf("remove exercise run %d: %w", id, err)
	}
	return nil
}

// =============================================================================
// LIVE BOOTSTRAP
// =============================================================================

// CreateRoutine stores a new live routine. An archive ID is assigned when
// absent and is immutable afterwards.
func (e *Engine) CreateRoutine(ctx context.Context, r record.Routine) (record.Routine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r.ID = 0
	if r.ArchiveID == uuid.Nil {
		r.ArchiveID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = e.clock.Now()
	}

	err := e.store.WithTx(ctx, func(tx record.Tx) error {
		if r.UserOrder == 0 {
			existing, err := tx.ListRoutines(ctx)
			if err != nil {
				return err
			}
			r.UserOrder = len(existing)
		}
		return tx.CreateRoutine(ctx, &r)
	})
	if err != nil {
		return record.Routine{}, fmt.Errorf("create routine: %w", err)
	}
	return r, nil
}

// AddExercise appends a new exercise to a routine.
func (e *Engine) AddExercise(ctx context.Context, routineID record.RecordID, ex record.Exercise) (record.Exercise, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ex.ID = 0
	ex.RoutineID = routineID
	if ex.ArchiveID == uuid.Nil {
		ex.ArchiveID = uuid.New()
	}
	if ex.Units == "" {
		ex.Units = record.UnitsNone
	}
	if ex.Intensity.Step.IsZero() {
		ex.Intensity.Step = decimal.NewFromInt(1)
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = e.clock.Now()
	}

	err := e.store.WithTx(ctx, func(tx record.Tx) error {
		if _, err := tx.GetRoutine(ctx, routineID); err != nil {
			if record.IsNotFound(err) {
				return &record.MissingRelationshipError{Kind: record.KindExercise, ID: 0, Relationship: "routine"}
			}
			return err
		}
		if ex.UserOrder == 0 {
			siblings, err := tx.ExercisesByRoutine(ctx, routineID)
			if err != nil {
				return err
			}
			ex.UserOrder = len(siblings)
		}
		return tx.CreateExercise(ctx, &ex)
	})
	if err != nil {
		return record.Exercise{}, fmt.Errorf("add exercise to routine %d: %w", routineID, err)
	}
	return ex, nil
}

// RoutineView is a live routine with its exercises in user order.
type RoutineView struct {
	Routine   record.Routine
	Exercises []record.Exercise
}

// Routines returns every live routine in user order.
func (e *Engine) Routines(ctx context.Context) ([]RoutineView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var views []RoutineView
	err := e.store.WithTx(ctx, func(tx record.Tx) error {
		routines, err := tx.ListRoutines(ctx)
		if err != nil {
			return err
		}
		views = make([]RoutineView, 0, len(routines))
		for _, r := range routines {
			exercises, err := tx.ExercisesByRoutine(ctx, r.ID)
			if err != nil {
				return err
			}
			views = append(views, RoutineView{Routine: r, Exercises: exercises})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list routines: %w", err)
	}
	return views, nil
}

// Routine returns one live routine with its exercises.
func (e *Engine) Routine(ctx context.Context, id record.RecordID) (RoutineView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var view RoutineView
	err := e.store.WithTx(ctx, func(tx record.Tx) error {
		r, err := tx.GetRoutine(ctx, id)
		if err != nil {
			return err
		}
		exercises, err := tx.ExercisesByRoutine(ctx, id)
		if err != nil {
			return err
		}
		view = RoutineView{Routine: r, Exercises: exercises}
		return nil
	})
	if err != nil {
		return RoutineView{}, fmt.Errorf("get routine %d: %w", id, err)
	}
	return view, nil
}
