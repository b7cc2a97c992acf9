package record

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LOGICAL KEYS - "the same real-world thing", independent of RecordID
// =============================================================================

// RoutineKey identifies a ZRoutine (and a live Routine).
type RoutineKey struct {
	RoutineArchiveID uuid.UUID
}

// ExerciseKey identifies a ZExercise.
type ExerciseKey struct {
	RoutineArchiveID  uuid.UUID
	ExerciseArchiveID uuid.UUID
}

// RoutineRunKey identifies a ZRoutineRun.
type RoutineRunKey struct {
	RoutineArchiveID uuid.UUID
	StartedAt        time.Time
}

// ExerciseRunKey identifies a ZExerciseRun.
type ExerciseRunKey struct {
	ExerciseArchiveID uuid.UUID
	CompletedAt       time.Time
}

func (k RoutineKey) String() string { return k.RoutineArchiveID.String() }

func (k ExerciseKey) String() string {
	return fmt.Sprintf("%s/%s", k.RoutineArchiveID, k.ExerciseArchiveID)
}

func (k RoutineRunKey) String() string {
	return fmt.Sprintf("%s@%s", k.RoutineArchiveID, k.StartedAt.UTC().Format(time.RFC3339Nano))
}

func (k ExerciseRunKey) String() string {
	return fmt.Sprintf("%s@%s", k.ExerciseArchiveID, k.CompletedAt.UTC().Format(time.RFC3339Nano))
}
