/*
Package record defines the logical data model of the routine store.

PURPOSE:
  Two entity families live side by side:
  - Live family (Routine, Exercise): mutable, authored locally, hot partition only.
  - Log family (ZRoutine, ZExercise, ZRoutineRun, ZExerciseRun): append-mostly
    history, replicated between devices, resident in the hot OR archive partition.

KEY CONCEPTS IN THIS FILE (types.go):
  - RecordID:  physical row identity, only meaningful inside one partition
  - Partition: named physical store ("hot", "archive")
  - Kind:      entity type tag used by the post-insert hook dispatch table
  - Archive ID: stable UUID joining the live family to the log family

ARENA STORAGE:
  Records never hold pointers to each other. Relationships are stored keys
  (ZRoutineID, ZExerciseID, ...) and back-references are indexed lookups in
  the Store. There are no ownership cycles to manage.

NULLABILITY:
  Zero values stand for "absent":
  - uuid.Nil archive ID    => not yet assigned
  - zero time.Time         => never started / not done this session
  - RecordID 0             => no parent

SEE ALSO:
  - keys.go:  Logical keys used for deduplication and get-or-create
  - store.go: Record Store Abstraction
*/
package record

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// RecordID is the physical identity of a record within one partition.
// The same logical record has unrelated RecordIDs in the hot and archive partitions.
type RecordID int64

// Partition names a physical store.
type Partition string

const (
	PartitionHot     Partition = "hot"
	PartitionArchive Partition = "archive"
)

func (p Partition) String() string { return string(p) }

// =============================================================================
// KIND - Entity type tag
// =============================================================================

type Kind int

const (
	KindRoutine Kind = iota + 1
	KindExercise
	KindZRoutine
	KindZExercise
	KindZRoutineRun
	KindZExerciseRun
)

var kindNames = map[Kind]string{
	KindRoutine:      "Routine",
	KindExercise:     "Exercise",
	KindZRoutine:     "ZRoutine",
	KindZExercise:    "ZExercise",
	KindZRoutineRun:  "ZRoutineRun",
	KindZExerciseRun: "ZExerciseRun",
}

// LogKinds lists the log family, parents before children.
var LogKinds = []Kind{KindZRoutine, KindZExercise, KindZRoutineRun, KindZExerciseRun}

// LiveKinds lists the live family, parents before children.
var LiveKinds = []Kind{KindRoutine, KindExercise}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText encodes the kind by name, so map[Kind]int reports read as JSON.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText is the inverse of MarshalText.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// IsLog reports whether k belongs to the log family.
func (k Kind) IsLog() bool {
	return k >= KindZRoutine && k <= KindZExerciseRun
}

// ParseKind resolves an entity name as delivered by the replication layer.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown entity kind %q", name)
}

// =============================================================================
// LIVE FAMILY
// =============================================================================

// Routine is an ordered collection of exercises.
type Routine struct {
	ID            RecordID
	Name          string
	UserOrder     int
	ArchiveID     uuid.UUID
	LastStartedAt time.Time
	LastDuration  time.Duration
	ImageName     string
	CreatedAt     time.Time
}

// Units describes what an exercise's intensity measures.
type Units string

const (
	UnitsNone      Units = "none"
	UnitsKilograms Units = "kg"
	UnitsPounds    Units = "lb"
	UnitsMinutes   Units = "min"
	UnitsSeconds   Units = "sec"
	UnitsPercent   Units = "percent"
	UnitsDegrees   Units = "degrees"
)

// Intensity is the configurable load of an exercise.
type Intensity struct {
	Value    decimal.Decimal
	Step     decimal.Decimal
	Inverted bool // step downward on advance
}

// Exercise belongs to exactly one Routine (RoutineID == 0 means the edge is broken).
type Exercise struct {
	ID              RecordID
	RoutineID       RecordID
	Name            string
	ArchiveID       uuid.UUID
	UserOrder       int
	Units           Units
	Intensity       Intensity
	LastCompletedAt time.Time
	CreatedAt       time.Time
}

// IsDone reports whether the exercise was completed in the current session.
func (e Exercise) IsDone() bool { return !e.LastCompletedAt.IsZero() }

// =============================================================================
// LOG FAMILY
// =============================================================================

// ZRoutine is the archived identity of a Routine.
type ZRoutine struct {
	ID        RecordID
	ArchiveID uuid.UUID
	Name      string
	CreatedAt time.Time
}

// ZExercise is the archived identity of an Exercise under a ZRoutine.
type ZExercise struct {
	ID         RecordID
	ZRoutineID RecordID
	ArchiveID  uuid.UUID
	Name       string
	Units      Units
	CreatedAt  time.Time
}

// ZRoutineRun is one session of running a routine.
type ZRoutineRun struct {
	ID          RecordID
	ZRoutineID  RecordID
	StartedAt   time.Time
	Duration    time.Duration
	UserRemoved bool
	CreatedAt   time.Time
}

// DateRange returns the closed interval covered by the session.
func (r ZRoutineRun) DateRange() (start, end time.Time) {
	return r.StartedAt, r.StartedAt.Add(r.Duration)
}

// ZExerciseRun is one completion event within a session.
type ZExerciseRun struct {
	ID            RecordID
	ZRoutineRunID RecordID
	ZExerciseID   RecordID
	CompletedAt   time.Time
	Intensity     decimal.Decimal
	UserRemoved   bool
	CreatedAt     time.Time
}
