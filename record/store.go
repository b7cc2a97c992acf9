/*
store.go - Record Store Abstraction

PURPOSE:
  Defines the interface between the engine and persistence. The engine never
  talks to a database directly; it receives a Tx inside Store.WithTx and every
  read and write of one logical operation goes through it.

KEY INTERFACES:
  Store:  Opens units of work, reports which partitions exist
  Tx:     Unit of work. LiveTx (hot only) + LogTx (partition-scoped) + batch ops

UNIT OF WORK:
  Store.WithTx is the single commit point of a logical operation:
  - fn returns nil   => everything fn wrote is committed together
  - fn returns error => nothing fn wrote is visible, prior state untouched
  Tx methods never commit on their own.

ORDERING:
  Every "Find"/"By" query returns records ascending by (CreatedAt, ID).
  The ID component makes ties on CreatedAt deterministic: the lowest
  RecordID is the earliest.

REFERENTIAL RULES:
  - A log record's parent lives in the same partition.
  - Deleting a parent deletes its children (cascade), in both implementations.
  - Live records exist only in the hot partition.

IMPLEMENTATIONS:
  - record/store/memory.go: In-memory, snapshot/restore transactions
  - store/sqlite/sqlite.go: SQLite, archive partition ATTACHed to the hot database

SEE ALSO:
  - types.go: Entities
  - keys.go:  Logical keys accepted by the Find* queries
*/
package record

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// STORE - Unit-of-work factory
// =============================================================================

type Store interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// Partitions lists the physical partitions this store can address.
	Partitions() []Partition

	Close() error
}

// HasPartition reports whether s can address p.
func HasPartition(s Store, p Partition) bool {
	for _, candidate := range s.Partitions() {
		if candidate == p {
			return true
		}
	}
	return false
}

// =============================================================================
// TX - One unit of work
// =============================================================================

type Tx interface {
	LiveTx
	LogTx

	// IDs returns every record ID of kind in p, ascending by (CreatedAt, ID).
	IDs(ctx context.Context, p Partition, kind Kind) ([]RecordID, error)

	// Count returns the number of records of kind in p.
	Count(ctx context.Context, p Partition, kind Kind) (int, error)

	// Delete removes the given records of kind from p, cascading to children.
	// Unknown IDs are ignored. Returns the number of records removed.
	Delete(ctx context.Context, p Partition, kind Kind, ids []RecordID) (int, error)
}

// LiveTx covers the live family. Live records always live in PartitionHot.
type LiveTx interface {
	CreateRoutine(ctx context.Context, r *Routine) error
	UpdateRoutine(ctx context.Context, r Routine) error
	GetRoutine(ctx context.Context, id RecordID) (Routine, error)
	ListRoutines(ctx context.Context) ([]Routine, error) // by (UserOrder, ID)
	RoutinesByArchiveID(ctx context.Context, archiveID uuid.UUID) ([]Routine, error)

	CreateExercise(ctx context.Context, e *Exercise) error
	UpdateExercise(ctx context.Context, e Exercise) error
	GetExercise(ctx context.Context, id RecordID) (Exercise, error)
	ExercisesByRoutine(ctx context.Context, routineID RecordID) ([]Exercise, error) // by (UserOrder, ID)
	ExercisesByArchiveID(ctx context.Context, archiveID uuid.UUID) ([]Exercise, error)

	// MoveExercises reparents every exercise of routine from onto routine to.
	MoveExercises(ctx context.Context, from, to RecordID) (int, error)
}

// LogTx covers the log family. Every method is scoped to one partition.
type LogTx interface {
	CreateZRoutine(ctx context.Context, p Partition, z *ZRoutine) error
	UpdateZRoutine(ctx context.Context, p Partition, z ZRoutine) error
	GetZRoutine(ctx context.Context, p Partition, id RecordID) (ZRoutine, error)
	ListZRoutines(ctx context.Context, p Partition) ([]ZRoutine, error)
	FindZRoutines(ctx context.Context, p Partition, key RoutineKey) ([]ZRoutine, error)

	CreateZExercise(ctx context.Context, p Partition, z *ZExercise) error
	UpdateZExercise(ctx context.Context, p Partition, z ZExercise) error
	GetZExercise(ctx context.Context, p Partition, id RecordID) (ZExercise, error)
	ZExercisesByRoutine(ctx context.Context, p Partition, zRoutineID RecordID) ([]ZExercise, error)
	FindZExercises(ctx context.Context, p Partition, key ExerciseKey) ([]ZExercise, error)

	CreateZRoutineRun(ctx context.Context, p Partition, z *ZRoutineRun) error
	UpdateZRoutineRun(ctx context.Context, p Partition, z ZRoutineRun) error
	GetZRoutineRun(ctx context.Context, p Partition, id RecordID) (ZRoutineRun, error)
	ZRoutineRunsByRoutine(ctx context.Context, p Partition, zRoutineID RecordID) ([]ZRoutineRun, error)
	FindZRoutineRuns(ctx context.Context, p Partition, key RoutineRunKey) ([]ZRoutineRun, error)

	CreateZExerciseRun(ctx context.Context, p Partition, z *ZExerciseRun) error
	UpdateZExerciseRun(ctx context.Context, p Partition, z ZExerciseRun) error
	GetZExerciseRun(ctx context.Context, p Partition, id RecordID) (ZExerciseRun, error)
	ZExerciseRunsByRun(ctx context.Context, p Partition, zRoutineRunID RecordID) ([]ZExerciseRun, error)
	ZExerciseRunsByExercise(ctx context.Context, p Partition, zExerciseID RecordID) ([]ZExerciseRun, error)
	FindZExerciseRuns(ctx context.Context, p Partition, key ExerciseRunKey) ([]ZExerciseRun, error)

	// Reparenting. Each moves one child collection and returns how many moved.
	MoveZExercises(ctx context.Context, p Partition, fromZRoutine, toZRoutine RecordID) (int, error)
	MoveZRoutineRuns(ctx context.Context, p Partition, fromZRoutine, toZRoutine RecordID) (int, error)
	MoveZExerciseRunsByExercise(ctx context.Context, p Partition, fromZExercise, toZExercise RecordID) (int, error)
	MoveZExerciseRunsByRun(ctx context.Context, p Partition, fromZRoutineRun, toZRoutineRun RecordID) (int, error)

	// Retention primitives.
	DeleteZExerciseRunsBefore(ctx context.Context, p Partition, t time.Time) (int, error)
	DeleteZRoutineRunsBefore(ctx context.Context, p Partition, t time.Time) (int, error)
	DeleteChildlessZExercises(ctx context.Context, p Partition) (int, error)
	DeleteChildlessZRoutines(ctx context.Context, p Partition) (int, error)
}
