// Package store provides in-memory record.Store implementations.
package store

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/routine-engine/record"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every partition in process memory. WithTx snapshots all tables
// and restores them when the unit of work fails.
type Memory struct {
	mu         sync.Mutex
	nextID     record.RecordID
	partitions []record.Partition
	live       liveTables
	logs       map[record.Partition]*logTables
}

type liveTables struct {
	routines  map[record.RecordID]record.Routine
	exercises map[record.RecordID]record.Exercise
}

type logTables struct {
	zRoutines     map[record.RecordID]record.ZRoutine
	zExercises    map[record.RecordID]record.ZExercise
	zRoutineRuns  map[record.RecordID]record.ZRoutineRun
	zExerciseRuns map[record.RecordID]record.ZExerciseRun
}

// NewMemory creates a store addressing the given partitions.
// With no arguments it creates the hot and archive partitions.
// The hot partition always exists because it holds the live family.
func NewMemory(partitions ...record.Partition) *Memory {
	if len(partitions) == 0 {
		partitions = []record.Partition{record.PartitionHot, record.PartitionArchive}
	}
	if !slices.Contains(partitions, record.PartitionHot) {
		partitions = append([]record.Partition{record.PartitionHot}, partitions...)
	}

	m := &Memory{
		partitions: partitions,
		live: liveTables{
			routines:  make(map[record.RecordID]record.Routine),
			exercises: make(map[record.RecordID]record.Exercise),
		},
		logs: make(map[record.Partition]*logTables),
	}
	for _, p := range partitions {
		m.logs[p] = newLogTables()
	}
	return m
}

func newLogTables() *logTables {
	return &logTables{
		zRoutines:     make(map[record.RecordID]record.ZRoutine),
		zExercises:    make(map[record.RecordID]record.ZExercise),
		zRoutineRuns:  make(map[record.RecordID]record.ZRoutineRun),
		zExerciseRuns: make(map[record.RecordID]record.ZExerciseRun),
	}
}

func (m *Memory) Partitions() []record.Partition {
	return slices.Clone(m.partitions)
}

func (m *Memory) Close() error { return nil }

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(record.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&memoryTx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	nextID record.RecordID
	live   liveTables
	logs   map[record.Partition]*logTables
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		nextID: m.nextID,
		live: liveTables{
			routines:  maps.Clone(m.live.routines),
			exercises: maps.Clone(m.live.exercises),
		},
		logs: make(map[record.Partition]*logTables, len(m.logs)),
	}
	for p, t := range m.logs {
		s.logs[p] = &logTables{
			zRoutines:     maps.Clone(t.zRoutines),
			zExercises:    maps.Clone(t.zExercises),
			zRoutineRuns:  maps.Clone(t.zRoutineRuns),
			zExerciseRuns: maps.Clone(t.zExerciseRuns),
		}
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.nextID = s.nextID
	m.live = s.live
	m.logs = s.logs
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// memoryTx runs with Memory.mu held by WithTx.
type memoryTx struct {
	m *Memory
}

var _ record.Tx = (*memoryTx)(nil)

func (tx *memoryTx) newID() record.RecordID {
	tx.m.nextID++
	return tx.m.nextID
}

func (tx *memoryTx) tables(p record.Partition) (*logTables, error) {
	t, ok := tx.m.logs[p]
	if !ok {
		return nil, &record.PartitionError{Partition: p, Reason: "is not configured"}
	}
	return t, nil
}

func normalize(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return time.Unix(0, t.UnixNano()).UTC()
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return normalize(time.Now())
	}
	return normalize(t)
}

func byCreation[T any](items []T, created func(T) time.Time, id func(T) record.RecordID) []T {
	slices.SortFunc(items, func(a, b T) int {
		if c := created(a).Compare(created(b)); c != 0 {
			return c
		}
		return cmp.Compare(id(a), id(b))
	})
	return items
}

func collect[T any](src map[record.RecordID]T, keep func(T) bool) []T {
	out := make([]T, 0)
	for _, v := range src {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// =============================================================================
// LIVE FAMILY
// =============================================================================

func routineCreated(r record.Routine) time.Time    { return r.CreatedAt }
func routineID(r record.Routine) record.RecordID    { return r.ID }
func exerciseCreated(e record.Exercise) time.Time   { return e.CreatedAt }
func exerciseID(e record.Exercise) record.RecordID  { return e.ID }

func normalizeRoutine(r record.Routine) record.Routine {
	r.LastStartedAt = normalize(r.LastStartedAt)
	r.CreatedAt = normalize(r.CreatedAt)
	return r
}

func normalizeExercise(e record.Exercise) record.Exercise {
	e.LastCompletedAt = normalize(e.LastCompletedAt)
	e.CreatedAt = normalize(e.CreatedAt)
	return e
}

func (tx *memoryTx) CreateRoutine(_ context.Context, r *record.Routine) error {
	r.ID = tx.newID()
	r.CreatedAt = createdAt(r.CreatedAt)
	*r = normalizeRoutine(*r)
	tx.m.live.routines[r.ID] = *r
	return nil
}

func (tx *memoryTx) UpdateRoutine(_ context.Context, r record.Routine) error {
	if _, ok := tx.m.live.routines[r.ID]; !ok {
		return &record.NotFoundError{Kind: record.KindRoutine, ID: r.ID, Partition: record.PartitionHot}
	}
	tx.m.live.routines[r.ID] = normalizeRoutine(r)
	return nil
}

func (tx *memoryTx) GetRoutine(_ context.Context, id record.RecordID) (record.Routine, error) {
	r, ok := tx.m.live.routines[id]
	if !ok {
		return record.Routine{}, &record.NotFoundError{Kind: record.KindRoutine, ID: id, Partition: record.PartitionHot}
	}
	return r, nil
}

func (tx *memoryTx) ListRoutines(_ context.Context) ([]record.Routine, error) {
	out := collect(tx.m.live.routines, func(record.Routine) bool { return true })
	slices.SortFunc(out, func(a, b record.Routine) int {
		if c := cmp.Compare(a.UserOrder, b.UserOrder); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (tx *memoryTx) RoutinesByArchiveID(_ context.Context, archiveID uuid.UUID) ([]record.Routine, error) {
	out := collect(tx.m.live.routines, func(r record.Routine) bool { return r.ArchiveID == archiveID })
	return byCreation(out, routineCreated, routineID), nil
}

func (tx *memoryTx) CreateExercise(_ context.Context, e *record.Exercise) error {
	if e.RoutineID != 0 {
		if _, ok := tx.m.live.routines[e.RoutineID]; !ok {
			return &record.MissingRelationshipError{Kind: record.KindExercise, ID: e.ID, Relationship: "routine"}
		}
	}
	e.ID = tx.newID()
	e.CreatedAt = createdAt(e.CreatedAt)
	*e = normalizeExercise(*e)
	tx.m.live.exercises[e.ID] = *e
	return nil
}

func (tx *memoryTx) UpdateExercise(_ context.Context, e record.Exercise) error {
	if _, ok := tx.m.live.exercises[e.ID]; !ok {
		return &record.NotFoundError{Kind: record.KindExercise, ID: e.ID, Partition: record.PartitionHot}
	}
	tx.m.live.exercises[e.ID] = normalizeExercise(e)
	return nil
}

func (tx *memoryTx) GetExercise(_ context.Context, id record.RecordID) (record.Exercise, error) {
	e, ok := tx.m.live.exercises[id]
	if !ok {
		return record.Exercise{}, &record.NotFoundError{Kind: record.KindExercise, ID: id, Partition: record.PartitionHot}
	}
	return e, nil
}

func (tx *memoryTx) ExercisesByRoutine(_ context.Context, routineID record.RecordID) ([]record.Exercise, error) {
	out := collect(tx.m.live.exercises, func(e record.Exercise) bool { return e.RoutineID == routineID })
	slices.SortFunc(out, func(a, b record.Exercise) int {
		if c := cmp.Compare(a.UserOrder, b.UserOrder); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (tx *memoryTx) ExercisesByArchiveID(_ context.Context, archiveID uuid.UUID) ([]record.Exercise, error) {
	out := collect(tx.m.live.exercises, func(e record.Exercise) bool { return e.ArchiveID == archiveID })
	return byCreation(out, exerciseCreated, exerciseID), nil
}

func (tx *memoryTx) MoveExercises(_ context.Context, from, to record.RecordID) (int, error) {
	moved := 0
	for id, e := range tx.m.live.exercises {
		if e.RoutineID == from {
			e.RoutineID = to
			tx.m.live.exercises[id] = e
			moved++
		}
	}
	return moved, nil
}

// =============================================================================
// LOG FAMILY - ZRoutine
// =============================================================================

func zRoutineCreated(z record.ZRoutine) time.Time         { return z.CreatedAt }
func zRoutineID(z record.ZRoutine) record.RecordID         { return z.ID }
func zExerciseCreated(z record.ZExercise) time.Time       { return z.CreatedAt }
func zExerciseID(z record.ZExercise) record.RecordID       { return z.ID }
func zRoutineRunCreated(z record.ZRoutineRun) time.Time   { return z.CreatedAt }
func zRoutineRunID(z record.ZRoutineRun) record.RecordID   { return z.ID }
func zExerciseRunCreated(z record.ZExerciseRun) time.Time { return z.CreatedAt }
func zExerciseRunID(z record.ZExerciseRun) record.RecordID { return z.ID }

func (tx *memoryTx) CreateZRoutine(_ context.Context, p record.Partition, z *record.ZRoutine) error {
	t, err := tx.tables(p)
	if err != nil {
		return err
	}
	z.ID = tx.newID()
	z.CreatedAt = createdAt(z.CreatedAt)
	t.zRoutines[z.ID] = *z
	return nil
}

func (tx *memoryTx) UpdateZRoutine(_ context.Context, p record.Partition, z record.ZRoutine) error {
	t, err := tx.tables(p)
	if err != nil {
		return err
	}
	if _, ok := t.zRoutines[z.ID]; !ok {
		return &record.NotFoundError{Kind: record.KindZRoutine, ID: z.ID, Partition: p}
	}
	z.CreatedAt = normalize(z.CreatedAt)
	t.zRoutines[z.ID] = z
	return nil
}

func (tx *memoryTx) GetZRoutine(_ context.Context, p record.Partition, id record.RecordID) (record.ZRoutine, error) {
	t, err := tx.tables(p)
	if err != nil {
		return record.ZRoutine{}, err
	}
	z, ok := t.zRoutines[id]
	if !ok {
		return record.ZRoutine{}, &record.NotFoundError{Kind: record.KindZRoutine, ID: id, Partition: p}
	}
	return z, nil
}

func (tx *memoryTx) ListZRoutines(_ context.Context, p record.Partition) ([]record.ZRoutine, error) {
	t, err := tx.tables(p)
	if err != nil {
		return nil, err
	}
	out := collect(t.zRoutines, func(record.ZRoutine) bool { return true })
	return byCreation(out, zRoutineCreated, zRoutineID), nil
}

func (tx *memoryTx) FindZRoutines(_ context.Context, p record.Partition, key record.RoutineKey) ([]record.ZRoutine, error) {
	t, err := tx.tables(p)
	if err != nil {
		return nil, err
	}
	out := collect(t.zRoutines, func(z record.ZRoutine) bool { return z.ArchiveID == key.RoutineArchiveID })
	return byCreation(out, zRoutineCreated, zRoutineID), nil
}

// =============================================================================
// LOG FAMILY - ZExercise
// =============================================================================

func (tx *memoryTx) CreateZExercise(_ context.Context, p record.Partition, z *record.ZExercise) error {
	t, err := tx.tables(p)
	if err != nil {
		return err
	}
	if _, ok := t.zRoutines[z.ZRoutineID]; !ok {
		return &record.MissingRelationshipError{Kind: record.KindZExercise, ID: z.ID, Relationship: "zRoutine"}
	}
	z.ID = tx.newID()
	z.CreatedAt = createdAt(z.CreatedAt)
	t.zExercises[z.ID] = *z
	return nil
}

func (tx *memoryTx) UpdateZExercise(_ context.Context, p record.Partition, z record.ZExercise) error {
	t, err := tx.tables(p)
	if err != nil {
		return err
	}
	if _, ok := t.zExercises[z.ID]; !ok {
		return &record.NotFoundError{Kind: record.KindZExercise, ID: z.ID, Partition: p}
	}
	z.CreatedAt = normalize(z.CreatedAt)
	t.zExercises[z.ID] = z
	return nil
}

func (tx *memoryTx) GetZExercise(_ context.Context, p record.Partition, id record.RecordID) (record.ZExercise, error) {
	t, err := tx.tables(p)
	if err != nil {
		return record.ZExercise{}, err
	}
	z, ok := t.zExercises[id]
	if !ok {
		return record.ZExercise{}, &record.NotFoundError{Kind: record.KindZExercise, ID: id, Partition: p}
	}
	return z, nil
}

func (tx *memoryTx) ZExercisesByRoutine(_ context.Context, p record.Partition, zRoutineID record.RecordID) ([]record.ZExercise, error) {
	t, err := tx.tables(p)
	if err != nil {
		return nil, err
	}
	out := collect(t.zExercises, func(z record.ZExercise) bool { return z.ZRoutineID == zRoutineID })
	return byCreation(out, zExerciseCreated, zExerciseID), nil
}

func (tx *memoryTx) FindZExercises(_ context.Context, p record.Partition, key record.ExerciseKey) ([]record.ZExercise, error) {
	t, err := tx.tables(p)
	if err != nil {
		return nil, err
	}
	out := collect(t.zExercises, func(z record.ZExercise) bool {
		parent, ok := t.zRoutines[z.ZRoutineID]
		return ok && z.ArchiveID == key.ExerciseArchiveID && parent.ArchiveID == key.RoutineArchiveID
	})
	return byCreation(out, zExerciseCreated, zExerciseID), nil
}

// =============================================================================
// LOG FAMILY - ZRoutineRun
// =============================================================================

func (tx *memoryTx) CreateZRoutineRun(_ context.Context, p record.Partition, z *record.ZRoutineRun) error {
	t, err := tx.tables(p)
	if err != nil {
		return err
	}
	if _, ok := t.zRoutines[z.ZRoutineID]; !ok {
		return &record.MissingRelationshipError{Kind: record.KindZRoutineRun, ID: z.ID, Relationship: "zRoutine"}
	}
	z.ID = tx.newID()
	z.CreatedAt = createdAt(z.CreatedAt)
	z.StartedAt = normalize(z.StartedAt)
	t.zRoutineRuns[z.ID] = *z
	return nil
}

func (tx *memoryTx) UpdateZRoutineRun(_ context.Context, p record.Partition, z record.ZRoutineRun) error {
	t, err := tx.tables(p)
	if err != nil {
		return err
	}
	if _, ok := t.zRoutineRuns[z.ID]; !ok {
		return &record.NotFoundError{Kind: record.KindZRoutineRun, ID: z.ID, Partition: p}
	}
	z.CreatedAt = normalize(z.CreatedAt)
	z.StartedAt = normalize(z.StartedAt)
	t.zRoutineRuns[z.ID] = z
	return nil
}

func (tx *memoryTx) GetZRoutineRun(_ context.Context, p record.Partition, id record.RecordID) (record.ZRoutineRun, error) {
	t, err := tx.tables(p)
	if err != nil {
		return record.ZRoutineRun{}, err
	}
	z, ok := t.zRoutineRuns[id]
	if !ok {
		return record.ZRoutineRun{}, &record.NotFoundError{Kind: record.KindZRoutineRun, ID: id, Partition: p}
	}
	return z, nil
}

func (tx *memoryTx) ZRoutineRunsByRoutine(_ context.Context, p record.Partition, zRoutineID record.RecordID) ([]record.ZRoutineRun, error) {
	t, err := tx.tables(p)
	if err != nil {
		return nil, err
	}
	out := collect(t.zRoutineRuns, func(z record.ZRoutineRun) bool { return z.ZRoutineID == zRoutineID })
	return byCreation(out, zRoutineRunCreated, zRoutineRunID), nil
}

func (tx *memoryTx) FindZRoutineRuns(_ context.Context, p record.Partition, key record.RoutineRunKey) ([]record.ZRoutineRun, error) {
	t, err := tx.tables(p)
	if err != nil {
		return nil, err
	}
	startedAt := normalize(key.StartedAt)
	out := collect(t.zRoutineRuns, func(z record.ZRoutineRun) bool {
		parent, ok := t.zRoutines[z.ZRoutineID]
		return ok && parent.ArchiveID == key.RoutineArchiveID && z.StartedAt.Equal(startedAt)
	})
	return byCreation(out, zRoutineRunCreated, zRoutineRunID), nil
}

// =============================================================================
// LOG FAMILY - ZExerciseRun
// =============================================================================

func (tx *memoryTx) CreateZExerciseRun(_ context.Context, p record.Partition, z *record.ZExerciseRun) error {
	t, err := tx.tables(p)
	if err != nil {
		return err
	}
	if _, ok := t.zRoutineRuns[z.ZRoutineRunID]; !ok {
		return &record.MissingRelationshipError{Kind: record.KindZExerciseRun, ID: z.ID, Relationship: "zRoutineRun"}
	}
	if _, ok := t.zExercises[z.ZExerciseID]; !ok {
		return &record.MissingRelationshipError{Kind: record.KindZExerciseRun, ID: z.ID, Relationship: "zExercise"}
	}
	z.ID = tx.newID()
	z.CreatedAt = createdAt(z.CreatedAt)
	z.CompletedAt = normalize(z.CompletedAt)
	t.zExerciseRuns[z.ID] = *z
	return nil
}

func (tx *memoryTx) UpdateZExerciseRun(_ context.Context, p record.Partition, z record.ZExerciseRun) error {
	t, err := tx.tables(p)
	if err != nil {
		return err
	}
	if _, ok := t.zExerciseRuns[z.ID]; !ok {
		return &record.NotFoundError{Kind: record.KindZExerciseRun, ID: z.ID, Partition: p}
	}
	z.CreatedAt = normalize(z.CreatedAt)
	z.CompletedAt = normalize(z.CompletedAt)
	t.zExerciseRuns[z.ID] = z
	return nil
}

func (tx *memoryTx) GetZExerciseRun(_ context.Context, p record.Partition, id record.RecordID) (record.ZExerciseRun, error) {
	t, err := tx.tables(p)
	if err != nil {
		return record.ZExerciseRun{}, err
	}
	z, ok := t.zExerciseRuns[id]
	if !ok {
		return record.ZExerciseRun{}, &record.NotFoundError{Kind: record.KindZExerciseRun, ID: id, Partition: p}
	}
	return z, nil
}

func (tx *memoryTx) ZExerciseRunsByRun(_ context.Context, p record.Partition, zRoutineRunID record.RecordID) ([]record.ZExerciseRun, error) {
	t, err := tx.tables(p)
	if err != nil {
		return nil, err
	}
	out := collect(t.zExerciseRuns, func(z record.ZExerciseRun) bool { return z.ZRoutineRunID == zRoutineRunID })
	return byCreation(out, zExerciseRunCreated, zExerciseRunID), nil
}

func (tx *memoryTx) ZExerciseRunsByExercise(_ context.Context, p record.Partition, zExerciseID record.RecordID) ([]record.ZExerciseRun, error) {
	t, err := tx.tables(p)
	if err != nil {
		return nil, err
	}
	out := collect(t.zExerciseRuns, func(z record.ZExerciseRun) bool { return z.ZExerciseID == zExerciseID })
	return byCreation(out, zExerciseRunCreated, zExerciseRunID), nil
}

func (tx *memoryTx) FindZExerciseRuns(_ context.Context, p record.Partition, key record.ExerciseRunKey) ([]record.ZExerciseRun, error) {
	t, err := tx.tables(p)
	if err != nil {
		return nil, err
	}
	completedAt := normalize(key.CompletedAt)
	out := collect(t.zExerciseRuns, func(z record.ZExerciseRun) bool {
		parent, ok := t.zExercises[z.ZExerciseID]
		return ok && parent.ArchiveID == key.ExerciseArchiveID && z.CompletedAt.Equal(completedAt)
	})
	return byCreation(out, zExerciseRunCreated, zExerciseRunID), nil
}

// =============================================================================
// REPARENTING
// =============================================================================

func (tx *memoryTx) MoveZExercises(_ context.Context, p record.Partition, from, to record.RecordID) (int, error) {
	t, err := tx.tables(p)
	if err != nil {
		return 0, err
	}
	moved := 0
	for id, z := range t.zExercises {
		if z.ZRoutineID == from {
			z.ZRoutineID = to
			t.zExercises[id] = z
			moved++
		}
	}
	return moved, nil
}

func (tx *memoryTx) MoveZRoutineRuns(_ context.Context, p record.Partition, from, to record.RecordID) (int, error) {
	t, err := tx.tables(p)
	if err != nil {
		return 0, err
	}
	moved := 0
	for id, z := range t.zRoutineRuns {
		if z.ZRoutineID == from {
			z.ZRoutineID = to
			t.zRoutineRuns[id] = z
			moved++
		}
	}
	return moved, nil
}

func (tx *memoryTx) MoveZExerciseRunsByExercise(_ context.Context, p record.Partition, from, to record.RecordID) (int, error) {
	t, err := tx.tables(p)
	if err != nil {
		return 0, err
	}
	moved := 0
	for id, z := range t.zExerciseRuns {
		if z.ZExerciseID == from {
			z.ZExerciseID = to
			t.zExerciseRuns[id] = z
			moved++
		}
	}
	return moved, nil
}

func (tx *memoryTx) MoveZExerciseRunsByRun(_ context.Context, p record.Partition, from, to record.RecordID) (int, error) {
	t, err := tx.tables(p)
	if err != nil {
		return 0, err
	}
	moved := 0
	for id, z := range t.zExerciseRuns {
		if z.ZRoutineRunID == from {
			z.ZRoutineRunID = to
			t.zExerciseRuns[id] = z
			moved++
		}
	}
	return moved, nil
}

// =============================================================================
// RETENTION
// =============================================================================

func (tx *memoryTx) DeleteZExerciseRunsBefore(_ context.Context, p record.Partition, before time.Time) (int, error) {
	t, err := tx.tables(p)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for id, z := range t.zExerciseRuns {
		if !z.CompletedAt.IsZero() && z.CompletedAt.Before(before) {
			delete(t.zExerciseRuns, id)
			deleted++
		}
	}
	return deleted, nil
}

func (tx *memoryTx) DeleteZRoutineRunsBefore(_ context.Context, p record.Partition, before time.Time) (int, error) {
	t, err := tx.tables(p)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for id, z := range t.zRoutineRuns {
		if !z.StartedAt.IsZero() && z.StartedAt.Before(before) {
			tx.deleteZRoutineRun(t, id)
			deleted++
		}
	}
	return deleted, nil
}

func (tx *memoryTx) DeleteChildlessZExercises(_ context.Context, p record.Partition) (int, error) {
	t, err := tx.tables(p)
	if err != nil {
		return 0, err
	}
	referenced := make(map[record.RecordID]bool)
	for _, run := range t.zExerciseRuns {
		referenced[run.ZExerciseID] = true
	}
	deleted := 0
	for id := range t.zExercises {
		if !referenced[id] {
			delete(t.zExercises, id)
			deleted++
		}
	}
	return deleted, nil
}

func (tx *memoryTx) DeleteChildlessZRoutines(_ context.Context, p record.Partition) (int, error) {
	t, err := tx.tables(p)
	if err != nil {
		return 0, err
	}
	referenced := make(map[record.RecordID]bool)
	for _, run := range t.zRoutineRuns {
		referenced[run.ZRoutineID] = true
	}
	deleted := 0
	for id := range t.zRoutines {
		if !referenced[id] {
			tx.deleteZRoutine(t, id)
			deleted++
		}
	}
	return deleted, nil
}

// =============================================================================
// BATCH OPERATIONS BY KIND
// =============================================================================

func (tx *memoryTx) checkLive(p record.Partition, kind record.Kind) error {
	if !kind.IsLog() && p != record.PartitionHot {
		return fmt.Errorf("%s in %s: %w", kind, p, record.ErrLiveKindInArchive)
	}
	return nil
}

func (tx *memoryTx) IDs(ctx context.Context, p record.Partition, kind record.Kind) ([]record.RecordID, error) {
	if err := tx.checkLive(p, kind); err != nil {
		return nil, err
	}
	var ids []record.RecordID
	switch kind {
	case record.KindRoutine:
		out := byCreation(collect(tx.m.live.routines, func(record.Routine) bool { return true }), routineCreated, routineID)
		for _, r := range out {
			ids = append(ids, r.ID)
		}
		return ids, nil
	case record.KindExercise:
		out := byCreation(collect(tx.m.live.exercises, func(record.Exercise) bool { return true }), exerciseCreated, exerciseID)
		for _, e := range out {
			ids = append(ids, e.ID)
		}
		return ids, nil
	}

	t, err := tx.tables(p)
	if err != nil {
		return nil, err
	}
	switch kind {
	case record.KindZRoutine:
		for _, z := range byCreation(collect(t.zRoutines, func(record.ZRoutine) bool { return true }), zRoutineCreated, zRoutineID) {
			ids = append(ids, z.ID)
		}
	case record.KindZExercise:
		for _, z := range byCreation(collect(t.zExercises, func(record.ZExercise) bool { return true }), zExerciseCreated, zExerciseID) {
			ids = append(ids, z.ID)
		}
	case record.KindZRoutineRun:
		for _, z := range byCreation(collect(t.zRoutineRuns, func(record.ZRoutineRun) bool { return true }), zRoutineRunCreated, zRoutineRunID) {
			ids = append(ids, z.ID)
		}
	case record.KindZExerciseRun:
		for _, z := range byCreation(collect(t.zExerciseRuns, func(record.ZExerciseRun) bool { return true }), zExerciseRunCreated, zExerciseRunID) {
			ids = append(ids, z.ID)
		}
	default:
		return nil, fmt.Errorf("ids: unknown kind %s", kind)
	}
	return ids, nil
}

func (tx *memoryTx) Count(_ context.Context, p record.Partition, kind record.Kind) (int, error) {
	if err := tx.checkLive(p, kind); err != nil {
		return 0, err
	}
	switch kind {
	case record.KindRoutine:
		return len(tx.m.live.routines), nil
	case record.KindExercise:
		return len(tx.m.live.exercises), nil
	}
	t, err := tx.tables(p)
	if err != nil {
		return 0, err
	}
	switch kind {
	case record.KindZRoutine:
		return len(t.zRoutines), nil
	case record.KindZExercise:
		return len(t.zExercises), nil
	case record.KindZRoutineRun:
		return len(t.zRoutineRuns), nil
	case record.KindZExerciseRun:
		return len(t.zExerciseRuns), nil
	}
	return 0, fmt.Errorf("count: unknown kind %s", kind)
}

func (tx *memoryTx) Delete(_ context.Context, p record.Partition, kind record.Kind, ids []record.RecordID) (int, error) {
	if err := tx.checkLive(p, kind); err != nil {
		return 0, err
	}
	deleted := 0
	switch kind {
	case record.KindRoutine:
		for _, id := range ids {
			if _, ok := tx.m.live.routines[id]; ok {
				delete(tx.m.live.routines, id)
				for eid, e := range tx.m.live.exercises {
					if e.RoutineID == id {
						delete(tx.m.live.exercises, eid)
					}
				}
				deleted++
			}
		}
		return deleted, nil
	case record.KindExercise:
		for _, id := range ids {
			if _, ok := tx.m.live.exercises[id]; ok {
				delete(tx.m.live.exercises, id)
				deleted++
			}
		}
		return deleted, nil
	}

	t, err := tx.tables(p)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		var found bool
		switch kind {
		case record.KindZRoutine:
			found = tx.deleteZRoutine(t, id)
		case record.KindZExercise:
			found = tx.deleteZExercise(t, id)
		case record.KindZRoutineRun:
			found = tx.deleteZRoutineRun(t, id)
		case record.KindZExerciseRun:
			_, found = t.zExerciseRuns[id]
			delete(t.zExerciseRuns, id)
		default:
			return deleted, fmt.Errorf("delete: unknown kind %s", kind)
		}
		if found {
			deleted++
		}
	}
	return deleted, nil
}

// Cascading deletes, matching ON DELETE CASCADE in the SQLite schema.

func (tx *memoryTx) deleteZRoutine(t *logTables, id record.RecordID) bool {
	if _, ok := t.zRoutines[id]; !ok {
		return false
	}
	delete(t.zRoutines, id)
	for zid, z := range t.zExercises {
		if z.ZRoutineID == id {
			tx.deleteZExercise(t, zid)
		}
	}
	for rid, r := range t.zRoutineRuns {
		if r.ZRoutineID == id {
			tx.deleteZRoutineRun(t, rid)
		}
	}
	return true
}

func (tx *memoryTx) deleteZExercise(t *logTables, id record.RecordID) bool {
	if _, ok := t.zExercises[id]; !ok {
		return false
	}
	delete(t.zExercises, id)
	for rid, r := range t.zExerciseRuns {
		if r.ZExerciseID == id {
			delete(t.zExerciseRuns, rid)
		}
	}
	return true
}

func (tx *memoryTx) deleteZRoutineRun(t *logTables, id record.RecordID) bool {
	if _, ok := t.zRoutineRuns[id]; !ok {
		return false
	}
	delete(t.zRoutineRuns, id)
	for rid, r := range t.zExerciseRuns {
		if r.ZRoutineRunID == id {
			delete(t.zExerciseRuns, rid)
		}
	}
	return true
}
