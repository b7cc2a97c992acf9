/*
Package sqlite provides a SQLite-backed implementation of record.Store.

PURPOSE:
  Persists the live family and both log partitions. The hot partition is the
  main database file; the archive partition is a second file ATTACHed to the
  same connection as schema "archive". One *sql.Tx therefore spans both
  partitions and a transfer commits atomically.

PARTITION -> SCHEMA:
  record.PartitionHot     -> main
  record.PartitionArchive -> archive (only when an archive path is configured)

KEY TABLES (per schema unless noted):
  routines, exercises:  live family (main only)
  z_routines:           archived routine identities
  z_exercises:          archived exercise identities (FK z_routines)
  z_routine_runs:       sessions (FK z_routines)
  z_exercise_runs:      completions (FK z_routine_runs, z_exercises)

  Logical keys are indexed but NOT unique: duplicates arrive through
  replication and are consolidated by the engine's deduplicator.

ENCODING:
  - timestamps: INTEGER unix nanoseconds, NULL for "absent"
  - durations:  INTEGER nanoseconds
  - archive IDs: TEXT (uuid), NULL for "unassigned"
  - intensity:  TEXT decimal

JOURNAL MODE:
  The default rollback journal is kept. In WAL mode a transaction touching
  several attached files is atomic per file but not as a whole.

CONCURRENCY:
  One open connection (ATTACH is per connection) and a mutex around WithTx.

USAGE:
  store, err := sqlite.New("./data/hot.db", "./data/archive.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - record/store.go: Interface definitions
  - record/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/routine-engine/record"
)

const archiveSchema = "archive"

// Store implements record.Store using SQLite.
type Store struct {
	db         *sql.DB
	mu         sync.Mutex
	schemas    map[record.Partition]string
	partitions []record.Partition
}

var _ record.Store = (*Store)(nil)

// New opens the hot database at hotPath and, when archivePath is not empty,
// attaches the archive database. Use ":memory:" for in-memory databases.
func New(hotPath, archivePath string) (*Store, error) {
	db, err := sql.Open("sqlite3", hotPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// ATTACH and :memory: databases belong to a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &Store{
		db:         db,
		schemas:    map[record.Partition]string{record.PartitionHot: "main"},
		partitions: []record.Partition{record.PartitionHot},
	}

	if archivePath != "" {
		if _, err := db.Exec("ATTACH DATABASE ? AS "+archiveSchema, archivePath); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to attach archive: %w", err)
		}
		store.schemas[record.PartitionArchive] = archiveSchema
		store.partitions = append(store.partitions, record.PartitionArchive)
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Partitions() []record.Partition {
	out := make([]record.Partition, len(s.partitions))
	copy(out, s.partitions)
	return out
}

const liveSchema = `
	CREATE TABLE IF NOT EXISTS main.routines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		user_order INTEGER NOT NULL DEFAULT 0,
		archive_id TEXT,
		last_started_at INTEGER,
		last_duration INTEGER NOT NULL DEFAULT 0,
		image_name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS main.idx_routines_archive
		ON routines(archive_id, created_at, id);

	CREATE TABLE IF NOT EXISTS main.exercises (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		routine_id INTEGER REFERENCES routines(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		archive_id TEXT,
		user_order INTEGER NOT NULL DEFAULT 0,
		units TEXT NOT NULL DEFAULT 'none',
		intensity TEXT NOT NULL DEFAULT '0',
		intensity_step TEXT NOT NULL DEFAULT '1',
		inverted_intensity BOOLEAN NOT NULL DEFAULT FALSE,
		last_completed_at INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS main.idx_exercises_routine
		ON exercises(routine_id, user_order);
	CREATE INDEX IF NOT EXISTS main.idx_exercises_archive
		ON exercises(archive_id, created_at, id);
`

// logSchema is applied once per partition; {s} is the schema name.
const logSchema = `
	CREATE TABLE IF NOT EXISTS {s}.z_routines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		archive_id TEXT,
		name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS {s}.idx_z_routines_archive
		ON z_routines(archive_id, created_at, id);

	CREATE TABLE IF NOT EXISTS {s}.z_exercises (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		z_routine_id INTEGER NOT NULL REFERENCES z_routines(id) ON DELETE CASCADE,
		archive_id TEXT,
		name TEXT NOT NULL DEFAULT '',
		units TEXT NOT NULL DEFAULT 'none',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS {s}.idx_z_exercises_routine
		ON z_exercises(z_routine_id);
	CREATE INDEX IF NOT EXISTS {s}.idx_z_exercises_archive
		ON z_exercises(archive_id, created_at, id);

	CREATE TABLE IF NOT EXISTS {s}.z_routine_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		z_routine_id INTEGER NOT NULL REFERENCES z_routines(id) ON DELETE CASCADE,
		started_at INTEGER,
		duration INTEGER NOT NULL DEFAULT 0,
		user_removed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS {s}.idx_z_routine_runs_routine
		ON z_routine_runs(z_routine_id, started_at);
	CREATE INDEX IF NOT EXISTS {s}.idx_z_routine_runs_started
		ON z_routine_runs(started_at);

	CREATE TABLE IF NOT EXISTS {s}.z_exercise_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		z_routine_run_id INTEGER NOT NULL REFERENCES z_routine_runs(id) ON DELETE CASCADE,
		z_exercise_id INTEGER NOT NULL REFERENCES z_exercises(id) ON DELETE CASCADE,
		completed_at INTEGER,
		intensity TEXT NOT NULL DEFAULT '0',
		user_removed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS {s}.idx_z_exercise_runs_run
		ON z_exercise_runs(z_routine_run_id);
	CREATE INDEX IF NOT EXISTS {s}.idx_z_exercise_runs_exercise
		ON z_exercise_runs(z_exercise_id, completed_at);
	CREATE INDEX IF NOT EXISTS {s}.idx_z_exercise_runs_completed
		ON z_exercise_runs(completed_at);
`

// migrate creates the database schema.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(liveSchema); err != nil {
		return fmt.Errorf("live schema: %w", err)
	}
	for _, p := range s.partitions {
		schema := s.schemas[p]
		if _, err := s.db.Exec(strings.ReplaceAll(logSchema, "{s}", schema)); err != nil {
			return fmt.Errorf("log schema %s: %w", schema, err)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(record.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	tx     *sql.Tx
	parent *Store
}

var _ record.Tx = (*txStore)(nil)

// q resolves the partition's schema into a query template.
func (ts *txStore) q(p record.Partition, query string) (string, error) {
	schema, ok := ts.parent.schemas[p]
	if !ok {
		return "", &record.PartitionError{Partition: p, Reason: "is not attached"}
	}
	return strings.ReplaceAll(query, "{s}", schema), nil
}

func (ts *txStore) exec(ctx context.Context, p record.Partition, query string, args ...any) (int, error) {
	resolved, err := ts.q(p, query)
	if err != nil {
		return 0, err
	}
	res, err := ts.tx.ExecContext(ctx, resolved, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (ts *txStore) insert(ctx context.Context, p record.Partition, query string, args ...any) (record.RecordID, error) {
	resolved, err := ts.q(p, query)
	if err != nil {
		return 0, err
	}
	res, err := ts.tx.ExecContext(ctx, resolved, args...)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return record.RecordID(id), nil
}

// =============================================================================
// ENCODING HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64).UTC()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		t = time.Now()
	}
	return time.Unix(0, t.UnixNano()).UTC()
}

func notFound(err error, kind record.Kind, id record.RecordID, p record.Partition) error {
	if errors.Is(err, sql.ErrNoRows) {
		return &record.NotFoundError{Kind: kind, ID: id, Partition: p}
	}
	return fmt.Errorf("get %s %d: %w", kind, id, err)
}

func checkUpdated(n int, err error, kind record.Kind, id record.RecordID, p record.Partition) error {
	if err != nil {
		return fmt.Errorf("update %s %d: %w", kind, id, err)
	}
	if n == 0 {
		return &record.NotFoundError{Kind: kind, ID: id, Partition: p}
	}
	return nil
}

// =============================================================================
// LIVE FAMILY - routines
// =============================================================================

const routineCols = `r.id, r.name, r.user_order, r.archive_id, r.last_started_at, r.last_duration, r.image_name, r.created_at`

func scanRoutine(row scanner) (record.Routine, error) {
	var (
		r           record.Routine
		archiveID   uuid.NullUUID
		lastStarted sql.NullInt64
		duration    int64
		created     int64
	)
	if err := row.Scan(&r.ID, &r.Name, &r.UserOrder, &archiveID, &lastStarted, &duration, &r.ImageName, &created); err != nil {
		return record.Routine{}, err
	}
	r.ArchiveID = archiveID.UUID
	r.LastStartedAt = fromNullTime(lastStarted)
	r.LastDuration = time.Duration(duration)
	r.CreatedAt = fromNanos(created)
	return r, nil
}

func (ts *txStore) queryRoutines(ctx context.Context, query string, args ...any) ([]record.Routine, error) {
	rows, err := ts.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query routines: %w", err)
	}
	defer rows.Close()

	var out []record.Routine
	for rows.Next() {
		r, err := scanRoutine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan routine: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (ts *txStore) CreateRoutine(ctx context.Context, r *record.Routine) error {
	r.CreatedAt = stamp(r.CreatedAt)
	id, err := ts.insert(ctx, record.PartitionHot, `
		INSERT INTO main.routines
		(name, user_order, archive_id, last_started_at, last_duration, image_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.Name, r.UserOrder, nullUUID(r.ArchiveID), nullTime(r.LastStartedAt),
		int64(r.LastDuration), r.ImageName, r.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("create routine: %w", err)
	}
	r.ID = id
	return nil
}

func (ts *txStore) UpdateRoutine(ctx context.Context, r record.Routine) error {
	n, err := ts.exec(ctx, record.PartitionHot, `
		UPDATE main.routines
		SET name = ?, user_order = ?, archive_id = ?, last_started_at = ?, last_duration = ?, image_name = ?
		WHERE id = ?
	`, r.Name, r.UserOrder, nullUUID(r.ArchiveID), nullTime(r.LastStartedAt),
		int64(r.LastDuration), r.ImageName, r.ID)
	return checkUpdated(n, err, record.KindRoutine, r.ID, record.PartitionHot)
}

func (ts *txStore) GetRoutine(ctx context.Context, id record.RecordID) (record.Routine, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+routineCols+` FROM main.routines r WHERE r.id = ?`, id)
	r, err := scanRoutine(row)
	if err != nil {
		return record.Routine{}, notFound(err, record.KindRoutine, id, record.PartitionHot)
	}
	return r, nil
}

func (ts *txStore) ListRoutines(ctx context.Context) ([]record.Routine, error) {
	return ts.queryRoutines(ctx, `SELECT `+routineCols+` FROM main.routines r ORDER BY r.user_order ASC, r.id ASC`)
}

func (ts *txStore) RoutinesByArchiveID(ctx context.Context, archiveID uuid.UUID) ([]record.Routine, error) {
	return ts.queryRoutines(ctx, `
		SELECT `+routineCols+` FROM main.routines r
		WHERE r.archive_id = ?
		ORDER BY r.created_at ASC, r.id ASC
	`, archiveID.String())
}

// =============================================================================
// LIVE FAMILY - exercises
// =============================================================================

const exerciseCols = `e.id, e.routine_id, e.name, e.archive_id, e.user_order, e.units, e.intensity, e.intensity_step, e.inverted_intensity, e.last_completed_at, e.created_at`

func scanExercise(row scanner) (record.Exercise, error) {
	var (
		e             record.Exercise
		routineID     sql.NullInt64
		archiveID     uuid.NullUUID
		units         string
		lastCompleted sql.NullInt64
		created       int64
	)
	if err := row.Scan(&e.ID, &routineID, &e.Name, &archiveID, &e.UserOrder, &units,
		&e.Intensity.Value, &e.Intensity.Step, &e.Intensity.Inverted, &lastCompleted, &created); err != nil {
		return record.Exercise{}, err
	}
	e.RoutineID = record.RecordID(routineID.Int64)
	e.ArchiveID = archiveID.UUID
	e.Units = record.Units(units)
	e.LastCompletedAt = fromNullTime(lastCompleted)
	e.CreatedAt = fromNanos(created)
	return e, nil
}

func nullRecordID(id record.RecordID) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(id), Valid: id != 0}
}

func (ts *txStore) queryExercises(ctx context.Context, query string, args ...any) ([]record.Exercise, error) {
	rows, err := ts.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query exercises: %w", err)
	}
	defer rows.Close()

	var out []record.Exercise
	for rows.Next() {
		e, err := scanExercise(rows)
		if err != nil {
			return nil, fmt.Errorf("scan exercise: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (ts *txStore) CreateExercise(ctx context.Context, e *record.Exercise) error {
	e.CreatedAt = stamp(e.CreatedAt)
	id, err := ts.insert(ctx, record.PartitionHot, `
		INSERT INTO main.exercises
		(routine_id, name, archive_id, user_order, units, intensity, intensity_step,
		 inverted_intensity, last_completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, nullRecordID(e.RoutineID), e.Name, nullUUID(e.ArchiveID), e.UserOrder, string(e.Units),
		e.Intensity.Value.String(), e.Intensity.Step.String(), e.Intensity.Inverted,
		nullTime(e.LastCompletedAt), e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("create exercise: %w", err)
	}
	e.ID = id
	return nil
}

func (ts *txStore) UpdateExercise(ctx context.Context, e record.Exercise) error {
	n, err := ts.exec(ctx, record.PartitionHot, `
		UPDATE main.exercises
		SET routine_id = ?, name = ?, archive_id = ?, user_order = ?, units = ?, intensity = ?,
		    intensity_step = ?, inverted_intensity = ?, last_completed_at = ?
		WHERE id = ?
	`, nullRecordID(e.RoutineID), e.Name, nullUUID(e.ArchiveID), e.UserOrder, string(e.Units),
		e.Intensity.Value.String(), e.Intensity.Step.String(), e.Intensity.Inverted,
		nullTime(e.LastCompletedAt), e.ID)
	return checkUpdated(n, err, record.KindExercise, e.ID, record.PartitionHot)
}

func (ts *txStore) GetExercise(ctx context.Context, id record.RecordID) (record.Exercise, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+exerciseCols+` FROM main.exercises e WHERE e.id = ?`, id)
	e, err := scanExercise(row)
	if err != nil {
		return record.Exercise{}, notFound(err, record.KindExercise, id, record.PartitionHot)
	}
	return e, nil
}

func (ts *txStore) ExercisesByRoutine(ctx context.Context, routineID record.RecordID) ([]record.Exercise, error) {
	return ts.queryExercises(ctx, `
		SELECT `+exerciseCols+` FROM main.exercises e
		WHERE e.routine_id = ?
		ORDER BY e.user_order ASC, e.id ASC
	`, routineID)
}

func (ts *txStore) ExercisesByArchiveID(ctx context.Context, archiveID uuid.UUID) ([]record.Exercise, error) {
	return ts.queryExercises(ctx, `
		SELECT `+exerciseCols+` FROM main.exercises e
		WHERE e.archive_id = ?
		ORDER BY e.created_at ASC, e.id ASC
	`, archiveID.String())
}

func (ts *txStore) MoveExercises(ctx context.Context, from, to record.RecordID) (int, error) {
	n, err := ts.exec(ctx, record.PartitionHot, `UPDATE main.exercises SET routine_id = ? WHERE routine_id = ?`, to, from)
	if err != nil {
		return 0, fmt.Errorf("move exercises: %w", err)
	}
	return n, nil
}

// =============================================================================
// LOG FAMILY - z_routines
// =============================================================================

const zRoutineCols = `zr.id, zr.archive_id, zr.name, zr.created_at`

func scanZRoutine(row scanner) (record.ZRoutine, error) {
	var (
		z         record.ZRoutine
		archiveID uuid.NullUUID
		created   int64
	)
	if err := row.Scan(&z.ID, &archiveID, &z.Name, &created); err != nil {
		return record.ZRoutine{}, err
	}
	z.ArchiveID = archiveID.UUID
	z.CreatedAt = fromNanos(created)
	return z, nil
}

func (ts *txStore) queryZRoutines(ctx context.Context, p record.Partition, query string, args ...any) ([]record.ZRoutine, error) {
	resolved, err := ts.q(p, query)
	if err != nil {
		return nil, err
	}
	rows, err := ts.tx.QueryContext(ctx, resolved, args...)
	if err != nil {
		return nil, fmt.Errorf("query z_routines: %w", err)
	}
	defer rows.Close()

	var out []record.ZRoutine
	for rows.Next() {
		z, err := scanZRoutine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan z_routine: %w", err)
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

func (ts *txStore) CreateZRoutine(ctx context.Context, p record.Partition, z *record.ZRoutine) error {
	z.CreatedAt = stamp(z.CreatedAt)
	id, err := ts.insert(ctx, p, `
		INSERT INTO {s}.z_routines (archive_id, name, created_at) VALUES (?, ?, ?)
	`, nullUUID(z.ArchiveID), z.Name, z.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("create z_routine: %w", err)
	}
	z.ID = id
	return nil
}

func (ts *txStore) UpdateZRoutine(ctx context.Context, p record.Partition, z record.ZRoutine) error {
	n, err := ts.exec(ctx, p, `UPDATE {s}.z_routines SET archive_id = ?, name = ? WHERE id = ?`,
		nullUUID(z.ArchiveID), z.Name, z.ID)
	return checkUpdated(n, err, record.KindZRoutine, z.ID, p)
}

func (ts *txStore) GetZRoutine(ctx context.Context, p record.Partition, id record.RecordID) (record.ZRoutine, error) {
	out, err := ts.queryZRoutines(ctx, p, `SELECT `+zRoutineCols+` FROM {s}.z_routines zr WHERE zr.id = ?`, id)
	if err != nil {
		return record.ZRoutine{}, err
	}
	if len(out) == 0 {
		return record.ZRoutine{}, &record.NotFoundError{Kind: record.KindZRoutine, ID: id, Partition: p}
	}
	return out[0], nil
}

func (ts *txStore) ListZRoutines(ctx context.Context, p record.Partition) ([]record.ZRoutine, error) {
	return ts.queryZRoutines(ctx, p, `
		SELECT `+zRoutineCols+` FROM {s}.z_routines zr
		ORDER BY zr.created_at ASC, zr.id ASC
	`)
}

func (ts *txStore) FindZRoutines(ctx context.Context, p record.Partition, key record.RoutineKey) ([]record.ZRoutine, error) {
	return ts.queryZRoutines(ctx, p, `
		SELECT `+zRoutineCols+` FROM {s}.z_routines zr
		WHERE zr.archive_id = ?
		ORDER BY zr.created_at ASC, zr.id ASC
	`, key.RoutineArchiveID.String())
}

// =============================================================================
// LOG FAMILY - z_exercises
// =============================================================================

const zExerciseCols = `ze.id, ze.z_routine_id, ze.archive_id, ze.name, ze.units, ze.created_at`

func scanZExercise(row scanner) (record.ZExercise, error) {
	var (
		z         record.ZExercise
		archiveID uuid.NullUUID
		units     string
		created   int64
	)
	if err := row.Scan(&z.ID, &z.ZRoutineID, &archiveID, &z.Name, &units, &created); err != nil {
		return record.ZExercise{}, err
	}
	z.ArchiveID = archiveID.UUID
	z.Units = record.Units(units)
	z.CreatedAt = fromNanos(created)
	return z, nil
}

func (ts *txStore) queryZExercises(ctx context.Context, p record.Partition, query string, args ...any) ([]record.ZExercise, error) {
	resolved, err := ts.q(p, query)
	if err != nil {
		return nil, err
	}
	rows, err := ts.tx.QueryContext(ctx, resolved, args...)
	if err != nil {
		return nil, fmt.Errorf("query z_exercises: %w", err)
	}
	defer rows.Close()

	var out []record.ZExercise
	for rows.Next() {
		z, err := scanZExercise(rows)
		if err != nil {
			return nil, fmt.Errorf("scan z_exercise: %w", err)
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

func (ts *txStore) CreateZExercise(ctx context.Context, p record.Partition, z *record.ZExercise) error {
	z.CreatedAt = stamp(z.CreatedAt)
	id, err := ts.insert(ctx, p, `
		INSERT INTO {s}.z_exercises (z_routine_id, archive_id, name, units, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, z.ZRoutineID, nullUUID(z.ArchiveID), z.Name, string(z.Units), z.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("create z_exercise: %w", err)
	}
	z.ID = id
	return nil
}

func (ts *txStore) UpdateZExercise(ctx context.Context, p record.Partition, z record.ZExercise) error {
	n, err := ts.exec(ctx, p, `
		UPDATE {s}.z_exercises SET z_routine_id = ?, archive_id = ?, name = ?, units = ? WHERE id = ?
	`, z.ZRoutineID, nullUUID(z.ArchiveID), z.Name, string(z.Units), z.ID)
	return checkUpdated(n, err, record.KindZExercise, z.ID, p)
}

func (ts *txStore) GetZExercise(ctx context.Context, p record.Partition, id record.RecordID) (record.ZExercise, error) {
	out, err := ts.queryZExercises(ctx, p, `SELECT `+zExerciseCols+` FROM {s}.z_exercises ze WHERE ze.id = ?`, id)
	if err != nil {
		return record.ZExercise{}, err
	}
	if len(out) == 0 {
		return record.ZExercise{}, &record.NotFoundError{Kind: record.KindZExercise, ID: id, Partition: p}
	}
	return out[0], nil
}

func (ts *txStore) ZExercisesByRoutine(ctx context.Context, p record.Partition, zRoutineID record.RecordID) ([]record.ZExercise, error) {
	return ts.queryZExercises(ctx, p, `
		SELECT `+zExerciseCols+` FROM {s}.z_exercises ze
		WHERE ze.z_routine_id = ?
		ORDER BY ze.created_at ASC, ze.id ASC
	`, zRoutineID)
}

func (ts *txStore) FindZExercises(ctx context.Context, p record.Partition, key record.ExerciseKey) ([]record.ZExercise, error) {
	return ts.queryZExercises(ctx, p, `
		SELECT `+zExerciseCols+` FROM {s}.z_exercises ze
		JOIN {s}.z_routines zr ON zr.id = ze.z_routine_id
		WHERE ze.archive_id = ? AND zr.archive_id = ?
		ORDER BY ze.created_at ASC, ze.id ASC
	`, key.ExerciseArchiveID.String(), key.RoutineArchiveID.String())
}

// =============================================================================
// LOG FAMILY - z_routine_runs
// =============================================================================

const zRoutineRunCols = `zrr.id, zrr.z_routine_id, zrr.started_at, zrr.duration, zrr.user_removed, zrr.created_at`

func scanZRoutineRun(row scanner) (record.ZRoutineRun, error) {
	var (
		z         record.ZRoutineRun
		startedAt sql.NullInt64
		duration  int64
		created   int64
	)
	if err := row.Scan(&z.ID, &z.ZRoutineID, &startedAt, &duration, &z.UserRemoved, &created); err != nil {
		return record.ZRoutineRun{}, err
	}
	z.StartedAt = fromNullTime(startedAt)
	z.Duration = time.Duration(duration)
	z.CreatedAt = fromNanos(created)
	return z, nil
}

func (ts *txStore) queryZRoutineRuns(ctx context.Context, p record.Partition, query string, args ...any) ([]record.ZRoutineRun, error) {
	resolved, err := ts.q(p, query)
	if err != nil {
		return nil, err
	}
	rows, err := ts.tx.QueryContext(ctx, resolved, args...)
	if err != nil {
		return nil, fmt.Errorf("query z_routine_runs: %w", err)
	}
	defer rows.Close()

	var out []record.ZRoutineRun
	for rows.Next() {
		z, err := scanZRoutineRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan z_routine_run: %w", err)
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

func (ts *txStore) CreateZRoutineRun(ctx context.Context, p record.Partition, z *record.ZRoutineRun) error {
	z.CreatedAt = stamp(z.CreatedAt)
	id, err := ts.insert(ctx, p, `
		INSERT INTO {s}.z_routine_runs (z_routine_id, started_at, duration, user_removed, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, z.ZRoutineID, nullTime(z.StartedAt), int64(z.Duration), z.UserRemoved, z.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("create z_routine_run: %w", err)
	}
	z.ID = id
	return nil
}

func (ts *txStore) UpdateZRoutineRun(ctx context.Context, p record.Partition, z record.ZRoutineRun) error {
	n, err := ts.exec(ctx, p, `
		UPDATE {s}.z_routine_runs SET z_routine_id = ?, started_at = ?, duration = ?, user_removed = ? WHERE id = ?
	`, z.ZRoutineID, nullTime(z.StartedAt), int64(z.Duration), z.UserRemoved, z.ID)
	return checkUpdated(n, err, record.KindZRoutineRun, z.ID, p)
}

func (ts *txStore) GetZRoutineRun(ctx context.Context, p record.Partition, id record.RecordID) (record.ZRoutineRun, error) {
	out, err := ts.queryZRoutineRuns(ctx, p, `SELECT `+zRoutineRunCols+` FROM {s}.z_routine_runs zrr WHERE zrr.id = ?`, id)
	if err != nil {
		return record.ZRoutineRun{}, err
	}
	if len(out) == 0 {
		return record.ZRoutineRun{}, &record.NotFoundError{Kind: record.KindZRoutineRun, ID: id, Partition: p}
	}
	return out[0], nil
}

func (ts *txStore) ZRoutineRunsByRoutine(ctx context.Context, p record.Partition, zRoutineID record.RecordID) ([]record.ZRoutineRun, error) {
	return ts.queryZRoutineRuns(ctx, p, `
		SELECT `+zRoutineRunCols+` FROM {s}.z_routine_runs zrr
		WHERE zrr.z_routine_id = ?
		ORDER BY zrr.created_at ASC, zrr.id ASC
	`, zRoutineID)
}

func (ts *txStore) FindZRoutineRuns(ctx context.Context, p record.Partition, key record.RoutineRunKey) ([]record.ZRoutineRun, error) {
	return ts.queryZRoutineRuns(ctx, p, `
		SELECT `+zRoutineRunCols+` FROM {s}.z_routine_runs zrr
		JOIN {s}.z_routines zr ON zr.id = zrr.z_routine_id
		WHERE zr.archive_id = ? AND zrr.started_at = ?
		ORDER BY zrr.created_at ASC, zrr.id ASC
	`, key.RoutineArchiveID.String(), key.StartedAt.UnixNano())
}

// =============================================================================
// LOG FAMILY - z_exercise_runs
// =============================================================================

const zExerciseRunCols = `zer.id, zer.z_routine_run_id, zer.z_exercise_id, zer.completed_at, zer.intensity, zer.user_removed, zer.created_at`

func scanZExerciseRun(row scanner) (record.ZExerciseRun, error) {
	var (
		z           record.ZExerciseRun
		completedAt sql.NullInt64
		intensity   decimal.Decimal
		created     int64
	)
	if err := row.Scan(&z.ID, &z.ZRoutineRunID, &z.ZExerciseID, &completedAt, &intensity, &z.UserRemoved, &created); err != nil {
		return record.ZExerciseRun{}, err
	}
	z.Intensity = intensity
	z.CompletedAt = fromNullTime(completedAt)
	z.CreatedAt = fromNanos(created)
	return z, nil
}

func (ts *txStore) queryZExerciseRuns(ctx context.Context, p record.Partition, query string, args ...any) ([]record.ZExerciseRun, error) {
	resolved, err := ts.q(p, query)
	if err != nil {
		return nil, err
	}
	rows, err := ts.tx.QueryContext(ctx, resolved, args...)
	if err != nil {
		return nil, fmt.Errorf("query z_exercise_runs: %w", err)
	}
	defer rows.Close()

	var out []record.ZExerciseRun
	for rows.Next() {
		z, err := scanZExerciseRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan z_exercise_run: %w", err)
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

func (ts *txStore) CreateZExerciseRun(ctx context.Context, p record.Partition, z *record.ZExerciseRun) error {
	z.CreatedAt = stamp(z.CreatedAt)
	id, err := ts.insert(ctx, p, `
		INSERT INTO {s}.z_exercise_runs
		(z_routine_run_id, z_exercise_id, completed_at, intensity, user_removed, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, z.ZRoutineRunID, z.ZExerciseID, nullTime(z.CompletedAt), z.Intensity.String(), z.UserRemoved, z.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("create z_exercise_run: %w", err)
	}
	z.ID = id
	return nil
}

func (ts *txStore) UpdateZExerciseRun(ctx context.Context, p record.Partition, z record.ZExerciseRun) error {
	n, err := ts.exec(ctx, p, `
		UPDATE {s}.z_exercise_runs
		SET z_routine_run_id = ?, z_exercise_id = ?, completed_at = ?, intensity = ?, user_removed = ?
		WHERE id = ?
	`, z.ZRoutineRunID, z.ZExerciseID, nullTime(z.CompletedAt), z.Intensity.String(), z.UserRemoved, z.ID)
	return checkUpdated(n, err, record.KindZExerciseRun, z.ID, p)
}

func (ts *txStore) GetZExerciseRun(ctx context.Context, p record.Partition, id record.RecordID) (record.ZExerciseRun, error) {
	out, err := ts.queryZExerciseRuns(ctx, p, `SELECT `+zExerciseRunCols+` FROM {s}.z_exercise_runs zer WHERE zer.id = ?`, id)
	if err != nil {
		return record.ZExerciseRun{}, err
	}
	if len(out) == 0 {
		return record.ZExerciseRun{}, &record.NotFoundError{Kind: record.KindZExerciseRun, ID: id, Partition: p}
	}
	return out[0], nil
}

func (ts *txStore) ZExerciseRunsByRun(ctx context.Context, p record.Partition, zRoutineRunID record.RecordID) ([]record.ZExerciseRun, error) {
	return ts.queryZExerciseRuns(ctx, p, `
		SELECT `+zExerciseRunCols+` FROM {s}.z_exercise_runs zer
		WHERE zer.z_routine_run_id = ?
		ORDER BY zer.created_at ASC, zer.id ASC
	`, zRoutineRunID)
}

func (ts *txStore) ZExerciseRunsByExercise(ctx context.Context, p record.Partition, zExerciseID record.RecordID) ([]record.ZExerciseRun, error) {
	return ts.queryZExerciseRuns(ctx, p, `
		SELECT `+zExerciseRunCols+` FROM {s}.z_exercise_runs zer
		WHERE zer.z_exercise_id = ?
		ORDER BY zer.created_at ASC, zer.id ASC
	`, zExerciseID)
}

func (ts *txStore) FindZExerciseRuns(ctx context.Context, p record.Partition, key record.ExerciseRunKey) ([]record.ZExerciseRun, error) {
	return ts.queryZExerciseRuns(ctx, p, `
		SELECT `+zExerciseRunCols+` FROM {s}.z_exercise_runs zer
		JOIN {s}.z_exercises ze ON ze.id = zer.z_exercise_id
		WHERE ze.archive_id = ? AND zer.completed_at = ?
		ORDER BY zer.created_at ASC, zer.id ASC
	`, key.ExerciseArchiveID.String(), key.CompletedAt.UnixNano())
}

// =============================================================================
// REPARENTING
// =============================================================================

func (ts *txStore) move(ctx context.Context, p record.Partition, table, column string, from, to record.RecordID) (int, error) {
	n, err := ts.exec(ctx, p, fmt.Sprintf(`UPDATE {s}.%s SET %s = ? WHERE %s = ?`, table, column, column), to, from)
	if err != nil {
		return 0, fmt.Errorf("move %s.%s: %w", table, column, err)
	}
	return n, nil
}

func (ts *txStore) MoveZExercises(ctx context.Context, p record.Partition, from, to record.RecordID) (int, error) {
	return ts.move(ctx, p, "z_exercises", "z_routine_id", from, to)
}

func (ts *txStore) MoveZRoutineRuns(ctx context.Context, p record.Partition, from, to record.RecordID) (int, error) {
	return ts.move(ctx, p, "z_routine_runs", "z_routine_id", from, to)
}

func (ts *txStore) MoveZExerciseRunsByExercise(ctx context.Context, p record.Partition, from, to record.RecordID) (int, error) {
	return ts.move(ctx, p, "z_exercise_runs", "z_exercise_id", from, to)
}

func (ts *txStore) MoveZExerciseRunsByRun(ctx context.Context, p record.Partition, from, to record.RecordID) (int, error) {
	return ts.move(ctx, p, "z_exercise_runs", "z_routine_run_id", from, to)
}

// =============================================================================
// RETENTION
// =============================================================================

func (ts *txStore) DeleteZExerciseRunsBefore(ctx context.Context, p record.Partition, t time.Time) (int, error) {
	n, err := ts.exec(ctx, p, `DELETE FROM {s}.z_exercise_runs WHERE completed_at < ?`, t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete z_exercise_runs before: %w", err)
	}
	return n, nil
}

func (ts *txStore) DeleteZRoutineRunsBefore(ctx context.Context, p record.Partition, t time.Time) (int, error) {
	n, err := ts.exec(ctx, p, `DELETE FROM {s}.z_routine_runs WHERE started_at < ?`, t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete z_routine_runs before: %w", err)
	}
	return n, nil
}

func (ts *txStore) DeleteChildlessZExercises(ctx context.Context, p record.Partition) (int, error) {
	n, err := ts.exec(ctx, p, `
		DELETE FROM {s}.z_exercises
		WHERE NOT EXISTS (
			SELECT 1 FROM {s}.z_exercise_runs zer WHERE zer.z_exercise_id = z_exercises.id
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("delete childless z_exercises: %w", err)
	}
	return n, nil
}

func (ts *txStore) DeleteChildlessZRoutines(ctx context.Context, p record.Partition) (int, error) {
	n, err := ts.exec(ctx, p, `
		DELETE FROM {s}.z_routines
		WHERE NOT EXISTS (
			SELECT 1 FROM {s}.z_routine_runs zrr WHERE zrr.z_routine_id = z_routines.id
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("delete childless z_routines: %w", err)
	}
	return n, nil
}

// =============================================================================
// BATCH OPERATIONS BY KIND
// =============================================================================

var tables = map[record.Kind]string{
	record.KindRoutine:      "routines",
	record.KindExercise:     "exercises",
	record.KindZRoutine:     "z_routines",
	record.KindZExercise:    "z_exercises",
	record.KindZRoutineRun:  "z_routine_runs",
	record.KindZExerciseRun: "z_exercise_runs",
}

// SQLite's default host parameter limit is 999 on older builds.
const deleteChunk = 500

func (ts *txStore) table(p record.Partition, kind record.Kind) (string, error) {
	name, ok := tables[kind]
	if !ok {
		return "", fmt.Errorf("unknown kind %s", kind)
	}
	if !kind.IsLog() && p != record.PartitionHot {
		return "", fmt.Errorf("%s in %s: %w", kind, p, record.ErrLiveKindInArchive)
	}
	return name, nil
}

func (ts *txStore) IDs(ctx context.Context, p record.Partition, kind record.Kind) ([]record.RecordID, error) {
	name, err := ts.table(p, kind)
	if err != nil {
		return nil, err
	}
	query, err := ts.q(p, fmt.Sprintf(`SELECT id FROM {s}.%s ORDER BY created_at ASC, id ASC`, name))
	if err != nil {
		return nil, err
	}
	rows, err := ts.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ids %s: %w", name, err)
	}
	defer rows.Close()

	var ids []record.RecordID
	for rows.Next() {
		var id record.RecordID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ids %s: %w", name, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (ts *txStore) Count(ctx context.Context, p record.Partition, kind record.Kind) (int, error) {
	name, err := ts.table(p, kind)
	if err != nil {
		return 0, err
	}
	query, err := ts.q(p, fmt.Sprintf(`SELECT COUNT(*) FROM {s}.%s`, name))
	if err != nil {
		return 0, err
	}
	var n int
	if err := ts.tx.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", name, err)
	}
	return n, nil
}

func (ts *txStore) Delete(ctx context.Context, p record.Partition, kind record.Kind, ids []record.RecordID) (int, error) {
	name, err := ts.table(p, kind)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for start := 0; start < len(ids); start += deleteChunk {
		end := min(start+deleteChunk, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")

		n, err := ts.exec(ctx, p, fmt.Sprintf(`DELETE FROM {s}.%s WHERE id IN (%s)`, name, placeholders), args...)
		if err != nil {
			return deleted, fmt.Errorf("delete %s: %w", name, err)
		}
		deleted += n
	}
	return deleted, nil
}
