package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/routine-engine/engine"
	"github.com/warp/routine-engine/record"
	"github.com/warp/routine-engine/record/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var now = time.Date(2025, time.March, 12, 8, 0, 0, 0, time.UTC)

type testServer struct {
	t      *testing.T
	store  *store.Memory
	clock  *engine.FixedClock
	engine *engine.Engine
	router http.Handler
}

func newTestServer(t *testing.T, withScheduler bool) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewMemory()
	clock := engine.NewFixedClock(now)
	eng, err := engine.New(engine.Options{Store: s, Clock: clock, Logger: logger})
	require.NoError(t, err)

	var scheduler *MaintenanceScheduler
	if withScheduler {
		scheduler = NewMaintenanceScheduler(eng, logger)
		scheduler.Retention = 30 * 24 * time.Hour
	}
	h := NewHandler(eng, scheduler, 30*24*time.Hour, logger)
	return &testServer{t: t, store: s, clock: clock, engine: eng, router: NewRouter(h, []string{"*"})}
}

func (ts *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (ts *testServer) createRoutine(name string) RoutineDTO {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/routines", CreateRoutineRequest{Name: name})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[RoutineDTO](ts.t, rec)
}

func (ts *testServer) addExercise(routineID int64, name string) ExerciseDTO {
	ts.t.Helper()
	intensity := decimal.NewFromInt(40)
	step := decimal.RequireFromString("2.5")
	rec := ts.do(http.MethodPost, fmt.Sprintf("/api/routines/%d/exercises", routineID), AddExerciseRequest{
		Name:          name,
		Units:         "kg",
		Intensity:     &intensity,
		IntensityStep: &step,
	})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[ExerciseDTO](ts.t, rec)
}

// seedZRoutine writes a ZRoutine directly, the way replication would.
func (ts *testServer) seedZRoutine(p record.Partition, archiveID uuid.UUID, created time.Time) record.ZRoutine {
	ts.t.Helper()
	z := record.ZRoutine{ArchiveID: archiveID, Name: "Synced", CreatedAt: created}
	require.NoError(ts.t, ts.store.WithTx(context.Background(), func(tx record.Tx) error {
		return tx.CreateZRoutine(context.Background(), p, &z)
	}))
	return z
}

// =============================================================================
// ROUTINES
// =============================================================================

func TestCreateRoutine(t *testing.T) {
	ts := newTestServer(t, false)

	routine := ts.createRoutine("Push day")

	assert.NotZero(t, routine.ID)
	assert.Equal(t, "Push day", routine.Name)
	assert.NotEmpty(t, routine.ArchiveID)
	assert.Empty(t, routine.Exercises)
	assert.True(t, now.Equal(routine.CreatedAt))
}

func TestCreateRoutine_Validation(t *testing.T) {
	ts := newTestServer(t, false)

	cases := map[string]any{
		"missing name":   CreateRoutineRequest{},
		"negative order": CreateRoutineRequest{Name: "x", UserOrder: -1},
		"malformed json": `{"name":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/api/routines", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decodeBody[ErrorResponse](t, rec).Error)
		})
	}
}

func TestAddExercise(t *testing.T) {
	ts := newTestServer(t, false)
	routine := ts.createRoutine("Push day")

	ex := ts.addExercise(routine.ID, "Bench press")

	assert.Equal(t, routine.ID, ex.RoutineID)
	assert.Equal(t, "kg", ex.Units)
	assert.True(t, decimal.NewFromInt(40).Equal(ex.Intensity))
	assert.False(t, ex.Done)

	rec := ts.do(http.MethodGet, fmt.Sprintf("/api/routines/%d", routine.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[RoutineDTO](t, rec)
	require.Len(t, got.Exercises, 1)
	assert.Equal(t, ex.ID, got.Exercises[0].ID)

	rec = ts.do(http.MethodGet, "/api/routines", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]RoutineDTO](t, rec), 1)
}

func TestAddExercise_Rejections(t *testing.T) {
	ts := newTestServer(t, false)
	routine := ts.createRoutine("Push day")
	path := fmt.Sprintf("/api/routines/%d/exercises", routine.ID)

	cases := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"unknown units", path, `{"name":"Dips","units":"stone"}`, http.StatusBadRequest},
		{"intensity above maximum", path, `{"name":"Dips","intensity":"5000.5"}`, http.StatusBadRequest},
		{"negative intensity", path, `{"name":"Dips","intensity":-1}`, http.StatusBadRequest},
		{"negative step", path, `{"name":"Dips","intensityStep":"-2"}`, http.StatusBadRequest},
		{"invalid routine id", "/api/routines/abc/exercises", `{"name":"Dips"}`, http.StatusBadRequest},
		{"unknown routine", "/api/routines/999/exercises", `{"name":"Dips"}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestGetRoutine_NotFound(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(http.MethodGet, "/api/routines/42", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// COMPLETION
// =============================================================================

func TestMarkDone_LogsHistory(t *testing.T) {
	ts := newTestServer(t, false)
	routine := ts.createRoutine("Push day")
	ex := ts.addExercise(routine.ID, "Bench press")
	started := now.Add(-20 * time.Minute)

	// WHEN: Completing with logging and advance
	rec := ts.do(http.MethodPost, fmt.Sprintf("/api/exercises/%d/done", ex.ID), MarkDoneRequest{
		RoutineStartedAt: &started,
		WithAdvance:      true,
		LogToHistory:     true,
	})

	// THEN
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[CompletionResponse](t, rec)
	assert.True(t, resp.Exercise.Done)
	assert.True(t, decimal.RequireFromString("42.5").Equal(resp.Exercise.Intensity))
	assert.Equal(t, "20m0s", resp.Routine.LastDuration)
	assert.NotZero(t, resp.ZRoutineID)
	assert.NotZero(t, resp.ZRoutineRunID)
	assert.NotZero(t, resp.ZExerciseRun)

	rec = ts.do(http.MethodGet, "/api/partitions/hot/counts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	counts := decodeBody[CountsDTO](t, rec)
	assert.Equal(t, 1, counts.Counts["ZRoutine"])
	assert.Equal(t, 1, counts.Counts["ZExerciseRun"])

	// AND: Undo clears the live completion only
	rec = ts.do(http.MethodPost, fmt.Sprintf("/api/exercises/%d/undo", ex.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[ExerciseDTO](t, rec).Done)
}

func TestMarkDone_EmptyBody(t *testing.T) {
	ts := newTestServer(t, false)
	routine := ts.createRoutine("Push day")
	ex := ts.addExercise(routine.ID, "Bench press")

	rec := ts.do(http.MethodPost, fmt.Sprintf("/api/exercises/%d/done", ex.ID), nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[CompletionResponse](t, rec)
	assert.Zero(t, resp.ZRoutineID)
	require.NotNil(t, resp.Exercise.LastCompletedAt)
	assert.True(t, now.Equal(*resp.Exercise.LastCompletedAt))
}

func TestMarkDone_LoggingRequiresSessionStart(t *testing.T) {
	ts := newTestServer(t, false)
	routine := ts.createRoutine("Push day")
	ex := ts.addExercise(routine.ID, "Bench press")

	rec := ts.do(http.MethodPost, fmt.Sprintf("/api/exercises/%d/done", ex.ID), `{"logToHistory":true}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarkDone_ExerciseWithoutRoutine(t *testing.T) {
	ts := newTestServer(t, false)
	orphan := record.Exercise{Name: "Orphan", CreatedAt: now}
	require.NoError(t, ts.store.WithTx(context.Background(), func(tx record.Tx) error {
		return tx.CreateExercise(context.Background(), &orphan)
	}))

	rec := ts.do(http.MethodPost, fmt.Sprintf("/api/exercises/%d/done", orphan.ID), nil)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decodeBody[ErrorResponse](t, rec).Details, "missing required relationship")
}

func TestResetSession(t *testing.T) {
	ts := newTestServer(t, false)
	routine := ts.createRoutine("Push day")
	ex := ts.addExercise(routine.ID, "Bench press")
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, fmt.Sprintf("/api/exercises/%d/done", ex.ID), nil).Code)

	rec := ts.do(http.MethodPost, fmt.Sprintf("/api/routines/%d/reset", routine.ID), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"cleared": 1}, decodeBody[map[string]int](t, rec))
}

// =============================================================================
// SYNC
// =============================================================================

func TestSyncInserts_MergesDuplicates(t *testing.T) {
	ts := newTestServer(t, false)
	archiveID := uuid.New()
	first := ts.seedZRoutine(record.PartitionHot, archiveID, now.Add(-time.Hour))
	second := ts.seedZRoutine(record.PartitionHot, archiveID, now)

	rec := ts.do(http.MethodPost, "/api/sync/inserts", SyncInsertsRequest{Inserts: []InsertDTO{
		{Kind: "ZRoutine", ID: int64(second.ID), Partition: "hot"},
		{Kind: "ZRoutine", ID: 9999},
	}})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[SyncInsertsResponse](t, rec)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, int64(first.ID), resp.Results[0].Survivor)
	assert.Equal(t, 1, resp.Results[0].Merged)
	assert.Equal(t, 1, resp.Failed)
}

func TestSyncInserts_Rejections(t *testing.T) {
	ts := newTestServer(t, false)

	cases := map[string]string{
		"no inserts":   `{"inserts":[]}`,
		"unknown kind": `{"inserts":[{"kind":"Workout","id":1}]}`,
		"missing id":   `{"inserts":[{"kind":"ZRoutine"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/api/sync/inserts", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

// =============================================================================
// MAINTENANCE
// =============================================================================

func TestTransferAndClean(t *testing.T) {
	ts := newTestServer(t, false)
	ts.seedZRoutine(record.PartitionHot, uuid.New(), now.Add(-72*time.Hour))

	rec := ts.do(http.MethodPost, "/api/maintenance/transfer", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[TransferReportDTO](t, rec)
	assert.Equal(t, 1, report.Copied["ZRoutine"])
	assert.Equal(t, 1, report.Purged["ZRoutine"])

	rec = ts.do(http.MethodGet, "/api/partitions/archive/counts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	counts := decodeBody[CountsDTO](t, rec)
	assert.Equal(t, "archive", counts.Partition)
	assert.Equal(t, 1, counts.Counts["ZRoutine"])
	assert.NotContains(t, counts.Counts, "Routine")

	// A routine with no sessions is pruned whatever its age.
	keepSince := now.Add(-24 * time.Hour)
	rec = ts.do(http.MethodPost, "/api/maintenance/clean", CleanRequest{KeepSince: &keepSince})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	prune := decodeBody[PruneReportDTO](t, rec)
	assert.True(t, keepSince.Equal(prune.KeepSince))
	assert.Equal(t, 1, prune.Deleted["ZRoutine"])
}

func TestClean_DefaultsToRetention(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(http.MethodPost, "/api/maintenance/clean", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, now.Add(-30*24*time.Hour).Equal(decodeBody[PruneReportDTO](t, rec).KeepSince))
}

func TestDedupe(t *testing.T) {
	ts := newTestServer(t, false)
	archiveID := uuid.New()
	ts.seedZRoutine(record.PartitionHot, archiveID, now.Add(-time.Hour))
	ts.seedZRoutine(record.PartitionHot, archiveID, now)
	ts.seedZRoutine(record.PartitionArchive, archiveID, now)

	rec := ts.do(http.MethodPost, "/api/maintenance/dedupe", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	merged := decodeBody[map[string]map[string]int](t, rec)["merged"]
	assert.Equal(t, 1, merged["ZRoutine"])
}

func TestMaintenanceRun(t *testing.T) {
	ts := newTestServer(t, true)

	rec := ts.do(http.MethodGet, "/api/maintenance/last", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodPost, "/api/maintenance/run", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decodeBody[MaintenanceRunDTO](t, rec)
	assert.Equal(t, RunStatusCompleted, run.Status)
	require.NotNil(t, run.Transfer)
	require.NotNil(t, run.Prune)
	assert.Empty(t, run.Error)

	rec = ts.do(http.MethodGet, "/api/maintenance/last", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	last := decodeBody[MaintenanceRunDTO](t, rec)
	assert.True(t, now.Equal(last.StartedAt))
	require.NotNil(t, last.NextRunAt)
	assert.True(t, now.Add(time.Hour).Equal(*last.NextRunAt))
}

func TestMaintenanceRun_WithoutScheduler(t *testing.T) {
	ts := newTestServer(t, false)

	assert.Equal(t, http.StatusServiceUnavailable, ts.do(http.MethodPost, "/api/maintenance/run", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(http.MethodGet, "/api/maintenance/last", nil).Code)
}

// =============================================================================
// PARTITIONS
// =============================================================================

func TestRemoveRoutineRun(t *testing.T) {
	ts := newTestServer(t, false)
	zr := ts.seedZRoutine(record.PartitionArchive, uuid.New(), now)
	run := record.ZRoutineRun{ZRoutineID: zr.ID, StartedAt: now, CreatedAt: now}
	require.NoError(t, ts.store.WithTx(context.Background(), func(tx record.Tx) error {
		return tx.CreateZRoutineRun(context.Background(), record.PartitionArchive, &run)
	}))

	rec := ts.do(http.MethodPost, fmt.Sprintf("/api/partitions/archive/routine-runs/%d/remove", run.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	require.NoError(t, ts.store.WithTx(context.Background(), func(tx record.Tx) error {
		got, err := tx.GetZRoutineRun(context.Background(), record.PartitionArchive, run.ID)
		require.NoError(t, err)
		assert.True(t, got.UserRemoved)
		return nil
	}))

	rec = ts.do(http.MethodPost, fmt.Sprintf("/api/partitions/hot/routine-runs/%d/remove", run.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodPost, "/api/partitions/hot/exercise-runs/7/remove", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCounts_UnknownPartition(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(http.MethodGet, "/api/partitions/cold/counts", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "routine_engine_transfer_fresh_routines_skipped_total")
}
