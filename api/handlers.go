/*
handlers.go - HTTP admin API for the routine engine

PURPOSE:
  Exposes the engine's entry points over REST. Handles HTTP request/response,
  JSON serialization and request validation, and delegates to package engine.

ENDPOINTS:
  Routines:
    GET    /api/routines                     List routines with exercises
    POST   /api/routines                     Create routine
    GET    /api/routines/{id}                Get routine
    POST   /api/routines/{id}/exercises      Add exercise
    POST   /api/routines/{id}/reset          Clear the session's completions

  Completion:
    POST   /api/exercises/{id}/done          Mark done (optionally log + advance)
    POST   /api/exercises/{id}/undo          Unmark done

  Sync:
    POST   /api/sync/inserts                 Post-insert hook for replicated records

  Maintenance:
    POST   /api/maintenance/transfer         Transfer stale history to the archive
    POST   /api/maintenance/clean            Prune old history
    POST   /api/maintenance/dedupe           Full deduplication sweep
    POST   /api/maintenance/run              One scheduler pass now
    GET    /api/maintenance/last             Last scheduler pass

  Partitions:
    POST   /api/partitions/{partition}/routine-runs/{id}/remove
    POST   /api/partitions/{partition}/exercise-runs/{id}/remove
    GET    /api/partitions/{partition}/counts

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (go-playground/validator struct tags)
  3. Call the engine
  4. Serialize response
  5. Map errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, unknown partition
  - 404: Record not found
  - 422: Missing identity or relationship on stored records
  - 500: Store failures

SECURITY NOTE:
  No authentication. Bind the admin port to localhost.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: Periodic maintenance
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/warp/routine-engine/engine"
	"github.com/warp/routine-engine/record"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *engine.Engine
	Scheduler *MaintenanceScheduler

	// Retention applied by /maintenance/clean when the body has no keepSince.
	Retention time.Duration

	log      *slog.Logger
	validate *validator.Validate
}

// NewHandler creates a new handler. scheduler may be nil.
func NewHandler(eng *engine.Engine, scheduler *MaintenanceScheduler, retention time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine:    eng,
		Scheduler: scheduler,
		Retention: retention,
		log:       logger.With("component", "api"),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// =============================================================================
// ROUTINE HANDLERS
// =============================================================================

// ListRoutines returns all routines with their exercises.
func (h *Handler) ListRoutines(w http.ResponseWriter, r *http.Request) {
	views, err := h.Engine.Routines(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to list routines", err)
		return
	}

	dtos := make([]RoutineDTO, len(views))
	for i, v := range views {
		dtos[i] = toRoutineDTO(v.Routine, v.Exercises)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRoutine returns a single routine.
func (h *Handler) GetRoutine(w http.ResponseWriter, r *http.Request) {
	id, ok := recordIDParam(w, r)
	if !ok {
		return
	}

	view, err := h.Engine.Routine(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to get routine", err)
		return
	}
	writeJSON(w, http.StatusOK, toRoutineDTO(view.Routine, view.Exercises))
}

// CreateRoutine creates a new routine.
func (h *Handler) CreateRoutine(w http.ResponseWriter, r *http.Request) {
	var req CreateRoutineRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	routine, err := h.Engine.CreateRoutine(r.Context(), record.Routine{
		Name:      req.Name,
		UserOrder: req.UserOrder,
		ImageName: req.ImageName,
	})
	if err != nil {
		h.writeEngineError(w, "Failed to create routine", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRoutineDTO(routine, nil))
}

// AddExercise appends an exercise to a routine.
func (h *Handler) AddExercise(w http.ResponseWriter, r *http.Request) {
	routineID, ok := recordIDParam(w, r)
	if !ok {
		return
	}
	var req AddExerciseRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	ex := record.Exercise{
		Name:      req.Name,
		UserOrder: req.UserOrder,
		Units:     record.Units(req.Units),
		Intensity: record.Intensity{Inverted: req.Inverted},
	}
	if req.Intensity != nil {
		if req.Intensity.IsNegative() || req.Intensity.GreaterThan(engine.MaxIntensity) {
			writeError(w, http.StatusBadRequest, "Intensity out of range",
				fmt.Errorf("intensity must be between 0 and %s", engine.MaxIntensity))
			return
		}
		ex.Intensity.Value = *req.Intensity
	}
	if req.IntensityStep != nil {
		if req.IntensityStep.IsNegative() {
			writeError(w, http.StatusBadRequest, "Intensity step must not be negative", nil)
			return
		}
		ex.Intensity.Step = *req.IntensityStep
	}

	created, err := h.Engine.AddExercise(r.Context(), routineID, ex)
	if err != nil {
		h.writeEngineError(w, "Failed to add exercise", err)
		return
	}
	writeJSON(w, http.StatusCreated, toExerciseDTO(created))
}

// ResetSession clears every exercise's completion in a routine.
func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	routineID, ok := recordIDParam(w, r)
	if !ok {
		return
	}

	cleared, err := h.Engine.ResetSession(r.Context(), routineID)
	if err != nil {
		h.writeEngineError(w, "Failed to reset session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

// =============================================================================
// COMPLETION HANDLERS
// =============================================================================

// MarkDone marks an exercise completed.
func (h *Handler) MarkDone(w http.ResponseWriter, r *http.Request) {
	exerciseID, ok := recordIDParam(w, r)
	if !ok {
		return
	}
	var req MarkDoneRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	c := engine.Completion{
		ExerciseID:   exerciseID,
		WithAdvance:  req.WithAdvance,
		LogToHistory: req.LogToHistory,
	}
	if req.CompletedAt != nil {
		c.CompletedAt = req.CompletedAt.UTC()
	}
	if req.RoutineStartedAt != nil {
		c.RoutineStartedAt = req.RoutineStartedAt.UTC()
	}

	result, err := h.Engine.MarkDone(r.Context(), c)
	if err != nil {
		h.writeEngineError(w, "Failed to mark exercise done", err)
		return
	}

	writeJSON(w, http.StatusOK, CompletionResponse{
		Routine:       toRoutineDTO(result.Routine, nil),
		Exercise:      toExerciseDTO(result.Exercise),
		ZRoutineID:    int64(result.ZRoutine.ID),
		ZRoutineRunID: int64(result.ZRoutineRun.ID),
		ZExerciseID:   int64(result.ZExercise.ID),
		ZExerciseRun:  int64(result.ZExerciseRun.ID),
	})
}

// UnmarkDone clears an exercise's completion.
func (h *Handler) UnmarkDone(w http.ResponseWriter, r *http.Request) {
	exerciseID, ok := recordIDParam(w, r)
	if !ok {
		return
	}

	ex, err := h.Engine.UnmarkDone(r.Context(), exerciseID)
	if err != nil {
		h.writeEngineError(w, "Failed to unmark exercise", err)
		return
	}
	writeJSON(w, http.StatusOK, toExerciseDTO(ex))
}

// =============================================================================
// SYNC HANDLERS
// =============================================================================

// SyncInserts runs the post-insert hook for each replicated record.
// A record that cannot be deduplicated is counted and skipped.
func (h *Handler) SyncInserts(w http.ResponseWriter, r *http.Request) {
	var req SyncInsertsRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	inserts := make([]engine.Insert, len(req.Inserts))
	for i, in := range req.Inserts {
		kind, err := record.ParseKind(in.Kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid kind", err)
			return
		}
		inserts[i] = engine.Insert{
			Kind:      kind,
			ID:        record.RecordID(in.ID),
			Partition: record.Partition(in.Partition),
		}
	}

	resp := SyncInsertsResponse{Results: []DedupResultDTO{}}
	for _, ins := range inserts {
		res, ok := h.Engine.OnInsert(r.Context(), ins)
		if !ok {
			resp.Failed++
			continue
		}
		resp.Results = append(resp.Results, toDedupResultDTO(res))
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// MAINTENANCE HANDLERS
// =============================================================================

// Transfer moves stale history to the archive partition.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.TransferToArchive(r.Context())
	if err != nil {
		h.writeEngineError(w, "Transfer failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferReportDTO(report))
}

// Clean prunes history older than keepSince, or older than the configured
// retention when the body is empty.
func (h *Handler) Clean(w http.ResponseWriter, r *http.Request) {
	var req CleanRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	var (
		report engine.PruneReport
		err    error
	)
	if req.KeepSince != nil {
		report, err = h.Engine.CleanLogRecords(r.Context(), req.KeepSince.UTC())
	} else {
		report, err = h.Engine.CleanOlderThan(r.Context(), h.Retention)
	}
	if err != nil {
		h.writeEngineError(w, "Clean failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toPruneReportDTO(report))
}

// Dedupe runs a full deduplication sweep.
func (h *Handler) Dedupe(w http.ResponseWriter, r *http.Request) {
	merged, err := h.Engine.DeduplicateAll(r.Context())
	if err != nil {
		h.writeEngineError(w, "Deduplication failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]map[string]int{"merged": kindCounts(merged)})
}

// RunMaintenance performs one scheduler pass now.
func (h *Handler) RunMaintenance(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Scheduler not configured", nil)
		return
	}
	run, _ := h.Scheduler.RunNow(r.Context())

	status := http.StatusOK
	if run.Status == RunStatusFailed {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, toMaintenanceRunDTO(run))
}

// LastMaintenance returns the last scheduler pass.
func (h *Handler) LastMaintenance(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Scheduler not configured", nil)
		return
	}
	run, ok := h.Scheduler.LastRun()
	if !ok {
		writeError(w, http.StatusNotFound, "No maintenance run yet", nil)
		return
	}
	dto := toMaintenanceRunDTO(run)
	if h.Scheduler.Enabled {
		dto.NextRunAt = timePtr(h.Scheduler.NextRunTime())
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// PARTITION HANDLERS
// =============================================================================

// RemoveRoutineRun sets the user-removed flag on a session.
func (h *Handler) RemoveRoutineRun(w http.ResponseWriter, r *http.Request) {
	id, ok := recordIDParam(w, r)
	if !ok {
		return
	}
	p := record.Partition(chi.URLParam(r, "partition"))

	if err := h.Engine.RemoveRoutineRun(r.Context(), p, id); err != nil {
		h.writeEngineError(w, "Failed to remove routine run", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveExerciseRun sets the user-removed flag on a completion.
func (h *Handler) RemoveExerciseRun(w http.ResponseWriter, r *http.Request) {
	id, ok := recordIDParam(w, r)
	if !ok {
		return
	}
	p := record.Partition(chi.URLParam(r, "partition"))

	if err := h.Engine.RemoveExerciseRun(r.Context(), p, id); err != nil {
		h.writeEngineError(w, "Failed to remove exercise run", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Counts returns record counts per kind in a partition.
func (h *Handler) Counts(w http.ResponseWriter, r *http.Request) {
	p := record.Partition(chi.URLParam(r, "partition"))

	counts, err := h.Engine.Counts(r.Context(), p)
	if err != nil {
		h.writeEngineError(w, "Failed to count records", err)
		return
	}
	writeJSON(w, http.StatusOK, CountsDTO{Partition: p.String(), Counts: kindCounts(counts)})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. With optional, an empty body
// leaves dst at its zero value.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return false
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func recordIDParam(w http.ResponseWriter, r *http.Request) (record.RecordID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id", fmt.Errorf("%q is not a positive integer", raw))
		return 0, false
	}
	return record.RecordID(id), true
}

// writeEngineError maps the engine's error taxonomy to HTTP status codes.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	switch {
	case record.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, record.ErrMissingIdentity), errors.Is(err, record.ErrMissingRelationship):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	case record.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		h.log.Error(message, "error", err)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func toMaintenanceRunDTO(run MaintenanceRun) MaintenanceRunDTO {
	dto := MaintenanceRunDTO{
		StartedAt:   run.StartedAt,
		CompletedAt: timePtr(run.CompletedAt),
		Status:      run.Status,
	}
	if run.Transfer != nil {
		t := toTransferReportDTO(*run.Transfer)
		dto.Transfer = &t
	}
	if run.Prune != nil {
		p := toPruneReportDTO(*run.Prune)
		dto.Prune = &p
	}
	if run.Error != nil {
		dto.Error = run.Error.Error()
	}
	return dto
}
