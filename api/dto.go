/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures of the admin API. These types decouple the
  record model (RecordIDs, Kind enums, zero-time nullability) from the wire.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Live family:   RoutineDTO, ExerciseDTO, CreateRoutineRequest, AddExerciseRequest
  Completion:    MarkDoneRequest, CompletionResponse
  Sync hook:     SyncInsertsRequest, InsertDTO, SyncInsertsResponse, DedupResultDTO
  Maintenance:   TransferReportDTO, PruneReportDTO, CleanRequest, MaintenanceRunDTO

VALIDATION:
  Request types carry `validate` tags checked by go-playground/validator in
  the handlers. DTOs stay pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - record/types.go: The model these types mirror
*/
package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/routine-engine/engine"
	"github.com/warp/routine-engine/record"
)

// =============================================================================
// LIVE FAMILY
// =============================================================================

// RoutineDTO represents a routine with its exercises.
type RoutineDTO struct {
	ID            int64         `json:"id"`
	Name          string        `json:"name"`
	UserOrder     int           `json:"userOrder"`
	ArchiveID     string        `json:"archiveId,omitempty"`
	LastStartedAt *time.Time    `json:"lastStartedAt,omitempty"`
	LastDuration  string        `json:"lastDuration,omitempty"`
	ImageName     string        `json:"imageName,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	Exercises     []ExerciseDTO `json:"exercises"`
}

// ExerciseDTO represents an exercise in API responses.
type ExerciseDTO struct {
	ID              int64           `json:"id"`
	RoutineID       int64           `json:"routineId"`
	Name            string          `json:"name"`
	ArchiveID       string          `json:"archiveId,omitempty"`
	UserOrder       int             `json:"userOrder"`
	Units           string          `json:"units"`
	Intensity       decimal.Decimal `json:"intensity"`
	IntensityStep   decimal.Decimal `json:"intensityStep"`
	Inverted        bool            `json:"inverted"`
	Done            bool            `json:"done"`
	LastCompletedAt *time.Time      `json:"lastCompletedAt,omitempty"`
}

// CreateRoutineRequest is the body of POST /api/routines.
type CreateRoutineRequest struct {
	Name      string `json:"name" validate:"required,max=200"`
	UserOrder int    `json:"userOrder" validate:"gte=0"`
	ImageName string `json:"imageName" validate:"max=200"`
}

// AddExerciseRequest is the body of POST /api/routines/{id}/exercises.
type AddExerciseRequest struct {
	Name          string           `json:"name" validate:"required,max=200"`
	UserOrder     int              `json:"userOrder" validate:"gte=0"`
	Units         string           `json:"units" validate:"omitempty,oneof=none kg lb min sec percent degrees"`
	Intensity     *decimal.Decimal `json:"intensity"`
	IntensityStep *decimal.Decimal `json:"intensityStep"`
	Inverted      bool             `json:"inverted"`
}

// =============================================================================
// COMPLETION
// =============================================================================

// MarkDoneRequest is the body of POST /api/exercises/{id}/done.
type MarkDoneRequest struct {
	CompletedAt      *time.Time `json:"completedAt"`
	RoutineStartedAt *time.Time `json:"routineStartedAt" validate:"required_if=LogToHistory true"`
	WithAdvance      bool       `json:"withAdvance"`
	LogToHistory     bool       `json:"logToHistory"`
}

// CompletionResponse reports the state written by a completion.
type CompletionResponse struct {
	Routine       RoutineDTO  `json:"routine"`
	Exercise      ExerciseDTO `json:"exercise"`
	ZRoutineID    int64       `json:"zRoutineId,omitempty"`
	ZRoutineRunID int64       `json:"zRoutineRunId,omitempty"`
	ZExerciseID   int64       `json:"zExerciseId,omitempty"`
	ZExerciseRun  int64       `json:"zExerciseRunId,omitempty"`
}

// =============================================================================
// SYNC HOOK
// =============================================================================

// InsertDTO is one replicated insert.
type InsertDTO struct {
	Kind      string `json:"kind" validate:"required"`
	ID        int64  `json:"id" validate:"gt=0"`
	Partition string `json:"partition"`
}

// SyncInsertsRequest is the body of POST /api/sync/inserts.
type SyncInsertsRequest struct {
	Inserts []InsertDTO `json:"inserts" validate:"required,min=1,dive"`
}

// DedupResultDTO summarizes one deduplication.
type DedupResultDTO struct {
	Kind       string `json:"kind"`
	Key        string `json:"key"`
	Survivor   int64  `json:"survivor"`
	Merged     int    `json:"merged"`
	Reparented int    `json:"reparented"`
}

// SyncInsertsResponse reports per-insert outcomes. Failed inserts are logged
// server side and do not fail the request.
type SyncInsertsResponse struct {
	Results []DedupResultDTO `json:"results"`
	Failed  int              `json:"failed"`
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// TransferReportDTO mirrors engine.TransferReport.
type TransferReportDTO struct {
	Copied         map[string]int `json:"copied"`
	Purged         map[string]int `json:"purged"`
	SkippedFresh   int            `json:"skippedFresh"`
	SkippedInvalid int            `json:"skippedInvalid"`
}

// CleanRequest is the optional body of POST /api/maintenance/clean.
// Without KeepSince the configured retention is applied.
type CleanRequest struct {
	KeepSince *time.Time `json:"keepSince"`
}

// PruneReportDTO mirrors engine.PruneReport.
type PruneReportDTO struct {
	KeepSince time.Time      `json:"keepSince"`
	Deleted   map[string]int `json:"deleted"`
}

// MaintenanceRunDTO is one scheduler pass.
type MaintenanceRunDTO struct {
	StartedAt   time.Time          `json:"startedAt"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
	Status      string             `json:"status"`
	Transfer    *TransferReportDTO `json:"transfer,omitempty"`
	Prune       *PruneReportDTO    `json:"prune,omitempty"`
	Error       string             `json:"error,omitempty"`
	NextRunAt   *time.Time         `json:"nextRunAt,omitempty"`
}

// CountsDTO lists record counts per kind in one partition.
type CountsDTO struct {
	Partition string         `json:"partition"`
	Counts    map[string]int `json:"counts"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func kindCounts(m map[record.Kind]int) map[string]int {
	out := make(map[string]int, len(m))
	for kind, n := range m {
		out[kind.String()] = n
	}
	return out
}

func toExerciseDTO(e record.Exercise) ExerciseDTO {
	dto := ExerciseDTO{
		ID:              int64(e.ID),
		RoutineID:       int64(e.RoutineID),
		Name:            e.Name,
		UserOrder:       e.UserOrder,
		Units:           string(e.Units),
		Intensity:       e.Intensity.Value,
		IntensityStep:   e.Intensity.Step,
		Inverted:        e.Intensity.Inverted,
		Done:            e.IsDone(),
		LastCompletedAt: timePtr(e.LastCompletedAt),
	}
	if e.ArchiveID != uuid.Nil {
		dto.ArchiveID = e.ArchiveID.String()
	}
	return dto
}

func toRoutineDTO(r record.Routine, exercises []record.Exercise) RoutineDTO {
	dto := RoutineDTO{
		ID:            int64(r.ID),
		Name:          r.Name,
		UserOrder:     r.UserOrder,
		LastStartedAt: timePtr(r.LastStartedAt),
		ImageName:     r.ImageName,
		CreatedAt:     r.CreatedAt,
		Exercises:     make([]ExerciseDTO, len(exercises)),
	}
	if r.ArchiveID != uuid.Nil {
		dto.ArchiveID = r.ArchiveID.String()
	}
	if r.LastDuration > 0 {
		dto.LastDuration = r.LastDuration.String()
	}
	for i, e := range exercises {
		dto.Exercises[i] = toExerciseDTO(e)
	}
	return dto
}

func toDedupResultDTO(r engine.DedupResult) DedupResultDTO {
	return DedupResultDTO{
		Kind:       r.Kind.String(),
		Key:        r.Key,
		Survivor:   int64(r.Survivor),
		Merged:     r.Merged,
		Reparented: r.Reparented,
	}
}

func toTransferReportDTO(r engine.TransferReport) TransferReportDTO {
	return TransferReportDTO{
		Copied:         kindCounts(r.Copied),
		Purged:         kindCounts(r.Purged),
		SkippedFresh:   r.SkippedFresh,
		SkippedInvalid: r.SkippedInvalid,
	}
}

func toPruneReportDTO(r engine.PruneReport) PruneReportDTO {
	return PruneReportDTO{
		KeepSince: r.KeepSince,
		Deleted:   kindCounts(r.Deleted),
	}
}
