// Package handlers provides REST API handlers for sync status, the pending
// queue and conflict resolution.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/kimhsiao/recipesync/internal/errors"
	"github.com/kimhsiao/recipesync/internal/logging"
	"github.com/kimhsiao/recipesync/internal/models"
	syncpkg "github.com/kimhsiao/recipesync/internal/sync"
	"github.com/kimhsiao/recipesync/internal/sync/conflict"
	"github.com/kimhsiao/recipesync/internal/sync/queue"
	"github.com/kimhsiao/recipesync/internal/sync/scheduler"
	"github.com/kimhsiao/recipesync/internal/uuid"
)

// Queue is the durable queue as seen by the API. *queue.Queue implements it.
type Queue interface {
	Enqueue(ctx context.Context, op *models.SyncOperation) (*queue.Entry, error)
	ListPending(ctx context.Context) ([]*queue.Entry, error)
	Stats(ctx context.Context) (*queue.Stats, error)
}

// Engine is the coordinator surface used by the API.
type Engine interface {
	syncpkg.Engine
	Resolver() *conflict.Resolver
	Bus() *syncpkg.Bus
}

// Scheduler runs on-demand passes and reports loop status.
type Scheduler interface {
	Status(ctx context.Context) scheduler.Status
	SyncNow(ctx context.Context) (*syncpkg.PassResult, error)
}

// SyncHandler handles sync status, queue and conflict endpoints.
type SyncHandler struct {
	queue     Queue
	engine    Engine
	scheduler Scheduler
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(q Queue, engine Engine, sched Scheduler) *SyncHandler {
	return &SyncHandler{
		queue:     q,
		engine:    engine,
		scheduler: sched,
	}
}

// Register mounts the sync routes on mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /api/sync/status", h.GetStatus)
	mux.HandleFunc("POST /api/sync/now", h.TriggerSync)
	mux.HandleFunc("GET /api/sync/queue", h.ListQueue)
	mux.HandleFunc("POST /api/sync/operations", h.Enqueue)
	mux.HandleFunc("GET /api/sync/conflicts", h.ListConflicts)
	mux.HandleFunc("POST /api/sync/conflicts/{id}/resolve", h.ResolveConflict)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Warn("failed to encode response", map[string]interface{}{
			"component": "api",
			"error":     err.Error(),
		})
	}
}

func writeError(w http.ResponseWriter, status int, code apperrors.ErrorCode, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": message,
		"code":  code,
	})
}

// statusFor maps an error code to an HTTP status.
func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrValidation, apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrSyncConflict:
		return http.StatusConflict
	case apperrors.ErrSyncNotConfigured:
		return http.StatusServiceUnavailable
	case apperrors.ErrSyncAuthFailed:
		return http.StatusUnauthorized
	case apperrors.ErrSyncTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrRemote, apperrors.ErrSyncFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeAppError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	writeError(w, statusFor(code), code, err.Error())
}

// Health handles GET /api/health.
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "recipesyncd",
	})
}

// GetStatus handles GET /api/sync/status
// Returns sync state, last sync time, queue statistics and scheduler state.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"state":             h.engine.State(),
		"conflicts":         len(h.engine.Resolver().Pending()),
		"event_subscribers": h.engine.Bus().Subscribers(),
	}

	if lastSync := h.engine.LastSync(); lastSync != nil {
		response["last_sync"] = lastSync.UnixMilli()
	}
	if err := h.engine.LastError(); err != nil {
		response["last_error"] = err.Error()
		response["last_error_code"] = apperrors.CodeOf(err)
	}
	if result := h.engine.LastResult(); result != nil {
		response["last_result"] = result
	}

	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	response["pending_changes"] = stats.Total
	response["queue_stats"] = stats

	if h.scheduler != nil {
		response["scheduler"] = h.scheduler.Status(r.Context())
	}

	writeJSON(w, http.StatusOK, response)
}

// TriggerSync handles POST /api/sync/now
// Runs one pass and returns its result. A pass already in progress
// answers 409.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var (
		result *syncpkg.PassResult
		err    error
	)
	if h.scheduler != nil {
		result, err = h.scheduler.SyncNow(r.Context())
	} else {
		result, err = h.engine.TriggerSync(r.Context())
	}

	if err != nil {
		code := apperrors.CodeOf(err)
		writeJSON(w, statusFor(code), map[string]interface{}{
			"error":  err.Error(),
			"code":   code,
			"result": result,
		})
		return
	}
	if result != nil && result.Skipped {
		writeJSON(w, statusFor(apperrors.ErrSyncConflict), map[string]interface{}{
			"skipped": true,
			"code":    apperrors.ErrSyncConflict,
			"error":   "sync already in progress",
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ListQueue handles GET /api/sync/queue.
func (h *SyncHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := h.queue.ListPending(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	if entries == nil {
		entries = []*queue.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
	})
}

// OperationRequest is the body of POST /api/sync/operations. BinaryPayload
// is base64 in JSON.
type OperationRequest struct {
	Kind          models.OperationKind `json:"kind"`
	EntityType    models.EntityType    `json:"entity_type"`
	EntityID      string               `json:"entity_id"`
	Payload       models.Snapshot      `json:"payload,omitempty"`
	BinaryPayload []byte               `json:"binary_payload,omitempty"`
}

// Enqueue handles POST /api/sync/operations
// Durably queues a local mutation for the next pass.
func (h *SyncHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var request OperationRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.ErrValidation, "Invalid request body")
		return
	}

	entry, err := h.queue.Enqueue(r.Context(), &models.SyncOperation{
		Kind:          request.Kind,
		EntityType:    request.EntityType,
		EntityID:      request.EntityID,
		Payload:       request.Payload,
		BinaryPayload: request.BinaryPayload,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// ListConflicts handles GET /api/sync/conflicts.
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	pending := h.engine.Resolver().Pending()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": pending,
		"total":     len(pending),
	})
}

// ResolveRequest is the body of POST /api/sync/conflicts/{id}/resolve.
// Merged carries the caller's merged snapshot for the merge choice.
type ResolveRequest struct {
	Choice conflict.Choice `json:"choice"`
	Merged models.Snapshot `json:"merged,omitempty"`
}

// ResolveConflict handles POST /api/sync/conflicts/{id}/resolve.
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := uuid.Validate(id); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.ErrValidation, err.Error())
		return
	}

	var request ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.ErrValidation, "Invalid request body")
		return
	}
	if !request.Choice.Valid() {
		writeError(w, http.StatusBadRequest, apperrors.ErrValidation, "choice must be use_local, use_cloud or merge")
		return
	}

	var merge conflict.MergeFunc
	if len(request.Merged) > 0 {
		merged := request.Merged
		merge = func(local, remote models.Snapshot) (models.Snapshot, error) {
			return merged, nil
		}
	}

	result, err := h.engine.Resolver().Resolve(r.Context(), id, request.Choice, merge)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, conflict.ErrConflictNotFound):
		writeError(w, http.StatusNotFound, apperrors.ErrNotFound, err.Error())
	case errors.Is(err, conflict.ErrMergeNotSupported), errors.Is(err, conflict.ErrInvalidChoice):
		writeError(w, http.StatusBadRequest, apperrors.ErrValidation, err.Error())
	default:
		writeAppError(w, err)
	}
}
