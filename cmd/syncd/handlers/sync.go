// Package handlers provides the REST API surface over the sync engine.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kwliu/sitesync/backend/internal/engine"
	apperrors "github.com/kwliu/sitesync/backend/internal/errors"
	"github.com/kwliu/sitesync/backend/internal/models"
	"github.com/kwliu/sitesync/backend/internal/uuid"
)

// SyncHandler handles sync triggers and status.
type SyncHandler struct {
	engine *engine.Engine
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(e *engine.Engine) *SyncHandler {
	return &SyncHandler{engine: e}
}

// TriggerSync handles POST /api/sync/now
// Drains the whole queue immediately and returns the drain summary.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	summary, err := h.engine.SyncNow(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "success",
		"succeeded":     summary.Succeeded,
		"failed":        summary.Failed,
		"conflicts":     summary.Conflicts,
		"still_pending": summary.StillPending,
		"duration_ms":   summary.DurationMS,
	})
}

// SyncOne handles POST /api/sync/operations/{id}
// Drains a single operation, retrying it first if it was parked as failed.
func (h *SyncHandler) SyncOne(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := pathID(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	if err := h.engine.SyncOne(r.Context(), id); err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success"})
}

// GetStatus handles GET /api/sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := h.engine.Status()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GetConflicts handles GET /api/sync/conflicts
// Returns the persisted conflict resolution trail.
func (h *SyncHandler) GetConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	logs, err := h.engine.ConflictLogs()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": logs,
		"count":     len(logs),
	})
}

// SetConnectivity handles POST /api/connectivity
// Records the host environment's online/offline signal.
func (h *SyncHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Online == nil {
		http.Error(w, "body must be {\"online\": true|false}", http.StatusBadRequest)
		return
	}

	h.engine.SetOnline(*request.Online)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"online": h.engine.IsOnline(),
	})
}

// pathID extracts the {id} path parameter and checks it is a UUID before any
// store lookup happens.
func pathID(r *http.Request) (models.UUID, error) {
	id := r.PathValue("id")
	if err := uuid.Validate(id); err != nil {
		return "", apperrors.New(apperrors.ErrInvalid, "operation id must be a UUID")
	}
	return models.UUID(id), nil
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeAppError maps application error codes to HTTP statuses.
func writeAppError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := apperrors.ErrInternal

	if appErr, ok := err.(*apperrors.AppError); ok {
		code = appErr.Code
		switch appErr.Code {
		case apperrors.ErrInvalid, apperrors.ErrValidation, apperrors.ErrBadTransition:
			status = http.StatusBadRequest
		case apperrors.ErrQueueItemNotFound, apperrors.ErrNotFound, apperrors.ErrAssetNotFound:
			status = http.StatusNotFound
		case apperrors.ErrSyncInFlight:
			status = http.StatusConflict
		case apperrors.ErrRemoteOffline:
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, map[string]interface{}{
		"status": "error",
		"code":   string(code),
		"error":  err.Error(),
	})
}
