package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kwliu/sitesync/backend/internal/engine"
	"github.com/kwliu/sitesync/backend/internal/models"
)

// QueueHandler handles queue inspection and mutation enqueueing.
type QueueHandler struct {
	engine *engine.Engine
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(e *engine.Engine) *QueueHandler {
	return &QueueHandler{engine: e}
}

// enqueueRequest is the body for POST /api/queue.
type enqueueRequest struct {
	Kind      string                 `json:"kind"`
	DataType  string                 `json:"data_type"`
	RecordKey string                 `json:"record_key"`
	Payload   map[string]interface{} `json:"payload"`
}

// Enqueue handles POST /api/queue
// Appends a mutation to the durable queue. The call returns as soon as the
// operation is persisted; syncing happens in the background.
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.RecordKey == "" {
		http.Error(w, "record_key is required", http.StatusBadRequest)
		return
	}

	op, err := h.engine.Enqueue(
		models.OperationKind(request.Kind),
		models.DataType(request.DataType),
		request.RecordKey,
		request.Payload,
	)
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"status":    "success",
		"operation": op.View(),
	})
}

// List handles GET /api/queue
// Returns the notification projection of every queue entry.
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	views, err := h.engine.QueueViews()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": views,
		"count": len(views),
	})
}

// Get handles GET /api/queue/{id}
// Returns the full operation, including payload, result, and last error.
func (h *QueueHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := pathID(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	op, err := h.engine.Operation(id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// Retry handles POST /api/queue/{id}/retry
// Returns a parked operation to pending for the next drain.
func (h *QueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := pathID(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	if err := h.engine.RetryOperation(id); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success"})
}

// Compact handles POST /api/queue/compact
// Removes completed operations from the queue.
func (h *QueueHandler) Compact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	removed, err := h.engine.Compact()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"removed": removed,
	})
}
