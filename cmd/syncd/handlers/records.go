package handlers

import (
	"net/http"

	"github.com/kwliu/sitesync/backend/internal/engine"
	"github.com/kwliu/sitesync/backend/internal/models"
)

// RecordHandler serves the local record cache. Reads never touch the
// network: whatever has been written through or pulled down is what the
// caller sees, online or not.
type RecordHandler struct {
	engine *engine.Engine
}

// NewRecordHandler creates a new RecordHandler.
func NewRecordHandler(e *engine.Engine) *RecordHandler {
	return &RecordHandler{engine: e}
}

// List handles GET /api/records/{type}
func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dataType := models.DataType(r.PathValue("type"))
	if !dataType.Valid() {
		http.Error(w, "unknown data type", http.StatusBadRequest)
		return
	}

	records, err := h.engine.CachedRecords(dataType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

// Get handles GET /api/records/{type}/{key}
func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dataType := models.DataType(r.PathValue("type"))
	if !dataType.Valid() {
		http.Error(w, "unknown data type", http.StatusBadRequest)
		return
	}

	record, ok, err := h.engine.CachedRecord(dataType, r.PathValue("key"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, record)
}
