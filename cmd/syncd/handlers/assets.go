package handlers

import (
	"io"
	"net/http"

	"github.com/kwliu/sitesync/backend/internal/engine"
)

// maxAssetBytes caps a single staged asset at 50 MB.
const maxAssetBytes = 50 << 20

// AssetHandler handles binary asset staging and resolution.
type AssetHandler struct {
	engine *engine.Engine
}

// NewAssetHandler creates a new AssetHandler.
func NewAssetHandler(e *engine.Engine) *AssetHandler {
	return &AssetHandler{engine: e}
}

// Stage handles POST /api/assets
// Accepts raw asset bytes, stores them locally, and enqueues the standalone
// upload operation. The returned handle is immediately usable in record
// payloads, even offline.
func (h *AssetHandler) Stage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fileName := r.URL.Query().Get("file_name")
	if fileName == "" {
		http.Error(w, "file_name query parameter is required", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxAssetBytes+1))
	if err != nil {
		http.Error(w, "Failed to read asset body", http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		http.Error(w, "Asset body is empty", http.StatusBadRequest)
		return
	}
	if len(data) > maxAssetBytes {
		http.Error(w, "Asset exceeds size limit", http.StatusRequestEntityTooLarge)
		return
	}

	handle, op, err := h.engine.StageAsset(data, fileName)
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"status":    "success",
		"handle":    handle,
		"operation": op.View(),
	})
}

// Resolve handles GET /api/assets/resolve
// Maps a local handle to its durable locator once the upload completed.
func (h *AssetHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	handle := r.URL.Query().Get("handle")
	if handle == "" {
		http.Error(w, "handle query parameter is required", http.StatusBadRequest)
		return
	}

	locator, ok, err := h.engine.ResolveAsset(handle)
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"handle":   handle,
		"resolved": ok,
		"locator":  locator,
	})
}
