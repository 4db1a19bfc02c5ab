package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kwliu/sitesync/backend/internal/engine"
	apperrors "github.com/kwliu/sitesync/backend/internal/errors"
	"github.com/kwliu/sitesync/backend/internal/kv"
	"github.com/kwliu/sitesync/backend/internal/models"
	"github.com/kwliu/sitesync/backend/internal/notify"
	"github.com/kwliu/sitesync/backend/internal/remote"
	"github.com/kwliu/sitesync/backend/internal/scheduler"
	"github.com/kwliu/sitesync/backend/internal/upload"
)

func newTestServer(t *testing.T, online bool) (*httptest.Server, *engine.Engine, *remote.FakeRecordStore) {
	t.Helper()

	config := &engine.Config{
		DataDir:         t.TempDir(),
		InitiallyOnline: online,
		SettleDelay:     time.Millisecond,
		Upload: &upload.Config{
			PathPrefix: "worksite",
			ChunkSize:  1024,
			Backoff:    []time.Duration{0},
			Thumbnails: false,
		},
		Scheduler: &scheduler.Config{
			RetryInterval: 50 * time.Millisecond,
			StartupDelay:  time.Millisecond,
		},
	}

	records := remote.NewFakeRecordStore()
	e, err := engine.NewWithStores(config, kv.NewMemoryStore(), records, remote.NewFakeBlobStore(), notify.NopSink{}, nil)
	if err != nil {
		t.Fatalf("Failed to assemble engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	mux := http.NewServeMux()
	syncHandler := NewSyncHandler(e)
	queueHandler := NewQueueHandler(e)
	assetHandler := NewAssetHandler(e)
	recordHandler := NewRecordHandler(e)

	mux.HandleFunc("POST /api/sync/now", syncHandler.TriggerSync)
	mux.HandleFunc("GET /api/sync/status", syncHandler.GetStatus)
	mux.HandleFunc("GET /api/sync/conflicts", syncHandler.GetConflicts)
	mux.HandleFunc("POST /api/connectivity", syncHandler.SetConnectivity)
	mux.HandleFunc("POST /api/queue", queueHandler.Enqueue)
	mux.HandleFunc("GET /api/queue", queueHandler.List)
	mux.HandleFunc("GET /api/queue/{id}", queueHandler.Get)
	mux.HandleFunc("POST /api/queue/{id}/retry", queueHandler.Retry)
	mux.HandleFunc("POST /api/queue/compact", queueHandler.Compact)
	mux.HandleFunc("POST /api/assets", assetHandler.Stage)
	mux.HandleFunc("GET /api/assets/resolve", assetHandler.Resolve)
	mux.HandleFunc("GET /api/records/{type}", recordHandler.List)
	mux.HandleFunc("GET /api/records/{type}/{key}", recordHandler.Get)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, e, records
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return out
}

func TestEnqueueAndList(t *testing.T) {
	server, _, _ := newTestServer(t, true)

	resp := postJSON(t, server.URL+"/api/queue", map[string]interface{}{
		"kind":       "create",
		"data_type":  "employee",
		"record_key": "tmp-1",
		"payload":    map[string]interface{}{"id": "tmp-1", "name": "welder"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	body := decode(t, resp)
	opData := body["operation"].(map[string]interface{})
	if opData["status"] != "pending" {
		t.Errorf("Expected pending operation, got %v", opData["status"])
	}

	listResp, err := http.Get(server.URL + "/api/queue")
	if err != nil {
		t.Fatalf("GET queue failed: %v", err)
	}
	listBody := decode(t, listResp)
	if listBody["count"] != float64(1) {
		t.Errorf("Expected 1 queue entry, got %v", listBody["count"])
	}
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	server, _, _ := newTestServer(t, true)

	resp := postJSON(t, server.URL+"/api/queue", map[string]interface{}{
		"kind":       "repaint",
		"data_type":  "employee",
		"record_key": "e1",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown kind, got %d", resp.StatusCode)
	}
}

func TestSyncNowEndpoint(t *testing.T) {
	server, _, records := newTestServer(t, true)

	postJSON(t, server.URL+"/api/queue", map[string]interface{}{
		"kind":       "create",
		"data_type":  "project",
		"record_key": "tmp-1",
		"payload":    map[string]interface{}{"id": "tmp-1", "title": "annex"},
	}).Body.Close()

	resp := postJSON(t, server.URL+"/api/sync/now", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	body := decode(t, resp)
	if body["succeeded"] != float64(1) {
		t.Errorf("Expected 1 succeeded, got %v", body)
	}
	if records.Count(models.TypeProject) != 1 {
		t.Error("Expected record in remote store")
	}
}

func TestSyncNowWhileOfflineReturns503(t *testing.T) {
	server, _, _ := newTestServer(t, false)

	resp := postJSON(t, server.URL+"/api/sync/now", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 while offline, got %d", resp.StatusCode)
	}
}

func TestStageAssetAndResolve(t *testing.T) {
	server, _, _ := newTestServer(t, true)

	resp, err := http.Post(server.URL+"/api/assets?file_name=slab.jpg", "application/octet-stream",
		strings.NewReader("fake image bytes"))
	if err != nil {
		t.Fatalf("POST asset failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	body := decode(t, resp)
	handle, _ := body["handle"].(string)
	if !strings.HasPrefix(handle, "local://") {
		t.Fatalf("Expected local handle, got %q", handle)
	}

	// Unresolved before sync.
	resolveResp, _ := http.Get(server.URL + "/api/assets/resolve?handle=" + handle)
	resolveBody := decode(t, resolveResp)
	if resolveBody["resolved"] != false {
		t.Errorf("Expected unresolved handle before sync, got %v", resolveBody)
	}

	postJSON(t, server.URL+"/api/sync/now", nil).Body.Close()

	resolveResp, _ = http.Get(server.URL + "/api/assets/resolve?handle=" + handle)
	resolveBody = decode(t, resolveResp)
	if resolveBody["resolved"] != true {
		t.Errorf("Expected resolved handle after sync, got %v", resolveBody)
	}
}

func TestRecordsServedFromCache(t *testing.T) {
	server, _, _ := newTestServer(t, false)

	// Offline write-through: the record is readable before any sync.
	postJSON(t, server.URL+"/api/queue", map[string]interface{}{
		"kind":       "create",
		"data_type":  "work_record",
		"record_key": "tmp-9",
		"payload":    map[string]interface{}{"id": "tmp-9", "note": "rebar inspection"},
	}).Body.Close()

	resp, _ := http.Get(server.URL + "/api/records/work_record/tmp-9")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	body := decode(t, resp)
	if body["note"] != "rebar inspection" {
		t.Errorf("Unexpected record body: %v", body)
	}

	missing, err := http.Get(server.URL + "/api/records/work_record/nope")
	if err != nil {
		t.Fatalf("GET missing record failed: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for missing record, got %d", missing.StatusCode)
	}

	badType, err := http.Get(server.URL + "/api/records/gadgets")
	if err != nil {
		t.Fatalf("GET unknown type failed: %v", err)
	}
	defer badType.Body.Close()
	if badType.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown type, got %d", badType.StatusCode)
	}
}

func TestConnectivityEndpoint(t *testing.T) {
	server, e, _ := newTestServer(t, true)

	resp := postJSON(t, server.URL+"/api/connectivity", map[string]interface{}{"online": false})
	body := decode(t, resp)
	if body["online"] != false {
		t.Errorf("Expected offline, got %v", body)
	}
	if e.IsOnline() {
		t.Error("Expected engine offline")
	}

	bad := postJSON(t, server.URL+"/api/connectivity", map[string]interface{}{})
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing online field, got %d", bad.StatusCode)
	}
}

func TestRetryAndCompact(t *testing.T) {
	server, e, records := newTestServer(t, true)

	records.FailTimes = 1
	records.FailErr = apperrors.New(apperrors.ErrRemoteRejected, "rejected by remote")
	op, _ := e.Enqueue(models.OpCreate, models.TypeEmployee, "tmp-1", map[string]interface{}{"id": "tmp-1"})

	postJSON(t, server.URL+"/api/sync/now", nil).Body.Close()

	// The permanent failure parked the operation; retry returns it to
	// pending and the next drain completes it.
	retryResp := postJSON(t, server.URL+"/api/queue/"+string(op.ID)+"/retry", nil)
	defer retryResp.Body.Close()
	if retryResp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 retry, got %d", retryResp.StatusCode)
	}

	postJSON(t, server.URL+"/api/sync/now", nil).Body.Close()

	compactResp := postJSON(t, server.URL+"/api/queue/compact", nil)
	body := decode(t, compactResp)
	if body["removed"] != float64(1) {
		t.Errorf("Expected 1 removed, got %v", body)
	}
}

func TestMalformedOperationIDRejected(t *testing.T) {
	server, _, _ := newTestServer(t, true)

	getResp, err := http.Get(server.URL + "/api/queue/not-a-uuid")
	if err != nil {
		t.Fatalf("GET queue item failed: %v", err)
	}
	if getResp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed id, got %d", getResp.StatusCode)
	}
	body := decode(t, getResp)
	if body["code"] != string(apperrors.ErrInvalid) {
		t.Errorf("Expected %s, got %v", apperrors.ErrInvalid, body["code"])
	}

	retryResp := postJSON(t, server.URL+"/api/queue/not-a-uuid/retry", nil)
	defer retryResp.Body.Close()
	if retryResp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed retry id, got %d", retryResp.StatusCode)
	}

	// A well-formed but unknown id still reaches the queue and gets a 404.
	missing, err := http.Get(server.URL + "/api/queue/f47ac10b-58cc-4372-a567-0e02b2c3d479")
	if err != nil {
		t.Fatalf("GET queue item failed: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown id, got %d", missing.StatusCode)
	}
}
