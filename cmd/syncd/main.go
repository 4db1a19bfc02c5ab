// Package main provides the SiteSync daemon: a local-first sync service
// that durably queues offline mutations and drains them to the remote
// record and blob stores when connectivity allows. Companion UIs talk to it
// over REST and WebSocket on localhost.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kwliu/sitesync/backend/cmd/syncd/handlers"
	"github.com/kwliu/sitesync/backend/internal/engine"
	"github.com/kwliu/sitesync/backend/internal/logging"
	"github.com/kwliu/sitesync/backend/internal/notify"
	"github.com/kwliu/sitesync/backend/internal/remote"
)

func main() {
	logging.Init(os.Stdout, logging.LogLevel(envOr("LOG_LEVEL", "INFO")))

	config := configFromEnv()

	hub := notify.NewHub(nil)
	defer hub.Close()

	e, err := engine.New(config, hub)
	if err != nil {
		log.Fatalf("Failed to assemble sync engine: %v", err)
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e.Start(ctx)

	mux := http.NewServeMux()
	registerRoutes(mux, e, hub)

	port := envOr("PORT", "8094")
	server := &http.Server{
		Addr:              "127.0.0.1:" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logging.Info("SiteSync daemon listening", map[string]interface{}{"addr": server.Addr})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}

func registerRoutes(mux *http.ServeMux, e *engine.Engine, hub *notify.Hub) {
	syncHandler := handlers.NewSyncHandler(e)
	queueHandler := handlers.NewQueueHandler(e)
	assetHandler := handlers.NewAssetHandler(e)
	recordHandler := handlers.NewRecordHandler(e)

	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"sitesync-syncd"}`))
	})

	mux.HandleFunc("POST /api/sync/now", syncHandler.TriggerSync)
	mux.HandleFunc("POST /api/sync/operations/{id}", syncHandler.SyncOne)
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

	mux.HandleFunc("/ws", hub.Handler())
}

func configFromEnv() *engine.Config {
	return &engine.Config{
		DataDir:         envOr("DATA_DIR", "./data"),
		InitiallyOnline: envOr("START_ONLINE", "true") == "true",
		Record: &remote.RecordClientConfig{
			BaseURL: envOr("RECORD_API_URL", "http://localhost:8000/rest/v1"),
			APIKey:  os.Getenv("RECORD_API_KEY"),
		},
		Blob: &remote.BlobClientConfig{
			Endpoint:       envOr("BLOB_ENDPOINT", "http://localhost:9000"),
			BucketName:     envOr("BLOB_BUCKET", "sitesync-assets"),
			AccessKey:      os.Getenv("BLOB_ACCESS_KEY"),
			SecretKey:      os.Getenv("BLOB_SECRET_KEY"),
			Region:         envOr("BLOB_REGION", "us-east-1"),
			PublicBaseURL:  envOr("BLOB_PUBLIC_URL", "http://localhost:9000/sitesync-assets"),
			ForcePathStyle: envOr("BLOB_PATH_STYLE", "true") == "true",
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
