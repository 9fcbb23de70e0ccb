package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stagehand/apps/server/internal/config"
	"stagehand/apps/server/internal/coordinator"
	"stagehand/apps/server/internal/gateway"
	"stagehand/apps/server/internal/httpapi"
	"stagehand/apps/server/internal/store"
	"stagehand/staging/narrative"
	"stagehand/staging/rules"
	"stagehand/staging/service"
	"stagehand/world"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Server] Failed to load config: %v", err)
	}

	registry := world.NewRegistry()
	if err := registry.LoadFromFile(cfg.WorldFile); err != nil {
		log.Fatalf("[Server] Failed to load world %s: %v", cfg.WorldFile, err)
	}

	stagingStore, storeMode, err := store.Open(cfg.StoreMode, cfg.SQLitePath, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("[Server] Failed to init staging store: %v", err)
	}
	defer stagingStore.Close()

	opts := service.Options{Config: cfg.Staging(), CacheSize: cfg.CacheSize}
	narrativeMode := "disabled"
	if cfg.NarrativeReady() {
		client, err := narrative.NewGeminiClient(context.Background(), cfg.GeminiAPIKey, cfg.NarrativeModel)
		if err != nil {
			log.Fatalf("[Server] Failed to init narrative client: %v", err)
		}
		defer client.Close()
		opts.Narrative = narrative.NewProposer(client, cfg.NarrativeTimeout, cfg.NarrativeTemperature)
		narrativeMode = cfg.NarrativeModel
	}

	svc, err := service.New(stagingStore, registry, rules.New(), opts)
	if err != nil {
		log.Fatalf("[Server] Failed to init staging service: %v", err)
	}

	gw := gateway.New()
	coord := coordinator.New(svc, gw, coordinator.Options{
		ApprovalTimeout: cfg.ApprovalTimeout,
		TickInterval:    cfg.TickInterval,
	})
	defer coord.Close()
	gw.Bind(coord)
	api := httpapi.NewHTTPHandler(svc, coord, registry)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	api.RegisterRoutes(mux)

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[Server] Shutdown error: %v", err)
		}
	}()

	log.Printf("[Server] World: %s (%d characters)", cfg.WorldFile, registry.Count())
	log.Printf("[Server] Store mode: %s", storeMode)
	log.Printf("[Server] Narrative model: %s", narrativeMode)
	log.Printf("[Server] Approval timeout: %s", cfg.ApprovalTimeout)
	log.Printf("[Server] Starting staging server on %s", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("[Server] Failed to start: %v", err)
	}
	log.Printf("[Server] Stopped")
}
