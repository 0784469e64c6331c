package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"formsync/internal/api"
	"formsync/internal/config"
	"formsync/internal/db"
	"formsync/internal/repository"
	"formsync/internal/services/collaboration"
	"formsync/internal/telemetry"
)

// store is what a persistence backend offers the rest of the server.
type store interface {
	collaboration.Persister
	api.ResponseStore
}

func main() {
	log.Println("🚀 Starting formsync collaboration server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Tracing first so every later component is traced
	jaegerShutdown, err := telemetry.InitJaeger("formsync", cfg.JaegerEndpoint, cfg.TracingEnabled)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		log.Printf("⚠️  Failed to create metrics: %v (continuing without metrics)", err)
	}

	values, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to open %s store: %v", cfg.PersistBackend, err)
	}
	defer closeStore()

	hubCfg := collaboration.HubConfig{
		LockTimeout:   cfg.LockTimeout,
		SweepInterval: cfg.SweepInterval,
		TypingTimeout: cfg.TypingTimeout,
		Metrics:       metrics,
	}

	// The saver hands relayed values to the store off the relay path
	var saver *collaboration.ValueSaver
	var responses api.ResponseStore
	if values != nil {
		saver = collaboration.NewValueSaver(values, collaboration.SaverConfig{
			Debounce:  cfg.PersistDebounce,
			Workers:   cfg.PersistWorkers,
			QueueSize: cfg.PersistQueueSize,
			Metrics:   metrics,
		})
		saver.Start()
		hubCfg.Saver = saver
		responses = values
	}

	hub := collaboration.NewHub(hubCfg)
	hub.Start()

	wsHandler := collaboration.NewWebSocketHandler(hub, cfg.OriginAllowed)
	handler := api.NewHandler(hub, responses, wsHandler)
	router := api.SetupRoutes(handler, cfg.OriginAllowed)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 Endpoints:")
		log.Printf("   GET    /ws                          - Realtime form collaboration")
		log.Printf("   GET    /api/health                  - Health check")
		log.Printf("   GET    /api/forms/:id/presence      - Who is in a form")
		log.Printf("   GET    /api/forms/:id/locks         - Field locks held in a form")
		log.Printf("   GET    /api/forms/:id/response      - Saved values (%s)", cfg.PersistBackend)
		log.Printf("   DELETE /api/forms/:id/response      - Clear saved values")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting new connections before closing the live ones
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	hub.Shutdown()

	// Last, so values relayed during shutdown still reach the store
	if saver != nil {
		saver.Shutdown()
	}

	log.Println("✓ Server shutdown complete")
}

// openStore connects the configured persistence backend. It returns a
// nil store when persistence is disabled.
func openStore(cfg *config.Config) (store, func(), error) {
	switch cfg.PersistBackend {
	case config.BackendPostgres:
		database, err := db.NewGorm(cfg)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewResponseRepository(database.DB), func() { database.Close() }, nil

	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		rdb, err := repository.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("✓ Connected to Redis at %s", cfg.RedisAddr)
		return repository.NewResponseCache(rdb, cfg.RedisTTL), func() { rdb.Close() }, nil

	default:
		log.Println("  Persistence disabled; field values are relayed only")
		return nil, func() {}, nil
	}
}
