package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/patrin/sceneforge/internal/api"
	"github.com/patrin/sceneforge/internal/compose"
	"github.com/patrin/sceneforge/internal/config"
	"github.com/patrin/sceneforge/internal/db"
	"github.com/patrin/sceneforge/internal/dispatch"
	"github.com/patrin/sceneforge/internal/lease"
	"github.com/patrin/sceneforge/internal/orchestrator"
	"github.com/patrin/sceneforge/internal/planner"
	"github.com/patrin/sceneforge/internal/preview"
	"github.com/patrin/sceneforge/internal/queue"
	"github.com/patrin/sceneforge/internal/services"
	"github.com/patrin/sceneforge/internal/store"
	"github.com/patrin/sceneforge/internal/worker"
)

func main() {
	log.Println("Starting SceneForge API...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	for _, dir := range []string{cfg.AssetDir, cfg.TempDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Failed to create directory %s: %v", dir, err)
		}
	}

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	projectID := uuid.Nil
	if cfg.ProjectID != "" {
		projectID, err = uuid.Parse(cfg.ProjectID)
		if err != nil {
			log.Fatalf("Invalid PROJECT_ID: %v", err)
		}
	}

	// Scene store, hydrated from the database
	st := store.New(projectID, database)
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 15*time.Second)
	if err := st.Load(loadCtx); err != nil {
		cancelLoad()
		log.Fatalf("Failed to load scene list: %v", err)
	}
	cancelLoad()
	log.Printf("Loaded scene list for project %s (%d scenes)", projectID, len(st.Scenes()))

	// Job dispatch and batch orchestration
	d := dispatch.New(q)
	pl := planner.New(services.NewOpenAIService(cfg.OpenAIKey, cfg.OpenAIModel))
	credits := services.NewCreditsService(cfg.CreditsURL, cfg.CreditsAPIKey)
	orch := orchestrator.New(pl, st, d, credits, orchestrator.Options{
		PerAssetCost: cfg.PerAssetCost,
		SubmitDelay:  time.Duration(cfg.BatchSubmitDelayMs) * time.Millisecond,
	})

	compositor := compose.NewCompositor()

	handler := api.NewHandler(st, d, orch, q, compositor, api.RenderSettings{
		Width:             cfg.RenderWidth,
		Height:            cfg.RenderHeight,
		FPS:               cfg.RenderFPS,
		TransitionOverlap: cfg.TransitionOverlap,
		AssetDir:          cfg.AssetDir,
		FontDir:           cfg.FontDir,
		BackgroundMusic:   cfg.BackgroundMusic,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Preview coordination runs in every process that serves the store.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	coordinator := preview.NewCoordinator(st, d, preview.Options{
		Ceiling: cfg.PreviewConcurrency,
	})
	go coordinator.Run(bgCtx)

	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")

		geminiSvc := services.NewGeminiService(cfg.GeminiKey)
		veoSvc := services.NewVeoService(cfg.GeminiKey, cfg.VeoModel)

		// Cross-process concurrency caps are best-effort: a lease setup
		// failure downgrades to per-process limits only.
		var leaser *lease.Leaser
		if l, err := lease.New(cfg.RedisURL, cfg.MaxConcurrentJobs); err != nil {
			log.Printf("WARNING: lease setup failed, running without cross-process caps: %v", err)
		} else {
			leaser = l
			defer l.Close()
		}

		w := worker.New(st, q, d, geminiSvc, veoSvc, compositor, leaser, worker.Options{
			AssetDir: cfg.AssetDir,
			Width:    cfg.RenderWidth,
			Height:   cfg.RenderHeight,
			FPS:      cfg.RenderFPS,
		})

		// A crash mid-job leaves busy flags behind; clear anything no live
		// job backs before consuming the lanes.
		if cleared := worker.Reconcile(bgCtx, st, d); cleared > 0 {
			log.Printf("Reconciliation cleared %d orphaned busy flags", cleared)
		}

		go w.Start(bgCtx, cfg.MaxConcurrentJobs)
	}

	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	bgCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
