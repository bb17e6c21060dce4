package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/zenkai-ai/zenkai/internal/agent"
	"github.com/zenkai-ai/zenkai/internal/config"
	"github.com/zenkai-ai/zenkai/internal/database"
	"github.com/zenkai-ai/zenkai/internal/dispatcher"
	"github.com/zenkai-ai/zenkai/internal/events"
	"github.com/zenkai-ai/zenkai/internal/handler"
	"github.com/zenkai-ai/zenkai/internal/jobs"
	"github.com/zenkai-ai/zenkai/internal/logger"
	"github.com/zenkai-ai/zenkai/internal/middleware"
	"github.com/zenkai-ai/zenkai/internal/sandbox"
	"github.com/zenkai-ai/zenkai/internal/sandbox/docker"
	"github.com/zenkai-ai/zenkai/internal/store"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	defer log.Close()

	// Connect to database
	db, err := database.New(cfg)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	log.Info("running database migrations")
	if err := db.Migrate(); err != nil {
		log.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	s := store.New(db.DB)

	// Event poller and broker for SSE
	eventPoller := events.NewPoller(s, events.DefaultPollerConfig(), log)
	if err := eventPoller.Start(context.Background()); err != nil {
		log.Error("failed to start event poller", "error", err)
		os.Exit(1)
	}
	eventBroker := events.NewBroker(s, eventPoller)

	jobQueue := jobs.NewQueue(s, cfg)

	// Sandbox provider. Without Docker the API still serves, but agent
	// runs cannot execute.
	var sandboxProvider sandbox.Provider
	if dockerProvider, dockerErr := docker.NewProvider(cfg, log); dockerErr != nil {
		log.Warn("failed to initialize docker sandbox provider, agent runs disabled", "error", dockerErr)
	} else {
		sandboxProvider = dockerProvider
		defer dockerProvider.Close()
		dockerProvider.StartReaper(context.Background())
		log.Info("sandbox provider initialized", "image", cfg.SandboxImage)
	}

	// Job dispatcher
	disp := dispatcher.NewService(s, cfg, eventBroker, log)
	if sandboxProvider != nil && cfg.AnthropicAPIKey != "" {
		runner := agent.NewAnthropicRunner(cfg, sandboxProvider, log)
		results := jobs.NewStoreResultWriter(s, eventBroker)
		disp.RegisterExecutor(jobs.NewCodeAgentExecutor(s, sandboxProvider, runner, results, log))
	} else if cfg.AnthropicAPIKey == "" {
		log.Warn("ANTHROPIC_API_KEY not set, agent runs disabled")
	}
	disp.Start(context.Background())
	log.Info("job dispatcher started", "server_id", disp.ServerID())

	// Immediate job pickup instead of waiting for the next poll
	jobQueue.SetNotifyFunc(disp.NotifyNewJob)

	// Router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	h := handler.New(s, cfg, jobQueue, eventBroker)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth())

		// The event stream stays open well past any request deadline, so it
		// mounts outside the timeout group.
		r.Get("/projects/{projectId}/events", h.Events)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(60 * time.Second))

			r.Get("/projects", h.ListProjects)
			r.Post("/projects", h.CreateProject)

			r.Route("/projects/{projectId}", func(r chi.Router) {
				r.Get("/", h.GetProject)
				r.Get("/messages", h.ListMessages)
				r.Post("/messages", h.CreateMessage)
			})
		})
	})

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Stop dispatcher first so in-flight jobs finish
	disp.Stop()
	eventPoller.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
