// sessionctl - collaborative coding-agent session orchestrator
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/sessionctl/internal/actor"
	"github.com/ashureev/sessionctl/internal/api"
	"github.com/ashureev/sessionctl/internal/config"
	"github.com/ashureev/sessionctl/internal/hub"
	"github.com/ashureev/sessionctl/internal/identity"
	"github.com/ashureev/sessionctl/internal/ingress"
	"github.com/ashureev/sessionctl/internal/middleware"
	"github.com/ashureev/sessionctl/internal/sandboxctl"
	"github.com/ashureev/sessionctl/internal/store"
	"github.com/ashureev/sessionctl/internal/tokenagg"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "deployment", cfg.DeploymentName)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	sandbox, err := sandboxctl.NewDockerController(cfg.Sandbox)
	if err != nil {
		slog.Error("Failed to initialize sandbox controller", "error", err)
		os.Exit(1)
	}
	slog.Info("Sandbox controller initialized")

	// Ensure custom bridge network exists for sandbox containers.
	networkID, err := sandbox.(interface {
		EnsureNetwork(ctx context.Context) (string, error)
	}).EnsureNetwork(context.Background())
	if err != nil {
		slog.Error("Failed to ensure sandbox network", "error", err)
		os.Exit(1)
	}
	slog.Info("Sandbox network ready", "network_id", networkID)

	h := hub.New(cfg.Hub)

	registry := actor.NewRegistry(actor.Dependencies{
		Repo:    repo,
		Sandbox: sandbox,
		Hub:     h,
		Config:  cfg,
	}, cfg.Timeout.IdleActorTTL, cfg.Timeout.ReapSweepInterval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry.StartReaper(ctx)

	reconciler := sandboxctl.NewReconciler(repo, cfg.Timeout.HeartbeatStaleness, cfg.Timeout.ReapSweepInterval, func(sessionID string) {
		registry.NotifySandboxFailure(sessionID, errors.New("sandbox heartbeat stale"))
	})
	reconciler.Start(ctx)
	slog.Info("Sandbox reconciler started")

	ingressHandler := ingress.New(repo, h, registry, tokenagg.Config(cfg.TokenAggregator))
	apiHandler := api.NewHandler(repo, registry, h, cfg)
	healthHandler := api.NewHealthHandler(repo, cfg.Timeout.HealthCheck)
	artifactStore := api.NewFilesystemArtifactStore(cfg.Artifact.Dir, cfg.Artifact.PublicBaseURL)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Operator surface: shared-secret auth, session-scoped under /internal/*.
	r.Group(func(r chi.Router) {
		r.Use(identity.OperatorMiddleware(cfg.OperatorSharedSecret))
		apiHandler.RegisterRoutes(r, artifactStore)
	})

	// Subscriber channel: its own trust boundary, governed solely by the
	// per-session token checked inside Hub.Serve (spec §1, §4.4) — not the
	// operator shared secret, so this is mounted on the plain router.
	apiHandler.RegisterSubscriberRoutes(r)

	// Sandbox ingress: separate shared secret, its own channel.
	r.Group(func(r chi.Router) {
		r.Use(identity.SandboxMiddleware(cfg.SandboxSharedSecret))
		ingressHandler.Routes(r)
	})

	// Create server.
	// Note: subscriber websocket connections are long-lived (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout, subscriber websockets stay open
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	registry.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
