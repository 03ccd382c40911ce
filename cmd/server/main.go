// SAM relay - asynchronous LLM relay server for polling clients
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

	"github.com/ashureev/sam-relay/internal/api"
	"github.com/ashureev/sam-relay/internal/config"
	"github.com/ashureev/sam-relay/internal/conversation"
	"github.com/ashureev/sam-relay/internal/dispatch"
	"github.com/ashureev/sam-relay/internal/gateway"
	"github.com/ashureev/sam-relay/internal/llm"
	"github.com/ashureev/sam-relay/internal/middleware"
	"github.com/ashureev/sam-relay/internal/poller"
	"github.com/ashureev/sam-relay/internal/retention"
	"github.com/ashureev/sam-relay/internal/search"
	"github.com/ashureev/sam-relay/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

const drainTimeout = 30 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server",
		"port", cfg.Port,
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"search_backend", cfg.Search.Backend,
		"queue_backend", cfg.Queue.Backend,
	)

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
	slog.Info("Database connected", "path", cfg.DBPath)

	provider, err := llm.New(context.Background(), llm.Config{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLM.APIKey,
		BaseURL:  cfg.LLM.BaseURL,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize model provider", "error", err)
		os.Exit(1)
	}

	searcher, err := search.New(search.Config{
		Backend:    cfg.Search.Backend,
		Model:      cfg.LLM.SearchModel,
		SearXNGURL: cfg.Search.SearXNGURL,
	}, provider)
	if err != nil {
		slog.Error("Failed to initialize search backend", "error", err)
		os.Exit(1)
	}

	worker := conversation.NewWorker(repo, provider, searcher, conversation.Config{
		HistoryLimit:  cfg.Conversation.HistoryLimit,
		MaxSearches:   cfg.Conversation.MaxSearches,
		SafetyCap:     cfg.Conversation.SafetyCap,
		HardTurnLimit: cfg.Conversation.HardTurnLimit,
		ModelTimeout:  cfg.Conversation.ModelTimeout,
	}, logger)
	sweeper := retention.NewSweeper(repo, cfg.Retention.Days, cfg.Retention.MinInterval, logger)

	// Jobs run on base, which outlives the signal context so in-flight work
	// can drain after the listener stops.
	base, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	pool := dispatch.NewPool(base, worker, sweeper, cfg.Queue.Concurrency, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var dispatcher gateway.Dispatcher = pool
	var consumerDone <-chan struct{}
	if cfg.Queue.Backend == "redis" {
		queue, err := dispatch.NewRedisQueue(ctx, cfg.Queue.RedisAddr, cfg.Queue.RedisKey, pool, logger)
		if err != nil {
			slog.Error("Failed to connect job queue", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := queue.Close(); closeErr != nil {
				slog.Error("Failed to close job queue", "error", closeErr)
			}
		}()
		dispatcher = queue
		consumerDone = queue.Start(ctx)
		slog.Info("Redis job queue started", "addr", cfg.Queue.RedisAddr, "key", cfg.Queue.RedisKey)
	}

	tickerDone := sweeper.StartTicker(ctx, cfg.Retention.Tick)
	slog.Info("Retention sweeper started",
		"retention_days", cfg.Retention.Days,
		"min_interval", cfg.Retention.MinInterval,
		"tick", cfg.Retention.Tick,
	)

	gw := gateway.New(repo, dispatcher, cfg.BootstrapSecret, cfg.Conversation.MaxInputChars, logger)
	relayHandler := api.NewRelayHandler(gw, poller.New(repo), cfg.MaxRequestBody, logger)
	healthHandler := api.NewHealthHandler(repo, 5*time.Second)
	limiter := middleware.NewRateLimiter(ctx, cfg.RateLimit.Requests, cfg.RateLimit.Window)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(middleware.ClientIP(cfg.RateLimit.TrustProxy))
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Client routes are rate limited per IP.
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		relayHandler.RegisterRoutes(r)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// The consumer and ticker watch ctx, which is already done.
	if consumerDone != nil {
		<-consumerDone
	}
	<-tickerDone

	pool.Close()
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := pool.Wait(drainCtx); err != nil {
		slog.Warn("Worker pool did not drain, abandoning in-flight jobs", "error", err)
	}
	cancelBase()

	slog.Info("Server stopped successfully")
}
