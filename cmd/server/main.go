// Telegram LLM relay webhook server
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

	"github.com/ashureev/tgrelay/internal/api"
	"github.com/ashureev/tgrelay/internal/bot"
	"github.com/ashureev/tgrelay/internal/config"
	"github.com/ashureev/tgrelay/internal/dedup"
	"github.com/ashureev/tgrelay/internal/llm"
	"github.com/ashureev/tgrelay/internal/middleware"
	"github.com/ashureev/tgrelay/internal/session"
	"github.com/ashureev/tgrelay/internal/store"
	"github.com/ashureev/tgrelay/internal/telegram"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
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

	slog.Info("Starting server", "port", cfg.Port, "version", cfg.Version, "store", cfg.Store.Driver, "llm_provider", cfg.LLM.Provider)

	// Initialize dependencies.
	repo, err := store.Open(cfg.Store.Driver, cfg.Store.DSN())
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Store connected")

	gen, err := llm.New(llm.Config{
		Provider:  cfg.LLM.Provider,
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.Model,
		BaseURL:   cfg.LLM.BaseURL,
		MaxTokens: cfg.LLM.MaxTokens,
		Vision:    cfg.LLM.Vision,
		Timeout:   cfg.LLM.Timeout,
	})
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	caps := bot.ResolveCapabilities(gen)
	slog.Info("LLM client initialized",
		"vision", caps.Vision != nil,
		"transcription", caps.Transcriber != nil,
		"speech", caps.Speech != nil)

	quotaCfg := cfg.Bot.Quota()
	updates := dedup.NewStore(repo)
	sessions := session.NewStore(repo,
		session.WithMaxHistory(cfg.Bot.MaxHistory),
		session.WithDefaults(session.Defaults{SystemPrompt: cfg.Bot.SystemPrompt, Quota: quotaCfg}),
	)

	dispatcher := bot.NewDispatcher(cfg.TelegramToken, bot.Deps{
		Updates:   updates,
		Sessions:  sessions,
		Generator: gen,
		Channel:   telegram.NewClient(cfg.TelegramToken),
		Logger:    logger,
	}, bot.Config{
		SystemPrompt:          cfg.Bot.SystemPrompt,
		BotName:               cfg.Bot.BotName,
		SpeechOnly:            cfg.Bot.SpeechOnly,
		Quota:                 quotaCfg,
		MaxMediaBytes:         cfg.Bot.MaxMediaBytes(),
		GenerationTimeout:     cfg.LLM.Timeout,
		GenerationConcurrency: int64(cfg.Bot.GenerationConcurrency),
	})

	// Initialize handlers.
	webhookHandler := api.NewWebhookHandler(dispatcher, logger)
	healthHandler := api.NewHealthHandler(repo, cfg.Version, cfg.HealthCheckTimeout)
	limiter := middleware.NewRateLimiter(cfg.Rate.PerSecond, cfg.Rate.Burst)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chiMiddleware.Recoverer)

	// Public routes.
	healthHandler.RegisterHealth(r)
	webhookHandler.RegisterRoutes(r, limiter.Middleware, middleware.MaxBody(middleware.DefaultMaxBodyBytes))

	// Create server.
	// Generation can take up to LLM_TIMEOUT, so the write timeout leaves room
	// for it plus delivery.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.LLM.Timeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start update sweeper.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	updates.StartSweeper(ctx, cfg.SweepInterval)

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
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
