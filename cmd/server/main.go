package main

import (
	"context"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"fable/internal/backend"
	"fable/internal/config"
	chatrepo "fable/internal/domain/repositories/chat"
	"fable/internal/handler"
	"fable/internal/handler/sse"
	"fable/internal/middleware"
	memstore "fable/internal/repository/memory"
	"fable/internal/repository/postgres"
	"fable/internal/service/compression"
	"fable/internal/service/generation"
	"fable/internal/service/memory"
	"fable/internal/service/prompt"
	"fable/internal/service/session"
	"fable/internal/service/stream"
	"fable/internal/templates"
)

func main() {
	// Load .env file (silently ignore if it doesn't exist - for production)
	_ = godotenv.Load()

	cfg := config.Load()

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}

	var logOutput io.Writer = os.Stdout
	if cfg.LogDir != "" {
		logFile, err := config.SetupLogFile(cfg.LogDir, cfg.LogMaxFiles)
		if err != nil {
			log.Fatalf("Failed to set up log file: %v", err)
		}
		defer logFile.Close()
		logOutput = io.MultiWriter(os.Stdout, logFile)
	}

	logger := slog.New(slog.NewJSONHandler(logOutput, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("server starting",
		"environment", cfg.Environment,
		"port", cfg.Port,
		"backend", cfg.BackendName,
	)

	ctx := context.Background()

	// Storage: postgres when configured, in-process otherwise.
	var store chatrepo.SessionStore
	if cfg.DatabaseURL != "" {
		pool, err := postgres.CreateConnectionPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to create connection pool: %v", err)
		}
		defer pool.Close()

		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			log.Fatalf("Failed to ensure schema: %v", err)
		}
		store = postgres.NewSessionStore(pool, logger)
		logger.Info("database connected")
	} else {
		store = memstore.NewSessionStore()
		logger.Warn("DATABASE_URL not set, sessions will not survive restarts")
	}

	// Session registry, warmed from the store.
	registry := session.NewService(store, logger)
	if err := registry.Load(ctx); err != nil {
		log.Fatalf("Failed to load sessions: %v", err)
	}

	// Prompt template presets.
	templateRegistry, err := templates.NewRegistry()
	if err != nil {
		log.Fatalf("Failed to load template presets: %v", err)
	}

	// Generation backend client.
	var backendOpts []backend.Option
	if cfg.BackendServerFiltering {
		backendOpts = append(backendOpts, backend.WithServerFiltering())
	}
	generator, err := backend.NewClient(cfg.BackendURL, cfg.BackendName, logger, backendOpts...)
	if err != nil {
		log.Fatalf("Failed to create backend client: %v", err)
	}

	// Context assembly and streaming services.
	decoder := stream.NewDecoder(logger)
	memoryBuilder := memory.NewBuilder(logger)
	assembler := prompt.NewAssembler(logger)
	summarizer := compression.NewLLMSummarizer(generator, decoder, logger)
	compressor := compression.NewCompressor(summarizer, logger)
	relay := generation.NewRelay(logger)

	orchestrator := generation.NewOrchestrator(
		registry,
		store,
		memoryBuilder,
		compressor,
		assembler,
		generator,
		decoder,
		relay,
		templateRegistry,
		logger,
	)

	// Handlers.
	sessionHandler := handler.NewSessionHandler(registry, memoryBuilder, templateRegistry, logger)
	generationHandler := handler.NewGenerationHandler(orchestrator, registry, relay, sse.DefaultConfig(), logger)
	templateHandler := handler.NewTemplateHandler(templateRegistry, logger)

	logger.Info("services initialized")

	// HTTP router (Go 1.22+ enhanced patterns)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handler.HealthCheck)

	// Session routes
	mux.HandleFunc("POST /api/sessions", sessionHandler.CreateSession)
	mux.HandleFunc("GET /api/sessions", sessionHandler.ListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", sessionHandler.GetSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", sessionHandler.UpdateSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", sessionHandler.DeleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/context", sessionHandler.InspectContext)
	mux.HandleFunc("POST /api/sessions/{id}/messages/{mid}/variation", sessionHandler.CycleVariation)

	// Generation routes
	mux.HandleFunc("POST /api/sessions/{id}/generate", generationHandler.Generate)
	mux.HandleFunc("POST /api/sessions/{id}/messages/{mid}/regenerate", generationHandler.Regenerate)
	mux.HandleFunc("POST /api/sessions/{id}/messages/{mid}/continue", generationHandler.Continue)
	mux.HandleFunc("POST /api/sessions/{id}/impersonate", generationHandler.Impersonate)
	mux.HandleFunc("POST /api/sessions/{id}/stop", generationHandler.Stop)
	mux.HandleFunc("GET /api/sessions/{id}/generation", generationHandler.Status)
	mux.HandleFunc("GET /api/sessions/{id}/stream", generationHandler.Stream)

	// Template routes
	mux.HandleFunc("GET /api/templates", templateHandler.ListTemplates)

	// Middleware chain: CORS → Recovery → Routes
	var httpHandler http.Handler = mux
	httpHandler = middleware.Recovery(logger)(httpHandler)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Last-Event-ID"},
		AllowCredentials: true,
	})
	httpHandler = corsHandler.Handler(httpHandler)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Disabled to allow long-lived SSE streams
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	errChan := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", server.Addr)
		errChan <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	case sig := <-sigChan:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}
}
