// MCP chat gateway server.
package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/mcp-chat-gateway/internal/agent"
	"github.com/ashureev/mcp-chat-gateway/internal/api"
	"github.com/ashureev/mcp-chat-gateway/internal/config"
	"github.com/ashureev/mcp-chat-gateway/internal/health"
	"github.com/ashureev/mcp-chat-gateway/internal/llm"
	"github.com/ashureev/mcp-chat-gateway/internal/logx"
	"github.com/ashureev/mcp-chat-gateway/internal/mcp"
	"github.com/ashureev/mcp-chat-gateway/internal/middleware"
	"github.com/ashureev/mcp-chat-gateway/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logx.Init(logx.Options{})
		logx.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logx.Init(logx.Options{Production: cfg.IsProduction(), Level: cfg.LogLevel})
	if envErr != nil {
		logx.Info().Msg("No .env file found, using environment variables")
	}

	logx.Info().
		Str("port", cfg.Port).
		Str("env", cfg.AppEnv).
		Bool("container", config.IsContainer()).
		Str("default_model", cfg.Model.DefaultModel).
		Msg("Starting server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	threads, err := store.Open(ctx, cfg.ThreadStore)
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to initialize thread store")
	}
	defer func() {
		if closeErr := threads.Close(); closeErr != nil {
			logx.Error().Err(closeErr).Msg("Failed to close thread store")
		}
	}()

	if err := threads.Ping(ctx); err != nil {
		logx.Fatal().Err(err).Msg("Thread store health check failed")
	}
	logx.Info().Str("url", redactURL(cfg.ThreadStore.URL)).Dur("ttl", cfg.ThreadStore.TTL).Msg("Thread store connected")

	store.StartTTLWorker(ctx, threads, store.DefaultSweepInterval)

	models := llm.NewFactory(cfg.Model)
	if cfg.Model.OpenAIAPIKey == "" && cfg.Model.GoogleAPIKey == "" {
		logx.Warn().Msg("No model provider credentials configured, chat requests will fail")
	}

	backends := mcp.DefaultBackends(cfg.Backends)
	for _, b := range backends {
		logx.Info().Str("backend", b.Name).Str("base_url", b.BaseURL).Strs("markers", b.Markers).Msg("Tool backend configured")
	}

	// Initialize handlers.
	probeHandler := api.NewHandler(threads)
	agentHandler := agent.NewHandler(agent.NewService(threads, models), cfg)
	defer agentHandler.Close()
	toolHandler := mcp.NewHandler(
		mcp.NewResolver(backends...),
		mcp.NewForwarder(cfg.Backends.ProxyTimeout, backends),
		cfg.MaxRequestBodyBytes,
	)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(logx.RequestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	probeHandler.RegisterRoutes(r)
	agentHandler.RegisterRoutes(r)
	toolHandler.RegisterRoutes(r)

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // 0 = no timeout for SSE support
		IdleTimeout:       120 * time.Second,
	}

	var grpcHealth *health.Server
	if cfg.GRPCHealthPort != "" {
		grpcHealth, err = health.Start(":" + cfg.GRPCHealthPort)
		if err != nil {
			logx.Fatal().Err(err).Msg("Failed to start gRPC health server")
		}
		grpcHealth.Monitor(ctx, threads.Ping, health.DefaultProbeInterval)
	}

	// Start server.
	go func() {
		logx.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	logx.Info().Msg("Shutting down gracefully...")

	if grpcHealth != nil {
		grpcHealth.SetServing(false)
	}

	// Abort open streams and sockets so Shutdown does not wait on them.
	agentHandler.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logx.Error().Err(err).Msg("Server forced to shutdown")
	}
	if grpcHealth != nil {
		grpcHealth.Stop()
	}

	logx.Info().Msg("Server stopped successfully")
}

// redactURL hides credentials embedded in a store URL.
func redactURL(raw string) string {
	if raw == "" {
		return "memory://"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}
