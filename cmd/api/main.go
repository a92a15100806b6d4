package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/clinicalanalysis/backend/internal/api/handlers"
	"github.com/zatekoja/clinicalanalysis/backend/internal/api/routes"
	"github.com/zatekoja/clinicalanalysis/backend/internal/bootstrap"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/observability"
	"github.com/zatekoja/clinicalanalysis/backend/pkg/config"
	"github.com/zatekoja/clinicalanalysis/backend/pkg/secrets"
)

func main() {
	// Credentials from Vault must be in the environment before configuration is read
	vaultCtx, vaultCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if _, err := secrets.ApplyVaultSecrets(vaultCtx, secrets.LoadVaultConfigFromEnv()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load vault secrets: %v\n", err)
		vaultCancel()
		os.Exit(1)
	}
	vaultCancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.OTEL.ServiceName, cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry if enabled
	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		shutdown, err := observability.Setup(ctx, cfg.OTEL.ServiceName, cfg.OTEL.ServiceVersion, cfg.OTEL.Endpoint)
		if err != nil {
			log.Warn().Err(err).Msg("failed to set up OpenTelemetry")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					log.Error().Err(err).Msg("error shutting down OpenTelemetry")
				}
			}()
			log.Info().Str("endpoint", cfg.OTEL.Endpoint).Msg("OpenTelemetry initialized")
		}
	}

	metrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize metrics")
	}

	app, err := bootstrap.Build(ctx, cfg, metrics, bootstrap.Overrides{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to assemble application")
	}

	go app.RunSweeper(ctx, cfg.Analysis.SweepInterval)

	var sseHandler *handlers.SSEHandler
	if app.EventBus != nil {
		sseHandler = handlers.NewSSEHandler(app.EventBus)
	}

	router := routes.NewRouter(
		handlers.NewAnalysisHandler(app.Service),
		handlers.NewFeedbackHandler(app.Service, app.L2),
		handlers.NewOpsHandler(app.Learner, app.Dispatcher),
		sseHandler,
		cfg.Server.AllowedOrigins,
		metrics,
	)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No write timeout: analysis requests are bounded by the analysis deadline
		// and event streams stay open until the client leaves.
		IdleTimeout: 60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", serverAddr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		log.Error().Err(err).Msg("server failed")
	}

	log.Info().Msg("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during server shutdown")
	}
	if err := app.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error closing application")
	}

	log.Info().Msg("server stopped")
}
