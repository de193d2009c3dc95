package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bobarin/hookscale/internal/api"
	"github.com/bobarin/hookscale/internal/combinator"
	"github.com/bobarin/hookscale/internal/config"
	"github.com/bobarin/hookscale/internal/progress"
	"github.com/bobarin/hookscale/internal/worker"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and, if enabled, the render worker",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.database.Migrate(ctx); err != nil {
		return err
	}

	// every instance relays redis progress into its own hub, so SSE clients
	// see runs executed by any worker
	hub := progress.NewHub(progress.DefaultBuffer)
	relay := progress.NewRedisRelay(b.queue.Client())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := relay.Forward(ctx, hub); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("progress relay stopped")
		}
	}()

	handler := api.NewHandler(b.database, b.queue, hub, combinator.Limits{
		MaxCombinations:  cfg.MaxCombinations,
		MaxBlocksPerRole: cfg.MaxBlocksPerRole,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Info().Msg("API key authentication enabled")
	} else {
		log.Warn().Msg("no BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	if cfg.WorkerEnabled {
		w := worker.New(b.queue, b.orchestrator(relay))
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Start(ctx, cfg.MaxConcurrentJobs)
		}()
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.APIPort).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		wg.Wait()
		return err
	}

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	wg.Wait()

	log.Info().Msg("server exited")
	return nil
}

