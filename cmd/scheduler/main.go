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
	_ "time/tzdata" // peak windows need zone data on minimal images

	"github.com/spf13/cobra"

	"github.com/leadflow/internal/app"
	"github.com/leadflow/internal/config"
	"github.com/leadflow/pkg/logger"
)

var (
	cfgFile string
	log     *logger.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "leadflow-scheduler",
		Short: "Background scheduler for the lead pipeline",
		Long: `Runs due schedules (scraping, rule execution, auto-responses, digests,
exports and cleanup) in the background. Run it as a service.`,
		RunE: runScheduler,
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file path")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runScheduler(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log = logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	log.Info().Msg("Starting lead scheduler")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	servers := []*http.Server{newHealthServer(a)}
	if a.Metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.Metrics.Handler())
		servers = append(servers, &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}
	for _, srv := range servers {
		go serve(srv)
	}

	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	log.Info().Dur("poll_interval", cfg.Scheduler.PollInterval).Msg("Scheduler started")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info().Msg("Shutting down scheduler")
	a.Scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Str("addr", srv.Addr).Msg("HTTP server shutdown failed")
		}
	}

	return nil
}

func serve(srv *http.Server) {
	log.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Str("addr", srv.Addr).Msg("HTTP server failed")
	}
}

// newHealthServer builds a simple HTTP server for health checks (used by Render)
func newHealthServer(a *app.App) *http.Server {
	port := os.Getenv("PORT")
	if port == "" {
		port = "10000"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := a.Scheduler.Status()
		if !status.Running {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("STOPPED"))
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK in_flight=%d", len(status.InFlight))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Lead Scheduler"))
	})

	return &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
