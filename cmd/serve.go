package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sitegraph/crawler/internal/api"
	"github.com/sitegraph/crawler/internal/app"
	"github.com/sitegraph/crawler/internal/config"
	"github.com/sitegraph/crawler/internal/scheduler"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the job scheduler",
		Long: `Starts the engine: an HTTP API for submitting and inspecting crawl
jobs, and a scheduler loop that claims pending jobs and runs them.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	sched, err := scheduler.New(a.Store, a.Runner, a.Publisher, a.Logger.Named("scheduler"), scheduler.Config{
		PollInterval:      cfg.PollInterval(),
		MaxConcurrentJobs: cfg.Scheduler.MaxConcurrentJobs,
		CompletionTopic:   cfg.PubSub.Topic,
	})
	if err != nil {
		return err
	}

	server := api.NewServer(a.Store, a.IDs, a.Clock, a.Registry, a.Logger.Named("api"), api.Config{
		APIKey:         apiKeyFor(cfg),
		RequestTimeout: cfg.ServerTimeout(),
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		a.Logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.Logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			stop()
			<-schedDone
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("http shutdown", zap.Error(err))
	}

	// The scheduler drains in-flight jobs before returning.
	<-schedDone
	a.Logger.Info("scheduler stopped")
	return nil
}

func apiKeyFor(cfg config.Config) string {
	if !cfg.Auth.Enabled {
		return ""
	}
	return cfg.Auth.APIKey
}
