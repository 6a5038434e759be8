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
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/wantnot/catalog-crawler/internal/api"
	"github.com/wantnot/catalog-crawler/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the crawl worker",
		Long: `Starts the HTTP server (crawl triggers, category tree, health, metrics)
and a worker loop consuming step tasks, in one process. With Pub/Sub
configured the worker competes with other replicas for tasks; without it the
in-process queue makes this a complete single-binary deployment.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	app, err := newApplication(ctx, cfgFile)
	if err != nil {
		return err
	}
	defer app.Close()

	tp, err := telemetry.InitTracerProvider(ctx, "catalog-crawler")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	server := api.NewServer(
		app.processor,
		app.frontier,
		app.reconciler,
		app.catalog,
		app.queue,
		app.cfg.Stores,
		app.logger,
	)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Server.Port),
		Handler:           otelhttp.NewHandler(server.Handler(), "api"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	workerErr := make(chan error, 1)
	go func() {
		workerErr <- app.worker.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		app.logger.Info("http server listening", zap.Int("port", app.cfg.Server.Port))
		serverErr <- httpServer.ListenAndServe()
	}()

	workerDone := false
	select {
	case <-ctx.Done():
		app.logger.Info("shutting down")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case err := <-workerErr:
		workerDone = true
		if err != nil {
			return fmt.Errorf("worker: %w", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		app.logger.Warn("http shutdown failed", zap.Error(err))
	}
	if !workerDone {
		<-workerErr
	}
	return nil
}
