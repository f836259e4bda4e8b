package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"evalgo.org/mockcloud/internal/api"
	"evalgo.org/mockcloud/internal/events"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the orchestrator and its API server",
	Long: `Start the orchestrator: reconcile the servers root once, keep every
node's sandbox running, and serve the control API with Echo.`,
	RunE: runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer stop()

	hub := api.NewHub(logger)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	publishers := events.Multi{hub}
	if cfg.Events.NATSURL != "" {
		nats, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			return err
		}
		defer nats.Close()
		publishers = append(publishers, nats)
	}

	stack, err := buildFleet(cfg, logger, publishers, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize fleet: %w", err)
	}

	// nodes that failed to start are retried by the next reconcile
	if report, err := stack.reconciler.Reconcile(ctx); err != nil {
		logger.Errorw("Initial reconcile failed", "error", err)
	} else {
		logger.Infow("Fleet started", "running", report.Running)
	}
	if _, err := stack.service.RestoreLeases(ctx); err != nil {
		logger.Errorw("Failed to restore address leases", "error", err)
	}

	go func() {
		if err := stack.reconciler.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorw("Servers root watch stopped", "error", err)
		}
	}()

	server := api.New(cfg, stack.service, hub, logger)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case serveErr = <-errChan:
		serveErr = fmt.Errorf("server error: %w", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("API server shutdown failed", "error", err)
	}
	if err := stack.reconciler.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("Sandbox shutdown reported errors", "error", err)
	}

	return serveErr
}
