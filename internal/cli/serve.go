package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nduati/dukapos/backend/internal/logging"
	"github.com/nduati/dukapos/backend/internal/server"
	"github.com/nduati/dukapos/backend/internal/sync/scheduler"
)

// NewServeCommand creates the serve command: the long-running daemon mode.
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with the local API and background sync",
		Long: `Start the engine as a daemon: the local REST API and WebSocket event
hub for the UI shell, plus the background scheduler that runs sync
cycles while online and probes connectivity while offline.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	hub := server.NewHub()
	app.Orch.SetEventSink(hub)
	api := server.New(app.Config.ListenAddr, server.NewHandler(app.Orch, app.Queue), hub)

	sched := scheduler.New(app.Orch, app.Client, scheduler.Options{
		SyncInterval:  app.Config.SyncInterval,
		ProbeInterval: app.Config.ProbeInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- api.Start() }()

	// Catch up immediately instead of waiting for the first tick.
	go func() {
		if _, err := app.Orch.RunCycle(ctx); err != nil {
			logging.Warn("startup sync cycle failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	select {
	case <-ctx.Done():
		logging.Info("shutting down", nil)
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return api.Shutdown(shutdownCtx)
}
