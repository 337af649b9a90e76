package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/origin-engine/internal/config"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:         "serve",
	Short:       "Start the origin determination API server",
	Annotations: withMode(config.ModeServe),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		return runServe(ctx, a, resolvePort(servePort, cfg.Server.Port))
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// resolvePort prefers the flag value over the configured port.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

func shutdownTimeout(secs int) time.Duration {
	if secs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(secs) * time.Second
}

// runServe runs the HTTP server and background workers until ctx is done,
// then drains queued background work.
func runServe(ctx context.Context, a *app, port int) error {
	grace := shutdownTimeout(a.cfg.Server.ShutdownTimeoutS)

	// Workers outlive the signal so Shutdown can drain them.
	a.dispatcher.Start(context.WithoutCancel(ctx))
	go a.drainFailures(ctx)

	if a.worker != nil {
		if err := a.worker.Start(); err != nil {
			return eris.Wrap(err, "start temporal worker")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.checker != nil {
		g.Go(func() error {
			a.checker.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return startServer(gctx, a.server.Router(), port, grace)
	})
	err := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if derr := a.dispatcher.Shutdown(drainCtx); derr != nil {
		zap.L().Warn("background work abandoned", zap.Error(derr))
	}
	zap.L().Info("server stopped")

	return err
}

// startServer listens on port until ctx is cancelled, then shuts down
// gracefully within grace.
func startServer(ctx context.Context, handler http.Handler, port int, grace time.Duration) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- eris.Wrap(err, "server listen")
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server shutdown")
	}
	return <-errCh
}
