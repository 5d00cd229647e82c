package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/specialistvlad/buildgridgo/internal/api"
	"github.com/specialistvlad/buildgridgo/internal/ctxlog"
)

const shutdownTimeout = 5 * time.Second

// serveAPI runs the HTTP API until ctx is done, then shuts it down
// gracefully.
func (a *App) serveAPI(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Configuring API server.")

	listener, err := net.Listen("tcp", a.settings.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.settings.ListenAddr, err)
	}
	server := &http.Server{
		Handler:           api.NewServer(a.engine, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("🩺 API server starting", "address", listener.Addr().String())
		// Serve returns ErrServerClosed on graceful shutdown.
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		logger.Error("API server failed unexpectedly", "error", err)
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	logger.Info("🩺 Shutting down API server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", "error", err)
		return err
	}
	<-serveErr
	logger.Debug("API server shut down gracefully.")
	return nil
}
