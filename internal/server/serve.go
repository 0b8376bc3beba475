// Package server runs the bridge HTTP listener with graceful shutdown and a
// hook registry for releasing dependencies on exit.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/chinmina/cosmos-key-bridge/internal/config"
	"github.com/rs/zerolog/log"
)

// Serve runs the HTTP server until the context is cancelled or an interrupt
// signal arrives, then drains in-flight requests within the configured
// shutdown timeout and runs the shutdown hooks.
func Serve(ctx context.Context, cfg config.ServerConfig, handler http.Handler, hooks *ShutdownHooks) error {
	notifyCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("server: listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		// listener failed before shutdown was requested
		hooks.Execute(ctx)
		return fmt.Errorf("server failed: %w", err)
	case <-notifyCtx.Done():
	}

	log.Info().Msg("server: shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn().Err(err).Msg("server: shutdown incomplete, closing")
		_ = httpServer.Close()
	}

	hooks.Execute(shutdownCtx)

	log.Info().Msg("server: stopped")
	return nil
}
