// Package signals wires OS signals to graceful shutdown and reload.
//
// Setup installs a handler for SIGINT and SIGTERM. When one arrives it logs
// the signal, closes the provided stopCh (if non-nil) and cancels the
// returned context.
//
// OnHangup runs a callback on every SIGHUP until its context is done.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Setup registers a handler for SIGINT and SIGTERM.
// It returns a context.Context that will be canceled when a signal is received.
// If stopCh is non-nil it will be closed when a signal is received.
func Setup(stopCh chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		signal.Stop(sigCh)
		log.Info().Str("signal", sig.String()).Msg("signal received, shutting down")

		// stopCh may already have been closed elsewhere.
		if stopCh != nil {
			func() {
				defer func() { _ = recover() }()
				close(stopCh)
			}()
		}

		cancel()
	}()

	return ctx
}

// OnHangup calls fn for each SIGHUP received until ctx is done.
func OnHangup(ctx context.Context, fn func()) {
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hupCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				log.Info().Msg("SIGHUP received, reloading")
				fn()
			}
		}
	}()
}
