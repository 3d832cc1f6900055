// Package utils holds small process-lifecycle helpers shared by the
// server shell that don't belong in the protocol engine itself.
package utils

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ktauchathuranga/tftpd-linux/internal/tftplog"
)

// shutdownGrace bounds how long an in-flight shutdown callback gets to
// drain before GracefulShutdown gives up and returns anyway.
const shutdownGrace = 30 * time.Second

// shutdownSignals are the signals that trigger a graceful stop: interrupt
// and the two terminate-ish signals a process manager or operator sends.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT}

// GracefulShutdown blocks until one of shutdownSignals arrives, cancels
// ctx so the dispatcher stops accepting new requests, and gives
// shutdownFn up to shutdownGrace to finish before returning regardless.
func GracefulShutdown(ctx context.Context, cancel context.CancelFunc, logger *tftplog.Logger, shutdownFn func() error) {
	stopCtx, stop := signal.NotifyContext(ctx, shutdownSignals...)
	defer stop()

	<-stopCtx.Done()
	logger.Info("shutdown signal received, stopping the dispatcher...")
	cancel()

	if err := runWithDeadline(shutdownFn, shutdownGrace); err != nil {
		if err == errShutdownTimedOut {
			logger.Warn("shutdown grace period (%s) exceeded, forcing exit", shutdownGrace)
			return
		}
		logger.Error("shutdown callback returned an error: %v", err)
		return
	}
	logger.Info("graceful shutdown completed")
}

var errShutdownTimedOut = context.DeadlineExceeded

// runWithDeadline runs fn in its own goroutine and waits at most timeout
// for it to finish, reporting errShutdownTimedOut if it doesn't. fn may be
// nil, in which case runWithDeadline returns immediately with no error.
func runWithDeadline(fn func() error, timeout time.Duration) error {
	if fn == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- fn() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errShutdownTimedOut
	}
}
