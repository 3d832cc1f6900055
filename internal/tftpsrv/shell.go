package tftpsrv

import (
	"context"
	"fmt"

	"github.com/ktauchathuranga/tftpd-linux/internal/config"
	"github.com/ktauchathuranga/tftpd-linux/internal/tftplog"
)

// Shell binds the listening socket, validates configuration, and runs the
// dispatcher until signaled (§4.5). It is the TFTP-only analogue of a
// multi-protocol server manager: this repository serves exactly one
// protocol, so there is exactly one Shell per process.
type Shell struct {
	cfg        *config.Config
	logger     *tftplog.Logger
	dispatcher *Dispatcher
}

// NewShell validates cfg and returns a Shell. It does not bind the socket
// yet; binding happens in Start so bind failures are reported through the
// same error path as any other startup failure.
func NewShell(cfg *config.Config, logger *tftplog.Logger) (*Shell, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &Shell{cfg: cfg, logger: logger}, nil
}

// Start binds the well-known UDP socket and runs the dispatcher until ctx
// is canceled or a fatal socket error occurs. A bind failure (port in
// use, permission denied) is returned to the caller, which per §4.5
// reports it via the logging sink and exits with status 1.
func (s *Shell) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)

	d, err := NewDispatcher(addr, s.cfg.Root, s.cfg.Transfer, s.logger)
	if err != nil {
		return fmt.Errorf("failed to bind UDP port %d: %w", s.cfg.Port, err)
	}
	s.dispatcher = d

	s.logger.Info("tftpd listening on %s, serving root %s", d.Addr(), s.cfg.Root)

	return d.Serve(ctx)
}

// Stop releases the listening socket. In-flight sessions are not tracked
// by the dispatcher (§3 Lifecycle) and are left to finish, time out, or
// be cut off when the process exits.
func (s *Shell) Stop() error {
	if s.dispatcher == nil {
		return nil
	}
	return s.dispatcher.Close()
}
