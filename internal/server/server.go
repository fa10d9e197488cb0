// Package server exposes the operational HTTP surface of pcdattach: health,
// Prometheus metrics, read-only attachment listing and orphan sweeps.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"pcdattach/internal/models"
	"pcdattach/internal/reconcile"
)

const (
	allowRemoteEnvKey = "PCDATTACH_ALLOW_REMOTE"
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 5 * time.Minute
	idleTimeout       = 60 * time.Second
	shutdownTimeout   = 10 * time.Second
	healthTimeout     = 2 * time.Second
)

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AttachmentLister serves owner collection reads.
type AttachmentLister interface {
	ListForOwner(ctx context.Context, ref models.OwnerRef) ([]models.Attachment, error)
}

// Sweeper runs orphan sweeps on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (reconcile.Report, error)
	LastReport() reconcile.Report
}

// Server wraps the ops HTTP handlers.
type Server struct {
	addr         string
	db           Pinger
	attachments  AttachmentLister
	sweeper      Sweeper
	logger       *slog.Logger
	sweepLimiter chan struct{}
}

// New creates a new server instance. sweeper may be nil, which disables the
// sweep endpoints.
func New(addr string, db Pinger, attachments AttachmentLister, sweeper Sweeper, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:         addr,
		db:           db,
		attachments:  attachments,
		sweeper:      sweeper,
		logger:       logger.With("component", "server"),
		sweepLimiter: make(chan struct{}, 1),
	}
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log().Info("starting server", "addr", s.addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.log().Info("stopping server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAddr validates a configured listen address. Non-loopback hosts
// require PCDATTACH_ALLOW_REMOTE=true.
func ListenAddr(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("listen address is required")
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if !isAllowedListenHost(host) {
		return "", fmt.Errorf("remote listen host %q requires %s=true", host, allowRemoteEnvKey)
	}
	return addr, nil
}

func isAllowedListenHost(host string) bool {
	if strings.EqualFold(strings.TrimSpace(os.Getenv(allowRemoteEnvKey)), "true") {
		return true
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) acquireLimiter(limiter chan struct{}) bool {
	select {
	case limiter <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) releaseLimiter(limiter chan struct{}) {
	select {
	case <-limiter:
	default:
	}
}

func (s *Server) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return slog.Default()
}
