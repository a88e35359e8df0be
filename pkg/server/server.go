package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const DefaultShutdownTimeout = 20 * time.Second

type Server struct {
	*http.Server
	// CleanUpFuncs is a list of functions that will be called when the server has successfully shutdown.
	CleanUpFuncs    []func(ctx context.Context)
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

func New(srv *http.Server, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		Server:          srv,
		ShutdownTimeout: DefaultShutdownTimeout,
		Logger:          logger.With(slog.String("component", "server")),
	}
}

// Start serves until ctx is cancelled and then shuts the server down,
// running the clean up functions once the listener is closed.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.Server.BaseContext = func(_ net.Listener) context.Context {
		return ctx
	}
	timeout := s.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		s.Logger.Info("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		err := s.Server.Shutdown(shutdownCtx)
		for _, cf := range s.CleanUpFuncs {
			cf(shutdownCtx)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("graceful shutdown timed out after %s: %w", timeout, err)
		}
		shutdownErr <- err
	}()

	s.Logger.Info("server started", slog.String("addr", ln.Addr().String()))

	err := s.Server.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return <-shutdownErr
}
