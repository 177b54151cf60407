// Package httpserver runs an http.Server until its context is canceled and then
// drains in-flight requests within a bounded shutdown window.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Config is read from HTTP_* variables.
type Config struct {
	Addr              string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout   time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithListener serves on an existing listener instead of Config.Addr.
func WithListener(l net.Listener) Option {
	return func(s *Server) { s.listener = l }
}

// Server wraps http.Server with context-driven graceful shutdown.
type Server struct {
	cfg      Config
	srv      *http.Server
	logger   *slog.Logger
	listener net.Listener

	mu      sync.Mutex
	running bool
	addr    net.Addr
}

// New panics if handler is nil.
func New(cfg Config, handler http.Handler, opts ...Option) *Server {
	if handler == nil {
		panic("httpserver: handler is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	return s
}

// Run serves until ctx is canceled, then shuts down gracefully.
// A Server runs at most once.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	s.running = true
	l := s.listener
	if l == nil {
		var err error
		if l, err = net.Listen("tcp", s.cfg.Addr); err != nil {
			s.mu.Unlock()
			return errors.Join(ErrStart, err)
		}
	}
	s.addr = l.Addr()
	s.mu.Unlock()

	s.srv.BaseContext = func(net.Listener) context.Context { return context.WithoutCancel(ctx) }
	s.logger.InfoContext(ctx, "http server started", slog.String("addr", l.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Join(ErrStart, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return errors.Join(ErrShutdown, err)
	}
	<-errCh
	s.logger.InfoContext(ctx, "http server stopped")
	return nil
}

// Addr returns the bound address once Run has started listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
