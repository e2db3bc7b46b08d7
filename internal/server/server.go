package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sunbk201/idmask/internal/config"
	"github.com/sunbk201/idmask/internal/tlscert"
)

// Server is the inbound listener in front of the proxy handler. It serves
// plain HTTP, or HTTPS when the config carries a PKCS#12 bundle.
type Server struct {
	cfg       *config.Config
	server    *http.Server
	tlsConfig *tls.Config

	mu       sync.Mutex
	listener net.Listener
}

func New(cfg *config.Config, handler http.Handler) (*Server, error) {
	s := &Server{
		cfg: cfg,
		server: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug),
		},
	}
	if cfg.TLS.PKCS12 != "" {
		bundle, err := tlscert.Load(cfg.TLS.PKCS12, cfg.TLS.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("tlscert.Load: %w", err)
		}
		s.tlsConfig = bundle.TLSConfig()
		s.server.TLSConfig = s.tlsConfig
	}
	return s, nil
}

// Listen binds the listen address. Start calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("net.Listen: %w", err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.ListenAddr
}

func (s *Server) TLS() bool {
	return s.tlsConfig != nil
}

// Start serves until Shutdown or Close. A graceful stop returns nil.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	slog.Info("Proxy listening", slog.String("addr", ln.Addr().String()), slog.Bool("tls", s.TLS()))
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http.Server.Serve: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.server.Close()
}
