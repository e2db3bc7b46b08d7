package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sunbk201/idmask/internal/config"
	applog "github.com/sunbk201/idmask/internal/log"
	"github.com/sunbk201/idmask/internal/proxy"
	"github.com/sunbk201/idmask/internal/statistics"
)

// APIServer is the optional admin endpoint. It exposes the running
// configuration, the mapping table size, statistics and live logs.
type APIServer struct {
	version        string
	cfg            *config.Config
	proxy          *proxy.Proxy
	recorder       *statistics.Recorder
	logBroadcaster *applog.Broadcaster

	mu         sync.Mutex
	httpServer *http.Server
	addr       string
}

func New(version string, cfg *config.Config, p *proxy.Proxy, recorder *statistics.Recorder, lb *applog.Broadcaster) *APIServer {
	return &APIServer{
		version:        version,
		cfg:            cfg,
		proxy:          p,
		recorder:       recorder,
		logBroadcaster: lb,
		addr:           cfg.APIServer,
	}
}

// Handler builds the admin router.
func (s *APIServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(slogMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	if s.cfg.APIServerSecret != "" {
		r.Use(s.authMiddleware)
	}

	r.Get("/version", s.handleVersion)
	r.Get("/config", s.handleConfig)
	r.Get("/routes", s.handleRoutes)
	r.Get("/routes/match", s.handleRouteMatch)

	r.Route("/mappings", func(r chi.Router) {
		r.Get("/", s.handleMappings)
		r.Get("/{id}", s.handleMapping)
	})

	r.Route("/stats", func(r chi.Router) {
		r.Get("/", s.handleStats)
		r.Get("/rewrites", s.handleRewriteStats)
		r.Get("/passes", s.handlePassStats)
		r.Get("/requests", s.handleRequestStats)
	})

	if s.logBroadcaster != nil {
		r.Get("/logs", s.handleLogs)
	}

	r.Route("/debug/pprof", func(r chi.Router) {
		r.HandleFunc("/", pprof.Index)
		r.HandleFunc("/cmdline", pprof.Cmdline)
		r.HandleFunc("/profile", pprof.Profile)
		r.HandleFunc("/symbol", pprof.Symbol)
		r.HandleFunc("/trace", pprof.Trace)
		r.Handle("/goroutine", pprof.Handler("goroutine"))
		r.Handle("/heap", pprof.Handler("heap"))
		r.Handle("/allocs", pprof.Handler("allocs"))
		r.Handle("/block", pprof.Handler("block"))
		r.Handle("/mutex", pprof.Handler("mutex"))
	})
	return r
}

// Start listens on the api-server address and serves in the background.
func (s *APIServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api-server listen failed: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	slog.Info("api-server started", slog.String("addr", s.addr))

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api-server error", slog.Any("error", err))
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *APIServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *APIServer) Close() error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slog.Info("api-server shutting down")
	return srv.Shutdown(ctx)
}

func slogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("api-server request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
			slog.Int("status", ww.Status()),
			slog.Duration("took", time.Since(start)),
		)
	})
}

func (s *APIServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if bearer, ok := strings.CutPrefix(token, "Bearer "); ok {
			token = bearer
		}
		if token == "" {
			token = r.URL.Query().Get("secret")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIServerSecret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
