// Package server exposes the change feed over HTTP: the WebSocket endpoint,
// change ingest, stats, recent logs and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/markb/livesync/internal/feed"
	"github.com/markb/livesync/internal/log"
	"github.com/markb/livesync/internal/observability"
)

type Server struct {
	feed      *feed.Service
	router    *chi.Mux
	gatherer  prometheus.Gatherer
	telemetry *observability.Telemetry

	// HTTP server for graceful shutdown
	httpServer *http.Server

	// HTTPS fields
	httpsServer  *http.Server
	httpRedirect *http.Server
	autocertMgr  *autocert.Manager
}

// ServerConfig holds the optional collaborators of a Server.
type ServerConfig struct {
	// Gatherer serves /metrics; the default registry when nil.
	Gatherer prometheus.Gatherer
	// Telemetry traces requests; tracing is off when nil.
	Telemetry *observability.Telemetry
}

// New builds the router around svc. Metrics are served from gatherer, or
// the default registry when nil.
func New(svc *feed.Service, gatherer prometheus.Gatherer) *Server {
	return NewWithConfig(svc, ServerConfig{Gatherer: gatherer})
}

func NewWithConfig(svc *feed.Service, cfg ServerConfig) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		feed:      svc,
		router:    chi.NewRouter(),
		gatherer:  cfg.Gatherer,
		telemetry: cfg.Telemetry,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// CORS middleware for browser-based clients
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.router.Use(observability.HTTPMiddleware(s.telemetry, "livesync"))
	s.router.Use(log.RequestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.router.Route("/realtime/v1", func(r chi.Router) {
		r.Get("/websocket", s.feed.HandleWebSocket)
		r.Post("/changes", s.feed.HandleChanges)

		r.Group(func(r chi.Router) {
			r.Use(s.serviceRoleMiddleware)
			r.Use(middleware.SetHeader("Content-Type", "application/json"))
			r.Get("/stats", s.handleStats)
			r.Get("/logs", s.handleLogs)
		})
	})
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.feed.Stats())
}

// handleLogs returns recent buffered log lines: ?lines=N (default 100) and
// an optional ?q= substring filter.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid_lines", "lines must be a positive integer")
			return
		}
		n = parsed
	}

	total, capacity, ok := log.GetBufferStats()
	if !ok {
		s.writeError(w, http.StatusNotFound, "buffer_disabled", "log buffer is disabled")
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"lines":    log.GrepBufferedLogs(r.URL.Query().Get("q"), n),
		"total":    total,
		"capacity": capacity,
	})
}

// ErrorResponse is the JSON body of a failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errCode,
		Message: message,
	})
}

func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// ListenAndServeTLS serves HTTPS on addr with a Let's Encrypt certificate
// and runs the ACME challenge/redirect listener on cfg.HTTPAddr.
func (s *Server) ListenAndServeTLS(addr string, cfg HTTPSConfig) error {
	if err := ValidateDomain(cfg.Domain); err != nil {
		return err
	}

	s.autocertMgr = NewAutocertManager(cfg.Domain, cfg.CertDir)
	s.httpsServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		TLSConfig:         NewTLSConfig(s.autocertMgr),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpRedirect = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.autocertMgr.HTTPHandler(HTTPRedirectHandler(cfg.Domain)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP redirect server: %w", err)
		}
	}()

	go func() {
		errCh <- s.httpsServer.ListenAndServeTLS("", "")
	}()

	return <-errCh
}

// Shutdown stops accepting requests and disconnects feed subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	// Shutdown HTTPS server if running
	if s.httpsServer != nil {
		if err := s.httpsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTPS server: %w", err))
		}
	}

	// Shutdown HTTP redirect server if running
	if s.httpRedirect != nil {
		if err := s.httpRedirect.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP redirect server: %w", err))
		}
	}

	// Shutdown main HTTP server if running (non-TLS mode)
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server: %w", err))
		}
	}

	// Hijacked WebSocket connections are not tracked by http.Server
	s.feed.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
