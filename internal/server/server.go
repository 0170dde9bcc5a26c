// Package server exposes the HTTP API: conversation CRUD, the SSE message
// endpoint and operational endpoints (healthz, metrics).
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mutiexpert/backend/internal/observability"
	"github.com/mutiexpert/backend/internal/pipeline"
	"github.com/mutiexpert/backend/internal/storage"
)

// Config wires a Server.
type Config struct {
	Addr string
	// APIKey guards every /api/v1 route via the x-api-key header. Empty
	// disables authentication.
	APIKey       string
	Store        storage.Store
	Orchestrator *pipeline.Orchestrator
	Logger       *slog.Logger
	Metrics      *observability.Metrics
	// Registry backs the /metrics endpoint. Nil falls back to the default
	// prometheus registry.
	Registry *prometheus.Registry
	// FeishuWebhook, when set, is mounted at /feishu/webhook. It sits
	// outside the api-key guard; Feishu authenticates with its own token.
	FeishuWebhook http.Handler
}

// Server is the HTTP front of the backend.
type Server struct {
	config       Config
	store        storage.Store
	orchestrator *pipeline.Orchestrator
	logger       *slog.Logger
	metrics      *observability.Metrics

	httpServer *http.Server
	listener   net.Listener
}

// New creates a server. Call Start to begin serving.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:       cfg,
		store:        cfg.Store,
		orchestrator: cfg.Orchestrator,
		logger:       logger,
		metrics:      cfg.Metrics,
	}
}

// Handler builds the full route tree, including middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.config.Registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.config.Registry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	if s.config.FeishuWebhook != nil {
		mux.Handle("/feishu/webhook", s.config.FeishuWebhook)
	}

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/conversations", s.handleConversations)
	api.HandleFunc("/api/v1/conversations/", s.handleConversation)

	mux.Handle("/api/v1/", s.requireAPIKey(api))

	return s.observe(mux)
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	addr := s.config.Addr
	if addr == "" {
		addr = ":8080"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("http server listening", "addr", listener.Addr().String())
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the bound listen address, useful when Addr was ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// requireAPIKey rejects requests whose x-api-key header does not match the
// configured shared secret.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey != "" && r.Header.Get("x-api-key") != s.config.APIKey {
			s.jsonError(w, "invalid or missing api key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for the request metric.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		if s.metrics != nil {
			s.metrics.HTTPRequestDuration.
				WithLabelValues(r.Method, routeLabel(r.URL.Path), strconv.Itoa(rec.status)).
				Observe(time.Since(start).Seconds())
		}
	})
}

// routeLabel collapses per-resource paths so the metric cardinality stays
// bounded.
func routeLabel(path string) string {
	const prefix = "/api/v1/conversations/"
	if len(path) > len(prefix) && path[:len(prefix)] == prefix {
		rest := path[len(prefix):]
		for i := 0; i < len(rest); i++ {
			if rest[i] == '/' {
				return prefix + ":id" + rest[i:]
			}
		}
		return prefix + ":id"
	}
	return path
}
