// Package server exposes the resolution engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/swiftmile/featureserve/internal/engine"
	"github.com/swiftmile/featureserve/internal/model"
	"github.com/swiftmile/featureserve/internal/monitoring"
	"github.com/swiftmile/featureserve/internal/registry"
)

// Config controls the HTTP listener.
type Config struct {
	Port           int
	AllowedOrigins []string
}

// Server serves resolution, health, and metrics endpoints.
type Server struct {
	cfg       Config
	engine    *engine.Engine
	reg       *registry.Registry
	collector *monitoring.Collector
	checker   *monitoring.Checker
	http      *http.Server
}

// New builds a server around an assembled engine.
func New(cfg Config, eng *engine.Engine, reg *registry.Registry, collector *monitoring.Collector, checker *monitoring.Checker) *Server {
	s := &Server{
		cfg:       cfg,
		engine:    eng,
		reg:       reg,
		collector: collector,
		checker:   checker,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Post("/v1/resolve", s.handleResolve)
	r.Get("/v1/features", s.handleFeatures)
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("http server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutCtx)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req model.FeatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.EntityID == "" {
		writeError(w, http.StatusBadRequest, "entity_id is required")
		return
	}
	if len(req.Features) == 0 {
		writeError(w, http.StatusBadRequest, "at least one feature is required")
		return
	}

	resp, err := s.engine.Resolve(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	type featureInfo struct {
		Feature      string   `json:"feature"`
		Sources      []string `json:"sources"`
		Dependencies []string `json:"dependencies,omitempty"`
		HasDefault   bool     `json:"has_default"`
	}
	var out []featureInfo
	for _, name := range s.reg.Features() {
		defs, err := s.reg.Lookup(name)
		if err != nil {
			continue
		}
		info := featureInfo{Feature: name, Dependencies: s.reg.Dependencies(name)}
		for _, d := range defs {
			info.Sources = append(info.Sources, d.SourceID)
		}
		if _, ok := s.reg.Default(name); ok {
			info.HasDefault = true
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"features": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	sources := make(map[string]string)
	for id, err := range s.checker.HealthCheck(r.Context()) {
		if err != nil {
			sources[id] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			sources[id] = "ok"
		}
	}
	writeJSON(w, status, map[string]any{
		"status":  http.StatusText(status),
		"sources": sources,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestLogger logs one line per request with latency and status.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	})
}
