// Package server provides the HTTP API over the analyzer façade.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/tiered-ids/internal/config"
	"github.com/invisible-tech/tiered-ids/internal/controller"
	"github.com/invisible-tech/tiered-ids/internal/types"
	"github.com/invisible-tech/tiered-ids/internal/version"
)

// DefaultAlertLimit is the alert list size when no limit is given.
const DefaultAlertLimit = 50

// Server is the HTTP server for the detection API.
type Server struct {
	cfg        config.ControllerConfig
	controller *controller.Controller
	log        *logrus.Logger
	router     chi.Router
	httpServer *http.Server
}

// New creates a new HTTP server that uses the given controller.
func New(cfg config.ControllerConfig, ctrl *controller.Controller, log *logrus.Logger) *Server {
	s := &Server{cfg: cfg, controller: ctrl, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api/v1/ids", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/alerts", s.handleAlerts)
		r.Post("/alerts/clear", s.handleClear)
		r.Post("/analyze", s.handleAnalyze)
		r.Post("/bulk-analyze", s.handleBulkAnalyze)
		r.Post("/test-attack", s.handleTestAttack)
	})
	s.router = r

	s.httpServer = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe starts the HTTP server. It blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.cfg.HTTPAddr).Info("IDS API listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": version.Version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "active",
		"statistics": s.controller.Statistics(),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := DefaultAlertLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: %q", v))
			return
		}
		limit = n
	}
	alerts := s.controller.ListAlerts(types.Filter{
		Type:     q.Get("type"),
		Severity: q.Get("severity"),
		Limit:    limit,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts":        alerts,
		"total":         len(alerts),
		"models_loaded": s.controller.Statistics().ModelsLoaded,
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.ClearAlerts(); err != nil {
		s.log.WithError(err).Error("Failed to clear alerts")
		writeError(w, http.StatusInternalServerError, "failed to clear alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Alerts cleared successfully"})
}

type analyzeRequest struct {
	Type    string `json:"type"`
	LogLine string `json:"log_line"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.LogLine == "" {
		writeError(w, http.StatusBadRequest, "log_line is required")
		return
	}
	domain, ok := parseType(w, req.Type)
	if !ok {
		return
	}
	alert, err := s.controller.Analyze(r.Context(), domain, req.LogLine)
	if err != nil {
		s.writeAnalyzeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alert":    alert,
		"detected": alert != nil,
	})
}

type bulkRequest struct {
	Type string   `json:"type"`
	Logs []string `json:"logs"`
}

func (s *Server) handleBulkAnalyze(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Logs) == 0 {
		writeError(w, http.StatusBadRequest, "logs array is required")
		return
	}
	domain, ok := parseType(w, req.Type)
	if !ok {
		return
	}
	res, err := s.controller.BulkAnalyze(r.Context(), domain, req.Logs)
	if err != nil {
		s.writeAnalyzeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type attackRequest struct {
	AttackType string `json:"attack_type"`
}

func (s *Server) handleTestAttack(w http.ResponseWriter, r *http.Request) {
	var req attackRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if req.AttackType == "" {
		req.AttackType = "sql_injection"
	}
	res, err := s.controller.Simulate(r.Context(), req.AttackType)
	if errors.Is(err, controller.ErrUnknownAttack) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.writeAnalyzeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// parseType maps the request type to a domain; empty means web.
func parseType(w http.ResponseWriter, t string) (types.Domain, bool) {
	if t == "" {
		return types.DomainWeb, true
	}
	d, err := types.ParseDomain(t)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown log type: %s", t))
		return "", false
	}
	return d, true
}

func (s *Server) writeAnalyzeError(w http.ResponseWriter, err error) {
	if errors.Is(err, types.ErrUnknownDomain) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.WithError(err).Error("Analysis failed")
	writeError(w, http.StatusInternalServerError, "analysis failed")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
