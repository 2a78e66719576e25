// Package api exposes the scan engine over HTTP: starting scans, polling
// session progress, and discarding sessions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/nanisaisampath/brr-demo-new-ui-2025/internal/config"
	"github.com/nanisaisampath/brr-demo-new-ui-2025/internal/domain/scanning"
	"github.com/nanisaisampath/brr-demo-new-ui-2025/pkg/common/logger"
	"github.com/nanisaisampath/brr-demo-new-ui-2025/pkg/common/otel"
)

// ScanStarter launches a new scan session for a remote folder.
type ScanStarter interface {
	StartScan(ctx context.Context, folder string) (scanning.ProgressRecord, error)
}

type Server struct {
	cfg      config.WebConfig
	logger   *logger.Logger
	router   *chi.Mux
	starter  ScanStarter
	progress scanning.ProgressStore
	tracer   trace.Tracer
}

func NewServer(cfg config.WebConfig, starter ScanStarter, progress scanning.ProgressStore, log *logger.Logger, tracer trace.Tracer) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otel.Middleware(tracer))
	r.Use(loggerMiddleware(log))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:      cfg,
		logger:   log,
		router:   r,
		starter:  starter,
		progress: progress,
		tracer:   tracer,
	}

	s.routes()
	return s
}

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Info(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)

		r.Post("/scans", s.handleStartScan)
		r.Get("/scans/{id}", s.handleGetScan)
		r.Delete("/scans/{id}", s.handleDeleteScan)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Folder string `json:"folder"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.starter.StartScan(r.Context(), req.Folder)
	if err != nil {
		var cfgErr *scanning.ConfigurationError
		if errors.As(err, &cfgErr) {
			s.respondError(w, r, http.StatusBadRequest, cfgErr.Error())
			return
		}
		s.logger.Error(r.Context(), "Failed to start scan", "error", err)
		s.respondError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	s.respondJSON(w, r, http.StatusAccepted, rec)
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := scanning.ValidateSessionID(sessionID); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// Progress is a live resource; intermediaries must never serve a cached
	// snapshot to a poller.
	w.Header().Set("Cache-Control", "no-store")

	rec, err := s.progress.Get(sessionID)
	if errors.Is(err, scanning.ErrSessionNotFound) {
		// An unknown or expired session is reported as idle so pollers can
		// treat eviction and completion-plus-cleanup uniformly.
		s.respondJSON(w, r, http.StatusOK, scanning.ProgressRecord{
			SessionID: sessionID,
			Stage:     scanning.StageIdle,
			Message:   "No scan in progress",
		})
		return
	}
	if err != nil {
		s.logger.Error(r.Context(), "Failed to fetch progress", "session_id", sessionID, "error", err)
		s.respondError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	s.respondJSON(w, r, http.StatusOK, rec)
}

func (s *Server) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := scanning.ValidateSessionID(sessionID); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	s.progress.Clear(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) respondJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(r.Context(), "Failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.respondJSON(w, r, status, map[string]string{"error": msg})
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		ErrorLog:     logger.NewStdLogger(s.logger, logger.LevelError),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "Failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "Starting server", "addr", server.Addr)
	return server.ListenAndServe()
}
