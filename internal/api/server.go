// Package api exposes the HTTP intake for scan requests along with health,
// metrics and audit lookups.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dharsanguruparan/VaultScan/internal/clamd"
	"github.com/dharsanguruparan/VaultScan/internal/config"
	"github.com/dharsanguruparan/VaultScan/internal/metrics"
	"github.com/dharsanguruparan/VaultScan/internal/queue"
	"github.com/dharsanguruparan/VaultScan/internal/repository"
	"github.com/dharsanguruparan/VaultScan/internal/validation"
)

const (
	defaultMaxBodyBytes = 1 << 20
	defaultRecentLimit  = 20
	maxRecentLimit      = 200
	shutdownTimeout     = 5 * time.Second
)

// Readiness reports the scanner state; implemented by *clamd.Scanner.
type Readiness interface {
	State() clamd.State
}

// Results looks up audit rows; implemented by *repository.ScanRepository.
type Results interface {
	Get(ctx context.Context, id string) (*repository.ScanResult, error)
	Recent(ctx context.Context, url string, limit int) ([]repository.ScanResult, error)
}

// Options configures a Server. Enqueuer and Results are optional; the routes
// that need them are not mounted when they are nil.
type Options struct {
	Address      string
	Enqueuer     queue.Enqueuer
	Scanner      Readiness
	Results      Results
	UploadTypes  map[string]config.UploadType
	MaxRetry     int
	MaxBodyBytes int64
	Metrics      *metrics.Metrics
}

// Server exposes HTTP endpoints for scan intake and service visibility.
type Server struct {
	opts   Options
	logger *slog.Logger
	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(opts Options, logger *slog.Logger) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{opts: opts, logger: logger.With(slog.String("component", "api"))}
}

// Handler builds the router. It is safe to call more than once.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	if s.opts.Metrics != nil {
		r.Use(s.opts.Metrics.Middleware(routePattern))
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	}
	r.Get("/healthz", s.handleHealth)
	if s.opts.Enqueuer != nil {
		r.Post("/scans", s.handleEnqueue)
	}
	if s.opts.Results != nil {
		r.Get("/results", s.handleRecent)
		r.Get("/results/{id}", s.handleResult)
	}
	return r
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.opts.Address,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("api listening", slog.String("addr", s.opts.Address))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Scanner == nil {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	state := s.opts.Scanner.State()
	status := http.StatusOK
	if state != clamd.Ready {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]string{"status": "ok", "clamd": state.String()})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		respondError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	req, err := validation.Decode(raw)
	if err != nil {
		var verr *validation.Error
		if errors.As(err, &verr) {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error(), "field": verr.Field})
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.opts.UploadTypes != nil {
		if _, ok := s.opts.UploadTypes[req.Payload.UploadType]; !ok {
			respondJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error": "unknown upload type " + strconv.Quote(req.Payload.UploadType),
				"field": "payload.uploadType",
			})
			return
		}
	}
	id, err := queue.EnqueueScan(r.Context(), s.opts.Enqueuer, req, s.opts.MaxRetry)
	if err != nil {
		s.logger.Error("enqueue failed", slog.String("url", req.Payload.URL), slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError, "failed to enqueue scan")
		return
	}
	s.logger.Info("scan enqueued",
		slog.String("task_id", id),
		slog.String("url", req.Payload.URL),
		slog.String("upload_type", req.Payload.UploadType))
	respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Results.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusNotFound, "scan result not found")
			return
		}
		s.logger.Error("load scan result", slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError, "failed to load scan result")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentLimit)
	}
	results, err := s.opts.Results.Recent(r.Context(), r.URL.Query().Get("url"), limit)
	if err != nil {
		s.logger.Error("list scan results", slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError, "failed to list scan results")
		return
	}
	if results == nil {
		results = []repository.ScanResult{}
	}
	respondJSON(w, http.StatusOK, results)
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Warn("encode response", slog.String("error", err.Error()))
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}
