// Package server is the HTTP surface: federated and scoped search, record
// writes against the catalog, index maintenance and health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Aman-CERP/vulnsearch/internal/async"
	"github.com/Aman-CERP/vulnsearch/internal/catalog"
	"github.com/Aman-CERP/vulnsearch/internal/document"
	verrors "github.com/Aman-CERP/vulnsearch/internal/errors"
	"github.com/Aman-CERP/vulnsearch/internal/index"
	"github.com/Aman-CERP/vulnsearch/internal/search"
	"github.com/Aman-CERP/vulnsearch/internal/store"
	"github.com/Aman-CERP/vulnsearch/internal/telemetry"
)

// Searcher answers search requests. *search.Federator implements it.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// Records is the authoritative record store. *catalog.Catalog implements it.
type Records interface {
	Put(ctx context.Context, kind document.Kind, record document.Record) (catalog.WriteResult, error)
	Delete(ctx context.Context, kind document.Kind, key string) (catalog.WriteResult, error)
	Get(ctx context.Context, kind document.Kind, key string) (document.Record, error)
}

// Rebuilder rebuilds indices. *index.Maintainer implements it.
type Rebuilder interface {
	RebuildKinds(ctx context.Context, kinds []document.Kind, progress index.ProgressFunc) ([]store.RebuildStats, error)
}

// StatusSource reports index health. *store.Registry implements it.
type StatusSource interface {
	Statuses(ctx context.Context) []store.Status
}

// Config wires a Server. Records, Rebuilder, Metrics and QueryLog are
// optional; their routes answer 501 or are omitted when unset.
type Config struct {
	Searcher  Searcher
	Records   Records
	Rebuilder Rebuilder
	Statuses  StatusSource
	Metrics   *telemetry.Metrics
	QueryLog  *telemetry.QueryLog
	Logger    *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	searcher  Searcher
	records   Records
	rebuilder Rebuilder
	statuses  StatusSource
	metrics   *telemetry.Metrics
	queryLog  *telemetry.QueryLog
	logger    *slog.Logger

	// jobs runs background reindexes; nil without a Rebuilder.
	jobs *async.Runner
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		searcher:  cfg.Searcher,
		records:   cfg.Records,
		rebuilder: cfg.Rebuilder,
		statuses:  cfg.Statuses,
		metrics:   cfg.Metrics,
		queryLog:  cfg.QueryLog,
		logger:    cfg.Logger,
	}
	if cfg.Rebuilder != nil {
		s.jobs = async.NewRunner(cfg.Rebuilder.RebuildKinds, cfg.Logger)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverer)
	r.Use(chimw.RequestID)
	r.Use(s.requestLog)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware())
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/search", s.handleSearch)
	r.Get("/search/{kind}", s.handleSearch)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/reindex", s.handleReindex)
		r.Get("/reindex", s.handleReindexStatus)
		r.Get("/queries", s.handleQueries)
	})

	r.Route("/v1/records/{kind}", func(r chi.Router) {
		r.Post("/", s.handlePutRecord)
		r.Get("/{key}", s.handleGetRecord)
		r.Delete("/{key}", s.handleDeleteRecord)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, verrors.New(verrors.ErrCodeNotFound, "no such route", nil))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, verrors.ValidationError("method not allowed", nil))
	})
	return r
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http_listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close cancels background jobs and waits for them.
func (s *Server) Close() {
	if s.jobs != nil {
		s.jobs.Stop()
	}
}

// errorStatus maps an error to its HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, verrors.ErrUnsupportedKind), errors.Is(err, verrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, verrors.ErrInvalidRecord), errors.Is(err, verrors.ErrMalformedQuery):
		return http.StatusBadRequest
	case verrors.GetCode(err) == verrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.Is(err, verrors.ErrIndexUnavailable), errors.Is(err, verrors.ErrIndexClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// handleError writes err with its mapped status. Errors that are not
// VulnErrors are logged and reported without their text.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	var ve *verrors.VulnError
	if status == http.StatusInternalServerError && !errors.As(err, &ve) {
		s.logger.Error("internal_error",
			slog.String("path", r.URL.Path),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("error", err.Error()))
		err = verrors.InternalError("internal error", nil)
	}
	writeError(w, status, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	body, mErr := verrors.FormatJSON(err)
	if mErr != nil {
		body = []byte(`{"code":"` + verrors.ErrCodeInternal + `","message":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
