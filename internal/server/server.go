// Package server exposes the content operations and pipeline runs over a
// JSON REST API with a websocket run stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/contentops/internal/ledger"
	"github.com/raphaelgruber/contentops/internal/metrics"
	"github.com/raphaelgruber/contentops/internal/models"
	"github.com/raphaelgruber/contentops/internal/service"
	"github.com/raphaelgruber/contentops/internal/storage"
	"github.com/raphaelgruber/contentops/internal/vectorize"
)

const (
	maxBodySize     = 1 << 20
	maxSeedBodySize = 8 << 20
)

// Searcher answers semantic queries over vectorized chunks.
type Searcher interface {
	Search(ctx context.Context, query string, limit int, types []models.ContentType) ([]models.ChunkMatch, error)
}

// Config wires a Server.
type Config struct {
	Content  *service.ContentService
	Runs     *service.RunManager
	Searcher Searcher
	Metrics  *metrics.Collector
	// APIToken is the bearer token clients must present unless LocalMode is set.
	APIToken  string
	LocalMode bool
	Logger    *slog.Logger
}

// Server routes API requests to the services.
type Server struct {
	content  *service.ContentService
	runs     *service.RunManager
	searcher Searcher
	metrics  *metrics.Collector
	token    string
	local    bool
	logger   *slog.Logger
	upgrader websocket.Upgrader
	handler  http.Handler
}

// New creates a server and registers its routes.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		content:  cfg.Content,
		runs:     cfg.Runs,
		searcher: cfg.Searcher,
		metrics:  cfg.Metrics,
		token:    cfg.APIToken,
		local:    cfg.LocalMode,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	mux.HandleFunc("POST /api/content", s.handleAdd)
	mux.HandleFunc("GET /api/content", s.handleList)
	mux.HandleFunc("GET /api/content/summary", s.handleSummary)
	mux.HandleFunc("POST /api/content/seed", s.handleSeed)
	mux.HandleFunc("POST /api/content/ingest", s.handleTrigger(service.RunIngest))
	mux.HandleFunc("POST /api/content/vectorize", s.handleTrigger(service.RunVectorize))
	mux.HandleFunc("POST /api/content/process", s.handleTrigger(service.RunProcess))
	mux.HandleFunc("POST /api/content/sweep", s.handleTrigger(service.RunSweep))
	mux.HandleFunc("GET /api/content/{type}/{name}", s.handleStatus)
	mux.HandleFunc("PUT /api/content/{type}/{name}", s.handleUpdate)
	mux.HandleFunc("DELETE /api/content/{type}/{name}", s.handleRemove)
	mux.HandleFunc("POST /api/content/{type}/{name}/reset", s.handleReset)
	mux.HandleFunc("POST /api/content/{type}/{name}/archive", s.handleArchive(true))
	mux.HandleFunc("POST /api/content/{type}/{name}/unarchive", s.handleArchive(false))

	mux.HandleFunc("POST /api/search", s.handleSearch)

	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{id}/stream", s.handleStreamRun)

	s.handler = LoggingMiddleware(logger, s.metrics)(AuthMiddleware(s.token, s.local)(mux))
	return s
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// HTTPServer builds an http.Server for addr. The write timeout is left open
// so synchronous runs and websocket streams are not cut off.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		writeJSON(w, http.StatusOK, metrics.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// errorStatus maps sentinel errors to HTTP status codes.
func errorStatus(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, service.ErrRunNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyExists),
		errors.Is(err, ledger.ErrInFlight),
		errors.Is(err, ledger.ErrVersionConflict),
		errors.Is(err, ledger.ErrAlreadyClaimed),
		errors.Is(err, service.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalid),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, vectorize.ErrEmptyQuery):
		return http.StatusBadRequest
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, service.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return err
		}
		return fmt.Errorf("%w: decode body: %v", service.ErrInvalid, err)
	}
	return nil
}

// pathKey builds the entry key from the {type} and {name} path values.
func pathKey(r *http.Request) (models.Key, error) {
	ct, err := models.ParseContentType(r.PathValue("type"))
	if err != nil {
		return models.Key{}, fmt.Errorf("%w: %v", service.ErrInvalid, err)
	}
	key := models.NewKey(ct, r.PathValue("name"))
	if err := key.Validate(); err != nil {
		return models.Key{}, fmt.Errorf("%w: %v", service.ErrInvalid, err)
	}
	return key, nil
}

// listParam collects a query parameter given repeatedly or comma-separated.
func listParam(r *http.Request, name string) []string {
	var out []string
	for _, v := range r.URL.Query()[name] {
		for part := range strings.SplitSeq(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseContentTypes(values []string) ([]models.ContentType, error) {
	types, err := models.ParseContentTypes(values)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", service.ErrInvalid, err)
	}
	return types, nil
}
