package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/raphaelgruber/contentops/internal/metrics"
	"github.com/raphaelgruber/contentops/internal/models"
)

// SearchRequest is the body of POST /api/search.
type SearchRequest struct {
	Query        string   `json:"query"`
	Limit        int      `json:"limit,omitempty"`
	ContentTypes []string `json:"content_types,omitempty"`
}

// SearchResponse lists the nearest chunks.
type SearchResponse struct {
	Query   string              `json:"query"`
	Results []models.ChunkMatch `json:"results"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.searcher == nil {
		s.writeError(w, r, errors.New("search is not configured"))
		return
	}
	var req SearchRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	types, err := parseContentTypes(req.ContentTypes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	start := time.Now()
	results, err := s.searcher.Search(r.Context(), req.Query, req.Limit, types)
	s.metrics.Observe(metrics.OpSearch, start, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if results == nil {
		results = []models.ChunkMatch{}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Query: req.Query, Results: results})
}
