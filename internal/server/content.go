package server

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/raphaelgruber/contentops/internal/models"
	"github.com/raphaelgruber/contentops/internal/service"
)

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req service.AddRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.content.Add(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var opts service.ListOptions
	for _, v := range listParam(r, "status") {
		st, err := models.ParseStatus(v)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %v", service.ErrInvalid, err))
			return
		}
		opts.Statuses = append(opts.Statuses, st)
	}
	types, err := parseContentTypes(listParam(r, "content_type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	opts.ContentTypes = types
	if v := r.URL.Query().Get("archived"); v != "" {
		archived, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: archived: %v", service.ErrInvalid, err))
			return
		}
		opts.Archived = &archived
	}

	entries, err := s.content.List(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*models.ContentEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.content.Summary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.content.Status(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req service.UpdateRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.content.Update(r.Context(), key, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.content.Remove(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.content.Reset(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleArchive(archived bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := pathKey(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		e, err := s.content.SetArchived(r.Context(), key, archived)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

// handleSeed accepts the YAML seed document as is, or its JSON equivalent.
func (s *Server) handleSeed(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var file *service.SeedFile
	if strings.Contains(mediaType, "yaml") {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSeedBodySize))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if file, err = service.ParseSeed(data); err != nil {
			s.writeError(w, r, err)
			return
		}
	} else {
		file = &service.SeedFile{}
		if err := decode(w, r, file); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	res, err := s.content.Seed(r.Context(), file)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
