package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/raphaelgruber/contentops/internal/ledger"
	"github.com/raphaelgruber/contentops/internal/models"
	"github.com/raphaelgruber/contentops/internal/storage"
)

// ErrInvalid marks a request that fails validation.
var ErrInvalid = errors.New("invalid request")

// ChunkDeleter removes the vectorized chunks of an entry.
type ChunkDeleter interface {
	DeleteChunks(ctx context.Context, key models.Key) (int, error)
}

// ContentService implements the operator operations on ledger entries.
type ContentService struct {
	ledger        *ledger.Ledger
	objects       storage.Store
	chunks        ChunkDeleter
	runs          *RunManager
	thresholdDays int
	logger        *slog.Logger
}

// NewContentService creates a content service. runs may be nil, in which
// case Add never triggers processing.
func NewContentService(l *ledger.Ledger, objects storage.Store, chunks ChunkDeleter, runs *RunManager, thresholdDays int, logger *slog.Logger) *ContentService {
	return &ContentService{
		ledger:        l,
		objects:       objects,
		chunks:        chunks,
		runs:          runs,
		thresholdDays: thresholdDays,
		logger:        logger,
	}
}

// AddRequest registers a content entry.
type AddRequest struct {
	ContentType models.ContentType `json:"content_type" yaml:"content_type"`
	// Name defaults to the last path segment of the source URL.
	Name      string `json:"name,omitempty" yaml:"name"`
	SourceURL string `json:"content_url,omitempty" yaml:"content_url"`
	Archive   bool   `json:"archive,omitempty" yaml:"archive"`
	// Process starts an ingest and vectorize run for the new entry.
	Process bool `json:"process,omitempty" yaml:"-"`
}

// AddResult is the registered entry plus the run started for it, if any.
type AddResult struct {
	Entry *models.ContentEntry `json:"entry"`
	RunID string               `json:"run_id,omitempty"`
}

// UpdateRequest changes the source of an entry or re-stages it.
type UpdateRequest struct {
	SourceURL *string `json:"content_url,omitempty"`
	Restage   bool    `json:"restage,omitempty"`
}

// ListOptions filter List.
type ListOptions struct {
	Statuses     []models.Status
	ContentTypes []models.ContentType
	Archived     *bool
}

// RemoveResult reports what Remove deleted.
type RemoveResult struct {
	Entry          *models.ContentEntry `json:"entry"`
	ObjectsDeleted int                  `json:"objects_deleted"`
	ChunksDeleted  int                  `json:"chunks_deleted"`
}

func (r AddRequest) entry(now time.Time) (*models.ContentEntry, error) {
	ct, err := models.ParseContentType(string(r.ContentType))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var source *string
	name := strings.TrimSpace(r.Name)
	if u := strings.TrimSpace(r.SourceURL); u != "" {
		if err := validateSourceURL(u); err != nil {
			return nil, err
		}
		source = &u
		if name == "" {
			if name, err = models.NameFromURL(u); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
			}
		}
	}
	if name == "" {
		return nil, fmt.Errorf("%w: name or content_url is required", ErrInvalid)
	}
	if err := models.NewKey(ct, name).Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	e := models.NewContentEntry(ct, name, source, now)
	e.Archive = r.Archive
	return e, nil
}

func validateSourceURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: content_url: %v", ErrInvalid, err)
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return fmt.Errorf("%w: content_url %q has no host", ErrInvalid, raw)
		}
	case "file", "ssh", "git":
	default:
		return fmt.Errorf("%w: content_url %q must be an http(s), git, ssh or file URL", ErrInvalid, raw)
	}
	return nil
}

// Add registers a new staged entry.
func (s *ContentService) Add(ctx context.Context, req AddRequest) (*AddResult, error) {
	e, err := req.entry(s.ledger.Now())
	if err != nil {
		return nil, err
	}
	if err := s.ledger.Put(ctx, e); err != nil {
		return nil, err
	}
	s.logger.Info("content added", "content_type", e.ContentType, "name", e.Name, "direct_upload", e.DirectUpload())

	res := &AddResult{Entry: e}
	if req.Process && !e.Archive && s.runs != nil {
		run, err := s.runs.Start(RunProcess, RunRequest{
			ContentTypes: []models.ContentType{e.ContentType},
			Keys:         []models.Key{e.Key()},
		})
		switch {
		case err == nil:
			res.RunID = run.ID
		case errors.Is(err, ErrRunInProgress):
			// The active run or the next one picks the entry up.
			s.logger.Info("processing deferred", "name", e.Name, "reason", err)
		default:
			return nil, err
		}
	}
	return res, nil
}

// Update sets a new source URL and re-stages the entry when the source
// changed or Restage is set. In-flight entries are rejected.
func (s *ContentService) Update(ctx context.Context, key models.Key, req UpdateRequest) (*models.ContentEntry, error) {
	var source *string
	if req.SourceURL != nil {
		u := strings.TrimSpace(*req.SourceURL)
		if u != "" {
			if err := validateSourceURL(u); err != nil {
				return nil, err
			}
		}
		source = &u
	}

	e, err := s.ledger.Mutate(ctx, key, func(e *models.ContentEntry) error {
		if err := rejectInFlight(e); err != nil {
			return err
		}
		restage := req.Restage
		if source != nil {
			current := ""
			if e.SourceURL != nil {
				current = *e.SourceURL
			}
			if *source != current {
				restage = true
				if *source == "" {
					e.SourceURL = nil
				} else {
					v := *source
					e.SourceURL = &v
				}
			}
		}
		if restage {
			restageEntry(e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("content updated", "content_type", e.ContentType, "name", e.Name, "status", e.Status)
	return e, nil
}

func restageEntry(e *models.ContentEntry) {
	e.Status = models.StatusStaged
	e.RetryCount = 0
	e.FailureReason = nil
	e.PreviousStatus = ""
	e.ClaimID = ""
}

// Remove deletes the entry, then its raw object, processed artifacts and
// chunks. In-flight entries are rejected. The ledger row goes first so no
// worker can claim the entry while its artifacts are being deleted.
func (s *ContentService) Remove(ctx context.Context, key models.Key) (*RemoveResult, error) {
	e, err := s.ledger.Remove(ctx, key, rejectInFlight)
	if err != nil {
		return nil, err
	}

	res := &RemoveResult{Entry: e}
	if err := s.removeArtifacts(ctx, key, res); err != nil {
		s.logger.Error("content removed with artifacts left behind",
			"content_type", key.ContentType, "name", key.Name, "error", err)
		return nil, fmt.Errorf("%s removed from the ledger: %w", key, err)
	}
	s.logger.Info("content removed", "content_type", key.ContentType, "name", key.Name,
		"objects", res.ObjectsDeleted, "chunks", res.ChunksDeleted)
	return res, nil
}

func rejectInFlight(e *models.ContentEntry) error {
	if e.InFlight() {
		return fmt.Errorf("%w: %s is %s", ledger.ErrInFlight, e.Key(), e.Status)
	}
	return nil
}

func (s *ContentService) removeArtifacts(ctx context.Context, key models.Key, res *RemoveResult) error {
	objects, err := s.objects.List(ctx, storage.ProcessedPrefix(key.ContentType))
	if err != nil {
		return fmt.Errorf("list artifacts: %w", err)
	}
	doomed := []string{storage.RawKey(key)}
	for _, obj := range objects {
		if storage.IsProcessedFor(obj, key) {
			doomed = append(doomed, obj)
		}
	}
	for _, obj := range doomed {
		if err := s.objects.Delete(ctx, obj); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete %s: %w", obj, err)
		}
		res.ObjectsDeleted++
	}

	if s.chunks != nil {
		n, err := s.chunks.DeleteChunks(ctx, key)
		if err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		res.ChunksDeleted = n
	}
	return nil
}

// Status returns one entry.
func (s *ContentService) Status(ctx context.Context, key models.Key) (*models.ContentEntry, error) {
	return s.ledger.Get(ctx, key)
}

// List returns entries matching opts ordered by type and name.
func (s *ContentService) List(ctx context.Context, opts ListOptions) ([]*models.ContentEntry, error) {
	entries, err := s.ledger.Query(ctx, ledger.Filter{
		Statuses:     opts.Statuses,
		ContentTypes: opts.ContentTypes,
		Archived:     opts.Archived,
	})
	if err != nil {
		return nil, err
	}
	ledger.SortEntries(entries)
	return entries, nil
}

// Summary aggregates the ledger with the configured staleness threshold.
func (s *ContentService) Summary(ctx context.Context) (*models.LedgerSummary, error) {
	return s.ledger.Summary(ctx, time.Duration(s.thresholdDays)*24*time.Hour)
}

// Reset moves a failed entry back to staged with a fresh retry budget.
func (s *ContentService) Reset(ctx context.Context, key models.Key) (*models.ContentEntry, error) {
	e, err := s.ledger.Mutate(ctx, key, func(e *models.ContentEntry) error {
		if err := models.Transition(e.Status, models.StatusStaged); err != nil {
			return fmt.Errorf("reset %s: %w", key, err)
		}
		restageEntry(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("content reset", "content_type", e.ContentType, "name", e.Name)
	return e, nil
}

// SetArchived archives or unarchives an entry. Archived entries are never
// selected or claimed. In-flight entries are rejected.
func (s *ContentService) SetArchived(ctx context.Context, key models.Key, archived bool) (*models.ContentEntry, error) {
	e, err := s.ledger.Mutate(ctx, key, func(e *models.ContentEntry) error {
		if err := rejectInFlight(e); err != nil {
			return err
		}
		e.Archive = archived
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("content archive flag set", "content_type", e.ContentType, "name", e.Name, "archive", archived)
	return e, nil
}
