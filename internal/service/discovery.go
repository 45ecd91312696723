package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/contentops/internal/ledger"
	"github.com/raphaelgruber/contentops/internal/models"
	"github.com/raphaelgruber/contentops/internal/pipeline"
	"github.com/raphaelgruber/contentops/internal/storage"
)

// UploadDiscoverer registers raw objects uploaded straight to the bucket as
// staged entries without a source URL.
type UploadDiscoverer struct {
	ledger  *ledger.Ledger
	objects storage.Store
	logger  *slog.Logger
}

var _ pipeline.Discoverer = (*UploadDiscoverer)(nil)

// NewUploadDiscoverer creates a discoverer.
func NewUploadDiscoverer(l *ledger.Ledger, objects storage.Store, logger *slog.Logger) *UploadDiscoverer {
	return &UploadDiscoverer{ledger: l, objects: objects, logger: logger}
}

// Discover lists raw/<type>/ for each type (all types when empty) and
// creates an entry for every object the ledger does not know.
func (d *UploadDiscoverer) Discover(ctx context.Context, types []models.ContentType) (int, error) {
	if len(types) == 0 {
		types = models.ContentTypes
	}

	created := 0
	for _, ct := range types {
		objects, err := d.objects.List(ctx, storage.RawPrefix(ct))
		if err != nil {
			return created, fmt.Errorf("list %s: %w", storage.RawPrefix(ct), err)
		}
		for _, obj := range objects {
			key, ok := storage.ParseRawKey(obj)
			if !ok || key.Validate() != nil {
				d.logger.Debug("ignoring raw object", "key", obj)
				continue
			}
			_, err := d.ledger.Get(ctx, key)
			if err == nil {
				continue
			}
			if !errors.Is(err, ledger.ErrNotFound) {
				return created, err
			}

			e := models.NewContentEntry(key.ContentType, key.Name, nil, d.ledger.Now())
			if err := d.ledger.Put(ctx, e); err != nil {
				if errors.Is(err, ledger.ErrAlreadyExists) {
					continue
				}
				return created, err
			}
			created++
			d.logger.Info("direct upload registered", "content_type", key.ContentType, "name", key.Name)
		}
	}
	return created, nil
}
