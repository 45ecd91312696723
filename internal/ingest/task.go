package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/raphaelgruber/contentops/internal/models"
	"github.com/raphaelgruber/contentops/internal/parser"
	"github.com/raphaelgruber/contentops/internal/pipeline"
	"github.com/raphaelgruber/contentops/internal/storage"
)

// Task is the ingest stage task. It archives the raw source, renders it to
// markdown and stores the processed artifact under today's date.
type Task struct {
	store    storage.Store
	bucket   string
	fetchers Fetchers
	now      func() time.Time
	logger   *slog.Logger
}

// TaskOption configures a Task.
type TaskOption func(*Task)

// WithFetchers replaces the default fetchers.
func WithFetchers(f Fetchers) TaskOption {
	return func(t *Task) { t.fetchers = f }
}

// WithClock overrides the time source used for artifact dates.
func WithClock(now func() time.Time) TaskOption {
	return func(t *Task) { t.now = now }
}

// NewTask creates an ingest task writing to store. bucket is only used to
// render bucket URLs.
func NewTask(store storage.Store, bucket string, logger *slog.Logger, opts ...TaskOption) *Task {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Task{
		store:  store,
		bucket: bucket,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.fetchers == nil {
		t.fetchers = DefaultFetchers(http.DefaultClient, logger)
	}
	return t
}

var _ pipeline.Task = (*Task)(nil)

// Run ingests one claimed entry.
func (t *Task) Run(ctx context.Context, entry *models.ContentEntry) (*pipeline.TaskResult, error) {
	fetcher, ok := t.fetchers[entry.ContentType]
	if !ok {
		return nil, fmt.Errorf("%w: no fetcher for %s", ErrUnsupported, entry.ContentType)
	}
	key := entry.Key()
	log := t.logger.With("content_type", entry.ContentType, "name", entry.Name)

	raw, err := t.loadRaw(ctx, fetcher, entry)
	if err != nil {
		return nil, err
	}

	doc, err := fetcher.Convert(ctx, entry.Name, raw)
	if err != nil {
		return nil, fmt.Errorf("convert: %w", err)
	}
	if strings.TrimSpace(doc.Body) == "" {
		return nil, fmt.Errorf("convert: %s produced no content", key)
	}

	now := t.now().UTC()
	meta := map[string]any{
		"name":         entry.Name,
		"content_type": string(entry.ContentType),
		"ingested_at":  models.DateOf(now).String(),
	}
	if doc.Title != "" {
		meta["title"] = doc.Title
	}
	if !entry.DirectUpload() {
		meta["source_url"] = *entry.SourceURL
	}
	for k, v := range doc.Meta {
		if _, taken := meta[k]; !taken {
			meta[k] = v
		}
	}
	artifact, err := parser.RenderMarkdown(meta, doc.Body)
	if err != nil {
		return nil, err
	}

	objectKey := storage.ProcessedKey(key, now)
	if err := t.store.Put(ctx, objectKey, []byte(artifact), "text/markdown; charset=utf-8"); err != nil {
		return nil, fmt.Errorf("store processed artifact: %w", err)
	}
	t.pruneArtifacts(ctx, key, objectKey, log)

	log.Info("ingested", "object", objectKey, "bytes", len(artifact))
	return &pipeline.TaskResult{BucketLocation: storage.URL(t.bucket, objectKey)}, nil
}

// loadRaw fetches the source and archives it, or reads the raw object back
// for direct uploads.
func (t *Task) loadRaw(ctx context.Context, fetcher Fetcher, entry *models.ContentEntry) (*Raw, error) {
	rawKey := storage.RawKey(entry.Key())
	if entry.DirectUpload() {
		data, err := t.store.Get(ctx, rawKey)
		if err != nil {
			return nil, fmt.Errorf("read raw object %s: %w", rawKey, err)
		}
		return &Raw{Data: data}, nil
	}

	raw, err := fetcher.Fetch(ctx, *entry.SourceURL)
	if err != nil {
		return nil, err
	}
	contentType := raw.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := t.store.Put(ctx, rawKey, raw.Data, contentType); err != nil {
		return nil, fmt.Errorf("store raw object: %w", err)
	}
	return raw, nil
}

// pruneArtifacts removes processed artifacts of key from earlier days.
func (t *Task) pruneArtifacts(ctx context.Context, key models.Key, keep string, log *slog.Logger) {
	objects, err := t.store.List(ctx, storage.ProcessedPrefix(key.ContentType))
	if err != nil {
		log.Warn("list processed artifacts", "error", err)
		return
	}
	for _, obj := range objects {
		if obj == keep || !storage.IsProcessedFor(obj, key) {
			continue
		}
		if err := t.store.Delete(ctx, obj); err != nil {
			log.Warn("delete old artifact", "object", obj, "error", err)
		}
	}
}
