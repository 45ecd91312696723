// Package vectorize turns processed artifacts into embedded chunks and
// answers similarity queries over them.
package vectorize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/raphaelgruber/contentops/internal/models"
	"github.com/raphaelgruber/contentops/internal/parser"
	"github.com/raphaelgruber/contentops/internal/pipeline"
	"github.com/raphaelgruber/contentops/internal/storage"
)

// embedBatchSize bounds texts per embedding request.
const embedBatchSize = 64

// Embedder produces vectors for texts.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkStore persists the chunks of each entry and searches them.
type ChunkStore interface {
	// ReplaceChunks atomically swaps every chunk of key for chunks.
	ReplaceChunks(ctx context.Context, key models.Key, chunks []models.Chunk) error
	DeleteChunks(ctx context.Context, key models.Key) (int, error)
	SearchChunks(ctx context.Context, embedding []float32, limit int, types []models.ContentType) ([]models.ChunkMatch, error)
}

// Task is the vectorize stage task.
type Task struct {
	objects  storage.Store
	chunks   ChunkStore
	embedder Embedder
	config   parser.ChunkConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewTask creates a vectorize task.
func NewTask(objects storage.Store, chunks ChunkStore, embedder Embedder, config parser.ChunkConfig, logger *slog.Logger) *Task {
	if logger == nil {
		logger = slog.Default()
	}
	return &Task{
		objects:  objects,
		chunks:   chunks,
		embedder: embedder,
		config:   config,
		now:      time.Now,
		logger:   logger,
	}
}

var _ pipeline.Task = (*Task)(nil)

// Run chunks and embeds the processed artifact of entry.
func (t *Task) Run(ctx context.Context, entry *models.ContentEntry) (*pipeline.TaskResult, error) {
	key := entry.Key()
	objectKey, err := t.artifactKey(ctx, entry)
	if err != nil {
		return nil, err
	}

	data, err := t.objects.Get(ctx, objectKey)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", objectKey, err)
	}
	doc, err := parser.ParseMarkdown(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", objectKey, err)
	}

	pieces := parser.ChunkMarkdown(doc, t.config)
	if len(pieces) == 0 {
		return nil, fmt.Errorf("artifact %s has no content", objectKey)
	}

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Content
	}
	vectors, err := t.embed(ctx, texts)
	if err != nil {
		return nil, err
	}

	sourceURL := doc.GetFrontmatterString("source_url")
	if sourceURL == "" && !entry.DirectUpload() {
		sourceURL = *entry.SourceURL
	}
	now := t.now().UTC()
	chunks := make([]models.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = models.Chunk{
			ContentType: entry.ContentType,
			Name:        entry.Name,
			Position:    p.Position,
			HeadingPath: p.HeadingPath,
			Title:       doc.Title,
			SourceURL:   sourceURL,
			Content:     p.Content,
			Embedding:   vectors[i],
			CreatedAt:   now,
		}
	}

	if err := t.chunks.ReplaceChunks(ctx, key, chunks); err != nil {
		return nil, fmt.Errorf("store chunks: %w", err)
	}
	t.logger.Info("vectorized", "content_type", entry.ContentType, "name", entry.Name, "chunks", len(chunks))
	return &pipeline.TaskResult{ChunkCount: len(chunks)}, nil
}

// artifactKey resolves the processed artifact of entry: the recorded
// bucket location, or the newest artifact in the bucket.
func (t *Task) artifactKey(ctx context.Context, entry *models.ContentEntry) (string, error) {
	if entry.BucketLocation != "" {
		return storage.KeyFromURL(entry.BucketLocation), nil
	}
	objects, err := t.objects.List(ctx, storage.ProcessedPrefix(entry.ContentType))
	if err != nil {
		return "", fmt.Errorf("list artifacts: %w", err)
	}
	objects = slices.DeleteFunc(objects, func(o string) bool {
		return !storage.IsProcessedFor(o, entry.Key())
	})
	if len(objects) == 0 {
		return "", fmt.Errorf("no processed artifact for %s: %w", entry.Key(), storage.ErrNotFound)
	}
	// Keys embed the date, so the lexical maximum is the newest.
	return slices.Max(objects), nil
}

func (t *Task) embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for batch := range slices.Chunk(texts, embedBatchSize) {
		out, err := t.embedder.EmbedBatch(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("embed chunks: %w", err)
		}
		vectors = append(vectors, out...)
	}
	return vectors, nil
}

// ErrEmptyQuery is returned for a blank search query.
var ErrEmptyQuery = errors.New("empty query")

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
)

// Searcher answers semantic queries over stored chunks.
type Searcher struct {
	chunks   ChunkStore
	embedder Embedder
}

// NewSearcher creates a searcher.
func NewSearcher(chunks ChunkStore, embedder Embedder) *Searcher {
	return &Searcher{chunks: chunks, embedder: embedder}
}

// Search returns the chunks nearest to query, best first.
func (s *Searcher) Search(ctx context.Context, query string, limit int, types []models.ContentType) ([]models.ChunkMatch, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	limit = min(limit, maxSearchLimit)

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := s.chunks.SearchChunks(ctx, embedding, limit, types)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	for i := range matches {
		matches[i].Embedding = nil
	}
	return matches, nil
}
