package db

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/contentops/internal/models"
)

type chunkRow struct {
	ContentType string    `json:"content_type"`
	Name        string    `json:"name"`
	Position    int       `json:"position"`
	HeadingPath *string   `json:"heading_path,omitempty"`
	Title       *string   `json:"title,omitempty"`
	SourceURL   *string   `json:"source_url,omitempty"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
	Score       float64   `json:"score"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func chunkContent(entry string, ch models.Chunk) map[string]any {
	m := map[string]any{
		"entry":        entry,
		"content_type": string(ch.ContentType),
		"name":         ch.Name,
		"position":     ch.Position,
		"content":      ch.Content,
		"embedding":    ch.Embedding,
	}
	if ch.HeadingPath != "" {
		m["heading_path"] = ch.HeadingPath
	}
	if ch.Title != "" {
		m["title"] = ch.Title
	}
	if ch.SourceURL != "" {
		m["source_url"] = ch.SourceURL
	}
	if !ch.CreatedAt.IsZero() {
		m["created_at"] = ch.CreatedAt.UTC()
	}
	return m
}

// ReplaceChunks swaps every chunk of an entry for the given set in one
// transaction, so searches never see a half-vectorized entry.
func (c *Client) ReplaceChunks(ctx context.Context, key models.Key, chunks []models.Chunk) error {
	rows := make([]map[string]any, len(chunks))
	for i, ch := range chunks {
		rows[i] = chunkContent(recordID(key), ch)
	}

	sql := `
		BEGIN TRANSACTION;
		DELETE content_chunk WHERE entry = $entry;
	`
	if len(rows) > 0 {
		sql += `INSERT INTO content_chunk $rows RETURN NONE;`
	}
	sql += `
		COMMIT TRANSACTION;
	`

	_, err := surrealdb.Query[any](ctx, c.db, sql, map[string]any{
		"entry": recordID(key),
		"rows":  rows,
	})
	if err != nil {
		return fmt.Errorf("replace chunks: %w", wrapQueryError(err))
	}
	return nil
}

// DeleteChunks removes every chunk of an entry. Returns the number removed.
func (c *Client) DeleteChunks(ctx context.Context, key models.Key) (int, error) {
	results, err := surrealdb.Query[[]chunkRow](ctx, c.db, `
		DELETE content_chunk WHERE entry = $entry RETURN BEFORE
	`, map[string]any{"entry": recordID(key)})
	if err != nil {
		return 0, fmt.Errorf("delete chunks: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return 0, nil
	}
	return len((*results)[0].Result), nil
}

// SearchChunks returns the chunks nearest to embedding.
// HNSW with ef=40; the candidate pool is twice the limit before filtering.
func (c *Client) SearchChunks(ctx context.Context, embedding []float32, limit int, types []models.ContentType) ([]models.ChunkMatch, error) {
	if limit <= 0 {
		limit = 10
	}

	typeClause := ""
	vars := map[string]any{
		"emb":   embedding,
		"limit": limit,
	}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, ct := range types {
			names[i] = string(ct)
		}
		typeClause = "AND content_type IN $types"
		vars["types"] = names
	}

	sql := fmt.Sprintf(`
		SELECT content_type, name, position, heading_path, title, source_url, content, created_at,
			vector::similarity::cosine(embedding, $emb) AS score
		FROM content_chunk
		WHERE embedding <|%d,40|> $emb %s
		ORDER BY score DESC
		LIMIT $limit
	`, limit*2, typeClause)

	results, err := surrealdb.Query[[]chunkRow](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return []models.ChunkMatch{}, nil
	}

	rows := (*results)[0].Result
	out := make([]models.ChunkMatch, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.ChunkMatch{
			Chunk: models.Chunk{
				ContentType: models.ContentType(r.ContentType),
				Name:        r.Name,
				Position:    r.Position,
				HeadingPath: deref(r.HeadingPath),
				Title:       deref(r.Title),
				SourceURL:   deref(r.SourceURL),
				Content:     r.Content,
				CreatedAt:   r.CreatedAt,
			},
			Score: r.Score,
		})
	}
	return out, nil
}
