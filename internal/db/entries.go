package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/contentops/internal/ledger"
	"github.com/raphaelgruber/contentops/internal/models"
)

var _ ledger.Store = (*Client)(nil)

// entryRow is the stored shape of a ledger entry. Dates are YYYY-MM-DD
// strings so range filters compare lexicographically.
type entryRow struct {
	Name                  string     `json:"name"`
	ContentType           string     `json:"content_type"`
	SourceURL             *string    `json:"content_url,omitempty"`
	BucketURL             string     `json:"bucket_url"`
	SourceDate            *string    `json:"source_date,omitempty"`
	UpdateDate            *string    `json:"update_date,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`
	Status                string     `json:"processing_status"`
	LastProcessingAttempt *time.Time `json:"last_processing_attempt,omitempty"`
	FailureReason         *string    `json:"failure_reason,omitempty"`
	RetryCount            int        `json:"retry_count"`
	Archive               bool       `json:"archive"`
	ChunkCount            int        `json:"chunk_count"`
	Version               int64      `json:"version"`
	PreviousStatus        *string    `json:"previous_status,omitempty"`
	ClaimID               *string    `json:"claim_id,omitempty"`
}

func recordID(key models.Key) string {
	return key.String()
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optionalDate(d models.Date) *string {
	return optionalString(d.String())
}

// content renders the row as a map without NONE fields: SurrealDB rejects
// NULL for option<T> fields, so absent values are left out entirely.
func content(e *models.ContentEntry, version int64) map[string]any {
	m := map[string]any{
		"name":              e.Name,
		"content_type":      string(e.ContentType),
		"bucket_url":        e.BucketLocation,
		"updated_at":        e.UpdatedAt.UTC(),
		"processing_status": string(e.Status),
		"retry_count":       e.RetryCount,
		"archive":           e.Archive,
		"chunk_count":       e.ChunkCount,
		"version":           version,
	}
	if e.SourceURL != nil {
		m["content_url"] = *e.SourceURL
	}
	if d := optionalDate(e.SourceDate); d != nil {
		m["source_date"] = *d
	}
	if d := optionalDate(e.UpdateDate); d != nil {
		m["update_date"] = *d
	}
	if e.LastProcessingAttempt != nil {
		m["last_processing_attempt"] = e.LastProcessingAttempt.UTC()
	}
	if e.FailureReason != nil {
		m["failure_reason"] = *e.FailureReason
	}
	if e.PreviousStatus != "" {
		m["previous_status"] = string(e.PreviousStatus)
	}
	if e.ClaimID != "" {
		m["claim_id"] = e.ClaimID
	}
	return m
}

func (r entryRow) toEntry() (*models.ContentEntry, error) {
	e := &models.ContentEntry{
		Name:                  r.Name,
		ContentType:           models.ContentType(r.ContentType),
		SourceURL:             r.SourceURL,
		BucketLocation:        r.BucketURL,
		UpdatedAt:             r.UpdatedAt,
		Status:                models.Status(r.Status),
		LastProcessingAttempt: r.LastProcessingAttempt,
		FailureReason:         r.FailureReason,
		RetryCount:            r.RetryCount,
		Archive:               r.Archive,
		ChunkCount:            r.ChunkCount,
		Version:               r.Version,
	}
	var err error
	if r.SourceDate != nil {
		if e.SourceDate, err = models.ParseDate(*r.SourceDate); err != nil {
			return nil, err
		}
	}
	if r.UpdateDate != nil {
		if e.UpdateDate, err = models.ParseDate(*r.UpdateDate); err != nil {
			return nil, err
		}
	}
	if r.PreviousStatus != nil {
		e.PreviousStatus = models.Status(*r.PreviousStatus)
	}
	if r.ClaimID != nil {
		e.ClaimID = *r.ClaimID
	}
	return e, nil
}

func firstRows(results *[]surrealdb.QueryResult[[]entryRow]) []entryRow {
	if results == nil || len(*results) == 0 {
		return nil
	}
	return (*results)[0].Result
}

// Get retrieves a ledger entry by key.
func (c *Client) Get(ctx context.Context, key models.Key) (*models.ContentEntry, error) {
	results, err := surrealdb.Query[[]entryRow](ctx, c.db, `
		SELECT * FROM type::record("content_entry", $id)
	`, map[string]any{"id": recordID(key)})
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", wrapQueryError(err))
	}

	rows := firstRows(results)
	if len(rows) == 0 {
		return nil, ledger.ErrNotFound
	}
	return rows[0].toEntry()
}

// Create inserts a new entry. CREATE fails on an existing record id.
func (c *Client) Create(ctx context.Context, entry *models.ContentEntry) error {
	_, err := surrealdb.Query[[]entryRow](ctx, c.db, `
		CREATE type::record("content_entry", $id) CONTENT $data RETURN NONE
	`, map[string]any{
		"id":   recordID(entry.Key()),
		"data": content(entry, 1),
	})
	if err != nil {
		return fmt.Errorf("create entry: %w", wrapQueryError(err))
	}
	entry.Version = 1
	return nil
}

// Update replaces the entry only when the stored version still matches.
// An empty result means the record is missing or the version moved on.
func (c *Client) Update(ctx context.Context, entry *models.ContentEntry) error {
	next := entry.Version + 1
	results, err := surrealdb.Query[[]entryRow](ctx, c.db, `
		UPDATE type::record("content_entry", $id) CONTENT $data
		WHERE version = $version
		RETURN AFTER
	`, map[string]any{
		"id":      recordID(entry.Key()),
		"data":    content(entry, next),
		"version": entry.Version,
	})
	if err != nil {
		return fmt.Errorf("update entry: %w", wrapQueryError(err))
	}

	if len(firstRows(results)) == 0 {
		if _, err := c.Get(ctx, entry.Key()); err != nil {
			return err
		}
		return ledger.ErrVersionConflict
	}
	entry.Version = next
	return nil
}

// Delete removes the entry only when the stored version still matches.
func (c *Client) Delete(ctx context.Context, key models.Key, version int64) error {
	results, err := surrealdb.Query[[]entryRow](ctx, c.db, `
		DELETE type::record("content_entry", $id)
		WHERE version = $version
		RETURN BEFORE
	`, map[string]any{"id": recordID(key), "version": version})
	if err != nil {
		return fmt.Errorf("delete entry: %w", wrapQueryError(err))
	}
	if len(firstRows(results)) == 0 {
		if _, err := c.Get(ctx, key); err != nil {
			return err
		}
		return ledger.ErrVersionConflict
	}
	return nil
}

// Query pushes the filter down to SurrealQL.
func (c *Client) Query(ctx context.Context, filter ledger.Filter) ([]*models.ContentEntry, error) {
	var clauses []string
	vars := map[string]any{}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		clauses = append(clauses, "processing_status IN $statuses")
		vars["statuses"] = statuses
	}
	if len(filter.ContentTypes) > 0 {
		types := make([]string, len(filter.ContentTypes))
		for i, ct := range filter.ContentTypes {
			types[i] = string(ct)
		}
		clauses = append(clauses, "content_type IN $types")
		vars["types"] = types
	}
	if filter.Archived != nil {
		clauses = append(clauses, "archive = $archived")
		vars["archived"] = *filter.Archived
	}
	if filter.UpdatedBefore != nil {
		clauses = append(clauses, "(update_date IS NONE OR update_date < $updated_before)")
		vars["updated_before"] = models.DateOf(*filter.UpdatedBefore).String()
	}
	if filter.AttemptBefore != nil {
		clauses = append(clauses, "(last_processing_attempt IS NOT NONE AND last_processing_attempt < $attempt_before)")
		vars["attempt_before"] = filter.AttemptBefore.UTC()
	}

	sql := "SELECT * FROM content_entry"
	if len(clauses) > 0 {
		sql += " WHERE " + strings.Join(clauses, " AND ")
	}
	sql += " ORDER BY content_type, name"

	results, err := surrealdb.Query[[]entryRow](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", wrapQueryError(err))
	}

	rows := firstRows(results)
	out := make([]*models.ContentEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEntry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
