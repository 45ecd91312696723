// Package client provides a REST client for the contentops server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/contentops/internal/metrics"
	"github.com/raphaelgruber/contentops/internal/models"
	"github.com/raphaelgruber/contentops/internal/service"
)

// Client is a REST client for the contentops server.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// New creates a new client.
// If endpoint is empty, uses CONTENTOPS_URL or defaults to localhost:8484.
// An empty token falls back to CONTENTOPS_API_TOKEN. The timeout can be
// configured via CONTENTOPS_CLIENT_TIMEOUT (default 10m for synchronous runs).
func New(endpoint, token string) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("CONTENTOPS_URL")
	}
	if endpoint == "" {
		endpoint = "http://localhost:8484"
	}
	if token == "" {
		token = os.Getenv("CONTENTOPS_API_TOKEN")
	}

	timeout := 10 * time.Minute
	if t := os.Getenv("CONTENTOPS_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Endpoint returns the server base URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the server.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	return c.doRaw(ctx, method, path, "application/json", r, result)
}

func (c *Client) doRaw(ctx context.Context, method, path, contentType string, body io.Reader, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func contentPath(key models.Key) string {
	return "/api/content/" + url.PathEscape(string(key.ContentType)) + "/" + url.PathEscape(key.Name)
}

// =============================================================================
// CONTENT
// =============================================================================

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Stats returns the server metrics snapshot.
func (c *Client) Stats(ctx context.Context) (*metrics.Snapshot, error) {
	var out metrics.Snapshot
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Add registers a content entry.
func (c *Client) Add(ctx context.Context, req service.AddRequest) (*service.AddResult, error) {
	var out service.AddResult
	if err := c.do(ctx, http.MethodPost, "/api/content", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update changes the source URL or re-stages an entry.
func (c *Client) Update(ctx context.Context, key models.Key, req service.UpdateRequest) (*models.ContentEntry, error) {
	var out models.ContentEntry
	if err := c.do(ctx, http.MethodPut, contentPath(key), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Remove deletes an entry with its objects and chunks.
func (c *Client) Remove(ctx context.Context, key models.Key) (*service.RemoveResult, error) {
	var out service.RemoveResult
	if err := c.do(ctx, http.MethodDelete, contentPath(key), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns one entry.
func (c *Client) Status(ctx context.Context, key models.Key) (*models.ContentEntry, error) {
	var out models.ContentEntry
	if err := c.do(ctx, http.MethodGet, contentPath(key), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListOptions filter List.
type ListOptions struct {
	Statuses     []string
	ContentTypes []string
	Archived     *bool
}

// List returns ledger entries.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]models.ContentEntry, error) {
	q := url.Values{}
	for _, s := range opts.Statuses {
		q.Add("status", s)
	}
	for _, t := range opts.ContentTypes {
		q.Add("content_type", t)
	}
	if opts.Archived != nil {
		q.Set("archived", fmt.Sprint(*opts.Archived))
	}
	path := "/api/content"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []models.ContentEntry
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Summary returns the ledger aggregate.
func (c *Client) Summary(ctx context.Context) (*models.LedgerSummary, error) {
	var out models.LedgerSummary
	if err := c.do(ctx, http.MethodGet, "/api/content/summary", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reset moves a failed entry back to staged.
func (c *Client) Reset(ctx context.Context, key models.Key) (*models.ContentEntry, error) {
	return c.entryAction(ctx, key, "reset")
}

// Archive excludes an entry from processing.
func (c *Client) Archive(ctx context.Context, key models.Key) (*models.ContentEntry, error) {
	return c.entryAction(ctx, key, "archive")
}

// Unarchive makes an entry eligible for processing again.
func (c *Client) Unarchive(ctx context.Context, key models.Key) (*models.ContentEntry, error) {
	return c.entryAction(ctx, key, "unarchive")
}

func (c *Client) entryAction(ctx context.Context, key models.Key, action string) (*models.ContentEntry, error) {
	var out models.ContentEntry
	if err := c.do(ctx, http.MethodPost, contentPath(key)+"/"+action, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Seed uploads a YAML seed document.
func (c *Client) Seed(ctx context.Context, yamlDoc []byte) (*service.SeedResult, error) {
	var out service.SeedResult
	if err := c.doRaw(ctx, http.MethodPost, "/api/content/seed", "application/yaml", bytes.NewReader(yamlDoc), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// RUNS
// =============================================================================

// RunOptions are the trigger parameters of a run.
type RunOptions struct {
	ContentTypes  []string `json:"content_types,omitempty"`
	ForceRefresh  bool     `json:"force_refresh,omitempty"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
	Wait          bool     `json:"wait,omitempty"`
}

// StartRun triggers an asynchronous run of kind (ingest, vectorize,
// process or sweep) and returns its ID.
func (c *Client) StartRun(ctx context.Context, kind service.RunKind, opts RunOptions) (string, error) {
	opts.Wait = false
	var out struct {
		RunID string `json:"run_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/content/"+string(kind), opts, &out); err != nil {
		return "", err
	}
	return out.RunID, nil
}

// Run triggers a run and waits for its result.
func (c *Client) Run(ctx context.Context, kind service.RunKind, opts RunOptions) (*models.PipelineResult, error) {
	opts.Wait = true
	var out models.PipelineResult
	if err := c.do(ctx, http.MethodPost, "/api/content/"+string(kind), opts, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns returns tracked runs, newest first.
func (c *Client) ListRuns(ctx context.Context) ([]service.RunSnapshot, error) {
	var out []service.RunSnapshot
	if err := c.do(ctx, http.MethodGet, "/api/runs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRun returns one run.
func (c *Client) GetRun(ctx context.Context, id string) (*service.RunSnapshot, error) {
	var out service.RunSnapshot
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WatchRun streams run snapshots over a websocket until the run is terminal.
// onUpdate is invoked for each snapshot; return an error from it to abort.
func (c *Client) WatchRun(ctx context.Context, id string, onUpdate func(service.RunSnapshot) error) (*service.RunSnapshot, error) {
	wsEndpoint := c.endpoint
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)
	u, err := url.Parse(wsEndpoint + "/api/runs/" + url.PathEscape(id) + "/stream")
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: "websocket handshake rejected"}
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	var last *service.RunSnapshot
	for {
		var snap service.RunSnapshot
		if err := conn.ReadJSON(&snap); err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && last != nil {
				return last, nil
			}
			return last, fmt.Errorf("read message: %w", err)
		}
		last = &snap
		if onUpdate != nil {
			if err := onUpdate(snap); err != nil {
				return last, err
			}
		}
		if snap.Status.Terminal() {
			return last, nil
		}
	}
}

// =============================================================================
// SEARCH
// =============================================================================

// SearchOptions configures semantic search.
type SearchOptions struct {
	Query        string   `json:"query"`
	Limit        int      `json:"limit,omitempty"`
	ContentTypes []string `json:"content_types,omitempty"`
}

// Search returns the chunks nearest to the query.
func (c *Client) Search(ctx context.Context, opts SearchOptions) ([]models.ChunkMatch, error) {
	var out struct {
		Results []models.ChunkMatch `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/search", opts, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}
