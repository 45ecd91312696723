// Package ingest fetches content sources, archives the raw object and
// writes the processed markdown artifact that vectorization consumes.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/raphaelgruber/contentops/internal/models"
)

// ErrUnsupported is returned for sources a fetcher cannot transform.
var ErrUnsupported = errors.New("unsupported content")

// maxBodySize caps downloaded documents.
const maxBodySize = 32 << 20

// Raw is an unprocessed source object as archived under raw/.
type Raw struct {
	Data        []byte
	ContentType string
}

// Document is a source rendered as markdown.
type Document struct {
	Title string
	Body  string
	// Meta is merged into the artifact frontmatter.
	Meta map[string]any
}

// Fetcher knows how to obtain and transform one content type.
type Fetcher interface {
	// Fetch downloads the source at sourceURL.
	Fetch(ctx context.Context, sourceURL string) (*Raw, error)
	// Convert renders a raw object as markdown.
	Convert(ctx context.Context, name string, raw *Raw) (*Document, error)
}

// Fetchers maps content types to their fetcher.
type Fetchers map[models.ContentType]Fetcher

// DefaultFetchers returns a fetcher for every content type.
func DefaultFetchers(client *http.Client, logger *slog.Logger) Fetchers {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return Fetchers{
		models.ContentTypeRepo:     NewRepoFetcher(logger),
		models.ContentTypeBlog:     &BlogFetcher{Client: client},
		models.ContentTypeNotebook: &NotebookFetcher{Client: client},
		models.ContentTypeSlack:    &SlackFetcher{Client: client},
		models.ContentTypeSlide:    &SlideFetcher{Client: client},
	}
}

// httpGet downloads url and returns the body with its media type.
func httpGet(ctx context.Context, client *http.Client, url, accept string) (*Raw, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "contentops/1.0")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return &Raw{Data: body, ContentType: mediaType(resp.Header.Get("Content-Type"))}, nil
}

func mediaType(header string) string {
	if idx := strings.Index(header, ";"); idx >= 0 {
		header = header[:idx]
	}
	return strings.TrimSpace(strings.ToLower(header))
}
