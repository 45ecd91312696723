// Package storage is the object store adapter. The pipeline only sees the
// Store contract; retries against the backend happen inside the adapter and
// surface as a single outcome per call.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/raphaelgruber/contentops/internal/models"
)

// ErrNotFound is returned by Get for a missing object.
var ErrNotFound = errors.New("object not found")

// Store is a path-addressed blob store.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

const (
	rawRoot       = "raw"
	processedRoot = "processed"
)

// RawPrefix is the folder holding unprocessed objects of a content type.
func RawPrefix(ct models.ContentType) string {
	return rawRoot + "/" + string(ct) + "/"
}

// RawKey is raw/<content_type>/<name>.
func RawKey(key models.Key) string {
	return RawPrefix(key.ContentType) + key.Name
}

// ProcessedKey is processed/<category>/<YYYY-MM-DD>/<name>.md.
func ProcessedKey(key models.Key, day time.Time) string {
	return fmt.Sprintf("%s/%s/%s/%s.md", processedRoot, key.ContentType.Category(), models.DateOf(day), key.Name)
}

// ProcessedPrefix is the folder holding every processed artifact of a content type.
func ProcessedPrefix(ct models.ContentType) string {
	return processedRoot + "/" + ct.Category() + "/"
}

// ParseRawKey maps raw/<type>/<name> back to an entry key. Nested paths and
// unknown content types are rejected.
func ParseRawKey(objectKey string) (models.Key, bool) {
	parts := strings.Split(objectKey, "/")
	if len(parts) != 3 || parts[0] != rawRoot || parts[2] == "" {
		return models.Key{}, false
	}
	ct, err := models.ParseContentType(parts[1])
	if err != nil {
		return models.Key{}, false
	}
	return models.NewKey(ct, parts[2]), true
}

// IsProcessedFor reports whether objectKey is a processed artifact of key,
// from any day.
func IsProcessedFor(objectKey string, key models.Key) bool {
	if !strings.HasPrefix(objectKey, ProcessedPrefix(key.ContentType)) {
		return false
	}
	return path.Base(objectKey) == key.Name+".md"
}

// KeyFromURL is the inverse of URL. Values without the s3 scheme are
// returned unchanged.
func KeyFromURL(bucketURL string) string {
	rest, ok := strings.CutPrefix(bucketURL, "s3://")
	if !ok {
		return bucketURL
	}
	if _, key, found := strings.Cut(rest, "/"); found {
		return key
	}
	return ""
}

// URL renders an object key as a bucket URL for the ledger.
func URL(bucket, key string) string {
	if bucket == "" {
		return key
	}
	return "s3://" + bucket + "/" + key
}
