// Package models defines the data structures of the content ledger.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ContentType is the kind of source a ledger entry tracks.
type ContentType string

const (
	ContentTypeRepo     ContentType = "repo"
	ContentTypeNotebook ContentType = "notebook"
	ContentTypeBlog     ContentType = "blog"
	ContentTypeSlide    ContentType = "slide"
	ContentTypeSlack    ContentType = "slack"
)

// ContentTypes lists every supported content type in a stable order.
var ContentTypes = []ContentType{
	ContentTypeRepo,
	ContentTypeNotebook,
	ContentTypeBlog,
	ContentTypeSlide,
	ContentTypeSlack,
}

// ParseContentType validates s against the known content types.
func ParseContentType(s string) (ContentType, error) {
	ct := ContentType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range ContentTypes {
		if ct == known {
			return ct, nil
		}
	}
	return "", fmt.Errorf("unknown content type %q", s)
}

// ParseContentTypes validates a list of content types. An empty list stays empty.
func ParseContentTypes(values []string) ([]ContentType, error) {
	var out []ContentType
	for _, v := range values {
		ct, err := ParseContentType(v)
		if err != nil {
			return nil, err
		}
		out = append(out, ct)
	}
	return out, nil
}

// Category is the processed artifact folder for this content type.
func (c ContentType) Category() string {
	switch c {
	case ContentTypeRepo:
		return "repo"
	default:
		return string(c) + "_text"
	}
}

// Key identifies a ledger entry. (ContentType, Name) is unique across the ledger.
type Key struct {
	ContentType ContentType
	Name        string
}

// NewKey builds a key.
func NewKey(ct ContentType, name string) Key {
	return Key{ContentType: ct, Name: name}
}

func (k Key) String() string {
	return string(k.ContentType) + "/" + k.Name
}

// Validate checks that both key parts are usable.
func (k Key) Validate() error {
	if _, err := ParseContentType(string(k.ContentType)); err != nil {
		return err
	}
	if strings.TrimSpace(k.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.Contains(k.Name, "/") {
		return fmt.Errorf("name %q must not contain '/'", k.Name)
	}
	return nil
}

const dateLayout = "2006-01-02"

// Date is a calendar date serialized as YYYY-MM-DD.
type Date struct {
	time.Time
}

// DateOf truncates t to its UTC calendar day.
func DateOf(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string. The empty string is the zero date.
func ParseDate(s string) (Date, error) {
	if s == "" {
		return Date{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date{t}, nil
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s *string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == nil {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(*s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ContentEntry is one tracked content item in the ledger.
type ContentEntry struct {
	Name                  string      `json:"name"`
	ContentType           ContentType `json:"content_type"`
	SourceURL             *string     `json:"content_url"`
	BucketLocation        string      `json:"bucket_url,omitempty"`
	SourceDate            Date        `json:"source_date"`
	UpdateDate            Date        `json:"update_date"`
	UpdatedAt             time.Time   `json:"updated_at"`
	Status                Status      `json:"processing_status"`
	LastProcessingAttempt *time.Time  `json:"last_processing_attempt,omitempty"`
	FailureReason         *string     `json:"failure_reason,omitempty"`
	RetryCount            int         `json:"retry_count"`
	Archive               bool        `json:"archive"`
	ChunkCount            int         `json:"chunk_count,omitempty"`

	// Bookkeeping for optimistic concurrency and claims.
	Version        int64  `json:"version"`
	PreviousStatus Status `json:"previous_status,omitempty"`
	ClaimID        string `json:"claim_id,omitempty"`
}

// NewContentEntry returns a staged entry registered at now.
func NewContentEntry(ct ContentType, name string, sourceURL *string, now time.Time) *ContentEntry {
	return &ContentEntry{
		Name:        name,
		ContentType: ct,
		SourceURL:   sourceURL,
		SourceDate:  DateOf(now),
		UpdatedAt:   now.UTC(),
		Status:      StatusStaged,
	}
}

// Key returns the entry identity.
func (e *ContentEntry) Key() Key {
	return Key{ContentType: e.ContentType, Name: e.Name}
}

// InFlight reports whether a worker currently owns the entry.
func (e *ContentEntry) InFlight() bool {
	return e.Status.InFlight()
}

// DirectUpload reports whether the entry was registered from an uploaded raw object.
func (e *ContentEntry) DirectUpload() bool {
	return e.SourceURL == nil || *e.SourceURL == ""
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (e *ContentEntry) Clone() *ContentEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.SourceURL != nil {
		v := *e.SourceURL
		c.SourceURL = &v
	}
	if e.LastProcessingAttempt != nil {
		v := *e.LastProcessingAttempt
		c.LastProcessingAttempt = &v
	}
	if e.FailureReason != nil {
		v := *e.FailureReason
		c.FailureReason = &v
	}
	return &c
}
