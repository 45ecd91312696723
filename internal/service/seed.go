package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/raphaelgruber/contentops/internal/ledger"
	"gopkg.in/yaml.v3"
)

// SeedFile is the bulk registration document:
//
//	content:
//	  - content_type: repo
//	    content_url: https://github.com/org/service
//	  - content_type: blog
//	    name: launch-post
//	    content_url: https://example.com/blog/launch
//	    archive: true
type SeedFile struct {
	Content []AddRequest `yaml:"content" json:"content"`
}

// ParseSeed decodes a YAML seed document, rejecting unknown fields.
func ParseSeed(data []byte) (*SeedFile, error) {
	var f SeedFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: parse seed file: %v", ErrInvalid, err)
	}
	return &f, nil
}

// SeedResult reports a bulk registration.
type SeedResult struct {
	Created int      `json:"created"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors"`
}

// Seed registers every item of f. Existing entries are skipped and invalid
// items are reported without aborting the rest.
func (s *ContentService) Seed(ctx context.Context, f *SeedFile) (*SeedResult, error) {
	res := &SeedResult{Errors: []string{}}
	for i, item := range f.Content {
		item.Process = false
		_, err := s.Add(ctx, item)
		switch {
		case err == nil:
			res.Created++
		case errors.Is(err, ledger.ErrAlreadyExists):
			res.Skipped++
		case errors.Is(err, ErrInvalid):
			res.Errors = append(res.Errors, fmt.Sprintf("item %d: %v", i+1, err))
		default:
			return res, err
		}
	}
	s.logger.Info("seed completed", "created", res.Created, "skipped", res.Skipped, "errors", len(res.Errors))
	return res, nil
}
