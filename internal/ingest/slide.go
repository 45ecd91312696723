package ingest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// SlideFetcher accepts slide decks exported as text or markdown. Binary
// formats such as PDF are rejected.
type SlideFetcher struct {
	Client *http.Client
}

func (f *SlideFetcher) Fetch(ctx context.Context, sourceURL string) (*Raw, error) {
	return httpGet(ctx, f.Client, sourceURL, "text/markdown,text/plain;q=0.9,*/*;q=0.5")
}

func (f *SlideFetcher) Convert(_ context.Context, name string, raw *Raw) (*Document, error) {
	if raw.ContentType == "application/pdf" || bytes.HasPrefix(raw.Data, []byte("%PDF")) {
		return nil, fmt.Errorf("%w: PDF slides", ErrUnsupported)
	}
	if !utf8.Valid(raw.Data) {
		return nil, fmt.Errorf("%w: binary slide content", ErrUnsupported)
	}
	body := string(raw.Data)
	title := firstHeading(body, "")
	if title == "" {
		title = name
		body = "# " + name + "\n\n" + body
	}
	return &Document{Title: title, Body: body}, nil
}
