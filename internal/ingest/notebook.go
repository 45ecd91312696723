package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// NotebookFetcher downloads Jupyter notebooks and renders their cells.
type NotebookFetcher struct {
	Client *http.Client
}

func (f *NotebookFetcher) Fetch(ctx context.Context, sourceURL string) (*Raw, error) {
	raw, err := httpGet(ctx, f.Client, RawGitHubURL(sourceURL), "application/json")
	if err != nil {
		return nil, err
	}
	raw.ContentType = "application/x-ipynb+json"
	return raw, nil
}

// RawGitHubURL rewrites a github.com blob URL to its raw download URL.
// Other URLs are returned unchanged.
func RawGitHubURL(sourceURL string) string {
	u, err := url.Parse(sourceURL)
	if err != nil || u.Host != "github.com" {
		return sourceURL
	}
	// /<owner>/<repo>/blob/<ref>/<path...>
	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 4)
	if len(parts) < 4 || parts[2] != "blob" {
		return sourceURL
	}
	return "https://raw.githubusercontent.com/" + parts[0] + "/" + parts[1] + "/" + parts[3]
}

type notebook struct {
	Cells    []notebookCell `json:"cells"`
	Metadata struct {
		KernelSpec struct {
			Language string `json:"language"`
		} `json:"kernelspec"`
		LanguageInfo struct {
			Name string `json:"name"`
		} `json:"language_info"`
	} `json:"metadata"`
}

type notebookCell struct {
	CellType string          `json:"cell_type"`
	Source   json.RawMessage `json:"source"`
}

func (f *NotebookFetcher) Convert(_ context.Context, name string, raw *Raw) (*Document, error) {
	var nb notebook
	if err := json.Unmarshal(raw.Data, &nb); err != nil {
		return nil, fmt.Errorf("%w: invalid notebook: %v", ErrUnsupported, err)
	}

	lang := nb.Metadata.LanguageInfo.Name
	if lang == "" {
		lang = nb.Metadata.KernelSpec.Language
	}
	if lang == "" {
		lang = "python"
	}

	var sb strings.Builder
	title := ""
	for _, cell := range nb.Cells {
		src, err := cellSource(cell.Source)
		if err != nil {
			return nil, fmt.Errorf("%w: cell source: %v", ErrUnsupported, err)
		}
		src = strings.TrimSpace(src)
		if src == "" {
			continue
		}
		switch cell.CellType {
		case "markdown":
			if title == "" {
				title = firstHeading(src, "")
			}
			sb.WriteString(src)
		case "code":
			sb.WriteString("```" + lang + "\n" + src + "\n```")
		default:
			sb.WriteString(src)
		}
		sb.WriteString("\n\n")
	}

	body := strings.TrimSpace(sb.String())
	if title == "" {
		title = name
		body = "# " + name + "\n\n" + body
	}
	return &Document{Title: title, Body: body, Meta: map[string]any{"language": lang}}, nil
}

// cellSource accepts both the string and the list-of-lines encoding.
func cellSource(msg json.RawMessage) (string, error) {
	if len(msg) == 0 {
		return "", nil
	}
	var lines []string
	if err := json.Unmarshal(msg, &lines); err == nil {
		return strings.Join(lines, ""), nil
	}
	var s string
	if err := json.Unmarshal(msg, &s); err != nil {
		return "", err
	}
	return s, nil
}
