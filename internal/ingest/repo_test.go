package ingest

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

var sampleRepo = map[string]string{
	"README.md":                  "# Widget\n\nDoes things.\n",
	"main.go":                    "package main\n\nfunc main() {}\n",
	"tools/util.py":              "def f():\n    return 1\n",
	"node_modules/dep/index.js":  "module.exports = 1\n",
	"vendor/github.com/x/y/y.go": "package y\n",
	".github/workflows/ci.yml":   "on: push\n",
	"assets/logo.png":            "\x89PNG\r\n\x1a\n\x00\x00",
	"data.bin":                   "\x00\x01\x02\x03",
	"docs/guide.md":              "## Install\n\nRun it.\n",
}

func TestBundle(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, sampleRepo)

	f := NewRepoFetcher(slog.New(slog.DiscardHandler))
	bundle, err := f.Bundle(dir, "widget", "abc123")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(bundle, "# Repository: widget\n\nCommit: `abc123`\n\n## Structure\n\n- README.md\n"))
	assert.Contains(t, bundle, "- main.go\n")
	assert.Contains(t, bundle, "- tools/util.py\n")
	assert.Contains(t, bundle, "- docs/guide.md\n")
	assert.Contains(t, bundle, "```go\npackage main\n\nfunc main() {}\n```")
	assert.Contains(t, bundle, "```python\ndef f():\n    return 1\n```")
	assert.Contains(t, bundle, "##### Install", "embedded markdown headings are demoted")
	assert.Contains(t, bundle, "#### Widget")

	for _, excluded := range []string{"node_modules", "vendor/", ".github", "logo.png", "data.bin"} {
		assert.NotContains(t, bundle, excluded)
	}
	assert.Less(t, strings.Index(bundle, "### README.md"), strings.Index(bundle, "### docs/guide.md"))
}

func TestBundleLimits(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a.go":   "package a\n",
		"big.go": "package big\n" + strings.Repeat("// filler\n", 100),
	})

	f := NewRepoFetcher(slog.New(slog.DiscardHandler))
	f.MaxFileSize = 100
	bundle, err := f.Bundle(dir, "limits", "")
	require.NoError(t, err)
	assert.Contains(t, bundle, "### a.go")
	assert.NotContains(t, bundle, "big.go")
	assert.NotContains(t, bundle, "Commit:")
	assert.Contains(t, bundle, "1 files, 1 skipped.")
}

func TestBundleEmptyRepository(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"data.bin": "\x00\x00\x00"})

	_, err := NewRepoFetcher(nil).Bundle(dir, "empty", "")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestRepoFetchClonesLocalRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("local clones need git-upload-pack")
	}
	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"README.md": "# Local\n",
		"main.go":   "package main\n",
	})

	repo, err := git.PlainInit(src, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.AddWithOptions(&git.AddOptions{All: true}))
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	f := NewRepoFetcher(slog.New(slog.DiscardHandler))
	f.Depth = 0
	f.TempDir = t.TempDir()

	raw, err := f.Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "text/markdown", raw.ContentType)
	body := string(raw.Data)
	assert.Contains(t, body, "# Repository: "+filepath.Base(src))
	assert.Contains(t, body, hash.String())
	assert.Contains(t, body, "### main.go")

	doc, err := f.Convert(context.Background(), "local", raw)
	require.NoError(t, err)
	assert.Equal(t, "Repository: "+filepath.Base(src), doc.Title)

	entries, err := os.ReadDir(f.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "clone directory is removed")
}

func TestRepoName(t *testing.T) {
	assert.Equal(t, "widget", repoName("https://github.com/acme/widget.git"))
	assert.Equal(t, "widget", repoName("https://github.com/acme/widget/"))
	assert.Equal(t, "widget", repoName("git@github.com:acme/widget.git"))
}
