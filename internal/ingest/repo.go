package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-enry/go-enry/v2"
	"github.com/go-git/go-git/v5"
)

const (
	defaultMaxFileSize = 64 << 10
	defaultMaxFiles    = 400
)

// RepoFetcher clones a git repository and bundles its source files into a
// single markdown document. Vendored, generated and binary files are left
// out.
type RepoFetcher struct {
	// Depth of the clone; 0 fetches full history.
	Depth       int
	MaxFileSize int64
	MaxFiles    int
	// TempDir is where clones are made; empty uses os.TempDir.
	TempDir string
	logger  *slog.Logger
}

// NewRepoFetcher returns a fetcher doing shallow clones.
func NewRepoFetcher(logger *slog.Logger) *RepoFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RepoFetcher{
		Depth:       1,
		MaxFileSize: defaultMaxFileSize,
		MaxFiles:    defaultMaxFiles,
		logger:      logger,
	}
}

func (f *RepoFetcher) Fetch(ctx context.Context, sourceURL string) (*Raw, error) {
	dir, err := os.MkdirTemp(f.TempDir, "contentops-repo-*")
	if err != nil {
		return nil, fmt.Errorf("create clone dir: %w", err)
	}
	defer os.RemoveAll(dir)

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:          sourceURL,
		Depth:        f.Depth,
		SingleBranch: true,
		Tags:         git.NoTags,
	})
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", sourceURL, err)
	}

	var commit string
	if head, err := repo.Head(); err == nil {
		commit = head.Hash().String()
	}

	bundle, err := f.Bundle(dir, repoName(sourceURL), commit)
	if err != nil {
		return nil, err
	}
	return &Raw{Data: []byte(bundle), ContentType: "text/markdown"}, nil
}

// Convert passes the bundle through; it is markdown already.
func (f *RepoFetcher) Convert(_ context.Context, name string, raw *Raw) (*Document, error) {
	body := string(raw.Data)
	return &Document{Title: firstHeading(body, "Repository: "+name), Body: body}, nil
}

type repoFile struct {
	path     string
	language string
	content  []byte
}

// Bundle renders the repository checked out at dir: a file tree followed by
// the content of every kept file, README first.
func (f *RepoFetcher) Bundle(dir, name, commit string) (string, error) {
	var (
		files   []repoFile
		skipped int
	)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" || enry.IsVendor(rel+"/") || enry.IsDotFile(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || enry.IsVendor(rel) || enry.IsDotFile(rel) || enry.IsImage(rel) {
			skipped++
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > f.MaxFileSize || (f.MaxFiles > 0 && len(files) >= f.MaxFiles) {
			skipped++
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if enry.IsBinary(content) || enry.IsGenerated(rel, content) {
			skipped++
			return nil
		}
		files = append(files, repoFile{
			path:     rel,
			language: enry.GetLanguage(filepath.Base(rel), content),
			content:  content,
		})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk repository: %w", err)
	}
	if len(files) == 0 {
		return "", fmt.Errorf("%w: repository %s has no text files", ErrUnsupported, name)
	}

	slices.SortFunc(files, func(a, b repoFile) int {
		ra, rb := isReadme(a.path), isReadme(b.path)
		switch {
		case ra && !rb:
			return -1
		case rb && !ra:
			return 1
		}
		return strings.Compare(a.path, b.path)
	})

	f.logger.Debug("bundled repository", "name", name, "files", len(files), "skipped", skipped)

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Repository: %s\n\n", name)
	if commit != "" {
		fmt.Fprintf(&sb, "Commit: `%s`\n\n", commit)
	}
	sb.WriteString("## Structure\n\n")
	for _, file := range files {
		sb.WriteString("- " + file.path + "\n")
	}
	fmt.Fprintf(&sb, "\n%d files, %d skipped.\n\n## Files\n", len(files), skipped)

	for _, file := range files {
		fmt.Fprintf(&sb, "\n### %s\n\n", file.path)
		if file.language == "Markdown" {
			sb.WriteString(strings.TrimSpace(demoteHeadings(string(file.content))))
			sb.WriteString("\n")
			continue
		}
		fence := "```"
		if strings.Contains(string(file.content), "```") {
			fence = "````"
		}
		sb.WriteString(fence + fenceLanguage(file.language) + "\n")
		sb.WriteString(strings.TrimRight(string(file.content), "\n"))
		sb.WriteString("\n" + fence + "\n")
	}
	return sb.String(), nil
}

func isReadme(path string) bool {
	return !strings.Contains(path, "/") && strings.HasPrefix(strings.ToLower(path), "readme")
}

func fenceLanguage(language string) string {
	return strings.ReplaceAll(strings.ToLower(language), " ", "-")
}

// demoteHeadings pushes embedded markdown below the bundle's file headings.
func demoteHeadings(s string) string {
	lines := strings.Split(s, "\n")
	inFence := false
	for i, line := range lines {
		if strings.HasPrefix(line, "```") {
			inFence = !inFence
		}
		if !inFence && strings.HasPrefix(line, "#") {
			level := len(line) - len(strings.TrimLeft(line, "#"))
			if level+3 <= 6 {
				lines[i] = strings.Repeat("#", 3) + line
			} else {
				lines[i] = "######" + strings.TrimLeft(line, "#")
			}
		}
	}
	return strings.Join(lines, "\n")
}

// repoName is the last path element of a clone URL without .git.
func repoName(sourceURL string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(sourceURL, "/"), ".git")
	if idx := strings.LastIndexAny(trimmed, "/:"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}
