package models

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"unicode"
)

// Slugify lowercases s, maps spaces and underscores to '-', and drops
// everything that is not an ASCII letter, digit or '-'.
func Slugify(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r == ' ' || r == '_':
			sb.WriteRune('-')
		case r == '-' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))):
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// NameFromURL derives an entry name from the last meaningful path segment
// of a source URL, e.g. https://github.com/org/repo-x.git -> repo-x.
func NameFromURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	seg := path.Base(strings.TrimSuffix(u.Path, "/"))
	if seg == "." || seg == "/" || seg == "" {
		seg = u.Host
	}
	seg = strings.TrimSuffix(seg, path.Ext(seg))
	name := strings.Trim(Slugify(seg), "-")
	if name == "" {
		return "", fmt.Errorf("cannot derive name from %q", raw)
	}
	return name, nil
}
