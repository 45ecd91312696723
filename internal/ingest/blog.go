package ingest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]{2,}`)
)

// BlogFetcher downloads blog posts and converts their HTML to markdown.
type BlogFetcher struct {
	Client *http.Client
}

func (f *BlogFetcher) Fetch(ctx context.Context, sourceURL string) (*Raw, error) {
	return httpGet(ctx, f.Client, sourceURL, "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
}

func (f *BlogFetcher) Convert(_ context.Context, name string, raw *Raw) (*Document, error) {
	if raw.ContentType == "text/markdown" || raw.ContentType == "text/plain" {
		body := string(raw.Data)
		return &Document{Title: firstHeading(body, name), Body: body}, nil
	}
	return htmlToMarkdown(raw.Data, name)
}

// htmlToMarkdown renders the readable part of an HTML page. An <article>
// or <main> element is preferred over the whole body.
func htmlToMarkdown(data []byte, fallbackTitle string) (*Document, error) {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	title := strings.TrimSpace(textContent(findFirst(root, atom.Title)))
	content := findFirst(root, atom.Article)
	if content == nil {
		content = findFirst(root, atom.Main)
	}
	if content == nil {
		content = root
	}
	if title == "" {
		title = strings.TrimSpace(textContent(findFirst(content, atom.H1)))
	}
	if title == "" {
		title = fallbackTitle
	}

	var sb strings.Builder
	renderNode(content, &sb, 0)
	body := cleanMarkdown(sb.String())
	if !strings.HasPrefix(body, "# ") {
		body = "# " + title + "\n\n" + body
	}
	return &Document{Title: title, Body: body}, nil
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	if n == nil {
		return nil
	}
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, a); found != nil {
			return found
		}
	}
	return nil
}

func textContent(n *html.Node) string {
	if n == nil {
		return ""
	}
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}

func renderNode(n *html.Node, sb *strings.Builder, depth int) {
	if depth > 100 {
		return
	}

	switch n.Type {
	case html.TextNode:
		text := strings.Join(strings.Fields(n.Data), " ")
		if text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Iframe, atom.Svg,
			atom.Nav, atom.Footer, atom.Header, atom.Head, atom.Form:
			return
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			level := int(n.Data[1] - '0')
			sb.WriteString("\n\n" + strings.Repeat("#", level) + " ")
			sb.WriteString(strings.Join(strings.Fields(textContent(n)), " "))
			sb.WriteString("\n\n")
			return
		case atom.Pre:
			sb.WriteString("\n\n```\n")
			sb.WriteString(strings.TrimRight(textContent(n), "\n"))
			sb.WriteString("\n```\n\n")
			return
		case atom.Img:
			if alt := attr(n, "alt"); alt != "" {
				sb.WriteString("[Image: " + alt + "] ")
			}
			return
		case atom.P, atom.Div, atom.Section, atom.Blockquote, atom.Table:
			sb.WriteString("\n\n")
		case atom.Br, atom.Tr:
			sb.WriteString("\n")
		case atom.Li:
			sb.WriteString("\n- ")
		case atom.Code:
			sb.WriteString("`")
		case atom.Strong, atom.B:
			sb.WriteString("**")
		case atom.Em, atom.I:
			sb.WriteString("*")
		case atom.A:
			if href := attr(n, "href"); href != "" && !strings.HasPrefix(href, "#") {
				sb.WriteString("[")
			}
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderNode(c, sb, depth+1)
	}

	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Code:
			trimTrailingSpace(sb)
			sb.WriteString("` ")
		case atom.Strong, atom.B:
			trimTrailingSpace(sb)
			sb.WriteString("** ")
		case atom.Em, atom.I:
			trimTrailingSpace(sb)
			sb.WriteString("* ")
		case atom.A:
			if href := attr(n, "href"); href != "" && !strings.HasPrefix(href, "#") {
				trimTrailingSpace(sb)
				sb.WriteString("](" + href + ") ")
			}
		case atom.P, atom.Div, atom.Section, atom.Blockquote, atom.Ul, atom.Ol, atom.Table:
			sb.WriteString("\n\n")
		}
	}
}

func trimTrailingSpace(sb *strings.Builder) {
	s := sb.String()
	trimmed := strings.TrimRight(s, " ")
	if len(trimmed) != len(s) {
		sb.Reset()
		sb.WriteString(trimmed)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// cleanMarkdown collapses runs of blank lines and spaces, leaving fenced
// code untouched.
func cleanMarkdown(s string) string {
	var out []string
	inFence := false
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			out = append(out, strings.TrimSpace(line))
			continue
		}
		if inFence {
			out = append(out, line)
			continue
		}
		out = append(out, strings.TrimSpace(multiSpacePattern.ReplaceAllString(line, " ")))
	}
	return strings.TrimSpace(multiNewlinePattern.ReplaceAllString(strings.Join(out, "\n"), "\n\n"))
}

// firstHeading returns the first markdown h1, or fallback.
func firstHeading(body, fallback string) string {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	return fallback
}
