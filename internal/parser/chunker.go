package parser

import (
	"strings"
	"unicode"
)

// ChunkResult represents a chunk of content.
type ChunkResult struct {
	Content     string
	Position    int
	HeadingPath string // Section context
}

// ChunkConfig defines chunking parameters.
type ChunkConfig struct {
	// Threshold: only chunk if content exceeds this length
	Threshold int
	// TargetSize: ideal chunk size when splitting at sentences
	TargetSize int
	// MinSize: minimum chunk size (smaller chunks merge with neighbors)
	MinSize int
	// MaxSize: maximum chunk size (larger chunks split at paragraphs, then sentences)
	MaxSize int
	// Overlap: character overlap between chunks
	Overlap int
}

// DefaultChunkConfig matches the ingestion defaults of 1000 chars with 200 overlap.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfigFor(1000, 200)
}

// ChunkConfigFor derives a config from a chunk size and overlap.
func ChunkConfigFor(size, overlap int) ChunkConfig {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	return ChunkConfig{
		Threshold:  size,
		TargetSize: size * 3 / 4,
		MinSize:    size / 5,
		MaxSize:    size,
		Overlap:    overlap,
	}
}

// ShouldChunk returns true if content should be chunked.
func ShouldChunk(content string, config ChunkConfig) bool {
	return len(content) > config.Threshold
}

// ChunkMarkdown splits Markdown content into semantic chunks.
// Prioritizes section boundaries, then paragraph boundaries, then sentences.
// Whitespace-only content yields no chunks.
func ChunkMarkdown(doc *MarkdownDoc, config ChunkConfig) []ChunkResult {
	content := strings.TrimSpace(doc.Content)
	if content == "" {
		return nil
	}

	if !ShouldChunk(content, config) {
		return []ChunkResult{{Content: content}}
	}

	var chunks []ChunkResult
	if len(doc.Sections) > 0 {
		chunks = chunkBySections(doc.Sections, config)
	} else {
		chunks = chunkByParagraphs(content, config)
	}

	for i := range chunks {
		chunks[i].Position = i
	}
	return applyOverlap(chunks, config.Overlap)
}

func chunkBySections(sections []Section, config ChunkConfig) []ChunkResult {
	var chunks []ChunkResult

	for _, section := range sections {
		text := strings.TrimSpace(section.Content)
		if text == "" {
			continue
		}

		if len(text) <= config.MaxSize {
			if len(text) >= config.MinSize || len(chunks) == 0 {
				chunks = append(chunks, ChunkResult{
					Content:     text,
					Position:    len(chunks),
					HeadingPath: section.Path,
				})
			} else {
				last := &chunks[len(chunks)-1]
				last.Content += "\n\n" + text
			}
			continue
		}

		for _, pc := range chunkByParagraphs(text, config) {
			chunks = append(chunks, ChunkResult{
				Content:     pc.Content,
				Position:    len(chunks),
				HeadingPath: section.Path,
			})
		}
	}

	return chunks
}

func chunkByParagraphs(content string, config ChunkConfig) []ChunkResult {
	paragraphs := strings.Split(content, "\n\n")

	var chunks []ChunkResult
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunks = append(chunks, ChunkResult{
			Content:  strings.TrimSpace(current.String()),
			Position: len(chunks),
		})
		current.Reset()
	}

	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		if current.Len()+len(para) > config.MaxSize {
			flush()
		}

		if len(para) > config.MaxSize {
			for _, sc := range chunkBySentences(para, config) {
				chunks = append(chunks, ChunkResult{Content: sc, Position: len(chunks)})
			}
			continue
		}

		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	return chunks
}

// chunkBySentences packs sentences up to TargetSize. A single sentence longer
// than MaxSize is hard split.
func chunkBySentences(text string, config ChunkConfig) []string {
	var chunks []string
	var current strings.Builder

	for _, sentence := range splitSentences(text) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}

		if current.Len()+len(sentence) > config.TargetSize && current.Len() > 0 {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
		}

		for len(sentence) > config.MaxSize {
			chunks = append(chunks, sentence[:config.MaxSize])
			sentence = sentence[config.MaxSize:]
		}

		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sentence)
	}

	if current.Len() > 0 {
		chunks = append(chunks, strings.TrimSpace(current.String()))
	}

	return chunks
}

func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)

		if isSentenceEnd(r) && (i+1 >= len(runes) || unicode.IsSpace(runes[i+1])) {
			// "Dr." style abbreviations
			if i > 1 && unicode.IsUpper(runes[i-1]) && !unicode.IsLetter(runes[i-2]) {
				continue
			}
			sentences = append(sentences, current.String())
			current.Reset()
		}
	}

	if current.Len() > 0 {
		sentences = append(sentences, current.String())
	}

	return sentences
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// applyOverlap prefixes each chunk with the tail of its predecessor. The tail
// starts at a sentence boundary when one exists in the overlap window,
// otherwise at a word boundary.
func applyOverlap(chunks []ChunkResult, overlap int) []ChunkResult {
	if overlap <= 0 || len(chunks) <= 1 {
		return chunks
	}

	result := make([]ChunkResult, len(chunks))
	copy(result, chunks)

	for i := 1; i < len(result); i++ {
		tail := overlapTail(chunks[i-1].Content, overlap)
		if tail != "" {
			result[i].Content = tail + " " + result[i].Content
		}
	}

	return result
}

func overlapTail(prev string, overlap int) string {
	if len(prev) <= overlap {
		return ""
	}
	window := prev[len(prev)-overlap:]

	for j := 0; j < len(window)-1; j++ {
		if isSentenceEnd(rune(window[j])) && window[j+1] == ' ' {
			if tail := strings.TrimSpace(window[j+1:]); tail != "" {
				return tail
			}
		}
	}

	if spaceIdx := strings.Index(window, " "); spaceIdx >= 0 {
		return strings.TrimSpace(window[spaceIdx+1:])
	}
	return ""
}
