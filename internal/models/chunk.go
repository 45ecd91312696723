package models

import "time"

// Chunk is an embedded piece of a processed artifact.
type Chunk struct {
	ContentType ContentType `json:"content_type"`
	Name        string      `json:"name"`
	Position    int         `json:"position"`
	HeadingPath string      `json:"heading_path,omitempty"`
	Title       string      `json:"title,omitempty"`
	SourceURL   string      `json:"source_url,omitempty"`
	Content     string      `json:"content"`
	Embedding   []float32   `json:"embedding,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// ChunkMatch is a chunk returned by similarity search.
type ChunkMatch struct {
	Chunk
	Score float64 `json:"score"`
}
