package vectorize

import (
	"cmp"
	"context"
	"math"
	"slices"
	"sync"

	"github.com/raphaelgruber/contentops/internal/models"
)

// MemoryChunkStore keeps chunks in process memory and searches them by
// brute-force cosine similarity.
type MemoryChunkStore struct {
	mu     sync.RWMutex
	chunks map[models.Key][]models.Chunk
}

// NewMemoryChunkStore creates an empty store.
func NewMemoryChunkStore() *MemoryChunkStore {
	return &MemoryChunkStore{chunks: make(map[models.Key][]models.Chunk)}
}

func (s *MemoryChunkStore) ReplaceChunks(_ context.Context, key models.Key, chunks []models.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(chunks) == 0 {
		delete(s.chunks, key)
		return nil
	}
	s.chunks[key] = slices.Clone(chunks)
	return nil
}

func (s *MemoryChunkStore) DeleteChunks(_ context.Context, key models.Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.chunks[key])
	delete(s.chunks, key)
	return n, nil
}

// Chunks returns the stored chunks of key.
func (s *MemoryChunkStore) Chunks(key models.Key) []models.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.chunks[key])
}

func (s *MemoryChunkStore) SearchChunks(_ context.Context, embedding []float32, limit int, types []models.ContentType) ([]models.ChunkMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []models.ChunkMatch
	for key, chunks := range s.chunks {
		if len(types) > 0 && !slices.Contains(types, key.ContentType) {
			continue
		}
		for _, ch := range chunks {
			matches = append(matches, models.ChunkMatch{Chunk: ch, Score: cosine(embedding, ch.Embedding)})
		}
	}
	slices.SortFunc(matches, func(a, b models.ChunkMatch) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Position, b.Position)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
