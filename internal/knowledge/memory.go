package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
)

// MemoryStore is the exact in-process retrieval index: a linear cosine scan
// over every indexed chunk. It is the baseline correctness contract; the
// pgvector backend exists for corpora where a full rescan stops being
// cheap.
//
// MemoryStore is safe for concurrent use. Retrieval against the built
// index blocks only for the query embedding network call.
type MemoryStore struct {
	embedder Embedder
	logger   *slog.Logger

	mu      sync.RWMutex
	entries []memoryEntry   // insertion order, the ranking tie-break
	byHash  map[string]bool // content hashes already indexed
	byID    map[string]int  // chunk ID -> entries index, for replacement
	dim     int             // corpus dimensionality; 0 until first index
}

type memoryEntry struct {
	chunk  Chunk
	vector []float32
}

// NewMemoryStore creates an empty in-memory index using the given embedder.
func NewMemoryStore(embedder Embedder, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		embedder: embedder,
		logger:   logger,
		byHash:   make(map[string]bool),
		byID:     make(map[string]int),
	}
}

// IndexChunks embeds and stores each chunk not already present by content
// hash. A chunk whose ID is already indexed under a different hash has been
// edited: its entry is replaced in place (keeping its tie-break position),
// so stale text never stays retrievable alongside the new version.
// Cancellation is honored between chunks; chunks indexed before the
// cancellation remain queryable.
func (s *MemoryStore) IndexChunks(ctx context.Context, chunks []Chunk) (IndexStats, error) {
	var stats IndexStats

	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("indexing cancelled: %w", err)
		}

		s.mu.RLock()
		seen := s.byHash[chunk.ContentHash]
		s.mu.RUnlock()
		if seen {
			stats.Skipped++
			continue
		}

		vecs, err := s.embedder.Embed(ctx, []string{chunk.Content})
		if err != nil {
			return stats, fmt.Errorf("embedding chunk %s: %w", chunk.ID, err)
		}
		if len(vecs) == 0 || len(vecs[0]) == 0 {
			return stats, fmt.Errorf("%w for chunk %s", ErrEmptyEmbedding, chunk.ID)
		}
		vec := vecs[0]

		s.mu.Lock()
		if s.dim == 0 {
			s.dim = len(vec)
		} else if len(vec) != s.dim {
			s.mu.Unlock()
			return stats, fmt.Errorf("%w: chunk %s has %d dimensions, corpus has %d",
				ErrDimensionMismatch, chunk.ID, len(vec), s.dim)
		}
		// Re-check under the write lock; a concurrent indexer may have won.
		if s.byHash[chunk.ContentHash] {
			s.mu.Unlock()
			stats.Skipped++
			continue
		}
		if idx, ok := s.byID[chunk.ID]; ok {
			// Same chunk, new content: replace the stale entry.
			delete(s.byHash, s.entries[idx].chunk.ContentHash)
			s.entries[idx] = memoryEntry{chunk: chunk, vector: vec}
		} else {
			s.byID[chunk.ID] = len(s.entries)
			s.entries = append(s.entries, memoryEntry{chunk: chunk, vector: vec})
		}
		s.byHash[chunk.ContentHash] = true
		s.mu.Unlock()

		stats.Indexed++
	}

	s.logger.Debug("indexed chunks", "indexed", stats.Indexed, "skipped", stats.Skipped)
	return stats, nil
}

// Retrieve returns the top-k chunks by descending cosine similarity.
// Ties keep insertion order, so results are deterministic for identical
// inputs. k <= 0 and an empty corpus both return an empty list.
func (s *MemoryStore) Retrieve(ctx context.Context, queryText string, k int) ([]Result, error) {
	s.mu.RLock()
	n := len(s.entries)
	dim := s.dim
	s.mu.RUnlock()

	if n == 0 || k <= 0 {
		return []Result{}, nil
	}

	vecs, err := s.embedder.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("%w for query", ErrEmptyEmbedding)
	}
	query := vecs[0]
	if len(query) != dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, corpus has %d",
			ErrDimensionMismatch, len(query), dim)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]Result, len(s.entries))
	for i, e := range s.entries {
		results[i] = Result{Chunk: e.chunk, Score: cosineSimilarity(query, e.vector)}
	}

	// Stable sort over the insertion-ordered slice: equal scores keep the
	// earlier-indexed chunk first.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// Count reports the number of indexed chunks.
func (s *MemoryStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Dimension returns the corpus dimensionality, 0 while empty.
func (s *MemoryStore) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// Close implements Store; the in-memory index holds no resources.
func (*MemoryStore) Close() error { return nil }

// cosineSimilarity computes the cosine of the angle between two equal-length
// vectors. A zero vector yields 0. Accumulates in float64 to keep the
// ranking stable for near-tie scores.
func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
