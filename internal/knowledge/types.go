// Package knowledge maintains the retrieval corpus of repository content
// chunks and answers similarity queries over it.
//
// Two Store implementations share one contract: MemoryStore, an exact
// linear-scan cosine index (the correctness baseline), and PGStore, a
// pgvector-backed index for corpora too large to rescan in memory. Both
// preserve the same ranking semantics: descending similarity, ties broken
// by insertion order so identical inputs always produce identical output.
package knowledge

import "context"

// Chunk is a unit of repository text eligible for retrieval.
type Chunk struct {
	ID        string `json:"id"`
	Path      string `json:"path"`       // source file path
	StartLine int    `json:"start_line"` // 1-based, inclusive
	EndLine   int    `json:"end_line"`   // 1-based, inclusive
	Content   string `json:"content"`

	// ContentHash is the freshness marker: a chunk whose hash is already
	// indexed is never re-embedded. Embeddings are immutable per hash.
	ContentHash string `json:"content_hash"`
}

// Ref is a compact reference to a grounding chunk, reported alongside
// answers.
type Ref struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// Ref returns the chunk's source reference.
func (c Chunk) Ref() Ref {
	return Ref{Path: c.Path, StartLine: c.StartLine, EndLine: c.EndLine}
}

// Result is a retrieved chunk with its similarity score.
type Result struct {
	Chunk Chunk
	Score float32 // cosine similarity, higher is more similar
}

// IndexStats reports the outcome of one IndexChunks call.
type IndexStats struct {
	Indexed int // chunks embedded and stored
	Skipped int // chunks whose content hash was already indexed
}

// Embedder turns texts into fixed-dimensionality vectors. Implemented by
// the provider clients; consumers depend on this interface only.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Store is the retrieval contract consumed by the orchestrator and the
// indexer.
type Store interface {
	// IndexChunks embeds and stores every chunk whose content hash is not
	// already indexed. Incremental and idempotent; safe to cancel between
	// chunks, leaving whatever was indexed so far queryable.
	IndexChunks(ctx context.Context, chunks []Chunk) (IndexStats, error)

	// Retrieve embeds queryText with the corpus's embedding scheme and
	// returns the top-k chunks by descending similarity. k larger than the
	// corpus returns the whole corpus ranked; an empty corpus returns an
	// empty list, never an error.
	Retrieve(ctx context.Context, queryText string, k int) ([]Result, error)

	// Count reports the number of indexed chunks.
	Count(ctx context.Context) (int, error)

	// Close releases backing resources.
	Close() error
}
