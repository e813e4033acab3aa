package knowledge

import "errors"

// Sentinel errors for retrieval operations; check with errors.Is().
var (
	// ErrDimensionMismatch indicates an embedding whose dimensionality
	// disagrees with the corpus. Fatal for the call that produced it; the
	// index itself is left intact. Mixing dimensionalities within one index
	// is a configuration error, not a recoverable condition.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrEmptyEmbedding indicates the embedder returned no vector for an
	// input.
	ErrEmptyEmbedding = errors.New("empty embedding returned")
)
