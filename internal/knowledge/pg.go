package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// PGStore is the pgvector-backed retrieval index for large corpora. It
// implements the same Store contract as MemoryStore: cosine ranking with
// insertion-order tie-break, content-hash idempotence, chunk-granular
// cancellation. Run db.Migrate against the database before first use.
//
// PGStore is safe for concurrent use; the pool handles connection sharing.
type PGStore struct {
	pool     *pgxpool.Pool
	embedder Embedder
	logger   *slog.Logger
}

// NewPGStore connects to the database and returns a pgvector-backed store.
func NewPGStore(ctx context.Context, databaseURL string, embedder Embedder, logger *slog.Logger) (*PGStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &PGStore{pool: pool, embedder: embedder, logger: logger}, nil
}

// IndexChunks embeds and inserts each chunk whose content hash is not yet
// stored. A chunk whose ID exists under a different hash has been edited:
// the upsert replaces its row in place, keeping its seq and therefore its
// tie-break position. A conflicting row a concurrent indexer already wrote
// with identical content counts as skipped.
func (s *PGStore) IndexChunks(ctx context.Context, chunks []Chunk) (IndexStats, error) {
	var stats IndexStats

	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("indexing cancelled: %w", err)
		}

		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM chunks WHERE content_hash = $1)`,
			chunk.ContentHash).Scan(&exists)
		if err != nil {
			return stats, fmt.Errorf("checking chunk %s: %w", chunk.ID, err)
		}
		if exists {
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

		dim, err := s.dimension(ctx)
		if err != nil {
			return stats, err
		}
		if dim != 0 && len(vecs[0]) != dim {
			return stats, fmt.Errorf("%w: chunk %s has %d dimensions, corpus has %d",
				ErrDimensionMismatch, chunk.ID, len(vecs[0]), dim)
		}

		tag, err := s.pool.Exec(ctx,
			`INSERT INTO chunks (id, path, start_line, end_line, content, content_hash, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO UPDATE
			 SET path = EXCLUDED.path,
			     start_line = EXCLUDED.start_line,
			     end_line = EXCLUDED.end_line,
			     content = EXCLUDED.content,
			     content_hash = EXCLUDED.content_hash,
			     embedding = EXCLUDED.embedding
			 WHERE chunks.content_hash <> EXCLUDED.content_hash`,
			chunk.ID, chunk.Path, chunk.StartLine, chunk.EndLine,
			chunk.Content, chunk.ContentHash, pgvector.NewVector(vecs[0]))
		if err != nil {
			return stats, fmt.Errorf("inserting chunk %s: %w", chunk.ID, err)
		}
		if tag.RowsAffected() == 0 {
			// A concurrent indexer already stored this exact content.
			stats.Skipped++
			continue
		}
		stats.Indexed++
	}

	s.logger.Debug("indexed chunks", "indexed", stats.Indexed, "skipped", stats.Skipped)
	return stats, nil
}

// Retrieve returns the top-k chunks by ascending cosine distance, ties
// broken by insertion sequence. Scores are reported as similarity
// (1 - distance) to match the MemoryStore contract.
func (s *PGStore) Retrieve(ctx context.Context, queryText string, k int) ([]Result, error) {
	if k <= 0 {
		return []Result{}, nil
	}

	dim, err := s.dimension(ctx)
	if err != nil {
		return nil, err
	}
	if dim == 0 {
		return []Result{}, nil // empty corpus
	}

	vecs, err := s.embedder.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("%w for query", ErrEmptyEmbedding)
	}
	if len(vecs[0]) != dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, corpus has %d",
			ErrDimensionMismatch, len(vecs[0]), dim)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, path, start_line, end_line, content, content_hash,
		        (1 - (embedding <=> $1))::float4 AS similarity
		 FROM chunks
		 ORDER BY embedding <=> $1 ASC, seq ASC
		 LIMIT $2`,
		pgvector.NewVector(vecs[0]), k)
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.Chunk.ID, &r.Chunk.Path, &r.Chunk.StartLine,
			&r.Chunk.EndLine, &r.Chunk.Content, &r.Chunk.ContentHash, &r.Score); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading result rows: %w", err)
	}
	if results == nil {
		results = []Result{}
	}
	return results, nil
}

// Count reports the number of indexed chunks.
func (s *PGStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM chunks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return count, nil
}

// dimension reads the corpus dimensionality from any stored row; 0 while
// the corpus is empty.
func (s *PGStore) dimension(ctx context.Context) (int, error) {
	var dim int
	err := s.pool.QueryRow(ctx,
		`SELECT coalesce((SELECT vector_dims(embedding) FROM chunks LIMIT 1), 0)`).Scan(&dim)
	if err != nil {
		return 0, fmt.Errorf("reading corpus dimensionality: %w", err)
	}
	return dim, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}
