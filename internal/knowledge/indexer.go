package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// defaultSupportedExtensions are the source file types indexed by default.
var defaultSupportedExtensions = map[string]bool{
	".txt":  true,
	".md":   true,
	".go":   true,
	".py":   true,
	".js":   true,
	".ts":   true,
	".tsx":  true,
	".java": true,
	".c":    true,
	".cpp":  true,
	".h":    true,
	".hpp":  true,
	".rs":   true,
	".rb":   true,
	".php":  true,
	".sh":   true,
	".yaml": true,
	".yml":  true,
	".json": true,
	".html": true,
	".css":  true,
	".sql":  true,
}

// skippedDirs are never descended into.
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".repochat":    true,
}

const (
	// ChunkLines is the window height of one chunk, in lines.
	ChunkLines = 120

	// MaxFileBytes bounds the size of files eligible for indexing; larger
	// files are skipped rather than truncated mid-embedding.
	MaxFileBytes = 512 * 1024
)

// IndexResult summarizes one indexing run over a directory tree.
type IndexResult struct {
	FilesIndexed  int
	FilesSkipped  int
	FilesFailed   int
	ChunksIndexed int
	ChunksSkipped int
	Duration      time.Duration
}

// ChunkStore is the subset of Store the indexer needs.
type ChunkStore interface {
	IndexChunks(ctx context.Context, chunks []Chunk) (IndexStats, error)
}

// Indexer turns a workspace directory into retrieval chunks. Indexing is
// explicit and on-demand: queries never trigger re-indexing, and the
// content-hash idempotence in the store makes repeated runs cheap.
type Indexer struct {
	store      ChunkStore
	logger     *slog.Logger
	extensions map[string]bool
}

// NewIndexer creates an indexer over the given store. extensions overrides
// the default supported file types when non-empty.
func NewIndexer(store ChunkStore, extensions []string, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}

	extMap := make(map[string]bool, len(defaultSupportedExtensions))
	if len(extensions) > 0 {
		for _, ext := range extensions {
			extMap[strings.ToLower(ext)] = true
		}
	} else {
		for k := range defaultSupportedExtensions {
			extMap[k] = true
		}
	}

	return &Indexer{store: store, logger: logger, extensions: extMap}
}

// AddDirectory walks dirPath and indexes every supported file. Failures on
// individual files are counted, not fatal. Cancellation is honored between
// files and, inside the store, between chunks; everything indexed before a
// cancellation stays queryable.
func (idx *Indexer) AddDirectory(ctx context.Context, dirPath string) (*IndexResult, error) {
	start := time.Now()
	result := &IndexResult{}

	absDir, err := filepath.Abs(dirPath)
	if err != nil {
		return nil, fmt.Errorf("resolving directory path: %w", err)
	}

	err = filepath.WalkDir(absDir, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			result.FilesFailed++
			return nil // keep walking
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if !idx.extensions[ext] {
			result.FilesSkipped++
			return nil
		}

		info, err := d.Info()
		if err != nil || info.Size() > MaxFileBytes {
			result.FilesSkipped++
			return nil
		}

		stats, err := idx.addFile(ctx, absDir, path)
		if err != nil {
			if ctx.Err() != nil {
				return err // cancellation, stop the walk
			}
			idx.logger.Warn("indexing file failed", "path", path, "error", err)
			result.FilesFailed++
			return nil
		}

		result.FilesIndexed++
		result.ChunksIndexed += stats.Indexed
		result.ChunksSkipped += stats.Skipped
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("walking directory: %w", err)
	}

	result.Duration = time.Since(start)
	idx.logger.Info("indexed directory",
		"dir", absDir,
		"files", result.FilesIndexed,
		"chunks", result.ChunksIndexed,
		"skipped_chunks", result.ChunksSkipped,
		"duration", result.Duration)
	return result, nil
}

// AddFile indexes one file.
func (idx *Indexer) AddFile(ctx context.Context, filePath string) (*IndexResult, error) {
	start := time.Now()

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("resolving file path: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(absPath))
	if !idx.extensions[ext] {
		return nil, fmt.Errorf("unsupported file type: %s", ext)
	}

	stats, err := idx.addFile(ctx, filepath.Dir(absPath), absPath)
	if err != nil {
		return nil, err
	}

	return &IndexResult{
		FilesIndexed:  1,
		ChunksIndexed: stats.Indexed,
		ChunksSkipped: stats.Skipped,
		Duration:      time.Since(start),
	}, nil
}

func (idx *Indexer) addFile(ctx context.Context, rootDir, path string) (IndexStats, error) {
	content, err := os.ReadFile(path) // #nosec G304 -- path produced by our own walk
	if err != nil {
		return IndexStats{}, fmt.Errorf("reading file: %w", err)
	}

	rel, err := filepath.Rel(rootDir, path)
	if err != nil {
		rel = path
	}

	chunks := SplitFile(rel, string(content))
	return idx.store.IndexChunks(ctx, chunks)
}

// SplitFile splits file content into fixed-height line windows with source
// locators and content hashes.
func SplitFile(path, content string) []Chunk {
	lines := strings.Split(content, "\n")

	var chunks []Chunk
	for start := 0; start < len(lines); start += ChunkLines {
		end := start + ChunkLines
		if end > len(lines) {
			end = len(lines)
		}
		text := strings.Join(lines[start:end], "\n")
		if strings.TrimSpace(text) == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			ID:          chunkID(path, start+1, end),
			Path:        path,
			StartLine:   start + 1,
			EndLine:     end,
			Content:     text,
			ContentHash: hashContent(path, text),
		})
	}
	return chunks
}

// chunkID derives a stable chunk identifier from the source locator.
func chunkID(path string, startLine, endLine int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d-%d", path, startLine, endLine)))
	return "chunk_" + hex.EncodeToString(h[:16])
}

// hashContent is the freshness marker: it covers the locator and the text,
// so moved or edited content re-embeds while unchanged content is a no-op.
func hashContent(path, text string) string {
	h := sha256.Sum256([]byte(path + "\x00" + text))
	return hex.EncodeToString(h[:])
}
