package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/log"
)

// stubEmbedder maps exact texts to fixed vectors so similarity ranking is
// fully deterministic in tests.
type stubEmbedder struct {
	vectors map[string][]float32
	err     error
	calls   int
}

func (e *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, ok := e.vectors[text]
		if !ok {
			return nil, fmt.Errorf("no stub vector for %q", text)
		}
		out[i] = vec
	}
	return out, nil
}

func testChunk(id, content string) Chunk {
	return Chunk{
		ID:          id,
		Path:        "pkg/" + id + ".go",
		StartLine:   1,
		EndLine:     10,
		Content:     content,
		ContentHash: "hash-" + id,
	}
}

func TestRetrieveRanksByCosineSimilarity(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"north":     {0, 1},
		"east":      {1, 0},
		"northeast": {1, 1},
		"query":     {0.1, 1},
	}}
	store := NewMemoryStore(embedder, log.NewNop())

	chunks := []Chunk{
		testChunk("a", "east"),
		testChunk("b", "northeast"),
		testChunk("c", "north"),
	}
	if _, err := store.IndexChunks(context.Background(), chunks); err != nil {
		t.Fatalf("IndexChunks() error = %v", err)
	}

	results, err := store.Retrieve(context.Background(), "query", 3)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Retrieve() len = %d, want 3", len(results))
	}

	wantOrder := []string{"c", "b", "a"} // north closest, east furthest
	for i, want := range wantOrder {
		if results[i].Chunk.ID != want {
			t.Errorf("result %d = %s, want %s", i, results[i].Chunk.ID, want)
		}
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("scores not descending at %d: %v > %v", i, results[i].Score, results[i-1].Score)
		}
	}
}

func TestRetrieveDeterministicTieBreak(t *testing.T) {
	// Identical vectors score identically; insertion order must decide.
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"same":  {1, 1},
		"query": {1, 1},
	}}
	store := NewMemoryStore(embedder, log.NewNop())

	var chunks []Chunk
	for i := 0; i < 5; i++ {
		chunks = append(chunks, testChunk(fmt.Sprintf("tie-%d", i), "same"))
	}
	if _, err := store.IndexChunks(context.Background(), chunks); err != nil {
		t.Fatalf("IndexChunks() error = %v", err)
	}

	for run := 0; run < 3; run++ {
		results, err := store.Retrieve(context.Background(), "query", 5)
		if err != nil {
			t.Fatalf("Retrieve() error = %v", err)
		}
		for i, r := range results {
			want := fmt.Sprintf("tie-%d", i)
			if r.Chunk.ID != want {
				t.Fatalf("run %d result %d = %s, want %s (insertion order)", run, i, r.Chunk.ID, want)
			}
		}
	}
}

func TestIndexChunksReplacesModifiedContent(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"old text": {1, 0},
		"new text": {0, 1},
		"query":    {0, 1},
	}}
	store := NewMemoryStore(embedder, log.NewNop())
	ctx := context.Background()

	chunk := testChunk("a", "old text")
	if _, err := store.IndexChunks(ctx, []Chunk{chunk}); err != nil {
		t.Fatalf("IndexChunks() error = %v", err)
	}

	// Same chunk identity, edited content: the entry is replaced, not
	// duplicated.
	edited := chunk
	edited.Content = "new text"
	edited.ContentHash = "hash-a-v2"
	stats, err := store.IndexChunks(ctx, []Chunk{edited})
	if err != nil {
		t.Fatalf("IndexChunks() error = %v", err)
	}
	if stats.Indexed != 1 {
		t.Errorf("Indexed = %d, want 1 (replacement counts as indexed)", stats.Indexed)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("Count() = %d after re-index, want 1", count)
	}

	results, err := store.Retrieve(ctx, "query", 10)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Retrieve() len = %d, want 1", len(results))
	}
	if results[0].Chunk.Content != "new text" {
		t.Errorf("retrieved content = %q, want the edited text", results[0].Chunk.Content)
	}

	// The edited version is now the indexed one; repeating it is a no-op.
	stats, err = store.IndexChunks(ctx, []Chunk{edited})
	if err != nil {
		t.Fatalf("IndexChunks() error = %v", err)
	}
	if stats.Skipped != 1 || stats.Indexed != 0 {
		t.Errorf("re-index of replaced chunk = %+v, want Skipped=1", stats)
	}
}

func TestRetrieveTopKBounds(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"content": {1, 0},
		"query":   {1, 0},
	}}
	store := NewMemoryStore(embedder, log.NewNop())

	var chunks []Chunk
	for i := 0; i < 3; i++ {
		chunks = append(chunks, testChunk(fmt.Sprintf("c%d", i), "content"))
	}
	if _, err := store.IndexChunks(context.Background(), chunks); err != nil {
		t.Fatalf("IndexChunks() error = %v", err)
	}

	tests := []struct {
		name string
		k    int
		want int
	}{
		{"k smaller than corpus", 2, 2},
		{"k equals corpus", 3, 3},
		{"k larger than corpus", 10, 3},
		{"k zero", 0, 0},
		{"k negative", -1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := store.Retrieve(context.Background(), "query", tt.k)
			if err != nil {
				t.Fatalf("Retrieve(k=%d) error = %v", tt.k, err)
			}
			if len(results) != tt.want {
				t.Errorf("Retrieve(k=%d) len = %d, want %d", tt.k, len(results), tt.want)
			}
		})
	}
}

func TestRetrieveEmptyCorpus(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{}}
	store := NewMemoryStore(embedder, log.NewNop())

	results, err := store.Retrieve(context.Background(), "anything", 5)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Retrieve() len = %d, want 0", len(results))
	}
	if embedder.calls != 0 {
		t.Errorf("embedder called %d times on empty corpus, want 0", embedder.calls)
	}
}

func TestIndexChunksIdempotentByHash(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{"content": {1, 0}}}
	store := NewMemoryStore(embedder, log.NewNop())

	chunks := []Chunk{testChunk("a", "content"), testChunk("b", "content")}

	stats, err := store.IndexChunks(context.Background(), chunks)
	if err != nil {
		t.Fatalf("IndexChunks() error = %v", err)
	}
	if stats.Indexed != 2 || stats.Skipped != 0 {
		t.Errorf("first pass = %+v, want Indexed=2 Skipped=0", stats)
	}

	stats, err = store.IndexChunks(context.Background(), chunks)
	if err != nil {
		t.Fatalf("IndexChunks() second pass error = %v", err)
	}
	if stats.Indexed != 0 || stats.Skipped != 2 {
		t.Errorf("second pass = %+v, want Indexed=0 Skipped=2", stats)
	}

	count, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 2 {
		t.Errorf("Count() = %d, want 2", count)
	}
}

func TestIndexChunksDimensionMismatch(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"two":   {1, 0},
		"three": {1, 0, 0},
	}}
	store := NewMemoryStore(embedder, log.NewNop())

	if _, err := store.IndexChunks(context.Background(), []Chunk{testChunk("a", "two")}); err != nil {
		t.Fatalf("IndexChunks() error = %v", err)
	}

	_, err := store.IndexChunks(context.Background(), []Chunk{testChunk("b", "three")})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("IndexChunks() error = %v, want ErrDimensionMismatch", err)
	}
}

func TestRetrieveDimensionMismatch(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"content": {1, 0},
		"query":   {1, 0, 0},
	}}
	store := NewMemoryStore(embedder, log.NewNop())

	if _, err := store.IndexChunks(context.Background(), []Chunk{testChunk("a", "content")}); err != nil {
		t.Fatalf("IndexChunks() error = %v", err)
	}

	_, err := store.Retrieve(context.Background(), "query", 1)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Retrieve() error = %v, want ErrDimensionMismatch", err)
	}
}

func TestIndexChunksCancellationKeepsPartialProgress(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"content": {1, 0},
		"query":   {1, 0},
	}}
	store := NewMemoryStore(embedder, log.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := store.IndexChunks(ctx, []Chunk{testChunk("a", "content")}); err != nil {
		t.Fatalf("IndexChunks() error = %v", err)
	}

	cancel()
	stats, err := store.IndexChunks(ctx, []Chunk{testChunk("b", "content")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("IndexChunks() after cancel error = %v, want context.Canceled", err)
	}
	if stats.Indexed != 0 {
		t.Errorf("Indexed = %d after cancellation, want 0", stats.Indexed)
	}

	// Chunks indexed before cancellation stay queryable.
	results, err := store.Retrieve(context.Background(), "query", 5)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(results) != 1 || results[0].Chunk.ID != "a" {
		t.Errorf("Retrieve() = %v, want the chunk indexed before cancellation", results)
	}
}

func TestIndexChunksEmbedderFailure(t *testing.T) {
	embedder := &stubEmbedder{err: errors.New("backend down")}
	store := NewMemoryStore(embedder, log.NewNop())

	_, err := store.IndexChunks(context.Background(), []Chunk{testChunk("a", "content")})
	if err == nil || !strings.Contains(err.Error(), "backend down") {
		t.Errorf("IndexChunks() error = %v, want embedder failure", err)
	}

	count, _ := store.Count(context.Background())
	if count != 0 {
		t.Errorf("Count() = %d after failed embed, want 0", count)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-6 || diff < -1e-6 {
				t.Errorf("cosineSimilarity(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
