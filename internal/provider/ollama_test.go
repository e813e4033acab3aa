package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/log"
)

func newTestOllama(t *testing.T, handler http.HandlerFunc) *Ollama {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewOllama(Config{
		Kind:       KindOllama,
		Endpoint:   server.URL,
		Model:      "llama-test",
		EmbedModel: "embed-test",
		MaxTokens:  128,
	}, log.NewNop())
}

func TestOllamaGenerateResponse(t *testing.T) {
	var captured ollamaChatRequest
	client := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s, want /api/chat", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("Authorization header sent to self-hosted backend: %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message":           map[string]string{"content": "local answer"},
			"prompt_eval_count": 7,
			"eval_count":        3,
		})
	})

	resp, err := client.GenerateResponse(context.Background(), Prompt{
		System:   "preamble",
		Messages: []Message{{Role: "user", Content: "q"}},
	})
	if err != nil {
		t.Fatalf("GenerateResponse() error = %v", err)
	}
	if resp.Content != "local answer" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 10 {
		t.Errorf("Usage = %+v, want TotalTokens=10", resp.Usage)
	}

	if captured.Stream {
		t.Error("request asked for streaming")
	}
	if captured.Options.NumPredict != 128 {
		t.Errorf("num_predict = %d, want 128", captured.Options.NumPredict)
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" {
		t.Errorf("messages = %+v, want system preamble first", captured.Messages)
	}
}

func TestOllamaEmbedSequential(t *testing.T) {
	var prompts []string
	client := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("path = %s, want /api/embeddings", r.URL.Path)
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		prompts = append(prompts, req.Prompt)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embedding": []float32{float32(len(prompts)), 0},
		})
	})

	vecs, err := client.Embed(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("Embed() len = %d, want 3", len(vecs))
	}
	// One request per input, in order.
	if len(prompts) != 3 || prompts[0] != "a" || prompts[2] != "c" {
		t.Errorf("prompts = %v, want [a b c]", prompts)
	}
}

func TestOllamaValidateConfigNeedsNoCredential(t *testing.T) {
	client := NewOllama(Config{Model: "llama-test"}, log.NewNop())
	if err := client.ValidateConfig(); err != nil {
		t.Errorf("ValidateConfig() without API key error = %v, want nil", err)
	}

	missing := NewOllama(Config{}, log.NewNop())
	if err := missing.ValidateConfig(); err == nil {
		t.Error("ValidateConfig() without model succeeded, want error")
	}
}
