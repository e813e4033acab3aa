package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// defaultOllamaBaseURL is the local Ollama server.
const defaultOllamaBaseURL = "http://localhost:11434"

// Ollama is the client variant for a self-hosted Ollama server. It speaks
// Ollama's native API (not the OpenAI-compatible shim) and needs no
// credential.
type Ollama struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllama creates the Ollama variant.
func NewOllama(cfg Config, logger *slog.Logger) *Ollama {
	base := cfg.Endpoint
	if base == "" {
		base = defaultOllamaBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Ollama{
		cfg:        cfg,
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Name implements Client.
func (c *Ollama) Name() string { return KindOllama }

// ValidateConfig implements Client. Self-hosted, so no credential check.
func (c *Ollama) ValidateConfig() error {
	if strings.TrimSpace(c.cfg.Model) == "" {
		return fmt.Errorf("%s: %w: model name not set", KindOllama, ErrInvalidRequest)
	}
	u, err := url.Parse(c.baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s: %w: malformed endpoint %q", KindOllama, ErrInvalidRequest, c.baseURL)
	}
	return nil
}

// Wire types for Ollama's native chat endpoint.
type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	NumPredict int `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

// GenerateResponse implements Client: one non-streaming POST to /api/chat.
func (c *Ollama) GenerateResponse(ctx context.Context, prompt Prompt) (*Response, error) {
	messages := make([]Message, 0, len(prompt.Messages)+1)
	if prompt.System != "" {
		messages = append(messages, Message{Role: "system", Content: prompt.System})
	}
	messages = append(messages, prompt.Messages...)

	req := ollamaChatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   false,
		Options:  ollamaOptions{NumPredict: c.cfg.MaxTokens},
	}

	body, err := c.post(ctx, "/api/chat", req)
	if err != nil {
		return nil, err
	}

	var parsed ollamaChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%s: parsing chat response: %w", KindOllama, err)
	}
	if parsed.Message.Content == "" {
		return nil, fmt.Errorf("%s: %w", KindOllama, ErrEmptyResponse)
	}

	resp := &Response{Content: parsed.Message.Content}
	if parsed.PromptEvalCount > 0 || parsed.EvalCount > 0 {
		resp.Usage = &Usage{
			PromptTokens:     parsed.PromptEvalCount,
			CompletionTokens: parsed.EvalCount,
			TotalTokens:      parsed.PromptEvalCount + parsed.EvalCount,
		}
	}
	return resp, nil
}

// Wire types for Ollama's embeddings endpoint.
type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed implements Client and knowledge.Embedder. The native endpoint
// embeds one prompt per call, so inputs are sent sequentially.
func (c *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	model := c.cfg.EmbedModel
	if model == "" {
		model = c.cfg.Model
	}

	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		body, err := c.post(ctx, "/api/embeddings", ollamaEmbedRequest{Model: model, Prompt: text})
		if err != nil {
			return nil, err
		}

		var parsed ollamaEmbedResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("%s: parsing embedding response: %w", KindOllama, err)
		}
		if len(parsed.Embedding) == 0 {
			return nil, fmt.Errorf("%s: %w", KindOllama, ErrEmptyResponse)
		}
		out = append(out, parsed.Embedding)
	}
	return out, nil
}

// post sends one JSON request and returns the raw 2xx body.
func (c *Ollama) post(ctx context.Context, path string, payload any) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshaling request: %w", KindOllama, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", KindOllama, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: sending request: %w", KindOllama, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: reading response: %w", KindOllama, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(KindOllama, resp.StatusCode, body)
	}
	return body, nil
}
