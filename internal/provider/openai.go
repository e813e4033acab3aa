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

// defaultOpenAIBaseURL is the hosted OpenAI endpoint.
const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI is the client variant for OpenAI and OpenAI-compatible hosted
// backends. It speaks the chat-completions and embeddings wire format; the
// OpenRouter and DashScope variants reuse this wire core with their own
// defaults and headers.
type OpenAI struct {
	cfg        Config
	name       string
	baseURL    string
	headers    map[string]string // extra per-variant request headers
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAI creates the OpenAI variant.
func NewOpenAI(cfg Config, logger *slog.Logger) *OpenAI {
	return newOpenAIWire(cfg, KindOpenAI, defaultOpenAIBaseURL, nil, logger)
}

// newOpenAIWire builds a client over the OpenAI-compatible wire format.
func newOpenAIWire(cfg Config, name, defaultBase string, headers map[string]string, logger *slog.Logger) *OpenAI {
	base := cfg.Endpoint
	if base == "" {
		base = defaultBase
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OpenAI{
		cfg:        cfg,
		name:       name,
		baseURL:    strings.TrimRight(base, "/"),
		headers:    headers,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Name implements Client.
func (c *OpenAI) Name() string { return c.name }

// ValidateConfig implements Client: pure field checks, no network.
func (c *OpenAI) ValidateConfig() error {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return fmt.Errorf("%s: %w", c.name, ErrAuth)
	}
	if strings.TrimSpace(c.cfg.Model) == "" {
		return fmt.Errorf("%s: %w: model name not set", c.name, ErrInvalidRequest)
	}
	u, err := url.Parse(c.baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s: %w: malformed endpoint %q", c.name, ErrInvalidRequest, c.baseURL)
	}
	return nil
}

// Wire types for the chat-completions endpoint.
type chatCompletionRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// GenerateResponse implements Client: one POST to /chat/completions.
func (c *OpenAI) GenerateResponse(ctx context.Context, prompt Prompt) (*Response, error) {
	messages := make([]Message, 0, len(prompt.Messages)+1)
	if prompt.System != "" {
		messages = append(messages, Message{Role: "system", Content: prompt.System})
	}
	messages = append(messages, prompt.Messages...)

	req := chatCompletionRequest{
		Model:     c.cfg.Model,
		Messages:  messages,
		MaxTokens: c.cfg.MaxTokens,
	}

	body, err := c.post(ctx, "/chat/completions", req)
	if err != nil {
		return nil, err
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%s: parsing completion response: %w", c.name, err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("%s: %w", c.name, ErrEmptyResponse)
	}

	return &Response{
		Content: parsed.Choices[0].Message.Content,
		Usage:   parsed.Usage,
	}, nil
}

// Wire types for the embeddings endpoint.
type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed implements Client and knowledge.Embedder: one POST to /embeddings.
func (c *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	model := c.cfg.EmbedModel
	if model == "" {
		model = c.cfg.Model
	}

	body, err := c.post(ctx, "/embeddings", embeddingRequest{Model: model, Input: texts})
	if err != nil {
		return nil, err
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%s: parsing embedding response: %w", c.name, err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("%s: %w: got %d embeddings for %d inputs",
			c.name, ErrEmptyResponse, len(parsed.Data), len(texts))
	}

	// The API documents data ordered by index; honor the index field anyway.
	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("%s: embedding index %d out of range", c.name, d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// post sends one JSON request and returns the raw 2xx body. Non-2xx
// statuses are mapped onto the shared taxonomy.
func (c *OpenAI) post(ctx context.Context, path string, payload any) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshaling request: %w", c.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", c.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: sending request: %w", c.name, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: reading response: %w", c.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(c.name, resp.StatusCode, body)
	}
	return body, nil
}
