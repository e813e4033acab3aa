// Package provider presents one capability contract over interchangeable
// language-model backends.
//
// Each backend is one Client variant selected by the New factory from
// configuration; adding a backend means adding one variant and one factory
// branch, never touching the orchestrator. Provider-specific failures are
// mapped onto the shared taxonomy in errors.go.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Provider kinds accepted by the factory. These mirror the config package's
// provider identifiers.
const (
	KindOpenAI     = "openai"
	KindOpenRouter = "openrouter"
	KindOllama     = "ollama"
	KindDashScope  = "dashscope"
)

// DefaultTimeout bounds a provider round trip when the configuration does
// not set one.
const DefaultTimeout = 90 * time.Second

// Config is the provider configuration surface consumed by the factory.
type Config struct {
	Kind       string        // provider kind, see Kind constants
	Endpoint   string        // base URL; empty means the variant's default
	APIKey     string        // credential; unused by self-hosted backends
	Model      string        // generation model name
	EmbedModel string        // embedding model name
	MaxTokens  int           // generation cap; 0 means provider default
	Timeout    time.Duration // per-call deadline; 0 means DefaultTimeout
}

// Message is one prompt turn in provider-neutral form.
type Message struct {
	Role    string `json:"role"` // "system" | "user" | "assistant"
	Content string `json:"content"`
}

// Prompt is the assembled input for one generation call: an optional
// system preamble (grounding context lives here) plus conversation turns
// ending with the new user query.
type Prompt struct {
	System   string
	Messages []Message
}

// Usage reports token accounting when the backend provides it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the result of one generation round trip.
type Response struct {
	Content string
	Usage   *Usage // nil when the backend reports no usage
}

// Client is the capability contract implemented once per backend.
type Client interface {
	// Name identifies the variant for logging.
	Name() string

	// ValidateConfig is a pure check of required fields: credential
	// present, endpoint well-formed, model set. It must pass (return nil)
	// before the client is used; a non-nil result is a fatal configuration
	// error, never retried.
	ValidateConfig() error

	// GenerateResponse performs one network round trip. Backend errors are
	// mapped onto the shared taxonomy and propagate to the caller; they
	// are never swallowed.
	GenerateResponse(ctx context.Context, prompt Prompt) (*Response, error)

	// Embed turns texts into fixed-dimensionality vectors using the same
	// backend. Satisfies knowledge.Embedder.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// New resolves exactly one concrete client for the configuration. An
// unrecognized kind fails fast; there is no silent fallback to another
// backend.
func New(cfg Config, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	switch cfg.Kind {
	case KindOpenAI:
		return NewOpenAI(cfg, logger), nil
	case KindOpenRouter:
		return NewOpenRouter(cfg, logger), nil
	case KindOllama:
		return NewOllama(cfg, logger), nil
	case KindDashScope:
		return NewDashScope(cfg, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Kind)
	}
}
