package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Sentinel errors for configuration validation.
// Checked by callers with errors.Is(); all of them are fatal to the
// operation that needed the configuration and are never retried.
var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidProvider indicates the provider kind is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidEndpoint indicates the provider endpoint is malformed.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidModelName indicates the model name is empty.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidMaxTokens indicates the max tokens value is out of range.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidTopK indicates the retrieval top-K is out of range.
	ErrInvalidTopK = errors.New("invalid top_k")

	// ErrInvalidHistoryLimit indicates max_history_messages is out of range.
	ErrInvalidHistoryLimit = errors.New("invalid max_history_messages")

	// ErrInvalidVectorBackend indicates the vector backend is unknown.
	ErrInvalidVectorBackend = errors.New("invalid vector backend")

	// ErrMissingDatabaseURL indicates the postgres backend was selected
	// without a DATABASE_URL.
	ErrMissingDatabaseURL = errors.New("missing database URL")

	// ErrMissingStorageDir indicates no session storage directory is set.
	ErrMissingStorageDir = errors.New("missing storage directory")
)

// validProviders is the closed set of supported provider kinds.
var validProviders = map[string]bool{
	ProviderOpenAI:     true,
	ProviderOpenRouter: true,
	ProviderOllama:     true,
	ProviderDashScope:  true,
}

// Validate checks the configuration and returns the first problem found.
// An unknown provider kind is an error here, never a silent fallback.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if !validProviders[c.Provider] {
		return fmt.Errorf("%w: %q (supported: openai, openrouter, ollama, dashscope)",
			ErrInvalidProvider, c.Provider)
	}

	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("%w: model name must not be empty", ErrInvalidModelName)
	}

	// Ollama runs locally and needs no credential; every hosted provider does.
	if c.Provider != ProviderOllama && strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: set REPOCHAT_API_KEY for provider %q", ErrMissingAPIKey, c.Provider)
	}

	if c.Endpoint != "" {
		u, err := url.Parse(c.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: %q must be an absolute http(s) URL", ErrInvalidEndpoint, c.Endpoint)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
		}
	}

	if c.MaxTokens <= 0 || c.MaxTokens > 1_000_000 {
		return fmt.Errorf("%w: %d (must be in 1..1000000)", ErrInvalidMaxTokens, c.MaxTokens)
	}

	if c.TopK <= 0 || c.TopK > 100 {
		return fmt.Errorf("%w: %d (must be in 1..100)", ErrInvalidTopK, c.TopK)
	}

	if err := c.ValidateStorage(); err != nil {
		return err
	}

	switch c.VectorBackend {
	case VectorBackendMemory:
	case VectorBackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("%w: postgres vector backend requires DATABASE_URL", ErrMissingDatabaseURL)
		}
	default:
		return fmt.Errorf("%w: %q (supported: memory, postgres)",
			ErrInvalidVectorBackend, c.VectorBackend)
	}

	return nil
}

// ValidateStorage checks only the fields the session store needs. It is the
// validation surface for commands that manage sessions without touching a
// model provider.
func (c *Config) ValidateStorage() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.MaxHistoryMessages <= 0 || c.MaxHistoryMessages > MaxAllowedHistoryMessages {
		return fmt.Errorf("%w: %d (must be in 1..%d)",
			ErrInvalidHistoryLimit, c.MaxHistoryMessages, MaxAllowedHistoryMessages)
	}

	if strings.TrimSpace(c.StorageDir) == "" {
		return fmt.Errorf("%w: storage_dir must be set (usually <workspace>/.repochat/sessions)",
			ErrMissingStorageDir)
	}

	return nil
}
