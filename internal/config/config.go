// Package config provides application configuration with multi-source
// priority.
//
// Sources, highest priority first:
//  1. Environment variables (secrets and runtime overrides)
//  2. Config file (.repochat/config.yaml in the workspace, or ~/.repochat/)
//  3. Defaults
//
// Categories:
//   - Provider: model backend selection, endpoint, credential, limits
//   - Retrieval: embedder model, top-K, vector backend (memory or postgres)
//   - Memory: conversation history bounds and storage directory
//   - Observability: optional OTLP trace export (see observability package)
//
// Sensitive values (API keys, database URL) are masked in MarshalJSON and
// String. Validation is fail-fast with sentinel errors checked via
// errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Provider identifiers used in Config.Provider.
const (
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
	ProviderDashScope  = "dashscope"
)

// Vector backend identifiers used in Config.VectorBackend.
const (
	VectorBackendMemory   = "memory"
	VectorBackendPostgres = "postgres"
)

const (
	// DefaultMaxHistoryMessages is the default context window size, counted
	// in messages (not tokens).
	DefaultMaxHistoryMessages = 20

	// MaxAllowedHistoryMessages bounds the context window to prevent
	// runaway prompt sizes.
	MaxAllowedHistoryMessages = 1000

	// DefaultTopK is the default number of chunks retrieved per query.
	DefaultTopK = 5

	// DefaultMaxContextBytes bounds the combined size of retrieved chunks
	// included in one prompt.
	DefaultMaxContextBytes = 24 * 1024

	// DefaultRequestTimeout applies to each provider network call.
	DefaultRequestTimeout = 90 * time.Second
)

// Config stores application configuration.
// SECURITY: sensitive fields are masked in MarshalJSON. When adding a new
// secret field, update MarshalJSON as well.
type Config struct {
	// Provider configuration
	Provider  string `mapstructure:"provider" json:"provider"`     // "openai" (default), "openrouter", "ollama", "dashscope"
	ModelName string `mapstructure:"model_name" json:"model_name"` // e.g. "gpt-4o", "qwen-plus", "llama3.3"
	Endpoint  string `mapstructure:"endpoint" json:"endpoint"`     // Base URL; empty = provider default
	APIKey    string `mapstructure:"api_key" json:"api_key"`       // SENSITIVE: masked in MarshalJSON
	MaxTokens int    `mapstructure:"max_tokens" json:"max_tokens"`

	// RequestTimeout bounds each provider round trip (generation and
	// embedding). Zero means DefaultRequestTimeout.
	RequestTimeout time.Duration `mapstructure:"request_timeout" json:"request_timeout"`

	// Retrieval configuration
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`
	TopK          int    `mapstructure:"top_k" json:"top_k"`
	VectorBackend string `mapstructure:"vector_backend" json:"vector_backend"` // "memory" (default) or "postgres"
	DatabaseURL   string `mapstructure:"database_url" json:"database_url"`     // SENSITIVE: masked in MarshalJSON

	// Conversation memory configuration
	MaxHistoryMessages int    `mapstructure:"max_history_messages" json:"max_history_messages"`
	StorageDir         string `mapstructure:"storage_dir" json:"storage_dir"` // workspace-scoped session store

	// Prompt assembly
	MaxContextBytes int `mapstructure:"max_context_bytes" json:"max_context_bytes"`

	// Observability configuration
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// TracingConfig configures the optional OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"` // OTLP/HTTP endpoint, e.g. "localhost:4318"
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	Environment string `mapstructure:"environment" json:"environment"`
}

// Load loads and fully validates configuration for one workspace.
// Priority: environment variables > config file > defaults.
func Load(workspaceDir string) (*Config, error) {
	cfg, err := load(workspaceDir)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return cfg, nil
}

// LoadStorage loads configuration but validates only the session storage
// fields. Session management commands use it so listing or exporting
// sessions never demands a provider credential.
func LoadStorage(workspaceDir string) (*Config, error) {
	cfg, err := load(workspaceDir)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateStorage(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return cfg, nil
}

func load(workspaceDir string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".repochat")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if workspaceDir != "" {
		v.AddConfigPath(filepath.Join(workspaceDir, ".repochat"))
	}
	v.AddConfigPath(configDir)

	setDefaults(v, workspaceDir)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{workspaceDir, configDir})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper, workspaceDir string) {
	v.SetDefault("provider", ProviderOpenAI)
	v.SetDefault("model_name", "gpt-4o")
	v.SetDefault("max_tokens", 2048)
	v.SetDefault("request_timeout", DefaultRequestTimeout)

	v.SetDefault("embedder_model", "text-embedding-3-small")
	v.SetDefault("top_k", DefaultTopK)
	v.SetDefault("vector_backend", VectorBackendMemory)

	v.SetDefault("max_history_messages", DefaultMaxHistoryMessages)
	v.SetDefault("max_context_bytes", DefaultMaxContextBytes)

	storageDir := filepath.Join(workspaceDir, ".repochat", "sessions")
	if workspaceDir == "" {
		storageDir = ""
	}
	v.SetDefault("storage_dir", storageDir)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "repochat")
	v.SetDefault("tracing.environment", "dev")
}

// bindEnvVariables binds environment variables explicitly. Secrets are only
// ever read from the environment, never written to the config file by us.
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded keys cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("api_key", "REPOCHAT_API_KEY")
	mustBind("database_url", "DATABASE_URL")

	mustBind("provider", "REPOCHAT_PROVIDER")
	mustBind("model_name", "REPOCHAT_MODEL_NAME")
	mustBind("endpoint", "REPOCHAT_ENDPOINT")
	mustBind("embedder_model", "REPOCHAT_EMBEDDER_MODEL")
	mustBind("vector_backend", "REPOCHAT_VECTOR_BACKEND")
}

// maskedValue is the placeholder for masked sensitive data. Full-width
// blocks avoid accidental substring matches against real secret content.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Short secrets are fully
// masked; longer ones keep two characters at each end for debuggability.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with sensitive field masking.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.APIKey = maskSecret(a.APIKey)
	a.DatabaseURL = maskSecret(a.DatabaseURL)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
