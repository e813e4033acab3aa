package provider

import "log/slog"

// defaultOpenRouterBaseURL is the OpenRouter aggregator endpoint; it speaks
// the OpenAI-compatible wire format.
const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouter is the client variant for the OpenRouter hosted aggregator.
type OpenRouter struct {
	*OpenAI
}

// NewOpenRouter creates the OpenRouter variant. OpenRouter recommends
// identifying the calling application via the Referer/X-Title headers.
func NewOpenRouter(cfg Config, logger *slog.Logger) *OpenRouter {
	headers := map[string]string{
		"HTTP-Referer": "https://github.com/AsyncFuncAI/deepwiki-open-sub001",
		"X-Title":      "repochat",
	}
	return &OpenRouter{
		OpenAI: newOpenAIWire(cfg, KindOpenRouter, defaultOpenRouterBaseURL, headers, logger),
	}
}
