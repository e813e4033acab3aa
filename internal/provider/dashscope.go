package provider

import "log/slog"

// defaultDashScopeBaseURL is Alibaba Cloud DashScope's OpenAI-compatible
// mode endpoint (Qwen models).
const defaultDashScopeBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

// DashScope is the client variant for the DashScope regional backend.
type DashScope struct {
	*OpenAI
}

// NewDashScope creates the DashScope variant.
func NewDashScope(cfg Config, logger *slog.Logger) *DashScope {
	return &DashScope{
		OpenAI: newOpenAIWire(cfg, KindDashScope, defaultDashScopeBaseURL, nil, logger),
	}
}
