package provider

import (
	"errors"
	"testing"

	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/log"
)

func TestNewResolvesEachKind(t *testing.T) {
	tests := []struct {
		kind string
		name string
	}{
		{KindOpenAI, "openai"},
		{KindOpenRouter, "openrouter"},
		{KindOllama, "ollama"},
		{KindDashScope, "dashscope"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			client, err := New(Config{Kind: tt.kind, APIKey: "k", Model: "m"}, log.NewNop())
			if err != nil {
				t.Fatalf("New(%s) error = %v", tt.kind, err)
			}
			if client.Name() != tt.name {
				t.Errorf("Name() = %q, want %q", client.Name(), tt.name)
			}
		})
	}
}

func TestNewUnknownKind(t *testing.T) {
	_, err := New(Config{Kind: "bedrock"}, log.NewNop())
	if !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("New(unknown) error = %v, want ErrUnknownProvider", err)
	}
}

func TestStatusErrorTaxonomy(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{429, ErrRateLimited},
		{401, ErrAuth},
		{403, ErrAuth},
		{500, ErrServer},
		{502, ErrServer},
		{503, ErrServer},
		{400, ErrInvalidRequest},
		{404, ErrInvalidRequest},
	}
	for _, tt := range tests {
		err := statusError("test", tt.status, []byte("detail"))
		if !errors.Is(err, tt.want) {
			t.Errorf("statusError(%d) = %v, want %v", tt.status, err, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", statusError("p", 429, nil), true},
		{"server error", statusError("p", 500, nil), true},
		{"auth", statusError("p", 401, nil), false},
		{"invalid request", statusError("p", 400, nil), false},
		{"empty response", ErrEmptyResponse, false},
		{"nil", nil, false},
		{"unrelated", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
