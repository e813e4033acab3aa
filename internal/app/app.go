// Package app provides application initialization and dependency wiring.
//
// App is the container that assembles the model client, the retrieval
// index, the session store and the chat agent from configuration. CLI
// commands build an App, use the pieces they need, and Close it.
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/chat"
	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/config"
	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/knowledge"
	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/provider"
	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/session"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Client    provider.Client
	Knowledge knowledge.Store
	Indexer   *knowledge.Indexer
	Sessions  *session.Store
	Agent     *chat.Agent

	otelCleanup func()
}

// Close releases all resources in reverse initialization order.
func (a *App) Close() error {
	a.Logger.Debug("shutting down")

	var firstErr error
	if a.Sessions != nil {
		if err := a.Sessions.Close(); err != nil {
			firstErr = err
		}
	}
	if a.Knowledge != nil {
		if err := a.Knowledge.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	return firstErr
}

// flushTimeout bounds trace export during shutdown.
const flushTimeout = 5 * time.Second

func flushWithTimeout(shutdown func(context.Context) error, logger *slog.Logger) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}
