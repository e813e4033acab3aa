package app

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/AsyncFuncAI/deepwiki-open-sub001/db"
	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/chat"
	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/config"
	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/knowledge"
	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/observability"
	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/provider"
	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/session"
)

// Setup creates and initializes the application. Returns an App with
// embedded cleanup; call Close() to release.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{Config: cfg, Logger: logger}

	// On error, clean up everything already initialized.
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	tracer := provideTracer(ctx, a, cfg, logger)

	client, err := provideClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Client = client

	store, err := provideKnowledgeStore(ctx, cfg, client, logger)
	if err != nil {
		return nil, err
	}
	a.Knowledge = store
	a.Indexer = knowledge.NewIndexer(store, nil, logger)

	sessions, err := provideSessionStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Sessions = sessions

	agent, err := chat.New(chat.Config{
		Client:          client,
		Sessions:        sessions,
		Retriever:       store,
		Logger:          logger,
		TopK:            cfg.TopK,
		MaxContextBytes: cfg.MaxContextBytes,
		Tracer:          tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	a.Agent = agent

	return a, nil
}

// provideTracer sets up OTLP tracing when enabled; nil tracer disables
// span creation downstream.
func provideTracer(ctx context.Context, a *App, cfg *config.Config, logger *slog.Logger) trace.Tracer {
	if !cfg.Tracing.Enabled {
		return nil
	}
	tracer, shutdown := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Environment: cfg.Tracing.Environment,
		ServiceName: cfg.Tracing.ServiceName,
	}, logger)
	a.otelCleanup = flushWithTimeout(shutdown, logger)
	return tracer
}

// provideClient builds the configured model backend client.
func provideClient(cfg *config.Config, logger *slog.Logger) (provider.Client, error) {
	client, err := provider.New(provider.Config{
		Kind:       cfg.Provider,
		Endpoint:   cfg.Endpoint,
		APIKey:     cfg.APIKey,
		Model:      cfg.ModelName,
		EmbedModel: cfg.EmbedderModel,
		MaxTokens:  cfg.MaxTokens,
		Timeout:    cfg.RequestTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating provider client: %w", err)
	}
	return client, nil
}

// provideKnowledgeStore selects the retrieval backend: in-memory by
// default, pgvector for large corpora. The postgres path runs migrations
// before connecting.
func provideKnowledgeStore(ctx context.Context, cfg *config.Config, embedder knowledge.Embedder, logger *slog.Logger) (knowledge.Store, error) {
	switch cfg.VectorBackend {
	case config.VectorBackendPostgres:
		if err := db.Migrate(cfg.DatabaseURL, logger); err != nil {
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		store, err := knowledge.NewPGStore(ctx, cfg.DatabaseURL, embedder, logger)
		if err != nil {
			return nil, fmt.Errorf("creating pgvector store: %w", err)
		}
		return store, nil
	default:
		return knowledge.NewMemoryStore(embedder, logger), nil
	}
}

// provideSessionStore opens the workspace-scoped session store.
func provideSessionStore(cfg *config.Config, logger *slog.Logger) (*session.Store, error) {
	store, err := session.NewStore(cfg.StorageDir, cfg.MaxHistoryMessages, logger)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	return store, nil
}
