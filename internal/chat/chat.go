// Package chat implements the query-answer cycle: retrieve grounding
// chunks, assemble a prompt from bounded conversation history, call the
// model backend, and commit the turn to conversation memory.
//
// The strict ordering — commit only after successful generation — is the
// central correctness property: a transient provider failure never leaves
// an orphaned user turn with no answer in history.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/knowledge"
	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/provider"
	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/session"
)

// Defaults applied when the request and configuration leave them unset.
const (
	DefaultTopK            = 5
	DefaultMaxContextBytes = 24 * 1024

	// titleMaxRunes bounds session titles derived from the first query.
	titleMaxRunes = 64
)

// Sentinel errors for orchestration.
var (
	// ErrEmptyQuery indicates the request carried no query text.
	ErrEmptyQuery = errors.New("empty query")

	// ErrNoSession indicates no session was current and the request did
	// not allow creating one.
	ErrNoSession = errors.New("no session selected")
)

// Retriever is the retrieval capability the orchestrator consumes.
// knowledge.MemoryStore and knowledge.PGStore both satisfy it.
type Retriever interface {
	Retrieve(ctx context.Context, queryText string, k int) ([]knowledge.Result, error)
}

// Config contains all required parameters for the orchestrator.
type Config struct {
	Client    provider.Client
	Sessions  *session.Store
	Retriever Retriever
	Logger    *slog.Logger

	// TopK is the default number of chunks retrieved per query.
	TopK int

	// MaxContextBytes bounds the combined size of retrieved chunk text in
	// one prompt.
	MaxContextBytes int

	// Resilience configuration (zero values use defaults).
	RetryConfig          RetryConfig
	CircuitBreakerConfig CircuitBreakerConfig
	RateLimiter          *rate.Limiter // nil = default limiter

	// Tracer records retrieve/generate spans; nil disables tracing.
	Tracer trace.Tracer
}

// validate checks that all required dependencies are present.
func (cfg Config) validate() error {
	if cfg.Client == nil {
		return errors.New("provider client is required")
	}
	if cfg.Sessions == nil {
		return errors.New("session store is required")
	}
	if cfg.Retriever == nil {
		return errors.New("retriever is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Request is one orchestrated query.
type Request struct {
	// SessionID selects the conversation; empty means the current session.
	SessionID string

	// Query is the user's question.
	Query string

	// TopK overrides the configured retrieval depth when > 0.
	TopK int

	// HistoryLimit overrides the configured context window (in messages)
	// when > 0.
	HistoryLimit int

	// CreateSession allows implicitly creating a session when none is
	// current. When false and no session exists, Execute fails with
	// ErrNoSession.
	CreateSession bool
}

// Answer is the result of one orchestrated query.
type Answer struct {
	SessionID string
	Content   string
	Usage     *provider.Usage
	Grounding []knowledge.Ref // chunks the prompt was grounded on
}

// Agent runs the retrieval-augmented query cycle. It is stateless across
// queries except through the session store, and safe for concurrent use:
// cycles on different sessions proceed in parallel, a second cycle on the
// same session is rejected with session.ErrSessionBusy.
type Agent struct {
	client    provider.Client
	sessions  *session.Store
	retriever Retriever
	logger    *slog.Logger

	topK            int
	maxContextBytes int

	retryConfig RetryConfig
	breaker     *CircuitBreaker
	rateLimiter *rate.Limiter
	tracer      trace.Tracer
}

// New creates an Agent. The provider client's configuration is validated
// on every Execute, not here, so configuration changes that replace the
// client surface at the next query.
func New(cfg Config) (*Agent, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	topK := cfg.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	maxContext := cfg.MaxContextBytes
	if maxContext <= 0 {
		maxContext = DefaultMaxContextBytes
	}

	retryConfig := cfg.RetryConfig
	if retryConfig.MaxRetries == 0 {
		retryConfig = DefaultRetryConfig()
	}
	cbConfig := cfg.CircuitBreakerConfig
	if cbConfig.FailureThreshold == 0 {
		cbConfig = DefaultCircuitBreakerConfig()
	}

	rl := cfg.RateLimiter
	if rl == nil {
		// 10 requests/sec sustained, burst of 30.
		rl = rate.NewLimiter(10, 30)
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("chat")
	}

	return &Agent{
		client:          cfg.Client,
		sessions:        cfg.Sessions,
		retriever:       cfg.Retriever,
		logger:          cfg.Logger,
		topK:            topK,
		maxContextBytes: maxContext,
		retryConfig:     retryConfig,
		breaker:         NewCircuitBreaker(cbConfig),
		rateLimiter:     rl,
		tracer:          tracer,
	}, nil
}

// Execute runs one query-answer cycle:
//
//	validate -> retrieve -> compose -> generate -> commit -> return
//
// Nothing is written to memory unless generation succeeds; on any failure
// the query is treated as never having happened for memory purposes.
func (a *Agent) Execute(ctx context.Context, req Request) (*Answer, error) {
	// Step 1: validate.
	if strings.TrimSpace(req.Query) == "" {
		return nil, ErrEmptyQuery
	}
	if err := a.client.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("provider configuration invalid: %w", err)
	}

	sessionID, created, err := a.resolveSession(req)
	if err != nil {
		return nil, err
	}

	// One in-flight cycle per session; a concurrent second query on the
	// same session is rejected, not interleaved.
	release, err := a.sessions.TryAcquire(sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	// Step 2: retrieve grounding chunks.
	topK := req.TopK
	if topK <= 0 {
		topK = a.topK
	}
	results, err := a.retrieve(ctx, req.Query, topK)
	if err != nil {
		return nil, fmt.Errorf("retrieving context: %w", err)
	}

	// Step 3: compose the prompt from bounded history + grounding.
	historyLimit := req.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = -1 // store default
	}
	history := a.sessions.ContextMessagesFor(sessionID, historyLimit)
	prompt, refs := a.composePrompt(req.Query, history, results)

	// Step 4: generate. On failure nothing is committed.
	resp, err := a.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	// Step 5: commit user turn, then assistant turn, in that order. Commits
	// address the resolved session by ID; a concurrent cycle moving the
	// current pointer must not redirect them.
	if _, err := a.sessions.AddMessageTo(sessionID, session.RoleUser, req.Query, nil); err != nil {
		return nil, fmt.Errorf("committing user message: %w", err)
	}
	assistantMeta := messageMetadata(refs, resp.Usage)
	if _, err := a.sessions.AddMessageTo(sessionID, session.RoleAssistant, resp.Content, assistantMeta); err != nil {
		return nil, fmt.Errorf("committing assistant message: %w", err)
	}

	// A freshly created session inherits its title from the first query.
	if created {
		if err := a.sessions.UpdateSessionTitle(sessionID, deriveTitle(req.Query)); err != nil {
			a.logger.Warn("updating session title", "session_id", sessionID, "error", err)
		}
	}

	a.logger.Debug("query answered",
		"session_id", sessionID,
		"grounding_chunks", len(refs),
		"answer_length", len(resp.Content))

	// Step 6: return.
	return &Answer{
		SessionID: sessionID,
		Content:   resp.Content,
		Usage:     resp.Usage,
		Grounding: refs,
	}, nil
}

// resolveSession selects or creates the session for this cycle. Returns
// the session ID and whether it was created by this call.
func (a *Agent) resolveSession(req Request) (string, bool, error) {
	if req.SessionID != "" {
		if !a.sessions.SetCurrentSession(req.SessionID) {
			return "", false, fmt.Errorf("%w: %s", session.ErrSessionNotFound, req.SessionID)
		}
		return req.SessionID, false, nil
	}

	if id := a.sessions.CurrentSessionID(); id != "" {
		return id, false, nil
	}

	if !req.CreateSession {
		return "", false, ErrNoSession
	}
	sess, err := a.sessions.CreateSession("")
	if err != nil {
		return "", false, fmt.Errorf("creating session: %w", err)
	}
	return sess.ID, true, nil
}

// retrieve wraps the retriever call in a trace span.
func (a *Agent) retrieve(ctx context.Context, query string, k int) ([]knowledge.Result, error) {
	ctx, span := a.tracer.Start(ctx, "chat.retrieve",
		trace.WithAttributes(attribute.Int("retrieval.k", k)))
	defer span.End()

	results, err := a.retriever.Retrieve(ctx, query, k)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("retrieval.results", len(results)))
	return results, nil
}

// composePrompt builds the provider prompt: grounding chunks in the system
// preamble (bounded by maxContextBytes), then the history window, then the
// new user query. Returns the prompt and the refs of the chunks included.
func (a *Agent) composePrompt(query string, history []session.Message, results []knowledge.Result) (provider.Prompt, []knowledge.Ref) {
	var sb strings.Builder
	sb.WriteString("You are a repository assistant. Answer the user's question using the repository excerpts below. ")
	sb.WriteString("If the excerpts do not contain the answer, say so instead of guessing.\n")

	var refs []knowledge.Ref
	used := 0
	for _, r := range results {
		if used+len(r.Chunk.Content) > a.maxContextBytes && used > 0 {
			break
		}
		fmt.Fprintf(&sb, "\n--- %s (lines %d-%d) ---\n%s\n",
			r.Chunk.Path, r.Chunk.StartLine, r.Chunk.EndLine, r.Chunk.Content)
		used += len(r.Chunk.Content)
		refs = append(refs, r.Chunk.Ref())
	}

	messages := make([]provider.Message, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, provider.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, provider.Message{Role: session.RoleUser, Content: query})

	return provider.Prompt{System: sb.String(), Messages: messages}, refs
}

// generate calls the backend behind the circuit breaker and retry policy,
// wrapped in a trace span.
func (a *Agent) generate(ctx context.Context, prompt provider.Prompt) (*provider.Response, error) {
	ctx, span := a.tracer.Start(ctx, "chat.generate")
	defer span.End()

	if err := a.breaker.Allow(); err != nil {
		a.logger.Warn("circuit breaker is open, rejecting request",
			"state", a.breaker.State().String())
		return nil, fmt.Errorf("service unavailable: %w", err)
	}

	resp, err := a.executeWithRetry(ctx, prompt)
	if err != nil {
		a.breaker.Failure()
		span.RecordError(err)
		return nil, err
	}
	a.breaker.Success()
	return resp, nil
}

// messageMetadata records grounding refs and token usage on the assistant
// message.
func messageMetadata(refs []knowledge.Ref, usage *provider.Usage) map[string]string {
	if len(refs) == 0 && usage == nil {
		return nil
	}
	meta := make(map[string]string, 2)
	if len(refs) > 0 {
		parts := make([]string, len(refs))
		for i, ref := range refs {
			parts[i] = fmt.Sprintf("%s:%d-%d", ref.Path, ref.StartLine, ref.EndLine)
		}
		meta["grounding"] = strings.Join(parts, ",")
	}
	if usage != nil {
		meta["total_tokens"] = strconv.Itoa(usage.TotalTokens)
	}
	return meta
}

// deriveTitle truncates the first query into a session title.
func deriveTitle(query string) string {
	title := strings.Join(strings.Fields(query), " ")
	runes := []rune(title)
	if len(runes) > titleMaxRunes {
		title = string(runes[:titleMaxRunes-3]) + "..."
	}
	return title
}
