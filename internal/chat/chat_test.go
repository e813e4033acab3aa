package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/knowledge"
	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/log"
	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/provider"
	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/session"
)

// mockClient is a scriptable provider backend: errs are consumed one per
// call before answer is returned indefinitely.
type mockClient struct {
	validateErr error
	errs        []error
	answer      string
	usage       *provider.Usage

	calls   int
	prompts []provider.Prompt
}

func (c *mockClient) Name() string          { return "mock" }
func (c *mockClient) ValidateConfig() error { return c.validateErr }

func (c *mockClient) GenerateResponse(_ context.Context, prompt provider.Prompt) (*provider.Response, error) {
	c.calls++
	c.prompts = append(c.prompts, prompt)
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return nil, err
	}
	answer := c.answer
	if answer == "" {
		answer = "mock answer"
	}
	return &provider.Response{Content: answer, Usage: c.usage}, nil
}

func (c *mockClient) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("not used")
}

// gateClient parks generation for one specific query until released, so a
// test can hold a cycle in flight while another proceeds.
type gateClient struct {
	blockOn string        // query whose generation waits for release
	entered chan struct{} // signaled when the blocked call is in flight
	release chan struct{}
}

func (c *gateClient) Name() string          { return "gate" }
func (c *gateClient) ValidateConfig() error { return nil }

func (c *gateClient) GenerateResponse(_ context.Context, prompt provider.Prompt) (*provider.Response, error) {
	query := prompt.Messages[len(prompt.Messages)-1].Content
	if query == c.blockOn {
		c.entered <- struct{}{}
		<-c.release
	}
	return &provider.Response{Content: "answer to " + query}, nil
}

func (c *gateClient) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("not used")
}

// mockRetriever returns fixed results, recording the queries it saw.
type mockRetriever struct {
	results []knowledge.Result
	err     error

	queries []string
	lastK   int
}

func (r *mockRetriever) Retrieve(_ context.Context, queryText string, k int) ([]knowledge.Result, error) {
	r.queries = append(r.queries, queryText)
	r.lastK = k
	if r.err != nil {
		return nil, r.err
	}
	return r.results, nil
}

func chunkResult(id, path, content string) knowledge.Result {
	return knowledge.Result{
		Chunk: knowledge.Chunk{
			ID:        id,
			Path:      path,
			StartLine: 1,
			EndLine:   10,
			Content:   content,
		},
		Score: 0.9,
	}
}

// fastRetry keeps retry-path tests quick.
var fastRetry = RetryConfig{
	MaxRetries:      2,
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
}

func newTestAgent(t *testing.T, client *mockClient, retriever *mockRetriever) (*Agent, *session.Store) {
	t.Helper()

	store, err := session.NewStore(t.TempDir(), 20, log.NewNop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	agent, err := New(Config{
		Client:      client,
		Sessions:    store,
		Retriever:   retriever,
		Logger:      log.NewNop(),
		RetryConfig: fastRetry,
		RateLimiter: rate.NewLimiter(rate.Inf, 1),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return agent, store
}

func TestExecuteFullCycle(t *testing.T) {
	client := &mockClient{answer: "grounded answer", usage: &provider.Usage{TotalTokens: 42}}
	retriever := &mockRetriever{results: []knowledge.Result{
		chunkResult("c1", "internal/session/store.go", "func NewStore(...)"),
		chunkResult("c2", "internal/chat/chat.go", "func (a *Agent) Execute(...)"),
	}}
	agent, store := newTestAgent(t, client, retriever)

	answer, err := agent.Execute(context.Background(), Request{
		Query:         "How do sessions persist?",
		CreateSession: true,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if answer.Content != "grounded answer" {
		t.Errorf("Content = %q", answer.Content)
	}
	if answer.Usage == nil || answer.Usage.TotalTokens != 42 {
		t.Errorf("Usage = %+v, want TotalTokens=42", answer.Usage)
	}
	if len(answer.Grounding) != 2 {
		t.Fatalf("Grounding len = %d, want 2", len(answer.Grounding))
	}
	if answer.Grounding[0].Path != "internal/session/store.go" {
		t.Errorf("Grounding[0] = %+v", answer.Grounding[0])
	}
	if retriever.lastK != DefaultTopK {
		t.Errorf("retriever k = %d, want default %d", retriever.lastK, DefaultTopK)
	}

	// Both turns committed, in order, with grounding recorded on the
	// assistant message.
	msgs := store.CurrentMessages()
	if len(msgs) != 2 {
		t.Fatalf("committed messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != session.RoleUser || msgs[0].Content != "How do sessions persist?" {
		t.Errorf("first message = %+v, want the user turn", msgs[0])
	}
	if msgs[1].Role != session.RoleAssistant || msgs[1].Content != "grounded answer" {
		t.Errorf("second message = %+v, want the assistant turn", msgs[1])
	}
	if !strings.Contains(msgs[1].Metadata["grounding"], "internal/session/store.go:1-10") {
		t.Errorf("assistant metadata = %v, want grounding refs", msgs[1].Metadata)
	}

	// The implicit session takes its title from the first query.
	sess, _ := store.Session(answer.SessionID)
	if sess.Title != "How do sessions persist?" {
		t.Errorf("session title = %q", sess.Title)
	}
}

func TestExecutePromptComposition(t *testing.T) {
	client := &mockClient{}
	retriever := &mockRetriever{results: []knowledge.Result{
		chunkResult("c1", "a.go", "chunk body"),
	}}
	agent, store := newTestAgent(t, client, retriever)

	if _, err := store.CreateSession(""); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	for _, turn := range []struct{ role, content string }{
		{session.RoleUser, "old question"},
		{session.RoleAssistant, "old answer"},
	} {
		if _, err := store.AddMessage(turn.role, turn.content, nil); err != nil {
			t.Fatalf("AddMessage() error = %v", err)
		}
	}

	if _, err := agent.Execute(context.Background(), Request{Query: "new question"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	prompt := client.prompts[0]
	if !strings.Contains(prompt.System, "chunk body") {
		t.Error("system preamble missing the retrieved chunk")
	}
	if !strings.Contains(prompt.System, "a.go") {
		t.Error("system preamble missing the chunk locator")
	}
	if len(prompt.Messages) != 3 {
		t.Fatalf("prompt messages = %d, want history(2) + query(1)", len(prompt.Messages))
	}
	if prompt.Messages[0].Content != "old question" || prompt.Messages[2].Content != "new question" {
		t.Errorf("prompt order wrong: %+v", prompt.Messages)
	}
}

func TestExecuteHistoryLimit(t *testing.T) {
	client := &mockClient{}
	agent, store := newTestAgent(t, client, &mockRetriever{})

	if _, err := store.CreateSession(""); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	for i := 0; i < 6; i++ {
		if _, err := store.AddMessage(session.RoleUser, fmt.Sprintf("m%d", i), nil); err != nil {
			t.Fatalf("AddMessage() error = %v", err)
		}
	}

	if _, err := agent.Execute(context.Background(), Request{Query: "q", HistoryLimit: 2}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	prompt := client.prompts[0]
	if len(prompt.Messages) != 3 {
		t.Fatalf("prompt messages = %d, want 2 history + 1 query", len(prompt.Messages))
	}
	if prompt.Messages[0].Content != "m4" {
		t.Errorf("oldest history message = %q, want m4 (newest two kept)", prompt.Messages[0].Content)
	}
}

func TestExecuteContextBytesBound(t *testing.T) {
	big := strings.Repeat("x", 300)
	retriever := &mockRetriever{results: []knowledge.Result{
		chunkResult("c1", "first.go", big),
		chunkResult("c2", "second.go", big),
		chunkResult("c3", "third.go", big),
	}}
	client := &mockClient{}

	store, err := session.NewStore(t.TempDir(), 20, log.NewNop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	agent, err := New(Config{
		Client:          client,
		Sessions:        store,
		Retriever:       retriever,
		Logger:          log.NewNop(),
		MaxContextBytes: 500, // fits one chunk, not two
		RetryConfig:     fastRetry,
		RateLimiter:     rate.NewLimiter(rate.Inf, 1),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	answer, err := agent.Execute(context.Background(), Request{Query: "q", CreateSession: true})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if len(answer.Grounding) != 1 {
		t.Fatalf("Grounding len = %d, want 1 (budget fits one chunk)", len(answer.Grounding))
	}
	if answer.Grounding[0].Path != "first.go" {
		t.Errorf("kept chunk = %s, want the highest-ranked one", answer.Grounding[0].Path)
	}
	if strings.Contains(client.prompts[0].System, "second.go") {
		t.Error("over-budget chunk leaked into the prompt")
	}
}

func TestExecuteGenerationFailureCommitsNothing(t *testing.T) {
	client := &mockClient{errs: []error{
		errors.New("backend exploded"),
	}}
	agent, store := newTestAgent(t, client, &mockRetriever{})

	sess, err := store.CreateSession("stable")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	_, err = agent.Execute(context.Background(), Request{Query: "doomed"})
	if err == nil {
		t.Fatal("Execute() succeeded, want generation failure")
	}

	// The failed query never happened as far as memory is concerned.
	loaded, _ := store.Session(sess.ID)
	if len(loaded.Messages) != 0 {
		t.Errorf("messages = %d after failed generation, want 0", len(loaded.Messages))
	}
}

func TestExecuteRetrievalFailureCommitsNothing(t *testing.T) {
	client := &mockClient{}
	retriever := &mockRetriever{err: errors.New("index unavailable")}
	agent, store := newTestAgent(t, client, retriever)

	if _, err := store.CreateSession(""); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	_, err := agent.Execute(context.Background(), Request{Query: "q"})
	if err == nil {
		t.Fatal("Execute() succeeded, want retrieval failure")
	}
	if client.calls != 0 {
		t.Errorf("generate called %d times after retrieval failed, want 0", client.calls)
	}
	if got := len(store.CurrentMessages()); got != 0 {
		t.Errorf("messages = %d, want 0", got)
	}
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	client := &mockClient{
		errs: []error{
			fmt.Errorf("attempt 1: %w", provider.ErrRateLimited),
			fmt.Errorf("attempt 2: %w", provider.ErrServer),
		},
		answer: "eventually",
	}
	agent, _ := newTestAgent(t, client, &mockRetriever{})

	answer, err := agent.Execute(context.Background(), Request{Query: "q", CreateSession: true})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if answer.Content != "eventually" {
		t.Errorf("Content = %q", answer.Content)
	}
	if client.calls != 3 {
		t.Errorf("generate calls = %d, want 3 (two transient failures + success)", client.calls)
	}
}

func TestExecuteDoesNotRetryFatalErrors(t *testing.T) {
	client := &mockClient{errs: []error{
		fmt.Errorf("rejected: %w", provider.ErrAuth),
	}}
	agent, _ := newTestAgent(t, client, &mockRetriever{})

	_, err := agent.Execute(context.Background(), Request{Query: "q", CreateSession: true})
	if !errors.Is(err, provider.ErrAuth) {
		t.Fatalf("Execute() error = %v, want ErrAuth", err)
	}
	if client.calls != 1 {
		t.Errorf("generate calls = %d, want 1 (no retry on auth failure)", client.calls)
	}
}

func TestExecuteValidation(t *testing.T) {
	t.Run("empty query", func(t *testing.T) {
		agent, _ := newTestAgent(t, &mockClient{}, &mockRetriever{})
		if _, err := agent.Execute(context.Background(), Request{Query: "   "}); !errors.Is(err, ErrEmptyQuery) {
			t.Errorf("Execute() error = %v, want ErrEmptyQuery", err)
		}
	})

	t.Run("invalid provider config", func(t *testing.T) {
		client := &mockClient{validateErr: fmt.Errorf("%w: key missing", provider.ErrAuth)}
		agent, store := newTestAgent(t, client, &mockRetriever{})

		_, err := agent.Execute(context.Background(), Request{Query: "q", CreateSession: true})
		if !errors.Is(err, provider.ErrAuth) {
			t.Errorf("Execute() error = %v, want ErrAuth", err)
		}
		if client.calls != 0 {
			t.Errorf("generate called despite invalid config")
		}
		if store.Stats().SessionCount != 0 {
			t.Error("session created despite invalid config")
		}
	})

	t.Run("no session without create", func(t *testing.T) {
		agent, _ := newTestAgent(t, &mockClient{}, &mockRetriever{})
		if _, err := agent.Execute(context.Background(), Request{Query: "q"}); !errors.Is(err, ErrNoSession) {
			t.Errorf("Execute() error = %v, want ErrNoSession", err)
		}
	})

	t.Run("unknown session id", func(t *testing.T) {
		agent, _ := newTestAgent(t, &mockClient{}, &mockRetriever{})
		_, err := agent.Execute(context.Background(), Request{Query: "q", SessionID: "missing"})
		if !errors.Is(err, session.ErrSessionNotFound) {
			t.Errorf("Execute() error = %v, want ErrSessionNotFound", err)
		}
	})
}

func TestExecuteRejectsConcurrentCycleOnSameSession(t *testing.T) {
	agent, store := newTestAgent(t, &mockClient{}, &mockRetriever{})
	sess, err := store.CreateSession("")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	// Hold the session slot as an in-flight cycle would.
	release, err := store.TryAcquire(sess.ID)
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	defer release()

	_, err = agent.Execute(context.Background(), Request{Query: "q", SessionID: sess.ID})
	if !errors.Is(err, session.ErrSessionBusy) {
		t.Errorf("Execute() error = %v, want ErrSessionBusy", err)
	}
}

func TestExecuteConcurrentCyclesOnDifferentSessions(t *testing.T) {
	client := &gateClient{
		blockOn: "question for A",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}

	store, err := session.NewStore(t.TempDir(), 20, log.NewNop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	agent, err := New(Config{
		Client:      client,
		Sessions:    store,
		Retriever:   &mockRetriever{},
		Logger:      log.NewNop(),
		RetryConfig: fastRetry,
		RateLimiter: rate.NewLimiter(rate.Inf, 1),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	a, err := store.CreateSession("A")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	b, err := store.CreateSession("B")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := agent.Execute(context.Background(), Request{SessionID: a.ID, Query: "question for A"})
		done <- err
	}()
	<-client.entered

	// Cycle A is mid-generation; a full cycle on session B runs to
	// completion meanwhile, as cycles on different sessions may.
	if _, err := agent.Execute(context.Background(), Request{SessionID: b.ID, Query: "question for B"}); err != nil {
		t.Fatalf("Execute(B) error = %v", err)
	}

	close(client.release)
	if err := <-done; err != nil {
		t.Fatalf("Execute(A) error = %v", err)
	}

	// Each session holds exactly its own turn pair; neither cycle's commits
	// leaked into the other session's history.
	for _, tc := range []struct{ id, query string }{
		{a.ID, "question for A"},
		{b.ID, "question for B"},
	} {
		sess, ok := store.Session(tc.id)
		if !ok {
			t.Fatalf("session %s missing", tc.id)
		}
		if len(sess.Messages) != 2 {
			t.Fatalf("session %s messages = %d, want 2", tc.id, len(sess.Messages))
		}
		if sess.Messages[0].Role != session.RoleUser || sess.Messages[0].Content != tc.query {
			t.Errorf("session %s first turn = %+v, want its own user turn %q",
				tc.id, sess.Messages[0], tc.query)
		}
		if sess.Messages[1].Role != session.RoleAssistant || sess.Messages[1].Content != "answer to "+tc.query {
			t.Errorf("session %s second turn = %+v, want its own answer", tc.id, sess.Messages[1])
		}
	}
}

func TestExecuteContinuesExistingSession(t *testing.T) {
	client := &mockClient{}
	agent, store := newTestAgent(t, client, &mockRetriever{})

	first, err := agent.Execute(context.Background(), Request{Query: "first", CreateSession: true})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	second, err := agent.Execute(context.Background(), Request{Query: "second"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if first.SessionID != second.SessionID {
		t.Errorf("second query opened a new session: %s != %s", second.SessionID, first.SessionID)
	}
	if got := len(store.CurrentMessages()); got != 4 {
		t.Errorf("messages = %d, want 4", got)
	}

	// History from the first turn reaches the second prompt.
	prompt := client.prompts[1]
	if len(prompt.Messages) != 3 {
		t.Fatalf("second prompt messages = %d, want 3", len(prompt.Messages))
	}
	if prompt.Messages[0].Content != "first" {
		t.Errorf("history head = %q, want %q", prompt.Messages[0].Content, "first")
	}
}

func TestExecuteCircuitOpensAfterRepeatedFailures(t *testing.T) {
	store, err := session.NewStore(t.TempDir(), 20, log.NewNop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	alwaysFail := &mockClient{}
	alwaysFail.errs = make([]error, 0, 16)
	for i := 0; i < 16; i++ {
		alwaysFail.errs = append(alwaysFail.errs, fmt.Errorf("down: %w", provider.ErrAuth))
	}

	agent, err := New(Config{
		Client:    alwaysFail,
		Sessions:  store,
		Retriever: &mockRetriever{},
		Logger:    log.NewNop(),
		CircuitBreakerConfig: CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          time.Hour,
		},
		RetryConfig: fastRetry,
		RateLimiter: rate.NewLimiter(rate.Inf, 1),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := agent.Execute(context.Background(), Request{Query: "q", CreateSession: true}); err == nil {
			t.Fatalf("Execute() %d succeeded, want failure", i)
		}
	}

	// Threshold reached: the next cycle is rejected without a backend call.
	before := alwaysFail.calls
	_, err = agent.Execute(context.Background(), Request{Query: "q", CreateSession: true})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Execute() error = %v, want ErrCircuitOpen", err)
	}
	if alwaysFail.calls != before {
		t.Errorf("backend called while circuit open")
	}
}
