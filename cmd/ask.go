package cmd

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/app"
	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/chat"
	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/config"
)

// runAsk answers one question grounded on the indexed repository. With no
// -session flag it continues the current session, creating one on first
// use.
func runAsk(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	sessionID := fs.String("session", "", "continue a specific session")
	newSession := fs.Bool("new", false, "start a fresh session")
	topK := fs.Int("k", 0, "number of chunks to retrieve")
	if err := fs.Parse(args); err != nil {
		return err
	}

	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		return fmt.Errorf("usage: repochat ask [flags] <question>")
	}

	workspace, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolving workspace: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("closing application", "error", err)
		}
	}()

	if *newSession {
		if _, err := a.Sessions.CreateSession(""); err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
	}

	answer, err := a.Agent.Execute(ctx, chat.Request{
		SessionID:     *sessionID,
		Query:         question,
		TopK:          *topK,
		CreateSession: true,
	})
	if err != nil {
		return err
	}

	fmt.Println(answer.Content)

	if len(answer.Grounding) > 0 {
		fmt.Println()
		fmt.Println("Sources:")
		for _, ref := range answer.Grounding {
			fmt.Printf("  %s:%d-%d\n", ref.Path, ref.StartLine, ref.EndLine)
		}
	}

	return nil
}
