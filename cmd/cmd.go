// Package cmd provides CLI commands for repochat.
//
// Commands:
//   - ask: answer one question grounded on the indexed repository
//   - index: chunk and embed repository content for retrieval
//   - sessions: inspect and manage conversation sessions
//
// Signal handling and graceful shutdown are implemented for all commands
// via context cancellation.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/log"
)

// Execute is the main entry point for the repochat CLI.
func Execute() error {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := log.New(log.Config{Level: level})

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "ask":
		return runAsk(ctx, logger, os.Args[2:])
	case "index":
		return runIndex(ctx, logger, os.Args[2:])
	case "sessions":
		return runSessions(ctx, logger, os.Args[2:])
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("repochat - ask questions about your repository")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  repochat index [path]           Index repository content (default: .)")
	fmt.Println("  repochat ask [flags] <question> Ask a question grounded on the index")
	fmt.Println("  repochat sessions <subcommand>  Manage conversation sessions")
	fmt.Println("  repochat --version              Show version information")
	fmt.Println("  repochat --help                 Show this help")
	fmt.Println()
	fmt.Println("Ask flags:")
	fmt.Println("  -session <id>      Continue a specific session")
	fmt.Println("  -new               Start a fresh session")
	fmt.Println("  -k <n>             Number of chunks to retrieve")
	fmt.Println()
	fmt.Println("Sessions subcommands:")
	fmt.Println("  list               List all sessions")
	fmt.Println("  show <id>          Show a session's messages")
	fmt.Println("  delete <id>        Delete a session")
	fmt.Println("  export <id>        Print a session as JSON")
	fmt.Println("  import <file>      Import a session from JSON")
	fmt.Println("  clear              Delete all sessions")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  REPOCHAT_API_KEY   API key for the configured provider")
	fmt.Println("  REPOCHAT_PROVIDER  Provider: openai, openrouter, dashscope, ollama")
	fmt.Println("  DATABASE_URL       Postgres URL when vector_backend is postgres")
	fmt.Println("  DEBUG              Enable debug logging")
}
