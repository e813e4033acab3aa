package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/config"
	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/session"
)

// runSessions dispatches the sessions subcommands. Session management
// works directly against the store; no provider or index is needed.
func runSessions(ctx context.Context, logger *slog.Logger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: repochat sessions <list|show|delete|export|import|clear>")
	}

	workspace, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolving workspace: %w", err)
	}
	cfg, err := config.LoadStorage(workspace)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	store, err := session.NewStore(cfg.StorageDir, cfg.MaxHistoryMessages, logger)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing session store", "error", err)
		}
	}()

	switch args[0] {
	case "list":
		return runSessionsList(store)
	case "show":
		return runSessionsShow(store, args[1:])
	case "delete":
		return runSessionsDelete(store, args[1:])
	case "export":
		return runSessionsExport(store, args[1:])
	case "import":
		return runSessionsImport(store, args[1:])
	case "clear":
		return runSessionsClear(store)
	default:
		return fmt.Errorf("unknown sessions subcommand: %s", args[0])
	}
}

func runSessionsList(store *session.Store) error {
	sessions := store.Sessions()
	if len(sessions) == 0 {
		fmt.Println("No sessions yet. Run `repochat ask` to start one.")
		return nil
	}

	stats := store.Stats()
	for _, sess := range sessions {
		marker := " "
		if sess.ID == stats.CurrentSessionID {
			marker = "*"
		}
		title := sess.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s %s  %-40s  %d messages  updated %s\n",
			marker, sess.ID, title, len(sess.Messages), formatTime(sess.UpdatedAt))
	}
	return nil
}

func runSessionsShow(store *session.Store, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: repochat sessions show <session-id>")
	}

	sess, ok := store.Session(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, args[0])
	}

	fmt.Printf("Session: %s\n", sess.ID)
	fmt.Printf("Title: %s\n", sess.Title)
	fmt.Printf("Created: %s\n", formatTime(sess.CreatedAt))
	fmt.Printf("Updated: %s\n", formatTime(sess.UpdatedAt))
	fmt.Printf("Messages: %d\n", len(sess.Messages))
	fmt.Println()

	for _, msg := range sess.Messages {
		role := "You"
		if msg.Role == session.RoleAssistant {
			role = "repochat"
		}
		fmt.Printf("%s> %s\n", role, msg.Content)
		if refs, ok := msg.Metadata["grounding"]; ok {
			fmt.Printf("   [grounded on %s]\n", refs)
		}
		fmt.Println()
	}
	return nil
}

func runSessionsDelete(store *session.Store, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: repochat sessions delete <session-id>")
	}
	if err := store.DeleteSession(args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted session %s\n", args[0])
	return nil
}

func runSessionsExport(store *session.Store, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: repochat sessions export <session-id>")
	}

	sess, ok := store.ExportSession(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, args[0])
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func runSessionsImport(store *session.Store, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: repochat sessions import <file>")
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}

	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return fmt.Errorf("decoding session: %w", err)
	}
	if err := store.ImportSession(&sess); err != nil {
		return fmt.Errorf("importing session: %w", err)
	}
	fmt.Printf("Imported session %s (%d messages)\n", sess.ID, len(sess.Messages))
	return nil
}

func runSessionsClear(store *session.Store) error {
	stats := store.Stats()
	if err := store.ClearAllSessions(); err != nil {
		return fmt.Errorf("clearing sessions: %w", err)
	}
	fmt.Printf("Deleted %d sessions\n", stats.SessionCount)
	return nil
}

// formatTime formats time in a human-readable format.
func formatTime(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%d hours ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%d days ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02 15:04")
	}
}
