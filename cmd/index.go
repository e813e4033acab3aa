package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/app"
	"github.com/AsyncFuncAI/deepwiki-open-sub001/internal/config"
)

// timeRounding trims sub-10ms noise from reported durations.
const timeRounding = 10 * time.Millisecond

// runIndex chunks and embeds repository content so ask can retrieve it.
// Re-running is cheap: already-indexed content is skipped by hash.
func runIndex(ctx context.Context, logger *slog.Logger, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
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

	fmt.Printf("Indexing %s ...\n", dir)
	result, err := a.Indexer.AddDirectory(ctx, dir)
	if err != nil {
		return fmt.Errorf("indexing %s: %w", dir, err)
	}

	fmt.Printf("Indexed %d files (%d chunks) in %s\n",
		result.FilesIndexed, result.ChunksIndexed, result.Duration.Round(timeRounding))
	if result.ChunksSkipped > 0 {
		fmt.Printf("Skipped %d unchanged chunks\n", result.ChunksSkipped)
	}
	if result.FilesFailed > 0 {
		fmt.Printf("Failed to read %d files (see logs)\n", result.FilesFailed)
	}

	return nil
}
