package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nikhilsnayak/sage/internal/app"
	"github.com/nikhilsnayak/sage/internal/chunk"
	"github.com/nikhilsnayak/sage/internal/config"
	"github.com/nikhilsnayak/sage/internal/ingest"
	"github.com/nikhilsnayak/sage/internal/log"
)

var ingestRebuild bool

var ingestCmd = &cobra.Command{
	Use:   "ingest [dir]",
	Short: "Index site content into the knowledge base",
	Long: `Ingest scans a content directory, splits each file into chunks,
embeds them, and upserts the result into the knowledge base. Unchanged
files are skipped; sources no longer on disk are removed.

The directory defaults to content_dir from the configuration.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := ""
		if len(args) > 0 {
			dir = args[0]
		}
		return runIngest(dir, ingestRebuild)
	},
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestRebuild, "rebuild", false,
		"drop all indexed content and re-ingest from scratch")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(dir string, rebuild bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if dir == "" {
		dir = cfg.ContentDir
	}

	logger := log.New(log.Config{})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	splitter := chunk.NewSplitter(cfg.ChunkMaxSize)
	pipeline := ingest.New(a.Knowledge, splitter, logger)

	result, err := pipeline.Run(ctx, dir, rebuild)
	if err != nil {
		return fmt.Errorf("ingesting %s: %w", dir, err)
	}

	fmt.Printf("Ingested %s\n", dir)
	fmt.Printf("  indexed:   %d files (%d chunks)\n", result.Indexed, result.Chunks)
	fmt.Printf("  unchanged: %d files\n", result.Skipped)
	fmt.Printf("  removed:   %d stale sources\n", result.Removed)
	if result.Failed > 0 {
		fmt.Printf("  failed:    %d files (see log)\n", result.Failed)
	}
	return nil
}
