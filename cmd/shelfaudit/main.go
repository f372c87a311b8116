// shelfaudit resolves shelf-photo product detections against a retail
// catalog: import detections, run the resolution funnel, run contextual
// corrections, and inspect run status.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"shelfaudit/internal/config"
	"shelfaudit/internal/logging"
)

var (
	configPath string
	dbPath     string
	imagesDir  string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "shelfaudit",
	Short: "Resolve shelf-photo product detections against a retail catalog",
	Long: `shelfaudit takes product detections extracted from retail shelf
photographs and resolves each one to a concrete catalog product through a
staged funnel: catalog search, text pre-filter, pairwise visual comparison,
and consolidation. Low-confidence detections can additionally be corrected
from their shelf-neighbor context.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.Store.DatabasePath = dbPath
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "shelfaudit.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "sqlite database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&imagesDir, "images", "images", "directory holding the shelf photographs")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(importCmd, resolveCmd, correctCmd, statusCmd)
}
