package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"shelfaudit/internal/store"
	"shelfaudit/internal/types"
)

var importCmd = &cobra.Command{
	Use:   "import <detections.json>",
	Short: "Load extracted detections into the local database",
	Long: `Loads a JSON array of detections, as produced by the upstream shelf
extraction step, into the local database. Existing detections are updated in
place; their resolution state is preserved.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		var detections []*types.Detection
		if err := json.Unmarshal(data, &detections); err != nil {
			return fmt.Errorf("failed to parse %s: %w", args[0], err)
		}

		st, err := store.Open(cfg.Store.DatabasePath, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		var imported, skipped int
		for _, d := range detections {
			if err := d.Validate(); err != nil {
				fmt.Fprintf(os.Stderr, "skipping %s: %v\n", d.ID, err)
				skipped++
				continue
			}
			if err := st.InsertDetection(ctx, d); err != nil {
				return err
			}
			imported++
		}
		fmt.Printf("Imported %d detections (%d skipped)\n", imported, skipped)
		return nil
	},
}
