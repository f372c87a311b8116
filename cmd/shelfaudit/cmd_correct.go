package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"shelfaudit/internal/batch"
	"shelfaudit/internal/config"
	"shelfaudit/internal/correction"
	"shelfaudit/internal/imaging"
	"shelfaudit/internal/store"
	"shelfaudit/internal/types"
	"shelfaudit/internal/vision"
)

var (
	correctImageID string
	correctForce   bool
)

var correctCmd = &cobra.Command{
	Use:   "correct",
	Short: "Correct low-confidence detections from their shelf-neighbor context",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := store.Open(cfg.Store.DatabasePath, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		all, err := st.ListDetections(ctx, correctImageID)
		if err != nil {
			return err
		}

		model, err := vision.NewGemini(ctx, cfg.Vision, logger)
		if err != nil {
			return err
		}
		defer model.Close()

		corrector := correction.New(
			imaging.DirSource{Dir: imagesDir},
			model,
			st,
			cfg.Matching.CorrectionConfidence,
			logger,
		)

		mode := correction.ModeImprove
		if correctForce {
			mode = correction.ModeForce
		}

		targets := make([]*types.Detection, 0, len(all))
		for _, d := range all {
			if corrector.Eligible(d) {
				targets = append(targets, d)
			}
		}
		if len(targets) == 0 {
			fmt.Println("Nothing to correct.")
			return nil
		}

		driver := batch.New(batch.NewCorrectProcessor(corrector, all, mode), "correct", st, batch.Options{
			Concurrency:     cfg.Batch.Concurrency,
			InterGroupDelay: config.Duration(cfg.Batch.InterGroupDelay),
			OnEvent:         printEvent,
		}, logger)

		sum, err := driver.Run(ctx, targets)
		printSummary(sum)
		return err
	},
}

func init() {
	correctCmd.Flags().StringVar(&correctImageID, "image", "", "limit to detections of one shelf photo")
	correctCmd.Flags().BoolVar(&correctForce, "force", false, "overwrite fields even when confidence does not improve")
}
