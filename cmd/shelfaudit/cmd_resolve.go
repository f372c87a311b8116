package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"shelfaudit/internal/batch"
	"shelfaudit/internal/catalog"
	"shelfaudit/internal/config"
	"shelfaudit/internal/funnel"
	"shelfaudit/internal/imaging"
	"shelfaudit/internal/store"
	"shelfaudit/internal/types"
	"shelfaudit/internal/vision"
)

var (
	resolveImageID     string
	resolveRerun       bool
	resolveConcurrency int
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Run the resolution funnel over stored detections",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := store.Open(cfg.Store.DatabasePath, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		detections, err := st.ListDetections(ctx, resolveImageID)
		if err != nil {
			return err
		}
		targets := make([]*types.Detection, 0, len(detections))
		for _, d := range detections {
			if d.IsProduct && (resolveRerun || !d.Resolved) {
				targets = append(targets, d)
			}
		}
		if len(targets) == 0 {
			fmt.Println("Nothing to resolve.")
			return nil
		}

		model, err := vision.NewGemini(ctx, cfg.Vision, logger)
		if err != nil {
			return err
		}
		defer model.Close()

		f := funnel.New(
			catalog.NewClient(cfg.Catalog, logger),
			model,
			imaging.DirSource{Dir: imagesDir},
			imaging.HTTPFetcher{Timeout: config.Duration(cfg.Catalog.ImageTimeout)},
			st,
			funnel.Options{
				PreFilterThreshold:    cfg.Matching.PreFilterThreshold,
				ArbitrationConfidence: cfg.Matching.ArbitrationConfidence,
			},
			logger,
		)

		concurrency := cfg.Batch.Concurrency
		if resolveConcurrency > 0 {
			concurrency = resolveConcurrency
		}
		driver := batch.New(batch.NewResolveProcessor(f), "resolve", st, batch.Options{
			Concurrency:     concurrency,
			InterGroupDelay: config.Duration(cfg.Batch.InterGroupDelay),
			OnEvent:         printEvent,
		}, logger)

		sum, err := driver.Run(ctx, targets)
		printSummary(sum)
		return err
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveImageID, "image", "", "limit to detections of one shelf photo")
	resolveCmd.Flags().BoolVar(&resolveRerun, "rerun", false, "include already resolved detections")
	resolveCmd.Flags().IntVar(&resolveConcurrency, "concurrency", 0, "group size override (default from config)")
}

func printEvent(ev batch.Event) {
	switch ev.Type {
	case batch.EventProgress:
		msg := ev.Message
		if msg != "" {
			msg = " (" + msg + ")"
		}
		fmt.Printf("[%d/%d] %s: %s%s\n", ev.Processed, ev.Total, ev.DetectionID, ev.Status, msg)
	case batch.EventError:
		fmt.Printf("Run aborted: %s\n", ev.Message)
	}
}

func printSummary(sum *batch.Summary) {
	fmt.Printf("Processed %d/%d: %d succeeded, %d no match, %d needs review, %d skipped, %d failed\n",
		sum.Processed, sum.Total, sum.Succeeded, sum.NoMatch, sum.NeedsReview, sum.Skipped, sum.Failed)
}
