package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"shelfaudit/internal/store"
)

var statusDetectionID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last batch run, or one detection's funnel trail",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := store.Open(cfg.Store.DatabasePath, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		if statusDetectionID != "" {
			return printDetectionStatus(cmd, st, statusDetectionID)
		}

		rec, err := st.LastBatchRun(ctx)
		if err != nil {
			return err
		}
		if rec == nil {
			fmt.Println("No batch runs recorded.")
			return nil
		}

		state := "running"
		if rec.FinishedAt != nil {
			state = "finished " + rec.FinishedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("Last run %s (%s), started %s, %s\n",
			rec.ID, rec.Kind, rec.StartedAt.Format("2006-01-02 15:04:05"), state)
		fmt.Printf("  %d/%d processed: %d succeeded, %d no match, %d needs review, %d skipped, %d failed\n",
			rec.Processed, rec.Total, rec.Succeeded, rec.NoMatch, rec.NeedsReview, rec.Skipped, rec.Failed)
		return nil
	},
}

func printDetectionStatus(cmd *cobra.Command, st *store.Store, id string) error {
	ctx := cmd.Context()

	d, err := st.GetDetection(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("Detection %s (image %s)\n", d.ID, d.ImageID)
	fmt.Printf("  brand=%q (%.2f) size=%q (%.2f)\n",
		d.Brand.Value, d.Brand.Confidence, d.Size.Value, d.Size.Confidence)
	if d.CorrectedByContext {
		fmt.Printf("  corrected: %s\n", d.CorrectionNotes)
	}
	if d.Resolved {
		switch {
		case d.SelectedCandidateKey != "":
			fmt.Printf("  resolved: %s via %s\n", d.SelectedCandidateKey, d.SelectionMethod)
		default:
			fmt.Printf("  resolved without selection: %s\n", d.ResolutionReason)
		}
	} else {
		fmt.Println("  unresolved")
	}

	trail, err := st.StageResults(ctx, id)
	if err != nil {
		return err
	}
	for _, r := range trail {
		fmt.Printf("  [%s] %s", r.Stage, r.CandidateKey)
		if r.SimilarityScore > 0 {
			fmt.Printf(" score=%.2f", r.SimilarityScore)
		}
		if r.MatchStatus != "" {
			fmt.Printf(" %s (%.2f)", r.MatchStatus, r.Confidence)
		}
		if r.Reason != "" {
			fmt.Printf(" (%s)", r.Reason)
		}
		fmt.Println()
	}
	return nil
}

func init() {
	statusCmd.Flags().StringVar(&statusDetectionID, "detection", "", "show one detection's funnel trail")
}
