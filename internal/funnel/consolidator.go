package funnel

import (
	"context"
	"fmt"

	"shelfaudit/internal/types"
	"shelfaudit/internal/vision"
)

// State is a terminal outcome of the consolidation state machine
// (Searching -> PreFiltering -> Comparing -> {AutoSelected | Arbitrating ->
// {Selected | NeedsReview} | NoMatch}).
type State string

const (
	StateAutoSelected State = "auto_selected"
	StateSelected     State = "selected"
	StateNeedsReview  State = "needs_review"
	StateNoMatch      State = "no_match"
)

// Reason codes distinguish the ways a detection ends up unselected.
const (
	ReasonNoCatalogResults = "no catalog results"
	ReasonNonePreFiltered  = "no candidates passed pre-filter"
	ReasonNoVisualMatch    = "no candidate survived visual comparison"
)

// Resolution is the funnel's final verdict for one detection.
type Resolution struct {
	State       State
	SelectedKey string
	Method      types.SelectionMethod
	Reason      string
	// OpenOptions lists the surviving candidates when the state is
	// NeedsReview, for downstream manual disambiguation.
	OpenOptions []string
}

// compared is one candidate that went through visual comparison. score is the
// pre-filter similarity carried along so the visual-stage row keeps it.
type compared struct {
	candidate types.CandidateMatch
	score     float64
	image     []byte
	verdict   vision.CompareResult
}

// consolidate turns the pairwise verdicts into a terminal state.
//
// Exactly one positive candidate is unambiguous and selected without a second
// model call. Two or more genuinely require disambiguating evidence (logo and
// graphic detail) beyond the coarse identical/almost_same classification, so
// only then is the arbitration call spent.
func (f *Funnel) consolidate(ctx context.Context, d *types.Detection, crop []byte, results []compared) (*Resolution, error) {
	var positive []compared
	for _, c := range results {
		if c.verdict.MatchStatus.Positive() {
			positive = append(positive, c)
		}
	}

	switch len(positive) {
	case 0:
		return &Resolution{State: StateNoMatch, Reason: ReasonNoVisualMatch}, nil
	case 1:
		return &Resolution{
			State:       StateAutoSelected,
			SelectedKey: positive[0].candidate.Key,
			Method:      types.SelectionAuto,
			Reason: fmt.Sprintf("single positive candidate (%s)",
				positive[0].verdict.MatchStatus),
		}, nil
	}
	return f.arbitrate(ctx, d, crop, positive)
}

// arbitrate runs the second-pass selection among several positive candidates.
func (f *Funnel) arbitrate(ctx context.Context, d *types.Detection, crop []byte, positive []compared) (*Resolution, error) {
	contenders := make([]vision.ArbitrationCandidate, len(positive))
	keys := make([]string, len(positive))
	for i, p := range positive {
		contenders[i] = vision.ArbitrationCandidate{Key: p.candidate.Key, Image: p.image}
		keys[i] = p.candidate.Key
	}

	verdict, err := f.model.Arbitrate(ctx, crop, contenders, vision.Metadata{
		Brand:       d.Brand.Value,
		ProductName: d.ProductName.Value,
		Flavor:      d.Flavor.Value,
		Size:        d.Size.Value,
		Category:    d.Category.Value,
	})
	if err != nil {
		return nil, err
	}

	// A boundary confidence passes: >= not >.
	if verdict.Confidence >= f.arbitrationConfidence && containsKey(keys, verdict.SelectedKey) {
		return &Resolution{
			State:       StateSelected,
			SelectedKey: verdict.SelectedKey,
			Method:      types.SelectionVisual,
			Reason:      verdict.Reasoning,
		}, nil
	}

	// Ambiguous arbitration is a normal outcome, not an error: keep all
	// contenders open for manual disambiguation.
	return &Resolution{
		State:       StateNeedsReview,
		Reason:      fmt.Sprintf("arbitration inconclusive among %d candidates", len(positive)),
		OpenOptions: keys,
	}, nil
}

func containsKey(keys []string, key string) bool {
	if key == "" {
		return false
	}
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
