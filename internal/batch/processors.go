package batch

import (
	"context"

	"shelfaudit/internal/correction"
	"shelfaudit/internal/funnel"
	"shelfaudit/internal/types"
)

// ResolveProcessor adapts the resolution funnel to the driver.
type ResolveProcessor struct {
	funnel *funnel.Funnel
}

func NewResolveProcessor(f *funnel.Funnel) *ResolveProcessor {
	return &ResolveProcessor{funnel: f}
}

func (p *ResolveProcessor) Process(ctx context.Context, d *types.Detection) (Outcome, error) {
	res, err := p.funnel.Resolve(ctx, d)
	if err != nil {
		return Outcome{}, err
	}
	switch res.State {
	case funnel.StateNoMatch:
		return Outcome{Status: StatusNoMatch, Message: res.Reason}, nil
	case funnel.StateNeedsReview:
		return Outcome{Status: StatusNeedsReview, Message: res.Reason}, nil
	default:
		return Outcome{Status: StatusResolved, Message: "selected " + res.SelectedKey}, nil
	}
}

// CorrectProcessor adapts the contextual corrector. It carries the full
// detection set so the corrector can locate each target's shelf neighbors.
type CorrectProcessor struct {
	corrector *correction.Corrector
	all       []*types.Detection
	mode      correction.Mode
}

func NewCorrectProcessor(c *correction.Corrector, all []*types.Detection, mode correction.Mode) *CorrectProcessor {
	return &CorrectProcessor{corrector: c, all: all, mode: mode}
}

func (p *CorrectProcessor) Process(ctx context.Context, d *types.Detection) (Outcome, error) {
	if !p.corrector.Eligible(d) {
		return Outcome{Status: StatusSkipped, Message: "not eligible for correction"}, nil
	}
	res, err := p.corrector.Correct(ctx, d, p.all, p.mode)
	if err != nil {
		return Outcome{}, err
	}
	switch res.Status {
	case correction.StatusCorrected:
		return Outcome{Status: StatusResolved, Message: res.Notes}, nil
	default:
		return Outcome{Status: StatusSkipped, Message: res.Reason}, nil
	}
}
