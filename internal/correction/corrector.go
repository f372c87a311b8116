// Package correction improves ambiguous brand/size extractions by looking at
// a detection's shelf neighbors: shelves group related products, so an
// expanded crop covering the target and its row neighbors gives the model
// context a single tight crop cannot.
package correction

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"shelfaudit/internal/imaging"
	"shelfaudit/internal/shelf"
	"shelfaudit/internal/types"
	"shelfaudit/internal/vision"
)

// Mode selects the overwrite policy. Both modes exist in production use:
// improve-only for inline runs triggered next to resolution, force for the
// nightly re-correction batch.
type Mode string

const (
	// ModeImprove overwrites a field only when the inferred confidence
	// beats the current one.
	ModeImprove Mode = "improve"
	// ModeForce always overwrites with the inferred values.
	ModeForce Mode = "force"
)

// Status summarizes one correction attempt.
type Status string

const (
	StatusCorrected Status = "corrected"
	StatusSkipped   Status = "skipped"
	StatusError     Status = "error"
)

// Result reports what a correction attempt did.
type Result struct {
	Status Status
	Reason string
	Notes  string
}

// Store is the persistence surface the corrector needs.
type Store interface {
	UpdateCorrection(ctx context.Context, d *types.Detection) error
}

// Corrector wires the neighbor locator, the image source and the vision model.
type Corrector struct {
	source    imaging.Source
	model     vision.Model
	store     Store
	threshold float64 // attribute confidence below which a detection qualifies
	log       *zap.Logger
}

// New builds a Corrector.
func New(source imaging.Source, model vision.Model, store Store, threshold float64, log *zap.Logger) *Corrector {
	return &Corrector{
		source:    source,
		model:     model,
		store:     store,
		threshold: threshold,
		log:       log.Named("correction"),
	}
}

// Eligible reports whether a detection qualifies for contextual correction:
// unknown brand, or brand/size confidence below the configured threshold.
func (c *Corrector) Eligible(d *types.Detection) bool {
	if !d.IsProduct {
		return false
	}
	if strings.TrimSpace(d.Brand.Value) == "" {
		return true
	}
	return d.Brand.Confidence < c.threshold || d.Size.Confidence < c.threshold
}

// Correct runs one contextual correction for target, given every detection on
// the same image. The detection is mutated and persisted only when a field
// actually changes; parse failures leave it untouched.
func (c *Corrector) Correct(ctx context.Context, target *types.Detection, all []*types.Detection, mode Mode) (*Result, error) {
	neighbors := shelf.Neighbors(target, all)
	if neighbors.Empty() {
		// Without neighbors there is no context to disambiguate with.
		return &Result{Status: StatusSkipped, Reason: "no shelf neighbors"}, nil
	}

	photo, err := c.source.Image(ctx, target.ImageID)
	if err != nil {
		return &Result{Status: StatusError, Reason: "source image unavailable"},
			fmt.Errorf("failed to load source image: %w", err)
	}
	crop, err := imaging.Crop(photo, shelf.ExpandedBox(target, neighbors))
	if err != nil {
		return &Result{Status: StatusError, Reason: "crop failed"},
			fmt.Errorf("failed to crop context region: %w", err)
	}

	inference, err := c.model.InferFromContext(ctx, crop, vision.Metadata{
		Brand:       target.Brand.Value,
		ProductName: target.ProductName.Value,
		Flavor:      target.Flavor.Value,
		Size:        target.Size.Value,
		Category:    target.Category.Value,
	}, summarize(neighbors))
	if err != nil {
		return &Result{Status: StatusError, Reason: "model call failed"}, err
	}

	notes := apply(target, inference, mode)
	if len(notes) == 0 {
		return &Result{Status: StatusSkipped, Reason: "no field improved"}, nil
	}

	target.CorrectedByContext = true
	target.CorrectionNotes = strings.Join(notes, "; ")
	if err := c.store.UpdateCorrection(ctx, target); err != nil {
		return &Result{Status: StatusError, Reason: "persistence failed"}, err
	}

	c.log.Info("contextual correction applied",
		zap.String("detection", target.ID),
		zap.String("mode", string(mode)),
		zap.String("notes", target.CorrectionNotes))
	return &Result{Status: StatusCorrected, Notes: target.CorrectionNotes}, nil
}

// apply overwrites target fields per mode and returns one human-readable
// before/after note per changed field.
func apply(target *types.Detection, inf *vision.ContextInference, mode Mode) []string {
	var notes []string

	if strings.TrimSpace(inf.InferredBrand) != "" {
		if mode == ModeForce || inf.BrandConfidence > target.Brand.Confidence {
			notes = append(notes, fmt.Sprintf("brand: %q (%.2f) -> %q (%.2f)",
				target.Brand.Value, target.Brand.Confidence,
				inf.InferredBrand, inf.BrandConfidence))
			target.Brand = types.Field{Value: inf.InferredBrand, Confidence: inf.BrandConfidence}
		}
	}
	if strings.TrimSpace(inf.InferredSize) != "" {
		if mode == ModeForce || inf.SizeConfidence > target.Size.Confidence {
			notes = append(notes, fmt.Sprintf("size: %q (%.2f) -> %q (%.2f)",
				target.Size.Value, target.Size.Confidence,
				inf.InferredSize, inf.SizeConfidence))
			target.Size = types.Field{Value: inf.InferredSize, Confidence: inf.SizeConfidence}
		}
	}
	return notes
}

// summarize renders the neighbor context as the textual summaries the model
// call expects.
func summarize(n types.NeighborContext) []vision.NeighborSummary {
	out := make([]vision.NeighborSummary, 0, len(n.Left)+len(n.Right))
	for _, d := range n.Left {
		out = append(out, vision.NeighborSummary{Position: "left", Brand: d.Brand.Value, Size: d.Size.Value})
	}
	for _, d := range n.Right {
		out = append(out, vision.NeighborSummary{Position: "right", Brand: d.Brand.Value, Size: d.Size.Value})
	}
	return out
}
