// Package types defines the core domain model for the shelf-audit resolution
// pipeline: detections located on shelf photographs, catalog candidates
// returned for them, and the per-stage results the matching funnel records.
//
// Coordinate convention: bounding boxes are [y0,x0,y1,x1] in a normalized
// 0-1000 integer space, y growing downward, each axis independent (no
// aspect-ratio correction). Pixel conversion is round(normalized/1000 * dim).
package types

import (
	"fmt"
	"math"
	"time"
)

// CoordMax is the upper bound of the normalized coordinate space.
const CoordMax = 1000

// Box is a bounding box in the normalized 0-1000 space.
// Y0/X0 is the top-left corner, Y1/X1 the bottom-right.
type Box struct {
	Y0 int `json:"y0"`
	X0 int `json:"x0"`
	Y1 int `json:"y1"`
	X1 int `json:"x1"`
}

// Validate checks the coordinate invariants: x0<x1, y0<y1, all within [0,1000].
func (b Box) Validate() error {
	if b.X0 >= b.X1 || b.Y0 >= b.Y1 {
		return fmt.Errorf("degenerate box [%d,%d,%d,%d]", b.Y0, b.X0, b.Y1, b.X1)
	}
	for _, v := range []int{b.Y0, b.X0, b.Y1, b.X1} {
		if v < 0 || v > CoordMax {
			return fmt.Errorf("coordinate %d outside [0,%d]", v, CoordMax)
		}
	}
	return nil
}

// CenterY returns the vertical center of the box.
func (b Box) CenterY() float64 { return float64(b.Y0+b.Y1) / 2 }

// Height returns the box height in normalized units.
func (b Box) Height() float64 { return float64(b.Y1 - b.Y0) }

// Union returns the smallest box containing b and all of the others.
func (b Box) Union(others ...Box) Box {
	u := b
	for _, o := range others {
		u.Y0 = min(u.Y0, o.Y0)
		u.X0 = min(u.X0, o.X0)
		u.Y1 = max(u.Y1, o.Y1)
		u.X1 = max(u.X1, o.X1)
	}
	return u
}

// ToPixels converts the normalized box to pixel coordinates for an image of
// the given dimensions. The conversion must stay bit-exact with the detector:
// pixel = round(normalized/1000 * dimension), per axis.
func (b Box) ToPixels(width, height int) (x0, y0, x1, y1 int) {
	scale := func(v, dim int) int {
		return int(math.Round(float64(v) / CoordMax * float64(dim)))
	}
	return scale(b.X0, width), scale(b.Y0, height), scale(b.X1, width), scale(b.Y1, height)
}

// Field is one extracted attribute paired with the extractor's confidence.
type Field struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Validate checks the confidence invariant.
func (f Field) Validate() error {
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", f.Confidence)
	}
	return nil
}

// SelectionMethod records how a detection's candidate was chosen.
type SelectionMethod string

const (
	SelectionAuto   SelectionMethod = "auto_select"     // single surviving candidate
	SelectionVisual SelectionMethod = "visual_matching" // arbitration second pass
)

// Detection is one candidate product instance on one source image. Created by
// the upstream detector; the corrector mutates its attribute fields and the
// consolidator its resolution state. Detections are superseded, never deleted.
type Detection struct {
	ID      string `json:"id"`
	ImageID string `json:"imageId"`
	Box     Box    `json:"box"`

	Brand       Field `json:"brand"`
	ProductName Field `json:"productName"`
	Category    Field `json:"category"`
	Flavor      Field `json:"flavor"`
	Size        Field `json:"size"`

	IsProduct bool `json:"isProduct"`

	// Point of sale the photo was taken at, when known. Drives the
	// retailer component of the pre-filter score.
	PointOfSale string `json:"pointOfSale,omitempty"`

	// Resolution state, written by the consolidator.
	Resolved             bool            `json:"resolved"`
	SelectedCandidateKey string          `json:"selectedCandidateKey,omitempty"`
	SelectionMethod      SelectionMethod `json:"selectionMethod,omitempty"`
	ResolutionReason     string          `json:"resolutionReason,omitempty"`
	ResolvedAt           *time.Time      `json:"resolvedAt,omitempty"`

	// Correction provenance, written by the contextual corrector.
	CorrectedByContext bool   `json:"correctedByContext"`
	CorrectionNotes    string `json:"correctionNotes,omitempty"`
}

// Validate checks box and confidence invariants.
func (d *Detection) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("detection missing id")
	}
	if err := d.Box.Validate(); err != nil {
		return fmt.Errorf("detection %s: %w", d.ID, err)
	}
	for name, f := range map[string]Field{
		"brand": d.Brand, "productName": d.ProductName,
		"category": d.Category, "flavor": d.Flavor, "size": d.Size,
	} {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("detection %s field %s: %w", d.ID, name, err)
		}
	}
	return nil
}

// CandidateMatch is one catalog entry returned for a detection's search.
// Immutable once fetched within a funnel run; re-fetched on every run.
type CandidateMatch struct {
	Key          string   `json:"key"` // catalog identifier, e.g. a product code
	Title        string   `json:"title"`
	Brand        string   `json:"brand"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Size         string   `json:"size"`
	Category     string   `json:"category"`
	ImageURL     string   `json:"imageUrl"`
	Retailers    []string `json:"retailers,omitempty"` // known sales channels
}

// Stage is one step of the matching funnel.
type Stage string

const (
	StageSearch        Stage = "search"
	StagePreFilter     Stage = "pre_filter"
	StageVisualCompare Stage = "visual_compare"
)

// Rank orders stages for monotonic advancement. Unknown stages rank lowest so
// they can never overwrite a real one.
func (s Stage) Rank() int {
	switch s {
	case StageSearch:
		return 1
	case StagePreFilter:
		return 2
	case StageVisualCompare:
		return 3
	default:
		return 0
	}
}

// MatchStatus is the pairwise visual verdict for one candidate.
type MatchStatus string

const (
	MatchIdentical  MatchStatus = "identical"
	MatchAlmostSame MatchStatus = "almost_same"
	MatchNotMatch   MatchStatus = "not_match"
)

// Positive reports whether the verdict keeps the candidate in contention.
func (m MatchStatus) Positive() bool {
	return m == MatchIdentical || m == MatchAlmostSame
}

// StageResult is one row per (detection, candidate) pair, advancing
// monotonically through stages. At most one row exists per pair; re-runs
// upsert to the furthest stage reached.
type StageResult struct {
	DetectionID      string      `json:"detectionId"`
	CandidateKey     string      `json:"candidateKey"`
	Stage            Stage       `json:"stage"`
	SimilarityScore  float64     `json:"similarityScore"`  // pre-filter stage
	MatchStatus      MatchStatus `json:"matchStatus"`      // visual stage
	Confidence       float64     `json:"confidence"`       // visual stage
	VisualSimilarity float64     `json:"visualSimilarity"` // visual stage
	Reason           string      `json:"reason"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// NeighborContext holds the shelf-row neighbors of one target detection.
// Transient: computed per correction call, never persisted.
type NeighborContext struct {
	Left  []*Detection // closest first, at most 3
	Right []*Detection // closest first, at most 3
}

// Empty reports whether no neighbor was found on either side.
func (n NeighborContext) Empty() bool {
	return len(n.Left) == 0 && len(n.Right) == 0
}

// All returns every neighbor, left then right.
func (n NeighborContext) All() []*Detection {
	out := make([]*Detection, 0, len(n.Left)+len(n.Right))
	out = append(out, n.Left...)
	out = append(out, n.Right...)
	return out
}
