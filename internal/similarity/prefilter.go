package similarity

import (
	"sort"

	"shelfaudit/internal/types"
)

// Scored pairs a catalog candidate with its pre-filter similarity score.
type Scored struct {
	Candidate types.CandidateMatch
	Score     float64
	Accepted  bool
}

// ScoreCandidate computes the weighted similarity between a detection's
// extracted attributes and one catalog candidate.
//
// Brand takes the best match among the candidate's brand, manufacturer and
// title, since providers are inconsistent about which field carries the
// recognizable name.
func ScoreCandidate(d *types.Detection, c types.CandidateMatch) float64 {
	brand := max(
		StringSimilarity(d.Brand.Value, c.Brand),
		StringSimilarity(d.Brand.Value, c.Manufacturer),
		StringSimilarity(d.Brand.Value, c.Title),
	)
	size := SizeSimilarity(d.Size.Value, c.Size)
	source := SourceMatch(d.PointOfSale, c.Retailers)

	return WeightBrand*brand + WeightSize*size + WeightSource*source
}

// PreFilter scores every candidate, marks those at or above threshold as
// accepted, and returns the full set sorted by descending score. Callers
// persist every row (for diagnostics) but only promote accepted ones.
func PreFilter(d *types.Detection, candidates []types.CandidateMatch, threshold float64) []Scored {
	scored := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		s := ScoreCandidate(d, c)
		scored = append(scored, Scored{
			Candidate: c,
			Score:     s,
			Accepted:  s >= threshold,
		})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	return scored
}

// Accepted filters a scored set down to the promoted candidates.
func Accepted(scored []Scored) []Scored {
	out := make([]Scored, 0, len(scored))
	for _, s := range scored {
		if s.Accepted {
			out = append(out, s)
		}
	}
	return out
}
