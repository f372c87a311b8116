// Package shelf provides pure geometry over detection bounding boxes: finding
// the left/right neighbors a product shares a shelf row with, and the expanded
// crop region used for contextual correction.
package shelf

import (
	"sort"

	"shelfaudit/internal/types"
)

const (
	// MaxNeighborsPerSide caps how many neighbors each side contributes.
	MaxNeighborsPerSide = 3

	// MaxNeighborGap is the largest horizontal gap (normalized units,
	// inclusive) at which a same-row detection still counts as a neighbor.
	MaxNeighborGap = 500

	// RowToleranceFactor scales the target's height into the vertical
	// tolerance for same-row membership.
	RowToleranceFactor = 0.3
)

// Neighbors locates the target's shelf-row neighbors among all detections on
// the same image. The target itself and detections from other images are
// ignored. An empty result means the detection cannot be disambiguated by
// context and callers must skip contextual correction.
func Neighbors(target *types.Detection, all []*types.Detection) types.NeighborContext {
	cy := target.Box.CenterY()
	tolerance := RowToleranceFactor * target.Box.Height()

	var left, right []*types.Detection
	for _, d := range all {
		if d.ID == target.ID || d.ImageID != target.ImageID {
			continue
		}
		dy := d.Box.CenterY() - cy
		if dy < -tolerance || dy > tolerance {
			continue
		}
		switch {
		case d.Box.X1 <= target.Box.X0 && target.Box.X0-d.Box.X1 <= MaxNeighborGap:
			left = append(left, d)
		case d.Box.X0 >= target.Box.X1 && d.Box.X0-target.Box.X1 <= MaxNeighborGap:
			right = append(right, d)
		}
	}

	// Closest first on both sides.
	sort.SliceStable(left, func(i, j int) bool { return left[i].Box.X1 > left[j].Box.X1 })
	sort.SliceStable(right, func(i, j int) bool { return right[i].Box.X0 < right[j].Box.X0 })

	if len(left) > MaxNeighborsPerSide {
		left = left[:MaxNeighborsPerSide]
	}
	if len(right) > MaxNeighborsPerSide {
		right = right[:MaxNeighborsPerSide]
	}
	return types.NeighborContext{Left: left, Right: right}
}

// ExpandedBox returns the union of the target box and every neighbor box.
// This is the region cropped for the contextual correction model call.
func ExpandedBox(target *types.Detection, ctx types.NeighborContext) types.Box {
	boxes := make([]types.Box, 0, len(ctx.Left)+len(ctx.Right))
	for _, n := range ctx.All() {
		boxes = append(boxes, n.Box)
	}
	return target.Box.Union(boxes...)
}
