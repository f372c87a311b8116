package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoxValidate(t *testing.T) {
	t.Run("valid box passes", func(t *testing.T) {
		assert.NoError(t, Box{Y0: 100, X0: 200, Y1: 300, X1: 400}.Validate())
	})

	t.Run("inverted coordinates rejected", func(t *testing.T) {
		assert.Error(t, Box{Y0: 300, X0: 200, Y1: 100, X1: 400}.Validate())
		assert.Error(t, Box{Y0: 100, X0: 400, Y1: 300, X1: 200}.Validate())
	})

	t.Run("out of range rejected", func(t *testing.T) {
		assert.Error(t, Box{Y0: -1, X0: 0, Y1: 10, X1: 10}.Validate())
		assert.Error(t, Box{Y0: 0, X0: 0, Y1: 1001, X1: 10}.Validate())
	})
}

func TestBoxUnion(t *testing.T) {
	target := Box{Y0: 100, X0: 100, Y1: 200, X1: 200}
	left := Box{Y0: 90, X0: 10, Y1: 210, X1: 95}
	right := Box{Y0: 110, X0: 205, Y1: 190, X1: 400}

	u := target.Union(left, right)

	// The union must contain every input box coordinate-wise.
	for _, b := range []Box{target, left, right} {
		assert.LessOrEqual(t, u.Y0, b.Y0)
		assert.LessOrEqual(t, u.X0, b.X0)
		assert.GreaterOrEqual(t, u.Y1, b.Y1)
		assert.GreaterOrEqual(t, u.X1, b.X1)
	}
	assert.Equal(t, Box{Y0: 90, X0: 10, Y1: 210, X1: 400}, u)
}

func TestBoxToPixels(t *testing.T) {
	// pixel = round(normalized/1000 * dimension), independent per axis.
	b := Box{Y0: 250, X0: 500, Y1: 750, X1: 1000}
	x0, y0, x1, y1 := b.ToPixels(640, 480)
	assert.Equal(t, 320, x0)
	assert.Equal(t, 120, y0)
	assert.Equal(t, 640, x1)
	assert.Equal(t, 360, y1)

	// Rounding, not truncation: 333/1000*100 = 33.3 -> 33, 335 -> 34 (half up).
	b = Box{Y0: 0, X0: 333, Y1: 10, X1: 335}
	x0, _, x1, _ = b.ToPixels(100, 100)
	assert.Equal(t, 33, x0)
	assert.Equal(t, 34, x1)
}

func TestStageRank(t *testing.T) {
	assert.Less(t, StageSearch.Rank(), StagePreFilter.Rank())
	assert.Less(t, StagePreFilter.Rank(), StageVisualCompare.Rank())
	assert.Equal(t, 0, Stage("bogus").Rank())
}

func TestDetectionValidate(t *testing.T) {
	d := &Detection{
		ID:      "det-1",
		ImageID: "img-1",
		Box:     Box{Y0: 10, X0: 10, Y1: 50, X1: 50},
		Brand:   Field{Value: "Acme", Confidence: 0.9},
	}
	require.NoError(t, d.Validate())

	d.Size = Field{Value: "500ml", Confidence: 1.2}
	assert.Error(t, d.Validate())
}

func TestMatchStatusPositive(t *testing.T) {
	assert.True(t, MatchIdentical.Positive())
	assert.True(t, MatchAlmostSame.Positive())
	assert.False(t, MatchNotMatch.Positive())
}
