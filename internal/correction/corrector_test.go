package correction

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"shelfaudit/internal/types"
	"shelfaudit/internal/vision"
)

type fakeSource struct {
	data []byte
	err  error
}

func (f fakeSource) Image(context.Context, string) ([]byte, error) { return f.data, f.err }

type fakeModel struct {
	inference *vision.ContextInference
	err       error
	neighbors []vision.NeighborSummary
}

func (f *fakeModel) Compare(context.Context, []byte, []byte) (*vision.CompareResult, error) {
	panic("not used")
}

func (f *fakeModel) Arbitrate(context.Context, []byte, []vision.ArbitrationCandidate, vision.Metadata) (*vision.ArbitrationResult, error) {
	panic("not used")
}

func (f *fakeModel) InferFromContext(_ context.Context, _ []byte, _ vision.Metadata, neighbors []vision.NeighborSummary) (*vision.ContextInference, error) {
	f.neighbors = neighbors
	return f.inference, f.err
}

type fakeStore struct {
	saved *types.Detection
	err   error
}

func (f *fakeStore) UpdateCorrection(_ context.Context, d *types.Detection) error {
	copied := *d
	f.saved = &copied
	return f.err
}

func photo(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 200, 100)), nil))
	return buf.Bytes()
}

func target() *types.Detection {
	return &types.Detection{
		ID:        "det-1",
		ImageID:   "img-1",
		Box:       types.Box{Y0: 100, X0: 400, Y1: 300, X1: 500},
		Brand:     types.Field{Value: "Coca", Confidence: 0.40},
		Size:      types.Field{Value: "330ml", Confidence: 0.95},
		IsProduct: true,
	}
}

func neighbor() *types.Detection {
	return &types.Detection{
		ID:        "det-2",
		ImageID:   "img-1",
		Box:       types.Box{Y0: 100, X0: 280, Y1: 300, X1: 390},
		Brand:     types.Field{Value: "Coca-Cola", Confidence: 0.97},
		Size:      types.Field{Value: "330ml", Confidence: 0.9},
		IsProduct: true,
	}
}

func TestEligible(t *testing.T) {
	c := New(fakeSource{}, &fakeModel{}, &fakeStore{}, 0.91, zaptest.NewLogger(t))

	d := target()
	assert.True(t, c.Eligible(d)) // brand confidence 0.40 < 0.91

	d.Brand = types.Field{Value: "Nivea", Confidence: 0.95}
	d.Size = types.Field{Value: "250ml", Confidence: 0.95}
	assert.False(t, c.Eligible(d))

	d.Brand.Value = ""
	assert.True(t, c.Eligible(d))

	d = target()
	d.IsProduct = false
	assert.False(t, c.Eligible(d))
}

func TestCorrectImproveMode(t *testing.T) {
	model := &fakeModel{inference: &vision.ContextInference{
		InferredBrand:   "Coca-Cola",
		BrandConfidence: 0.93,
		InferredSize:    "500ml",
		SizeConfidence:  0.50, // below current 0.95, must not overwrite
	}}
	st := &fakeStore{}
	c := New(fakeSource{data: photo(t)}, model, st, 0.91, zaptest.NewLogger(t))

	d := target()
	res, err := c.Correct(context.Background(), d, []*types.Detection{d, neighbor()}, ModeImprove)
	require.NoError(t, err)
	assert.Equal(t, StatusCorrected, res.Status)

	assert.Equal(t, "Coca-Cola", d.Brand.Value)
	assert.Equal(t, 0.93, d.Brand.Confidence)
	assert.Equal(t, "330ml", d.Size.Value) // unchanged
	assert.True(t, d.CorrectedByContext)
	assert.Contains(t, d.CorrectionNotes, `"Coca" (0.40) -> "Coca-Cola" (0.93)`)

	require.NotNil(t, st.saved)
	assert.Equal(t, "Coca-Cola", st.saved.Brand.Value)

	// Neighbor summaries went to the model.
	require.Len(t, model.neighbors, 1)
	assert.Equal(t, "left", model.neighbors[0].Position)
	assert.Equal(t, "Coca-Cola", model.neighbors[0].Brand)
}

func TestCorrectForceModeOverwritesRegardless(t *testing.T) {
	model := &fakeModel{inference: &vision.ContextInference{
		InferredBrand:   "Pepsi",
		BrandConfidence: 0.10,
		InferredSize:    "1L",
		SizeConfidence:  0.10,
	}}
	st := &fakeStore{}
	c := New(fakeSource{data: photo(t)}, model, st, 0.91, zaptest.NewLogger(t))

	d := target()
	res, err := c.Correct(context.Background(), d, []*types.Detection{d, neighbor()}, ModeForce)
	require.NoError(t, err)
	assert.Equal(t, StatusCorrected, res.Status)
	assert.Equal(t, "Pepsi", d.Brand.Value)
	assert.Equal(t, "1L", d.Size.Value)
	assert.True(t, d.CorrectedByContext)
}

func TestCorrectSkipsWithoutNeighbors(t *testing.T) {
	c := New(fakeSource{data: photo(t)}, &fakeModel{}, &fakeStore{}, 0.91, zaptest.NewLogger(t))

	d := target()
	res, err := c.Correct(context.Background(), d, []*types.Detection{d}, ModeImprove)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.False(t, d.CorrectedByContext)
}

func TestCorrectSkipsWhenNothingImproves(t *testing.T) {
	model := &fakeModel{inference: &vision.ContextInference{
		InferredBrand:   "Coca",
		BrandConfidence: 0.10,
		InferredSize:    "",
	}}
	st := &fakeStore{}
	c := New(fakeSource{data: photo(t)}, model, st, 0.91, zaptest.NewLogger(t))

	d := target()
	res, err := c.Correct(context.Background(), d, []*types.Detection{d, neighbor()}, ModeImprove)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Nil(t, st.saved)
	assert.Equal(t, "Coca", d.Brand.Value)
}

func TestCorrectParseFailureLeavesDetectionUnchanged(t *testing.T) {
	model := &fakeModel{err: &vision.ParseError{Raw: "not json", Err: errors.New("bad")}}
	st := &fakeStore{}
	c := New(fakeSource{data: photo(t)}, model, st, 0.91, zaptest.NewLogger(t))

	d := target()
	before := *d
	res, err := c.Correct(context.Background(), d, []*types.Detection{d, neighbor()}, ModeImprove)
	require.Error(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, before, *d)
	assert.Nil(t, st.saved)

	var pe *vision.ParseError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, "not json", pe.Raw)
}
