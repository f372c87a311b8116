package funnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"shelfaudit/internal/catalog"
	"shelfaudit/internal/types"
	"shelfaudit/internal/vision"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeSearcher struct {
	candidates []types.CandidateMatch
	err        error
	calls      int
}

func (f *fakeSearcher) Search(_ context.Context, query string, _ catalog.Hints) (*catalog.SearchResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &catalog.SearchResult{Candidates: f.candidates, ResolvedQuery: query}, nil
}

type fakeModel struct {
	mu         sync.Mutex
	verdicts   map[string]vision.CompareResult // candidate image key -> verdict
	compareErr map[string]error
	arbitrated *vision.ArbitrationResult
	arbErr     error
	arbCalls   int
	arbKeys    []string
}

func (f *fakeModel) Compare(_ context.Context, _, candidateImage []byte) (*vision.CompareResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(candidateImage)
	if err := f.compareErr[key]; err != nil {
		return nil, err
	}
	v, ok := f.verdicts[key]
	if !ok {
		v = vision.CompareResult{MatchStatus: types.MatchNotMatch}
	}
	return &v, nil
}

func (f *fakeModel) Arbitrate(_ context.Context, _ []byte, candidates []vision.ArbitrationCandidate, _ vision.Metadata) (*vision.ArbitrationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arbCalls++
	f.arbKeys = nil
	for _, c := range candidates {
		f.arbKeys = append(f.arbKeys, c.Key)
	}
	if f.arbErr != nil {
		return nil, f.arbErr
	}
	return f.arbitrated, nil
}

func (f *fakeModel) InferFromContext(context.Context, []byte, vision.Metadata, []vision.NeighborSummary) (*vision.ContextInference, error) {
	panic("not used")
}

type fakeSource struct{ data []byte }

func (f fakeSource) Image(context.Context, string) ([]byte, error) { return f.data, nil }

// fakeFetcher returns the URL itself as the "image" so the fake model can key
// verdicts off it.
type fakeFetcher struct {
	failFor map[string]error
}

func (f fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	if err := f.failFor[url]; err != nil {
		return nil, err
	}
	return []byte(url), nil
}

// memStorage implements Storage with the same advance-only upsert semantics
// as the sqlite store.
type memStorage struct {
	mu          sync.Mutex
	rows        map[string]types.StageResult // detectionID/candidateKey
	resolutions map[string]types.Detection
	failWrites  bool
}

func newMemStorage() *memStorage {
	return &memStorage{
		rows:        map[string]types.StageResult{},
		resolutions: map[string]types.Detection{},
	}
}

func (m *memStorage) UpsertStageResult(_ context.Context, r types.StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errors.New("disk full")
	}
	key := r.DetectionID + "/" + r.CandidateKey
	if prev, ok := m.rows[key]; ok && r.Stage.Rank() <= prev.Stage.Rank() {
		return nil
	}
	m.rows[key] = r
	return nil
}

func (m *memStorage) UpdateResolution(_ context.Context, d *types.Detection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errors.New("disk full")
	}
	m.resolutions[d.ID] = *d
	return nil
}

// ---------------------------------------------------------------------------
// fixtures
// ---------------------------------------------------------------------------

func photo(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 200, 100)), nil))
	return buf.Bytes()
}

func detection() *types.Detection {
	return &types.Detection{
		ID:          "det-1",
		ImageID:     "img-1",
		Box:         types.Box{Y0: 100, X0: 100, Y1: 500, X1: 400},
		Brand:       types.Field{Value: "Nivea", Confidence: 0.95},
		Size:        types.Field{Value: "250ml", Confidence: 0.9},
		PointOfSale: "Walmart",
		IsProduct:   true,
	}
}

// strongCandidate scores 1.0 in the pre-filter for detection().
func strongCandidate(key string) types.CandidateMatch {
	return types.CandidateMatch{
		Key:       key,
		Title:     "Nivea Soft 250ml",
		Brand:     "Nivea",
		Size:      "250 ml",
		ImageURL:  "img://" + key,
		Retailers: []string{"Walmart"},
	}
}

// weakCandidate scores far below the pre-filter threshold.
func weakCandidate(key string) types.CandidateMatch {
	return types.CandidateMatch{Key: key, Title: "Axe Spray", Brand: "Axe", Size: "50ml", ImageURL: "img://" + key}
}

func newTestFunnel(t *testing.T, s *fakeSearcher, m *fakeModel, st *memStorage, fetcher fakeFetcher) *Funnel {
	t.Helper()
	return New(s, m, fakeSource{data: photo(t)}, fetcher, st,
		Options{PreFilterThreshold: 0.85, ArbitrationConfidence: 0.6},
		zaptest.NewLogger(t))
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestResolveNoCatalogResults(t *testing.T) {
	st := newMemStorage()
	f := newTestFunnel(t, &fakeSearcher{}, &fakeModel{}, st, fakeFetcher{})

	d := detection()
	res, err := f.Resolve(context.Background(), d)
	require.NoError(t, err)

	assert.Equal(t, StateNoMatch, res.State)
	assert.Equal(t, ReasonNoCatalogResults, res.Reason)
	assert.True(t, d.Resolved)
	assert.Empty(t, d.SelectedCandidateKey)
	assert.Empty(t, st.rows) // never reached pre-filter
}

func TestResolveNothingPassesPreFilter(t *testing.T) {
	st := newMemStorage()
	s := &fakeSearcher{candidates: []types.CandidateMatch{weakCandidate("w1"), weakCandidate("w2")}}
	f := newTestFunnel(t, s, &fakeModel{}, st, fakeFetcher{})

	res, err := f.Resolve(context.Background(), detection())
	require.NoError(t, err)

	// Distinguishable from "nothing found".
	assert.Equal(t, StateNoMatch, res.State)
	assert.Equal(t, ReasonNonePreFiltered, res.Reason)

	// Both candidates persisted at the pre-filter stage.
	require.Len(t, st.rows, 2)
	for _, r := range st.rows {
		assert.Equal(t, types.StagePreFilter, r.Stage)
	}
}

func TestResolveAutoSelectsSinglePositive(t *testing.T) {
	st := newMemStorage()
	s := &fakeSearcher{candidates: []types.CandidateMatch{strongCandidate("c1"), weakCandidate("w1")}}
	m := &fakeModel{verdicts: map[string]vision.CompareResult{
		"img://c1": {MatchStatus: types.MatchIdentical, Confidence: 0.92, VisualSimilarity: 0.95},
	}}
	f := newTestFunnel(t, s, m, st, fakeFetcher{})

	d := detection()
	res, err := f.Resolve(context.Background(), d)
	require.NoError(t, err)

	assert.Equal(t, StateAutoSelected, res.State)
	assert.Equal(t, "c1", res.SelectedKey)
	assert.Equal(t, types.SelectionAuto, d.SelectionMethod)
	assert.Equal(t, "c1", d.SelectedCandidateKey)
	assert.Zero(t, m.arbCalls) // no second model call for an unambiguous case

	row := st.rows["det-1/c1"]
	assert.Equal(t, types.StageVisualCompare, row.Stage)
	assert.Equal(t, types.MatchIdentical, row.MatchStatus)
	// The pre-filter score travels with the pair into the visual stage.
	assert.Equal(t, 1.0, row.SimilarityScore)
}

func TestResolveTwoPositivesRequireArbitration(t *testing.T) {
	st := newMemStorage()
	s := &fakeSearcher{candidates: []types.CandidateMatch{strongCandidate("c1"), strongCandidate("c2")}}
	m := &fakeModel{
		verdicts: map[string]vision.CompareResult{
			"img://c1": {MatchStatus: types.MatchIdentical, Confidence: 0.9},
			"img://c2": {MatchStatus: types.MatchIdentical, Confidence: 0.9},
		},
		// Boundary confidence: exactly 0.6 passes.
		arbitrated: &vision.ArbitrationResult{SelectedKey: "c2", Confidence: 0.6, Reasoning: "label detail"},
	}
	f := newTestFunnel(t, s, m, st, fakeFetcher{})

	d := detection()
	res, err := f.Resolve(context.Background(), d)
	require.NoError(t, err)

	assert.Equal(t, 1, m.arbCalls)
	assert.ElementsMatch(t, []string{"c1", "c2"}, m.arbKeys)
	assert.Equal(t, StateSelected, res.State)
	assert.Equal(t, "c2", res.SelectedKey)
	assert.Equal(t, types.SelectionVisual, d.SelectionMethod)
}

func TestResolveArbitrationInconclusive(t *testing.T) {
	for name, verdict := range map[string]*vision.ArbitrationResult{
		"low confidence": {SelectedKey: "c1", Confidence: 0.59},
		"unknown key":    {SelectedKey: "c9", Confidence: 0.9},
		"declined":       {SelectedKey: "", Confidence: 0.9},
	} {
		t.Run(name, func(t *testing.T) {
			st := newMemStorage()
			s := &fakeSearcher{candidates: []types.CandidateMatch{strongCandidate("c1"), strongCandidate("c2")}}
			m := &fakeModel{
				verdicts: map[string]vision.CompareResult{
					"img://c1": {MatchStatus: types.MatchIdentical},
					"img://c2": {MatchStatus: types.MatchAlmostSame},
				},
				arbitrated: verdict,
			}
			f := newTestFunnel(t, s, m, st, fakeFetcher{})

			d := detection()
			res, err := f.Resolve(context.Background(), d)
			require.NoError(t, err)

			assert.Equal(t, StateNeedsReview, res.State)
			assert.ElementsMatch(t, []string{"c1", "c2"}, res.OpenOptions)
			// Resolved but unselected, so a human can disambiguate.
			assert.True(t, d.Resolved)
			assert.Empty(t, d.SelectedCandidateKey)
		})
	}
}

func TestResolveComparisonFailureIsolatedToCandidate(t *testing.T) {
	st := newMemStorage()
	s := &fakeSearcher{candidates: []types.CandidateMatch{strongCandidate("c1"), strongCandidate("c2")}}
	m := &fakeModel{
		verdicts: map[string]vision.CompareResult{
			"img://c2": {MatchStatus: types.MatchIdentical, Confidence: 0.9},
		},
		compareErr: map[string]error{"img://c1": errors.New("model overloaded")},
	}
	f := newTestFunnel(t, s, m, st, fakeFetcher{})

	d := detection()
	res, err := f.Resolve(context.Background(), d)
	require.NoError(t, err)

	// c1 degraded to not_match, c2 auto-selected.
	assert.Equal(t, StateAutoSelected, res.State)
	assert.Equal(t, "c2", res.SelectedKey)

	row := st.rows["det-1/c1"]
	assert.Equal(t, types.MatchNotMatch, row.MatchStatus)
	assert.Zero(t, row.Confidence)
	assert.Contains(t, row.Reason, "comparison failed")
}

func TestResolveCandidateImageFetchFailureIsolated(t *testing.T) {
	st := newMemStorage()
	s := &fakeSearcher{candidates: []types.CandidateMatch{strongCandidate("c1"), strongCandidate("c2")}}
	m := &fakeModel{verdicts: map[string]vision.CompareResult{
		"img://c2": {MatchStatus: types.MatchAlmostSame, Confidence: 0.8},
	}}
	fetcher := fakeFetcher{failFor: map[string]error{"img://c1": errors.New("timeout")}}
	f := newTestFunnel(t, s, m, st, fetcher)

	res, err := f.Resolve(context.Background(), detection())
	require.NoError(t, err)
	assert.Equal(t, StateAutoSelected, res.State)
	assert.Equal(t, "c2", res.SelectedKey)
}

func TestResolveSearchErrorAbortsDetection(t *testing.T) {
	st := newMemStorage()
	s := &fakeSearcher{err: errors.New("catalog down")}
	f := newTestFunnel(t, s, &fakeModel{}, st, fakeFetcher{})

	d := detection()
	_, err := f.Resolve(context.Background(), d)
	require.Error(t, err)

	var se *SearchError
	assert.ErrorAs(t, err, &se)
	assert.False(t, d.Resolved)
	assert.Empty(t, st.resolutions)
}

func TestResolvePersistenceErrorAborts(t *testing.T) {
	st := newMemStorage()
	st.failWrites = true
	s := &fakeSearcher{candidates: []types.CandidateMatch{strongCandidate("c1")}}
	f := newTestFunnel(t, s, &fakeModel{}, st, fakeFetcher{})

	_, err := f.Resolve(context.Background(), detection())
	require.Error(t, err)

	var pe *PersistenceError
	assert.ErrorAs(t, err, &pe)
}

func TestResolveIdempotentAcrossReruns(t *testing.T) {
	st := newMemStorage()
	s := &fakeSearcher{candidates: []types.CandidateMatch{strongCandidate("c1"), weakCandidate("w1")}}
	m := &fakeModel{verdicts: map[string]vision.CompareResult{
		"img://c1": {MatchStatus: types.MatchIdentical, Confidence: 0.92},
	}}
	f := newTestFunnel(t, s, m, st, fakeFetcher{})

	d := detection()
	first, err := f.Resolve(context.Background(), d)
	require.NoError(t, err)
	firstRows := map[string]types.StageResult{}
	for k, v := range st.rows {
		firstRows[k] = v
	}

	second, err := f.Resolve(context.Background(), d)
	require.NoError(t, err)

	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.SelectedKey, second.SelectedKey)
	if diff := cmp.Diff(firstRows, st.rows); diff != "" {
		t.Errorf("stage rows changed across reruns (-first +second):\n%s", diff)
	}
	assert.Equal(t, 2, s.calls)
}

func TestConsolidateStateTable(t *testing.T) {
	st := newMemStorage()
	m := &fakeModel{arbitrated: &vision.ArbitrationResult{SelectedKey: "k0", Confidence: 0.9}}
	f := newTestFunnel(t, &fakeSearcher{}, m, st, fakeFetcher{})

	mk := func(n int, status types.MatchStatus) []compared {
		out := make([]compared, n)
		for i := range out {
			out[i] = compared{
				candidate: types.CandidateMatch{Key: fmt.Sprintf("k%d", i)},
				verdict:   vision.CompareResult{MatchStatus: status},
			}
		}
		return out
	}

	res, err := f.consolidate(context.Background(), detection(), nil, mk(3, types.MatchNotMatch))
	require.NoError(t, err)
	assert.Equal(t, StateNoMatch, res.State)

	res, err = f.consolidate(context.Background(), detection(), nil, mk(1, types.MatchAlmostSame))
	require.NoError(t, err)
	assert.Equal(t, StateAutoSelected, res.State)

	res, err = f.consolidate(context.Background(), detection(), nil, mk(2, types.MatchIdentical))
	require.NoError(t, err)
	assert.Equal(t, StateSelected, res.State)
	assert.Equal(t, "k0", res.SelectedKey)
}
