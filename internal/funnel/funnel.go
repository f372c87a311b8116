// Package funnel runs the four-stage catalog-matching funnel for one
// detection: catalog search, text pre-filter, concurrent pairwise visual
// comparison, and consolidation into a final selection. Every stage persists
// its per-candidate results before the next stage starts, via idempotent
// upserts keyed by (detection, candidate).
package funnel

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shelfaudit/internal/catalog"
	"shelfaudit/internal/imaging"
	"shelfaudit/internal/similarity"
	"shelfaudit/internal/types"
	"shelfaudit/internal/vision"
)

// Storage is the persistence surface the funnel writes through.
type Storage interface {
	UpsertStageResult(ctx context.Context, r types.StageResult) error
	UpdateResolution(ctx context.Context, d *types.Detection) error
}

// Funnel composes the catalog client, the similarity pre-filter, the vision
// model and the consolidator for one detection at a time.
type Funnel struct {
	searcher catalog.Searcher
	model    vision.Model
	source   imaging.Source
	fetcher  imaging.Fetcher
	storage  Storage
	log      *zap.Logger

	preFilterThreshold    float64
	arbitrationConfidence float64
}

// Options carries the funnel's tunable thresholds.
type Options struct {
	PreFilterThreshold    float64
	ArbitrationConfidence float64
}

// New builds a Funnel.
func New(searcher catalog.Searcher, model vision.Model, source imaging.Source,
	fetcher imaging.Fetcher, storage Storage, opts Options, log *zap.Logger) *Funnel {
	return &Funnel{
		searcher:              searcher,
		model:                 model,
		source:                source,
		fetcher:               fetcher,
		storage:               storage,
		log:                   log.Named("funnel"),
		preFilterThreshold:    opts.PreFilterThreshold,
		arbitrationConfidence: opts.ArbitrationConfidence,
	}
}

// Resolve runs the funnel for one detection, persisting stage results as it
// goes and the final resolution at the end. The returned Resolution is also
// reflected on d's resolution fields.
func (f *Funnel) Resolve(ctx context.Context, d *types.Detection) (*Resolution, error) {
	query, hints := catalog.BuildQuery(d)
	f.log.Debug("resolving detection", zap.String("detection", d.ID), zap.String("query", query))

	// Stage 1: search.
	found, err := f.searcher.Search(ctx, query, hints)
	if err != nil {
		return nil, &SearchError{Query: query, Err: err}
	}
	for _, c := range found.Candidates {
		if err := f.persistStage(ctx, types.StageResult{
			DetectionID:  d.ID,
			CandidateKey: c.Key,
			Stage:        types.StageSearch,
			Reason:       "catalog hit for " + found.ResolvedQuery,
		}); err != nil {
			return nil, err
		}
	}
	if len(found.Candidates) == 0 {
		return f.finish(ctx, d, &Resolution{State: StateNoMatch, Reason: ReasonNoCatalogResults})
	}

	// Stage 2: pre-filter.
	scored := similarity.PreFilter(d, found.Candidates, f.preFilterThreshold)
	for _, s := range scored {
		reason := "rejected below threshold"
		if s.Accepted {
			reason = "promoted to visual comparison"
		}
		if err := f.persistStage(ctx, types.StageResult{
			DetectionID:     d.ID,
			CandidateKey:    s.Candidate.Key,
			Stage:           types.StagePreFilter,
			SimilarityScore: s.Score,
			Reason:          reason,
		}); err != nil {
			return nil, err
		}
	}
	accepted := similarity.Accepted(scored)
	if len(accepted) == 0 {
		return f.finish(ctx, d, &Resolution{State: StateNoMatch, Reason: ReasonNonePreFiltered})
	}

	// Stage 3: concurrent pairwise visual comparison.
	crop, err := f.detectionCrop(ctx, d)
	if err != nil {
		return nil, err
	}
	results, err := f.compareAll(ctx, d, crop, accepted)
	if err != nil {
		return nil, err
	}

	// Stage 4: consolidation.
	resolution, err := f.consolidate(ctx, d, crop, results)
	if err != nil {
		return nil, err
	}
	return f.finish(ctx, d, resolution)
}

// detectionCrop loads the source photo and cuts out the detection box.
func (f *Funnel) detectionCrop(ctx context.Context, d *types.Detection) ([]byte, error) {
	photo, err := f.source.Image(ctx, d.ImageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load source image %s: %w", d.ImageID, err)
	}
	crop, err := imaging.Crop(photo, d.Box)
	if err != nil {
		return nil, fmt.Errorf("failed to crop detection %s: %w", d.ID, err)
	}
	return crop, nil
}

// compareAll fans the pairwise comparisons out concurrently; the candidates
// are independent, so there is no artificial cap beyond the pre-filter's
// result bound. A failed fetch or compare downgrades that one candidate to
// not_match with confidence 0 instead of failing the detection.
func (f *Funnel) compareAll(ctx context.Context, d *types.Detection, crop []byte, accepted []similarity.Scored) ([]compared, error) {
	results := make([]compared, len(accepted))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range accepted {
		g.Go(func() error {
			results[i] = f.compareOne(gctx, crop, s.Candidate)
			results[i].score = s.Score
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, r := range results {
		if err := f.persistStage(ctx, types.StageResult{
			DetectionID:      d.ID,
			CandidateKey:     r.candidate.Key,
			Stage:            types.StageVisualCompare,
			SimilarityScore:  r.score,
			MatchStatus:      r.verdict.MatchStatus,
			Confidence:       r.verdict.Confidence,
			VisualSimilarity: r.verdict.VisualSimilarity,
			Reason:           r.verdict.Reason,
		}); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// compareOne fetches the candidate image and runs one pairwise compare,
// folding any failure into a zero-confidence not_match verdict.
func (f *Funnel) compareOne(ctx context.Context, crop []byte, c types.CandidateMatch) compared {
	image, err := f.fetcher.Fetch(ctx, c.ImageURL)
	if err != nil {
		cerr := &ComparisonError{CandidateKey: c.Key, Err: err}
		f.log.Warn("candidate image fetch failed", zap.String("candidate", c.Key), zap.Error(err))
		return compared{candidate: c, verdict: vision.CompareResult{
			MatchStatus: types.MatchNotMatch,
			Reason:      cerr.Error(),
		}}
	}

	verdict, err := f.model.Compare(ctx, crop, image)
	if err != nil {
		cerr := &ComparisonError{CandidateKey: c.Key, Err: err}
		f.log.Warn("pairwise compare failed", zap.String("candidate", c.Key), zap.Error(err))
		return compared{candidate: c, image: image, verdict: vision.CompareResult{
			MatchStatus: types.MatchNotMatch,
			Reason:      cerr.Error(),
		}}
	}
	return compared{candidate: c, image: image, verdict: *verdict}
}

// finish writes the resolution onto the detection and persists it.
func (f *Funnel) finish(ctx context.Context, d *types.Detection, r *Resolution) (*Resolution, error) {
	now := time.Now().UTC()
	d.Resolved = true
	d.SelectedCandidateKey = r.SelectedKey
	d.SelectionMethod = r.Method
	d.ResolutionReason = r.Reason
	d.ResolvedAt = &now

	if err := f.storage.UpdateResolution(ctx, d); err != nil {
		return nil, &PersistenceError{Op: "update resolution", Err: err}
	}
	f.log.Info("detection resolved",
		zap.String("detection", d.ID),
		zap.String("state", string(r.State)),
		zap.String("selected", r.SelectedKey),
		zap.String("reason", r.Reason))
	return r, nil
}

func (f *Funnel) persistStage(ctx context.Context, r types.StageResult) error {
	if err := f.storage.UpsertStageResult(ctx, r); err != nil {
		return &PersistenceError{Op: "upsert stage result", Err: err}
	}
	return nil
}
