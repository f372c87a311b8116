// Package store persists detections, per-stage funnel results and batch run
// summaries in SQLite. All writes are upserts keyed by natural identifiers
// (detection id, candidate key), which keeps concurrent funnel workers
// commutative: rows for different detections never contend, and rows for the
// same pair converge to the furthest stage reached.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"shelfaudit/internal/types"
)

// Store wraps the SQLite database.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open initializes the database at path, creating directories and applying
// schema migrations as needed. Use ":memory:" for tests.
func Open(path string, log *zap.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent funnel workers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, log: log.Named("store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// InsertDetection stores a detector-produced detection, replacing any
// previous record with the same id (detections are superseded, not deleted).
func (s *Store) InsertDetection(ctx context.Context, d *types.Detection) error {
	if err := d.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detections (
			id, image_id, y0, x0, y1, x1,
			brand, brand_conf, product_name, product_name_conf,
			category, category_conf, flavor, flavor_conf, size, size_conf,
			is_product, point_of_sale,
			resolved, selected_candidate_key, selection_method, resolution_reason, resolved_at,
			corrected_by_context, correction_notes
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			image_id=excluded.image_id,
			y0=excluded.y0, x0=excluded.x0, y1=excluded.y1, x1=excluded.x1,
			brand=excluded.brand, brand_conf=excluded.brand_conf,
			product_name=excluded.product_name, product_name_conf=excluded.product_name_conf,
			category=excluded.category, category_conf=excluded.category_conf,
			flavor=excluded.flavor, flavor_conf=excluded.flavor_conf,
			size=excluded.size, size_conf=excluded.size_conf,
			is_product=excluded.is_product, point_of_sale=excluded.point_of_sale`,
		d.ID, d.ImageID, d.Box.Y0, d.Box.X0, d.Box.Y1, d.Box.X1,
		d.Brand.Value, d.Brand.Confidence, d.ProductName.Value, d.ProductName.Confidence,
		d.Category.Value, d.Category.Confidence, d.Flavor.Value, d.Flavor.Confidence,
		d.Size.Value, d.Size.Confidence,
		d.IsProduct, d.PointOfSale,
		d.Resolved, d.SelectedCandidateKey, string(d.SelectionMethod), d.ResolutionReason, d.ResolvedAt,
		d.CorrectedByContext, d.CorrectionNotes,
	)
	if err != nil {
		return fmt.Errorf("failed to insert detection %s: %w", d.ID, err)
	}
	return nil
}

const detectionColumns = `
	id, image_id, y0, x0, y1, x1,
	brand, brand_conf, product_name, product_name_conf,
	category, category_conf, flavor, flavor_conf, size, size_conf,
	is_product, point_of_sale,
	resolved, selected_candidate_key, selection_method, resolution_reason, resolved_at,
	corrected_by_context, correction_notes`

func scanDetection(row interface{ Scan(...any) error }) (*types.Detection, error) {
	var d types.Detection
	var method string
	var resolvedAt sql.NullTime
	err := row.Scan(
		&d.ID, &d.ImageID, &d.Box.Y0, &d.Box.X0, &d.Box.Y1, &d.Box.X1,
		&d.Brand.Value, &d.Brand.Confidence, &d.ProductName.Value, &d.ProductName.Confidence,
		&d.Category.Value, &d.Category.Confidence, &d.Flavor.Value, &d.Flavor.Confidence,
		&d.Size.Value, &d.Size.Confidence,
		&d.IsProduct, &d.PointOfSale,
		&d.Resolved, &d.SelectedCandidateKey, &method, &d.ResolutionReason, &resolvedAt,
		&d.CorrectedByContext, &d.CorrectionNotes,
	)
	if err != nil {
		return nil, err
	}
	d.SelectionMethod = types.SelectionMethod(method)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return &d, nil
}

// GetDetection loads one detection by id.
func (s *Store) GetDetection(ctx context.Context, id string) (*types.Detection, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT"+detectionColumns+" FROM detections WHERE id = ?", id)
	d, err := scanDetection(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("detection %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load detection %s: %w", id, err)
	}
	return d, nil
}

// ListDetections returns the detections for one image, or every detection
// when imageID is empty, ordered by id for stable batching.
func (s *Store) ListDetections(ctx context.Context, imageID string) ([]*types.Detection, error) {
	query := "SELECT" + detectionColumns + " FROM detections"
	args := []any{}
	if imageID != "" {
		query += " WHERE image_id = ?"
		args = append(args, imageID)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list detections: %w", err)
	}
	defer rows.Close()

	var out []*types.Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateResolution writes the consolidator's verdict for one detection.
func (s *Store) UpdateResolution(ctx context.Context, d *types.Detection) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE detections SET
			resolved = ?, selected_candidate_key = ?, selection_method = ?,
			resolution_reason = ?, resolved_at = ?
		WHERE id = ?`,
		d.Resolved, d.SelectedCandidateKey, string(d.SelectionMethod),
		d.ResolutionReason, d.ResolvedAt, d.ID)
	if err != nil {
		return fmt.Errorf("failed to update resolution for %s: %w", d.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("detection %s not found", d.ID)
	}
	return nil
}

// UpdateCorrection writes the contextual corrector's attribute changes.
func (s *Store) UpdateCorrection(ctx context.Context, d *types.Detection) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE detections SET
			brand = ?, brand_conf = ?, size = ?, size_conf = ?,
			corrected_by_context = ?, correction_notes = ?
		WHERE id = ?`,
		d.Brand.Value, d.Brand.Confidence, d.Size.Value, d.Size.Confidence,
		d.CorrectedByContext, d.CorrectionNotes, d.ID)
	if err != nil {
		return fmt.Errorf("failed to update correction for %s: %w", d.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("detection %s not found", d.ID)
	}
	return nil
}

// UpsertStageResult records one (detection, candidate) stage row. The write
// is idempotent and advance-only: a conflict updates the existing row only
// when the incoming stage ranks strictly higher, so re-runs never duplicate
// rows and a stage never regresses. The pre-filter similarity score survives
// the advance to visual_compare; one row carries both signals.
func (s *Store) UpsertStageResult(ctx context.Context, r types.StageResult) error {
	if r.Stage.Rank() == 0 {
		return fmt.Errorf("unknown stage %q", r.Stage)
	}
	updatedAt := r.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_results (
			detection_id, candidate_key, stage, stage_rank,
			similarity_score, match_status, confidence, visual_similarity,
			reason, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(detection_id, candidate_key) DO UPDATE SET
			stage=excluded.stage, stage_rank=excluded.stage_rank,
			similarity_score=MAX(excluded.similarity_score, stage_results.similarity_score),
			match_status=excluded.match_status,
			confidence=excluded.confidence,
			visual_similarity=excluded.visual_similarity,
			reason=excluded.reason, updated_at=excluded.updated_at
		WHERE excluded.stage_rank > stage_results.stage_rank`,
		r.DetectionID, r.CandidateKey, string(r.Stage), r.Stage.Rank(),
		r.SimilarityScore, string(r.MatchStatus), r.Confidence, r.VisualSimilarity,
		r.Reason, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert stage result %s/%s: %w", r.DetectionID, r.CandidateKey, err)
	}
	return nil
}

// StageResults returns all stage rows for one detection, best stage first,
// then by descending similarity.
func (s *Store) StageResults(ctx context.Context, detectionID string) ([]types.StageResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT detection_id, candidate_key, stage, similarity_score,
		       match_status, confidence, visual_similarity, reason, updated_at
		FROM stage_results
		WHERE detection_id = ?
		ORDER BY stage_rank DESC, similarity_score DESC, candidate_key`,
		detectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage results: %w", err)
	}
	defer rows.Close()

	var out []types.StageResult
	for rows.Next() {
		var r types.StageResult
		var stage, status string
		if err := rows.Scan(&r.DetectionID, &r.CandidateKey, &stage, &r.SimilarityScore,
			&status, &r.Confidence, &r.VisualSimilarity, &r.Reason, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stage result: %w", err)
		}
		r.Stage = types.Stage(stage)
		r.MatchStatus = types.MatchStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}
