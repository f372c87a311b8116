package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Base schema. CREATE TABLE IF NOT EXISTS covers fresh databases; the
// column migrations below cover databases created before a column existed.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS detections (
		id TEXT PRIMARY KEY,
		image_id TEXT NOT NULL,
		y0 INTEGER NOT NULL, x0 INTEGER NOT NULL,
		y1 INTEGER NOT NULL, x1 INTEGER NOT NULL,
		brand TEXT DEFAULT '', brand_conf REAL DEFAULT 0,
		product_name TEXT DEFAULT '', product_name_conf REAL DEFAULT 0,
		category TEXT DEFAULT '', category_conf REAL DEFAULT 0,
		flavor TEXT DEFAULT '', flavor_conf REAL DEFAULT 0,
		size TEXT DEFAULT '', size_conf REAL DEFAULT 0,
		is_product INTEGER DEFAULT 1,
		point_of_sale TEXT DEFAULT '',
		resolved INTEGER DEFAULT 0,
		selected_candidate_key TEXT DEFAULT '',
		selection_method TEXT DEFAULT '',
		resolution_reason TEXT DEFAULT '',
		resolved_at DATETIME,
		corrected_by_context INTEGER DEFAULT 0,
		correction_notes TEXT DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_detections_image ON detections(image_id)`,
	`CREATE TABLE IF NOT EXISTS stage_results (
		detection_id TEXT NOT NULL,
		candidate_key TEXT NOT NULL,
		stage TEXT NOT NULL,
		stage_rank INTEGER NOT NULL,
		similarity_score REAL DEFAULT 0,
		match_status TEXT DEFAULT '',
		confidence REAL DEFAULT 0,
		visual_similarity REAL DEFAULT 0,
		reason TEXT DEFAULT '',
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (detection_id, candidate_key)
	)`,
	`CREATE TABLE IF NOT EXISTS batch_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		total INTEGER DEFAULT 0,
		processed INTEGER DEFAULT 0,
		succeeded INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		skipped INTEGER DEFAULT 0,
		no_match INTEGER DEFAULT 0,
		needs_review INTEGER DEFAULT 0
	)`,
}

// columnMigration adds one column to an existing table.
type columnMigration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists columns added after the tables first shipped.
var pendingMigrations = []columnMigration{
	{"detections", "point_of_sale", "TEXT DEFAULT ''"},
	{"detections", "resolution_reason", "TEXT DEFAULT ''"},
	{"batch_runs", "no_match", "INTEGER DEFAULT 0"},
	{"batch_runs", "needs_review", "INTEGER DEFAULT 0"},
}

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	applied := 0
	for _, m := range pendingMigrations {
		exists, err := columnExists(s.db, m.Table, m.Column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to add %s.%s: %w", m.Table, m.Column, err)
		}
		applied++
	}
	if applied > 0 {
		s.log.Info("applied column migrations", zap.Int("count", applied))
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
