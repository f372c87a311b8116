package funnel

import "fmt"

// The funnel's failure taxonomy. Errors are isolated per detection: the batch
// driver records them and moves on, it never aborts a run for one item.
// Arbitration declining or scoring low is deliberately NOT an error — it is
// the NeedsReview outcome.

// SearchError means the catalog was unavailable; the detection's funnel run
// is aborted and reported as an error.
type SearchError struct {
	Query string
	Err   error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("catalog search failed for %q: %v", e.Query, e.Err)
}

func (e *SearchError) Unwrap() error { return e.Err }

// ComparisonError is a network or model failure during one pairwise compare.
// It never fails the detection: the affected candidate is recorded as
// not_match with confidence 0 so the other concurrent comparisons count.
type ComparisonError struct {
	CandidateKey string
	Err          error
}

func (e *ComparisonError) Error() string {
	return fmt.Sprintf("pairwise comparison failed for candidate %s: %v", e.CandidateKey, e.Err)
}

func (e *ComparisonError) Unwrap() error { return e.Err }

// PersistenceError means a store write failed. The detection is aborted and
// surfaced as an error without automatic retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store write failed (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
