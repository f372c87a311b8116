// Package batch drives a set of detections through a per-detection operation
// in fixed-size concurrent groups, with a pause between groups to stay inside
// upstream rate limits. Failures are isolated per detection; the driver only
// aborts on cancellation.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shelfaudit/internal/store"
	"shelfaudit/internal/types"
)

// Status classifies the outcome of one detection.
type Status string

const (
	StatusResolved    Status = "resolved"
	StatusNoMatch     Status = "no_match"
	StatusNeedsReview Status = "needs_review"
	StatusSkipped     Status = "skipped"
	StatusFailed      Status = "failed"
)

// Outcome is what a Processor reports for one detection.
type Outcome struct {
	Status  Status
	Message string
}

// Processor runs the per-detection operation. Implementations must be safe
// for concurrent use; the driver calls Process from multiple goroutines.
type Processor interface {
	Process(ctx context.Context, d *types.Detection) (Outcome, error)
}

// EventType tags the entries of the progress stream.
type EventType string

const (
	// EventProgress is emitted once per processed detection.
	EventProgress EventType = "progress"
	// EventComplete is emitted once, after the last group finishes.
	EventComplete EventType = "complete"
	// EventError is emitted when the run itself aborts.
	EventError EventType = "error"
)

// Event is one entry of the progress stream. Counter fields are a consistent
// snapshot taken when the event was emitted; Processed never decreases across
// consecutive events.
type Event struct {
	Type        EventType
	DetectionID string
	Index       int // position in the input slice
	Status      Status
	Message     string

	Processed   int
	Total       int
	Succeeded   int
	Failed      int
	Skipped     int
	NoMatch     int
	NeedsReview int
}

// Summary aggregates a finished (or aborted) run.
type Summary struct {
	RunID       string
	Total       int
	Processed   int
	Succeeded   int
	Failed      int
	Skipped     int
	NoMatch     int
	NeedsReview int
}

// RunRecorder persists run lifecycle records. *store.Store satisfies it.
type RunRecorder interface {
	CreateBatchRun(ctx context.Context, kind string, total int) (string, error)
	FinishBatchRun(ctx context.Context, rec store.BatchRunRecord) error
}

// Options tunes the driver.
type Options struct {
	// Concurrency is the group size: at most this many detections are in
	// flight at once, and a group must fully finish before the next starts.
	Concurrency int
	// InterGroupDelay is the pause between groups. No pause after the last.
	InterGroupDelay time.Duration
	// OnEvent, when set, receives the progress stream. Called serially.
	OnEvent func(Event)
}

// Driver runs batches.
type Driver struct {
	proc Processor
	kind string
	runs RunRecorder // may be nil
	opts Options
	log  *zap.Logger

	mu sync.Mutex // guards the summary counters during a run
}

// New builds a Driver. kind labels the persisted run record ("resolve" or
// "correct"). runs may be nil, in which case no record is written.
func New(proc Processor, kind string, runs RunRecorder, opts Options, log *zap.Logger) *Driver {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Driver{proc: proc, kind: kind, runs: runs, opts: opts, log: log.Named("batch")}
}

// Run processes all detections and returns the aggregated summary. Per-item
// failures are counted, not returned; the error is non-nil only when the run
// itself could not proceed (cancellation or run-record persistence).
func (dr *Driver) Run(ctx context.Context, detections []*types.Detection) (*Summary, error) {
	sum := &Summary{Total: len(detections)}

	if dr.runs != nil {
		id, err := dr.runs.CreateBatchRun(ctx, dr.kind, sum.Total)
		if err != nil {
			return sum, fmt.Errorf("failed to record batch run: %w", err)
		}
		sum.RunID = id
	}
	dr.log.Info("batch started",
		zap.String("kind", dr.kind), zap.String("run", sum.RunID),
		zap.Int("total", sum.Total), zap.Int("concurrency", dr.opts.Concurrency))

	runErr := dr.runGroups(ctx, detections, sum)

	if dr.runs != nil {
		if err := dr.runs.FinishBatchRun(context.WithoutCancel(ctx), store.BatchRunRecord{
			ID:          sum.RunID,
			Processed:   sum.Processed,
			Succeeded:   sum.Succeeded,
			Failed:      sum.Failed,
			Skipped:     sum.Skipped,
			NoMatch:     sum.NoMatch,
			NeedsReview: sum.NeedsReview,
		}); err != nil {
			dr.log.Warn("failed to finalize batch run record", zap.Error(err))
		}
	}

	if runErr != nil {
		dr.emit(sum, Event{Type: EventError, Message: runErr.Error()})
		return sum, runErr
	}
	dr.emit(sum, Event{Type: EventComplete})
	dr.log.Info("batch finished",
		zap.Int("processed", sum.Processed), zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed), zap.Int("skipped", sum.Skipped))
	return sum, nil
}

func (dr *Driver) runGroups(ctx context.Context, detections []*types.Detection, sum *Summary) error {
	size := dr.opts.Concurrency
	for start := 0; start < len(detections); start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+size, len(detections))

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				dr.processOne(gctx, i, detections[i], sum)
				return nil
			})
		}
		// processOne never returns an error, so Wait only waits.
		_ = g.Wait()

		if end < len(detections) && dr.opts.InterGroupDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(dr.opts.InterGroupDelay):
			}
		}
	}
	return ctx.Err()
}

func (dr *Driver) processOne(ctx context.Context, index int, d *types.Detection, sum *Summary) {
	out, err := dr.proc.Process(ctx, d)
	if err != nil {
		out = Outcome{Status: StatusFailed, Message: err.Error()}
		dr.log.Warn("detection failed", zap.String("detection", d.ID), zap.Error(err))
	}
	dr.emit(sum, Event{
		Type:        EventProgress,
		DetectionID: d.ID,
		Index:       index,
		Status:      out.Status,
		Message:     out.Message,
	})
}

// emit updates the counters and hands a snapshot to the listener. Serialized
// so Processed is monotonic across the delivered events.
func (dr *Driver) emit(sum *Summary, ev Event) {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	if ev.Type == EventProgress {
		sum.Processed++
		switch ev.Status {
		case StatusResolved:
			sum.Succeeded++
		case StatusFailed:
			sum.Failed++
		case StatusSkipped:
			sum.Skipped++
		case StatusNoMatch:
			sum.NoMatch++
		case StatusNeedsReview:
			sum.NeedsReview++
		}
	}

	ev.Processed = sum.Processed
	ev.Total = sum.Total
	ev.Succeeded = sum.Succeeded
	ev.Failed = sum.Failed
	ev.Skipped = sum.Skipped
	ev.NoMatch = sum.NoMatch
	ev.NeedsReview = sum.NeedsReview
	if dr.opts.OnEvent != nil {
		dr.opts.OnEvent(ev)
	}
}
