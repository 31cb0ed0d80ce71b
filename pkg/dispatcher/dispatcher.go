// Package dispatcher fans note batches out to the persistence layer. The
// sequential or parallel strategy is selected once per run from batch size
// and threshold; both implement the same Dispatch contract. Ordering is
// per-note, not global: a note and all its comments stay inside one batch,
// and batches may commit in any order relative to each other.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creasty/defaults"
	"go.uber.org/zap"

	"github.com/geonotes/notesync/internal/metrics"
	"github.com/geonotes/notesync/pkg/db"
	"github.com/geonotes/notesync/pkg/note"
)

// Committer persists one batch atomically.
type Committer interface {
	CommitBatch(ctx context.Context, notes []note.Note) (db.CommitToken, error)
}

// BatchResult reports one batch's outcome so the coordinator can advance
// the watermark only past the minimum successfully committed point.
type BatchResult struct {
	Index int
	Start time.Time
	End   time.Time
	Notes int
	Token db.CommitToken
	Err   error
}

// Strategy is the common dispatch contract.
type Strategy interface {
	Name() string
	Dispatch(ctx context.Context, notes []note.Note) []BatchResult
}

// Options configures dispatching. Zero values fall back to the defaults
// declared on the struct tags.
type Options struct {
	ParallelThreshold int           `default:"100"`
	Concurrency       int           `default:"4"`
	BatchSize         int           `default:"500"`
	CommitTimeout     time.Duration `default:"2m"`
}

// Dispatcher selects and runs a strategy.
type Dispatcher struct {
	opts      Options
	committer Committer
	logger    *zap.Logger
}

// New creates a dispatcher.
func New(committer Committer, opts Options, logger *zap.Logger) (*Dispatcher, error) {
	if err := defaults.Set(&opts); err != nil {
		return nil, fmt.Errorf("failed to apply dispatcher defaults: %w", err)
	}
	if committer == nil {
		return nil, fmt.Errorf("committer is required")
	}
	return &Dispatcher{opts: opts, committer: committer, logger: logger}, nil
}

// Choose returns the strategy for a batch of n notes. Pure function of
// batch size and threshold so the decision is testable in isolation.
func (d *Dispatcher) Choose(n int) Strategy {
	if n < d.opts.ParallelThreshold {
		return &sequential{d}
	}
	return &parallel{d}
}

// Dispatch processes notes with the strategy Choose picks for their count.
func (d *Dispatcher) Dispatch(ctx context.Context, notes []note.Note) []BatchResult {
	if len(notes) == 0 {
		return nil
	}
	strategy := d.Choose(len(notes))
	d.logger.Info("Dispatching notes",
		zap.Int("notes", len(notes)),
		zap.String("strategy", strategy.Name()))
	return strategy.Dispatch(ctx, notes)
}

// partition splits notes into batches of at most BatchSize, keeping each
// note with all of its comments.
func (d *Dispatcher) partition(notes []note.Note) [][]note.Note {
	size := d.opts.BatchSize
	if size < 1 {
		size = 1
	}
	var batches [][]note.Note
	for start := 0; start < len(notes); start += size {
		end := start + size
		if end > len(notes) {
			end = len(notes)
		}
		batches = append(batches, notes[start:end])
	}
	return batches
}

// batchWindow computes the [start, end] event range a batch covers. Every
// result carries it, including results for batches that never committed, so
// the coordinator's advance decision always sees the failed range.
func batchWindow(batch []note.Note) (start, end time.Time) {
	for i := range batch {
		last := batch[i].LastEventAt()
		if start.IsZero() || batch[i].CreatedAt.Before(start) {
			start = batch[i].CreatedAt
		}
		if last.After(end) {
			end = last
		}
	}
	return start, end
}

func (d *Dispatcher) commitOne(ctx context.Context, index int, batch []note.Note) BatchResult {
	res := BatchResult{Index: index, Notes: len(batch)}
	res.Start, res.End = batchWindow(batch)

	commitCtx, cancel := context.WithTimeout(ctx, d.opts.CommitTimeout)
	defer cancel()

	token, err := d.committer.CommitBatch(commitCtx, batch)
	if err != nil {
		res.Err = err
		metrics.BatchesTotal.WithLabelValues("failed").Inc()
		d.logger.Error("Batch commit failed",
			zap.Int("batch", index),
			zap.Int("notes", len(batch)),
			zap.Error(err))
		return res
	}

	res.Token = token
	metrics.BatchesTotal.WithLabelValues("committed").Inc()
	return res
}

// sequential processes batches one after another in feed order and stops at
// the first failure; nothing later may outrun a failed range.
type sequential struct {
	d *Dispatcher
}

func (s *sequential) Name() string { return "sequential" }

func (s *sequential) Dispatch(ctx context.Context, notes []note.Note) []BatchResult {
	batches := s.d.partition(notes)
	results := make([]BatchResult, 0, len(batches))
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			start, end := batchWindow(batch)
			results = append(results, BatchResult{Index: i, Start: start, End: end, Notes: len(batch), Err: err})
			break
		}
		res := s.d.commitOne(ctx, i, batch)
		results = append(results, res)
		if res.Err != nil {
			break
		}
	}
	return results
}

// parallel fans batches out to a bounded worker pool. One batch's failure
// does not cancel unrelated batches, but it drains the queue: workers stop
// picking up new batches while in-flight commits run to completion.
type parallel struct {
	d *Dispatcher
}

func (p *parallel) Name() string { return "parallel" }

func (p *parallel) Dispatch(ctx context.Context, notes []note.Note) []BatchResult {
	batches := p.d.partition(notes)
	metrics.PendingBatches.Set(float64(len(batches)))
	defer metrics.PendingBatches.Set(0)

	workers := p.d.opts.Concurrency
	if workers > len(batches) {
		workers = len(batches)
	}

	type job struct {
		index int
		batch []note.Note
	}
	jobs := make(chan job)
	results := make(chan BatchResult, len(batches))
	var failed atomic.Bool

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if failed.Load() || ctx.Err() != nil {
					start, end := batchWindow(j.batch)
					results <- BatchResult{Index: j.index, Start: start, End: end, Notes: len(j.batch), Err: context.Canceled}
					continue
				}
				res := p.d.commitOne(ctx, j.index, j.batch)
				if res.Err != nil {
					failed.Store(true)
				}
				results <- res
			}
		}()
	}

	for i, batch := range batches {
		jobs <- job{index: i, batch: batch}
	}
	close(jobs)
	wg.Wait()
	close(results)

	collected := make([]BatchResult, 0, len(batches))
	for res := range results {
		collected = append(collected, res)
	}
	// Stable order for the coordinator's log output.
	sort.Slice(collected, func(i, j int) bool { return collected[i].Index < collected[j].Index })
	return collected
}
