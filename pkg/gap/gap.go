// Package gap detects windows of events the feed reported but a completed
// fetch/commit cycle did not deliver, and drives their backfill.
package gap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/geonotes/notesync/internal/metrics"
	"github.com/geonotes/notesync/pkg/apperrors"
	"github.com/geonotes/notesync/pkg/note"
)

// Detector compares what the feed claims against what a cycle delivered.
type Detector struct {
	logger *zap.Logger
}

// NewDetector creates a gap detector.
func NewDetector(logger *zap.Logger) *Detector {
	return &Detector{logger: logger}
}

// Detect returns the gaps for a completed window. Two signals produce a
// gap: the fetch delivered fewer events than the feed reported for the
// window, or the watermark failed to advance after a commit that should
// have moved it (a silent no-op commit).
func (d *Detector) Detect(reportedTotal, fetchedCount int, watermarkBefore, watermarkAfter time.Time) []note.GapRecord {
	var gaps []note.GapRecord

	if fetchedCount < reportedTotal {
		g := note.NewGapRecord(watermarkBefore, watermarkAfter)
		d.logger.Warn("Feed reported more events than fetched",
			zap.Int("reported_total", reportedTotal),
			zap.Int("fetched", fetchedCount),
			zap.Time("range_start", g.RangeStart),
			zap.Time("range_end", g.RangeEnd))
		gaps = append(gaps, g)
	}

	if fetchedCount > 0 && !watermarkAfter.After(watermarkBefore) {
		g := note.NewGapRecord(watermarkBefore, time.Now().UTC())
		d.logger.Warn("Watermark did not advance after a non-empty commit",
			zap.Time("watermark", watermarkBefore),
			zap.Int("fetched", fetchedCount))
		gaps = append(gaps, g)
	}

	metrics.GapsDetected.Add(float64(len(gaps)))
	return gaps
}

// FetchRangeFunc fetches exactly the given event range from the feed.
type FetchRangeFunc func(ctx context.Context, start, end time.Time) ([]note.Note, error)

// ProcessFunc dispatches and persists the backfilled notes.
type ProcessFunc func(ctx context.Context, notes []note.Note) error

// Recoverer re-fetches and re-processes gap ranges. Recovery is re-entrant:
// a resolved gap is a no-op, and the idempotent persistence layer absorbs
// events a partial earlier attempt already committed.
type Recoverer struct {
	fetch   FetchRangeFunc
	process ProcessFunc
	logger  *zap.Logger
}

// NewRecoverer creates a gap recoverer.
func NewRecoverer(fetch FetchRangeFunc, process ProcessFunc, logger *zap.Logger) *Recoverer {
	return &Recoverer{fetch: fetch, process: process, logger: logger}
}

// Recover backfills a single gap and marks it resolved.
func (r *Recoverer) Recover(ctx context.Context, g *note.GapRecord) error {
	if g.Resolved {
		r.logger.Debug("Gap already resolved", zap.String("gap_id", g.ID.String()))
		return nil
	}

	r.logger.Info("Backfilling gap",
		zap.String("gap_id", g.ID.String()),
		zap.Time("range_start", g.RangeStart),
		zap.Time("range_end", g.RangeEnd))

	notes, err := r.fetch(ctx, g.RangeStart, g.RangeEnd)
	if err != nil {
		return apperrors.GapDetectedError(
			fmt.Errorf("backfill fetch for gap %s: %w", g.ID, err),
			"gap backfill fetch failed")
	}

	if len(notes) > 0 {
		if err := r.process(ctx, notes); err != nil {
			return apperrors.GapDetectedError(
				fmt.Errorf("backfill processing for gap %s: %w", g.ID, err),
				"gap backfill processing failed")
		}
	}

	g.Resolved = true
	r.logger.Info("Gap resolved",
		zap.String("gap_id", g.ID.String()),
		zap.Int("notes", len(notes)))
	return nil
}

// RecoverAll resolves every gap in order, stopping at the first failure so
// the watermark never advances past an unresolved range.
func (r *Recoverer) RecoverAll(ctx context.Context, gaps []note.GapRecord) error {
	for i := range gaps {
		if err := r.Recover(ctx, &gaps[i]); err != nil {
			return err
		}
	}
	return nil
}
