// Package syncer orchestrates the sync pipeline: lock acquisition, the
// incremental/full-rebuild decision, fetching, parsing, country assignment,
// dispatching, gap checking and the watermark-advance protocol.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/geonotes/notesync/internal/metrics"
	"github.com/geonotes/notesync/pkg/apperrors"
	"github.com/geonotes/notesync/pkg/db"
	"github.com/geonotes/notesync/pkg/dispatcher"
	"github.com/geonotes/notesync/pkg/fetcher"
	"github.com/geonotes/notesync/pkg/gap"
	"github.com/geonotes/notesync/pkg/geo"
	"github.com/geonotes/notesync/pkg/lock"
	"github.com/geonotes/notesync/pkg/note"
)

// State is the coordinator's position in the run state machine.
type State int

const (
	StateIdle State = iota
	StateCheckBaseData
	StateRunFull
	StateRunIncremental
	StatePersisting
	StateGapCheck
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCheckBaseData:
		return "check_base_data"
	case StateRunFull:
		return "run_full"
	case StateRunIncremental:
		return "run_incremental"
	case StatePersisting:
		return "persisting"
	case StateGapCheck:
		return "gap_check"
	case StateDone:
		return "done"
	default:
		return "failed"
	}
}

// FeedFetcher defines the interface for retrieving feed payloads
type FeedFetcher interface {
	FetchIncremental(ctx context.Context, since time.Time) (*fetcher.Payload, int, error)
	FetchRange(ctx context.Context, since, until time.Time) (*fetcher.Payload, int, error)
	FetchFull(ctx context.Context) (*fetcher.Payload, error)
}

// PayloadParser defines the interface for payload parsing and validation
type PayloadParser interface {
	Parse(data []byte) ([]note.Note, error)
}

// SyncStore defines the interface for database operations
type SyncStore interface {
	HasBaseData(ctx context.Context) (bool, error)
	Watermark(ctx context.Context) (time.Time, bool, error)
	BeginRun(ctx context.Context) error
	CommitBatch(ctx context.Context, notes []note.Note) (db.CommitToken, error)
	AdvanceWatermark(ctx context.Context, token db.CommitToken) error
	Countries(ctx context.Context) ([]note.Country, error)
}

// CountryAssigner defines the interface for coordinate-to-country lookup
type CountryAssigner interface {
	Assign(ctx context.Context, lat, lon float64) (int64, error)
}

// NoteDispatcher defines the interface for fanning batches out to the store
type NoteDispatcher interface {
	Dispatch(ctx context.Context, notes []note.Note) []dispatcher.BatchResult
}

// LockManager defines the interface for per-job mutual exclusion
type LockManager interface {
	Acquire(jobName string) (*lock.Lock, error)
	Release(l *lock.Lock) error
	MarkFailed(jobName string) error
	ConsumeFailureMarker(jobName string) bool
}

// Config holds the engine's behavior knobs.
type Config struct {
	JobName        string
	MaxIncremental int
	ForceFull      bool
}

// Engine orchestrates the note synchronization pipeline
type Engine struct {
	cfg      Config
	fetcher  FeedFetcher
	parser   PayloadParser
	store    SyncStore
	assigner CountryAssigner
	disp     NoteDispatcher
	locks    LockManager
	detector *gap.Detector
	logger   *zap.Logger

	state atomic.Int32
	ready atomic.Bool
}

// NewEngine creates a new sync engine
func NewEngine(
	cfg Config,
	f FeedFetcher,
	p PayloadParser,
	store SyncStore,
	assigner CountryAssigner,
	disp NoteDispatcher,
	locks LockManager,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		cfg:      cfg,
		fetcher:  f,
		parser:   p,
		store:    store,
		assigner: assigner,
		disp:     disp,
		locks:    locks,
		detector: gap.NewDetector(logger),
		logger:   logger,
	}
}

// State returns the engine's current state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// IsReady reports whether at least one run completed successfully.
func (e *Engine) IsReady() bool {
	return e.ready.Load()
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
	e.logger.Debug("State transition", zap.String("state", s.String()))
}

// RunOnce executes a single synchronization run. A second invocation while
// another holds the job lock fails fast with an AlreadyRunning error and
// performs no store writes.
func (e *Engine) RunOnce(ctx context.Context) error {
	e.setState(StateIdle)

	l, err := e.locks.Acquire(e.cfg.JobName)
	if err != nil {
		return err
	}
	// The lock is released unconditionally, failure paths included.
	defer func() {
		if err := e.locks.Release(l); err != nil {
			e.logger.Warn("Failed to release lock", zap.Error(err))
		}
	}()

	runErr := e.run(ctx)
	if runErr != nil {
		e.setState(StateFailed)
		metrics.RunsTotal.WithLabelValues(StateFailed.String()).Inc()
		if !apperrors.Is(runErr, apperrors.CategoryAlreadyRunning) {
			if err := e.locks.MarkFailed(e.cfg.JobName); err != nil {
				e.logger.Warn("Failed to write failure marker", zap.Error(err))
			}
		}
		return runErr
	}

	e.setState(StateDone)
	e.ready.Store(true)
	metrics.RunsTotal.WithLabelValues(StateDone.String()).Inc()
	return nil
}

func (e *Engine) run(ctx context.Context) error {
	// A crashed previous run leaves the incremental bookkeeping suspect;
	// take the full-rebuild safety path.
	crashed := e.locks.ConsumeFailureMarker(e.cfg.JobName)
	if crashed {
		e.logger.Warn("Previous run crashed; forcing full rebuild safety checks")
	}

	e.setState(StateCheckBaseData)
	hasBase, err := e.store.HasBaseData(ctx)
	if err != nil {
		return apperrors.GeneralError(fmt.Errorf("base data check: %w", err))
	}

	if !hasBase || crashed || e.cfg.ForceFull {
		return e.runFull(ctx)
	}
	return e.runIncremental(ctx)
}

// runIncremental fetches the delta window since the watermark, escalating
// to a full rebuild when the feed reports more events than the configured
// incremental ceiling.
func (e *Engine) runIncremental(ctx context.Context) error {
	e.setState(StateRunIncremental)

	watermarkBefore, initialized, err := e.store.Watermark(ctx)
	if err != nil {
		return apperrors.GeneralError(fmt.Errorf("watermark read: %w", err))
	}
	if !initialized {
		e.logger.Info("No watermark yet; escalating to full rebuild")
		return e.runFull(ctx)
	}

	payload, reportedTotal, err := e.fetcher.FetchIncremental(ctx, watermarkBefore)
	if err != nil {
		return err
	}
	defer payload.Remove()

	if e.cfg.MaxIncremental > 0 && reportedTotal > e.cfg.MaxIncremental {
		e.logger.Warn("Delta too large to process incrementally; escalating to full rebuild",
			zap.Int("reported_total", reportedTotal),
			zap.Int("max_incremental", e.cfg.MaxIncremental))
		return e.runFull(ctx)
	}

	notes, err := e.parsePayload(payload)
	if err != nil {
		return err
	}

	if len(notes) == 0 {
		e.logger.Info("Empty delta; nothing to persist",
			zap.Time("watermark", watermarkBefore))
	} else if err := e.persist(ctx, notes, "incremental"); err != nil {
		return err
	}

	e.setState(StateGapCheck)
	watermarkAfter, _, err := e.store.Watermark(ctx)
	if err != nil {
		return apperrors.GeneralError(fmt.Errorf("watermark re-read: %w", err))
	}

	gaps := e.detector.Detect(reportedTotal, len(notes), watermarkBefore, watermarkAfter)
	if len(gaps) > 0 {
		recoverer := gap.NewRecoverer(e.fetchRange, e.processBackfill, e.logger)
		if err := recoverer.RecoverAll(ctx, gaps); err != nil {
			return err
		}
	}
	return nil
}

// runFull rebuilds from the bulk dump. The watermark is created by the
// first successful full rebuild.
func (e *Engine) runFull(ctx context.Context) error {
	e.setState(StateRunFull)

	payload, err := e.fetcher.FetchFull(ctx)
	if err != nil {
		return err
	}
	defer payload.Remove()

	notes, err := e.parsePayload(payload)
	if err != nil {
		return err
	}

	if len(notes) == 0 {
		e.logger.Warn("Bulk dump contained no notes")
		return nil
	}

	return e.persist(ctx, notes, "full")
}

// persist assigns countries, dispatches batches and advances the watermark
// to the minimum successfully committed point. Any batch failure freezes
// the watermark for the failed range and fails the run.
func (e *Engine) persist(ctx context.Context, notes []note.Note, mode string) error {
	e.assignCountries(ctx, notes)

	e.setState(StatePersisting)
	if err := e.store.BeginRun(ctx); err != nil {
		return apperrors.GeneralError(fmt.Errorf("begin run: %w", err))
	}

	results := e.disp.Dispatch(ctx, notes)
	metrics.NotesProcessed.WithLabelValues(mode).Add(float64(len(notes)))

	token, failedErr := advancePoint(results)
	if token.Verified() && !token.BatchMax.IsZero() {
		if err := e.store.AdvanceWatermark(ctx, token); err != nil {
			return err
		}
	}

	if failedErr != nil {
		if apperrors.Is(failedErr, apperrors.CategoryIntegrityViolation) {
			return failedErr
		}
		return apperrors.GeneralError(fmt.Errorf("batch commit failed: %w", failedErr))
	}
	return nil
}

// advancePoint selects the committed token with the greatest batch maximum
// that does not outrun the earliest failed batch, plus the first failure.
// A failed result without a window leaves the failed range unknown, so no
// token may advance past it.
func advancePoint(results []dispatcher.BatchResult) (db.CommitToken, error) {
	var firstErr error
	unknownFailed := false
	earliestFailed := time.Time{}
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		if firstErr == nil || errors.Is(firstErr, context.Canceled) {
			firstErr = r.Err
		}
		if r.Start.IsZero() {
			unknownFailed = true
			continue
		}
		if earliestFailed.IsZero() || r.Start.Before(earliestFailed) {
			earliestFailed = r.Start
		}
	}
	if unknownFailed {
		return db.CommitToken{}, firstErr
	}

	var best db.CommitToken
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		if !earliestFailed.IsZero() && r.End.After(earliestFailed) {
			continue
		}
		if r.Token.BatchMax.After(best.BatchMax) || !best.Verified() {
			best = r.Token
		}
	}
	return best, firstErr
}

// assignCountries resolves coordinates for notes that do not have a country
// yet. Assignment failures leave the id nullable rather than failing the
// run; the next sync retries them.
func (e *Engine) assignCountries(ctx context.Context, notes []note.Note) {
	for i := range notes {
		if notes[i].CountryID != nil {
			continue
		}
		id, err := e.assigner.Assign(ctx, notes[i].Lat, notes[i].Lon)
		if err != nil {
			if !errors.Is(err, geo.ErrNoCountry) {
				metrics.ErrorsTotal.WithLabelValues("assigner", "lookup").Inc()
			}
			e.logger.Debug("Country assignment failed",
				zap.Int64("note_id", notes[i].ID),
				zap.Float64("lat", notes[i].Lat),
				zap.Float64("lon", notes[i].Lon),
				zap.Error(err))
			continue
		}
		notes[i].CountryID = &id
	}
}

// fetchRange feeds the gap recoverer: a targeted fetch of exactly the gap's
// range, parsed through the normal validation path.
func (e *Engine) fetchRange(ctx context.Context, start, end time.Time) ([]note.Note, error) {
	payload, _, err := e.fetcher.FetchRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	defer payload.Remove()
	return e.parsePayload(payload)
}

// processBackfill persists backfilled notes through the same dispatch and
// watermark protocol as a normal window.
func (e *Engine) processBackfill(ctx context.Context, notes []note.Note) error {
	return e.persist(ctx, notes, "backfill")
}

func (e *Engine) parsePayload(payload *fetcher.Payload) ([]note.Note, error) {
	data, err := payload.Bytes()
	if err != nil {
		return nil, apperrors.GeneralError(fmt.Errorf("payload read: %w", err))
	}
	return e.parser.Parse(data)
}
