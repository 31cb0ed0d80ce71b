package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/geonotes/notesync/pkg/apperrors"
	"github.com/geonotes/notesync/pkg/db"
	"github.com/geonotes/notesync/pkg/dispatcher"
	"github.com/geonotes/notesync/pkg/fetcher"
	"github.com/geonotes/notesync/pkg/lock"
	"github.com/geonotes/notesync/pkg/note"
)

func testConfig() Config {
	return Config{JobName: "sync", MaxIncremental: 1000}
}

func noteAt(id int64, ts time.Time) note.Note {
	return note.Note{
		ID:        id,
		Lat:       48.0,
		Lon:       2.0,
		Status:    note.StatusOpen,
		CreatedAt: ts,
		Comments: []note.Comment{
			{NoteID: id, Action: note.ActionOpened, CreatedAt: ts},
		},
	}
}

// committedResult builds a successful batch result carrying a verified token.
func committedResult(t *testing.T, index int, start, end time.Time) dispatcher.BatchResult {
	t.Helper()
	return dispatcher.BatchResult{
		Index: index,
		Start: start,
		End:   end,
		Token: verifiedToken(t, end),
	}
}

func TestEngine_RunOnce_IncrementalHappyPath(t *testing.T) {
	wm := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	eventAt := wm.Add(2 * time.Hour)

	var fetchedSince time.Time
	var beginRuns, dispatches int

	mockStore := &MockStore{
		HasBaseDataFunc: func(ctx context.Context) (bool, error) { return true, nil },
		WatermarkFunc: func(ctx context.Context) (time.Time, bool, error) {
			return wm, true, nil
		},
		BeginRunFunc: func(ctx context.Context) error {
			beginRuns++
			return nil
		},
		AdvanceWatermarkFunc: func(ctx context.Context, token db.CommitToken) error {
			wm = token.BatchMax
			return nil
		},
	}

	mockFetcher := &MockFetcher{
		FetchIncrementalFunc: func(ctx context.Context, since time.Time) (*fetcher.Payload, int, error) {
			fetchedSince = since
			return stagePayload(t, "delta"), 1, nil
		},
	}

	mockParser := &MockParser{
		ParseFunc: func(data []byte) ([]note.Note, error) {
			return []note.Note{noteAt(1, eventAt)}, nil
		},
	}

	assigned := false
	mockAssigner := &MockAssigner{
		AssignFunc: func(ctx context.Context, lat, lon float64) (int64, error) {
			assigned = true
			return 42, nil
		},
	}

	mockDisp := &MockDispatcher{
		DispatchFunc: func(ctx context.Context, notes []note.Note) []dispatcher.BatchResult {
			dispatches++
			if len(notes) != 1 {
				t.Errorf("expected 1 note dispatched, got %d", len(notes))
			}
			if notes[0].CountryID == nil || *notes[0].CountryID != 42 {
				t.Error("expected country to be assigned before dispatch")
			}
			return []dispatcher.BatchResult{committedResult(t, 0, notes[0].CreatedAt, eventAt)}
		},
	}

	engine := NewEngine(testConfig(), mockFetcher, mockParser, mockStore, mockAssigner, mockDisp, &MockLocks{}, zap.NewNop())

	if engine.IsReady() {
		t.Error("engine should not be ready before the first run")
	}

	if err := engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}

	if fetchedSince != time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) {
		t.Errorf("expected fetch since the watermark, got %v", fetchedSince)
	}
	if !wm.Equal(eventAt) {
		t.Errorf("expected watermark advanced to %v, got %v", eventAt, wm)
	}
	if beginRuns != 1 || dispatches != 1 {
		t.Errorf("expected exactly one begin/dispatch, got %d/%d", beginRuns, dispatches)
	}
	if !assigned {
		t.Error("expected country assignment to run")
	}
	if engine.State() != StateDone {
		t.Errorf("expected state done, got %s", engine.State())
	}
	if !engine.IsReady() {
		t.Error("engine should be ready after a successful run")
	}

	// Rerunning picks up from the advanced watermark.
	if err := engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce() failed: %v", err)
	}
	if !fetchedSince.Equal(eventAt) {
		t.Errorf("second run should fetch since the new watermark, got %v", fetchedSince)
	}
}

func TestEngine_RunOnce_FullWhenNoBaseData(t *testing.T) {
	eventAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	incrementalCalled := false
	fullCalled := false

	mockStore := &MockStore{
		HasBaseDataFunc: func(ctx context.Context) (bool, error) { return false, nil },
	}
	mockFetcher := &MockFetcher{
		FetchIncrementalFunc: func(ctx context.Context, since time.Time) (*fetcher.Payload, int, error) {
			incrementalCalled = true
			return stagePayload(t, ""), 0, nil
		},
		FetchFullFunc: func(ctx context.Context) (*fetcher.Payload, error) {
			fullCalled = true
			return stagePayload(t, "dump"), nil
		},
	}
	mockParser := &MockParser{
		ParseFunc: func(data []byte) ([]note.Note, error) {
			return []note.Note{noteAt(1, eventAt)}, nil
		},
	}
	mockDisp := &MockDispatcher{
		DispatchFunc: func(ctx context.Context, notes []note.Note) []dispatcher.BatchResult {
			return []dispatcher.BatchResult{committedResult(t, 0, notes[0].CreatedAt, eventAt)}
		},
	}

	engine := NewEngine(testConfig(), mockFetcher, mockParser, mockStore, &MockAssigner{}, mockDisp, &MockLocks{}, zap.NewNop())

	if err := engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}
	if !fullCalled {
		t.Error("expected full rebuild when base data is absent")
	}
	if incrementalCalled {
		t.Error("incremental fetch must not run without base data")
	}
}

func TestEngine_RunOnce_FullAfterCrashMarker(t *testing.T) {
	fullCalled := false

	mockStore := &MockStore{
		HasBaseDataFunc: func(ctx context.Context) (bool, error) { return true, nil },
		WatermarkFunc: func(ctx context.Context) (time.Time, bool, error) {
			return time.Now().Add(-time.Hour), true, nil
		},
	}
	mockFetcher := &MockFetcher{
		FetchFullFunc: func(ctx context.Context) (*fetcher.Payload, error) {
			fullCalled = true
			return stagePayload(t, ""), nil
		},
	}
	mockLocks := &MockLocks{
		ConsumeFailureMarkerFunc: func(jobName string) bool { return true },
	}

	engine := NewEngine(testConfig(), mockFetcher, &MockParser{}, mockStore, &MockAssigner{}, &MockDispatcher{}, mockLocks, zap.NewNop())

	if err := engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}
	if !fullCalled {
		t.Error("expected a crashed previous run to force the full path")
	}
}

func TestEngine_RunOnce_UninitializedWatermarkEscalates(t *testing.T) {
	fullCalled := false

	mockStore := &MockStore{
		HasBaseDataFunc: func(ctx context.Context) (bool, error) { return true, nil },
		WatermarkFunc: func(ctx context.Context) (time.Time, bool, error) {
			return time.Time{}, false, nil
		},
	}
	mockFetcher := &MockFetcher{
		FetchFullFunc: func(ctx context.Context) (*fetcher.Payload, error) {
			fullCalled = true
			return stagePayload(t, ""), nil
		},
	}

	engine := NewEngine(testConfig(), mockFetcher, &MockParser{}, mockStore, &MockAssigner{}, &MockDispatcher{}, &MockLocks{}, zap.NewNop())

	if err := engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}
	if !fullCalled {
		t.Error("expected an uninitialized watermark to escalate to full")
	}
}

func TestEngine_RunOnce_EmptyDeltaLeavesWatermarkAlone(t *testing.T) {
	wm := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	var beginRuns, dispatches, advances int

	mockStore := &MockStore{
		HasBaseDataFunc: func(ctx context.Context) (bool, error) { return true, nil },
		WatermarkFunc: func(ctx context.Context) (time.Time, bool, error) {
			return wm, true, nil
		},
		BeginRunFunc: func(ctx context.Context) error {
			beginRuns++
			return nil
		},
		AdvanceWatermarkFunc: func(ctx context.Context, token db.CommitToken) error {
			advances++
			return nil
		},
	}
	mockFetcher := &MockFetcher{
		FetchIncrementalFunc: func(ctx context.Context, since time.Time) (*fetcher.Payload, int, error) {
			return stagePayload(t, "<osm-notes/>"), 0, nil
		},
	}
	mockDisp := &MockDispatcher{
		DispatchFunc: func(ctx context.Context, notes []note.Note) []dispatcher.BatchResult {
			dispatches++
			return nil
		},
	}

	engine := NewEngine(testConfig(), mockFetcher, &MockParser{}, mockStore, &MockAssigner{}, mockDisp, &MockLocks{}, zap.NewNop())

	if err := engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}
	if beginRuns != 0 || dispatches != 0 || advances != 0 {
		t.Errorf("empty delta must not touch the store, got begin=%d dispatch=%d advance=%d",
			beginRuns, dispatches, advances)
	}
	if engine.State() != StateDone {
		t.Errorf("expected state done, got %s", engine.State())
	}
}

func TestEngine_RunOnce_EscalatesWhenDeltaTooLarge(t *testing.T) {
	fullCalled := false

	mockStore := &MockStore{
		HasBaseDataFunc: func(ctx context.Context) (bool, error) { return true, nil },
		WatermarkFunc: func(ctx context.Context) (time.Time, bool, error) {
			return time.Now().Add(-24 * time.Hour), true, nil
		},
	}
	mockFetcher := &MockFetcher{
		FetchIncrementalFunc: func(ctx context.Context, since time.Time) (*fetcher.Payload, int, error) {
			return stagePayload(t, "huge delta"), 500, nil
		},
		FetchFullFunc: func(ctx context.Context) (*fetcher.Payload, error) {
			fullCalled = true
			return stagePayload(t, ""), nil
		},
	}

	cfg := testConfig()
	cfg.MaxIncremental = 100
	engine := NewEngine(cfg, mockFetcher, &MockParser{}, mockStore, &MockAssigner{}, &MockDispatcher{}, &MockLocks{}, zap.NewNop())

	if err := engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}
	if !fullCalled {
		t.Error("expected oversized delta to escalate to a full rebuild")
	}
}

func TestEngine_RunOnce_AlreadyRunningFailsFast(t *testing.T) {
	storeTouched := false
	markFailed := false

	mockStore := &MockStore{
		HasBaseDataFunc: func(ctx context.Context) (bool, error) {
			storeTouched = true
			return true, nil
		},
	}
	mockLocks := &MockLocks{
		AcquireFunc: func(jobName string) (*lock.Lock, error) {
			return nil, apperrors.AlreadyRunningError(nil, "job sync is already running")
		},
		MarkFailedFunc: func(jobName string) error {
			markFailed = true
			return nil
		},
	}

	engine := NewEngine(testConfig(), &MockFetcher{}, &MockParser{}, mockStore, &MockAssigner{}, &MockDispatcher{}, mockLocks, zap.NewNop())

	err := engine.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected RunOnce to fail while another run holds the lock")
	}
	if !apperrors.Is(err, apperrors.CategoryAlreadyRunning) {
		t.Errorf("expected AlreadyRunning category, got %v", err)
	}
	if storeTouched {
		t.Error("a skipped run must not touch the store")
	}
	if markFailed {
		t.Error("a skipped run is not a crash; no failure marker expected")
	}
}

func TestEngine_RunOnce_FailedBatchAdvancesOnlyCommittedPrefix(t *testing.T) {
	wm := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	t1 := wm.Add(time.Hour)
	t2 := wm.Add(2 * time.Hour)
	t3 := wm.Add(3 * time.Hour)

	var advancedTo time.Time
	markFailed := false

	mockStore := &MockStore{
		HasBaseDataFunc: func(ctx context.Context) (bool, error) { return true, nil },
		WatermarkFunc: func(ctx context.Context) (time.Time, bool, error) {
			return wm, true, nil
		},
		AdvanceWatermarkFunc: func(ctx context.Context, token db.CommitToken) error {
			advancedTo = token.BatchMax
			return nil
		},
	}
	mockFetcher := &MockFetcher{
		FetchIncrementalFunc: func(ctx context.Context, since time.Time) (*fetcher.Payload, int, error) {
			return stagePayload(t, "delta"), 2, nil
		},
	}
	mockParser := &MockParser{
		ParseFunc: func(data []byte) ([]note.Note, error) {
			return []note.Note{noteAt(1, t1), noteAt(2, t3)}, nil
		},
	}
	mockDisp := &MockDispatcher{
		DispatchFunc: func(ctx context.Context, notes []note.Note) []dispatcher.BatchResult {
			return []dispatcher.BatchResult{
				committedResult(t, 0, wm, t1),
				{Index: 1, Start: t2, End: t3, Err: errors.New("db down")},
			}
		},
	}
	mockLocks := &MockLocks{
		MarkFailedFunc: func(jobName string) error {
			markFailed = true
			return nil
		},
	}

	engine := NewEngine(testConfig(), mockFetcher, mockParser, mockStore, &MockAssigner{}, mockDisp, mockLocks, zap.NewNop())

	err := engine.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected a failed batch to fail the run")
	}
	if !advancedTo.Equal(t1) {
		t.Errorf("watermark should advance only to the committed prefix %v, got %v", t1, advancedTo)
	}
	if engine.State() != StateFailed {
		t.Errorf("expected state failed, got %s", engine.State())
	}
	if !markFailed {
		t.Error("expected a failure marker for the crashed run")
	}
	if engine.IsReady() {
		t.Error("a failed first run must not mark the engine ready")
	}
}

func TestEngine_RunOnce_NoAdvancePastEarliestFailure(t *testing.T) {
	wm := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	t1 := wm.Add(time.Hour)
	t2 := wm.Add(2 * time.Hour)

	advanceCalled := false

	mockStore := &MockStore{
		HasBaseDataFunc: func(ctx context.Context) (bool, error) { return true, nil },
		WatermarkFunc: func(ctx context.Context) (time.Time, bool, error) {
			return wm, true, nil
		},
		AdvanceWatermarkFunc: func(ctx context.Context, token db.CommitToken) error {
			advanceCalled = true
			return nil
		},
	}
	mockFetcher := &MockFetcher{
		FetchIncrementalFunc: func(ctx context.Context, since time.Time) (*fetcher.Payload, int, error) {
			return stagePayload(t, "delta"), 2, nil
		},
	}
	mockParser := &MockParser{
		ParseFunc: func(data []byte) ([]note.Note, error) {
			return []note.Note{noteAt(1, t1), noteAt(2, t2)}, nil
		},
	}
	// The earliest batch fails; the later committed batch covers a range
	// past the failure and must not move the watermark.
	mockDisp := &MockDispatcher{
		DispatchFunc: func(ctx context.Context, notes []note.Note) []dispatcher.BatchResult {
			return []dispatcher.BatchResult{
				{Index: 0, Start: wm, End: t1, Err: errors.New("db down")},
				committedResult(t, 1, t1, t2),
			}
		},
	}

	engine := NewEngine(testConfig(), mockFetcher, mockParser, mockStore, &MockAssigner{}, mockDisp, &MockLocks{}, zap.NewNop())

	if err := engine.RunOnce(context.Background()); err == nil {
		t.Fatal("expected the run to fail")
	}
	if advanceCalled {
		t.Error("watermark must not advance past the earliest failed batch")
	}
}

func TestEngine_RunOnce_DrainedBatchBlocksAdvance(t *testing.T) {
	wm := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	t1 := wm.Add(time.Hour)
	t2 := wm.Add(2 * time.Hour)
	t3 := wm.Add(3 * time.Hour)

	advanceCalled := false

	mockStore := &MockStore{
		HasBaseDataFunc: func(ctx context.Context) (bool, error) { return true, nil },
		WatermarkFunc: func(ctx context.Context) (time.Time, bool, error) {
			return wm, true, nil
		},
		AdvanceWatermarkFunc: func(ctx context.Context, token db.CommitToken) error {
			advanceCalled = true
			return nil
		},
	}
	mockFetcher := &MockFetcher{
		FetchIncrementalFunc: func(ctx context.Context, since time.Time) (*fetcher.Payload, int, error) {
			return stagePayload(t, "delta"), 3, nil
		},
	}
	mockParser := &MockParser{
		ParseFunc: func(data []byte) ([]note.Note, error) {
			return []note.Note{noteAt(1, t1), noteAt(2, t2), noteAt(3, t3)}, nil
		},
	}
	// The drained batch carries no window, so the failed range is unknown.
	// That must pin the watermark even though the committed batch past the
	// failure holds a verified token.
	mockDisp := &MockDispatcher{
		DispatchFunc: func(ctx context.Context, notes []note.Note) []dispatcher.BatchResult {
			return []dispatcher.BatchResult{
				{Index: 0, Start: wm, End: t1, Err: errors.New("db down")},
				committedResult(t, 1, t2, t3),
				{Index: 2, Notes: 1, Err: context.Canceled},
			}
		},
	}

	engine := NewEngine(testConfig(), mockFetcher, mockParser, mockStore, &MockAssigner{}, mockDisp, &MockLocks{}, zap.NewNop())

	err := engine.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected the run to fail")
	}
	if errors.Is(err, context.Canceled) {
		t.Errorf("run should surface the commit failure, not the drain, got %v", err)
	}
	if advanceCalled {
		t.Error("watermark must not advance when a drained batch hides the failed range")
	}
	if got := engine.State(); got != StateFailed {
		t.Errorf("expected state %s, got %s", StateFailed, got)
	}
}

func TestEngine_RunOnce_GapTriggersBackfill(t *testing.T) {
	wm := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	eventAt := wm.Add(time.Hour)

	var rangeFetches int
	var dispatches int

	mockStore := &MockStore{
		HasBaseDataFunc: func(ctx context.Context) (bool, error) { return true, nil },
		WatermarkFunc: func(ctx context.Context) (time.Time, bool, error) {
			return wm, true, nil
		},
		AdvanceWatermarkFunc: func(ctx context.Context, token db.CommitToken) error {
			wm = token.BatchMax
			return nil
		},
	}
	mockFetcher := &MockFetcher{
		FetchIncrementalFunc: func(ctx context.Context, since time.Time) (*fetcher.Payload, int, error) {
			// The feed claims 3 events but the payload only carries 1.
			return stagePayload(t, "delta"), 3, nil
		},
		FetchRangeFunc: func(ctx context.Context, since, until time.Time) (*fetcher.Payload, int, error) {
			rangeFetches++
			return stagePayload(t, "backfill"), 0, nil
		},
	}
	mockParser := &MockParser{
		ParseFunc: func(data []byte) ([]note.Note, error) {
			return []note.Note{noteAt(int64(dispatches + 1), eventAt.Add(time.Duration(dispatches)*time.Minute))}, nil
		},
	}
	mockDisp := &MockDispatcher{
		DispatchFunc: func(ctx context.Context, notes []note.Note) []dispatcher.BatchResult {
			dispatches++
			last := notes[len(notes)-1].LastEventAt()
			return []dispatcher.BatchResult{committedResult(t, 0, notes[0].CreatedAt, last)}
		},
	}

	engine := NewEngine(testConfig(), mockFetcher, mockParser, mockStore, &MockAssigner{}, mockDisp, &MockLocks{}, zap.NewNop())

	if err := engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}
	if rangeFetches != 1 {
		t.Errorf("expected 1 backfill fetch, got %d", rangeFetches)
	}
	if dispatches != 2 {
		t.Errorf("expected the backfill to be dispatched too, got %d dispatches", dispatches)
	}
}

func TestEngine_RunOnce_IntegrityViolationPropagates(t *testing.T) {
	wm := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	eventAt := wm.Add(time.Hour)

	mockStore := &MockStore{
		HasBaseDataFunc: func(ctx context.Context) (bool, error) { return true, nil },
		WatermarkFunc: func(ctx context.Context) (time.Time, bool, error) {
			return wm, true, nil
		},
		AdvanceWatermarkFunc: func(ctx context.Context, token db.CommitToken) error {
			return apperrors.IntegrityViolationError(nil, "integrity flag is false")
		},
	}
	mockFetcher := &MockFetcher{
		FetchIncrementalFunc: func(ctx context.Context, since time.Time) (*fetcher.Payload, int, error) {
			return stagePayload(t, "delta"), 1, nil
		},
	}
	mockParser := &MockParser{
		ParseFunc: func(data []byte) ([]note.Note, error) {
			return []note.Note{noteAt(1, eventAt)}, nil
		},
	}
	mockDisp := &MockDispatcher{
		DispatchFunc: func(ctx context.Context, notes []note.Note) []dispatcher.BatchResult {
			return []dispatcher.BatchResult{committedResult(t, 0, wm, eventAt)}
		},
	}

	engine := NewEngine(testConfig(), mockFetcher, mockParser, mockStore, &MockAssigner{}, mockDisp, &MockLocks{}, zap.NewNop())

	err := engine.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected integrity violation to fail the run")
	}
	if !apperrors.Is(err, apperrors.CategoryIntegrityViolation) {
		t.Errorf("expected IntegrityViolation category, got %v", err)
	}
}

func TestEngine_RunOnce_MalformedPayloadFails(t *testing.T) {
	mockStore := &MockStore{
		HasBaseDataFunc: func(ctx context.Context) (bool, error) { return true, nil },
		WatermarkFunc: func(ctx context.Context) (time.Time, bool, error) {
			return time.Now().Add(-time.Hour), true, nil
		},
	}
	mockFetcher := &MockFetcher{
		FetchIncrementalFunc: func(ctx context.Context, since time.Time) (*fetcher.Payload, int, error) {
			return stagePayload(t, "garbage"), 1, nil
		},
	}
	mockParser := &MockParser{
		ParseFunc: func(data []byte) ([]note.Note, error) {
			return nil, apperrors.MalformedPayloadError(nil, "payload is not well-formed XML")
		},
	}

	engine := NewEngine(testConfig(), mockFetcher, mockParser, mockStore, &MockAssigner{}, &MockDispatcher{}, &MockLocks{}, zap.NewNop())

	err := engine.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected malformed payload to fail the run")
	}
	if !apperrors.Is(err, apperrors.CategoryMalformedPayload) {
		t.Errorf("expected MalformedPayload category, got %v", err)
	}
	if engine.State() != StateFailed {
		t.Errorf("expected state failed, got %s", engine.State())
	}
}

func TestEngine_RunOnce_AssignmentFailureDoesNotFailRun(t *testing.T) {
	wm := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	eventAt := wm.Add(time.Hour)

	mockStore := &MockStore{
		HasBaseDataFunc: func(ctx context.Context) (bool, error) { return true, nil },
		WatermarkFunc: func(ctx context.Context) (time.Time, bool, error) {
			return wm, true, nil
		},
		AdvanceWatermarkFunc: func(ctx context.Context, token db.CommitToken) error {
			wm = token.BatchMax
			return nil
		},
	}
	mockFetcher := &MockFetcher{
		FetchIncrementalFunc: func(ctx context.Context, since time.Time) (*fetcher.Payload, int, error) {
			return stagePayload(t, "delta"), 1, nil
		},
	}
	mockParser := &MockParser{
		ParseFunc: func(data []byte) ([]note.Note, error) {
			return []note.Note{noteAt(1, eventAt)}, nil
		},
	}
	mockAssigner := &MockAssigner{
		AssignFunc: func(ctx context.Context, lat, lon float64) (int64, error) {
			return 0, errors.New("no country contains the point")
		},
	}
	mockDisp := &MockDispatcher{
		DispatchFunc: func(ctx context.Context, notes []note.Note) []dispatcher.BatchResult {
			if notes[0].CountryID != nil {
				t.Error("expected country to stay unassigned")
			}
			return []dispatcher.BatchResult{committedResult(t, 0, wm, eventAt)}
		},
	}

	engine := NewEngine(testConfig(), mockFetcher, mockParser, mockStore, mockAssigner, mockDisp, &MockLocks{}, zap.NewNop())

	if err := engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("assignment failure must not fail the run: %v", err)
	}
}

func TestEngine_RunTick_Classification(t *testing.T) {
	mkEngine := func(acquireErr error) *Engine {
		return NewEngine(testConfig(), &MockFetcher{}, &MockParser{}, &MockStore{},
			&MockAssigner{}, &MockDispatcher{},
			&MockLocks{AcquireFunc: func(jobName string) (*lock.Lock, error) { return nil, acquireErr }},
			zap.NewNop())
	}

	if err := mkEngine(apperrors.AlreadyRunningError(nil, "held")).runTick(context.Background()); err != nil {
		t.Errorf("AlreadyRunning should be a skipped tick, got %v", err)
	}
	if err := mkEngine(apperrors.TransientNetworkError(nil, "feed down")).runTick(context.Background()); err != nil {
		t.Errorf("transient failures should be retried next cycle, got %v", err)
	}
	if err := mkEngine(apperrors.IntegrityViolationError(nil, "flag out of step")).runTick(context.Background()); err == nil {
		t.Error("integrity violations must stop the daemon")
	}
}
