package syncer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/geonotes/notesync/pkg/db"
	"github.com/geonotes/notesync/pkg/dispatcher"
	"github.com/geonotes/notesync/pkg/fetcher"
	"github.com/geonotes/notesync/pkg/lock"
	"github.com/geonotes/notesync/pkg/note"
)

// MockFetcher is a mock implementation of FeedFetcher
type MockFetcher struct {
	FetchIncrementalFunc func(ctx context.Context, since time.Time) (*fetcher.Payload, int, error)
	FetchRangeFunc       func(ctx context.Context, since, until time.Time) (*fetcher.Payload, int, error)
	FetchFullFunc        func(ctx context.Context) (*fetcher.Payload, error)
}

func (m *MockFetcher) FetchIncremental(ctx context.Context, since time.Time) (*fetcher.Payload, int, error) {
	if m.FetchIncrementalFunc != nil {
		return m.FetchIncrementalFunc(ctx, since)
	}
	return nil, 0, nil
}

func (m *MockFetcher) FetchRange(ctx context.Context, since, until time.Time) (*fetcher.Payload, int, error) {
	if m.FetchRangeFunc != nil {
		return m.FetchRangeFunc(ctx, since, until)
	}
	return nil, 0, nil
}

func (m *MockFetcher) FetchFull(ctx context.Context) (*fetcher.Payload, error) {
	if m.FetchFullFunc != nil {
		return m.FetchFullFunc(ctx)
	}
	return nil, nil
}

// MockParser is a mock implementation of PayloadParser
type MockParser struct {
	ParseFunc func(data []byte) ([]note.Note, error)
}

func (m *MockParser) Parse(data []byte) ([]note.Note, error) {
	if m.ParseFunc != nil {
		return m.ParseFunc(data)
	}
	return nil, nil
}

// MockStore is a mock implementation of SyncStore
type MockStore struct {
	HasBaseDataFunc      func(ctx context.Context) (bool, error)
	WatermarkFunc        func(ctx context.Context) (time.Time, bool, error)
	BeginRunFunc         func(ctx context.Context) error
	CommitBatchFunc      func(ctx context.Context, notes []note.Note) (db.CommitToken, error)
	AdvanceWatermarkFunc func(ctx context.Context, token db.CommitToken) error
	CountriesFunc        func(ctx context.Context) ([]note.Country, error)
}

func (m *MockStore) HasBaseData(ctx context.Context) (bool, error) {
	if m.HasBaseDataFunc != nil {
		return m.HasBaseDataFunc(ctx)
	}
	return false, nil
}

func (m *MockStore) Watermark(ctx context.Context) (time.Time, bool, error) {
	if m.WatermarkFunc != nil {
		return m.WatermarkFunc(ctx)
	}
	return time.Time{}, false, nil
}

func (m *MockStore) BeginRun(ctx context.Context) error {
	if m.BeginRunFunc != nil {
		return m.BeginRunFunc(ctx)
	}
	return nil
}

func (m *MockStore) CommitBatch(ctx context.Context, notes []note.Note) (db.CommitToken, error) {
	if m.CommitBatchFunc != nil {
		return m.CommitBatchFunc(ctx, notes)
	}
	return db.CommitToken{}, nil
}

func (m *MockStore) AdvanceWatermark(ctx context.Context, token db.CommitToken) error {
	if m.AdvanceWatermarkFunc != nil {
		return m.AdvanceWatermarkFunc(ctx, token)
	}
	return nil
}

func (m *MockStore) Countries(ctx context.Context) ([]note.Country, error) {
	if m.CountriesFunc != nil {
		return m.CountriesFunc(ctx)
	}
	return nil, nil
}

// MockAssigner is a mock implementation of CountryAssigner
type MockAssigner struct {
	AssignFunc func(ctx context.Context, lat, lon float64) (int64, error)
}

func (m *MockAssigner) Assign(ctx context.Context, lat, lon float64) (int64, error) {
	if m.AssignFunc != nil {
		return m.AssignFunc(ctx, lat, lon)
	}
	return 0, nil
}

// MockDispatcher is a mock implementation of NoteDispatcher
type MockDispatcher struct {
	DispatchFunc func(ctx context.Context, notes []note.Note) []dispatcher.BatchResult
}

func (m *MockDispatcher) Dispatch(ctx context.Context, notes []note.Note) []dispatcher.BatchResult {
	if m.DispatchFunc != nil {
		return m.DispatchFunc(ctx, notes)
	}
	return nil
}

// MockLocks is a mock implementation of LockManager
type MockLocks struct {
	AcquireFunc              func(jobName string) (*lock.Lock, error)
	ReleaseFunc              func(l *lock.Lock) error
	MarkFailedFunc           func(jobName string) error
	ConsumeFailureMarkerFunc func(jobName string) bool
}

func (m *MockLocks) Acquire(jobName string) (*lock.Lock, error) {
	if m.AcquireFunc != nil {
		return m.AcquireFunc(jobName)
	}
	return nil, nil
}

func (m *MockLocks) Release(l *lock.Lock) error {
	if m.ReleaseFunc != nil {
		return m.ReleaseFunc(l)
	}
	return nil
}

func (m *MockLocks) MarkFailed(jobName string) error {
	if m.MarkFailedFunc != nil {
		return m.MarkFailedFunc(jobName)
	}
	return nil
}

func (m *MockLocks) ConsumeFailureMarker(jobName string) bool {
	if m.ConsumeFailureMarkerFunc != nil {
		return m.ConsumeFailureMarkerFunc(jobName)
	}
	return false
}

// stagePayload writes content to a scratch file so the payload round-trips
// through the same disk path production uses.
func stagePayload(t *testing.T, content string) *fetcher.Payload {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.xml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to stage payload: %v", err)
	}
	return &fetcher.Payload{Path: path}
}

// verifiedToken mints a verified commit token through the one path that
// works without a database: committing an empty batch.
func verifiedToken(t *testing.T, batchMax time.Time) db.CommitToken {
	t.Helper()
	tok, err := db.NewStore(nil, nil).CommitBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("empty batch commit failed: %v", err)
	}
	tok.BatchMax = batchMax
	return tok
}
