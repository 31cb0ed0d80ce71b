// Package lock provides per-job mutual exclusion backed by a lock file
// containing the owner PID and working directory. A stale record (owner
// process dead or its working directory gone) is reclaimed silently; a
// live owner is never pre-empted.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/geonotes/notesync/pkg/apperrors"
)

// Record is the on-disk lock artifact, readable by operational tooling.
type Record struct {
	OwnerPID   int       `json:"owner_pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	WorkDir    string    `json:"work_dir"`
}

// Lock is a held lock. Release is idempotent and safe from deferred paths.
type Lock struct {
	jobName  string
	path     string
	released bool
	manager  *Manager
}

// Manager acquires and releases job locks under a single directory.
type Manager struct {
	dir    string
	logger *zap.Logger

	// test seams for process liveness and pid identity
	pid       func() int
	processOK func(pid int) bool
}

// NewManager creates a lock manager rooted at dir.
func NewManager(dir string, logger *zap.Logger) *Manager {
	return &Manager{
		dir:       dir,
		logger:    logger,
		pid:       os.Getpid,
		processOK: processAlive,
	}
}

func (m *Manager) lockPath(jobName string) string {
	return filepath.Join(m.dir, jobName+".lock")
}

func (m *Manager) failurePath(jobName string) string {
	return filepath.Join(m.dir, jobName+".failed")
}

// Acquire takes the lock for jobName. It fails with an AlreadyRunning error
// when a live owner holds the lock and silently reclaims a stale record.
func (m *Manager) Acquire(jobName string) (*Lock, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}

	path := m.lockPath(jobName)
	if rec, err := readRecord(path); err == nil {
		if m.recordAlive(rec) {
			return nil, apperrors.AlreadyRunningError(
				fmt.Errorf("lock %s held by pid %d since %s", path, rec.OwnerPID, rec.AcquiredAt.Format(time.RFC3339)),
				fmt.Sprintf("job %s is already running", jobName))
		}
		m.logger.Warn("Reclaiming stale lock",
			zap.String("job", jobName),
			zap.Int("owner_pid", rec.OwnerPID),
			zap.Time("acquired_at", rec.AcquiredAt))
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}

	workDir, err := os.Getwd()
	if err != nil {
		workDir = m.dir
	}
	rec := Record{
		OwnerPID:   m.pid(),
		AcquiredAt: time.Now().UTC(),
		WorkDir:    workDir,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock record: %w", err)
	}

	// O_EXCL closes the race between the staleness check and the write.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, apperrors.AlreadyRunningError(err,
				fmt.Sprintf("job %s is already running", jobName))
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to close lock file: %w", err)
	}

	m.logger.Debug("Lock acquired", zap.String("job", jobName), zap.Int("pid", rec.OwnerPID))
	return &Lock{jobName: jobName, path: path, manager: m}, nil
}

// Release removes the lock file. Calling it more than once is a no-op.
func (m *Manager) Release(l *Lock) error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	m.logger.Debug("Lock released", zap.String("job", l.jobName))
	return nil
}

// MarkFailed leaves a failure marker so the next run can tell "previous run
// crashed" apart from "previous run succeeded".
func (m *Manager) MarkFailed(jobName string) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create lock dir: %w", err)
	}
	msg := fmt.Sprintf("pid %d failed at %s\n", m.pid(), time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(m.failurePath(jobName), []byte(msg), 0o644); err != nil {
		return fmt.Errorf("failed to write failure marker: %w", err)
	}
	return nil
}

// ConsumeFailureMarker reports whether the previous run left a failure
// marker, removing it so the signal fires once.
func (m *Manager) ConsumeFailureMarker(jobName string) bool {
	path := m.failurePath(jobName)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if err := os.Remove(path); err != nil {
		m.logger.Warn("Failed to remove failure marker", zap.String("path", path), zap.Error(err))
	}
	return true
}

// recordAlive checks owner liveness: the process must exist and its working
// directory must still be present. File presence alone is not enough.
func (m *Manager) recordAlive(rec Record) bool {
	if !m.processOK(rec.OwnerPID) {
		return false
	}
	if rec.WorkDir != "" {
		if _, err := os.Stat(rec.WorkDir); err != nil {
			return false
		}
	}
	return true
}

func readRecord(path string) (Record, error) {
	var rec Record
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		// Unreadable lock content counts as stale.
		return Record{OwnerPID: -1}, nil
	}
	return rec, nil
}

// processAlive probes the OS for process existence with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
