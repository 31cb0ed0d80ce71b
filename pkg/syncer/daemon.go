package syncer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/geonotes/notesync/pkg/apperrors"
)

// RunDaemon loops RunOnce on the given interval until the context is
// cancelled. AlreadyRunning and transient failures are skipped ticks;
// integrity violations stop the loop because they need an operator.
func (e *Engine) RunDaemon(ctx context.Context, interval time.Duration) error {
	e.logger.Info("Starting sync daemon", zap.Duration("interval", interval))

	// First run immediately; the ticker covers subsequent cycles.
	if err := e.runTick(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Sync daemon stopping")
			return nil
		case <-ticker.C:
			if err := e.runTick(ctx); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) runTick(ctx context.Context) error {
	err := e.RunOnce(ctx)
	switch {
	case err == nil:
		return nil
	case apperrors.Is(err, apperrors.CategoryAlreadyRunning):
		e.logger.Info("Another run holds the lock; skipping tick")
		return nil
	case apperrors.Is(err, apperrors.CategoryIntegrityViolation):
		e.logger.Error("Integrity violation; daemon halting for operator attention", zap.Error(err))
		return err
	case apperrors.IsRetryable(err):
		e.logger.Warn("Run failed; retrying next cycle", zap.Error(err))
		return nil
	default:
		e.logger.Error("Run failed", zap.Error(err))
		return nil
	}
}
