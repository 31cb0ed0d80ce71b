// Package db implements the persistence layer: idempotent upsert of notes,
// comments and comment text inside a single transaction per batch, and the
// watermark-advance protocol gated on an integrity flag committed with the
// data.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/geonotes/notesync/internal/metrics"
	"github.com/geonotes/notesync/pkg/apperrors"
	"github.com/geonotes/notesync/pkg/db/dao"
	"github.com/geonotes/notesync/pkg/note"
)

// Store provides database operations for the sync engine
type Store struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewStore creates a new database store
func NewStore(db *bun.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// CommitToken proves a batch was fully and correctly committed. Only the
// CommitBatch transaction path mints verified tokens; AdvanceWatermark
// rejects anything else.
type CommitToken struct {
	BatchMax     time.Time
	NoteCount    int
	CommentCount int
	verified     bool
}

// Verified reports whether the token was minted by a committed batch.
func (t CommitToken) Verified() bool {
	return t.verified
}

// HasBaseData reports whether the base tables exist and hold a watermark
// row; absence forces a full rebuild.
func (s *Store) HasBaseData(ctx context.Context) (bool, error) {
	var exists bool
	err := s.db.NewSelect().
		ColumnExpr("EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = ? AND table_name = ?)", "public", "notes").
		Scan(ctx, &exists)
	if err != nil {
		return false, fmt.Errorf("failed to check base tables: %w", err)
	}
	if !exists {
		return false, nil
	}

	count, err := s.db.NewSelect().Model((*dao.WatermarkDao)(nil)).Count(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check watermark row: %w", err)
	}
	return count > 0, nil
}

// Watermark returns the last fully persisted event timestamp. The second
// return value is false before the first successful full rebuild.
func (s *Store) Watermark(ctx context.Context) (time.Time, bool, error) {
	wm := &dao.WatermarkDao{}
	err := s.db.NewSelect().Model(wm).Where("id = 1").Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read watermark: %w", err)
	}
	if wm.LastUpdate == nil {
		return time.Time{}, false, nil
	}
	return wm.LastUpdate.UTC(), true, nil
}

// BeginRun clears the integrity flag before persisting starts, so a crash
// between a batch commit and the watermark advance is detectable on the
// next run.
func (s *Store) BeginRun(ctx context.Context) error {
	_, err := s.db.NewUpdate().
		Model((*dao.WatermarkDao)(nil)).
		Set("integrity = ?", false).
		Set("updated_at = now()").
		Where("id = 1").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset integrity flag: %w", err)
	}
	return nil
}

// CommitBatch persists a batch of notes with their comments in a single
// transaction. Notes already present are updated only when their
// open/closed status actually changed; comments get a locally assigned,
// gap-free sequence_action; duplicate feed deliveries are skipped by the
// (note_id, action, created_at, user_id) composite. The integrity flag is
// set in the same transaction as the data.
func (s *Store) CommitBatch(ctx context.Context, notes []note.Note) (CommitToken, error) {
	if len(notes) == 0 {
		return CommitToken{verified: true}, nil
	}

	start := time.Now()
	token := CommitToken{}

	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		// Per-note next sequence, resolved once per note within the tx.
		nextSeq := make(map[int64]int)

		for i := range notes {
			n := &notes[i]
			if err := upsertNote(ctx, tx, n); err != nil {
				return err
			}
			token.NoteCount++

			for _, c := range n.Comments {
				inserted, err := insertComment(ctx, tx, c, nextSeq)
				if err != nil {
					return err
				}
				if inserted {
					token.CommentCount++
				}
			}

			if last := n.LastEventAt(); last.After(token.BatchMax) {
				token.BatchMax = last
			}
		}

		// Same-transaction integrity flag: the single most safety-critical
		// invariant in the engine.
		res, err := tx.NewUpdate().
			Model((*dao.WatermarkDao)(nil)).
			Set("integrity = ?", true).
			Set("updated_at = now()").
			Where("id = 1").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to set integrity flag: %w", err)
		}
		if rows, err := res.RowsAffected(); err == nil && rows == 0 {
			return apperrors.IntegrityViolationError(nil, "watermark row missing during batch commit")
		}
		return nil
	})
	if err != nil {
		return CommitToken{}, err
	}

	token.verified = true
	metrics.BatchCommitDuration.Observe(time.Since(start).Seconds())
	metrics.CommentsInserted.Add(float64(token.CommentCount))
	return token, nil
}

// AdvanceWatermark moves the watermark monotonically to the token's batch
// maximum. It refuses unverified tokens and freezes when the persisted
// integrity flag disagrees with the data, the case where flag and data were
// split across transactions.
func (s *Store) AdvanceWatermark(ctx context.Context, token CommitToken) error {
	if !token.verified {
		return apperrors.IntegrityViolationError(nil,
			"refusing to advance watermark on an unverified commit token")
	}
	if token.BatchMax.IsZero() {
		return nil
	}

	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		wm := &dao.WatermarkDao{}
		err := tx.NewSelect().Model(wm).Where("id = 1").For("UPDATE").Scan(ctx)
		if err != nil {
			return fmt.Errorf("failed to lock watermark row: %w", err)
		}
		if !wm.Integrity {
			return apperrors.IntegrityViolationError(nil,
				"integrity flag is false; batch data and flag were committed separately")
		}

		_, err = tx.NewUpdate().
			Model((*dao.WatermarkDao)(nil)).
			Set("last_update = GREATEST(COALESCE(last_update, 'epoch'::timestamptz), ?)", token.BatchMax).
			Set("updated_at = now()").
			Where("id = 1").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to advance watermark: %w", err)
		}

		metrics.WatermarkTimestamp.Set(float64(token.BatchMax.Unix()))
		return nil
	})
}

// Countries loads the country geometry set for the assigner.
func (s *Store) Countries(ctx context.Context) ([]note.Country, error) {
	var daos []dao.CountryDao
	if err := s.db.NewSelect().Model(&daos).Order("country_id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to load countries: %w", err)
	}

	countries := make([]note.Country, 0, len(daos))
	for _, d := range daos {
		countries = append(countries, note.Country{
			ID:         d.CountryID,
			Name:       d.Name,
			GeoJSON:    d.GeoJSON,
			IsMaritime: d.IsMaritime,
		})
	}
	return countries, nil
}

// upsertNote inserts a new note or updates status/closed_at/country when the
// open/closed state actually changed. Untouched notes cost one select.
func upsertNote(ctx context.Context, tx bun.Tx, n *note.Note) error {
	existing := &dao.NoteDao{}
	err := tx.NewSelect().Model(existing).Where("note_id = ?", n.ID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		d := &dao.NoteDao{
			NoteID:    n.ID,
			Lat:       n.Lat,
			Lon:       n.Lon,
			Status:    string(n.Status),
			CreatedAt: n.CreatedAt,
			ClosedAt:  n.ClosedAt,
			CountryID: n.CountryID,
		}
		if _, err := tx.NewInsert().Model(d).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert note %d: %w", n.ID, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load note %d: %w", n.ID, err)
	}

	statusChanged := existing.Status != string(n.Status)
	countryMissing := existing.CountryID == nil && n.CountryID != nil
	if !statusChanged && !countryMissing {
		return nil
	}

	q := tx.NewUpdate().Model((*dao.NoteDao)(nil)).Where("note_id = ?", n.ID)
	if statusChanged {
		q = q.Set("status = ?", string(n.Status)).Set("closed_at = ?", n.ClosedAt)
	}
	if countryMissing {
		q = q.Set("country_id = ?", n.CountryID)
	}
	if _, err := q.Set("updated_at = now()").Exec(ctx); err != nil {
		return fmt.Errorf("failed to update note %d: %w", n.ID, err)
	}
	return nil
}

// insertComment assigns the next contiguous sequence_action and inserts the
// comment with its optional text body. Returns false for duplicates.
func insertComment(ctx context.Context, tx bun.Tx, c note.Comment, nextSeq map[int64]int) (bool, error) {
	exists, err := tx.NewSelect().
		Model((*dao.CommentDao)(nil)).
		Where("note_id = ?", c.NoteID).
		Where("action = ?", string(c.Action)).
		Where("created_at = ?", c.CreatedAt).
		Where("user_id IS NOT DISTINCT FROM ?", c.UserID).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check comment on note %d: %w", c.NoteID, err)
	}
	if exists {
		return false, nil
	}

	seq, ok := nextSeq[c.NoteID]
	if !ok {
		var max int
		err := tx.NewSelect().
			Model((*dao.CommentDao)(nil)).
			ColumnExpr("COALESCE(MAX(sequence_action), 0)").
			Where("note_id = ?", c.NoteID).
			Scan(ctx, &max)
		if err != nil {
			return false, fmt.Errorf("failed to read sequence for note %d: %w", c.NoteID, err)
		}
		seq = max + 1
	}
	nextSeq[c.NoteID] = seq + 1

	d := &dao.CommentDao{
		NoteID:         c.NoteID,
		SequenceAction: seq,
		Action:         string(c.Action),
		CreatedAt:      c.CreatedAt,
		UserID:         c.UserID,
		Username:       c.Username,
	}
	if _, err := tx.NewInsert().Model(d).Returning("id").Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to insert comment on note %d: %w", c.NoteID, err)
	}

	if c.Body != "" {
		t := &dao.TextCommentDao{CommentID: d.ID, Body: c.Body}
		if _, err := tx.NewInsert().Model(t).Exec(ctx); err != nil {
			return false, fmt.Errorf("failed to insert comment text on note %d: %w", c.NoteID, err)
		}
	}
	return true, nil
}
