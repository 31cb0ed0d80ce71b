package notesdb

import (
	"context"
	"log"

	"github.com/uptrace/bun"

	"github.com/geonotes/notesync/pkg/db/dao"
	mghelper "github.com/geonotes/notesync/pkg/pgutil/migrations"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating note_comments table...")
		if err := mghelper.CreateSchema(ctx, db, &dao.CommentDao{}); err != nil {
			return err
		}
		if err := mghelper.CreateIndexes(ctx, db, "note_comments", "note_id", "created_at"); err != nil {
			return err
		}
		// Duplicate-delivery guard. user_id can be NULL for anonymous
		// comments, and Postgres treats NULLs as distinct in unique
		// indexes, so anonymous duplicates are also filtered in
		// application code inside the commit transaction.
		_, err := db.ExecContext(ctx,
			`CREATE UNIQUE INDEX IF NOT EXISTS uq_note_comments_delivery
			 ON note_comments (note_id, action, created_at, user_id)`)
		if err != nil {
			return err
		}
		// Per-note ordering is unique by construction.
		_, err = db.ExecContext(ctx,
			`CREATE UNIQUE INDEX IF NOT EXISTS uq_note_comments_sequence
			 ON note_comments (note_id, sequence_action)`)
		return err
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping note_comments table...")
		return mghelper.DropTables(ctx, db, &dao.CommentDao{})
	})
}
