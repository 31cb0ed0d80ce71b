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
		log.Println("creating note_comments_text table...")
		return mghelper.CreateSchema(ctx, db, &dao.TextCommentDao{})
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping note_comments_text table...")
		return mghelper.DropTables(ctx, db, &dao.TextCommentDao{})
	})
}
