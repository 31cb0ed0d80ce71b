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
		log.Println("creating notes table...")
		if err := mghelper.CreateSchema(ctx, db, &dao.NoteDao{}); err != nil {
			return err
		}
		return mghelper.CreateIndexes(ctx, db, "notes", "status", "country_id", "created_at")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping notes table...")
		return mghelper.DropTables(ctx, db, &dao.NoteDao{})
	})
}
