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
		log.Println("creating sync_watermark table...")
		if err := mghelper.CreateSchema(ctx, db, &dao.WatermarkDao{}); err != nil {
			return err
		}
		// Singleton row constraint
		_, err := db.ExecContext(ctx, "ALTER TABLE sync_watermark ADD CONSTRAINT singleton_check CHECK (id = 1)")
		if err != nil {
			return err
		}
		// Insert initial state row with ON CONFLICT for idempotency
		_, err = db.NewInsert().
			Model(&dao.WatermarkDao{ID: 1}).
			ModelTableExpr("sync_watermark").
			On("CONFLICT (id) DO NOTHING").
			Exec(ctx)
		return err
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping sync_watermark table...")
		return mghelper.DropTables(ctx, db, &dao.WatermarkDao{})
	})
}
