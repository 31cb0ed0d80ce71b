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
		log.Println("creating countries table...")
		if err := mghelper.CreateSchema(ctx, db, &dao.CountryDao{}); err != nil {
			return err
		}
		return mghelper.CreateIndexes(ctx, db, "countries", "is_maritime")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping countries table...")
		return mghelper.DropTables(ctx, db, &dao.CountryDao{})
	})
}
