// Package notesdb holds all the migrations for the notesync database
package notesdb

import (
	"github.com/uptrace/bun/migrate"
)

// Migrations is the collection of all migrations for the notesync database
var Migrations = migrate.NewMigrations()
