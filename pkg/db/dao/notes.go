package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// NoteDao is a data access object that maps directly to the 'notes' table in PostgreSQL.
type NoteDao struct {
	bun.BaseModel `bun:"table:notes,alias:n"`
	NoteID        int64      `bun:"note_id,pk"`
	Lat           float64    `bun:"lat,notnull"`
	Lon           float64    `bun:"lon,notnull"`
	Status        string     `bun:"status,notnull,type:varchar(16)"`
	CreatedAt     time.Time  `bun:"created_at,notnull"`
	ClosedAt      *time.Time `bun:"closed_at"`
	CountryID     *int64     `bun:"country_id"`
	UpdatedAt     time.Time  `bun:"updated_at,nullzero,default:current_timestamp"`
}
