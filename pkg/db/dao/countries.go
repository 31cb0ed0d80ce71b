package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// CountryDao is a data access object that maps directly to the 'countries' table in PostgreSQL.
// The table is owned by the boundary-import collaborator and read-only here.
type CountryDao struct {
	bun.BaseModel `bun:"table:countries,alias:co"`
	CountryID     int64     `bun:"country_id,pk"`
	Name          string    `bun:"name,notnull,type:varchar(255)"`
	GeoJSON       string    `bun:"geojson,notnull,type:text"`
	IsMaritime    bool      `bun:"is_maritime,notnull,default:false"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero,default:current_timestamp"`
}
