package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// WatermarkDao is a data access object that maps directly to the singleton
// 'sync_watermark' table in PostgreSQL. Integrity is committed in the same
// transaction as the batch data it vouches for; the advance path refuses to
// move LastUpdate while it is false.
type WatermarkDao struct {
	bun.BaseModel `bun:"table:sync_watermark"`
	ID            int        `bun:"id,pk"`
	LastUpdate    *time.Time `bun:"last_update"`
	Integrity     bool       `bun:"integrity,notnull,default:false"`
	UpdatedAt     time.Time  `bun:"updated_at,nullzero,default:current_timestamp"`
}
