package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// CommentDao is a data access object that maps directly to the 'note_comments' table in PostgreSQL.
// sequence_action is assigned locally at insert time; the composite
// (note_id, action, created_at, user_id) backs duplicate-delivery detection.
type CommentDao struct {
	bun.BaseModel  `bun:"table:note_comments,alias:c"`
	ID             int64     `bun:"id,pk,autoincrement"`
	NoteID         int64     `bun:"note_id,notnull"`
	SequenceAction int       `bun:"sequence_action,notnull"`
	Action         string    `bun:"action,notnull,type:varchar(16)"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
	UserID         *int64    `bun:"user_id"`
	Username       *string   `bun:"username,type:varchar(255)"`
}

// TextCommentDao is a data access object that maps directly to the 'note_comments_text' table in PostgreSQL.
type TextCommentDao struct {
	bun.BaseModel `bun:"table:note_comments_text,alias:tc"`
	CommentID     int64  `bun:"comment_id,pk"`
	Body          string `bun:"body,notnull,type:text"`
}
