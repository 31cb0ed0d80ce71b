// Package note holds the domain types shared across the sync engine.
package note

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the open/closed state of a note
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Action represents the kind of event a comment records
type Action string

const (
	ActionOpened    Action = "opened"
	ActionClosed    Action = "closed"
	ActionReopened  Action = "reopened"
	ActionCommented Action = "commented"
	ActionHidden    Action = "hidden"
)

// KnownAction reports whether a is one of the recognised comment actions.
func KnownAction(a Action) bool {
	switch a {
	case ActionOpened, ActionClosed, ActionReopened, ActionCommented, ActionHidden:
		return true
	}
	return false
}

// Note is a crowd-sourced map annotation received from the feed.
// CountryID stays nil until the assigner resolves the coordinates.
type Note struct {
	ID        int64
	Lat       float64
	Lon       float64
	Status    Status
	CreatedAt time.Time
	ClosedAt  *time.Time
	CountryID *int64
	Comments  []Comment
}

// LastEventAt returns the timestamp of the newest comment on the note,
// falling back to the creation time for a note with no comments yet.
func (n *Note) LastEventAt() time.Time {
	last := n.CreatedAt
	for _, c := range n.Comments {
		if c.CreatedAt.After(last) {
			last = c.CreatedAt
		}
	}
	return last
}

// Comment is a single event in a note's history. SequenceAction is assigned
// locally at insert time and is never trusted from the feed.
type Comment struct {
	NoteID         int64
	SequenceAction int
	Action         Action
	CreatedAt      time.Time
	UserID         *int64
	Username       *string
	Body           string
}

// Country is a polygon record owned by the boundary-import collaborator.
// The engine treats it as read-only.
type Country struct {
	ID         int64
	Name       string
	GeoJSON    string
	IsMaritime bool
}

// GapRecord describes a window of events the feed reported but a completed
// fetch/commit cycle did not deliver. It lives only for the duration of a
// run; resolved gaps are discarded.
type GapRecord struct {
	ID         uuid.UUID
	RangeStart time.Time
	RangeEnd   time.Time
	DetectedAt time.Time
	Resolved   bool
}

// NewGapRecord creates an unresolved gap covering [start, end].
func NewGapRecord(start, end time.Time) GapRecord {
	return GapRecord{
		ID:         uuid.New(),
		RangeStart: start,
		RangeEnd:   end,
		DetectedAt: time.Now().UTC(),
	}
}
