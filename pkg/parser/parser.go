// Package parser turns raw feed payloads into domain notes. Validation runs
// before anything expensive: a payload that fails structural checks is
// rejected whole, nothing partial escapes.
package parser

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/geonotes/notesync/pkg/apperrors"
	"github.com/geonotes/notesync/pkg/note"
)

// Wire structs for the feed's XML payload. Sequence numbers from the feed
// are deliberately not modeled: sequence_action is assigned at persist time.
type payload struct {
	XMLName xml.Name   `xml:"osm-notes"`
	Notes   []wireNote `xml:"note"`
}

type wireNote struct {
	ID int64 `xml:"id,attr" validate:"required,gt=0"`
	// Coordinates stay strings here so an omitted attribute is
	// distinguishable from a real 0,0 point.
	Lat       string        `xml:"lat,attr" validate:"required"`
	Lon       string        `xml:"lon,attr" validate:"required"`
	CreatedAt string        `xml:"created_at,attr" validate:"required"`
	ClosedAt  string        `xml:"closed_at,attr"`
	Comments  []wireComment `xml:"comment" validate:"required,min=1"`
}

type wireComment struct {
	Action    string `xml:"action,attr" validate:"required"`
	Timestamp string `xml:"timestamp,attr" validate:"required"`
	UID       *int64 `xml:"uid,attr"`
	User      string `xml:"user,attr"`
	Body      string `xml:",chardata"`
}

// Parser validates and converts feed payloads.
type Parser struct {
	validate *validator.Validate
}

// New creates a payload parser.
func New() *Parser {
	return &Parser{validate: validator.New()}
}

// Parse converts a raw payload into notes with their comments nested in
// arrival order. A payload with zero notes is a valid empty delta. Known
// feed anomalies (double close, double reopen, create+close with identical
// timestamps) pass through untouched; ordering is resolved at persist time.
func (p *Parser) Parse(data []byte) ([]note.Note, error) {
	var pl payload
	if err := xml.Unmarshal(data, &pl); err != nil {
		return nil, apperrors.MalformedPayloadError(err, "payload is not well-formed XML")
	}

	notes := make([]note.Note, 0, len(pl.Notes))
	for i := range pl.Notes {
		n, err := p.convertNote(&pl.Notes[i])
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, nil
}

func (p *Parser) convertNote(wn *wireNote) (note.Note, error) {
	if err := p.validate.Struct(wn); err != nil {
		return note.Note{}, apperrors.MalformedPayloadError(err,
			fmt.Sprintf("note %d is missing mandatory attributes", wn.ID))
	}

	lat, err := parseCoordinate(wn.Lat, 90)
	if err != nil {
		return note.Note{}, apperrors.MalformedPayloadError(err,
			fmt.Sprintf("note %d has an invalid latitude", wn.ID))
	}
	lon, err := parseCoordinate(wn.Lon, 180)
	if err != nil {
		return note.Note{}, apperrors.MalformedPayloadError(err,
			fmt.Sprintf("note %d has an invalid longitude", wn.ID))
	}

	createdAt, err := parseTime(wn.CreatedAt)
	if err != nil {
		return note.Note{}, apperrors.MalformedPayloadError(err,
			fmt.Sprintf("note %d has an invalid created_at", wn.ID))
	}

	n := note.Note{
		ID:        wn.ID,
		Lat:       lat,
		Lon:       lon,
		Status:    note.StatusOpen,
		CreatedAt: createdAt,
	}

	if wn.ClosedAt != "" {
		closedAt, err := parseTime(wn.ClosedAt)
		if err != nil {
			return note.Note{}, apperrors.MalformedPayloadError(err,
				fmt.Sprintf("note %d has an invalid closed_at", wn.ID))
		}
		n.Status = note.StatusClosed
		n.ClosedAt = &closedAt
	}

	n.Comments = make([]note.Comment, 0, len(wn.Comments))
	for _, wc := range wn.Comments {
		c, err := p.convertComment(wn.ID, wc)
		if err != nil {
			return note.Note{}, err
		}
		n.Comments = append(n.Comments, c)
	}

	// The feed closes notes through a closing comment; keep status and
	// closed_at consistent even when the attribute set disagrees.
	if idx := lastStatusActionIndex(n.Comments); idx >= 0 {
		switch n.Comments[idx].Action {
		case note.ActionClosed:
			if n.Status != note.StatusClosed {
				n.Status = note.StatusClosed
				ts := n.Comments[idx].CreatedAt
				n.ClosedAt = &ts
			}
		case note.ActionReopened:
			if n.Status == note.StatusClosed {
				n.Status = note.StatusOpen
				n.ClosedAt = nil
			}
		}
	}

	return n, nil
}

func (p *Parser) convertComment(noteID int64, wc wireComment) (note.Comment, error) {
	action := note.Action(wc.Action)
	if !note.KnownAction(action) {
		return note.Comment{}, apperrors.MalformedPayloadError(nil,
			fmt.Sprintf("note %d has unknown comment action %q", noteID, wc.Action))
	}

	createdAt, err := parseTime(wc.Timestamp)
	if err != nil {
		return note.Comment{}, apperrors.MalformedPayloadError(err,
			fmt.Sprintf("note %d has a comment with an invalid timestamp", noteID))
	}

	c := note.Comment{
		NoteID:    noteID,
		Action:    action,
		CreatedAt: createdAt,
		UserID:    wc.UID,
		Body:      wc.Body,
	}
	if wc.User != "" {
		user := wc.User
		c.Username = &user
	}
	return c, nil
}

// lastStatusActionIndex returns the index of the newest open/close-affecting
// comment, skipping plain comments. -1 when no comment changes status.
func lastStatusActionIndex(comments []note.Comment) int {
	for i := len(comments) - 1; i >= 0; i-- {
		switch comments[i].Action {
		case note.ActionClosed, note.ActionReopened, note.ActionOpened:
			return i
		}
	}
	return -1
}

func parseCoordinate(s string, limit float64) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if v < -limit || v > limit {
		return 0, fmt.Errorf("coordinate %v out of range ±%v", v, limit)
	}
	return v, nil
}

// Feed timestamps come in UTC with either the RFC3339 layout or the
// space-separated variant older dumps use.
func parseTime(s string) (time.Time, error) {
	layouts := []string{time.RFC3339, "2006-01-02 15:04:05 MST", "2006-01-02T15:04:05"}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
