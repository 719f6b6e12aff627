// Package models defines the note and comment records that flow from the
// feeds through staging into the durable store.
package models

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a note.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusOpen || s == StatusClosed
}

// ParseStatus maps a feed status onto the stored enumeration. Hidden notes
// are stored as closed.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "open":
		return StatusOpen, nil
	case "closed", "hidden":
		return StatusClosed, nil
	default:
		return "", fmt.Errorf("unknown note status %q", s)
	}
}

// Event is the kind of action a comment records.
type Event string

const (
	EventOpen    Event = "open"
	EventComment Event = "comment"
	EventClose   Event = "close"
	EventReopen  Event = "reopen"
	EventHidden  Event = "hidden"
)

// ParseEvent accepts both the snapshot spelling (opened, commented, ...)
// and the bare verb.
func ParseEvent(s string) (Event, error) {
	switch s {
	case "opened", "open":
		return EventOpen, nil
	case "commented", "comment":
		return EventComment, nil
	case "closed", "close":
		return EventClose, nil
	case "reopened", "reopen":
		return EventReopen, nil
	case "hidden", "hide":
		return EventHidden, nil
	default:
		return "", fmt.Errorf("unknown comment action %q", s)
	}
}

// Valid reports whether e is a known event kind.
func (e Event) Valid() bool {
	switch e {
	case EventOpen, EventComment, EventClose, EventReopen, EventHidden:
		return true
	}
	return false
}

// Note is one georeferenced report with its thread.
type Note struct {
	ID        int64
	Lon       float64
	Lat       float64
	CreatedAt time.Time
	Status    Status
	ClosedAt  *time.Time
	// CountryID is resolved by the store and usually nil in feed records
	CountryID *int64
	Comments  []Comment
}

// Comment is one ordered event of a note's thread. Sequence is assigned by
// the store on merge; feed records leave it zero.
type Comment struct {
	Sequence  int
	Event     Event
	CreatedAt time.Time
	UID       *int64
	Username  string
	Text      string
}

// LastEventAt is the time of the latest thing that happened to n. It orders
// competing versions of the same note and advances the run cursor.
func (n *Note) LastEventAt() time.Time {
	last := n.CreatedAt
	if n.ClosedAt != nil && n.ClosedAt.After(last) {
		last = *n.ClosedAt
	}
	for i := range n.Comments {
		if n.Comments[i].CreatedAt.After(last) {
			last = n.Comments[i].CreatedAt
		}
	}
	return last
}

// Validate checks value-domain constraints. It does not look at structure,
// which is the parser's job.
func (n *Note) Validate() error {
	if n.ID <= 0 {
		return fmt.Errorf("note id must be positive, got %d", n.ID)
	}
	if n.Lon < -180 || n.Lon > 180 {
		return fmt.Errorf("longitude %v out of range", n.Lon)
	}
	if n.Lat < -90 || n.Lat > 90 {
		return fmt.Errorf("latitude %v out of range", n.Lat)
	}
	if n.CreatedAt.IsZero() {
		return fmt.Errorf("created_at missing")
	}
	if !n.Status.Valid() {
		return fmt.Errorf("unknown status %q", n.Status)
	}
	if n.ClosedAt != nil && n.ClosedAt.Before(n.CreatedAt) {
		return fmt.Errorf("closed_at %s before created_at %s",
			n.ClosedAt.UTC().Format(time.RFC3339), n.CreatedAt.UTC().Format(time.RFC3339))
	}
	for i := range n.Comments {
		c := &n.Comments[i]
		if !c.Event.Valid() {
			return fmt.Errorf("comment %d: unknown event %q", i, c.Event)
		}
		if c.CreatedAt.IsZero() {
			return fmt.Errorf("comment %d: created_at missing", i)
		}
	}
	return nil
}
