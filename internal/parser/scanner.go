// Package parser decodes note records from the two XML wire formats one
// record at a time.
//
// The scanner walks the token stream and decodes each <note> element on its
// own, so memory is bounded by the largest single note rather than the input.
// It accepts both whole documents (with a root element) and bare sequences
// of <note> elements as produced by the partitioner.
package parser

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/notesync/pkg/models"
)

// Format selects the wire layout of a note element.
type Format string

const (
	// FormatPlanet is the snapshot layout: note fields as attributes,
	// comment text as element content.
	FormatPlanet Format = "planet"
	// FormatAPI is the API search layout: note fields as child elements.
	FormatAPI Format = "api"
)

// ParseFormat validates a configured format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatPlanet, FormatAPI:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown feed format %q", s)
}

// RecordError is a value-level problem with one record. The scanner has
// consumed the whole element and can continue.
type RecordError struct {
	Offset int64
	NoteID int64
	Reason string
}

func (e *RecordError) Error() string {
	if e.NoteID != 0 {
		return fmt.Sprintf("note %d at offset %d: %s", e.NoteID, e.Offset, e.Reason)
	}
	return fmt.Sprintf("record at offset %d: %s", e.Offset, e.Reason)
}

// SyntaxError is a structural problem. Nothing after Offset can be trusted.
type SyntaxError struct {
	Offset int64
	Err    error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("malformed input at offset %d: %v", e.Offset, e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// Scanner iterates over note records.
//
//	s := parser.NewScanner(r, parser.FormatPlanet)
//	for s.Next() {
//	    note, err := s.Record()
//	    ...
//	}
//	if err := s.Err(); err != nil { ... }
type Scanner struct {
	dec    *xml.Decoder
	format Format

	note   models.Note
	recErr error
	offset int64
	err    error
}

// NewScanner creates a scanner reading from r.
func NewScanner(r io.Reader, format Format) *Scanner {
	dec := xml.NewDecoder(r)
	dec.Strict = true
	return &Scanner{dec: dec, format: format}
}

// Next advances to the next <note> element. It returns false at the end of
// input or on a structural error; check Err.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}
	for {
		before := s.dec.InputOffset()
		tok, err := s.dec.Token()
		if err == io.EOF {
			return false
		}
		if err != nil {
			s.err = &SyntaxError{Offset: before, Err: err}
			return false
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "note" {
			continue
		}
		s.offset = before
		s.note, s.recErr = models.Note{}, nil
		if err := s.decode(&start); err != nil {
			if _, structural := err.(*SyntaxError); structural {
				s.err = err
				return false
			}
			s.recErr = err
		}
		return true
	}
}

// Record returns the current note, or a *RecordError if its values could
// not be interpreted.
func (s *Scanner) Record() (models.Note, error) {
	return s.note, s.recErr
}

// Offset is the input offset at which the current record starts.
func (s *Scanner) Offset() int64 { return s.offset }

// Err returns the structural error that stopped the scan, if any.
func (s *Scanner) Err() error { return s.err }

func (s *Scanner) decode(start *xml.StartElement) error {
	switch s.format {
	case FormatAPI:
		var raw apiNote
		if err := s.dec.DecodeElement(&raw, start); err != nil {
			return &SyntaxError{Offset: s.offset, Err: err}
		}
		n, err := raw.toNote()
		s.note = n
		if err != nil {
			return &RecordError{Offset: s.offset, NoteID: n.ID, Reason: err.Error()}
		}
	default:
		var raw planetNote
		if err := s.dec.DecodeElement(&raw, start); err != nil {
			return &SyntaxError{Offset: s.offset, Err: err}
		}
		n, err := raw.toNote()
		s.note = n
		if err != nil {
			return &RecordError{Offset: s.offset, NoteID: n.ID, Reason: err.Error()}
		}
	}
	return nil
}

type planetNote struct {
	ID        string          `xml:"id,attr"`
	Lat       string          `xml:"lat,attr"`
	Lon       string          `xml:"lon,attr"`
	CreatedAt string          `xml:"created_at,attr"`
	ClosedAt  string          `xml:"closed_at,attr"`
	Comments  []planetComment `xml:"comment"`
}

type planetComment struct {
	Action    string `xml:"action,attr"`
	Timestamp string `xml:"timestamp,attr"`
	UID       string `xml:"uid,attr"`
	User      string `xml:"user,attr"`
	Text      string `xml:",chardata"`
}

func (p *planetNote) toNote() (models.Note, error) {
	var (
		n   models.Note
		err error
	)
	if n.ID, err = parseID(p.ID); err != nil {
		return n, err
	}
	if n.Lat, err = parseCoord("lat", p.Lat); err != nil {
		return n, err
	}
	if n.Lon, err = parseCoord("lon", p.Lon); err != nil {
		return n, err
	}
	if n.CreatedAt, err = parseTime("created_at", p.CreatedAt); err != nil {
		return n, err
	}
	n.Status = models.StatusOpen
	if p.ClosedAt != "" {
		closed, err := parseTime("closed_at", p.ClosedAt)
		if err != nil {
			return n, err
		}
		n.ClosedAt = &closed
		n.Status = models.StatusClosed
	}
	for i, c := range p.Comments {
		cm, err := buildComment(c.Action, c.Timestamp, c.UID, c.User, c.Text)
		if err != nil {
			return n, fmt.Errorf("comment %d: %w", i, err)
		}
		n.Comments = append(n.Comments, cm)
	}
	// the snapshot marks hidden notes only through the thread
	if len(n.Comments) > 0 && n.Comments[len(n.Comments)-1].Event == models.EventHidden {
		n.Status = models.StatusClosed
	}
	return n, nil
}

type apiNote struct {
	Lat         string       `xml:"lat,attr"`
	Lon         string       `xml:"lon,attr"`
	ID          string       `xml:"id"`
	DateCreated string       `xml:"date_created"`
	Status      string       `xml:"status"`
	DateClosed  string       `xml:"date_closed"`
	Comments    []apiComment `xml:"comments>comment"`
}

type apiComment struct {
	Date   string `xml:"date"`
	UID    string `xml:"uid"`
	User   string `xml:"user"`
	Action string `xml:"action"`
	Text   string `xml:"text"`
}

func (a *apiNote) toNote() (models.Note, error) {
	var (
		n   models.Note
		err error
	)
	if n.ID, err = parseID(a.ID); err != nil {
		return n, err
	}
	if n.Lat, err = parseCoord("lat", a.Lat); err != nil {
		return n, err
	}
	if n.Lon, err = parseCoord("lon", a.Lon); err != nil {
		return n, err
	}
	if n.CreatedAt, err = parseTime("date_created", a.DateCreated); err != nil {
		return n, err
	}
	if n.Status, err = models.ParseStatus(strings.TrimSpace(a.Status)); err != nil {
		return n, err
	}
	if a.DateClosed != "" {
		closed, err := parseTime("date_closed", a.DateClosed)
		if err != nil {
			return n, err
		}
		n.ClosedAt = &closed
	}
	for i, c := range a.Comments {
		cm, err := buildComment(c.Action, c.Date, c.UID, c.User, c.Text)
		if err != nil {
			return n, fmt.Errorf("comment %d: %w", i, err)
		}
		n.Comments = append(n.Comments, cm)
	}
	return n, nil
}

func buildComment(action, ts, uid, user, text string) (models.Comment, error) {
	var c models.Comment
	ev, err := models.ParseEvent(strings.TrimSpace(action))
	if err != nil {
		return c, err
	}
	c.Event = ev
	if c.CreatedAt, err = parseTime("timestamp", ts); err != nil {
		return c, err
	}
	if uid = strings.TrimSpace(uid); uid != "" {
		v, err := strconv.ParseInt(uid, 10, 64)
		if err != nil {
			return c, fmt.Errorf("invalid uid %q", uid)
		}
		c.UID = &v
	}
	c.Username = user
	c.Text = text
	return c, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid note id %q", s)
	}
	return id, nil
}

func parseCoord(name, s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return v, nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05 MST",
	"2006-01-02T15:04:05",
}

func parseTime(name, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing %s", name)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid %s %q", name, s)
}
