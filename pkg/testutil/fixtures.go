package testutil

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/notesync/pkg/models"
)

// Epoch is the base time of generated fixtures.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Note builds an open note created at Epoch+id minutes with one opening
// comment.
func Note(id int64) models.Note {
	at := Epoch.Add(time.Duration(id) * time.Minute)
	return models.Note{
		ID:        id,
		Lon:       13.4,
		Lat:       52.5,
		CreatedAt: at,
		Status:    models.StatusOpen,
		Comments: []models.Comment{
			{Event: models.EventOpen, CreatedAt: at, Text: fmt.Sprintf("note %d", id)},
		},
	}
}

// Comment builds a comment of the given kind at Epoch+offset.
func Comment(event models.Event, offset time.Duration, text string) models.Comment {
	return models.Comment{Event: event, CreatedAt: Epoch.Add(offset), Text: text}
}

// Close appends a close event at Epoch+offset and marks the note closed.
func Close(n models.Note, offset time.Duration) models.Note {
	at := Epoch.Add(offset)
	n.Status = models.StatusClosed
	n.ClosedAt = &at
	n.Comments = append(append([]models.Comment(nil), n.Comments...),
		models.Comment{Event: models.EventClose, CreatedAt: at, Text: "closed"})
	return n
}

// PlanetXML renders notes in the snapshot layout. Entries of raw are
// inserted verbatim before the note at the same index, which lets tests
// plant malformed records.
func PlanetXML(notes []models.Note, raw map[int]string) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<osm-notes>` + "\n")
	for i, n := range notes {
		if r, ok := raw[i]; ok {
			b.WriteString(r)
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, `<note id="%d" lat="%g" lon="%g" created_at="%s"`,
			n.ID, n.Lat, n.Lon, n.CreatedAt.UTC().Format(time.RFC3339))
		if n.ClosedAt != nil {
			fmt.Fprintf(&b, ` closed_at="%s"`, n.ClosedAt.UTC().Format(time.RFC3339))
		}
		b.WriteString(">")
		for _, c := range n.Comments {
			fmt.Fprintf(&b, `<comment action="%s" timestamp="%s"`,
				planetAction(c.Event), c.CreatedAt.UTC().Format(time.RFC3339))
			if c.UID != nil {
				fmt.Fprintf(&b, ` uid="%d" user="%s"`, *c.UID, html.EscapeString(c.Username))
			}
			fmt.Fprintf(&b, `>%s</comment>`, html.EscapeString(c.Text))
		}
		b.WriteString("</note>\n")
	}
	if r, ok := raw[len(notes)]; ok {
		b.WriteString(r)
		b.WriteString("\n")
	}
	b.WriteString("</osm-notes>\n")
	return []byte(b.String())
}

// APIXML renders notes in the API search layout.
func APIXML(notes []models.Note) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<osm version="0.6" generator="notesync-test">` + "\n")
	for _, n := range notes {
		fmt.Fprintf(&b, `<note lon="%g" lat="%g"><id>%d</id>`, n.Lon, n.Lat, n.ID)
		fmt.Fprintf(&b, `<date_created>%s</date_created>`, apiTime(n.CreatedAt))
		fmt.Fprintf(&b, `<status>%s</status>`, n.Status)
		if n.ClosedAt != nil {
			fmt.Fprintf(&b, `<date_closed>%s</date_closed>`, apiTime(*n.ClosedAt))
		}
		b.WriteString("<comments>")
		for _, c := range n.Comments {
			fmt.Fprintf(&b, `<comment><date>%s</date>`, apiTime(c.CreatedAt))
			if c.UID != nil {
				fmt.Fprintf(&b, `<uid>%d</uid><user>%s</user>`, *c.UID, html.EscapeString(c.Username))
			}
			fmt.Fprintf(&b, `<action>%s</action><text>%s</text></comment>`,
				planetAction(c.Event), html.EscapeString(c.Text))
		}
		b.WriteString("</comments></note>\n")
	}
	b.WriteString("</osm>\n")
	return []byte(b.String())
}

// WriteFile writes content into dir and returns the path.
func WriteFile(t testing.TB, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func apiTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

func planetAction(e models.Event) string {
	switch e {
	case models.EventOpen:
		return "opened"
	case models.EventComment:
		return "commented"
	case models.EventClose:
		return "closed"
	case models.EventReopen:
		return "reopened"
	default:
		return string(e)
	}
}
