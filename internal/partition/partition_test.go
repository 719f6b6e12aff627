package partition

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/notesync/internal/parser"
)

func document(n int) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n<notes>\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, `<note id="%d" lat="1" lon="1" created_at="2020-01-01T00:00:00Z">`, i)
		// vary record size so cuts land mid-record
		fmt.Fprintf(&b, `<comment action="opened" timestamp="2020-01-01T00:00:00Z">%s</comment>`, strings.Repeat("x", i%97))
		b.WriteString("</note>\n")
	}
	b.WriteString("</notes>\n")
	return b.Bytes()
}

func TestSplitCoversDataRegion(t *testing.T) {
	doc := document(3000)
	ranges, err := Split(bytes.NewReader(doc), int64(len(doc)), 8)
	require.NoError(t, err)
	require.Len(t, ranges, 8)

	dataStart := int64(bytes.Index(doc, []byte("<note ")))
	dataEnd := int64(bytes.LastIndex(doc, []byte("</note>")) + len("</note>"))
	assert.Equal(t, dataStart, ranges[0].Offset)
	assert.Equal(t, dataEnd, ranges[len(ranges)-1].End())

	ids := 0
	for i, r := range ranges {
		assert.Equal(t, i, r.Index)
		if i > 0 {
			assert.Equal(t, ranges[i-1].End(), r.Offset, "ranges must be contiguous")
		}
		chunk := doc[r.Offset:r.End()]
		assert.True(t, bytes.HasPrefix(chunk, []byte("<note ")), "range %d starts mid-record", i)

		s := parser.NewScanner(bytes.NewReader(chunk), parser.FormatPlanet)
		for s.Next() {
			n, err := s.Record()
			require.NoError(t, err)
			ids++
			assert.Equal(t, int64(ids), n.ID, "records must stay in source order")
		}
		require.NoError(t, s.Err())
	}
	assert.Equal(t, 3000, ids)
}

func TestSplitMoreRangesThanRecords(t *testing.T) {
	doc := document(3)
	ranges, err := Split(bytes.NewReader(doc), int64(len(doc)), 16)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(ranges), 3)
	for _, r := range ranges {
		assert.Positive(t, r.Length)
	}
}

func TestSplitIgnoresLookalikeTags(t *testing.T) {
	doc := []byte(`<notes><notebook/><note id="1" lat="1" lon="1" created_at="2020-01-01T00:00:00Z"></note></notes>`)
	ranges, err := Split(bytes.NewReader(doc), int64(len(doc)), 1)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, int64(bytes.Index(doc, []byte("<note "))), ranges[0].Offset)
}

func TestSplitEmptyInput(t *testing.T) {
	doc := []byte(`<?xml version="1.0"?><osm version="0.6"></osm>`)
	ranges, err := Split(bytes.NewReader(doc), int64(len(doc)), 4)
	require.NoError(t, err)
	assert.Empty(t, ranges)
}

func TestSplitRejectsBadCount(t *testing.T) {
	_, err := Split(bytes.NewReader(nil), 0, 0)
	assert.Error(t, err)
}

func TestSplitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.xml")
	require.NoError(t, os.WriteFile(path, document(500), 0o600))
	ranges, err := SplitFile(path, 4)
	require.NoError(t, err)
	assert.Len(t, ranges, 4)
}
