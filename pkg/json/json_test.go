package json

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type marker struct {
	Stage string            `json:"stage"`
	Class string            `json:"class"`
	Extra map[string]string `json:"extra,omitempty"`
}

func TestWriteFileReplacesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "failed.json")

	require.NoError(t, WriteFile(path, marker{Stage: "merge", Class: "store"}, 0o600))
	require.NoError(t, WriteFile(path, marker{Stage: "fetch", Class: "fetch"}, 0o600))

	var got marker
	require.NoError(t, ReadFile(path, &got))
	assert.Equal(t, marker{Stage: "fetch", Class: "fetch"}, got)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files are left behind")
}

func TestMarshalToWriterKeepsHTML(t *testing.T) {
	var b strings.Builder
	require.NoError(t, MarshalToWriter(&b, map[string]string{"text": "<b>&</b>"}))
	assert.Equal(t, `{"text":"<b>&</b>"}`+"\n", b.String())
}

func TestDecode(t *testing.T) {
	var v struct {
		Elements []RawMessage `json:"elements"`
	}
	require.NoError(t, Decode(strings.NewReader(`{"elements":[{"id":1},{"id":2}]}`), &v))
	assert.Len(t, v.Elements, 2)
	assert.True(t, Valid(v.Elements[0]))
	assert.False(t, Valid([]byte(`{"id":`)))
}

func TestReadFileMissing(t *testing.T) {
	var m marker
	err := ReadFile(filepath.Join(t.TempDir(), "absent.json"), &m)
	assert.True(t, os.IsNotExist(err))
}

func BenchmarkMarshal(b *testing.B) {
	m := marker{Stage: "transform", Class: "validation", Extra: map[string]string{"partition": "3"}}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Marshal(m); err != nil {
			b.Fatal(err)
		}
	}
}
