package compression

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var payload = []byte(strings.Repeat(`<note id="1" lat="52.5" lon="13.4"></note>`+"\n", 200))

func TestDetect(t *testing.T) {
	tests := []struct {
		in       string
		wantAlg  Algorithm
		wantName string
	}{
		{"planet-notes-latest.osn.bz2", Bzip2, "planet-notes-latest.osn"},
		{"notes.xml.GZ", Gzip, "notes.xml"},
		{"notes.xml.zst", Zstd, "notes.xml"},
		{"notes.xml.lz4", LZ4, "notes.xml"},
		{"notes.xml", None, "notes.xml"},
	}
	for _, tt := range tests {
		alg, name := Detect(tt.in)
		assert.Equal(t, tt.wantAlg, alg, tt.in)
		assert.Equal(t, tt.wantName, name, tt.in)
	}
}

func TestDecompressStream(t *testing.T) {
	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, err := gw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zs := enc.EncodeAll(payload, nil)
	require.NoError(t, enc.Close())

	var lz bytes.Buffer
	lw := lz4.NewWriter(&lz)
	_, err = lw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, lw.Close())

	bz, err := os.ReadFile("testdata/payload.txt.bz2")
	require.NoError(t, err)

	cases := map[Algorithm][]byte{
		None:  payload,
		Gzip:  gz.Bytes(),
		Zstd:  zs,
		LZ4:   lz.Bytes(),
		Bzip2: bz,
	}
	for alg, in := range cases {
		t.Run(string(alg), func(t *testing.T) {
			var out bytes.Buffer
			n, err := DecompressStream(&out, bytes.NewReader(in), alg)
			require.NoError(t, err)
			assert.Equal(t, int64(len(payload)), n)
			assert.Equal(t, payload, out.Bytes())
		})
	}
}

func TestDecompressTruncated(t *testing.T) {
	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, _ = gw.Write(payload)
	require.NoError(t, gw.Close())

	truncated := gz.Bytes()[:gz.Len()/2]
	_, err := DecompressStream(&bytes.Buffer{}, bytes.NewReader(truncated), Gzip)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gzip decompression failed")
}

func TestUnsupported(t *testing.T) {
	_, err := NewReader("brotli", bytes.NewReader(nil))
	assert.Error(t, err)
}
