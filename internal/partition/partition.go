// Package partition splits a feed file into contiguous byte ranges that can
// be parsed independently.
//
// Cut points are aligned to the start of a <note element, so every range
// holds whole records. The data region runs from the first <note to the end
// of the last </note>; the document prolog and the root element's tags fall
// outside every range.
package partition

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

const blockSize = 64 * 1024

var (
	recordOpen  = []byte("<note")
	recordClose = []byte("</note>")
)

// Range is one independently parseable slice of the input.
type Range struct {
	// Index is the partition id; ranges are numbered in source order
	Index  int
	Offset int64
	Length int64
}

// End is the offset one past the range.
func (r Range) End() int64 { return r.Offset + r.Length }

// SplitFile opens path and splits it into at most k ranges.
func SplitFile(path string, k int) ([]Range, error) {
	f, err := os.Open(path) //nolint:gosec // path is produced by the feed
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return Split(f, fi.Size(), k)
}

// Split divides the size bytes readable from r into at most k non-empty
// ranges of roughly equal size. An input without any record yields no
// ranges.
func Split(r io.ReaderAt, size int64, k int) ([]Range, error) {
	if k < 1 {
		return nil, fmt.Errorf("partition count must be positive, got %d", k)
	}

	start, err := nextRecordStart(r, 0, size)
	if err != nil {
		return nil, err
	}
	if start < 0 {
		return nil, nil
	}
	end, err := lastRecordEnd(r, start, size)
	if err != nil {
		return nil, err
	}
	if end < 0 {
		return nil, fmt.Errorf("no closing </note> after offset %d", start)
	}

	span := end - start
	cuts := make([]int64, 0, k+1)
	cuts = append(cuts, start)
	for i := 1; i < k; i++ {
		nominal := start + span*int64(i)/int64(k)
		prev := cuts[len(cuts)-1]
		if nominal <= prev {
			nominal = prev + 1
		}
		if nominal >= end {
			break
		}
		cut, err := nextRecordStart(r, nominal, end)
		if err != nil {
			return nil, err
		}
		if cut < 0 {
			break
		}
		cuts = append(cuts, cut)
	}
	cuts = append(cuts, end)

	ranges := make([]Range, 0, len(cuts)-1)
	for i := 0; i+1 < len(cuts); i++ {
		if cuts[i+1] <= cuts[i] {
			continue
		}
		ranges = append(ranges, Range{
			Index:  len(ranges),
			Offset: cuts[i],
			Length: cuts[i+1] - cuts[i],
		})
	}
	return ranges, nil
}

// nextRecordStart finds the first "<note" followed by whitespace or '>' in
// [from, limit). It returns -1 if there is none.
func nextRecordStart(r io.ReaderAt, from, limit int64) (int64, error) {
	overlap := int64(len(recordOpen))
	buf := make([]byte, blockSize+overlap)
	for pos := from; pos < limit; pos += blockSize {
		n := int64(len(buf))
		if pos+n > limit+1 {
			// one byte past limit lets us check the delimiter of a match at the edge
			n = limit + 1 - pos
		}
		read, err := r.ReadAt(buf[:n], pos)
		if err != nil && err != io.EOF {
			return 0, err
		}
		chunk := buf[:read]
		for off := 0; ; {
			i := bytes.Index(chunk[off:], recordOpen)
			if i < 0 {
				break
			}
			at := off + i
			abs := pos + int64(at)
			if abs >= limit {
				return -1, nil
			}
			next := at + len(recordOpen)
			if next < len(chunk) && isDelimiter(chunk[next]) {
				return abs, nil
			}
			if next >= len(chunk) && read < len(buf[:n]) {
				// "<note" right at end of input
				return -1, nil
			}
			off = at + 1
		}
	}
	return -1, nil
}

// lastRecordEnd returns the offset just past the last "</note>" in
// [from, size), or -1.
func lastRecordEnd(r io.ReaderAt, from, size int64) (int64, error) {
	overlap := int64(len(recordClose))
	buf := make([]byte, blockSize+overlap)
	for end := size; end > from; end -= blockSize {
		begin := end - blockSize
		if begin < from {
			begin = from
		}
		stop := end + overlap
		if stop > size {
			stop = size
		}
		read, err := r.ReadAt(buf[:stop-begin], begin)
		if err != nil && err != io.EOF {
			return 0, err
		}
		if i := bytes.LastIndex(buf[:read], recordClose); i >= 0 {
			return begin + int64(i) + int64(len(recordClose)), nil
		}
	}
	return -1, nil
}

func isDelimiter(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '>':
		return true
	}
	return false
}
