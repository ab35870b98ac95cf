package ewf

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forensicxlab/exhume-body-go/body"
)

const (
	testBytesPerSector  = 512
	testSectorsPerChunk = 4
	testChunkSize       = testBytesPerSector * testSectorsPerChunk
)

// segmentBuilder assembles a synthetic EWF segment file: file header,
// then a chain of sections ending in done.
type segmentBuilder struct {
	buf bytes.Buffer
}

func newSegmentBuilder(t *testing.T, segmentNumber uint16) *segmentBuilder {
	t.Helper()
	b := &segmentBuilder{}
	b.buf.Write([]byte{'E', 'V', 'F', 0x09, 0x0d, 0x0a, 0xff, 0x00})
	b.buf.WriteByte(1)
	binary.Write(&b.buf, binary.LittleEndian, segmentNumber)
	b.buf.Write([]byte{0, 0})
	return b
}

// section appends a 76-byte descriptor followed by payload. The
// section's declared size spans descriptor plus payload; the next
// descriptor follows the payload directly, or the section points at
// itself for a terminator.
func (b *segmentBuilder) section(kind string, payload []byte, terminal bool) {
	offset := uint64(b.buf.Len())
	next := offset + 76 + uint64(len(payload))
	if terminal {
		next = offset
	}

	var k [16]byte
	copy(k[:], kind)
	b.buf.Write(k[:])
	binary.Write(&b.buf, binary.LittleEndian, next)
	binary.Write(&b.buf, binary.LittleEndian, uint64(76+len(payload)))
	b.buf.Write(make([]byte, 40))
	binary.Write(&b.buf, binary.LittleEndian, uint32(0)) // checksum, unverified
	b.buf.Write(payload)
}

func diskPayload(chunkCount, totalSectors uint32) []byte {
	p := make([]byte, 24)
	binary.LittleEndian.PutUint32(p[4:8], chunkCount)
	binary.LittleEndian.PutUint32(p[8:12], testSectorsPerChunk)
	binary.LittleEndian.PutUint32(p[12:16], testBytesPerSector)
	binary.LittleEndian.PutUint32(p[16:20], totalSectors)
	return p
}

func headerPayload(t *testing.T, keys, values string) []byte {
	t.Helper()
	var raw bytes.Buffer
	raw.WriteString("1\nmain\n")
	raw.WriteString(keys + "\n")
	raw.WriteString(values + "\n")
	var out bytes.Buffer
	zw := zlib.NewWriter(&out)
	_, err := zw.Write(raw.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return out.Bytes()
}

func deflate(t *testing.T, data []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	zw := zlib.NewWriter(&out)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return out.Bytes()
}

// sectorsAndTable appends one sectors section holding the given chunks
// (a false entry in compressed means the chunk is stored verbatim) and
// the matching table section.
func (b *segmentBuilder) sectorsAndTable(t *testing.T, chunks [][]byte, compressed []bool) {
	t.Helper()
	var payload bytes.Buffer
	offsets := make([]uint64, len(chunks))
	sectionStart := uint64(b.buf.Len())
	dataStart := sectionStart + 76
	for i, c := range chunks {
		stored := c
		if compressed[i] {
			stored = deflate(t, c)
		}
		offsets[i] = dataStart + uint64(payload.Len())
		payload.Write(stored)
	}
	b.section("sectors", payload.Bytes(), false)

	var table bytes.Buffer
	binary.Write(&table, binary.LittleEndian, uint32(len(chunks)))
	table.Write(make([]byte, 4))
	binary.Write(&table, binary.LittleEndian, uint64(0)) // base offset
	table.Write(make([]byte, 4))                         // checksum
	for i, off := range offsets {
		entry := uint32(off)
		if compressed[i] {
			entry |= 0x80000000
		}
		binary.Write(&table, binary.LittleEndian, entry)
	}
	b.section("table", table.Bytes(), false)
}

func (b *segmentBuilder) done() {
	b.section("done", nil, true)
}

func (b *segmentBuilder) write(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, b.buf.Bytes(), 0o644))
}

func pattern(n, seed int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte((i*7 + seed*31) % 253)
	}
	return out
}

// buildSingleSegment writes a one-segment image of the given chunks and
// returns its path and the expected logical contents.
func buildSingleSegment(t *testing.T, dir string, chunks [][]byte, compressed []bool) (string, []byte) {
	t.Helper()
	totalSectors := uint32(len(chunks) * testSectorsPerChunk)
	b := newSegmentBuilder(t, 1)
	b.section("header", headerPayload(t, "c\tn\te", "case-1\tevidence\texaminer"), false)
	b.section("disk", diskPayload(uint32(len(chunks)), totalSectors), false)
	b.sectorsAndTable(t, chunks, compressed)
	b.done()
	path := filepath.Join(dir, "image.E01")
	b.write(t, path)
	return path, bytes.Join(chunks, nil)
}

func TestSingleSegmentSequentialRead(t *testing.T) {
	chunks := [][]byte{pattern(testChunkSize, 1), pattern(testChunkSize, 2)}
	path, want := buildSingleSegment(t, t.TempDir(), chunks, []bool{true, true})

	e, err := New(path)
	require.NoError(t, err)
	defer e.Close()

	require.Equal(t, int64(len(want)), e.ImageSize())
	require.Equal(t, uint32(testBytesPerSector), e.SectorSize())

	buf := make([]byte, testChunkSize)
	n, err := e.Read(buf)
	require.NoError(t, err)
	require.Equal(t, testChunkSize, n)
	require.Equal(t, chunks[0], buf)

	n, err = e.Read(buf)
	require.NoError(t, err)
	require.Equal(t, testChunkSize, n)
	require.Equal(t, chunks[1], buf)

	n, err = e.Read(make([]byte, 1))
	require.NoError(t, err)
	require.Equal(t, 0, n, "read at end of device yields 0 bytes")
}

func TestMixedCompressedAndStoredChunks(t *testing.T) {
	chunks := [][]byte{pattern(testChunkSize, 3), pattern(testChunkSize, 4), pattern(testChunkSize, 5)}
	path, want := buildSingleSegment(t, t.TempDir(), chunks, []bool{true, false, true})

	e, err := New(path)
	require.NoError(t, err)
	defer e.Close()

	got := make([]byte, len(want))
	readFull(t, e, got)
	require.Equal(t, want, got)
}

func TestHeaderMetadata(t *testing.T) {
	chunks := [][]byte{pattern(testChunkSize, 6)}
	path, _ := buildSingleSegment(t, t.TempDir(), chunks, []bool{true})

	e, err := New(path)
	require.NoError(t, err)
	defer e.Close()

	require.Equal(t, "case-1", e.Header()["c"])
	require.Equal(t, "examiner", e.Header()["e"])
}

func TestSplitSegmentStraddle(t *testing.T) {
	dir := t.TempDir()
	seg1Chunks := [][]byte{pattern(testChunkSize, 7), pattern(testChunkSize, 8)}
	seg2Chunks := [][]byte{pattern(testChunkSize, 9), pattern(testChunkSize, 10)}
	totalSectors := uint32(4 * testSectorsPerChunk)

	b1 := newSegmentBuilder(t, 1)
	b1.section("header", headerPayload(t, "c", "split-case"), false)
	b1.section("disk", diskPayload(4, totalSectors), false)
	b1.sectorsAndTable(t, seg1Chunks, []bool{true, true})
	b1.done()
	b1.write(t, filepath.Join(dir, "image.E01"))

	b2 := newSegmentBuilder(t, 2)
	b2.section("disk", diskPayload(4, totalSectors), false)
	b2.sectorsAndTable(t, seg2Chunks, []bool{true, true})
	b2.done()
	b2.write(t, filepath.Join(dir, "image.E02"))

	e, err := New(filepath.Join(dir, "image.E01"))
	require.NoError(t, err)
	defer e.Close()

	want := bytes.Join(append(seg1Chunks, seg2Chunks...), nil)
	require.Equal(t, int64(len(want)), e.ImageSize())

	// Straddle the segment boundary: last 8 bytes of segment 1's final
	// chunk, then the first 8 bytes of segment 2's first chunk.
	boundary := int64(2 * testChunkSize)
	_, err = e.Seek(boundary-8, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 16)
	readFull(t, e, buf)
	require.Equal(t, want[boundary-8:boundary+8], buf)

	// And the whole image round-trips.
	_, err = e.Seek(0, io.SeekStart)
	require.NoError(t, err)
	got := make([]byte, len(want))
	readFull(t, e, got)
	require.Equal(t, want, got)
}

func TestSeekBounds(t *testing.T) {
	chunks := [][]byte{pattern(testChunkSize, 11)}
	path, _ := buildSingleSegment(t, t.TempDir(), chunks, []bool{true})

	e, err := New(path)
	require.NoError(t, err)
	defer e.Close()

	pos, err := e.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	require.Equal(t, e.ImageSize(), pos)

	_, err = e.Seek(e.ImageSize()+1, io.SeekStart)
	var seekErr *body.InvalidSeekError
	require.ErrorAs(t, err, &seekErr)
}

func TestRandomAccessMatchesSequential(t *testing.T) {
	chunks := [][]byte{pattern(testChunkSize, 12), pattern(testChunkSize, 13), pattern(testChunkSize, 14)}
	path, want := buildSingleSegment(t, t.TempDir(), chunks, []bool{true, false, true})

	e, err := New(path)
	require.NoError(t, err)
	defer e.Close()

	for _, off := range []int64{0, 100, testChunkSize - 1, testChunkSize, 2*testChunkSize + 17} {
		_, err := e.Seek(off, io.SeekStart)
		require.NoError(t, err)
		buf := make([]byte, 64)
		readFull(t, e, buf)
		require.Equal(t, want[off:off+64], buf, "offset %d", off)
	}
}

func TestCloneIndependence(t *testing.T) {
	chunks := [][]byte{pattern(testChunkSize, 15), pattern(testChunkSize, 16)}
	path, want := buildSingleSegment(t, t.TempDir(), chunks, []bool{true, true})

	e, err := New(path)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Seek(1000, io.SeekStart)
	require.NoError(t, err)

	clone, err := e.Clone()
	require.NoError(t, err)
	defer clone.Close()

	_, err = clone.Seek(0, io.SeekStart)
	require.NoError(t, err)
	cBuf := make([]byte, 32)
	readFull(t, clone, cBuf)
	require.Equal(t, want[:32], cBuf)

	buf := make([]byte, 32)
	readFull(t, e, buf)
	require.Equal(t, want[1000:1032], buf, "clone reads must not move the original cursor")
}

func readFull(t *testing.T, r io.Reader, buf []byte) {
	t.Helper()
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		require.NoError(t, err)
		require.NotZero(t, n, "unexpected end of stream")
		total += n
	}
}
