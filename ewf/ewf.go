// Package ewf implements the multi-segment Expert Witness Format (EWF/
// E01) engine: segment discovery, section-chain walk, table parsing,
// and per-chunk zlib-inflated reads with a one-entry decode cache.
package ewf

import (
	"bytes"
	"compress/zlib"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/forensicxlab/exhume-body-go/body"
	"github.com/sirupsen/logrus"
)

func init() {
	body.Register(body.FormatEWF, func(path string) (body.Engine, error) {
		return New(path)
	})
}

// chunkEntry is one entry of the engine's flat, globally-indexed chunk
// list, built while walking every segment's table sections in order
// (table2 sections are skipped). endOffset is the offset at which this chunk's stored bytes end
// (the next entry's dataOffset, or the owning segment's sectors-section
// tail for the last chunk of a segment) and is what lets a compressed
// chunk's length be recovered without a dedicated length field.
type chunkEntry struct {
	segment    int
	dataOffset uint64
	endOffset  uint64
	compressed bool
}

type segmentFile struct {
	path        string
	file        *os.File
	sectorsTail int64 // end of the most recent sectors section's payload
}

// EWF is the multi-segment EWF engine.
type EWF struct {
	path string

	segments []*segmentFile
	chunks   []chunkEntry

	sectorSize      uint32
	sectorsPerChunk uint32
	totalSectors    uint64
	chunkSize       uint32

	header map[string]string

	position int64
	imageSz  int64

	cache struct {
		valid bool
		index int64
		data  []byte
	}

	mu sync.Mutex
}

// New discovers the segment set for path, walks every segment's section
// chain, and returns a ready-to-read EWF engine.
func New(path string) (*EWF, error) {
	segmentPaths, err := discoverSegments(path)
	if err != nil {
		return nil, err
	}
	if len(segmentPaths) == 0 {
		segmentPaths = []string{path}
	}

	e := &EWF{path: path, header: map[string]string{}}
	for i, sp := range segmentPaths {
		f, err := os.Open(sp)
		if err != nil {
			e.closeAll()
			return nil, body.IOErrorf(sp, err, "opening EWF segment")
		}
		seg := &segmentFile{path: sp, file: f}
		e.segments = append(e.segments, seg)
		if err := e.parseSegment(i, seg); err != nil {
			e.closeAll()
			return nil, err
		}
	}
	if e.sectorSize == 0 || e.sectorsPerChunk == 0 {
		e.closeAll()
		return nil, body.MissingErrorf(path, "no disk/volume section found in any EWF segment")
	}
	e.chunkSize = e.sectorsPerChunk * e.sectorSize
	e.imageSz = int64(e.totalSectors) * int64(e.sectorSize)
	logrus.WithFields(logrus.Fields{
		"segments":   len(e.segments),
		"chunks":     len(e.chunks),
		"chunk_size": e.chunkSize,
		"image_size": e.imageSz,
	}).Debug("opened EWF image")
	return e, nil
}

// discoverSegments strips the last two characters of path's basename and
// globs for sibling files matching <base>?? in the same directory,
// sorted lexicographically (E01, E02, ... EAA sort correctly).
func discoverSegments(path string) ([]string, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if len(base) < 2 {
		return nil, nil
	}
	stem := base[:len(base)-2]
	matches, err := filepath.Glob(filepath.Join(dir, stem+"??"))
	if err != nil {
		return nil, body.IOErrorf(path, err, "globbing EWF segments")
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sortSegmentPaths(matches)
	return matches, nil
}

func (e *EWF) closeAll() {
	for _, s := range e.segments {
		s.file.Close()
	}
}

// parseSegment validates the 13-byte segment header and walks its
// section-descriptor chain, dispatching on each section's kind. The walk
// stops at a done section or when a descriptor points at itself.
func (e *EWF) parseSegment(segIdx int, seg *segmentFile) error {
	fh, err := readFileHeader(seg.file)
	if err != nil {
		return body.IOErrorf(seg.path, err, "reading EWF segment header")
	}
	if !validSignature(fh) {
		return body.FormatErrorf(seg.path, "not an EWF segment (bad signature)")
	}

	offset := int64(13)
	for {
		desc, err := readSectionDescriptor(seg.file, offset)
		if err != nil {
			return body.IOErrorf(seg.path, err, "reading section descriptor at %d", offset)
		}
		descriptorEnd := offset + 76
		kind := desc.kind()

		switch kind {
		case "header", "header2":
			if desc.Size < 76 {
				return body.FormatErrorf(seg.path, "%s section size %d smaller than its descriptor", kind, desc.Size)
			}
			// The declared section size spans the descriptor itself.
			if err := e.parseHeaderSection(seg, descriptorEnd, desc.Size-76, kind); err != nil {
				return err
			}
		case "disk", "volume":
			geo, err := readDiskGeometry(seg.file, descriptorEnd)
			if err != nil {
				return body.IOErrorf(seg.path, err, "reading disk/volume section")
			}
			e.sectorSize = geo.BytesPerSector
			e.sectorsPerChunk = geo.SectorsPerChunk
			e.totalSectors = uint64(geo.TotalSectors)
		case "table":
			if err := e.appendTable(segIdx, seg, descriptorEnd); err != nil {
				return err
			}
		case "table2":
			// table2 is a redundant mirror of table; the primary table
			// already built the global chunk list.
		case "sectors":
			seg.sectorsTail = descriptorEnd + int64(desc.Size) - 76
		case "done":
			e.finalizeSegmentChunks(segIdx, seg)
			return nil
		}

		if int64(desc.NextOffset) == offset {
			e.finalizeSegmentChunks(segIdx, seg)
			return nil
		}
		offset = int64(desc.NextOffset)
	}
}

func (e *EWF) parseHeaderSection(seg *segmentFile, payloadStart int64, size uint64, kind string) error {
	buf := make([]byte, size)
	if _, err := seg.file.ReadAt(buf, payloadStart); err != nil {
		return body.IOErrorf(seg.path, err, "reading %s section payload", kind)
	}
	parsed, err := decodeHeaderPayload(buf)
	if err != nil {
		return body.FormatErrorf(seg.path, "decoding %s section: %v", kind, err)
	}
	// header2 wins over header on duplicate keys.
	for k, v := range parsed {
		if kind == "header2" {
			e.header[k] = v
		} else if _, exists := e.header[k]; !exists {
			e.header[k] = v
		}
	}
	return nil
}

func (e *EWF) appendTable(segIdx int, seg *segmentFile, descriptorEnd int64) error {
	raw, err := readTable(seg.file, descriptorEnd)
	if err != nil {
		return body.IOErrorf(seg.path, err, "reading table section")
	}
	for i, entry := range raw {
		end := seg.sectorsTail
		if i+1 < len(raw) {
			end = int64(raw[i+1].offset)
		}
		e.chunks = append(e.chunks, chunkEntry{
			segment:    segIdx,
			dataOffset: entry.offset,
			endOffset:  uint64(end),
			compressed: entry.compressed,
		})
	}
	return nil
}

// finalizeSegmentChunks fixes up the endOffset of every chunk in this
// segment that was appended before the sectors section's tail was known
// (table sections commonly precede sectors in acquisition order only
// for table2-first layouts; in the common case sectors precedes table,
// so this is a no-op safety net).
func (e *EWF) finalizeSegmentChunks(segIdx int, seg *segmentFile) {
	if seg.sectorsTail == 0 {
		return
	}
	for i := range e.chunks {
		if e.chunks[i].segment != segIdx {
			continue
		}
		isLastOfSegment := i+1 >= len(e.chunks) || e.chunks[i+1].segment != segIdx
		if isLastOfSegment && e.chunks[i].endOffset == 0 {
			e.chunks[i].endOffset = uint64(seg.sectorsTail)
		}
	}
}

// Read copies decoded chunk bytes starting at the current position.
func (e *EWF) Read(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.position >= e.imageSz {
		return 0, nil
	}

	total := 0
	for total < len(p) {
		if e.position >= e.imageSz {
			break
		}
		globalChunk := e.position / int64(e.chunkSize)
		if globalChunk >= int64(len(e.chunks)) {
			break
		}
		decoded, err := e.decodeChunk(globalChunk)
		if err != nil {
			return total, err
		}
		within := int(e.position % int64(e.chunkSize))
		if within >= len(decoded) {
			// Truncated final chunk of the image: treat as EOF.
			break
		}
		n := copy(p[total:], decoded[within:])
		// The final chunk may extend past the declared device size.
		if rem := e.imageSz - e.position; int64(n) > rem {
			n = int(rem)
		}
		total += n
		e.position += int64(n)
	}
	return total, nil
}

func (e *EWF) decodeChunk(globalChunk int64) ([]byte, error) {
	if e.cache.valid && e.cache.index == globalChunk {
		return e.cache.data, nil
	}
	entry := e.chunks[globalChunk]
	seg := e.segments[entry.segment]

	if !entry.compressed {
		buf := make([]byte, e.chunkSize)
		n, err := seg.file.ReadAt(buf, int64(entry.dataOffset))
		if err != nil && err != io.EOF {
			return nil, body.IOErrorf(seg.path, err, "reading chunk %d", globalChunk)
		}
		buf = buf[:n]
		e.cache.valid, e.cache.index, e.cache.data = true, globalChunk, buf
		return buf, nil
	}

	length := int64(entry.endOffset) - int64(entry.dataOffset)
	if length <= 0 {
		return nil, body.FormatErrorf(seg.path, "chunk %d has non-positive compressed length", globalChunk)
	}
	compressed := make([]byte, length)
	if _, err := seg.file.ReadAt(compressed, int64(entry.dataOffset)); err != nil {
		return nil, body.IOErrorf(seg.path, err, "reading compressed chunk %d", globalChunk)
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, body.FormatErrorf(seg.path, "zlib header for chunk %d: %v", globalChunk, err)
	}
	defer zr.Close()
	decoded, err := io.ReadAll(zr)
	if err != nil {
		return nil, body.FormatErrorf(seg.path, "inflating chunk %d: %v", globalChunk, err)
	}
	e.cache.valid, e.cache.index, e.cache.data = true, globalChunk, decoded
	return decoded, nil
}

// Seek repositions the cursor. A resolved position beyond the image
// size fails with InvalidSeekError.
func (e *EWF) Seek(offset int64, whence int) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = e.position + offset
	case io.SeekEnd:
		abs = e.imageSz + offset
	default:
		return 0, &body.InvalidSeekError{Offset: offset}
	}
	if abs < 0 || abs > e.imageSz {
		return 0, &body.InvalidSeekError{Offset: abs}
	}
	e.position = abs
	return abs, nil
}

func (e *EWF) ImageSize() int64 { return e.imageSz }

func (e *EWF) SectorSize() uint32 { return e.sectorSize }

func (e *EWF) Description() string {
	if v, ok := e.header["av"]; ok {
		return "ewf (" + v + ")"
	}
	return "ewf"
}

// Header exposes the merged header/header2 acquisition metadata
// key->value map (case number, examiner, acquisition date, ...).
func (e *EWF) Header() map[string]string { return e.header }

func (e *EWF) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for _, s := range e.segments {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Clone reopens every segment file (giving each an independent OS
// cursor) and shares the immutable chunk list and header map.
func (e *EWF) Clone() (body.Engine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	clone := &EWF{
		path:            e.path,
		position:        e.position,
		chunks:          e.chunks,
		sectorSize:      e.sectorSize,
		sectorsPerChunk: e.sectorsPerChunk,
		totalSectors:    e.totalSectors,
		chunkSize:       e.chunkSize,
		header:          e.header,
		imageSz:         e.imageSz,
	}
	for _, s := range e.segments {
		f, err := os.Open(s.path)
		if err != nil {
			clone.closeAll()
			return nil, body.IOErrorf(s.path, err, "cloning EWF segment handle")
		}
		clone.segments = append(clone.segments, &segmentFile{path: s.path, file: f, sectorsTail: s.sectorsTail})
	}
	logrus.WithField("segments", len(clone.segments)).Debug("cloned EWF engine")
	return clone, nil
}
