package aff4

import (
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/forensicxlab/exhume-body-go/body"
	"github.com/pierrec/lz4/v4"
	"github.com/sirupsen/logrus"
)

func init() {
	body.Register(body.FormatAFF4, Open)
}

// mapInterval is one entry of the resolved Map stream: a contiguous run
// of virtual bytes backed by a contiguous run of bytes in a target
// member.
type mapInterval struct {
	virtualOffset uint64
	length        uint64
	target        string
	targetOffset  uint64
}

// AFF4 implements body.Engine over a Zip64 AFF4 volume's single
// ImageStream: Turtle metadata, a binary Map+Idx interval table, and
// per-segment LZ4-compressed chunk storage.
type AFF4 struct {
	path string
	file *os.File
	zip  *zipReader

	info      streamInfo
	intervals []mapInterval
	size      int64

	pos int64

	cache struct {
		valid   bool
		member  string
		chunk   int
		decoded []byte
	}
}

// Open parses path as an AFF4 container: locates its Zip64 directory,
// reads information.turtle for stream metadata, and resolves the
// data stream's Map+Idx into a sorted interval table.
func Open(path string) (body.Engine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, body.IOErrorf(path, err, "opening AFF4 container")
	}
	a, err := newFromFile(path, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return a, nil
}

func newFromFile(path string, f *os.File) (*AFF4, error) {
	z, err := openZip(path, f)
	if err != nil {
		return nil, err
	}

	turtleRaw, err := z.readMember("information.turtle")
	if err != nil {
		return nil, err
	}
	streams, err := parseTurtle(string(turtleRaw))
	if err != nil {
		return nil, err
	}
	info := streams[0]
	for _, s := range streams {
		if s.dataBase != "" {
			info = s
			break
		}
	}
	if info.dataBase == "" {
		return nil, body.MissingErrorf(path, "AFF4 metadata has no dataStream predicate")
	}
	switch info.compression {
	case "lz4", "none":
	default:
		return nil, body.UnsupportedErrorf(path, "unsupported AFF4 chunk compression %q", info.compression)
	}
	if u, ok := parseURNUUID(info.urn); ok {
		logrus.WithField("stream", u.String()).Debug("resolved AFF4 image stream")
	}

	intervals, err := readMapAndIdx(z, info.dataBase, info.size)
	if err != nil {
		return nil, err
	}

	return &AFF4{
		path:      path,
		file:      f,
		zip:       z,
		info:      info,
		intervals: intervals,
		size:      info.size,
	}, nil
}

// readMapAndIdx reads "<dataBase>/map" (28-byte records) and
// "<dataBase>/idx" (NUL-delimited target URIs), validates, and returns
// a sorted, merged, gap-preserving interval table.
func readMapAndIdx(z *zipReader, dataBase string, imageSize int64) ([]mapInterval, error) {
	mapName := dataBase + "/map"
	idxName := dataBase + "/idx"

	mapBytes, err := z.readMember(mapName)
	if err != nil {
		return nil, err
	}
	idxBytes, err := z.readMember(idxName)
	if err != nil {
		return nil, err
	}

	var targets []string
	start := 0
	for i, b := range idxBytes {
		if b == 0 {
			targets = append(targets, string(idxBytes[start:i]))
			start = i + 1
		}
	}
	if start < len(idxBytes) {
		targets = append(targets, string(idxBytes[start:]))
	}

	if len(mapBytes)%28 != 0 {
		return nil, body.FormatErrorf(z.path, "AFF4 map %q has size %d, not a multiple of 28", mapName, len(mapBytes))
	}
	count := len(mapBytes) / 28

	raw := make([]mapInterval, 0, count)
	for i := 0; i < count; i++ {
		rec := mapBytes[i*28 : i*28+28]
		vOff := binary.LittleEndian.Uint64(rec[0:8])
		length := binary.LittleEndian.Uint64(rec[8:16])
		tOff := binary.LittleEndian.Uint64(rec[16:24])
		idx := binary.LittleEndian.Uint32(rec[24:28])

		if length == 0 {
			continue
		}
		if imageSize > 0 && vOff >= uint64(imageSize) {
			return nil, body.FormatErrorf(z.path, "map record virtual_offset %d exceeds image size %d", vOff, imageSize)
		}
		if int(idx) >= len(targets) {
			return nil, body.FormatErrorf(z.path, "map record target_index %d out of range (have %d targets)", idx, len(targets))
		}
		raw = append(raw, mapInterval{
			virtualOffset: vOff,
			length:        length,
			target:        zipMemberPrefix(targets[idx]),
			targetOffset:  tOff,
		})
	}

	sort.Slice(raw, func(i, j int) bool { return raw[i].virtualOffset < raw[j].virtualOffset })

	merged := make([]mapInterval, 0, len(raw))
	for _, iv := range raw {
		if n := len(merged); n > 0 {
			prev := &merged[n-1]
			if prev.target == iv.target &&
				prev.virtualOffset+prev.length == iv.virtualOffset &&
				prev.targetOffset+prev.length == iv.targetOffset {
				prev.length += iv.length
				continue
			}
		}
		merged = append(merged, iv)
	}
	return merged, nil
}

func (a *AFF4) Read(p []byte) (int, error) {
	n, err := a.readAt(a.pos, p)
	a.pos += int64(n)
	return n, err
}

func (a *AFF4) readAt(pos int64, p []byte) (int, error) {
	if pos >= a.size {
		return 0, nil
	}
	remaining := p
	total := 0
	cur := pos
	for len(remaining) > 0 && cur < a.size {
		if room := a.size - cur; int64(len(remaining)) > room {
			remaining = remaining[:room]
		}
		iv, ivIdx := a.intervalCovering(cur)
		if iv == nil {
			limit := a.size
			if ivIdx < len(a.intervals) {
				limit = int64(a.intervals[ivIdx].virtualOffset)
			}
			n := limit - cur
			if int64(len(remaining)) < n {
				n = int64(len(remaining))
			}
			for i := int64(0); i < n; i++ {
				remaining[i] = 0
			}
			total += int(n)
			cur += n
			remaining = remaining[n:]
			continue
		}

		withinIv := cur - int64(iv.virtualOffset)
		logicalOff := int64(iv.targetOffset) + withinIv
		ivRemaining := int64(iv.length) - withinIv

		n, err := a.readLogical(iv.target, logicalOff, remaining, ivRemaining)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, body.FormatErrorf(a.path, "AFF4 interval produced no data at virtual offset %d", cur)
		}
		total += n
		cur += int64(n)
		remaining = remaining[n:]
	}
	return total, nil
}

// intervalCovering returns the interval containing pos, or nil and the
// index of the next interval (for hole sizing) if pos falls in a gap.
func (a *AFF4) intervalCovering(pos int64) (*mapInterval, int) {
	i := sort.Search(len(a.intervals), func(i int) bool {
		return int64(a.intervals[i].virtualOffset) > pos
	})
	if i > 0 {
		iv := &a.intervals[i-1]
		if pos < int64(iv.virtualOffset)+int64(iv.length) {
			return iv, i
		}
	}
	return nil, i
}

// readLogical reads from a target member's logical (decompressed)
// address space, bounded by maxLen (the remaining span of the covering
// interval), resolving the owning segment member and chunk index.
func (a *AFF4) readLogical(target string, logicalOff int64, buf []byte, maxLen int64) (int, error) {
	if int64(len(buf)) > maxLen {
		buf = buf[:maxLen]
	}
	segmentSpan := int64(a.info.chunkSize) * int64(a.info.chunksPerSegment)
	segment := int(logicalOff / segmentSpan)
	offsetInSegment := logicalOff % segmentSpan
	chunkInSegment := int(offsetInSegment / int64(a.info.chunkSize))
	withinChunk := int(offsetInSegment % int64(a.info.chunkSize))

	decoded, err := a.loadChunk(target, segment, chunkInSegment)
	if err != nil {
		return 0, err
	}
	if withinChunk >= len(decoded) {
		return 0, body.FormatErrorf(a.path, "AFF4 chunk shorter than expected for %q segment %d chunk %d", target, segment, chunkInSegment)
	}
	n := copy(buf, decoded[withinChunk:])
	return n, nil
}

// loadChunk resolves segment+chunk to decoded bytes, serving from the
// single-entry cache when the key matches.
func (a *AFF4) loadChunk(target string, segment, chunkInSegment int) ([]byte, error) {
	member, err := a.resolveSegmentMember(target, segment)
	if err != nil {
		return nil, err
	}

	if a.cache.valid && a.cache.member == member && a.cache.chunk == chunkInSegment {
		return a.cache.decoded, nil
	}

	idxMember := member + ".index"
	idxEntry := make([]byte, 12)
	if err := a.zip.readStoreRange(idxMember, int64(chunkInSegment)*12, idxEntry); err != nil {
		return nil, err
	}
	cOffLo := binary.LittleEndian.Uint32(idxEntry[0:4])
	cOffHi := binary.LittleEndian.Uint32(idxEntry[4:8])
	cOff := uint64(cOffHi)<<32 | uint64(cOffLo)
	cLen := binary.LittleEndian.Uint32(idxEntry[8:12])

	compressed := make([]byte, cLen)
	if err := a.zip.readStoreRange(member, int64(cOff), compressed); err != nil {
		return nil, err
	}

	decoded, err := decodeChunkPayload(a.path, compressed, a.info.chunkSize, a.info.compression)
	if err != nil {
		return nil, err
	}

	a.cache.valid = true
	a.cache.member = member
	a.cache.chunk = chunkInSegment
	a.cache.decoded = decoded
	return decoded, nil
}

// decodeChunkPayload turns stored chunk bytes into image bytes. Stored
// payloads pass through; LZ4 payloads whose length equals chunkSize are
// incompressible and pass through unchanged, otherwise they are
// block-decompressed into a chunkSize buffer. Anything else was already
// rejected at open time; the error here is a backstop.
func decodeChunkPayload(path string, compressed []byte, chunkSize int, compression string) ([]byte, error) {
	switch compression {
	case "none":
		return compressed, nil
	case "lz4":
		if len(compressed) == chunkSize {
			return compressed, nil
		}
		out := make([]byte, chunkSize)
		n, err := lz4.UncompressBlock(compressed, out)
		if err != nil {
			return nil, body.FormatErrorf(path, "LZ4 decompression failed: %v", err)
		}
		return out[:n], nil
	default:
		return nil, body.UnsupportedErrorf(path, "unsupported AFF4 chunk compression %q", compression)
	}
}

// resolveSegmentMember finds the Zip member name for a (target,
// segment) pair, trying 8-digit decimal, 8-digit hex, and unpadded
// decimal suffixes in that order.
func (a *AFF4) resolveSegmentMember(target string, segment int) (string, error) {
	candidates := []string{
		zeroPad8(segment),
		hexPad8(segment),
		itoa(segment),
	}
	for _, suffix := range candidates {
		name := target + "/" + suffix
		if a.zip.has(name) {
			return name, nil
		}
	}
	return "", body.MissingErrorf(a.path, "no segment member found for %q segment %d", target, segment)
}

func hexPad8(n int) string {
	const hexDigits = "0123456789abcdef"
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = hexDigits[n&0xf]
		n >>= 4
	}
	return string(b)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func (a *AFF4) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = a.pos + offset
	case io.SeekEnd:
		target = a.size + offset
	default:
		return 0, &body.InvalidSeekError{Offset: offset}
	}
	if target < 0 || target > a.size {
		return 0, &body.InvalidSeekError{Offset: target}
	}
	a.pos = target
	return a.pos, nil
}

func (a *AFF4) ImageSize() int64 { return a.size }

func (a *AFF4) SectorSize() uint32 { return 512 }

func (a *AFF4) Description() string { return "aff4 (" + a.info.urn + ")" }

func (a *AFF4) Close() error { return a.file.Close() }

func (a *AFF4) Clone() (body.Engine, error) {
	f, err := os.Open(a.path)
	if err != nil {
		return nil, body.IOErrorf(a.path, err, "reopening AFF4 container for clone")
	}
	z := &zipReader{path: a.path, file: f, entries: a.zip.entries}
	return &AFF4{
		path:      a.path,
		file:      f,
		zip:       z,
		info:      a.info,
		intervals: a.intervals,
		size:      a.size,
		pos:       a.pos,
	}, nil
}
