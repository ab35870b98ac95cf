package ewf

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"sort"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// fileHeader is the fixed 13-byte segment header: an 8-byte signature
// ("EVF\x09\x0d\x0a\xff\x00" or "MVF..."), 1 reserved byte equal to 1,
// a 2-byte segment number, and 2 zero bytes.
type fileHeader struct {
	Signature     [8]byte
	FieldsStart   uint8
	SegmentNumber uint16
	FieldsEnd     uint16
}

var evfSignature = [8]byte{'E', 'V', 'F', 0x09, 0x0d, 0x0a, 0xff, 0x00}
var mvfSignature = [8]byte{'M', 'V', 'F', 0x09, 0x0d, 0x0a, 0xff, 0x00}

// sectionDescriptor is the 76-byte section header: 16-byte NUL-padded
// ASCII kind, next-section offset, section size, 40 bytes padding, and
// a 4-byte checksum (16+8+8+40+4=76).
type sectionDescriptor struct {
	Kind       [16]byte
	NextOffset uint64
	Size       uint64
	Padding    [40]byte
	Checksum   uint32
}

func (s sectionDescriptor) kind() string {
	return strings.TrimRight(string(s.Kind[:]), "\x00")
}

func readFileHeader(r io.Reader) (fileHeader, error) {
	var h fileHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, err
	}
	return h, nil
}

func validSignature(h fileHeader) bool {
	return h.Signature == evfSignature || h.Signature == mvfSignature
}

func readSectionDescriptor(r io.ReaderAt, offset int64) (sectionDescriptor, error) {
	var s sectionDescriptor
	buf := make([]byte, 76)
	if _, err := r.ReadAt(buf, offset); err != nil {
		return s, err
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &s); err != nil {
		return s, err
	}
	return s, nil
}

// diskGeometry holds the fields read from a disk/volume section:
// chunk count at +4, sectors per chunk at +8, bytes per sector at +12,
// total sector count at +16, all relative to the descriptor end.
type diskGeometry struct {
	ChunkCount      uint32
	SectorsPerChunk uint32
	BytesPerSector  uint32
	TotalSectors    uint32
}

func readDiskGeometry(r io.ReaderAt, descriptorEnd int64) (diskGeometry, error) {
	buf := make([]byte, 20)
	if _, err := r.ReadAt(buf, descriptorEnd); err != nil {
		return diskGeometry{}, err
	}
	return diskGeometry{
		ChunkCount:      binary.LittleEndian.Uint32(buf[4:8]),
		SectorsPerChunk: binary.LittleEndian.Uint32(buf[8:12]),
		BytesPerSector:  binary.LittleEndian.Uint32(buf[12:16]),
		TotalSectors:    binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

// rawTableEntry is one decoded 32-bit table entry: offset is the
// segment's table_base_offset plus the entry's low 31 bits, and
// compressed is the entry's high bit.
type rawTableEntry struct {
	offset     uint64
	compressed bool
}

// readTable parses a table/table2 section: entry count u32, 4 padding
// bytes, table base offset u64, 4 checksum bytes, then that many u32
// entries.
func readTable(r io.ReaderAt, descriptorEnd int64) ([]rawTableEntry, error) {
	header := make([]byte, 20)
	if _, err := r.ReadAt(header, descriptorEnd); err != nil {
		return nil, err
	}
	entryCount := binary.LittleEndian.Uint32(header[0:4])
	tableBaseOffset := binary.LittleEndian.Uint64(header[8:16])

	entries := make([]byte, int64(entryCount)*4)
	if _, err := r.ReadAt(entries, descriptorEnd+20); err != nil {
		return nil, err
	}
	out := make([]rawTableEntry, entryCount)
	for i := uint32(0); i < entryCount; i++ {
		raw := binary.LittleEndian.Uint32(entries[i*4 : i*4+4])
		compressed := raw&0x80000000 != 0
		off := uint64(raw & 0x7fffffff)
		out[i] = rawTableEntry{offset: tableBaseOffset + off, compressed: compressed}
	}
	return out, nil
}

// decodeHeaderPayload zlib-inflates a header/header2 section payload and
// parses it into a key->value map: decode as UTF-8, falling back to
// UTF-16LE if that fails; skip a BOM; find the first two tab-bearing
// lines (keys, then values); zip them together.
func decodeHeaderPayload(compressed []byte) (map[string]string, error) {
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}

	text := decodeHeaderText(raw)
	lines := strings.Split(text, "\n")

	var keys, values []string
	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		if !strings.Contains(line, "\t") {
			continue
		}
		if keys == nil {
			keys = strings.Split(line, "\t")
			continue
		}
		values = strings.Split(line, "\t")
		break
	}

	out := make(map[string]string, len(keys))
	for i, k := range keys {
		if i < len(values) {
			out[k] = values[i]
		}
	}
	return out, nil
}

func decodeHeaderText(raw []byte) string {
	if s, ok := tryUTF8(raw); ok {
		return s
	}
	payload := raw
	if len(payload) >= 2 && payload[0] == 0xff && payload[1] == 0xfe {
		payload = payload[2:]
	}
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	decoded, _, err := transform.Bytes(decoder, payload)
	if err != nil {
		return string(raw)
	}
	return string(decoded)
}

func tryUTF8(raw []byte) (string, bool) {
	payload := raw
	payload = bytes.TrimPrefix(payload, []byte{0xef, 0xbb, 0xbf})
	if !isValidUTF8TabSeparated(payload) {
		return "", false
	}
	return string(payload), true
}

// isValidUTF8TabSeparated is a light heuristic: EWF header payloads are
// tab/newline separated ASCII-ish text, so stray NUL bytes (typical of a
// mis-decoded UTF-16LE buffer) indicate this is not the right encoding.
func isValidUTF8TabSeparated(b []byte) bool {
	return bytes.IndexByte(b, 0x00) == -1
}

func sortSegmentPaths(paths []string) {
	sort.Strings(paths)
}
