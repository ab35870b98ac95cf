// Package aff4 implements the AFF4 ImageStream engine: Zip64 container
// discovery, Turtle metadata extraction, binary Map+Idx resolution, and
// per-chunk LZ4 decompression with zero-fill for holes.
package aff4

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"io"
	"os"

	"github.com/forensicxlab/exhume-body-go/body"
)

const (
	eocdSignature       = 0x06054b50
	zip64LocatorSig     = 0x07064b50
	zip64EOCDSignature  = 0x06064b50
	centralDirHeaderSig = 0x02014b50
	localFileHeaderSig  = 0x04034b50

	zip64ExtraTag = 0x0001

	windowSize = 4096
)

// zipEntry is one parsed central-directory record.
type zipEntry struct {
	name             string
	headerOffset     uint64
	compressedSize   uint64
	uncompressedSize uint64
	method           uint16
}

// zipReader holds the parsed central directory of a Zip64 AFF4 volume.
type zipReader struct {
	path    string
	file    *os.File
	entries map[string]*zipEntry
}

func openZip(path string, f *os.File) (*zipReader, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, body.IOErrorf(path, err, "stat AFF4 container")
	}
	eocdOffset, err := findEOCD(f, info.Size())
	if err != nil {
		return nil, err
	}

	zip64Present := eocdOffset >= 20
	var totalEntries uint64
	var cdStart uint64

	if zip64Present {
		locatorOffset := eocdOffset - 20
		locator := make([]byte, 20)
		if _, err := f.ReadAt(locator, locatorOffset); err == nil && binary.LittleEndian.Uint32(locator[0:4]) == zip64LocatorSig {
			zip64EOCDOffset := binary.LittleEndian.Uint64(locator[8:16])
			eocdBuf := make([]byte, 56)
			if _, err := f.ReadAt(eocdBuf, int64(zip64EOCDOffset)); err == nil && binary.LittleEndian.Uint32(eocdBuf[0:4]) == zip64EOCDSignature {
				totalEntries = binary.LittleEndian.Uint64(eocdBuf[32:40])
				cdStart = binary.LittleEndian.Uint64(eocdBuf[48:56])
				zip64Present = true
			} else {
				zip64Present = false
			}
		} else {
			zip64Present = false
		}
	}

	if !zip64Present {
		legacy := make([]byte, 22)
		if _, err := f.ReadAt(legacy, eocdOffset); err != nil {
			return nil, body.IOErrorf(path, err, "reading EOCD record")
		}
		totalEntries = uint64(binary.LittleEndian.Uint16(legacy[10:12]))
		cdStart = uint64(binary.LittleEndian.Uint32(legacy[16:20]))
	}

	entries := make(map[string]*zipEntry, totalEntries)
	offset := int64(cdStart)
	for i := uint64(0); i < totalEntries; i++ {
		entry, next, err := readCentralDirectoryHeader(f, offset)
		if err != nil {
			return nil, body.FormatErrorf(path, "reading central directory entry %d: %v", i, err)
		}
		entries[entry.name] = entry
		offset = next
	}

	return &zipReader{path: path, file: f, entries: entries}, nil
}

// findEOCD scans the file backwards in 4 KiB windows (with a 3-byte
// overlap to catch a signature straddling a window boundary) for the
// last occurrence of the EOCD signature.
func findEOCD(f *os.File, size int64) (int64, error) {
	if size < 22 {
		return 0, body.FormatErrorf("", "file too small to contain a Zip EOCD record")
	}
	sigBytes := []byte{0x50, 0x4b, 0x05, 0x06}
	end := size
	for end > 0 {
		start := end - windowSize
		if start < 0 {
			start = 0
		}
		readStart := start
		if readStart > 0 {
			readStart -= 3
		}
		if readStart < 0 {
			readStart = 0
		}
		buf := make([]byte, end-readStart)
		if _, err := f.ReadAt(buf, readStart); err != nil && err != io.EOF {
			return 0, body.IOErrorf("", err, "scanning for Zip EOCD signature")
		}
		if idx := bytes.LastIndex(buf, sigBytes); idx >= 0 {
			return readStart + int64(idx), nil
		}
		end = start
	}
	return 0, body.FormatErrorf("", "no Zip EOCD signature found")
}

// readCentralDirectoryHeader parses one 46-byte fixed central-directory
// header plus its variable-length name/extra/comment fields, applying
// the Zip64 extra field (tag 0x0001) override for 0xFFFFFFFF sentinels.
func readCentralDirectoryHeader(f *os.File, offset int64) (*zipEntry, int64, error) {
	fixed := make([]byte, 46)
	if _, err := f.ReadAt(fixed, offset); err != nil {
		return nil, 0, err
	}
	if binary.LittleEndian.Uint32(fixed[0:4]) != centralDirHeaderSig {
		return nil, 0, body.FormatErrorf("", "bad central directory signature at %d", offset)
	}
	method := binary.LittleEndian.Uint16(fixed[10:12])
	compressedSize := uint64(binary.LittleEndian.Uint32(fixed[20:24]))
	uncompressedSize := uint64(binary.LittleEndian.Uint32(fixed[24:28]))
	nameLen := binary.LittleEndian.Uint16(fixed[28:30])
	extraLen := binary.LittleEndian.Uint16(fixed[30:32])
	commentLen := binary.LittleEndian.Uint16(fixed[32:34])
	headerOffset := uint64(binary.LittleEndian.Uint32(fixed[42:46]))

	name := make([]byte, nameLen)
	if _, err := f.ReadAt(name, offset+46); err != nil {
		return nil, 0, err
	}
	extra := make([]byte, extraLen)
	if extraLen > 0 {
		if _, err := f.ReadAt(extra, offset+46+int64(nameLen)); err != nil {
			return nil, 0, err
		}
	}

	if compressedSize == 0xffffffff || uncompressedSize == 0xffffffff || headerOffset == 0xffffffff {
		u, c, h, ok := parseZip64Extra(extra, uncompressedSize == 0xffffffff, compressedSize == 0xffffffff, headerOffset == 0xffffffff)
		if ok {
			if uncompressedSize == 0xffffffff {
				uncompressedSize = u
			}
			if compressedSize == 0xffffffff {
				compressedSize = c
			}
			if headerOffset == 0xffffffff {
				headerOffset = h
			}
		}
	}

	next := offset + 46 + int64(nameLen) + int64(extraLen) + int64(commentLen)
	return &zipEntry{
		name:             string(name),
		headerOffset:     headerOffset,
		compressedSize:   compressedSize,
		uncompressedSize: uncompressedSize,
		method:           method,
	}, next, nil
}

// parseZip64Extra reads the Zip64 extra field (tag 0x0001), whose
// 8-byte values are present in the fixed order uncompressed-size,
// compressed-size, header-offset, but only for the fields whose legacy
// 32-bit counterpart was the 0xFFFFFFFF sentinel.
func parseZip64Extra(extra []byte, needUncompressed, needCompressed, needOffset bool) (u, c, h uint64, ok bool) {
	for len(extra) >= 4 {
		tag := binary.LittleEndian.Uint16(extra[0:2])
		size := binary.LittleEndian.Uint16(extra[2:4])
		if int(size) > len(extra)-4 {
			return 0, 0, 0, false
		}
		data := extra[4 : 4+size]
		if tag == zip64ExtraTag {
			pos := 0
			if needUncompressed && pos+8 <= len(data) {
				u = binary.LittleEndian.Uint64(data[pos : pos+8])
				pos += 8
			}
			if needCompressed && pos+8 <= len(data) {
				c = binary.LittleEndian.Uint64(data[pos : pos+8])
				pos += 8
			}
			if needOffset && pos+8 <= len(data) {
				h = binary.LittleEndian.Uint64(data[pos : pos+8])
				pos += 8
			}
			return u, c, h, true
		}
		extra = extra[4+size:]
	}
	return 0, 0, 0, false
}

func (z *zipReader) lookup(name string) (*zipEntry, error) {
	e, ok := z.entries[name]
	if !ok {
		return nil, body.MissingErrorf(z.path, "AFF4 member %q not found", name)
	}
	return e, nil
}

// payloadOffset seeks past a member's 30-byte local file header and
// variable-length name/extra fields to find where its stored bytes
// begin.
func (z *zipReader) payloadOffset(e *zipEntry) (int64, error) {
	fixed := make([]byte, 30)
	if _, err := z.file.ReadAt(fixed, int64(e.headerOffset)); err != nil {
		return 0, body.IOErrorf(z.path, err, "reading local file header for %q", e.name)
	}
	if binary.LittleEndian.Uint32(fixed[0:4]) != localFileHeaderSig {
		return 0, body.FormatErrorf(z.path, "bad local file header signature for %q", e.name)
	}
	nameLen := binary.LittleEndian.Uint16(fixed[26:28])
	extraLen := binary.LittleEndian.Uint16(fixed[28:30])
	return int64(e.headerOffset) + 30 + int64(nameLen) + int64(extraLen), nil
}

// readMember reads and, if necessary, inflates an entire member.
func (z *zipReader) readMember(name string) ([]byte, error) {
	e, err := z.lookup(name)
	if err != nil {
		return nil, err
	}
	payloadOff, err := z.payloadOffset(e)
	if err != nil {
		return nil, err
	}
	compressed := make([]byte, e.compressedSize)
	if _, err := z.file.ReadAt(compressed, payloadOff); err != nil {
		return nil, body.IOErrorf(z.path, err, "reading member %q payload", name)
	}
	switch e.method {
	case 0:
		return compressed, nil
	case 8:
		fr := flate.NewReader(bytes.NewReader(compressed))
		defer fr.Close()
		out := make([]byte, e.uncompressedSize)
		if _, err := io.ReadFull(fr, out); err != nil {
			return nil, body.FormatErrorf(z.path, "inflating member %q: %v", name, err)
		}
		return out, nil
	default:
		return nil, body.UnsupportedErrorf(z.path, "unsupported Zip compression method %d for %q", e.method, name)
	}
}

// readStoreRange is a fast path for stored (method 0) members: reads
// exactly len(buf) bytes at payloadOffset+off, failing if the range
// exceeds the stored payload.
func (z *zipReader) readStoreRange(name string, off int64, buf []byte) error {
	e, err := z.lookup(name)
	if err != nil {
		return err
	}
	if e.method != 0 {
		return body.UnsupportedErrorf(z.path, "member %q is not stored, cannot range-read", name)
	}
	if off+int64(len(buf)) > int64(e.compressedSize) {
		return body.FormatErrorf(z.path, "range read past end of member %q", name)
	}
	payloadOff, err := z.payloadOffset(e)
	if err != nil {
		return err
	}
	if _, err := z.file.ReadAt(buf, payloadOff+off); err != nil {
		return body.IOErrorf(z.path, err, "range-reading member %q", name)
	}
	return nil
}

func (z *zipReader) has(name string) bool {
	_, ok := z.entries[name]
	return ok
}
