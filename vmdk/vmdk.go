package vmdk

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/forensicxlab/exhume-body-go/body"
)

func init() {
	body.Register(body.FormatVMDK, func(path string) (body.Engine, error) {
		return New(path)
	})
}

const sectorSize = 512

// Flags used in a sparse extent file header.
const (
	flagUseSecondaryGrainDirectory = 0x00000002
	flagCompressedGrainData        = 0x00010000
)

// SparseHeader is the 80-byte header found at offset 0 of a sparse
// extent, or at end-1024 for stream-optimized extents whose primary
// copy carries a grain directory sector of -1.
type SparseHeader struct {
	Version                       uint32
	Flags                         uint32
	Capacity                      uint64
	GrainSize                     uint64
	EmbeddedDescriptorSector      uint64
	EmbeddedDescriptorSectors     uint64
	GrainTableEntries             uint32
	SecondaryGrainDirectorySector uint64
	GrainDirectorySector          int64
	OverheadSectors               uint64
	Dirty                         bool
	CompressedGrains              bool
}

var sparseMagic = [4]byte{'K', 'D', 'M', 'V'}

func parseSparseHeader(buf []byte) (SparseHeader, error) {
	var h SparseHeader
	if len(buf) < 80 {
		return h, body.FormatErrorf("", "VMDK sparse header too short")
	}
	if buf[0] != sparseMagic[0] || buf[1] != sparseMagic[1] || buf[2] != sparseMagic[2] || buf[3] != sparseMagic[3] {
		return h, body.FormatErrorf("", "invalid VMDK sparse magic number")
	}
	h.Version = binary.LittleEndian.Uint32(buf[4:8])
	h.Flags = binary.LittleEndian.Uint32(buf[8:12])
	h.Capacity = binary.LittleEndian.Uint64(buf[12:20])
	h.GrainSize = binary.LittleEndian.Uint64(buf[20:28])
	h.EmbeddedDescriptorSector = binary.LittleEndian.Uint64(buf[28:36])
	h.EmbeddedDescriptorSectors = binary.LittleEndian.Uint64(buf[36:44])
	h.GrainTableEntries = binary.LittleEndian.Uint32(buf[44:48])
	h.SecondaryGrainDirectorySector = binary.LittleEndian.Uint64(buf[48:56])
	h.GrainDirectorySector = int64(binary.LittleEndian.Uint64(buf[56:64]))
	h.OverheadSectors = binary.LittleEndian.Uint64(buf[64:72])
	h.Dirty = buf[72]&0x01 == 1
	h.CompressedGrains = h.Flags&flagCompressedGrainData == flagCompressedGrainData
	if method := binary.LittleEndian.Uint16(buf[77:79]); h.CompressedGrains && method != 1 {
		return h, body.UnsupportedErrorf("", "unsupported VMDK grain compression method %d", method)
	}
	return h, nil
}

// sparseMetadata is a sparse extent's flattened grain directory: one
// physical sector pointer per grain, 0 meaning unallocated.
type sparseMetadata struct {
	header       SparseHeader
	grainSectors []uint32
}

func readSparseMetadata(f *os.File, h SparseHeader) (*sparseMetadata, error) {
	gdEntryCount := h.Capacity / (uint64(h.GrainTableEntries) * h.GrainSize)
	if h.Capacity%(uint64(h.GrainTableEntries)*h.GrainSize) > 0 {
		gdEntryCount++
	}

	activeGDSector := h.GrainDirectorySector
	if h.Flags&flagUseSecondaryGrainDirectory == flagUseSecondaryGrainDirectory || h.GrainDirectorySector == -1 {
		activeGDSector = int64(h.SecondaryGrainDirectorySector)
	}

	gd := make([]uint32, gdEntryCount)
	buf := make([]byte, gdEntryCount*4)
	if _, err := f.ReadAt(buf, activeGDSector*sectorSize); err != nil {
		return nil, body.IOErrorf("", err, "reading VMDK grain directory")
	}
	for i := range gd {
		gd[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}

	grainSectors := make([]uint32, 0, int(gdEntryCount)*int(h.GrainTableEntries))
	gtBuf := make([]byte, int64(h.GrainTableEntries)*4)
	for _, gtSector := range gd {
		if _, err := f.ReadAt(gtBuf, int64(gtSector)*sectorSize); err != nil {
			return nil, body.IOErrorf("", err, "reading VMDK grain table")
		}
		for i := uint32(0); i < h.GrainTableEntries; i++ {
			grainSectors = append(grainSectors, binary.LittleEndian.Uint32(gtBuf[i*4:i*4+4]))
		}
	}
	return &sparseMetadata{header: h, grainSectors: grainSectors}, nil
}

// extentFile pairs an open extent file with its descriptor and (for
// sparse extents) flattened grain metadata.
type extentFile struct {
	desc   *ExtentDescriptor
	file   *os.File
	sparse *sparseMetadata
}

func (e *extentFile) readAt(buf []byte, relOffset uint64) (int, error) {
	switch e.desc.Type {
	case ExtentFlat, ExtentVmfs:
		n, err := e.file.ReadAt(buf, int64(relOffset))
		if err != nil && err != io.EOF {
			return n, body.IOErrorf("", err, "reading flat VMDK extent")
		}
		return n, nil
	case ExtentZero:
		for i := range buf {
			buf[i] = 0
		}
		return len(buf), nil
	case ExtentSparse:
		return e.readSparse(buf, relOffset)
	default:
		return 0, body.UnsupportedErrorf("", "unsupported VMDK extent type %q", e.desc.Type)
	}
}

func (e *extentFile) readSparse(buf []byte, startOffset uint64) (int, error) {
	h := e.sparse.header
	grainBytes := h.GrainSize * sectorSize
	firstGrain := startOffset / grainBytes
	lastGrain := (startOffset + uint64(len(buf)) + grainBytes - 1) / grainBytes

	read := 0
	for grain := firstGrain; grain < lastGrain && read < len(buf); grain++ {
		if int(grain) >= len(e.sparse.grainSectors) {
			return read, body.FormatErrorf("", "grain directory entry not found: %d", grain)
		}
		sectorPtr := e.sparse.grainSectors[grain]
		remaining := len(buf) - read

		var withinGrain uint64
		if grain == firstGrain {
			withinGrain = startOffset - grain*grainBytes
		}
		chunk := int(grainBytes - withinGrain)
		if chunk > remaining {
			chunk = remaining
		}

		if sectorPtr == 0 {
			for i := 0; i < chunk; i++ {
				buf[read+i] = 0
			}
			read += chunk
			continue
		}

		if !h.CompressedGrains {
			n, err := e.file.ReadAt(buf[read:read+chunk], int64(sectorPtr)*sectorSize+int64(withinGrain))
			if err != nil && err != io.EOF {
				return read, body.IOErrorf("", err, "reading VMDK grain")
			}
			read += n
			continue
		}

		// Compressed grain: a 12-byte marker (sector_number u64,
		// grain_size u32) precedes the Deflate stream.
		marker := make([]byte, 12)
		if _, err := e.file.ReadAt(marker, int64(sectorPtr)*sectorSize); err != nil {
			return read, body.IOErrorf("", err, "reading compressed grain marker")
		}
		compressedLen := binary.LittleEndian.Uint32(marker[8:12])
		compressed := make([]byte, compressedLen)
		if _, err := e.file.ReadAt(compressed, int64(sectorPtr)*sectorSize+12); err != nil {
			return read, body.IOErrorf("", err, "reading compressed grain data")
		}
		zr, err := zlib.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return read, body.FormatErrorf("", "zlib header for grain at sector %d: %v", sectorPtr, err)
		}
		decoded := make([]byte, grainBytes)
		n, _ := io.ReadFull(zr, decoded)
		zr.Close()
		decoded = decoded[:n]

		upper := chunk
		if int(withinGrain)+upper > len(decoded) {
			upper = len(decoded) - int(withinGrain)
		}
		if upper < 0 {
			upper = 0
		}
		copy(buf[read:read+upper], decoded[withinGrain:int(withinGrain)+upper])
		read += upper
		if upper < chunk {
			break
		}
	}
	return read, nil
}

// VMDK is the composite extent-set engine.
type VMDK struct {
	path       string
	descriptor *Descriptor
	extents    []*extentFile
	totalBytes int64
	position   int64
	mu         sync.Mutex
}

// New opens path, detecting whether it is a monolithic sparse file
// (4-byte "KDMV" magic) or a standalone text descriptor.
func New(path string) (*VMDK, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, body.IOErrorf(path, err, "opening VMDK file")
	}
	defer f.Close()

	magic := make([]byte, 4)
	n, _ := f.ReadAt(magic, 0)

	var descriptor *Descriptor
	var selfSparseHeader *SparseHeader

	if n == 4 && bytes.Equal(magic, sparseMagic[:]) {
		headerBuf := make([]byte, 80)
		if _, err := f.ReadAt(headerBuf, 0); err != nil {
			return nil, body.IOErrorf(path, err, "reading VMDK sparse header")
		}
		h, err := parseSparseHeader(headerBuf)
		if err != nil {
			return nil, err
		}
		if h.EmbeddedDescriptorSector == 0 || h.EmbeddedDescriptorSectors == 0 {
			return nil, body.MissingErrorf(path, "no embedded descriptor in sparse VMDK")
		}
		descBuf := make([]byte, h.EmbeddedDescriptorSectors*sectorSize)
		if _, err := f.ReadAt(descBuf, int64(h.EmbeddedDescriptorSector)*sectorSize); err != nil {
			return nil, body.IOErrorf(path, err, "reading embedded VMDK descriptor")
		}
		descriptor, err = ParseDescriptor(string(bytes.TrimRight(descBuf, "\x00")))
		if err != nil {
			return nil, err
		}
		selfSparseHeader = &h
	} else {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, body.IOErrorf(path, err, "reading VMDK descriptor file")
		}
		descriptor, err = ParseDescriptor(string(raw))
		if err != nil {
			return nil, err
		}
	}

	if descriptor.Header.ParentCID != 0xffffffff {
		return nil, body.UnsupportedErrorf(path, "VMDK images with a parent CID are not supported")
	}

	// Implicit start sectors: an extent missing start_sector inherits
	// the end of the previous extent. Unsupported extent encodings are
	// rejected here rather than at first read, so a partially readable
	// engine is never handed out.
	var next uint64
	for _, ext := range descriptor.Extents {
		switch ext.Type {
		case ExtentFlat, ExtentVmfs, ExtentSparse, ExtentZero:
		default:
			return nil, body.UnsupportedErrorf(path, "unsupported VMDK extent type %q", ext.Type)
		}
		if !ext.HasStartSector {
			ext.StartSector = next
			ext.HasStartSector = true
		}
		next = ext.StartSector + ext.SectorCount
	}

	singleSelfExtent := len(descriptor.Extents) == 1 &&
		(descriptor.Header.CreateType == "monolithicSparse" || descriptor.Header.CreateType == "streamOptimized")
	if singleSelfExtent {
		descriptor.Extents[0].FileName = filepath.Base(path)
	}

	v := &VMDK{path: path, descriptor: descriptor}
	dir := filepath.Dir(path)
	for _, ext := range descriptor.Extents {
		// Zero extents have no backing file; they still occupy logical
		// address space and must be resolvable.
		if ext.Type == ExtentZero || ext.FileName == "" {
			v.extents = append(v.extents, &extentFile{desc: ext})
			continue
		}
		extPath := filepath.Join(dir, ext.FileName)
		ef, err := os.Open(extPath)
		if err != nil {
			v.Close()
			return nil, body.IOErrorf(extPath, err, "opening VMDK extent file")
		}
		entry := &extentFile{desc: ext, file: ef}
		v.extents = append(v.extents, entry)
		if ext.Type == ExtentSparse {
			h := selfSparseHeader
			if h == nil || descriptor.Header.CreateType == "streamOptimized" {
				headerBuf := make([]byte, 80)
				readAt := int64(0)
				if h != nil && descriptor.Header.CreateType == "streamOptimized" && h.GrainDirectorySector == -1 {
					info, statErr := ef.Stat()
					if statErr == nil {
						readAt = info.Size() - 1024
					}
				}
				if _, err := ef.ReadAt(headerBuf, readAt); err != nil {
					v.Close()
					return nil, body.IOErrorf(extPath, err, "reading VMDK extent sparse header")
				}
				parsed, err := parseSparseHeader(headerBuf)
				if err != nil {
					v.Close()
					return nil, err
				}
				h = &parsed
			}
			meta, err := readSparseMetadata(ef, *h)
			if err != nil {
				v.Close()
				return nil, err
			}
			entry.sparse = meta
		}
	}

	var totalSectors uint64
	for _, ext := range descriptor.Extents {
		totalSectors += ext.SectorCount
	}
	v.totalBytes = int64(totalSectors) * sectorSize
	return v, nil
}

func (v *VMDK) Read(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	total := 0
	pos := v.position
	for total < len(p) && pos < v.totalBytes {
		ext := v.extentAt(pos)
		if ext == nil {
			break
		}
		startOfExtent := int64(ext.desc.StartSector) * sectorSize
		endOfExtent := int64(ext.desc.StartSector+ext.desc.SectorCount) * sectorSize
		relOffset := pos - startOfExtent
		remainingInExtent := endOfExtent - pos
		remainingInBuf := int64(len(p) - total)
		chunk := remainingInBuf
		if remainingInExtent < chunk {
			chunk = remainingInExtent
		}
		n, err := ext.readAt(p[total:int64(total)+chunk], uint64(relOffset))
		if err != nil {
			return total, err
		}
		total += n
		pos += int64(n)
		if int64(n) < chunk {
			break
		}
	}
	v.position = pos
	return total, nil
}

func (v *VMDK) extentAt(pos int64) *extentFile {
	for _, ext := range v.extents {
		start := int64(ext.desc.StartSector) * sectorSize
		end := int64(ext.desc.StartSector+ext.desc.SectorCount) * sectorSize
		if pos >= start && pos < end {
			return ext
		}
	}
	return nil
}

func (v *VMDK) Seek(offset int64, whence int) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = v.position + offset
	case io.SeekEnd:
		abs = v.totalBytes + offset
	default:
		return 0, &body.InvalidSeekError{Offset: offset}
	}
	if abs < 0 || abs > v.totalBytes {
		return 0, &body.InvalidSeekError{Offset: abs}
	}
	v.position = abs
	return abs, nil
}

func (v *VMDK) ImageSize() int64 { return v.totalBytes }

func (v *VMDK) SectorSize() uint32 { return sectorSize }

func (v *VMDK) Description() string {
	return "vmdk (" + v.descriptor.Header.CreateType + ")"
}

func (v *VMDK) Close() error {
	var firstErr error
	for _, e := range v.extents {
		if e.file == nil {
			continue
		}
		if err := e.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Clone reopens every extent file, preserving the already-computed grain
// metadata (immutable after construction, shared by reference).
func (v *VMDK) Clone() (body.Engine, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	clone := &VMDK{path: v.path, descriptor: v.descriptor, totalBytes: v.totalBytes, position: v.position}
	dir := filepath.Dir(v.path)
	for _, e := range v.extents {
		if e.file == nil {
			clone.extents = append(clone.extents, &extentFile{desc: e.desc})
			continue
		}
		extPath := filepath.Join(dir, e.desc.FileName)
		f, err := os.Open(extPath)
		if err != nil {
			clone.Close()
			return nil, body.IOErrorf(extPath, err, "cloning VMDK extent handle")
		}
		clone.extents = append(clone.extents, &extentFile{desc: e.desc, file: f, sparse: e.sparse})
	}
	return clone, nil
}
