// Package body implements the format-agnostic dispatcher described in
// exhume-body-go: it autodetects or honors an explicit disk-image
// container format and exposes a single seekable, byte-addressable
// stream over whichever engine backs the file.
package body

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Format names one of the closed set of container formats this module
// understands.
type Format string

const (
	FormatAuto Format = "auto"
	FormatRaw  Format = "raw"
	FormatEWF  Format = "ewf"
	FormatVMDK Format = "vmdk"
	FormatAFF4 Format = "aff4"
)

// Engine is implemented by each format translator (raw, ewf, vmdk, aff4).
// The dispatcher holds its engine as a value of this interface and calls
// it through dynamic dispatch; engines are found through the constructor
// registry below, not through a closed sum type, so the set of formats is
// whatever has been passed to Register.
type Engine interface {
	io.Reader
	io.Seeker
	ImageSize() int64
	SectorSize() uint32
	Description() string
	Clone() (Engine, error)
	Close() error
}

// Constructor opens path and returns a ready-to-use Engine, or a
// construction error (always IO, Format, Unsupported, or Missing).
type Constructor func(path string) (Engine, error)

// registry is populated by each format package's init() via Register, so
// that body itself never imports raw/ewf/vmdk/aff4 directly and there is
// no import cycle between the dispatcher and its engines.
var registry = map[Format]Constructor{}

// Register associates a Format with its Constructor. Called from the
// init() of each engine package (raw, ewf, vmdk, aff4).
func Register(f Format, c Constructor) {
	registry[f] = c
}

// probeOrder is the fixed autodetection sequence: try EWF, then VMDK,
// then AFF4, then RAW; first success wins. RAW accepts anything, so it
// must come last.
var probeOrder = []Format{FormatEWF, FormatVMDK, FormatAFF4, FormatRaw}

// Body is the dispatcher facade over one live Engine, remembering the
// Format it was opened as.
type Body struct {
	path   string
	format Format
	engine Engine
}

// Open constructs a Body for path. format selects a specific engine, or
// FormatAuto to probe each constructor in probeOrder until one succeeds.
// An explicit format whose construction fails is a fatal error; auto
// mode reports only the last probe's error if every probe fails.
func Open(path string, format Format) (*Body, error) {
	if format != FormatAuto {
		ctor, ok := registry[format]
		if !ok {
			return nil, FormatErrorf(path, "unknown format %q", format)
		}
		engine, err := ctor(path)
		if err != nil {
			return nil, err
		}
		return &Body{path: path, format: format, engine: engine}, nil
	}

	var lastErr error
	for _, f := range probeOrder {
		ctor, ok := registry[f]
		if !ok {
			continue
		}
		engine, err := ctor(path)
		if err != nil {
			logrus.WithFields(logrus.Fields{"format": f, "path": path}).
				WithError(err).Debug("format probe rejected")
			lastErr = err
			continue
		}
		logrus.WithFields(logrus.Fields{"format": f, "path": path}).Debug("format probe accepted")
		return &Body{path: path, format: f, engine: engine}, nil
	}
	if lastErr == nil {
		lastErr = FormatErrorf(path, "no registered format could open the image")
	}
	return nil, lastErr
}

// OpenAt constructs a Body exactly like Open, then seeks to the given
// absolute offset. An out-of-range offset is a fatal error and no Body
// is returned.
func OpenAt(path string, format Format, offset int64) (*Body, error) {
	b, err := Open(path, format)
	if err != nil {
		return nil, err
	}
	if _, err := b.Seek(offset, io.SeekStart); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Body) Read(p []byte) (int, error) { return b.engine.Read(p) }

func (b *Body) Seek(offset int64, whence int) (int64, error) { return b.engine.Seek(offset, whence) }

func (b *Body) ImageSize() int64 { return b.engine.ImageSize() }

func (b *Body) SectorSize() uint32 { return b.engine.SectorSize() }

// Description returns a short human-readable name of the resolved
// format, e.g. "ewf" or "vmdk (monolithicSparse)".
func (b *Body) Description() string { return b.engine.Description() }

// Format reports the tagged variant actually resolved at construction
// time, useful after an auto-detected Open.
func (b *Body) Format() Format { return b.format }

func (b *Body) Path() string { return b.path }

// Engine exposes the live engine, e.g. for wrapping in a Slice.
func (b *Body) Engine() Engine { return b.engine }

func (b *Body) Close() error { return b.engine.Close() }

// Clone returns an independent Body sharing the same format and
// immutable metadata but with a duplicated file descriptor and its own
// cursor.
func (b *Body) Clone() (*Body, error) {
	engine, err := b.engine.Clone()
	if err != nil {
		return nil, err
	}
	return &Body{path: b.path, format: b.format, engine: engine}, nil
}
