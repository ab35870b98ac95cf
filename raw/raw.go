// Package raw implements the trivial pass-through engine: a raw disk
// dump read byte-for-byte from a single file.
package raw

import (
	"io"
	"os"
	"sync"

	"github.com/forensicxlab/exhume-body-go/body"
)

func init() {
	body.Register(body.FormatRaw, func(path string) (body.Engine, error) {
		return New(path)
	})
}

// RAW is a thin, clonable wrapper around an *os.File.
type RAW struct {
	path string
	file *os.File
	size int64
	mu   sync.Mutex
}

// New opens path and stats it to learn the image size. Unlike the other
// engines, RAW never fails to "detect" a format: any readable file is a
// valid raw image, so New only fails on an OS-level open/stat error.
func New(path string) (*RAW, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, body.IOErrorf(path, err, "opening raw image")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, body.IOErrorf(path, err, "stat raw image")
	}
	return &RAW{path: path, file: f, size: info.Size()}, nil
}

func (r *RAW) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.file.Read(p)
	if err == io.EOF {
		return n, nil
	}
	return n, err
}

func (r *RAW) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		cur, err := r.file.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, err
		}
		abs = cur + offset
	case io.SeekEnd:
		abs = r.size + offset
	default:
		return 0, &body.InvalidSeekError{Offset: offset}
	}
	if abs < 0 || abs > r.size {
		return 0, &body.InvalidSeekError{Offset: abs}
	}
	return r.file.Seek(abs, io.SeekStart)
}

func (r *RAW) ImageSize() int64 { return r.size }

func (r *RAW) SectorSize() uint32 { return 512 }

func (r *RAW) Description() string { return "raw" }

func (r *RAW) Close() error { return r.file.Close() }

// Clone opens a new file descriptor on the same path so the returned RAW
// has an independent cursor, replayed to the current position.
// Reopening by path (rather than dup(2)'ing the fd) keeps this portable
// and avoids reaching for syscall.
func (r *RAW) Clone() (body.Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.Open(r.path)
	if err != nil {
		return nil, body.IOErrorf(r.path, err, "cloning raw file handle")
	}
	if cur, err := r.file.Seek(0, io.SeekCurrent); err == nil {
		if _, err := f.Seek(cur, io.SeekStart); err != nil {
			f.Close()
			return nil, body.IOErrorf(r.path, err, "replaying cursor on clone")
		}
	}
	return &RAW{path: r.path, file: f, size: r.size}, nil
}
