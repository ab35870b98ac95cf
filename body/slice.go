package body

import "io"

// Slice presents a bounded window [start, start+length) of an owner
// Engine as an independent seekable stream. It gives partition parsers
// and other downstream tools a partition-local view without
// re-implementing offset arithmetic on top of a raw Body.
type Slice struct {
	owner  Engine
	start  int64
	length int64
	pos    int64
}

// NewSlice wraps owner in a bounded view. owner is used directly (not
// cloned); callers that need the owner to keep its own cursor should
// clone it first via owner.Clone().
func NewSlice(owner Engine, start, length int64) *Slice {
	return &Slice{owner: owner, start: start, length: length}
}

func (s *Slice) Read(p []byte) (int, error) {
	if s.pos >= s.length {
		return 0, nil
	}
	max := s.length - s.pos
	if int64(len(p)) > max {
		p = p[:max]
	}
	if _, err := s.owner.Seek(s.start+s.pos, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := s.owner.Read(p)
	s.pos += int64(n)
	return n, err
}

func (s *Slice) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		abs = s.length + offset
	default:
		return 0, &InvalidSeekError{Offset: offset}
	}
	if abs < 0 || abs > s.length {
		return 0, &InvalidSeekError{Offset: abs}
	}
	s.pos = abs
	return abs, nil
}

func (s *Slice) ImageSize() int64 { return s.length }

func (s *Slice) SectorSize() uint32 { return s.owner.SectorSize() }

func (s *Slice) Description() string { return "slice of " + s.owner.Description() }

func (s *Slice) Close() error { return nil }

// Clone deep-clones the owner (duplicating its file descriptors) and
// replays the current cursor onto the new slice.
func (s *Slice) Clone() (Engine, error) {
	owner, err := s.owner.Clone()
	if err != nil {
		return nil, err
	}
	return &Slice{owner: owner, start: s.start, length: s.length, pos: s.pos}, nil
}
