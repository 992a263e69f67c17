package stream

import (
	"github.com/cockroachdb/errors"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/memutils"
)

// ErrOutOfSpace is returned when a stream cannot fit a request and has no way to chain to more
// space
var ErrOutOfSpace = errors.New("linear stream is out of space")

// Chainer is implemented by whatever owns a command stream and can replace its buffer with a fresh
// one, linking the two with a jump command. A stream with a chainer never runs out of space for
// requests that fit an empty buffer.
type Chainer interface {
	ChainNextBuffer(requiredSize int) error
}

// LinearStream is an append-only view over one allocation. The usable region ends before a reserved
// tail: the reserve holds the terminating jump or end command and the overfetch region the
// command streamer may read past the last command.
type LinearStream struct {
	alloc *memory.GraphicsAllocation

	used         int
	maxAvailable int
	reserved     int

	chainer Chainer
}

// NewLinearStream creates a stream over alloc. usable bytes are available to GetSpace, and
// reserved bytes following them are only available to GetReservedSpace.
func NewLinearStream(alloc *memory.GraphicsAllocation, usable int, reserved int) *LinearStream {
	s := &LinearStream{}
	s.Replace(alloc, usable, reserved)
	return s
}

// Replace points the stream at a new allocation and resets it to empty
func (s *LinearStream) Replace(alloc *memory.GraphicsAllocation, usable int, reserved int) {
	if alloc != nil && usable+reserved > alloc.Size() {
		panic(errors.Newf("stream region of %d bytes exceeds the %d byte allocation", usable+reserved, alloc.Size()))
	}

	s.alloc = alloc
	s.used = 0
	s.maxAvailable = usable
	s.reserved = reserved

	if alloc != nil && usable+reserved+memutils.OverfetchMarkerSize <= alloc.Size() {
		memutils.WriteMagicValue(alloc.Bytes(), usable+reserved)
	}
}

// SetChainer installs the callback used when a request does not fit
func (s *LinearStream) SetChainer(chainer Chainer) {
	s.chainer = chainer
}

func (s *LinearStream) Allocation() *memory.GraphicsAllocation { return s.alloc }
func (s *LinearStream) Used() int                              { return s.used }
func (s *LinearStream) MaxAvailableSpace() int                 { return s.maxAvailable }

func (s *LinearStream) AvailableSpace() int {
	return s.maxAvailable - s.used
}

// GpuBase is the GPU address of the first byte of the stream
func (s *LinearStream) GpuBase() memory.GpuAddress {
	return s.alloc.GpuAddress()
}

// CurrentGpuAddress is the GPU address the next reserved command will land at
func (s *LinearStream) CurrentGpuAddress() memory.GpuAddress {
	return s.alloc.GpuAddress() + memory.GpuAddress(s.used)
}

// Bytes returns the written portion of the stream
func (s *LinearStream) Bytes() []byte {
	return s.alloc.Bytes()[:s.used]
}

// GetSpace reserves size bytes at the end of the stream. If they do not fit and a chainer is
// installed, the chainer moves the stream to a new buffer first; this happens at most once per
// request.
func (s *LinearStream) GetSpace(size int) ([]byte, error) {
	if size > s.AvailableSpace() {
		if s.chainer == nil {
			return nil, errors.Wrapf(ErrOutOfSpace, "requested %d bytes with %d available", size, s.AvailableSpace())
		}

		err := s.chainer.ChainNextBuffer(size)
		if err != nil {
			return nil, err
		}

		if size > s.AvailableSpace() {
			return nil, errors.Wrapf(ErrOutOfSpace, "requested %d bytes, larger than an empty buffer", size)
		}
	}

	offset := s.used
	s.used += size
	return s.alloc.Bytes()[offset:s.used], nil
}

// GetReservedSpace reserves size bytes that may extend into the reserved tail. It never chains.
func (s *LinearStream) GetReservedSpace(size int) ([]byte, error) {
	if s.used+size > s.maxAvailable+s.reserved {
		return nil, errors.Wrapf(ErrOutOfSpace, "requested %d reserved bytes with %d left", size, s.maxAvailable+s.reserved-s.used)
	}

	offset := s.used
	s.used += size
	return s.alloc.Bytes()[offset:s.used], nil
}

// Rewind moves the end of the stream back to used, discarding everything written after it
func (s *LinearStream) Rewind(used int) {
	if used < 0 || used > s.used {
		panic(errors.Newf("cannot rewind a stream of %d bytes to %d", s.used, used))
	}
	s.used = used
}

// ValidateOverfetch reports whether the marker past the reserved tail is intact. It always succeeds
// unless the debug_zecore build tag is present.
func (s *LinearStream) ValidateOverfetch() bool {
	if s.alloc == nil || s.maxAvailable+s.reserved+memutils.OverfetchMarkerSize > s.alloc.Size() {
		return true
	}
	return memutils.ValidateMagicValue(s.alloc.Bytes(), s.maxAvailable+s.reserved)
}
