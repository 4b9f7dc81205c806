// Package vm tracks the shared-memory regions mapped into one task's
// address space.
//
// It tracks exactly what the shared-region broker needs: a virtual
// range, which physical frames back it, and support for detaching it
// from one space and attaching it into another. Copy-on-write,
// file-backed mappings and page-fault handling all depend on a
// concrete page-table format, which is out of scope here, so none of
// that survives in this package.
package vm

import (
	"fmt"
	"sync"

	"rvkernel/internal/mem"
)

// Flags mirror the mapping permission bits a channel region needs.
type Flags uint8

const (
	Read Flags = 1 << iota
	Write
	User
	Valid
)

// ChannelFlags is the fixed flag set used for every channel region:
// always READ|WRITE|USER|VALID.
const ChannelFlags = Read | Write | User | Valid

// Range describes a mapped virtual address range: NPages pages starting
// at Start.
type Range struct {
	Start  uintptr
	NPages int
}

// End returns the address just past the range.
func (r Range) End() uintptr { return r.Start + uintptr(r.NPages)*mem.PageSize }

type region struct {
	frames []mem.Frame
	flags  Flags
}

// Space is one task's address space, restricted to the shared-region
// bookkeeping the broker needs.
type Space struct {
	mu     sync.Mutex
	alloc  *mem.Allocator
	next   uintptr
	byAddr map[uintptr]*region
}

// NewSpace creates an address space backed by alloc, choosing virtual
// addresses starting at base.
func NewSpace(alloc *mem.Allocator, base uintptr) *Space {
	return &Space{
		alloc:  alloc,
		next:   base,
		byAddr: make(map[uintptr]*region),
	}
}

func (s *Space) reserve(npages int) uintptr {
	start := s.next
	s.next += uintptr(npages) * mem.PageSize
	return start
}

// AllocShared allocates n zeroed pages in this space with the given
// flags and records the mapping.
func (s *Space) AllocShared(n int, flags Flags) (Range, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames, ok := s.alloc.AllocZeroed(n)
	if !ok {
		return Range{}, false
	}
	start := s.reserve(n)
	s.byAddr[start] = &region{frames: frames, flags: flags}
	return Range{Start: start, NPages: n}, true
}

// Detach removes the mapping starting at start and returns its backing
// frames. It requires that exactly one mapping exists for this
// backing; detaching an unknown address is an error.
func (s *Space) Detach(start uintptr) ([]mem.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byAddr[start]
	if !ok {
		return nil, fmt.Errorf("vm: no mapping at %#x", start)
	}
	delete(s.byAddr, start)
	return r.frames, nil
}

// AttachShared installs frames into this space at a freshly chosen
// virtual address with the given flags. Between a Detach and its
// matching AttachShared, the kernel holds frames with no
// user-accessible mapping anywhere, which is the broker's correctness
// guarantee.
func (s *Space) AttachShared(frames []mem.Frame, flags Flags) Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.reserve(len(frames))
	s.byAddr[start] = &region{frames: frames, flags: flags}
	return Range{Start: start, NPages: len(frames)}
}

// Dealloc removes the mapping at start and releases its backing
// frames.
func (s *Space) Dealloc(start uintptr) error {
	frames, err := s.Detach(start)
	if err != nil {
		return err
	}
	for _, f := range frames {
		s.alloc.Free(f)
	}
	return nil
}

// FreeFrames releases frames directly back to the allocator without
// touching any mapping. Used when a message's destination task has
// died or vanished between detach and attach, so the backing has no
// mapping to tear down — only ownership to release.
func (s *Space) FreeFrames(frames []mem.Frame) {
	for _, f := range frames {
		s.alloc.Free(f)
	}
}

// Lookup reports whether start is currently a mapped region in this
// space, and if so its extent. Used only by tests and invariant checks.
func (s *Space) Lookup(start uintptr) (Range, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byAddr[start]
	if !ok {
		return Range{}, false
	}
	return Range{Start: start, NPages: len(r.frames)}, true
}
