// Package mem tracks ownership of physical memory frames.
//
// The page-table format and the frame allocator's internal layout are
// out of scope here, so this package tracks frame ownership and
// refcounting only — never page-table entries or TLB state — exactly
// enough for internal/vm's shared-region broker to detach frames from
// one task and attach them to another.
package mem

import "sync"

// PageSize is the allocation granularity: 4096 bytes, the minimum
// shared-region granularity.
const PageSize = 4096

// Frame is an opaque physical frame number.
type Frame uint64

type frameState struct {
	refcnt int32
	next   uint32 // index of next free frame, or sentinel if none
}

const noNext = ^uint32(0)

// Allocator hands out zeroed physical frames from a free list and
// tracks per-frame reference counts, using a single free-list-of-
// indices with no per-CPU sublists: there is no SMP/affinity model
// here to amortize contention for.
type Allocator struct {
	mu      sync.Mutex
	frames  []frameState
	freeHd  uint32
	freeLen int
}

// NewAllocator creates an allocator with no frames. Call AddRegion to
// seed it with frames before use.
func NewAllocator() *Allocator {
	return &Allocator{freeHd: noNext}
}

// AddRegion appends nframes fresh, free frames, numbered contiguously
// after the frames already under management.
func (a *Allocator) AddRegion(nframes int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	base := uint32(len(a.frames))
	for i := 0; i < nframes; i++ {
		idx := base + uint32(i)
		next := idx + 1
		if i == nframes-1 {
			next = noNext
		}
		a.frames = append(a.frames, frameState{refcnt: 0, next: next})
	}
	if nframes == 0 {
		return
	}
	if a.freeLen == 0 {
		a.freeHd = base
	} else {
		// splice the new range onto the end of the existing free list
		last := a.freeHd
		for a.frames[last].next != noNext {
			last = a.frames[last].next
		}
		a.frames[last].next = base
	}
	a.freeLen += nframes
}

// NumFrames returns the total number of frames under management.
func (a *Allocator) NumFrames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.frames)
}

// FreeCount reports the number of currently unallocated frames.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLen
}

// AllocZeroed allocates n distinct, zeroed frames. Non-contiguous
// physical frames are acceptable. It returns false if fewer than n
// frames are available, rolling back any partial allocation.
func (a *Allocator) AllocZeroed(n int) ([]Frame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > a.freeLen {
		return nil, false
	}
	out := make([]Frame, 0, n)
	for i := 0; i < n; i++ {
		idx := a.freeHd
		a.freeHd = a.frames[idx].next
		a.freeLen--
		a.frames[idx].refcnt = 1
		a.frames[idx].next = 0
		out = append(out, Frame(idx))
	}
	return out, true
}

// Free decrements f's refcount, returning it to the free list once it
// reaches zero.
func (a *Allocator) Free(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := uint32(f)
	st := &a.frames[idx]
	if st.refcnt <= 0 {
		panic("mem: double free of frame")
	}
	st.refcnt--
	if st.refcnt == 0 {
		st.next = a.freeHd
		a.freeHd = idx
		a.freeLen++
	}
}

// Refcnt reports f's current reference count, for tests and invariant
// checks.
func (a *Allocator) Refcnt(f Frame) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.frames[uint32(f)].refcnt)
}
