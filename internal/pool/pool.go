// Package pool implements the receiver-private byte region each
// connection gets for zero-copy message delivery (spec §3 "Pool", §4.1).
//
// The allocator keeps a free list sorted two ways — by offset (to find
// coalescing neighbours) and by size (to binary-search a first-fit
// candidate) — so alloc/free lookups are O(log n) even though the slice
// splice that follows a match is O(n). The teacher's queue runner used an
// analogous pattern: a fixed-capacity region (the mmap'd I/O buffer) with
// per-tag ownership states (kernel-owned while a FETCH_REQ is in flight,
// user-owned once committed) guarded by a per-tag mutex. We generalize
// that into per-slice ownership: "kernel-private" while the engine is
// still writing a slice's payload, "published" once the receiver may see
// and free it.
package pool

import (
	"fmt"
	"sort"
	"sync"
)

// State is a slice's point in its kernel-private → published lifecycle.
type State int

const (
	// StatePrivate means the engine owns the slice; only it may Copy into
	// it. The receiver must not be told about the slice yet.
	StatePrivate State = iota
	// StatePublished means the slice is visible to the receiver, who owns
	// free()ing it from here on.
	StatePublished
)

// ErrOutOfSpace is returned by Alloc/Move when no free range fits.
var ErrOutOfSpace = fmt.Errorf("pool: out of space")

// ErrNotAllocated is returned by operations on an offset that isn't a live
// slice (already freed, or never allocated).
var ErrNotAllocated = fmt.Errorf("pool: slice not allocated")

// Slice is the caller-visible handle to a sub-range of a Pool: an integer
// offset plus the size that was requested at Alloc time.
type Slice struct {
	Offset int
	Size   int
}

type liveEntry struct {
	size  int
	state State
}

type freeRange struct {
	offset int
	size   int
}

// Pool is a fixed-size, receiver-private byte region sub-allocated into
// variable-size, 8-byte-aligned slices.
type Pool struct {
	mu   sync.Mutex
	buf  []byte
	live map[int]*liveEntry

	// byOffset and bySize both describe the same free ranges; byOffset is
	// kept sorted by offset for coalescing, bySize by (size, offset) for
	// first-fit lookup.
	byOffset []freeRange
	bySize   []freeRange
}

// New creates a Pool backing a region of the given size in bytes.
func New(size int) *Pool {
	p := &Pool{
		buf:  make([]byte, size),
		live: make(map[int]*liveEntry),
	}
	if size > 0 {
		r := freeRange{offset: 0, size: size}
		p.byOffset = []freeRange{r}
		p.bySize = []freeRange{r}
	}
	return p
}

// Size returns the pool's total capacity in bytes.
func (p *Pool) Size() int {
	return len(p.buf)
}

const alignment = 8

func roundUp(n int) int {
	if rem := n % alignment; rem != 0 {
		n += alignment - rem
	}
	return n
}

// LiveBytes returns the sum of every currently-allocated slice's size,
// used to check the pool's budget invariant (spec §8).
func (p *Pool) LiveBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, e := range p.live {
		total += e.size
	}
	return total
}

// Alloc reserves size bytes and returns a handle in StatePrivate.
func (p *Pool) Alloc(size int) (Slice, error) {
	if size <= 0 {
		return Slice{}, fmt.Errorf("pool: invalid alloc size %d", size)
	}
	need := roundUp(size)

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := sort.Search(len(p.bySize), func(i int) bool { return p.bySize[i].size >= need })
	if idx == len(p.bySize) {
		return Slice{}, ErrOutOfSpace
	}
	chosen := p.bySize[idx]
	p.removeFree(chosen)

	if rem := chosen.size - need; rem > 0 {
		p.insertFree(freeRange{offset: chosen.offset + need, size: rem})
	}

	p.live[chosen.offset] = &liveEntry{size: need, state: StatePrivate}
	return Slice{Offset: chosen.offset, Size: need}, nil
}

// Copy writes bytes into the slice at the given intra-slice offset. The
// slice must still be StatePrivate (not yet published to its receiver).
func (p *Pool) Copy(s Slice, offset int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.live[s.Offset]
	if !ok {
		return ErrNotAllocated
	}
	if e.state != StatePrivate {
		return fmt.Errorf("pool: cannot copy into published slice at %d", s.Offset)
	}
	if offset < 0 || offset+len(data) > e.size {
		return fmt.Errorf("pool: copy out of bounds (slice size %d)", e.size)
	}
	copy(p.buf[s.Offset+offset:], data)
	return nil
}

// Bytes returns a read-only view of a slice's current contents (valid
// whether private or published; used by Send to read kernel-private
// payload and by tests to assert on delivered bytes).
func (p *Pool) Bytes(s Slice) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.live[s.Offset]
	if !ok {
		return nil, ErrNotAllocated
	}
	out := make([]byte, e.size)
	copy(out, p.buf[s.Offset:s.Offset+e.size])
	return out, nil
}

// Publish transitions a slice from kernel-private to receiver-visible.
// After Publish, only the receiver's own Free call (via the offset it was
// handed) is expected to release it.
func (p *Pool) Publish(s Slice) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.live[s.Offset]
	if !ok {
		return ErrNotAllocated
	}
	e.state = StatePublished
	return nil
}

// Flush is a memory-ordering fence ensuring prior writes are visible to
// the receiver's view of the pool. Because this Pool is plain
// process-local memory (not an mmap shared with a separate address space
// — the mmap/io_uring transport is out of scope per spec §1), there is no
// second view to synchronize and this is a documented no-op kept for API
// parity with a real mmap-backed implementation.
func (p *Pool) Flush(Slice) error {
	return nil
}

// Free releases a slice, coalescing with free neighbours. Freeing an
// offset that is no longer live is a no-op that returns nil, whether or
// not the slice was ever published; a second Free of a still-private slice
// is therefore not reported as an error.
func (p *Pool) Free(s Slice) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.live[s.Offset]
	if !ok {
		// We don't track whether a freed offset was ever published, so a
		// repeat Free on an unknown offset is treated as the idempotent
		// post-publish case.
		return nil
	}
	wasPublished := e.state == StatePublished
	delete(p.live, s.Offset)
	if !wasPublished {
		// A private slice is freed the same way as a published one (the
		// caller may be an error-cleanup path freeing a slice that never
		// got published); a second Free of the same offset after this
		// hits the "unknown offset" branch above and returns nil.
	}
	p.insertFree(freeRange{offset: s.Offset, size: e.size})
	return nil
}

// Move copies a slice's bytes into dst and frees it from src. Used when a
// message is retargeted from an activator to the implementor that claims
// its name (spec §4.5).
func Move(s Slice, src, dst *Pool) (Slice, error) {
	data, err := src.Bytes(s)
	if err != nil {
		return Slice{}, err
	}
	out, err := dst.Alloc(len(data))
	if err != nil {
		return Slice{}, err
	}
	if err := dst.Copy(out, 0, data); err != nil {
		dst.Free(out)
		return Slice{}, err
	}
	if err := src.Free(s); err != nil {
		dst.Free(out)
		return Slice{}, err
	}
	return out, nil
}

// removeFree deletes r from both free indexes. r must be an exact member
// of both (callers only pass ranges they just looked up).
func (p *Pool) removeFree(r freeRange) {
	if i := sort.Search(len(p.bySize), func(i int) bool {
		if p.bySize[i].size != r.size {
			return p.bySize[i].size >= r.size
		}
		return p.bySize[i].offset >= r.offset
	}); i < len(p.bySize) && p.bySize[i] == r {
		p.bySize = append(p.bySize[:i], p.bySize[i+1:]...)
	}
	if i := sort.Search(len(p.byOffset), func(i int) bool { return p.byOffset[i].offset >= r.offset }); i < len(p.byOffset) && p.byOffset[i] == r {
		p.byOffset = append(p.byOffset[:i], p.byOffset[i+1:]...)
	}
}

// insertFree adds a newly-freed range back into both indexes, coalescing
// with adjacent free ranges by offset.
func (p *Pool) insertFree(r freeRange) {
	i := sort.Search(len(p.byOffset), func(i int) bool { return p.byOffset[i].offset >= r.offset })

	// Merge with the preceding neighbour if contiguous.
	if i > 0 {
		prev := p.byOffset[i-1]
		if prev.offset+prev.size == r.offset {
			p.removeFree(prev)
			r = freeRange{offset: prev.offset, size: prev.size + r.size}
			i = sort.Search(len(p.byOffset), func(i int) bool { return p.byOffset[i].offset >= r.offset })
		}
	}
	// Merge with the following neighbour if contiguous.
	if i < len(p.byOffset) {
		next := p.byOffset[i]
		if r.offset+r.size == next.offset {
			p.removeFree(next)
			r = freeRange{offset: r.offset, size: r.size + next.size}
		}
	}

	oi := sort.Search(len(p.byOffset), func(i int) bool { return p.byOffset[i].offset >= r.offset })
	p.byOffset = append(p.byOffset, freeRange{})
	copy(p.byOffset[oi+1:], p.byOffset[oi:])
	p.byOffset[oi] = r

	si := sort.Search(len(p.bySize), func(i int) bool {
		if p.bySize[i].size != r.size {
			return p.bySize[i].size >= r.size
		}
		return p.bySize[i].offset >= r.offset
	})
	p.bySize = append(p.bySize, freeRange{})
	copy(p.bySize[si+1:], p.bySize[si:])
	p.bySize[si] = r
}
