package kmem

import (
	"fmt"
	"sync"
)

const (
	// HeapAlignment is the minimum alignment and size granularity of heap
	// allocations.
	HeapAlignment = 16

	DefaultHeapBase = 0xffffffff80400000
	DefaultHeapSize = 4 << 20
)

// heapSegment is one run of the heap, either handed out or free. Segments
// are kept sorted by offset and together cover the whole heap.
type heapSegment struct {
	off       uint64
	size      uint64
	allocated bool
}

// Heap is a best-fit block allocator over a fixed region that pretends to
// live at virtual address base. Segment bookkeeping is kept outside the
// managed bytes, so the first allocation of an empty heap starts exactly at
// base.
type Heap struct {
	mu    sync.Mutex
	base  uint64
	mem   []byte
	segs  []heapSegment
	inUse int
}

// NewHeap returns a heap of size bytes whose first byte has runtime address
// base.
func NewHeap(base, size uint64) *Heap {
	size = size &^ (HeapAlignment - 1)
	return &Heap{
		base: base,
		mem:  make([]byte, size),
		segs: []heapSegment{{off: 0, size: size}},
	}
}

// Base returns the runtime address of the first heap byte.
func (h *Heap) Base() uint64 {
	return h.base
}

// Alloc hands out size bytes whose runtime address is a multiple of align.
// The returned memory is not zeroed.
func (h *Heap) Alloc(size, align uint64) (*Block, error) {
	if align < HeapAlignment {
		align = HeapAlignment
	}
	if !IsPow2(align) {
		return nil, fmt.Errorf("heap alloc align=%d: %w", align, ErrBadAlign)
	}
	if size == 0 {
		size = HeapAlignment
	}
	rounded := Align(size, HeapAlignment)
	if rounded < size {
		return nil, fmt.Errorf("heap alloc %d bytes: %w", size, ErrOutOfMemory)
	}
	size = rounded

	h.mu.Lock()
	defer h.mu.Unlock()

	best := -1
	var bestStart, bestDiff uint64
	for i, seg := range h.segs {
		if seg.allocated {
			continue
		}
		start := Align(h.base+seg.off, align) - h.base
		pad := start - seg.off
		if pad > seg.size || size > seg.size-pad {
			continue
		}
		diff := seg.size - pad - size
		if best < 0 || diff < bestDiff {
			best, bestStart, bestDiff = i, start, diff
		}
	}
	if best < 0 {
		return nil, fmt.Errorf("heap alloc %d bytes: %w", size, ErrOutOfMemory)
	}

	seg := h.segs[best]
	split := make([]heapSegment, 0, 3)
	if pad := bestStart - seg.off; pad > 0 {
		split = append(split, heapSegment{off: seg.off, size: pad})
	}
	split = append(split, heapSegment{off: bestStart, size: size, allocated: true})
	if bestDiff > 0 {
		split = append(split, heapSegment{off: bestStart + size, size: bestDiff})
	}
	h.segs = append(h.segs[:best], append(split, h.segs[best+1:]...)...)
	h.inUse++

	return &Block{
		Addr: h.base + bestStart,
		Mem:  h.mem[bestStart : bestStart+size : bestStart+size],
	}, nil
}

// Free returns b to the heap and merges it with free neighbours.
func (h *Heap) Free(b *Block) error {
	if b == nil || b.Addr < h.base {
		return ErrBadFree
	}
	off := b.Addr - h.base

	h.mu.Lock()
	defer h.mu.Unlock()

	idx := -1
	for i, seg := range h.segs {
		if seg.off == off && seg.allocated {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("heap free %#x: %w", b.Addr, ErrBadFree)
	}
	h.segs[idx].allocated = false
	h.inUse--

	if idx+1 < len(h.segs) && !h.segs[idx+1].allocated {
		h.segs[idx].size += h.segs[idx+1].size
		h.segs = append(h.segs[:idx+1], h.segs[idx+2:]...)
	}
	if idx > 0 && !h.segs[idx-1].allocated {
		h.segs[idx-1].size += h.segs[idx].size
		h.segs = append(h.segs[:idx], h.segs[idx+1:]...)
	}
	return nil
}

// InUse returns the number of blocks currently handed out.
func (h *Heap) InUse() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inUse
}

// FreeBytes returns the total size of all free segments.
func (h *Heap) FreeBytes() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n uint64
	for _, seg := range h.segs {
		if !seg.allocated {
			n += seg.size
		}
	}
	return n
}

// Segments returns the number of segments the heap is split into.
func (h *Heap) Segments() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.segs)
}

// Peek returns up to n heap bytes starting at runtime address addr, cut
// short at the end of the heap.
func (h *Heap) Peek(addr, n uint64) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if addr < h.base || addr-h.base >= uint64(len(h.mem)) {
		return nil, false
	}
	off := addr - h.base
	end := min(off+n, uint64(len(h.mem)))
	return h.mem[off:end], true
}
