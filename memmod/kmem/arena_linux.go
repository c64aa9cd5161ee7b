//go:build linux

package kmem

import (
	"fmt"
	"math"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Arena hands out anonymous read/write/execute mappings, one per block, so
// placed images can be entered on the host.
type Arena struct {
	mu       sync.Mutex
	pageSize uint64
	live     map[uint64][]byte
}

// NewArena returns an mmap-backed allocator.
func NewArena() (*Arena, error) {
	return &Arena{
		pageSize: uint64(unix.Getpagesize()),
		live:     make(map[uint64][]byte),
	}, nil
}

func (a *Arena) Alloc(size, align uint64) (*Block, error) {
	if align != 0 && !IsPow2(align) {
		return nil, fmt.Errorf("arena alloc align=%d: %w", align, ErrBadAlign)
	}
	if align > a.pageSize {
		return nil, fmt.Errorf("arena alloc align=%d exceeds page size %d: %w", align, a.pageSize, ErrBadAlign)
	}
	length := Align(size, a.pageSize)
	if length == 0 {
		length = a.pageSize
	}
	if length < size || length > uint64(math.MaxInt) {
		return nil, fmt.Errorf("arena alloc %d bytes: %w", size, ErrOutOfMemory)
	}

	mapping, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %v: %w", length, err, ErrOutOfMemory)
	}
	addr := uint64(uintptr(unsafe.Pointer(&mapping[0])))

	a.mu.Lock()
	a.live[addr] = mapping
	a.mu.Unlock()

	return &Block{Addr: addr, Mem: mapping[:size:size]}, nil
}

func (a *Arena) Free(b *Block) error {
	if b == nil {
		return ErrBadFree
	}
	a.mu.Lock()
	mapping, ok := a.live[b.Addr]
	if ok {
		delete(a.live, b.Addr)
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("arena free %#x: %w", b.Addr, ErrBadFree)
	}
	if err := unix.Munmap(mapping); err != nil {
		return fmt.Errorf("munmap %#x: %w", b.Addr, err)
	}
	return nil
}

// InUse returns the number of live mappings.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}
