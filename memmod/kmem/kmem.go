// Package kmem describes the kernel memory the module loader places images
// into, and provides two allocators: a simulated kernel heap living at a fixed
// virtual base, and an mmap-backed arena for running images on the host.
package kmem

import (
	"errors"

	"golang.org/x/exp/constraints"
)

var (
	ErrOutOfMemory = errors.New("out of memory")
	ErrBadFree     = errors.New("free of unknown block")
	ErrBadAlign    = errors.New("alignment is not a power of two")
)

// Block is a contiguous region handed out by an Allocator. Addr is the
// runtime address of Mem[0].
type Block struct {
	Addr uint64
	Mem  []byte
}

// Size returns the length of the block in bytes.
func (b *Block) Size() uint64 {
	return uint64(len(b.Mem))
}

// Contains reports whether [addr, addr+n) lies inside the block.
func (b *Block) Contains(addr, n uint64) bool {
	if addr < b.Addr {
		return false
	}
	off := addr - b.Addr
	return off <= b.Size() && n <= b.Size()-off
}

// Slice returns the n bytes of the block starting at runtime address addr.
func (b *Block) Slice(addr, n uint64) ([]byte, bool) {
	if !b.Contains(addr, n) {
		return nil, false
	}
	off := addr - b.Addr
	return b.Mem[off : off+n : off+n], true
}

// Allocator is the byte-addressable allocator the loader borrows memory
// from. Every block returned by Alloc is handed back through Free exactly
// once.
type Allocator interface {
	Alloc(size, align uint64) (*Block, error)
	Free(b *Block) error
}

// Align rounds a up to a multiple of b, which must be a power of two.
// A zero b leaves a unchanged.
func Align[I constraints.Integer](a, b I) I {
	if b == 0 {
		return a
	}
	return (a + b - 1) &^ (b - 1)
}

// IsPow2 reports whether v is a power of two.
func IsPow2[I constraints.Integer](v I) bool {
	return v > 0 && v&(v-1) == 0
}
