package kmodld

import (
	"fmt"

	"github.com/sliverarmory/kmodld/memmod"
	"github.com/sliverarmory/kmodld/memmod/kmem"
)

// AllocatorKind selects where images are placed.
type AllocatorKind string

const (
	// AllocatorHeap places images in a simulated kernel heap. Hooks are not
	// called on real hardware; the loader logs them instead.
	AllocatorHeap AllocatorKind = "heap"
	// AllocatorArena places images in executable host memory and calls
	// hooks for real.
	AllocatorArena AllocatorKind = "arena"
)

// Config holds the loader settings the command line exposes.
type Config struct {
	MaxModules int
	Allocator  AllocatorKind
	HeapBase   uint64
	HeapSize   uint64
}

func DefaultConfig() Config {
	return Config{
		MaxModules: DefaultMaxModules,
		Allocator:  AllocatorHeap,
		HeapBase:   kmem.DefaultHeapBase,
		HeapSize:   kmem.DefaultHeapSize,
	}
}

// Options turns the config into loader options, creating the allocator.
func (c Config) Options() ([]Option, error) {
	opts := []Option{WithMaxModules(c.MaxModules)}
	switch c.Allocator {
	case AllocatorHeap, "":
		if c.HeapSize == 0 {
			return nil, fmt.Errorf("kmodld: config: heap size is zero")
		}
		if c.HeapBase%kmem.HeapAlignment != 0 {
			return nil, fmt.Errorf("kmodld: config: heap base %#x not %d-byte aligned", c.HeapBase, kmem.HeapAlignment)
		}
		opts = append(opts, WithAllocator(kmem.NewHeap(c.HeapBase, c.HeapSize)))
	case AllocatorArena:
		arena, err := kmem.NewArena()
		if err != nil {
			return nil, fmt.Errorf("kmodld: config: %w", err)
		}
		opts = append(opts, WithAllocator(arena), WithInvoker(memmod.HostInvoker{}))
	default:
		return nil, fmt.Errorf("kmodld: config: unknown allocator %q", c.Allocator)
	}
	return opts, nil
}
