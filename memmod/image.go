package memmod

import (
	"debug/elf"
	"fmt"
	"sync"

	"github.com/sliverarmory/kmodld/memmod/kmem"
)

const (
	// InitSymbol and CleanupSymbol name the explicit lifecycle hooks a
	// relocatable object may export.
	InitSymbol    = "module_init"
	CleanupSymbol = "module_cleanup"
)

// Image is an ELF object placed into allocator memory. It exclusively owns
// its block until Release.
type Image struct {
	mu       sync.Mutex
	alloc    kmem.Allocator
	block    *kmem.Block
	kind     elf.Type
	entry    uint64
	symtab   *SymbolTable
	skipped  int
	released bool
}

func newImage(alloc kmem.Allocator, block *kmem.Block, kind elf.Type) *Image {
	return &Image{alloc: alloc, block: block, kind: kind}
}

// Base returns the runtime address of the first byte of the image.
func (img *Image) Base() uint64 {
	return img.block.Addr
}

// Size returns the number of bytes the image owns.
func (img *Image) Size() uint64 {
	return img.block.Size()
}

// Type returns the ELF object type the image was placed from.
func (img *Image) Type() elf.Type {
	return img.kind
}

// Contains reports whether addr lies inside the image.
func (img *Image) Contains(addr uint64) bool {
	return img.block.Contains(addr, 1)
}

// Entry returns the program entry point. It is zero for relocatable
// objects and for executables whose entry lies outside every PT_LOAD span.
func (img *Image) Entry() EntryPoint {
	if img.entry == 0 {
		return EntryPoint{}
	}
	return img.EntryPointAt(img.entry, ConvInt)
}

// Init returns the exported module_init hook, if the image has one.
func (img *Image) Init() EntryPoint {
	return img.hook(InitSymbol, ConvInt)
}

// Cleanup returns the exported module_cleanup hook, if the image has one.
func (img *Image) Cleanup() EntryPoint {
	return img.hook(CleanupSymbol, ConvVoid)
}

func (img *Image) hook(name string, conv CallConv) EntryPoint {
	sym, ok := img.symtab.LookupVisible(name)
	if !ok || sym.Type() != elf.STT_FUNC && sym.Type() != elf.STT_NOTYPE {
		return EntryPoint{}
	}
	return img.EntryPointAt(sym.Value, conv)
}

// EntryPointAt returns a call capability for addr bounded to this image.
func (img *Image) EntryPointAt(addr uint64, conv CallConv) EntryPoint {
	return EntryPoint{
		Addr: addr,
		Conv: conv,
		lo:   img.block.Addr,
		hi:   img.block.Addr + img.block.Size(),
	}
}

// Symbols returns the image's own symbol table, or nil.
func (img *Image) Symbols() *SymbolTable {
	return img.symtab
}

// SkippedRelocations returns how many relocations of an unsupported kind
// were left unapplied.
func (img *Image) SkippedRelocations() int {
	return img.skipped
}

// Read returns n bytes of image memory at runtime address addr.
func (img *Image) Read(addr, n uint64) ([]byte, error) {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.released {
		return nil, ErrImageReleased
	}
	b, ok := img.block.Slice(addr, n)
	if !ok {
		return nil, fmt.Errorf("read %d bytes at %#x: outside image [%#x, %#x)", n, addr, img.Base(), img.Base()+img.Size())
	}
	return b, nil
}

// Released reports whether the image memory has been handed back.
func (img *Image) Released() bool {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.released
}

// Release hands the image memory back to its allocator. Only the first call
// frees; later calls return nil.
func (img *Image) Release() error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.released {
		return nil
	}
	img.released = true
	if err := img.alloc.Free(img.block); err != nil {
		return fmt.Errorf("release image at %#x: %w", img.block.Addr, err)
	}
	return nil
}

// FindSymbol returns the absolute address of the symbol called name in
// the image's own symbol table.
func FindSymbol(img *Image, name string) (uint64, bool) {
	if img == nil {
		return 0, false
	}
	sym, ok := img.symtab.Lookup(name)
	if !ok {
		return 0, false
	}
	return sym.Value, true
}
