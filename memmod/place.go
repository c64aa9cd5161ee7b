package memmod

import (
	"debug/elf"
	"errors"
	"fmt"
	"math"

	"github.com/sliverarmory/kmodld/memmod/kmem"
	"go.uber.org/zap"
)

func orNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}

// hexAddr formats an address field the way addresses are shown elsewhere.
func hexAddr(key string, v uint64) zap.Field {
	return zap.String(key, fmt.Sprintf("%#x", v))
}

// Resolver returns the runtime address of an external symbol. A failure
// to find the name is reported with an error matching ErrSymbolNotFound.
type Resolver func(name string) (uint64, error)

// LoadExecutable places the PT_LOAD segments of an ET_EXEC or ET_DYN image
// into one block from alloc, rebased so the lowest segment starts at the
// block's base.
func LoadExecutable(data []byte, alloc kmem.Allocator, log *zap.Logger) (*Image, error) {
	log = orNop(log)
	o, err := parseObject(data)
	if err != nil {
		return nil, err
	}
	switch o.typ() {
	case elf.ET_EXEC, elf.ET_DYN:
	default:
		return nil, fmt.Errorf("%w: object type %s is not an executable", ErrUnsupported, o.typ())
	}
	if err := o.readProgs(); err != nil {
		return nil, err
	}

	var (
		minVaddr uint64 = math.MaxUint64
		maxVaddr uint64
		align    uint64 = 1
		loads    []int
	)
	for i, p := range o.progs {
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			continue
		}
		if p.Memsz < p.Filesz {
			return nil, wrapErrorSegment(invalidf("memsz %#x smaller than filesz %#x", p.Memsz, p.Filesz), i)
		}
		if p.Vaddr > math.MaxUint64-p.Memsz {
			return nil, wrapErrorSegment(invalidf("segment wraps the address space"), i)
		}
		if _, ok := o.span(p.Off, p.Filesz); !ok {
			return nil, wrapErrorSegment(invalidf("segment data outside file"), i)
		}
		loads = append(loads, i)
		minVaddr = min(minVaddr, p.Vaddr)
		maxVaddr = max(maxVaddr, p.Vaddr+p.Memsz)
		if kmem.IsPow2(p.Align) {
			align = max(align, min(p.Align, maxPageAlign))
		}
	}
	if len(loads) == 0 {
		return nil, invalidf("no PT_LOAD segments")
	}
	if maxVaddr <= minVaddr {
		return nil, invalidf("PT_LOAD segments span no memory")
	}

	block, err := allocSpan(alloc, maxVaddr-minVaddr, align)
	if err != nil {
		return nil, err
	}
	img := newImage(alloc, block, o.typ())
	clear(block.Mem)

	for _, i := range loads {
		p := o.progs[i]
		dst := block.Mem[p.Vaddr-minVaddr:]
		src, _ := o.span(p.Off, p.Filesz)
		copy(dst, src)
		// the tail up to memsz is BSS and already zero
		log.Debug("placed segment", zap.Int("segment", i), hexAddr("vaddr", p.Vaddr),
			hexAddr("addr", block.Addr+p.Vaddr-minVaddr), zap.Uint64("filesz", p.Filesz), zap.Uint64("memsz", p.Memsz))
	}

	if e := o.hdr.Entry; e >= minVaddr && e < maxVaddr {
		img.entry = block.Addr + (e - minVaddr)
	} else {
		log.Debug("executable entry outside loaded segments", hexAddr("entry", e))
	}

	// the symbol table is an optional debug copy; a damaged one is ignored
	if err := o.readSections(); err == nil {
		if img.symtab, err = o.buildExecutableSymbols(block.Addr, minVaddr, maxVaddr); err != nil {
			log.Debug("ignoring executable symbol table", zap.Error(err))
			img.symtab = nil
		}
	} else {
		log.Debug("ignoring executable section headers", zap.Error(err))
	}
	return img, nil
}

// LoadRelocatable places the SHF_ALLOC sections of an ET_REL object into
// one block from alloc, rewrites its symbols to absolute addresses and
// applies its RELA relocations, resolving undefined symbols through
// resolve. On error nothing stays allocated.
func LoadRelocatable(data []byte, alloc kmem.Allocator, resolve Resolver, log *zap.Logger) (_ *Image, err error) {
	log = orNop(log)
	o, err := parseObject(data)
	if err != nil {
		return nil, err
	}
	if o.typ() != elf.ET_REL {
		return nil, fmt.Errorf("%w: object type %s is not relocatable", ErrUnsupported, o.typ())
	}
	if err := o.readSections(); err != nil {
		return nil, err
	}

	block, sections, err := o.placeSections(alloc, log)
	if err != nil {
		return nil, err
	}
	img := newImage(alloc, block, o.typ())
	defer func() {
		if err == nil {
			return
		}
		if rerr := img.Release(); rerr != nil {
			log.Error("release after failed load", zap.Error(rerr))
		}
	}()

	symtabIdx := o.symtabIndex()
	if symtabIdx >= 0 {
		if img.symtab, err = o.buildRelocatableSymbols(symtabIdx, sections); err != nil {
			return nil, err
		}
	}
	if img.skipped, err = o.relocate(block, sections, img.symtab, symtabIdx, resolve, log); err != nil {
		return nil, err
	}
	return img, nil
}

// allocSpan allocates a block of at least size bytes. A block shorter
// than asked for is handed back and reported as exhaustion.
func allocSpan(alloc kmem.Allocator, size, align uint64) (*kmem.Block, error) {
	block, err := alloc.Alloc(size, align)
	if err != nil {
		return nil, outOfMemory(err)
	}
	if block.Size() < size {
		short := outOfMemory(fmt.Errorf("allocator returned %d of %d bytes", block.Size(), size))
		return nil, errors.Join(short, alloc.Free(block))
	}
	return block, nil
}

// layout records where each section of a relocatable object was placed.
type layout struct {
	addrs  []uint64
	placed []bool
}

// addr returns the runtime address of section i, if it was placed.
func (l *layout) addr(i int) (uint64, bool) {
	if i < 0 || i >= len(l.addrs) || !l.placed[i] {
		return 0, false
	}
	return l.addrs[i], true
}

// placeSections lays every SHF_ALLOC section out at its own alignment
// inside one zeroed block.
func (o *object) placeSections(alloc kmem.Allocator, log *zap.Logger) (*kmem.Block, *layout, error) {
	offsets := make([]uint64, len(o.sections))
	l := &layout{
		addrs:  make([]uint64, len(o.sections)),
		placed: make([]bool, len(o.sections)),
	}
	var (
		total    uint64
		maxAlign uint64 = 1
	)
	for i, sh := range o.sections {
		if elf.SectionFlag(sh.Flags)&elf.SHF_ALLOC == 0 {
			continue
		}
		align := max(sh.Addralign, 1)
		if !kmem.IsPow2(align) {
			return nil, nil, wrapErrorSection(invalidf("alignment %d", sh.Addralign), i, o.sectionName(i))
		}
		if _, err := o.sectionData(i); err != nil {
			return nil, nil, err
		}
		start := kmem.Align(total, align)
		if start < total || sh.Size > math.MaxUint64-start {
			return nil, nil, wrapErrorSection(invalidf("section too large"), i, o.sectionName(i))
		}
		offsets[i], l.placed[i] = start, true
		total = start + sh.Size
		maxAlign = max(maxAlign, align)
	}

	block, err := allocSpan(alloc, total, maxAlign)
	if err != nil {
		return nil, nil, err
	}
	clear(block.Mem)

	for i, sh := range o.sections {
		if !l.placed[i] {
			continue
		}
		l.addrs[i] = block.Addr + offsets[i]
		if elf.SectionType(sh.Type) != elf.SHT_NOBITS {
			src, _ := o.sectionData(i)
			copy(block.Mem[offsets[i]:], src)
		}
		log.Debug("placed section", zap.String("section", o.sectionName(i)), zap.Int("index", i),
			hexAddr("addr", l.addrs[i]), zap.Uint64("size", sh.Size))
	}
	return block, l, nil
}
