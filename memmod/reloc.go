package memmod

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sliverarmory/kmodld/memmod/kmem"
	"go.uber.org/zap"
)

// relocate applies every SHT_RELA section whose target was placed and
// returns the number of relocations skipped for being of an unsupported
// kind. The first unresolvable symbol aborts the whole pass.
func (o *object) relocate(block *kmem.Block, sections *layout, symtab *SymbolTable, symtabIdx int,
	resolve Resolver, log *zap.Logger) (int, error) {
	resolved := make(map[string]uint64)
	skipped := 0

	for i, sh := range o.sections {
		if elf.SectionType(sh.Type) != elf.SHT_RELA {
			continue
		}
		target := int(sh.Info)
		if target <= 0 || target >= len(o.sections) {
			return 0, wrapErrorSection(invalidf("relocation target section %d", target), i, o.sectionName(i))
		}
		base, ok := sections.addr(target)
		if !ok {
			log.Debug("skipping relocations for unplaced section", zap.String("section", o.sectionName(i)), zap.String("target", o.sectionName(target)))
			continue
		}
		if symtabIdx < 0 || int(sh.Link) != symtabIdx {
			return 0, wrapErrorSection(invalidf("relocations link to section %d, not the symbol table", sh.Link), i, o.sectionName(i))
		}
		if sh.Size%relaSize != 0 {
			return 0, wrapErrorSection(invalidf("relocation table size %d", sh.Size), i, o.sectionName(i))
		}
		raw, err := o.sectionData(i)
		if err != nil {
			return 0, err
		}

		targetSize := o.sections[target].Size
		r := bytes.NewReader(raw)
		for j := 0; j < len(raw)/relaSize; j++ {
			var rela elf.Rela64
			if err := binary.Read(r, binary.LittleEndian, &rela); err != nil {
				return 0, wrapErrorSection(invalidf("relocation %d: %v", j, err), i, o.sectionName(i))
			}
			typ := elf.R_X86_64(elf.R_TYPE64(rela.Info))
			width, known := relocWidth(typ)
			if !known {
				log.Warn("skipping unsupported relocation", zap.Stringer("type", typ),
					zap.String("section", o.sectionName(target)), hexAddr("offset", rela.Off))
				skipped++
				continue
			}
			if typ == elf.R_X86_64_NONE {
				continue
			}
			if rela.Off > targetSize || width > targetSize-rela.Off {
				return 0, wrapErrorSection(invalidf("relocation %d at %#x outside %d-byte target", j, rela.Off, targetSize), i, o.sectionName(i))
			}

			s, err := o.symbolValue(symtab, elf.R_SYM64(rela.Info), resolve, resolved)
			if err != nil {
				return 0, wrapErrorSection(err, i, o.sectionName(i))
			}
			site := base + rela.Off
			if err := applyRelocation(block, site, typ, s, rela.Addend); err != nil {
				return 0, wrapErrorSection(err, i, o.sectionName(i))
			}
		}
	}
	return skipped, nil
}

// symbolValue returns S for a relocation: the rewritten value of a defined
// symbol, or the resolver's answer for an undefined one.
func (o *object) symbolValue(symtab *SymbolTable, idx uint32, resolve Resolver, resolved map[string]uint64) (uint64, error) {
	if idx == 0 {
		return 0, nil
	}
	if int(idx) >= symtab.Len() {
		return 0, invalidf("relocation names symbol %d of %d", idx, symtab.Len())
	}
	sym := symtab.At(int(idx))
	if sym.Defined() {
		if !sym.Absolute {
			return 0, invalidf("relocation against symbol %q in unplaced section %d", symtab.Name(sym), sym.Section)
		}
		return sym.Value, nil
	}

	name := symtab.Name(sym)
	if addr, ok := resolved[name]; ok {
		return addr, nil
	}
	if name == "" || resolve == nil {
		return 0, &SymbolError{Name: name}
	}
	addr, err := resolve(name)
	switch {
	case err == nil:
	case errors.Is(err, ErrSymbolNotFound) && sym.Bind() == elf.STB_WEAK:
		addr = 0
	case errors.Is(err, ErrSymbolNotFound):
		var se *SymbolError
		if !errors.As(err, &se) {
			err = &SymbolError{Name: name}
		}
		return 0, err
	default:
		return 0, fmt.Errorf("resolve %q: %w", name, err)
	}
	resolved[name] = addr
	return addr, nil
}

// relocWidth returns how many bytes a relocation kind patches, and whether
// the kind is supported at all.
func relocWidth(typ elf.R_X86_64) (uint64, bool) {
	switch typ {
	case elf.R_X86_64_NONE:
		return 0, true
	case elf.R_X86_64_64, elf.R_X86_64_PC64:
		return 8, true
	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32, elf.R_X86_64_32, elf.R_X86_64_32S:
		return 4, true
	default:
		return 0, false
	}
}

// applyRelocation patches the relocation site at runtime address site with
// symbol value s and addend a. Values are truncated to the patch width.
func applyRelocation(block *kmem.Block, site uint64, typ elf.R_X86_64, s uint64, a int64) error {
	width, known := relocWidth(typ)
	if !known {
		return fmt.Errorf("%w: relocation %s", ErrUnsupported, typ)
	}
	dst, ok := block.Slice(site, width)
	if !ok {
		return invalidf("relocation site %#x outside image", site)
	}
	switch typ {
	case elf.R_X86_64_64:
		binary.LittleEndian.PutUint64(dst, s+uint64(a))
	case elf.R_X86_64_PC64:
		binary.LittleEndian.PutUint64(dst, s+uint64(a)-site)
	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
		binary.LittleEndian.PutUint32(dst, uint32(s+uint64(a)-site))
	case elf.R_X86_64_32, elf.R_X86_64_32S:
		binary.LittleEndian.PutUint32(dst, uint32(s+uint64(a)))
	}
	return nil
}
