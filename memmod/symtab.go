package memmod

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Symbol is one entry of an image's symbol table. Once an image is placed,
// Value is an absolute runtime address whenever Absolute is set.
type Symbol struct {
	NameOff  uint32
	Info     uint8
	Other    uint8
	Section  elf.SectionIndex
	Value    uint64
	Size     uint64
	Absolute bool
}

func (s Symbol) Bind() elf.SymBind {
	return elf.ST_BIND(s.Info)
}

func (s Symbol) Type() elf.SymType {
	return elf.ST_TYPE(s.Info)
}

// Defined reports whether the symbol is defined by the image itself.
func (s Symbol) Defined() bool {
	return s.Section != elf.SHN_UNDEF
}

// Visible reports whether other modules may bind to the symbol.
func (s Symbol) Visible() bool {
	if !s.Defined() || !s.Absolute {
		return false
	}
	switch s.Bind() {
	case elf.STB_GLOBAL, elf.STB_WEAK:
	default:
		return false
	}
	switch s.Type() {
	case elf.STT_SECTION, elf.STT_FILE:
		return false
	}
	return true
}

// SymbolTable is an image's own copy of its symbols together with the
// string table backing their names.
type SymbolTable struct {
	syms    []Symbol
	strings []byte
	byName  map[string]int
}

func newSymbolTable(syms []Symbol, strings []byte) *SymbolTable {
	t := &SymbolTable{
		syms:    syms,
		strings: strings,
		byName:  make(map[string]int, len(syms)),
	}
	for i, sym := range syms {
		if !sym.Defined() || !sym.Absolute {
			continue
		}
		name := t.Name(sym)
		if name == "" {
			continue
		}
		prev, ok := t.byName[name]
		// globals shadow locals of the same name
		if !ok || (syms[prev].Bind() == elf.STB_LOCAL && sym.Bind() != elf.STB_LOCAL) {
			t.byName[name] = i
		}
	}
	return t
}

// Len returns the number of entries, including the null symbol.
func (t *SymbolTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.syms)
}

func (t *SymbolTable) At(i int) Symbol {
	return t.syms[i]
}

// Name returns the symbol's name from the table's string buffer.
func (t *SymbolTable) Name(sym Symbol) string {
	return cString(t.strings, sym.NameOff)
}

// Lookup returns the defined symbol called name.
func (t *SymbolTable) Lookup(name string) (Symbol, bool) {
	if t == nil {
		return Symbol{}, false
	}
	i, ok := t.byName[name]
	if !ok {
		return Symbol{}, false
	}
	return t.syms[i], true
}

// LookupVisible returns the global or weak definition of name.
func (t *SymbolTable) LookupVisible(name string) (Symbol, bool) {
	sym, ok := t.Lookup(name)
	if !ok || !sym.Visible() {
		return Symbol{}, false
	}
	return sym, true
}

// All yields every named entry in table order.
func (t *SymbolTable) All(yield func(name string, sym Symbol) bool) {
	if t == nil {
		return
	}
	for _, sym := range t.syms {
		name := t.Name(sym)
		if name == "" {
			continue
		}
		if !yield(name, sym) {
			return
		}
	}
}

// symtabIndex returns the index of the object's SHT_SYMTAB section, or -1.
func (o *object) symtabIndex() int {
	for i, sh := range o.sections {
		if elf.SectionType(sh.Type) == elf.SHT_SYMTAB {
			return i
		}
	}
	return -1
}

// readSymbols decodes the symbol table in section idx and copies its linked
// string table. The returned symbols still carry file values.
func (o *object) readSymbols(idx int) ([]Symbol, []byte, error) {
	sh := o.sections[idx]
	if sh.Size%symSize != 0 {
		return nil, nil, wrapErrorSection(invalidf("symbol table size %d", sh.Size), idx, o.sectionName(idx))
	}
	raw, err := o.sectionData(idx)
	if err != nil {
		return nil, nil, err
	}
	link := int(sh.Link)
	if link == 0 || link >= len(o.sections) || elf.SectionType(o.sections[link].Type) != elf.SHT_STRTAB {
		return nil, nil, wrapErrorSection(invalidf("symbol table links to section %d", link), idx, o.sectionName(idx))
	}
	strtab, err := o.sectionData(link)
	if err != nil {
		return nil, nil, err
	}

	n := len(raw) / symSize
	syms := make([]Symbol, n)
	r := bytes.NewReader(raw)
	for i := range syms {
		var es elf.Sym64
		if err := binary.Read(r, binary.LittleEndian, &es); err != nil {
			return nil, nil, wrapErrorSection(invalidf("symbol %d: %v", i, err), idx, o.sectionName(idx))
		}
		syms[i] = Symbol{
			NameOff: es.Name,
			Info:    es.Info,
			Other:   es.Other,
			Section: elf.SectionIndex(es.Shndx),
			Value:   es.Value,
			Size:    es.Size,
		}
	}
	return syms, bytes.Clone(strtab), nil
}

// buildRelocatableSymbols rewrites every symbol defined in a placed section
// from a section offset to an absolute address.
func (o *object) buildRelocatableSymbols(idx int, sections *layout) (*SymbolTable, error) {
	syms, strtab, err := o.readSymbols(idx)
	if err != nil {
		return nil, err
	}
	for i := range syms {
		sym := &syms[i]
		switch {
		case sym.Section == elf.SHN_UNDEF:
		case sym.Section == elf.SHN_ABS:
			sym.Absolute = true
		case sym.Section == elf.SHN_COMMON:
			return nil, wrapErrorSection(
				wrapErrorf(ErrUnsupported, "common symbol %q", cString(strtab, sym.NameOff)),
				idx, o.sectionName(idx))
		default:
			base, ok := sections.addr(int(sym.Section))
			if !ok {
				continue
			}
			// a value equal to the section size marks its end
			if size := o.sections[sym.Section].Size; sym.Value > size {
				return nil, wrapErrorSection(
					invalidf("symbol %q at %#x outside %d-byte section %d", cString(strtab, sym.NameOff), sym.Value, size, sym.Section),
					idx, o.sectionName(idx))
			}
			sym.Value += base
			sym.Absolute = true
		}
	}
	return newSymbolTable(syms, strtab), nil
}

// buildExecutableSymbols keeps a rebased copy of an executable's symbol
// table, if it has one. Symbols outside the loaded span keep file values.
func (o *object) buildExecutableSymbols(base, minVaddr, maxVaddr uint64) (*SymbolTable, error) {
	idx := o.symtabIndex()
	if idx < 0 {
		return nil, nil
	}
	syms, strtab, err := o.readSymbols(idx)
	if err != nil {
		return nil, err
	}
	for i := range syms {
		sym := &syms[i]
		switch {
		case sym.Section == elf.SHN_UNDEF:
		case sym.Section == elf.SHN_ABS:
			sym.Absolute = true
		case sym.Value >= minVaddr && sym.Value < maxVaddr:
			sym.Value = base + (sym.Value - minVaddr)
			sym.Absolute = true
		}
	}
	return newSymbolTable(syms, strtab), nil
}
