// Package elftest builds small ELF64 x86-64 relocatable objects and
// executables in memory for loader tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
)

// Section is a user section of a relocatable object.
type Section struct {
	Name  string
	Type  elf.SectionType // SHT_PROGBITS when zero
	Flags elf.SectionFlag
	Align uint64
	Data  []byte
	Size  uint64 // used instead of len(Data) for SHT_NOBITS
}

// Sym is a symbol. An empty Section makes it undefined; "*ABS*" makes it
// absolute.
type Sym struct {
	Name    string
	Section string
	Value   uint64
	Size    uint64
	Bind    elf.SymBind
	Type    elf.SymType
}

// Reloc is a RELA entry against section Target naming symbol Sym. An
// empty Sym uses symbol index 0.
type Reloc struct {
	Target string
	Offset uint64
	Sym    string
	Type   elf.R_X86_64
	Addend int64
}

// Object describes an ET_REL file.
type Object struct {
	Sections []Section
	Symbols  []Sym
	Relocs   []Reloc

	// Header overrides applied after layout, for malformed inputs.
	Machine elf.Machine
	Type    elf.Type
}

const absSection = "*ABS*"

// Text returns an executable code section.
func Text(code ...byte) Section {
	return Section{Name: ".text", Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Align: 16, Data: code}
}

// Data returns a writable data section.
func Data(name string, data []byte) Section {
	return Section{Name: name, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Align: 8, Data: data}
}

// BSS returns a zero-initialised section of size bytes.
func BSS(size uint64) Section {
	return Section{Name: ".bss", Type: elf.SHT_NOBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Align: 16, Size: size}
}

// Func returns a global function symbol.
func Func(name, section string, value uint64) Sym {
	return Sym{Name: name, Section: section, Value: value, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC}
}

// Var returns a global data symbol.
func Var(name, section string, value, size uint64) Sym {
	return Sym{Name: name, Section: section, Value: value, Size: size, Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT}
}

// Undef returns an undefined global reference.
func Undef(name string) Sym {
	return Sym{Name: name, Bind: elf.STB_GLOBAL, Type: elf.STT_NOTYPE}
}

type strtab struct {
	buf bytes.Buffer
	off map[string]uint32
}

func newStrtab() *strtab {
	t := &strtab{off: map[string]uint32{"": 0}}
	t.buf.WriteByte(0)
	return t
}

func (t *strtab) add(s string) uint32 {
	if off, ok := t.off[s]; ok {
		return off
	}
	off := uint32(t.buf.Len())
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	t.off[s] = off
	return off
}

// Bytes lays the object out: header, section contents, then the section
// header table.
func (o *Object) Bytes() []byte {
	var (
		shdrs    = []elf.Section64{{}}
		contents = [][]byte{nil}
		index    = map[string]int{}
		shstr    = newStrtab()
	)
	for _, s := range o.Sections {
		typ := s.Type
		if typ == 0 {
			typ = elf.SHT_PROGBITS
		}
		size := uint64(len(s.Data))
		if typ == elf.SHT_NOBITS {
			size = s.Size
		}
		index[s.Name] = len(shdrs)
		shdrs = append(shdrs, elf.Section64{
			Name:      shstr.add(s.Name),
			Type:      uint32(typ),
			Flags:     uint64(s.Flags),
			Size:      size,
			Addralign: s.Align,
		})
		if typ == elf.SHT_NOBITS {
			contents = append(contents, nil)
		} else {
			contents = append(contents, s.Data)
		}
	}

	// locals first, as sh_info of the symbol table requires
	syms := make([]Sym, 0, len(o.Symbols))
	for _, s := range o.Symbols {
		if s.Bind == elf.STB_LOCAL {
			syms = append(syms, s)
		}
	}
	firstGlobal := len(syms) + 1
	for _, s := range o.Symbols {
		if s.Bind != elf.STB_LOCAL {
			syms = append(syms, s)
		}
	}

	str := newStrtab()
	symIndex := map[string]int{}
	var symbuf bytes.Buffer
	mustWrite(&symbuf, elf.Sym64{})
	for i, s := range syms {
		shndx := uint16(elf.SHN_UNDEF)
		switch s.Section {
		case "":
		case absSection:
			shndx = uint16(elf.SHN_ABS)
		default:
			idx, ok := index[s.Section]
			if !ok {
				panic(fmt.Sprintf("elftest: symbol %q in unknown section %q", s.Name, s.Section))
			}
			shndx = uint16(idx)
		}
		mustWrite(&symbuf, elf.Sym64{
			Name:  str.add(s.Name),
			Info:  elf.ST_INFO(s.Bind, s.Type),
			Shndx: shndx,
			Value: s.Value,
			Size:  s.Size,
		})
		if _, ok := symIndex[s.Name]; !ok {
			symIndex[s.Name] = i + 1
		}
	}

	symtabIdx := len(shdrs)
	strtabIdx := symtabIdx + 1
	shdrs = append(shdrs,
		elf.Section64{Name: shstr.add(".symtab"), Type: uint32(elf.SHT_SYMTAB), Link: uint32(strtabIdx),
			Info: uint32(firstGlobal), Addralign: 8, Entsize: 24, Size: uint64(symbuf.Len())},
		elf.Section64{Name: shstr.add(".strtab"), Type: uint32(elf.SHT_STRTAB), Addralign: 1},
	)
	contents = append(contents, symbuf.Bytes(), nil)

	byTarget := map[string][]Reloc{}
	var targets []string
	for _, r := range o.Relocs {
		if _, ok := byTarget[r.Target]; !ok {
			targets = append(targets, r.Target)
		}
		byTarget[r.Target] = append(byTarget[r.Target], r)
	}
	for _, target := range targets {
		tidx, ok := index[target]
		if !ok {
			panic(fmt.Sprintf("elftest: relocation against unknown section %q", target))
		}
		var buf bytes.Buffer
		for _, r := range byTarget[target] {
			sidx := 0
			if r.Sym != "" {
				if sidx, ok = symIndex[r.Sym]; !ok {
					panic(fmt.Sprintf("elftest: relocation names unknown symbol %q", r.Sym))
				}
			}
			mustWrite(&buf, elf.Rela64{
				Off:    r.Offset,
				Info:   elf.R_INFO(uint32(sidx), uint32(r.Type)),
				Addend: r.Addend,
			})
		}
		shdrs = append(shdrs, elf.Section64{
			Name: shstr.add(".rela" + target), Type: uint32(elf.SHT_RELA), Flags: uint64(elf.SHF_INFO_LINK),
			Link: uint32(symtabIdx), Info: uint32(tidx), Addralign: 8, Entsize: 24, Size: uint64(buf.Len()),
		})
		contents = append(contents, buf.Bytes())
	}

	shstrIdx := len(shdrs)
	shdrs = append(shdrs, elf.Section64{Name: shstr.add(".shstrtab"), Type: uint32(elf.SHT_STRTAB), Addralign: 1})
	contents = append(contents, nil)
	contents[strtabIdx] = str.buf.Bytes()
	contents[shstrIdx] = shstr.buf.Bytes()
	shdrs[strtabIdx].Size = uint64(len(contents[strtabIdx]))
	shdrs[shstrIdx].Size = uint64(len(contents[shstrIdx]))

	var body bytes.Buffer
	off := uint64(64)
	for i := range shdrs {
		if i == 0 || len(contents[i]) == 0 {
			shdrs[i].Off = off
			continue
		}
		pad := (8 - off%8) % 8
		body.Write(make([]byte, pad))
		off += pad
		shdrs[i].Off = off
		body.Write(contents[i])
		off += uint64(len(contents[i]))
	}
	pad := (8 - off%8) % 8
	body.Write(make([]byte, pad))
	off += pad

	hdr := header(elf.ET_REL)
	hdr.Shoff = off
	hdr.Shentsize = 64
	hdr.Shnum = uint16(len(shdrs))
	hdr.Shstrndx = uint16(shstrIdx)
	if o.Machine != 0 {
		hdr.Machine = uint16(o.Machine)
	}
	if o.Type != 0 {
		hdr.Type = uint16(o.Type)
	}

	var out bytes.Buffer
	mustWrite(&out, hdr)
	out.Write(body.Bytes())
	for _, sh := range shdrs {
		mustWrite(&out, sh)
	}
	return out.Bytes()
}

// Segment is one PT_LOAD segment of an executable.
type Segment struct {
	Vaddr uint64
	Data  []byte
	Memsz uint64 // defaults to len(Data)
	Align uint64
}

// Executable describes an ET_EXEC (or ET_DYN) file.
type Executable struct {
	Type     elf.Type // ET_EXEC when zero
	Entry    uint64
	Segments []Segment
	// Symbols are absolute-address definitions emitted into a .symtab.
	Symbols map[string]uint64
}

// Bytes lays the executable out: header, program headers, segment data and,
// when there are symbols, a section header table with .symtab/.strtab.
func (e *Executable) Bytes() []byte {
	typ := e.Type
	if typ == 0 {
		typ = elf.ET_EXEC
	}
	hdr := header(typ)
	hdr.Entry = e.Entry
	hdr.Phoff = 64
	hdr.Phentsize = 56
	hdr.Phnum = uint16(len(e.Segments))

	off := uint64(64 + 56*len(e.Segments))
	var (
		progs []elf.Prog64
		body  bytes.Buffer
	)
	for _, s := range e.Segments {
		memsz := s.Memsz
		if memsz == 0 {
			memsz = uint64(len(s.Data))
		}
		progs = append(progs, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R | elf.PF_W | elf.PF_X),
			Off:    off,
			Vaddr:  s.Vaddr,
			Paddr:  s.Vaddr,
			Filesz: uint64(len(s.Data)),
			Memsz:  memsz,
			Align:  s.Align,
		})
		body.Write(s.Data)
		off += uint64(len(s.Data))
	}

	var shdrs []elf.Section64
	if len(e.Symbols) > 0 {
		str := newStrtab()
		var symbuf bytes.Buffer
		mustWrite(&symbuf, elf.Sym64{})
		for _, name := range slices.Sorted(maps.Keys(e.Symbols)) {
			// any defined index will do; the loader rebases by value
			mustWrite(&symbuf, elf.Sym64{
				Name:  str.add(name),
				Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
				Shndx: 1,
				Value: e.Symbols[name],
			})
		}
		shstr := newStrtab()
		symName, strName, shName := shstr.add(".symtab"), shstr.add(".strtab"), shstr.add(".shstrtab")

		symOff := off
		body.Write(symbuf.Bytes())
		off += uint64(symbuf.Len())
		strOff := off
		body.Write(str.buf.Bytes())
		off += uint64(str.buf.Len())
		shOff := off
		body.Write(shstr.buf.Bytes())
		off += uint64(shstr.buf.Len())

		shdrs = []elf.Section64{
			{},
			{Name: symName, Type: uint32(elf.SHT_SYMTAB), Off: symOff, Size: uint64(symbuf.Len()), Link: 2, Info: 1, Entsize: 24, Addralign: 8},
			{Name: strName, Type: uint32(elf.SHT_STRTAB), Off: strOff, Size: uint64(str.buf.Len()), Addralign: 1},
			{Name: shName, Type: uint32(elf.SHT_STRTAB), Off: shOff, Size: uint64(shstr.buf.Len()), Addralign: 1},
		}
		hdr.Shoff = off
		hdr.Shentsize = 64
		hdr.Shnum = uint16(len(shdrs))
		hdr.Shstrndx = 3
	}

	var out bytes.Buffer
	mustWrite(&out, hdr)
	for _, p := range progs {
		mustWrite(&out, p)
	}
	out.Write(body.Bytes())
	for _, sh := range shdrs {
		mustWrite(&out, sh)
	}
	return out.Bytes()
}

func header(typ elf.Type) elf.Header64 {
	var h elf.Header64
	copy(h.Ident[:], elf.ELFMAG)
	h.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	h.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	h.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	h.Type = uint16(typ)
	h.Machine = uint16(elf.EM_X86_64)
	h.Version = uint32(elf.EV_CURRENT)
	h.Ehsize = 64
	return h
}

func mustWrite(buf *bytes.Buffer, v any) {
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		panic(err)
	}
}
