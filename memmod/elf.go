package memmod

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

const (
	headerSize  = 64 // sizeof(Elf64_Ehdr)
	progSize    = 56 // sizeof(Elf64_Phdr)
	sectionSize = 64 // sizeof(Elf64_Shdr)
	symSize     = 24 // sizeof(Elf64_Sym)
	relaSize    = 24 // sizeof(Elf64_Rela)

	maxPageAlign = 0x1000

	elfMagic = 0x464c457f // "\x7fELF" read little-endian
)

// Validate confirms that data starts with an ELF64, little-endian, x86-64
// header. The object type is left to the caller.
func Validate(data []byte) error {
	if len(data) < headerSize || binary.LittleEndian.Uint32(data[:4]) != elfMagic {
		return ErrNotELF
	}
	if elf.Class(data[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return fmt.Errorf("%w (class %s)", ErrWrongClass, elf.Class(data[elf.EI_CLASS]))
	}
	if elf.Data(data[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return fmt.Errorf("%w (data %s)", ErrWrongEndianness, elf.Data(data[elf.EI_DATA]))
	}
	if m := elf.Machine(binary.LittleEndian.Uint16(data[18:20])); m != elf.EM_X86_64 {
		return fmt.Errorf("%w (machine %s)", ErrWrongMachine, m)
	}
	return nil
}

// object is a validated ELF buffer with its header tables decoded.
type object struct {
	data     []byte
	hdr      elf.Header64
	progs    []elf.Prog64
	sections []elf.Section64
	shstrtab []byte
}

// parseObject validates data and decodes its header.
func parseObject(data []byte) (*object, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	o := &object{data: data}
	if err := binary.Read(bytes.NewReader(data[:headerSize]), binary.LittleEndian, &o.hdr); err != nil {
		return nil, invalidf("read header: %v", err)
	}
	return o, nil
}

func (o *object) typ() elf.Type {
	return elf.Type(o.hdr.Type)
}

// span returns data[off:off+n], or false if that range is outside the file.
func (o *object) span(off, n uint64) ([]byte, bool) {
	size := uint64(len(o.data))
	if off > size || n > size-off {
		return nil, false
	}
	return o.data[off : off+n], true
}

func (o *object) readProgs() error {
	if o.hdr.Phnum == 0 {
		return nil
	}
	if o.hdr.Phentsize < progSize {
		return invalidf("program header entry size %d", o.hdr.Phentsize)
	}
	if _, ok := o.span(o.hdr.Phoff, uint64(o.hdr.Phnum)*uint64(o.hdr.Phentsize)); !ok {
		return invalidf("program header table outside file")
	}
	o.progs = make([]elf.Prog64, o.hdr.Phnum)
	for i := range o.progs {
		raw, ok := o.span(o.hdr.Phoff+uint64(i)*uint64(o.hdr.Phentsize), progSize)
		if !ok {
			return wrapErrorSegment(invalidf("program header outside file"), i)
		}
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &o.progs[i]); err != nil {
			return wrapErrorSegment(invalidf("%v", err), i)
		}
	}
	return nil
}

func (o *object) readSections() error {
	if o.hdr.Shnum == 0 {
		return nil
	}
	if o.hdr.Shentsize < sectionSize {
		return invalidf("section header entry size %d", o.hdr.Shentsize)
	}
	if _, ok := o.span(o.hdr.Shoff, uint64(o.hdr.Shnum)*uint64(o.hdr.Shentsize)); !ok {
		return invalidf("section header table outside file")
	}
	o.sections = make([]elf.Section64, o.hdr.Shnum)
	for i := range o.sections {
		raw, ok := o.span(o.hdr.Shoff+uint64(i)*uint64(o.hdr.Shentsize), sectionSize)
		if !ok {
			return wrapErrorf(invalidf("section header outside file"), "section %d", i)
		}
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &o.sections[i]); err != nil {
			return wrapErrorf(invalidf("%v", err), "section %d", i)
		}
	}
	if idx := int(o.hdr.Shstrndx); idx != int(elf.SHN_UNDEF) && idx < len(o.sections) {
		if sh := o.sections[idx]; elf.SectionType(sh.Type) == elf.SHT_STRTAB {
			o.shstrtab, _ = o.span(sh.Off, sh.Size)
		}
	}
	return nil
}

// sectionName returns the name of section i, or "" if the object carries no
// usable section name table.
func (o *object) sectionName(i int) string {
	if i < 0 || i >= len(o.sections) {
		return ""
	}
	return cString(o.shstrtab, o.sections[i].Name)
}

// sectionData returns the file bytes of section i.
func (o *object) sectionData(i int) ([]byte, error) {
	sh := o.sections[i]
	if elf.SectionType(sh.Type) == elf.SHT_NOBITS {
		return nil, nil
	}
	raw, ok := o.span(sh.Off, sh.Size)
	if !ok {
		return nil, wrapErrorSection(invalidf("section data outside file"), i, o.sectionName(i))
	}
	return raw, nil
}

func wrapErrorSegment(e error, i int) error {
	return wrapErrorf(e, "segment %d", i)
}

// cString returns the NUL-terminated string at off in tab.
func cString(tab []byte, off uint32) string {
	if uint64(off) >= uint64(len(tab)) {
		return ""
	}
	s := tab[off:]
	if n := bytes.IndexByte(s, 0); n >= 0 {
		s = s[:n]
	}
	return string(s)
}
