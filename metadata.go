package kmodld

import (
	"bytes"
	"encoding/binary"

	"github.com/sliverarmory/kmodld/memmod"
)

// InfoSymbol names the record a module publishes its metadata through.
const InfoSymbol = "module_info"

// module_info is eight little-endian words.
const (
	infoName = iota
	infoDescription
	infoAuthor
	infoVersion
	infoLicense
	infoDeps
	infoInit
	infoCleanup

	infoWords
	infoSize = infoWords * 8
)

// Metadata is a view over a module's module_info record. Every accessor
// reads image memory when called; a pointer that leaves the image reads as
// absent, as does everything once the image is released.
type Metadata struct {
	img  *memmod.Image
	addr uint64
}

// ReadMetadata returns the view for img, or nil if the image has no usable
// module_info record.
func ReadMetadata(img *memmod.Image) *Metadata {
	sym, ok := img.Symbols().Lookup(InfoSymbol)
	if !ok || (sym.Size != 0 && sym.Size < infoSize) {
		return nil
	}
	if _, err := img.Read(sym.Value, infoSize); err != nil {
		return nil
	}
	return &Metadata{img: img, addr: sym.Value}
}

func (m *Metadata) Addr() uint64 { return m.addr }

func (m *Metadata) word(i int) uint64 {
	b, err := m.img.Read(m.addr+uint64(i)*8, 8)
	if err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// cString reads a NUL-terminated string at ptr that must end inside the
// image.
func (m *Metadata) cString(ptr uint64) string {
	if ptr == 0 || !m.img.Contains(ptr) {
		return ""
	}
	b, err := m.img.Read(ptr, m.img.Base()+m.img.Size()-ptr)
	if err != nil {
		return ""
	}
	n := bytes.IndexByte(b, 0)
	if n < 0 {
		return ""
	}
	return string(b[:n])
}

func (m *Metadata) Name() string        { return m.cString(m.word(infoName)) }
func (m *Metadata) Description() string { return m.cString(m.word(infoDescription)) }
func (m *Metadata) Author() string      { return m.cString(m.word(infoAuthor)) }
func (m *Metadata) Version() string     { return m.cString(m.word(infoVersion)) }
func (m *Metadata) License() string     { return m.cString(m.word(infoLicense)) }

// Deps returns the names in the NULL-terminated deps array. An array that
// runs off the image is ignored.
func (m *Metadata) Deps() []string {
	ptr := m.word(infoDeps)
	if ptr == 0 {
		return nil
	}
	var deps []string
	for p := ptr; ; p += 8 {
		b, err := m.img.Read(p, 8)
		if err != nil {
			return nil
		}
		s := binary.LittleEndian.Uint64(b)
		if s == 0 {
			return deps
		}
		if name := m.cString(s); name != "" {
			deps = append(deps, name)
		}
	}
}

// Init returns the init callback address, or 0.
func (m *Metadata) Init() uint64 { return m.hook(infoInit) }

// Cleanup returns the cleanup callback address, or 0.
func (m *Metadata) Cleanup() uint64 { return m.hook(infoCleanup) }

func (m *Metadata) hook(i int) uint64 {
	addr := m.word(i)
	if addr == 0 || !m.img.Contains(addr) {
		return 0
	}
	return addr
}
