package elftest

import (
	"debug/elf"
	"encoding/binary"
)

// RetZero is "xor eax, eax; ret".
var RetZero = []byte{0x31, 0xc0, 0xc3}

// Minimal returns a relocatable object whose only content is a module_init
// that returns 0.
func Minimal() *Object {
	return &Object{
		Sections: []Section{Text(RetZero...)},
		Symbols:  []Sym{Func("module_init", ".text", 0)},
	}
}

// Info is the metadata a module publishes through its module_info symbol.
// Init and Cleanup name function symbols of the object.
type Info struct {
	Name, Description, Author, Version, License string
	Deps                                        []string
	Init, Cleanup                               string
}

// AddInfo appends a module_info record, its strings and the relocations
// that fill its pointer words.
func (o *Object) AddInfo(info Info) {
	const (
		rodata = ".rodata.modinfo"
		data   = ".data.modinfo"
	)
	var strs []byte
	str := func(tag, s string) string {
		name := "__modinfo_" + tag
		o.Symbols = append(o.Symbols, Sym{Name: name, Section: rodata, Value: uint64(len(strs)), Bind: elf.STB_LOCAL, Type: elf.STT_OBJECT})
		strs = append(strs, s...)
		strs = append(strs, 0)
		return name
	}

	rec := make([]byte, 64+8*(len(info.Deps)+1))
	word := func(slot int, sym string) {
		if sym == "" {
			return
		}
		o.Relocs = append(o.Relocs, Reloc{Target: data, Offset: uint64(slot * 8), Sym: sym, Type: elf.R_X86_64_64})
	}
	for slot, f := range []struct{ tag, val string }{
		{"name", info.Name}, {"description", info.Description}, {"author", info.Author},
		{"version", info.Version}, {"license", info.License},
	} {
		if f.val != "" {
			word(slot, str(f.tag, f.val))
		}
	}
	if len(info.Deps) > 0 {
		o.Symbols = append(o.Symbols, Sym{Name: "__modinfo_deps", Section: data, Value: 64, Bind: elf.STB_LOCAL, Type: elf.STT_OBJECT})
		word(5, "__modinfo_deps")
		for i, dep := range info.Deps {
			word(8+i, str("dep"+string(rune('a'+i)), dep))
		}
	}
	word(6, info.Init)
	word(7, info.Cleanup)

	o.Sections = append(o.Sections,
		Section{Name: rodata, Flags: elf.SHF_ALLOC, Align: 1, Data: strs},
		Data(data, rec),
	)
	o.Symbols = append(o.Symbols, Var("module_info", data, 0, 64))
}

// RetImm returns "mov eax, v; ret".
func RetImm(v int32) []byte {
	code := []byte{0xb8, 0, 0, 0, 0, 0xc3}
	binary.LittleEndian.PutUint32(code[1:], uint32(v))
	return code
}
