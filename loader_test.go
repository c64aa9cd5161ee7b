package kmodld

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"
	"github.com/sliverarmory/kmodld/internal/elftest"
	"github.com/sliverarmory/kmodld/memmod"
	"github.com/sliverarmory/kmodld/memmod/kmem"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// emulator runs the two instruction sequences test fixtures use,
// "xor eax, eax; ret" and "mov eax, imm32; ret", straight out of the heap.
type emulator struct {
	heap  *kmem.Heap
	calls []memmod.EntryPoint
	hook  func(ep memmod.EntryPoint)
}

func (e *emulator) Invoke(ep memmod.EntryPoint) (int32, error) {
	e.calls = append(e.calls, ep)
	if e.hook != nil {
		e.hook(ep)
	}
	code, ok := e.heap.Peek(ep.Addr, 6)
	if !ok || len(code) == 0 {
		return 0, fmt.Errorf("emulator: %#x outside heap", ep.Addr)
	}
	switch {
	case code[0] == 0x31 || code[0] == 0xc3:
		return 0, nil
	case code[0] == 0xb8 && len(code) >= 5:
		return int32(binary.LittleEndian.Uint32(code[1:5])), nil
	default:
		return 0, fmt.Errorf("emulator: opcode %#x at %#x", code[0], ep.Addr)
	}
}

func newTestLoader(t *testing.T, opts ...Option) (*Loader, *kmem.Heap, *emulator) {
	t.Helper()
	heap := kmem.NewHeap(kmem.DefaultHeapBase, 1<<20)
	emu := &emulator{heap: heap}
	l := NewLoader(append([]Option{WithAllocator(heap), WithInvoker(emu)}, opts...)...)
	return l, heap, emu
}

// exporter defines module_init and a global function fn.
func exporter(fn string) []byte {
	return (&elftest.Object{
		Sections: []elftest.Section{elftest.Text(append(append([]byte(nil), elftest.RetZero...), elftest.RetZero...)...)},
		Symbols: []elftest.Sym{
			elftest.Func("module_init", ".text", 0),
			elftest.Func(fn, ".text", 3),
		},
	}).Bytes()
}

// importer calls fn through a PLT32 relocation at .text+4.
func importer(fn string) []byte {
	text := make([]byte, 16)
	copy(text, elftest.RetZero)
	text[3] = 0xe8
	return (&elftest.Object{
		Sections: []elftest.Section{elftest.Text(text...)},
		Symbols: []elftest.Sym{
			elftest.Func("module_init", ".text", 0),
			elftest.Undef(fn),
		},
		Relocs: []elftest.Reloc{{Target: ".text", Offset: 4, Sym: fn, Type: elf.R_X86_64_PLT32, Addend: -4}},
	}).Bytes()
}

func mustStatus(t *testing.T, l *Loader, name string) ModuleStatus {
	t.Helper()
	st, ok := l.FindModule(name)
	if !ok {
		t.Fatalf("FindModule(%s): not found", name)
	}
	return st
}

func TestLoadModuleRunsInit(t *testing.T) {
	l, heap, emu := newTestLoader(t)
	if err := l.LoadModule("mini", elftest.Minimal().Bytes()); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	st := mustStatus(t, l, "mini")
	if st.State != StateRunning || st.RefCount != 1 {
		t.Fatalf("unexpected status:\n%s", spew.Sdump(st))
	}
	if len(emu.calls) != 1 || emu.calls[0].Addr != st.Base || emu.calls[0].Conv != memmod.ConvInt {
		t.Fatalf("init calls: %s", spew.Sdump(emu.calls))
	}
	if heap.InUse() != 1 {
		t.Fatalf("heap blocks: got=%d want=1", heap.InUse())
	}
}

func TestLoadModuleDuplicateName(t *testing.T) {
	l, heap, _ := newTestLoader(t)
	if err := l.LoadModule("dup", elftest.Minimal().Bytes()); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	before := mustStatus(t, l, "dup")
	if err := l.LoadModule("dup", elftest.Minimal().Bytes()); !errors.Is(err, ErrAlreadyLoaded) {
		t.Fatalf("second LoadModule: got=%v want ErrAlreadyLoaded", err)
	}
	mods, _ := l.Modules()
	if len(mods) != 1 {
		t.Fatalf("registry size: got=%d want=1", len(mods))
	}
	after := mustStatus(t, l, "dup")
	if after.State != before.State || after.RefCount != before.RefCount || after.Base != before.Base {
		t.Fatalf("rejected load changed the module:\nbefore %s\nafter %s", spew.Sdump(before), spew.Sdump(after))
	}
	if heap.InUse() != 1 {
		t.Fatalf("heap blocks: got=%d want=1", heap.InUse())
	}
}

func TestLoadModuleTooMany(t *testing.T) {
	const limit = 3
	l, heap, _ := newTestLoader(t, WithMaxModules(limit))
	for i := range limit {
		if err := l.LoadModule(fmt.Sprintf("m%d", i), elftest.Minimal().Bytes()); err != nil {
			t.Fatalf("LoadModule(m%d): %v", i, err)
		}
	}
	if err := l.LoadModule("overflow", elftest.Minimal().Bytes()); !errors.Is(err, ErrTooManyModules) {
		t.Fatalf("LoadModule(overflow): got=%v want ErrTooManyModules", err)
	}
	mods, _ := l.Modules()
	if len(mods) != limit {
		t.Fatalf("registry size: got=%d want=%d", len(mods), limit)
	}
	if heap.InUse() != limit {
		t.Fatalf("heap blocks: got=%d want=%d", heap.InUse(), limit)
	}
}

func TestLoadModuleSymbolNotFound(t *testing.T) {
	l, heap, _ := newTestLoader(t)
	if err := l.LoadModule("base", exporter("base_fn")); err != nil {
		t.Fatalf("LoadModule(base): %v", err)
	}
	err := l.LoadModule("broken", importer("nowhere"))
	if !errors.Is(err, ErrSymbolNotFound) {
		t.Fatalf("LoadModule: got=%v want ErrSymbolNotFound", err)
	}
	var se *SymbolError
	if !errors.As(err, &se) || se.Name != "nowhere" {
		t.Fatalf("error does not carry the symbol: %v", err)
	}
	if _, ok := l.FindModule("broken"); ok {
		t.Fatalf("failed module is registered")
	}
	mods, _ := l.Modules()
	if len(mods) != 1 {
		t.Fatalf("registry size: got=%d want=1", len(mods))
	}
	if heap.InUse() != 1 {
		t.Fatalf("heap blocks: got=%d want=1 (leak on failed load)", heap.InUse())
	}
	if st := mustStatus(t, l, "base"); len(st.Dependents) != 0 || st.RefCount != 1 {
		t.Fatalf("failed load left edges on base:\n%s", spew.Sdump(st))
	}
}

func TestLoadModuleFormatErrors(t *testing.T) {
	exe := (&elftest.Executable{Segments: []elftest.Segment{{Vaddr: 0x400000, Data: elftest.RetZero}}}).Bytes()
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"garbage", []byte("not an object at all, just some bytes padding out to sixty-four"), ErrNotELF},
		{"aarch64", (&elftest.Object{Machine: elf.EM_AARCH64}).Bytes(), ErrWrongMachine},
		{"executable", exe, ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, heap, _ := newTestLoader(t)
			if err := l.LoadModule(tt.name, tt.data); !errors.Is(err, tt.want) {
				t.Fatalf("LoadModule: got=%v want=%v", err, tt.want)
			}
			if _, ok := l.FindModule(tt.name); ok || heap.InUse() != 0 {
				t.Fatalf("failed load left state behind: inUse=%d", heap.InUse())
			}
		})
	}
}

func TestResolveOrder(t *testing.T) {
	l, _, _ := newTestLoader(t, WithBuiltinExports([]Symbol{{Name: "kprintf", Addr: 0x1000}}))
	if err := l.RegisterKernelExports([]Symbol{{Name: "kprintf", Addr: 0x2000}, {Name: "kmalloc", Addr: 0x3000}}); err != nil {
		t.Fatalf("RegisterKernelExports: %v", err)
	}
	if err := l.LoadModule("shadow", exporter("kprintf")); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if err := l.LoadModule("lib", exporter("lib_fn")); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}

	for _, tt := range []struct {
		name string
		want uint64
	}{
		{"kprintf", 0x1000},
		{"kmalloc", 0x3000},
	} {
		if got, err := l.Resolve(tt.name); err != nil || got != tt.want {
			t.Fatalf("Resolve(%s): got=%#x,%v want=%#x", tt.name, got, err, tt.want)
		}
	}
	libFn, err := l.FindSymbol("lib", "lib_fn")
	if err != nil {
		t.Fatalf("FindSymbol(lib, lib_fn): %v", err)
	}
	if got, err := l.Resolve("lib_fn"); err != nil || got != libFn {
		t.Fatalf("Resolve(lib_fn): got=%#x,%v want=%#x", got, err, libFn)
	}
	if _, err := l.Resolve("missing"); !errors.Is(err, ErrSymbolNotFound) {
		t.Fatalf("Resolve(missing): got=%v", err)
	}
	exports, _ := l.KernelExports()
	want := []Symbol{{"kprintf", 0x1000}, {"kmalloc", 0x3000}, {"kprintf", 0x2000}}
	if !slices.Equal(exports, want) {
		t.Fatalf("KernelExports:\n%s", spew.Sdump(exports))
	}
}

func TestRegisterKernelExportsOnce(t *testing.T) {
	l, _, _ := newTestLoader(t)
	if err := l.RegisterKernelExports(nil); err != nil {
		t.Fatalf("RegisterKernelExports: %v", err)
	}
	if err := l.RegisterKernelExports([]Symbol{{Name: "late", Addr: 1}}); !errors.Is(err, ErrExportsRegistered) {
		t.Fatalf("second RegisterKernelExports: got=%v", err)
	}
	if _, ok := l.FindKernelSymbol("late"); ok {
		t.Fatalf("rejected table was installed")
	}
}

func TestLoadModuleLinksKernelExport(t *testing.T) {
	l, heap, _ := newTestLoader(t)
	const kmalloc = kmem.DefaultHeapBase + 0x80000
	if err := l.RegisterKernelExports([]Symbol{{Name: "kmalloc", Addr: kmalloc}}); err != nil {
		t.Fatalf("RegisterKernelExports: %v", err)
	}
	if err := l.LoadModule("user", importer("kmalloc")); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	st := mustStatus(t, l, "user")
	if len(st.Dependencies) != 0 {
		t.Fatalf("kernel exports recorded as dependencies: %v", st.Dependencies)
	}
	site := st.Base + 4
	patch, _ := heap.Peek(site, 4)
	if got, want := binary.LittleEndian.Uint32(patch), uint32(kmalloc-4-site); got != want {
		t.Fatalf("call displacement: got=%#x want=%#x", got, want)
	}
}

func TestModuleDependencies(t *testing.T) {
	l, heap, _ := newTestLoader(t)
	if err := l.LoadModule("a", exporter("a_fn")); err != nil {
		t.Fatalf("LoadModule(a): %v", err)
	}
	if err := l.LoadModule("b", importer("a_fn")); err != nil {
		t.Fatalf("LoadModule(b): %v", err)
	}

	a, b := mustStatus(t, l, "a"), mustStatus(t, l, "b")
	if a.RefCount != 2 || !slices.Equal(a.Dependents, []string{"b"}) || !slices.Equal(b.Dependencies, []string{"a"}) {
		t.Fatalf("dependency edges:\n%s%s", spew.Sdump(a), spew.Sdump(b))
	}
	if err := l.UnloadModule("a"); !errors.Is(err, ErrInUse) {
		t.Fatalf("UnloadModule(a): got=%v want ErrInUse", err)
	}
	if err := l.Unref("a"); !errors.Is(err, ErrRefCount) {
		t.Fatalf("Unref(a): got=%v want ErrRefCount", err)
	}
	if st := mustStatus(t, l, "a"); st.State != StateRunning {
		t.Fatalf("refused unload changed state to %s", st.State)
	}

	if err := l.UnloadModule("b"); err != nil {
		t.Fatalf("UnloadModule(b): %v", err)
	}
	if a := mustStatus(t, l, "a"); a.RefCount != 1 || len(a.Dependents) != 0 {
		t.Fatalf("edges left after dependent unloaded:\n%s", spew.Sdump(a))
	}
	if err := l.UnloadModule("a"); err != nil {
		t.Fatalf("UnloadModule(a): %v", err)
	}
	if heap.InUse() != 0 {
		t.Fatalf("heap blocks: got=%d want=0", heap.InUse())
	}
}

func TestUnloadInUseThenUnref(t *testing.T) {
	l, _, _ := newTestLoader(t)
	if err := l.LoadModule("m", elftest.Minimal().Bytes()); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if err := l.Ref("m"); err != nil {
		t.Fatalf("Ref: %v", err)
	}
	if err := l.UnloadModule("m"); !errors.Is(err, ErrInUse) {
		t.Fatalf("UnloadModule: got=%v want ErrInUse", err)
	}
	if st := mustStatus(t, l, "m"); st.State != StateRunning || st.RefCount != 2 {
		t.Fatalf("module after refused unload:\n%s", spew.Sdump(st))
	}
	if err := l.Unref("m"); err != nil {
		t.Fatalf("Unref: %v", err)
	}
	if err := l.UnloadModule("m"); err != nil {
		t.Fatalf("UnloadModule after Unref: %v", err)
	}
	if _, ok := l.FindModule("m"); ok {
		t.Fatalf("module still registered")
	}
	if err := l.Unref("m"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Unref(unloaded): got=%v", err)
	}
}

func TestUnloadRefusals(t *testing.T) {
	l, _, _ := newTestLoader(t)
	if err := l.LoadModule("core", elftest.Minimal().Bytes(), WithFlags(FlagEssential|FlagBuiltin)); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if err := l.UnloadModule("core"); !errors.Is(err, ErrEssentialModule) {
		t.Fatalf("UnloadModule(essential): got=%v", err)
	}
	if st := mustStatus(t, l, "core"); st.Flags.String() != "essential|builtin" {
		t.Fatalf("flags: got=%s", st.Flags)
	}
	if err := l.UnloadModule("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UnloadModule(ghost): got=%v", err)
	}
	if err := l.Unref("core"); !errors.Is(err, ErrRefCount) {
		t.Fatalf("Unref below registration reference: got=%v", err)
	}
}

func TestInitFailureKeepsModule(t *testing.T) {
	l, heap, emu := newTestLoader(t)
	obj := &elftest.Object{
		Sections: []elftest.Section{elftest.Text(append(elftest.RetImm(-5), elftest.RetZero...)...)},
		Symbols: []elftest.Sym{
			elftest.Func("module_init", ".text", 0),
			elftest.Func("module_cleanup", ".text", 6),
			elftest.Func("bad_fn", ".text", 6),
		},
	}
	err := l.LoadModule("bad", obj.Bytes())
	var ie *InitError
	if !errors.Is(err, ErrInitFailed) || !errors.As(err, &ie) || ie.Code != -5 || ie.Module != "bad" {
		t.Fatalf("LoadModule: got=%v want InitError{bad, -5}", err)
	}
	if st := mustStatus(t, l, "bad"); st.State != StateError {
		t.Fatalf("state: got=%s want ERROR", st.State)
	}
	if _, err := l.Resolve("bad_fn"); !errors.Is(err, ErrSymbolNotFound) {
		t.Fatalf("module in ERROR state satisfies symbols: %v", err)
	}
	if err := l.UnloadModule("bad"); err != nil {
		t.Fatalf("UnloadModule: %v", err)
	}
	if len(emu.calls) != 1 {
		t.Fatalf("cleanup ran for a module that never reached RUNNING: %s", spew.Sdump(emu.calls))
	}
	if heap.InUse() != 0 {
		t.Fatalf("heap blocks: got=%d", heap.InUse())
	}
}

func TestCleanupRunsOnUnload(t *testing.T) {
	l, _, emu := newTestLoader(t)
	obj := &elftest.Object{
		Sections: []elftest.Section{elftest.Text(append(append([]byte(nil), elftest.RetZero...), 0xc3)...)},
		Symbols: []elftest.Sym{
			elftest.Func("module_init", ".text", 0),
			elftest.Func("module_cleanup", ".text", 3),
		},
	}
	if err := l.LoadModule("m", obj.Bytes()); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	cleanup, err := l.FindSymbol("m", "module_cleanup")
	if err != nil {
		t.Fatalf("FindSymbol: %v", err)
	}
	if err := l.UnloadModule("m"); err != nil {
		t.Fatalf("UnloadModule: %v", err)
	}
	if len(emu.calls) != 2 || emu.calls[1].Addr != cleanup || emu.calls[1].Conv != memmod.ConvVoid {
		t.Fatalf("calls: %s", spew.Sdump(emu.calls))
	}
}

func TestReentrantCallsAreBusy(t *testing.T) {
	l, _, emu := newTestLoader(t)
	var inner []error
	emu.hook = func(memmod.EntryPoint) {
		inner = append(inner, l.LoadModule("inner", elftest.Minimal().Bytes()))
		_, err := l.Resolve("anything")
		inner = append(inner, err, l.UnloadModule("outer"))
		if _, ok := l.FindModule("outer"); ok {
			inner = append(inner, errors.New("FindModule succeeded during init"))
		}
	}
	if err := l.LoadModule("outer", elftest.Minimal().Bytes()); err != nil {
		t.Fatalf("LoadModule(outer): %v", err)
	}
	for i, err := range inner {
		if !errors.Is(err, ErrBusy) {
			t.Fatalf("re-entrant call %d: got=%v want ErrBusy", i, err)
		}
	}
	if _, ok := l.FindModule("inner"); ok {
		t.Fatalf("re-entrant load registered a module")
	}
}

func TestModuleMetadata(t *testing.T) {
	l, _, emu := newTestLoader(t)
	if err := l.LoadModule("base", elftest.Minimal().Bytes()); err != nil {
		t.Fatalf("LoadModule(base): %v", err)
	}
	obj := &elftest.Object{
		Sections: []elftest.Section{elftest.Text(append(elftest.RetImm(0), 0xc3)...)},
		Symbols: []elftest.Sym{
			{Name: "net_start", Section: ".text", Value: 0, Bind: elf.STB_LOCAL, Type: elf.STT_FUNC},
			{Name: "net_stop", Section: ".text", Value: 6, Bind: elf.STB_LOCAL, Type: elf.STT_FUNC},
		},
	}
	obj.AddInfo(elftest.Info{
		Name:        "net",
		Description: "loopback network driver",
		Author:      "kernel team",
		Version:     "1.2.0",
		License:     "MIT",
		Deps:        []string{"base"},
		Init:        "net_start",
		Cleanup:     "net_stop",
	})
	if err := l.LoadModule("net", obj.Bytes()); err != nil {
		t.Fatalf("LoadModule(net): %v", err)
	}

	st := mustStatus(t, l, "net")
	info := st.Info
	if info == nil {
		t.Fatalf("no metadata:\n%s", spew.Sdump(st))
	}
	got := []string{info.Name(), info.Description(), info.Author(), info.Version(), info.License()}
	want := []string{"net", "loopback network driver", "kernel team", "1.2.0", "MIT"}
	if !slices.Equal(got, want) {
		t.Fatalf("metadata strings: got=%q want=%q", got, want)
	}
	if deps := info.Deps(); !slices.Equal(deps, []string{"base"}) {
		t.Fatalf("metadata deps: %q", deps)
	}
	if !slices.Equal(st.Dependencies, []string{"base"}) || mustStatus(t, l, "base").RefCount != 2 {
		t.Fatalf("declared dependency not recorded:\n%s", spew.Sdump(st))
	}

	start, _ := l.FindSymbol("net", "net_start")
	stop, _ := l.FindSymbol("net", "net_stop")
	if info.Init() != start || info.Cleanup() != stop {
		t.Fatalf("metadata hooks: init=%#x cleanup=%#x want %#x %#x", info.Init(), info.Cleanup(), start, stop)
	}
	if last := emu.calls[len(emu.calls)-1]; last.Addr != start {
		t.Fatalf("init not taken from module_info: called %s", last)
	}
	if err := l.UnloadModule("net"); err != nil {
		t.Fatalf("UnloadModule(net): %v", err)
	}
	if last := emu.calls[len(emu.calls)-1]; last.Addr != stop || last.Conv != memmod.ConvVoid {
		t.Fatalf("cleanup not taken from module_info: called %s", last)
	}
	if info.Name() != "" {
		t.Fatalf("metadata readable after unload: %q", info.Name())
	}
}

func TestDeclaredDependencyMustBeRunning(t *testing.T) {
	l, heap, _ := newTestLoader(t)
	obj := elftest.Minimal()
	obj.AddInfo(elftest.Info{Name: "needy", Deps: []string{"absent"}})
	if err := l.LoadModule("needy", obj.Bytes()); !errors.Is(err, ErrDependencyNotLoaded) {
		t.Fatalf("LoadModule: got=%v want ErrDependencyNotLoaded", err)
	}
	if _, ok := l.FindModule("needy"); ok || heap.InUse() != 0 {
		t.Fatalf("failed load left state behind: inUse=%d", heap.InUse())
	}
}

func TestExecutableLifecycle(t *testing.T) {
	l, heap, _ := newTestLoader(t)
	exe := &elftest.Executable{
		Entry:    0x401000,
		Segments: []elftest.Segment{{Vaddr: 0x401000, Data: elftest.RetImm(42), Memsz: 0x40, Align: 0x1000}},
	}
	img, err := l.LoadExecutable(exe.Bytes())
	if err != nil {
		t.Fatalf("LoadExecutable: %v", err)
	}
	code, err := l.RunExecutable(img)
	if err != nil || code != 42 {
		t.Fatalf("RunExecutable: got=%d,%v want=42", code, err)
	}
	if err := l.UnloadExecutable(img); err != nil {
		t.Fatalf("UnloadExecutable: %v", err)
	}
	if heap.InUse() != 0 {
		t.Fatalf("heap blocks: got=%d", heap.InUse())
	}
	if _, err := l.RunExecutable(img); err == nil {
		t.Fatalf("RunExecutable after unload succeeded")
	}

	exe.Entry = 0
	img, err = l.LoadExecutable(exe.Bytes())
	if err != nil {
		t.Fatalf("LoadExecutable: %v", err)
	}
	t.Cleanup(func() { _ = l.UnloadExecutable(img) })
	if _, err := l.RunExecutable(img); !errors.Is(err, ErrNoEntryPoint) {
		t.Fatalf("RunExecutable without entry: got=%v want ErrNoEntryPoint", err)
	}
}

func TestUnloadAll(t *testing.T) {
	l, heap, _ := newTestLoader(t)
	if err := l.LoadModule("a", exporter("a_fn")); err != nil {
		t.Fatalf("LoadModule(a): %v", err)
	}
	if err := l.LoadModule("b", importer("a_fn")); err != nil {
		t.Fatalf("LoadModule(b): %v", err)
	}
	if err := l.LoadModule("core", elftest.Minimal().Bytes(), WithFlags(FlagEssential)); err != nil {
		t.Fatalf("LoadModule(core): %v", err)
	}
	err := l.UnloadAll()
	if !errors.Is(err, ErrEssentialModule) {
		t.Fatalf("UnloadAll: got=%v want ErrEssentialModule", err)
	}
	mods, _ := l.Modules()
	if len(mods) != 1 || mods[0].Name != "core" || heap.InUse() != 1 {
		t.Fatalf("after UnloadAll:\n%s", spew.Sdump(mods))
	}
}

func TestConfigOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxModules = 1
	cfg.HeapSize = 0x4000
	l := NewLoader(fn.Panic1(cfg.Options())...)
	if err := l.LoadModule("one", elftest.Minimal().Bytes()); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if err := l.LoadModule("two", elftest.Minimal().Bytes()); !errors.Is(err, ErrTooManyModules) {
		t.Fatalf("LoadModule(two): got=%v", err)
	}
	if heap, ok := l.Allocator().(*kmem.Heap); !ok || heap.Base() != kmem.DefaultHeapBase {
		t.Fatalf("allocator: %T", l.Allocator())
	}

	cfg.Allocator = "slab"
	if _, err := cfg.Options(); err == nil {
		t.Fatalf("unknown allocator accepted")
	}
	cfg.Allocator, cfg.HeapSize = AllocatorHeap, 0
	if _, err := cfg.Options(); err == nil {
		t.Fatalf("zero heap accepted")
	}
}

func TestStateStrings(t *testing.T) {
	for s, want := range map[State]string{
		StateUnloaded: "UNLOADED", StateLoading: "LOADING", StateLoaded: "LOADED",
		StateRunning: "RUNNING", StateError: "ERROR", State(9): "State(9)",
	} {
		if s.String() != want {
			t.Fatalf("State(%d).String() = %q, want %q", uint8(s), s.String(), want)
		}
	}
	if Flags(0).String() != "-" {
		t.Fatalf("Flags(0).String() = %q", Flags(0).String())
	}
}

func TestLoadModuleLogsSkippedRelocations(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l, _, _ := newTestLoader(t, WithLogger(zap.New(core)))
	obj := &elftest.Object{
		Sections: []elftest.Section{elftest.Text(make([]byte, 8)...)},
		Symbols:  []elftest.Sym{elftest.Func("f", ".text", 0)},
		Relocs:   []elftest.Reloc{{Target: ".text", Sym: "f", Type: elf.R_X86_64_GOTPCREL}},
	}
	if err := l.LoadModule("gotpcrel", obj.Bytes()); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if st := mustStatus(t, l, "gotpcrel"); st.SkippedRelocations != 1 {
		t.Fatalf("skipped relocations: got=%d want=1", st.SkippedRelocations)
	}
	warned := logs.FilterMessage("module loaded with unsupported relocations left unapplied").
		FilterField(zap.String("module", "gotpcrel")).All()
	if len(warned) != 1 {
		t.Fatalf("warnings: got=%s", spew.Sdump(logs.All()))
	}
	if n := logs.FilterMessage("skipping unsupported relocation").Len(); n != 1 {
		t.Fatalf("per-relocation warnings: got=%d want=1", n)
	}
}

func TestLoadModuleHugeBSSDoesNotAlias(t *testing.T) {
	l, heap, _ := newTestLoader(t)
	huge := &elftest.Object{
		Sections: []elftest.Section{elftest.BSS(0xfffffffffffffff8)},
		Symbols:  []elftest.Sym{elftest.Var("buf", ".bss", 0, 8)},
	}
	if err := l.LoadModule("huge", huge.Bytes()); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("LoadModule(huge): got=%v want=%v", err, ErrOutOfMemory)
	}
	if _, ok := l.FindModule("huge"); ok || heap.InUse() != 0 {
		t.Fatalf("failed load left state behind: registered=%v blocks=%d", ok, heap.InUse())
	}
	if err := l.LoadModule("next", elftest.Minimal().Bytes()); err != nil {
		t.Fatalf("LoadModule(next): %v", err)
	}
	if st := mustStatus(t, l, "next"); st.Base != kmem.DefaultHeapBase {
		t.Fatalf("next base: got=%#x want=%#x", st.Base, uint64(kmem.DefaultHeapBase))
	}
}
