package kmodld

import (
	"slices"

	"github.com/ZenLiuCN/fn"
	"github.com/sliverarmory/kmodld/memmod"
	"go.uber.org/zap"
)

// Symbol is a named absolute address: a kernel export, or a definition
// found by the resolver.
type Symbol struct {
	Name string
	Addr uint64
}

type exportTable map[string]uint64

// newExportTable keeps the first entry for each name.
func newExportTable(syms []Symbol) exportTable {
	t := make(exportTable, len(syms))
	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		if _, ok := t[s.Name]; !ok {
			t[s.Name] = s.Addr
		}
	}
	return t
}

func (t exportTable) symbols() []Symbol {
	names := fn.MapKeys(t)
	slices.Sort(names)
	out := make([]Symbol, 0, len(names))
	for _, name := range names {
		out = append(out, Symbol{Name: name, Addr: t[name]})
	}
	return out
}

// RegisterKernelExports installs the dynamically registered export table.
// It can be called once; entries are never removed.
func (l *Loader) RegisterKernelExports(syms []Symbol) error {
	if !l.mu.TryLock() {
		return ErrBusy
	}
	defer l.mu.Unlock()
	if l.exportsSet {
		return ErrExportsRegistered
	}
	l.registered = newExportTable(syms)
	l.exportsSet = true
	l.log.Debug("registered kernel exports", zap.Int("count", len(l.registered)))
	return nil
}

// KernelExports lists both export tiers, built-in entries first, each tier
// sorted by name.
func (l *Loader) KernelExports() ([]Symbol, error) {
	if !l.mu.TryLock() {
		return nil, ErrBusy
	}
	defer l.mu.Unlock()
	return append(l.builtin.symbols(), l.registered.symbols()...), nil
}

// lookupKernel searches the built-in table, then the registered one.
func (l *Loader) lookupKernel(name string) (Symbol, bool) {
	for _, t := range []exportTable{l.builtin, l.registered} {
		if addr, ok := t[name]; ok {
			return Symbol{Name: name, Addr: addr}, true
		}
	}
	return Symbol{}, false
}

// lookup resolves name against the kernel tables and then the visible
// definitions of every RUNNING module in registry order. The providing
// module is nil for kernel exports.
func (l *Loader) lookup(name string) (Symbol, *Module, bool) {
	if sym, ok := l.lookupKernel(name); ok {
		return sym, nil, true
	}
	for _, m := range l.modules {
		if m.state != StateRunning {
			continue
		}
		if sym, ok := m.image.Symbols().LookupVisible(name); ok {
			return Symbol{Name: name, Addr: sym.Value}, m, true
		}
	}
	return Symbol{}, nil, false
}

// FindKernelSymbol looks name up in the export tables only.
func (l *Loader) FindKernelSymbol(name string) (Symbol, bool) {
	if !l.mu.TryLock() {
		return Symbol{}, false
	}
	defer l.mu.Unlock()
	return l.lookupKernel(name)
}

// Resolve returns the address the loader would bind name to.
func (l *Loader) Resolve(name string) (uint64, error) {
	if !l.mu.TryLock() {
		return 0, ErrBusy
	}
	defer l.mu.Unlock()
	sym, _, ok := l.lookup(name)
	if !ok {
		return 0, &SymbolError{Name: name}
	}
	return sym.Addr, nil
}

// FindSymbol returns the address of name in the named module's own symbol
// table, locals included.
func (l *Loader) FindSymbol(module, name string) (uint64, error) {
	if !l.mu.TryLock() {
		return 0, ErrBusy
	}
	defer l.mu.Unlock()
	m := l.find(module)
	if m == nil {
		return 0, ErrNotFound
	}
	addr, ok := memmod.FindSymbol(m.image, name)
	if !ok {
		return 0, &SymbolError{Name: name}
	}
	return addr, nil
}
