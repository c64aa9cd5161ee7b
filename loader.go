// Package kmodld loads ELF64 x86-64 relocatable objects as kernel modules
// and freestanding executables into kernel memory.
package kmodld

import (
	"fmt"
	"slices"
	"sync"

	"github.com/sliverarmory/kmodld/memmod"
	"github.com/sliverarmory/kmodld/memmod/kmem"
	"go.uber.org/zap"
)

// DefaultMaxModules is the registry capacity when none is configured.
const DefaultMaxModules = 32

// Loader owns the module registry and the kernel export tables. All
// mutating methods are single-mutator: a call made while another is in
// progress, including one made from inside a module's init or cleanup hook,
// fails with ErrBusy.
type Loader struct {
	mu sync.Mutex

	log        *zap.Logger
	alloc      kmem.Allocator
	invoker    memmod.Invoker
	maxModules int

	builtin    exportTable
	registered exportTable
	exportsSet bool

	modules []*Module
}

// Option configures a Loader.
type Option func(*Loader)

// WithAllocator sets the allocator module and executable images come from.
func WithAllocator(a kmem.Allocator) Option {
	return func(l *Loader) {
		l.alloc = a
	}
}

// WithInvoker sets how entry points are called.
func WithInvoker(inv memmod.Invoker) Option {
	return func(l *Loader) {
		l.invoker = inv
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(l *Loader) {
		l.log = log
	}
}

func WithMaxModules(n int) Option {
	return func(l *Loader) {
		l.maxModules = n
	}
}

// WithBuiltinExports sets the compiled-in export table, which is consulted
// before every other symbol source.
func WithBuiltinExports(syms []Symbol) Option {
	return func(l *Loader) {
		l.builtin = newExportTable(syms)
	}
}

// NewLoader returns a loader with an empty registry. Without options it
// places images in a default kmem.Heap and calls hooks with a dry-run
// invoker.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{maxModules: DefaultMaxModules}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	if l.alloc == nil {
		l.alloc = kmem.NewHeap(kmem.DefaultHeapBase, kmem.DefaultHeapSize)
	}
	if l.invoker == nil {
		l.invoker = memmod.DryRunInvoker{Log: l.log}
	}
	if l.maxModules <= 0 {
		l.maxModules = DefaultMaxModules
	}
	return l
}

func hexAddr(key string, v uint64) zap.Field {
	return zap.String(key, fmt.Sprintf("%#x", v))
}

// Allocator returns the allocator the loader places images with.
func (l *Loader) Allocator() kmem.Allocator {
	return l.alloc
}

func (l *Loader) find(name string) *Module {
	for _, m := range l.modules {
		if m.name == name {
			return m
		}
	}
	return nil
}

func (l *Loader) remove(m *Module) {
	l.modules = slices.DeleteFunc(l.modules, func(o *Module) bool { return o == m })
}

// FindModule returns a snapshot of the named module. It reports false while
// another loader call is in progress.
func (l *Loader) FindModule(name string) (ModuleStatus, bool) {
	if !l.mu.TryLock() {
		return ModuleStatus{}, false
	}
	defer l.mu.Unlock()
	m := l.find(name)
	if m == nil {
		return ModuleStatus{}, false
	}
	return m.status(), true
}

// Modules returns snapshots of every registered module in registry order.
func (l *Loader) Modules() ([]ModuleStatus, error) {
	if !l.mu.TryLock() {
		return nil, ErrBusy
	}
	defer l.mu.Unlock()
	out := make([]ModuleStatus, 0, len(l.modules))
	for _, m := range l.modules {
		out = append(out, m.status())
	}
	return out, nil
}
