package kmodld

import (
	"errors"
	"fmt"
	"slices"

	"github.com/sliverarmory/kmodld/memmod"
	"go.uber.org/zap"
)

// LoadModule places the relocatable object data as module name, links it
// against the kernel exports and the running modules, registers it and runs
// its init hook. A failure before registration leaves nothing registered
// and nothing allocated. A failing init leaves the module registered in
// StateError.
func (l *Loader) LoadModule(name string, data []byte, opts ...LoadOption) error {
	if !l.mu.TryLock() {
		return ErrBusy
	}
	defer l.mu.Unlock()

	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}
	log := l.log.With(zap.String("module", name))

	if name == "" {
		return fmt.Errorf("kmodld: load module: %w: empty name", ErrInvalid)
	}
	if l.find(name) != nil {
		return fmt.Errorf("kmodld: load module %q: %w", name, ErrAlreadyLoaded)
	}
	if len(l.modules) >= l.maxModules {
		return fmt.Errorf("kmodld: load module %q: %w (%d)", name, ErrTooManyModules, l.maxModules)
	}
	if err := memmod.Validate(data); err != nil {
		return fmt.Errorf("kmodld: load module %q: %w", name, err)
	}

	var deps []string
	img, err := memmod.LoadRelocatable(data, l.alloc, l.linker(&deps), log)
	if err != nil {
		return fmt.Errorf("kmodld: load module %q: %w", name, err)
	}
	if n := img.SkippedRelocations(); n > 0 {
		log.Warn("module loaded with unsupported relocations left unapplied", zap.Int("count", n))
	}

	info := ReadMetadata(img)
	if info != nil {
		for _, dep := range info.Deps() {
			if m := l.find(dep); m == nil || m.state != StateRunning {
				if rerr := img.Release(); rerr != nil {
					log.Error("release after failed load", zap.Error(rerr))
				}
				return fmt.Errorf("kmodld: load module %q: %w: %q", name, ErrDependencyNotLoaded, dep)
			}
			if !slices.Contains(deps, dep) {
				deps = append(deps, dep)
			}
		}
	}

	m := &Module{
		name:     name,
		state:    StateLoading,
		flags:    o.flags,
		image:    img,
		info:     info,
		refCount: 1,
	}
	l.register(m, deps)
	log.Info("module registered", hexAddr("base", img.Base()), zap.Uint64("size", img.Size()), zap.Strings("deps", deps))
	m.setState(l, StateLoaded)

	ep := img.Init()
	if ep.IsZero() && info != nil {
		if addr := info.Init(); addr != 0 {
			ep = img.EntryPointAt(addr, memmod.ConvInt)
		}
	}
	if ep.IsZero() {
		log.Debug("module has no init hook")
		m.setState(l, StateRunning)
		return nil
	}

	code, err := memmod.Call(l.invoker, ep)
	if err != nil || code != 0 {
		m.setState(l, StateError)
		ierr := &InitError{Module: name, Code: code, Err: err}
		log.Error("module init failed", zap.Stringer("entry", ep), zap.Error(ierr))
		return ierr
	}
	m.setState(l, StateRunning)
	return nil
}

// linker returns the resolver used while relocating one module. Every
// running module that satisfies a reference is recorded in deps; the edges
// are only committed once the module is registered.
func (l *Loader) linker(deps *[]string) memmod.Resolver {
	return func(name string) (uint64, error) {
		sym, provider, ok := l.lookup(name)
		if !ok {
			return 0, &SymbolError{Name: name}
		}
		if provider != nil && !slices.Contains(*deps, provider.name) {
			*deps = append(*deps, provider.name)
		}
		return sym.Addr, nil
	}
}

// register appends m to the registry and commits its dependency edges.
// Each dependent holds one reference on its dependency.
func (l *Loader) register(m *Module, deps []string) {
	l.modules = append(l.modules, m)
	for _, name := range deps {
		dep := l.find(name)
		if dep == nil {
			continue
		}
		m.deps = append(m.deps, name)
		dep.dependents = append(dep.dependents, m.name)
		dep.refCount++
	}
}

// UnloadModule runs the module's cleanup hook, drops the references it holds
// on its dependencies and releases its image. Essential modules, modules
// with outstanding references and modules others depend on are refused.
func (l *Loader) UnloadModule(name string) error {
	if !l.mu.TryLock() {
		return ErrBusy
	}
	defer l.mu.Unlock()
	log := l.log.With(zap.String("module", name))

	m := l.find(name)
	if m == nil {
		return fmt.Errorf("kmodld: unload module %q: %w", name, ErrNotFound)
	}
	switch {
	case m.flags&FlagEssential != 0:
		log.Warn("refusing to unload essential module")
		return fmt.Errorf("kmodld: unload module %q: %w", name, ErrEssentialModule)
	case m.refCount > 1:
		log.Warn("refusing to unload referenced module", zap.Int("refs", m.refCount))
		return fmt.Errorf("kmodld: unload module %q: %w (%d references)", name, ErrInUse, m.refCount)
	case len(m.dependents) > 0:
		log.Warn("refusing to unload module with dependents", zap.Strings("dependents", m.dependents))
		return fmt.Errorf("kmodld: unload module %q: %w: %v", name, ErrHasDependents, m.dependents)
	}

	if m.reachedRun {
		l.cleanup(m)
	}
	for _, depName := range m.deps {
		dep := l.find(depName)
		if dep == nil {
			continue
		}
		dep.dependents = slices.DeleteFunc(dep.dependents, func(s string) bool { return s == name })
		if dep.refCount > 1 {
			dep.refCount--
		}
	}
	m.deps = nil

	l.remove(m)
	m.setState(l, StateUnloaded)
	if err := m.image.Release(); err != nil {
		return fmt.Errorf("kmodld: unload module %q: %w", name, err)
	}
	log.Info("module unloaded")
	return nil
}

// cleanup calls the module's cleanup hook. A failure is logged; unloading
// continues regardless.
func (l *Loader) cleanup(m *Module) {
	ep := m.image.Cleanup()
	if ep.IsZero() && m.info != nil {
		if addr := m.info.Cleanup(); addr != 0 {
			ep = m.image.EntryPointAt(addr, memmod.ConvVoid)
		}
	}
	if ep.IsZero() {
		return
	}
	if _, err := memmod.Call(l.invoker, ep); err != nil {
		l.log.Error("module cleanup failed", zap.String("module", m.name), zap.Stringer("entry", ep), zap.Error(err))
	}
}

// Ref takes an extra reference on a registered module.
func (l *Loader) Ref(name string) error {
	if !l.mu.TryLock() {
		return ErrBusy
	}
	defer l.mu.Unlock()
	m := l.find(name)
	if m == nil {
		return fmt.Errorf("kmodld: ref module %q: %w", name, ErrNotFound)
	}
	m.refCount++
	return nil
}

// Unref drops a reference taken with Ref. The registration reference and the
// references held by dependents cannot be dropped this way.
func (l *Loader) Unref(name string) error {
	if !l.mu.TryLock() {
		return ErrBusy
	}
	defer l.mu.Unlock()
	m := l.find(name)
	if m == nil {
		return fmt.Errorf("kmodld: unref module %q: %w", name, ErrNotFound)
	}
	if m.refCount <= 1+len(m.dependents) {
		return fmt.Errorf("kmodld: unref module %q: %w", name, ErrRefCount)
	}
	m.refCount--
	return nil
}

// UnloadAll unloads every module that can be unloaded, newest first, and
// returns the refusals joined.
func (l *Loader) UnloadAll() error {
	if !l.mu.TryLock() {
		return ErrBusy
	}
	names := make([]string, 0, len(l.modules))
	for _, m := range slices.Backward(l.modules) {
		names = append(names, m.name)
	}
	l.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := l.UnloadModule(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
