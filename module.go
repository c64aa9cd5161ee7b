package kmodld

import (
	"fmt"
	"strings"

	"github.com/sliverarmory/kmodld/memmod"
	"go.uber.org/zap"
)

// State is a module's position in its life cycle.
type State uint8

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "UNLOADED"
	case StateLoading:
		return "LOADING"
	case StateLoaded:
		return "LOADED"
	case StateRunning:
		return "RUNNING"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Flags are per-module attributes fixed at load time.
type Flags uint8

const (
	// FlagEssential modules can never be unloaded.
	FlagEssential Flags = 1 << iota
	// FlagBuiltin marks a module shipped with the kernel image.
	FlagBuiltin
)

func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	var parts []string
	if f&FlagEssential != 0 {
		parts = append(parts, "essential")
	}
	if f&FlagBuiltin != 0 {
		parts = append(parts, "builtin")
	}
	if rest := f &^ (FlagEssential | FlagBuiltin); rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// Module is one registry entry. The registry is its only owner;
// dependencies and dependents refer to other entries by name.
type Module struct {
	name       string
	state      State
	flags      Flags
	image      *memmod.Image
	info       *Metadata
	refCount   int
	deps       []string
	dependents []string
	reachedRun bool
}

func (m *Module) setState(l *Loader, s State) {
	l.log.Debug("module state", zap.String("module", m.name), zap.Stringer("from", m.state), zap.Stringer("to", s))
	m.state = s
	if s == StateRunning {
		m.reachedRun = true
	}
}

// ModuleStatus is a snapshot of a registered module.
type ModuleStatus struct {
	Name         string
	State        State
	Flags        Flags
	Base         uint64
	Size         uint64
	RefCount     int
	Dependencies []string
	Dependents   []string
	// Info is nil when the module carries no module_info record.
	Info               *Metadata
	SkippedRelocations int
}

func (m *Module) status() ModuleStatus {
	return ModuleStatus{
		Name:               m.name,
		State:              m.state,
		Flags:              m.flags,
		Base:               m.image.Base(),
		Size:               m.image.Size(),
		RefCount:           m.refCount,
		Dependencies:       append([]string(nil), m.deps...),
		Dependents:         append([]string(nil), m.dependents...),
		Info:               m.info,
		SkippedRelocations: m.image.SkippedRelocations(),
	}
}

type loadOptions struct {
	flags Flags
}

// LoadOption configures a single LoadModule call.
type LoadOption func(*loadOptions)

// WithFlags sets the module's flags.
func WithFlags(f Flags) LoadOption {
	return func(o *loadOptions) {
		o.flags |= f
	}
}
