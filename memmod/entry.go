package memmod

import (
	"fmt"

	"go.uber.org/zap"
)

// CallConv tags how code at an entry point expects to be called.
type CallConv uint8

const (
	ConvNone CallConv = iota
	// ConvInt is a System V int fn(void).
	ConvInt
	// ConvVoid is a System V void fn(void).
	ConvVoid
)

func (c CallConv) String() string {
	switch c {
	case ConvNone:
		return "none"
	case ConvInt:
		return "int(void)"
	case ConvVoid:
		return "void(void)"
	default:
		return fmt.Sprintf("CallConv(%d)", uint8(c))
	}
}

// EntryPoint is the capability to call into a placed image: an address
// plus calling convention, bounded to the image it was taken from. The zero
// value means absent.
type EntryPoint struct {
	Addr uint64
	Conv CallConv

	lo, hi uint64
}

// IsZero reports whether the entry point is absent.
func (ep EntryPoint) IsZero() bool {
	return ep.Addr == 0 && ep.Conv == ConvNone
}

// Validate checks that ep has a known convention and points into the image
// it was taken from.
func (ep EntryPoint) Validate() error {
	switch ep.Conv {
	case ConvInt, ConvVoid:
	default:
		return fmt.Errorf("%w: convention %s", ErrInvalidEntry, ep.Conv)
	}
	if ep.Addr < ep.lo || ep.Addr >= ep.hi {
		return fmt.Errorf("%w: %#x outside image [%#x, %#x)", ErrInvalidEntry, ep.Addr, ep.lo, ep.hi)
	}
	return nil
}

func (ep EntryPoint) String() string {
	if ep.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%#x %s", ep.Addr, ep.Conv)
}

// Invoker transfers control to an entry point. Implementations may assume
// the entry point has been validated.
type Invoker interface {
	Invoke(ep EntryPoint) (int32, error)
}

// Call validates ep and hands it to inv. Loader code never calls image
// addresses any other way.
func Call(inv Invoker, ep EntryPoint) (int32, error) {
	if err := ep.Validate(); err != nil {
		return 0, err
	}
	return inv.Invoke(ep)
}

// DryRunInvoker logs entry points instead of calling them and reports
// success.
type DryRunInvoker struct {
	Log *zap.Logger
}

func (d DryRunInvoker) Invoke(ep EntryPoint) (int32, error) {
	if d.Log != nil {
		d.Log.Info("dry run: not entering image", zap.Stringer("entry", ep))
	}
	return 0, nil
}

// FuncInvoker maps entry addresses to Go stand-ins for the code at that
// address.
type FuncInvoker map[uint64]func() int32

func (f FuncInvoker) Invoke(ep EntryPoint) (int32, error) {
	fn, ok := f[ep.Addr]
	if !ok {
		return 0, fmt.Errorf("%w: nothing bound at %#x", ErrCallingUnsupported, ep.Addr)
	}
	return fn(), nil
}
