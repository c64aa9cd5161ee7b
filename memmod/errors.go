package memmod

import (
	"errors"
	"fmt"

	"github.com/sliverarmory/kmodld/memmod/kmem"
)

// Format errors, reported by Validate and by the placer for the object type.
var (
	ErrNotELF          = errors.New("not an ELF image")
	ErrWrongClass      = errors.New("not a 64-bit ELF image")
	ErrWrongEndianness = errors.New("not a little-endian ELF image")
	ErrWrongMachine    = errors.New("not an x86-64 ELF image")
	ErrUnsupported     = errors.New("unsupported ELF image")
)

// Load errors.
var (
	ErrInvalid        = errors.New("invalid ELF image")
	ErrOutOfMemory    = kmem.ErrOutOfMemory
	ErrSymbolNotFound = errors.New("symbol not found")
)

// Execution errors.
var (
	ErrNoEntryPoint       = errors.New("no entry point")
	ErrInvalidEntry       = errors.New("invalid entry point")
	ErrCallingUnsupported = errors.New("calling unsupported")
	ErrImageReleased      = errors.New("image released")
)

// SymbolError reports an undefined symbol that no export table or loaded
// module could satisfy.
type SymbolError struct {
	Name string
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("undefined symbol %q", e.Name)
}

func (e *SymbolError) Unwrap() error {
	return ErrSymbolNotFound
}

// A wrappedError is an error wrapped with a location for context.
type wrappedError struct {
	location string
	inner    error
}

func (e *wrappedError) Error() string {
	return fmt.Sprintf("%s: %v", e.location, e.inner)
}

func (e *wrappedError) Unwrap() error {
	return e.inner
}

// wrapError returns an error wrapped with a location for context.
func wrapError(e error, loc string) error {
	if we, ok := e.(*wrappedError); ok {
		return &wrappedError{
			location: loc + ": " + we.location,
			inner:    we.inner,
		}
	}
	return &wrappedError{
		location: loc,
		inner:    e,
	}
}

func wrapErrorf(e error, f string, a ...any) error {
	return wrapError(e, fmt.Sprintf(f, a...))
}

func wrapErrorSection(e error, i int, name string) error {
	return wrapErrorf(e, "section %d %q", i, name)
}

func invalidf(f string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(f, a...))
}

// outOfMemory keeps allocator failures matchable as ErrOutOfMemory whatever
// the allocator reported.
func outOfMemory(err error) error {
	if errors.Is(err, ErrOutOfMemory) {
		return err
	}
	if errors.Is(err, kmem.ErrBadAlign) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
}
