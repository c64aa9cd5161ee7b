package kmodld

import (
	"errors"
	"fmt"

	"github.com/sliverarmory/kmodld/memmod"
)

// Format and placement errors come from memmod.
var (
	ErrNotELF          = memmod.ErrNotELF
	ErrWrongClass      = memmod.ErrWrongClass
	ErrWrongEndianness = memmod.ErrWrongEndianness
	ErrWrongMachine    = memmod.ErrWrongMachine
	ErrUnsupported     = memmod.ErrUnsupported

	ErrInvalid        = memmod.ErrInvalid
	ErrOutOfMemory    = memmod.ErrOutOfMemory
	ErrSymbolNotFound = memmod.ErrSymbolNotFound

	ErrNoEntryPoint       = memmod.ErrNoEntryPoint
	ErrInvalidEntry       = memmod.ErrInvalidEntry
	ErrCallingUnsupported = memmod.ErrCallingUnsupported
)

var (
	ErrAlreadyLoaded       = errors.New("kmodld: module already loaded")
	ErrTooManyModules      = errors.New("kmodld: too many modules")
	ErrInitFailed          = errors.New("kmodld: module init failed")
	ErrDependencyNotLoaded = errors.New("kmodld: dependency not running")

	ErrNotFound        = errors.New("kmodld: module not found")
	ErrEssentialModule = errors.New("kmodld: module is essential")
	ErrInUse           = errors.New("kmodld: module in use")
	ErrHasDependents   = errors.New("kmodld: module has dependents")

	ErrBusy              = errors.New("kmodld: loader busy")
	ErrExportsRegistered = errors.New("kmodld: kernel exports already registered")
	ErrRefCount          = errors.New("kmodld: reference count would drop below held references")
)

// SymbolError is memmod's undefined-symbol error.
type SymbolError = memmod.SymbolError

// InitError reports a module whose init hook failed. Code is the hook's
// return value; Err is set instead when the hook could not be called.
type InitError struct {
	Module string
	Code   int32
	Err    error
}

func (e *InitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kmodld: init of module %q: %v", e.Module, e.Err)
	}
	return fmt.Sprintf("kmodld: init of module %q returned %d", e.Module, e.Code)
}

func (e *InitError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInitFailed, e.Err}
	}
	return []error{ErrInitFailed}
}
