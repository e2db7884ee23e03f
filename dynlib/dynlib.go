// Package dynlib binds dlopen and dlsym of the running process. The libc
// entry points are located through /proc/self/maps and their ELF symbol
// tables, then called through a cgo trampoline.
package dynlib

import (
	"errors"
	"fmt"
)

// MaxArgs is the largest number of word arguments Call passes.
const MaxArgs = 4

var (
	// ErrClosed is returned by a Library after Close.
	ErrClosed = errors.New("dynlib: library is closed")
	// ErrSymbolNotFound is returned when dlsym cannot resolve a name.
	ErrSymbolNotFound = errors.New("dynlib: symbol not found")
	// ErrUnsupported is returned on builds without linux and cgo.
	ErrUnsupported = errors.New("dynlib: dynamic loading requires linux with cgo")
)

func checkCall(fn uintptr, args []uintptr) error {
	if fn == 0 {
		return errors.New("dynlib: call through a nil function pointer")
	}
	if len(args) > MaxArgs {
		return fmt.Errorf("dynlib: %d arguments, at most %d are supported", len(args), MaxArgs)
	}
	return nil
}
