package dvm

import (
	"errors"
	"fmt"
	"io"

	"github.com/sliverarmory/dexdump/dynlib"
)

// Library is the runtime capability backed by the runtime's own shared
// library. Symbols are resolved once; a missing symbol disables only the
// capability that needs it.
type Library struct {
	closers []io.Closer

	threadSelf uintptr
	decodeRef  uintptr
	runtimeErr error

	inlineTable  uintptr
	inlineLength uintptr
	tableName    string
	lengthName   string
	inlineErr    error
}

var (
	_ Runtime         = (*Library)(nil)
	_ InlineOpsSource = (*Library)(nil)
)

// Open binds the runtime library at path, DefaultLibrary when empty. Names
// the library does not export are looked up in the global scope of the
// process as well.
func Open(path string) (*Library, error) {
	if path == "" {
		path = DefaultLibrary
	}
	lib, err := dynlib.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
	}
	src := Chain{lib}
	closers := []io.Closer{lib}
	if self, err := dynlib.Self(); err == nil {
		src = append(src, self)
		closers = append(closers, self)
	}

	l := Bind(src)
	l.closers = closers
	return l, nil
}

// Bind resolves the runtime entry points from src.
func Bind(src SymbolSource) *Library {
	l := &Library{}

	var err error
	if l.threadSelf, err = src.Symbol(SymThreadSelf); err != nil {
		l.runtimeErr = err
	} else if l.decodeRef, err = src.Symbol(SymDecodeIndirectRef); err != nil {
		l.runtimeErr = err
	}

	l.inlineTable, l.tableName, err = FirstOf(src, InlineOpsTableSymbols...)
	if err == nil {
		l.inlineLength, l.lengthName, err = FirstOf(src, InlineOpsLengthSymbols...)
	}
	l.inlineErr = err
	return l
}

// ThreadSelf implements Runtime.
func (l *Library) ThreadSelf() (uintptr, error) {
	if l.runtimeErr != nil {
		return 0, fmt.Errorf("%w: %v", ErrCapabilityUnavailable, l.runtimeErr)
	}
	thread, err := dynlib.Call(l.threadSelf)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
	}
	if thread == 0 {
		return 0, fmt.Errorf("%w: calling thread is not attached to the runtime", ErrCapabilityUnavailable)
	}
	return thread, nil
}

// DecodeIndirectRef implements Runtime.
func (l *Library) DecodeIndirectRef(thread, ref uintptr) (uintptr, error) {
	if l.runtimeErr != nil {
		return 0, fmt.Errorf("%w: %v", ErrCapabilityUnavailable, l.runtimeErr)
	}
	obj, err := dynlib.Call(l.decodeRef, thread, ref)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
	}
	return obj, nil
}

// Table implements InlineOpsSource.
func (l *Library) Table() (uint64, int, error) {
	if l.inlineErr != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrCapabilityUnavailable, l.inlineErr)
	}
	table, err := dynlib.Call(l.inlineTable)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
	}
	length, err := dynlib.Call(l.inlineLength)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
	}
	// The length getter returns a C int; only the low 32 bits are defined.
	return uint64(table), int(int32(uint32(length))), nil
}

// InlineSymbols reports which getter names were bound.
func (l *Library) InlineSymbols() (table, length string) {
	return l.tableName, l.lengthName
}

// Close releases the library handles taken by Open.
func (l *Library) Close() error {
	var errs []error
	for _, c := range l.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.closers = nil
	return errors.Join(errs...)
}
