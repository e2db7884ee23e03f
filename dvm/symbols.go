package dvm

import (
	"errors"
	"fmt"
)

// Runtime entry points exported by libdvm.
const (
	DefaultLibrary = "libdvm.so"

	SymThreadSelf        = "_Z13dvmThreadSelfv"
	SymDecodeIndirectRef = "_Z20dvmDecodeIndirectRefP6ThreadP8_jobject"
)

// Inline-operation table getters, primary name first. Builds differ in
// whether the getters are exported with C or C++ linkage.
var (
	InlineOpsTableSymbols  = []string{"dvmGetInlineOpsTable", "_Z20dvmGetInlineOpsTablev"}
	InlineOpsLengthSymbols = []string{"dvmGetInlineOpsTableLength", "_Z26dvmGetInlineOpsTableLengthv"}
)

// SymbolSource resolves exported symbols to addresses.
type SymbolSource interface {
	Symbol(name string) (uintptr, error)
}

// Chain is a SymbolSource trying each source in order.
type Chain []SymbolSource

func (c Chain) Symbol(name string) (uintptr, error) {
	var errs []error
	for _, src := range c {
		if src == nil {
			continue
		}
		addr, err := src.Symbol(name)
		if err == nil {
			return addr, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return 0, fmt.Errorf("dvm: %s: no symbol sources", name)
	}
	return 0, errors.Join(errs...)
}

// FirstOf resolves the first of names that src knows and reports which one
// matched.
func FirstOf(src SymbolSource, names ...string) (uintptr, string, error) {
	if len(names) == 0 {
		return 0, "", errors.New("dvm: no symbol names")
	}
	var errs []error
	for _, name := range names {
		addr, err := src.Symbol(name)
		if err == nil {
			return addr, name, nil
		}
		errs = append(errs, err)
	}
	return 0, "", fmt.Errorf("dvm: none of %v resolved: %w", names, errors.Join(errs...))
}
