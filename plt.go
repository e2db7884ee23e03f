package dexdump

import (
	"fmt"

	"github.com/sliverarmory/dexdump/elfwalk"
	"github.com/sliverarmory/dexdump/procmaps"
)

// DefaultModuleFilter selects shared objects.
const DefaultModuleFilter = ".so"

// PLTSnapshot maps module path to symbol name to resolved PLT slot address.
// Modules that could not be walked are listed in Failures instead.
type PLTSnapshot struct {
	Modules  map[string]map[string]uint64
	Failures map[string]error
}

// SnapshotPLTSymbols walks the PLT relocations of every executable module
// whose path contains filter. One unreadable module does not stop the
// others; the error return is reserved for failing to read the memory map.
func (e *Engine) SnapshotPLTSymbols(filter string) (PLTSnapshot, error) {
	if filter == "" {
		filter = DefaultModuleFilter
	}
	mappings, err := e.maps()
	if err != nil {
		return PLTSnapshot{}, fmt.Errorf("dexdump: memory map: %w", err)
	}

	snap := PLTSnapshot{
		Modules:  make(map[string]map[string]uint64),
		Failures: make(map[string]error),
	}
	for _, mod := range procmaps.ListModules(mappings, filter) {
		img, err := elfwalk.Open(e.mem, mod.Path, mod.Base, e.log)
		if err != nil {
			e.log.WithError(err).Warnf("skipping module %s at %#x", mod.Path, mod.Base)
			snap.Failures[mod.Path] = err
			continue
		}
		symbols := make(map[string]uint64, img.RelCount)
		for entry := range img.Entries() {
			if _, ok := symbols[entry.Symbol]; !ok {
				symbols[entry.Symbol] = entry.Address
			}
		}
		snap.Modules[mod.Path] = symbols
		e.log.Debugf("module %s at %#x: %d PLT symbols", mod.Path, mod.Base, len(symbols))
	}
	return snap, nil
}

// Modules lists the executable modules whose path contains filter.
func (e *Engine) Modules(filter string) ([]procmaps.Module, error) {
	mappings, err := e.maps()
	if err != nil {
		return nil, fmt.Errorf("dexdump: memory map: %w", err)
	}
	return procmaps.ListModules(mappings, filter), nil
}
