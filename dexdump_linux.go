//go:build linux

package dexdump

import (
	"go.opentelemetry.io/ebpf-profiler/process"

	"github.com/sliverarmory/dexdump/procmaps"
)

// WithProcessMappings takes the memory map from an ebpf-profiler mapping
// source instead of a maps file.
func WithProcessMappings(fn func() ([]process.Mapping, error)) Option {
	return WithMaps(func() ([]procmaps.Mapping, error) {
		pms, err := fn()
		if err != nil {
			return nil, err
		}
		return procmaps.FromProcessMappings(pms), nil
	})
}
