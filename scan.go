package dexdump

import (
	"fmt"

	"github.com/sliverarmory/dexdump/layout"
	"github.com/sliverarmory/dexdump/locator"
	"github.com/sliverarmory/dexdump/procmaps"
)

const (
	dexMagic  = "dex\n"
	odexMagic = "dey\n"

	// MaxRegionRead bounds ReadRegion.
	MaxRegionRead = 1 << 30
	readChunk     = 1 << 20
)

// ContainerKind tells plain dex images from optimized ones.
type ContainerKind string

const (
	KindDex  ContainerKind = "dex"
	KindOdex ContainerKind = "odex"
)

// Container is a bytecode image found at the start of a readable mapping.
// For optimized images Region covers the embedded dex, not the whole file.
type Container struct {
	Kind    ContainerKind         `json:"kind"`
	Version string                `json:"version"`
	Region  locator.BackingRegion `json:"region"`
	Mapping string                `json:"mapping,omitempty"`
}

// ScanContainers looks for dex and optimized dex magic at the start of every
// readable mapping and reports the length each header declares.
func (e *Engine) ScanContainers() ([]Container, error) {
	mappings, err := e.maps()
	if err != nil {
		return nil, fmt.Errorf("dexdump: memory map: %w", err)
	}

	s := e.catalog.Structs()
	var found []Container
	for _, m := range procmaps.Readable(mappings) {
		magic, err := e.view.Bytes(m.Start, 8)
		if err != nil {
			e.log.Debugf("mapping %#x-%#x unreadable: %v", m.Start, m.End, err)
			continue
		}

		var c Container
		switch string(magic[:4]) {
		case dexMagic:
			size, err := e.view.Uint32(m.Start + s.DexHeader.Offset("fileSize"))
			if err != nil {
				continue
			}
			c = Container{Kind: KindDex, Region: locator.BackingRegion{Address: m.Start, Length: uint64(size)}}
		case odexMagic:
			region, ok := e.embeddedDex(m.Start, s)
			if !ok {
				continue
			}
			c = Container{Kind: KindOdex, Region: region}
		default:
			continue
		}
		if c.Region.Length == 0 {
			continue
		}
		c.Version = versionString(magic[4:])
		c.Mapping = m.Path
		e.log.Debugf("found %s %s in %q", c.Kind, c.Region, m.Path)
		found = append(found, c)
	}
	return found, nil
}

// embeddedDex follows an optimized dex header to the dex it wraps.
func (e *Engine) embeddedDex(start uint64, s layout.Structs) (locator.BackingRegion, bool) {
	offset, err := e.view.Uint32(start + s.DexOptHeader.Offset("dexOffset"))
	if err != nil {
		return locator.BackingRegion{}, false
	}
	length, err := e.view.Uint32(start + s.DexOptHeader.Offset("dexLength"))
	if err != nil {
		return locator.BackingRegion{}, false
	}
	inner, err := e.view.Bytes(start+uint64(offset), 4)
	if err != nil || string(inner) != dexMagic {
		return locator.BackingRegion{}, false
	}
	return locator.BackingRegion{Address: start + uint64(offset), Length: uint64(length)}, true
}

func versionString(b []byte) string {
	out := make([]byte, 0, len(b))
	for _, ch := range b {
		if ch == 0 {
			break
		}
		out = append(out, ch)
	}
	return string(out)
}

// ReadRegion copies the bytes of region out of the inspected address space.
func (e *Engine) ReadRegion(region locator.BackingRegion) ([]byte, error) {
	if region.Address == 0 || region.Length == 0 {
		return nil, fmt.Errorf("%w: %s", locator.ErrEmptyRegion, region)
	}
	if region.Length > MaxRegionRead {
		return nil, fmt.Errorf("dexdump: region %s exceeds %d bytes", region, MaxRegionRead)
	}

	out := make([]byte, 0, region.Length)
	for done := uint64(0); done < region.Length; {
		n := region.Length - done
		if n > readChunk {
			n = readChunk
		}
		chunk, err := e.view.Bytes(region.Address+done, int(n))
		if err != nil {
			return nil, fmt.Errorf("dexdump: read %s: %w", region, err)
		}
		out = append(out, chunk...)
		done += n
	}
	return out, nil
}
