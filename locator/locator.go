// Package locator walks runtime-private structures in foreign memory to the
// backing region of a loaded bytecode container. It interprets the
// strategies of package layout and never assumes a pointer is valid: a null
// hop, an unreadable slot or an empty region all fail the call without a
// partial result.
package locator

import (
	"errors"
	"fmt"

	"github.com/sliverarmory/dexdump/layout"
	"github.com/sliverarmory/dexdump/memory"
)

var (
	// ErrChainBroken is returned when a fixed-offset hop reads a null pointer.
	ErrChainBroken = errors.New("locator: pointer chain broken")
	// ErrAnchorNotFound is returned when an anchor scan exhausts its window.
	ErrAnchorNotFound = errors.New("locator: anchor not found")
	// ErrEmptyRegion is returned when a located region has a null address or
	// zero length.
	ErrEmptyRegion = errors.New("locator: empty backing region")
)

// RootHop is the ChainBrokenError hop index of a null root. Link hops are
// numbered from 0 in strategy order.
const RootHop = -1

// ChainBrokenError reports the hop index that read a null pointer, or
// RootHop when the walk had no root to start from.
type ChainBrokenError struct {
	Hop    int
	Offset uint64
}

func (e *ChainBrokenError) Error() string {
	if e.Hop == RootHop {
		return "locator: pointer chain broken at the root (null)"
	}
	return fmt.Sprintf("locator: pointer chain broken at hop %d (field +0x%x is null)", e.Hop, e.Offset)
}

func (e *ChainBrokenError) Unwrap() error { return ErrChainBroken }

// BackingRegion is a byte range in the inspected address space. It is only
// valid while the owner keeps the container mapped.
type BackingRegion struct {
	Address uint64 `json:"address"`
	Length  uint64 `json:"length"`
}

func (r BackingRegion) String() string {
	return fmt.Sprintf("0x%x+0x%x", r.Address, r.Length)
}

// Locate resolves the backing region reachable from root under strategy.
func Locate(v memory.View, root uint64, strategy layout.Strategy) (BackingRegion, error) {
	if root == 0 {
		return BackingRegion{}, &ChainBrokenError{Hop: RootHop}
	}

	var (
		region BackingRegion
		err    error
	)
	switch s := strategy.(type) {
	case layout.FixedChain:
		region, err = walkFixed(v, root, s)
	case layout.FixedChainWithPrecomputedAlt:
		region, err = walkWithAlt(v, root, s)
	case layout.AnchorScan:
		region, err = regionFromAnchor(v, root, s)
	case nil:
		return BackingRegion{}, errors.New("locator: nil strategy")
	default:
		return BackingRegion{}, fmt.Errorf("locator: strategy %T does not describe a backing region", strategy)
	}
	if err != nil {
		return BackingRegion{}, err
	}
	if region.Address == 0 || region.Length == 0 {
		return BackingRegion{}, fmt.Errorf("%w: %s", ErrEmptyRegion, region)
	}
	return region, nil
}

// follow applies hops to cursor. Hop indices in errors start at first.
func follow(v memory.View, cursor uint64, hops []layout.Hop, first int) (uint64, error) {
	for i, hop := range hops {
		if hop.Wrapper {
			cursor += hop.Offset
			continue
		}
		next, err := v.Word(cursor + hop.Offset)
		if err != nil {
			return 0, fmt.Errorf("locator: hop %d: %w", first+i, err)
		}
		if next == 0 {
			return 0, &ChainBrokenError{Hop: first + i, Offset: hop.Offset}
		}
		cursor = next
	}
	return cursor, nil
}

func walkFixed(v memory.View, root uint64, s layout.FixedChain) (BackingRegion, error) {
	cursor, err := follow(v, root, s.Hops, 0)
	if err != nil {
		return BackingRegion{}, err
	}
	addr, err := v.Word(cursor + s.Region.Address)
	if err != nil {
		return BackingRegion{}, fmt.Errorf("locator: region address: %w", err)
	}
	length, err := v.Uint(cursor+s.Region.Length, s.Region.LengthSize)
	if err != nil {
		return BackingRegion{}, fmt.Errorf("locator: region length: %w", err)
	}
	return BackingRegion{Address: addr, Length: length}, nil
}

func walkWithAlt(v memory.View, root uint64, s layout.FixedChainWithPrecomputedAlt) (BackingRegion, error) {
	image, err := follow(v, root, s.Alt.Hops, 0)
	switch {
	case err == nil:
		length, err := v.Uint(image+s.Alt.LengthOffset, s.Alt.LengthSize)
		if err != nil {
			return BackingRegion{}, fmt.Errorf("locator: precomputed image length: %w", err)
		}
		return BackingRegion{Address: image, Length: length}, nil
	case errors.Is(err, ErrChainBroken):
		// No precomputed image; the primary chain is authoritative.
		return walkFixed(v, root, s.Primary)
	default:
		return BackingRegion{}, err
	}
}

func regionFromAnchor(v memory.View, root uint64, s layout.AnchorScan) (BackingRegion, error) {
	res, err := Scan(v, root, s)
	if err != nil {
		return BackingRegion{}, err
	}
	length, err := v.Uint32(res.Anchor + s.LengthOffset)
	if err != nil {
		return BackingRegion{}, fmt.Errorf("locator: header length: %w", err)
	}
	return BackingRegion{Address: res.Anchor, Length: uint64(length)}, nil
}
