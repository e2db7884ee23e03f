package locator

import (
	"fmt"

	"github.com/sliverarmory/dexdump/layout"
	"github.com/sliverarmory/dexdump/memory"
)

// AnchorScanResult is the outcome of a successful anchor scan.
type AnchorScanResult struct {
	// Slot is the anchor position in pointer-sized slots past the begin field.
	Slot int
	// Address is where the anchor slot lives.
	Address uint64
	// Anchor is the duplicated begin value.
	Anchor uint64
	// Siblings holds the values at the declared offsets relative to Slot.
	Siblings []uint64
}

// Scan treats the memory from the root's begin field onward as an array of
// slots and looks for the first slot in [1, window) that repeats the begin
// value. The runtime stores its begin pointer a second time at the head of a
// block whose internal layout is stable, so the siblings are read relative to
// that duplicate. The window never extends past one page of slots and the
// scan stops at the first unreadable slot.
func Scan(v memory.View, root uint64, s layout.AnchorScan) (AnchorScanResult, error) {
	window := s.SearchWindowSlots
	if limit := memory.PageSize / v.PtrSize; window > limit {
		window = limit
	}

	beginAddr := root + s.BeginOffset
	begin, err := v.Word(beginAddr)
	if err != nil {
		return AnchorScanResult{}, fmt.Errorf("locator: begin field: %w", err)
	}
	if begin == 0 {
		return AnchorScanResult{}, fmt.Errorf("%w: begin field at 0x%x is null", ErrAnchorNotFound, beginAddr)
	}

	slot := -1
	for i := 1; i < window; i++ {
		value, err := v.Slot(beginAddr, i)
		if err != nil {
			return AnchorScanResult{}, fmt.Errorf("%w: slot %d: %w", ErrAnchorNotFound, i, err)
		}
		if value == begin {
			slot = i
			break
		}
	}
	if slot < 0 {
		return AnchorScanResult{}, fmt.Errorf("%w: no duplicate of 0x%x within %d slots", ErrAnchorNotFound, begin, window)
	}

	anchorAddr := beginAddr + uint64(slot)*uint64(v.PtrSize)
	siblings := make([]uint64, len(s.SiblingOffsets))
	for i, off := range s.SiblingOffsets {
		value, err := v.Slot(anchorAddr, off)
		if err != nil {
			return AnchorScanResult{}, fmt.Errorf("locator: anchor sibling %+d: %w", off, err)
		}
		siblings[i] = value
	}

	return AnchorScanResult{
		Slot:     slot,
		Address:  anchorAddr,
		Anchor:   begin,
		Siblings: siblings,
	}, nil
}
