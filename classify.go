package dexdump

import (
	"errors"

	"github.com/sliverarmory/dexdump/dvm"
	"github.com/sliverarmory/dexdump/elfwalk"
	"github.com/sliverarmory/dexdump/layout"
	"github.com/sliverarmory/dexdump/locator"
	"github.com/sliverarmory/dexdump/memory"
)

// FailureKind is the caller-facing category of an Engine error.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureInvalidGeneration
	FailureCapabilityUnavailable
	FailureChainBroken
	FailureAnchorNotFound
	FailureNotAnImage
	FailureEmptyRegion
	FailureUnreadableMemory
	FailureUnknown
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureInvalidGeneration:
		return "invalid generation"
	case FailureCapabilityUnavailable:
		return "capability unavailable"
	case FailureChainBroken:
		return "chain broken"
	case FailureAnchorNotFound:
		return "anchor not found"
	case FailureNotAnImage:
		return "not an image"
	case FailureEmptyRegion:
		return "empty region"
	case FailureUnreadableMemory:
		return "unreadable memory"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by an Engine operation to its kind. An
// anchor scan stopped by an unreadable slot is an AnchorNotFound failure.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, layout.ErrInvalidGeneration):
		return FailureInvalidGeneration
	case errors.Is(err, dvm.ErrCapabilityUnavailable):
		return FailureCapabilityUnavailable
	case errors.Is(err, locator.ErrAnchorNotFound):
		return FailureAnchorNotFound
	case errors.Is(err, locator.ErrChainBroken):
		return FailureChainBroken
	case errors.Is(err, elfwalk.ErrNotAnImage), errors.Is(err, elfwalk.ErrNoDynamic):
		return FailureNotAnImage
	case errors.Is(err, locator.ErrEmptyRegion):
		return FailureEmptyRegion
	case errors.Is(err, memory.ErrUnreadable):
		return FailureUnreadableMemory
	default:
		return FailureUnknown
	}
}
