// Package dvm turns managed-runtime handles into native pointers and reads
// the runtime's inline-operation table. The runtime itself is an injected
// capability: the engine never calls into it except through Runtime and
// InlineOpsSource.
package dvm

import (
	"errors"
	"fmt"
)

// ErrCapabilityUnavailable is returned when no runtime capability is
// configured or it cannot produce a result.
var ErrCapabilityUnavailable = errors.New("dvm: runtime capability unavailable")

// Runtime decodes managed references in the calling thread.
type Runtime interface {
	// ThreadSelf returns the runtime's descriptor of the calling thread.
	ThreadSelf() (uintptr, error)
	// DecodeIndirectRef returns the object a managed reference refers to.
	DecodeIndirectRef(thread, ref uintptr) (uintptr, error)
}

// Handle is a caller-supplied reference to a runtime object: a ManagedRef or
// a RawDescriptor.
type Handle interface {
	handle()
}

// ManagedRef is an indirect reference owned by the managed runtime.
type ManagedRef uintptr

// RawDescriptor is already a native pointer to a runtime structure.
type RawDescriptor uint64

func (ManagedRef) handle()    {}
func (RawDescriptor) handle() {}

// Resolver turns handles into root pointers.
type Resolver struct {
	Runtime Runtime
}

// Resolve returns the native pointer behind h. Raw descriptors are returned
// unchanged; managed references are decoded through the runtime once.
func (r Resolver) Resolve(h Handle) (uint64, error) {
	switch h := h.(type) {
	case RawDescriptor:
		return uint64(h), nil
	case ManagedRef:
		if r.Runtime == nil {
			return 0, fmt.Errorf("%w: no runtime configured", ErrCapabilityUnavailable)
		}
		thread, err := r.Runtime.ThreadSelf()
		if err != nil {
			return 0, capabilityError("thread self", err)
		}
		obj, err := r.Runtime.DecodeIndirectRef(thread, uintptr(h))
		if err != nil {
			return 0, capabilityError("decode reference", err)
		}
		if obj == 0 {
			return 0, fmt.Errorf("%w: reference 0x%x decoded to null", ErrCapabilityUnavailable, uintptr(h))
		}
		return uint64(obj), nil
	case nil:
		return 0, errors.New("dvm: nil handle")
	default:
		return 0, fmt.Errorf("dvm: unsupported handle %T", h)
	}
}

func capabilityError(op string, err error) error {
	if errors.Is(err, ErrCapabilityUnavailable) {
		return fmt.Errorf("dvm: %s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrCapabilityUnavailable, op, err)
}
