package dvm

import (
	"fmt"
	"strings"

	"github.com/sliverarmory/dexdump/layout"
	"github.com/sliverarmory/dexdump/memory"
)

const (
	// MaxInlineOps bounds the table length accepted from the runtime.
	MaxInlineOps = 1024

	maxDescriptorLen = 512
)

// InlineOpsSource reports the runtime's inline-operation table.
type InlineOpsSource interface {
	Table() (addr uint64, n int, err error)
}

// InlineOperation is one record of the inline-operation table.
type InlineOperation struct {
	Func            uint64 `json:"func"`
	ClassDescriptor string `json:"class"`
	MethodName      string `json:"name"`
	MethodSignature string `json:"signature"`
}

func (op InlineOperation) String() string {
	return op.ClassDescriptor + "->" + op.MethodName + op.MethodSignature
}

// ReadInlineOps reads n records starting at table.
func ReadInlineOps(v memory.View, table uint64, n int) ([]InlineOperation, error) {
	if n < 0 || n > MaxInlineOps {
		return nil, fmt.Errorf("dvm: implausible inline table length %d", n)
	}
	if n == 0 {
		return nil, nil
	}
	if table == 0 {
		return nil, fmt.Errorf("dvm: inline table is null: %w", memory.ErrUnreadable)
	}

	cat, err := layout.New(v.PtrSize)
	if err != nil {
		return nil, fmt.Errorf("dvm: %w", err)
	}
	rec := cat.Structs().InlineOperation

	ops := make([]InlineOperation, 0, n)
	for i := 0; i < n; i++ {
		at := table + uint64(i)*rec.Size()
		fn, err := v.Word(at + rec.Offset("func"))
		if err != nil {
			return nil, fmt.Errorf("dvm: inline op %d: %w", i, err)
		}
		op := InlineOperation{Func: fn}
		for _, f := range []struct {
			field string
			out   *string
		}{
			{"classDescriptor", &op.ClassDescriptor},
			{"methodName", &op.MethodName},
			{"methodSignature", &op.MethodSignature},
		} {
			ptr, err := v.Word(at + rec.Offset(f.field))
			if err != nil {
				return nil, fmt.Errorf("dvm: inline op %d %s: %w", i, f.field, err)
			}
			if *f.out, err = v.CString(ptr, maxDescriptorLen); err != nil {
				return nil, fmt.Errorf("dvm: inline op %d %s: %w", i, f.field, err)
			}
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// FormatInlineOps renders the table as one "<class>-><name><signature>" line
// per record.
func FormatInlineOps(v memory.View, table uint64, n int) (string, error) {
	ops, err := ReadInlineOps(v, table, n)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, op := range ops {
		fmt.Fprintf(&b, "%s->%s%s\n", op.ClassDescriptor, op.MethodName, op.MethodSignature)
	}
	return b.String(), nil
}
