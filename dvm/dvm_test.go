package dvm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sliverarmory/dexdump/memory"
)

type fakeRuntime struct {
	thread    uintptr
	threadErr error
	objects   map[uintptr]uintptr
	calls     int
}

func (f *fakeRuntime) ThreadSelf() (uintptr, error) {
	return f.thread, f.threadErr
}

func (f *fakeRuntime) DecodeIndirectRef(thread, ref uintptr) (uintptr, error) {
	f.calls++
	if thread != f.thread {
		return 0, fmt.Errorf("wrong thread 0x%x", thread)
	}
	return f.objects[ref], nil
}

type fakeSymbols map[string]uintptr

func (f fakeSymbols) Symbol(name string) (uintptr, error) {
	if addr, ok := f[name]; ok {
		return addr, nil
	}
	return 0, fmt.Errorf("%s not exported", name)
}

func TestResolveRawDescriptorIsIdentity(t *testing.T) {
	got, err := Resolver{}.Resolve(RawDescriptor(0xdead0000))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != 0xdead0000 {
		t.Fatalf("unexpected pointer: 0x%x", got)
	}
}

func TestResolveManagedRef(t *testing.T) {
	rt := &fakeRuntime{thread: 0x1000, objects: map[uintptr]uintptr{0x77: 0x50000}}
	r := Resolver{Runtime: rt}

	got, err := r.Resolve(ManagedRef(0x77))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != 0x50000 || rt.calls != 1 {
		t.Fatalf("unexpected resolve: ptr=0x%x calls=%d", got, rt.calls)
	}

	if _, err := r.Resolve(ManagedRef(0x78)); !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("null decode: expected ErrCapabilityUnavailable, got %v", err)
	}
	if rt.calls != 2 {
		t.Fatalf("decode must not be retried: calls=%d", rt.calls)
	}
}

func TestResolveWithoutRuntime(t *testing.T) {
	if _, err := (Resolver{}).Resolve(ManagedRef(1)); !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable, got %v", err)
	}

	rt := &fakeRuntime{threadErr: errors.New("not attached")}
	if _, err := (Resolver{Runtime: rt}).Resolve(ManagedRef(1)); !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable for thread failure, got %v", err)
	}
	if rt.calls != 0 {
		t.Fatal("decode called after ThreadSelf failed")
	}
}

func TestFirstOfPrefersPrimaryName(t *testing.T) {
	src := fakeSymbols{"_Z20dvmGetInlineOpsTablev": 0x2000, "dvmGetInlineOpsTable": 0x1000}
	addr, name, err := FirstOf(src, InlineOpsTableSymbols...)
	if err != nil {
		t.Fatalf("FirstOf: %v", err)
	}
	if addr != 0x1000 || name != "dvmGetInlineOpsTable" {
		t.Fatalf("unexpected match: 0x%x %s", addr, name)
	}

	delete(src, "dvmGetInlineOpsTable")
	if addr, name, _ = FirstOf(src, InlineOpsTableSymbols...); addr != 0x2000 || name != "_Z20dvmGetInlineOpsTablev" {
		t.Fatalf("unexpected alternate match: 0x%x %s", addr, name)
	}

	if _, _, err := FirstOf(fakeSymbols{}, InlineOpsLengthSymbols...); err == nil {
		t.Fatal("expected error when no name resolves")
	}
}

func TestChainTriesSourcesInOrder(t *testing.T) {
	chain := Chain{fakeSymbols{"a": 1}, nil, fakeSymbols{"a": 2, "b": 3}}
	if got, err := chain.Symbol("a"); err != nil || got != 1 {
		t.Fatalf("Symbol(a): got=%d err=%v", got, err)
	}
	if got, err := chain.Symbol("b"); err != nil || got != 3 {
		t.Fatalf("Symbol(b): got=%d err=%v", got, err)
	}
	if _, err := chain.Symbol("c"); err == nil {
		t.Fatal("expected error for unknown symbol")
	}
}

func TestBindWithMissingSymbols(t *testing.T) {
	lib := Bind(fakeSymbols{SymThreadSelf: 0x1000, "dvmGetInlineOpsTable": 0x2000})

	if _, err := lib.ThreadSelf(); !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("ThreadSelf: expected ErrCapabilityUnavailable, got %v", err)
	}
	if _, err := lib.DecodeIndirectRef(1, 2); !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("DecodeIndirectRef: expected ErrCapabilityUnavailable, got %v", err)
	}
	if _, _, err := lib.Table(); !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("Table: expected ErrCapabilityUnavailable, got %v", err)
	}
	if table, length := lib.InlineSymbols(); table != "dvmGetInlineOpsTable" || length != "" {
		t.Fatalf("unexpected bound names: %q %q", table, length)
	}
}

// inlineTable lays out InlineOperation records and their strings in an arena.
func inlineTable(t *testing.T, ptrSize int, ops [][3]string) (*memory.Arena, uint64) {
	t.Helper()
	arena := memory.NewArena()
	const table = 0x10000
	record := uint64(4 * ptrSize)
	if _, err := arena.Alloc(table, int(record)*len(ops)); err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	next := uint64(0x20000)
	for i, op := range ops {
		at := table + uint64(i)*record
		if err := arena.PutUint(at, ptrSize, 0xf000+uint64(i)); err != nil {
			t.Fatalf("PutUint: %v", err)
		}
		for j, s := range op {
			if err := arena.Map(next, append([]byte(s), 0)); err != nil {
				t.Fatalf("Map: %v", err)
			}
			if err := arena.PutUint(at+uint64((j+1)*ptrSize), ptrSize, next); err != nil {
				t.Fatalf("PutUint: %v", err)
			}
			next += 0x100
		}
	}
	return arena, table
}

func TestFormatInlineOps(t *testing.T) {
	ops := [][3]string{{"Lfoo;", "bar", "(I)V"}, {"Lbaz;", "qux", "()Z"}}
	for _, ptrSize := range []int{4, 8} {
		arena, table := inlineTable(t, ptrSize, ops)
		got, err := FormatInlineOps(memory.NewView(arena, ptrSize), table, len(ops))
		if err != nil {
			t.Fatalf("ptr=%d: FormatInlineOps: %v", ptrSize, err)
		}
		if want := "Lfoo;->bar(I)V\nLbaz;->qux()Z\n"; got != want {
			t.Fatalf("ptr=%d: got=%q want=%q", ptrSize, got, want)
		}
	}
}

func TestReadInlineOpsErrors(t *testing.T) {
	arena, table := inlineTable(t, 4, [][3]string{{"La;", "b", "()V"}})
	v := memory.NewView(arena, 4)

	ops, err := ReadInlineOps(v, table, 1)
	if err != nil {
		t.Fatalf("ReadInlineOps: %v", err)
	}
	if ops[0].Func != 0xf000 || ops[0].String() != "La;->b()V" {
		t.Fatalf("unexpected op: %+v", ops[0])
	}

	if _, err := ReadInlineOps(v, table, 2); !errors.Is(err, memory.ErrUnreadable) {
		t.Fatalf("past the table: expected ErrUnreadable, got %v", err)
	}
	if _, err := ReadInlineOps(v, 0, 1); !errors.Is(err, memory.ErrUnreadable) {
		t.Fatalf("null table: expected ErrUnreadable, got %v", err)
	}
	if _, err := ReadInlineOps(v, table, -1); err == nil {
		t.Fatal("expected error for negative length")
	}
	if got, err := FormatInlineOps(v, 0, 0); err != nil || got != "" {
		t.Fatalf("empty table: got=%q err=%v", got, err)
	}
}
