package dexdump

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/sliverarmory/dexdump/dvm"
	"github.com/sliverarmory/dexdump/elfwalk"
	"github.com/sliverarmory/dexdump/layout"
	"github.com/sliverarmory/dexdump/locator"
	"github.com/sliverarmory/dexdump/memory"
	"github.com/sliverarmory/dexdump/procmaps"
)

// target is a synthetic address space and the catalog matching its pointer
// size.
type target struct {
	t       *testing.T
	arena   *memory.Arena
	ptrSize int
	s       layout.Structs
}

func newTarget(t *testing.T, ptrSize int) *target {
	t.Helper()
	c, err := layout.New(ptrSize)
	if err != nil {
		t.Fatalf("layout.New: %v", err)
	}
	return &target{t: t, arena: memory.NewArena(), ptrSize: ptrSize, s: c.Structs()}
}

func (tg *target) alloc(addr uint64, n uint64) uint64 {
	tg.t.Helper()
	if _, err := tg.arena.Alloc(addr, int(n)); err != nil {
		tg.t.Fatalf("Alloc(0x%x): %v", addr, err)
	}
	return addr
}

func (tg *target) put(addr uint64, size int, value uint64) {
	tg.t.Helper()
	if err := tg.arena.PutUint(addr, size, value); err != nil {
		tg.t.Fatalf("PutUint(0x%x): %v", addr, err)
	}
}

func (tg *target) word(addr, value uint64) { tg.put(addr, tg.ptrSize, value) }

func (tg *target) engine(opts ...Option) *Engine {
	tg.t.Helper()
	logger, _ := test.NewNullLogger()
	opts = append([]Option{WithPointerSize(tg.ptrSize), WithLogger(logger)}, opts...)
	e, err := New(tg.arena, opts...)
	if err != nil {
		tg.t.Fatalf("New: %v", err)
	}
	return e
}

// dvmDex lays out a DvmDex whose memMap describes region.
func (tg *target) dvmDex(addr uint64, gen layout.Generation, region locator.BackingRegion) uint64 {
	d := tg.s.DvmDexLegacy
	if gen >= layout.MappedReadOnlyGeneration {
		d = tg.s.DvmDex
	}
	tg.alloc(addr, d.Size())
	tg.word(addr+d.Offset("memMap.addr"), region.Address)
	tg.word(addr+d.Offset("memMap.length"), region.Length)
	return addr
}

func TestDumpContainerByRawDescriptorJar(t *testing.T) {
	want := locator.BackingRegion{Address: 0x1000, Length: 256}
	for _, ptrSize := range []int{4, 8} {
		tg := newTarget(t, ptrSize)
		s := tg.s
		root := tg.alloc(0x10000, s.DexOrJar.Size())
		jar := tg.alloc(0x20000, s.JarFile.Size())
		dex := tg.dvmDex(0x30000, 14, want)
		tg.word(root+s.DexOrJar.Offset("pJarFile"), jar)
		tg.word(jar+s.JarFile.Offset("pDvmDex"), dex)

		got, err := tg.engine().DumpContainerByRawDescriptor(dvm.RawDescriptor(root), 14)
		if err != nil {
			t.Fatalf("ptr=%d: DumpContainerByRawDescriptor: %v", ptrSize, err)
		}
		if got != want {
			t.Fatalf("ptr=%d: got=%s want=%s", ptrSize, got, want)
		}
	}
}

func TestDumpContainerByRawDescriptorDex(t *testing.T) {
	tg := newTarget(t, 4)
	s := tg.s
	root := tg.alloc(0x10000, s.DexOrJar.Size())
	raw := tg.alloc(0x20000, s.RawDexFile.Size())
	mapped := locator.BackingRegion{Address: 0x4000, Length: 0x800}
	dex := tg.dvmDex(0x30000, 14, mapped)
	tg.put(root+s.DexOrJar.Offset("isDex"), 1, 1)
	tg.word(root+s.DexOrJar.Offset("pRawDexFile"), raw)
	tg.word(raw+s.RawDexFile.Offset("pDvmDex"), dex)
	e := tg.engine()

	got, err := e.DumpContainerByRawDescriptor(dvm.RawDescriptor(root), 14)
	if err != nil || got != mapped {
		t.Fatalf("without precomputed image: got=%s err=%v", got, err)
	}

	image := tg.alloc(0x50000, s.DexHeader.Size())
	tg.put(image+s.DexHeader.Offset("fileSize"), 4, 0x220)
	tg.word(root+s.DexOrJar.Offset("pDexMemory"), image)

	got, err = e.DumpContainerByRawDescriptor(dvm.RawDescriptor(root), 14)
	if err != nil {
		t.Fatalf("DumpContainerByRawDescriptor: %v", err)
	}
	if want := (locator.BackingRegion{Address: image, Length: 0x220}); got != want {
		t.Fatalf("precomputed image: got=%s want=%s", got, want)
	}

	// Before generation 14 the image field is not part of the layout.
	legacy := newTarget(t, 4)
	root = legacy.alloc(0x10000, s.DexOrJar.Size())
	raw = legacy.alloc(0x20000, s.RawDexFile.Size())
	dex = legacy.dvmDex(0x30000, 10, mapped)
	legacy.put(root+s.DexOrJar.Offset("isDex"), 1, 1)
	legacy.word(root+s.DexOrJar.Offset("pRawDexFile"), raw)
	legacy.word(raw+s.RawDexFile.Offset("pDvmDex"), dex)
	got, err = legacy.engine().DumpContainerByRawDescriptor(dvm.RawDescriptor(root), 10)
	if err != nil || got != mapped {
		t.Fatalf("generation 10: got=%s err=%v", got, err)
	}
}

func TestDumpContainerByRawDescriptorArt(t *testing.T) {
	cases := []struct {
		gen   layout.Generation
		begin uint64
	}{
		{gen: 21, begin: 0},
		{gen: 26, begin: 8},
	}
	for _, tc := range cases {
		tg := newTarget(t, 8)
		root := tg.alloc(0x10000, 0x40)
		tg.word(root+tc.begin, 0x7000)
		tg.word(root+tc.begin+8, 0x5a0)

		got, err := tg.engine().DumpContainerByRawDescriptor(dvm.RawDescriptor(root), tc.gen)
		if err != nil {
			t.Fatalf("gen=%d: %v", tc.gen, err)
		}
		if want := (locator.BackingRegion{Address: 0x7000, Length: 0x5a0}); got != want {
			t.Fatalf("gen=%d: got=%s want=%s", tc.gen, got, want)
		}
	}
}

func TestDumpContainerByRawDescriptorFailures(t *testing.T) {
	tg := newTarget(t, 4)
	e := tg.engine()

	if _, err := e.DumpContainerByRawDescriptor(dvm.RawDescriptor(0x10000), 8); Classify(err) != FailureInvalidGeneration {
		t.Fatalf("generation 8: got %v", err)
	}
	_, err := e.DumpContainerByRawDescriptor(0, 14)
	var broken *locator.ChainBrokenError
	if Classify(err) != FailureChainBroken || !errors.As(err, &broken) || broken.Hop != locator.RootHop {
		t.Fatalf("null cookie: got %v", err)
	}
	if _, err := e.DumpContainerByRawDescriptor(dvm.RawDescriptor(0x10000), 14); Classify(err) != FailureUnreadableMemory {
		t.Fatalf("unmapped cookie: got %v", err)
	}

	root := tg.alloc(0x10000, tg.s.DexOrJar.Size())
	_, err = e.DumpContainerByRawDescriptor(dvm.RawDescriptor(root), 14)
	if !errors.As(err, &broken) || broken.Hop != 0 {
		t.Fatalf("expected broken hop 0, got %v", err)
	}
}

type fakeRuntime struct {
	thread  uintptr
	objects map[uintptr]uintptr
}

func (f fakeRuntime) ThreadSelf() (uintptr, error) { return f.thread, nil }

func (f fakeRuntime) DecodeIndirectRef(thread, ref uintptr) (uintptr, error) {
	if thread != f.thread {
		return 0, fmt.Errorf("wrong thread 0x%x", thread)
	}
	return f.objects[ref], nil
}

func TestDumpContainerByHandle(t *testing.T) {
	tg := newTarget(t, 4)
	want := locator.BackingRegion{Address: 0x9000, Length: 0x1234}
	class := tg.alloc(0x10000, tg.s.ClassObject.Size())
	dex := tg.dvmDex(0x30000, 14, want)
	tg.word(class+tg.s.ClassObject.Offset("pDvmDex"), dex)

	rt := fakeRuntime{thread: 0xbeef, objects: map[uintptr]uintptr{0x35: uintptr(class)}}
	e := tg.engine(WithRuntime(rt))

	got, err := e.DumpContainerByHandle(0x35, 14)
	if err != nil {
		t.Fatalf("DumpContainerByHandle: %v", err)
	}
	if got != want {
		t.Fatalf("got=%s want=%s", got, want)
	}

	if _, err := e.DumpContainerByHandle(0x36, 14); Classify(err) != FailureCapabilityUnavailable {
		t.Fatalf("stale reference: got %v", err)
	}
	if _, err := e.DumpContainerByHandle(0x35, 21); Classify(err) != FailureInvalidGeneration {
		t.Fatalf("ART handle: got %v", err)
	}
	if _, err := tg.engine().DumpContainerByHandle(0x35, 14); Classify(err) != FailureCapabilityUnavailable {
		t.Fatalf("no runtime: got %v", err)
	}
}

func TestLocateSubTablesArt(t *testing.T) {
	tg := newTarget(t, 8)
	s := tg.s
	begin := tg.alloc(0x50000, s.DexHeader.Size())
	tg.put(begin+s.DexHeader.Offset("fileSize"), 4, 0x400)
	tg.put(begin+s.DexHeader.Offset("classDefsSize"), 4, 9)

	root := tg.alloc(0x10000, uint64(layout.DefaultScanWindow*8))
	tg.word(root+8, begin)
	tg.word(root+16, 0x1000)
	tg.word(root+5*8, begin)
	for i := 1; i <= 6; i++ {
		tg.word(root+uint64(5+i)*8, 0x60000+uint64(i))
	}

	got, err := tg.engine().LocateSubTables(dvm.RawDescriptor(root), 26)
	if err != nil {
		t.Fatalf("LocateSubTables: %v", err)
	}
	want := locator.SubTables{
		StringIDs:  0x60001,
		TypeIDs:    0x60002,
		FieldIDs:   0x60003,
		MethodIDs:  0x60004,
		ProtoIDs:   0x60005,
		ClassDefs:  0x60006,
		Base:       begin,
		ClassCount: 9,
	}
	if got != want {
		t.Fatalf("unexpected tables:\n got=%+v\nwant=%+v", got, want)
	}

	_, err = tg.engine(WithScanWindow(4)).LocateSubTables(dvm.RawDescriptor(root), 26)
	if Classify(err) != FailureAnchorNotFound {
		t.Fatalf("narrow window: got %v", err)
	}
}

type fakeInline struct {
	table uint64
	n     int
	err   error
}

func (f fakeInline) Table() (uint64, int, error) { return f.table, f.n, f.err }

func TestListInlineOperations(t *testing.T) {
	tg := newTarget(t, 4)
	const table = 0x10000
	tg.alloc(table, 2*16)
	strs := []string{"Ljava/lang/String;", "length", "()I", "Ljava/lang/Math;", "abs", "(I)I"}
	for i, str := range strs {
		at := uint64(0x20000 + i*0x100)
		if err := tg.arena.Map(at, append([]byte(str), 0)); err != nil {
			t.Fatalf("Map: %v", err)
		}
		record := uint64(table + (i/3)*16)
		tg.word(record+uint64(4*(i%3+1)), at)
	}

	got, err := tg.engine(WithInlineOps(fakeInline{table: table, n: 2})).ListInlineOperations()
	if err != nil {
		t.Fatalf("ListInlineOperations: %v", err)
	}
	if want := "Ljava/lang/String;->length()I\nLjava/lang/Math;->abs(I)I\n"; got != want {
		t.Fatalf("got=%q want=%q", got, want)
	}

	empty, err := tg.engine(WithInlineOps(fakeInline{table: table})).ListInlineOperations()
	if err != nil || empty != "" {
		t.Fatalf("empty table: got=%q err=%v", empty, err)
	}
	if _, err := tg.engine().ListInlineOperations(); Classify(err) != FailureCapabilityUnavailable {
		t.Fatalf("no source: got %v", err)
	}
}

func TestDumpRawMemory(t *testing.T) {
	e := newTarget(t, 8).engine()
	got, err := e.DumpRawMemory(0x1000, 0x20)
	if err != nil || got != (locator.BackingRegion{Address: 0x1000, Length: 0x20}) {
		t.Fatalf("got=%s err=%v", got, err)
	}
	for _, tc := range [][2]uint64{{0, 0x20}, {0x1000, 0}} {
		if _, err := e.DumpRawMemory(tc[0], tc[1]); Classify(err) != FailureEmptyRegion {
			t.Fatalf("DumpRawMemory(0x%x, 0x%x): got %v", tc[0], tc[1], err)
		}
	}
	if _, err := e.DumpRawMemory(^uint64(0)-0x10, 0x20); err == nil {
		t.Fatal("expected an error for a wrapping region")
	}
}

func writeLE(t *testing.T, buf []byte, off int, v any) {
	t.Helper()
	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, v); err != nil {
		t.Fatalf("binary.Write(%T): %v", v, err)
	}
	copy(buf[off:], b.Bytes())
}

// sharedObject builds a loaded 64-bit ET_DYN image whose PLT binds each name
// to 0x2000+8*i.
func sharedObject(t *testing.T, names ...string) []byte {
	t.Helper()
	const (
		dynOff = 0x100
		symOff = 0x200
		strOff = 0x300
		relOff = 0x400
	)
	buf := make([]byte, 0x800)
	writeLE(t, buf, 0, elf.Header64{
		Ident:     [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)},
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_AARCH64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     0x40,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
	})
	writeLE(t, buf, 0x40, elf.Prog64{Type: uint32(elf.PT_DYNAMIC), Off: dynOff, Vaddr: dynOff, Memsz: 6 * 16})
	dyn := []elf.Dyn64{
		{Tag: int64(elf.DT_SYMTAB), Val: symOff},
		{Tag: int64(elf.DT_STRTAB), Val: strOff},
		{Tag: int64(elf.DT_JMPREL), Val: relOff},
		{Tag: int64(elf.DT_PLTRELSZ), Val: uint64(len(names)) * 24},
		{Tag: int64(elf.DT_PLTREL), Val: uint64(elf.DT_RELA)},
		{Tag: int64(elf.DT_NULL)},
	}
	writeLE(t, buf, dynOff, dyn)

	strtab := []byte{0}
	index := map[string]uint32{}
	for i, name := range names {
		sym, ok := index[name]
		if !ok {
			sym = uint32(len(index) + 1)
			index[name] = sym
			writeLE(t, buf, symOff+int(sym)*elf.Sym64Size, elf.Sym64{Name: uint32(len(strtab))})
			strtab = append(append(strtab, name...), 0)
		}
		writeLE(t, buf, relOff+i*24, elf.Rela64{
			Off:  0x2000 + uint64(i)*8,
			Info: elf.R_INFO(sym, uint32(elf.R_AARCH64_JUMP_SLOT)),
		})
	}
	copy(buf[strOff:], strtab)
	return buf
}

func TestSnapshotPLTSymbols(t *testing.T) {
	const (
		good = 0x70000000
		junk = 0x71000000
	)
	tg := newTarget(t, 8)
	if err := tg.arena.Map(good, sharedObject(t, "open", "read", "open")); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := tg.arena.Map(junk, bytes.Repeat([]byte{0xcc}, 0x100)); err != nil {
		t.Fatalf("Map: %v", err)
	}
	mappings := []procmaps.Mapping{
		{Start: good, End: good + 0x1000, Perms: "r-xp", Path: "/system/lib64/libgood.so"},
		{Start: junk, End: junk + 0x1000, Perms: "r-xp", Path: "/system/lib64/libjunk.so"},
		{Start: 0x72000000, End: 0x72001000, Perms: "r-xp", Path: "/system/bin/app_process64"},
	}
	e := tg.engine(WithMaps(func() ([]procmaps.Mapping, error) { return mappings, nil }))

	snap, err := e.SnapshotPLTSymbols("")
	if err != nil {
		t.Fatalf("SnapshotPLTSymbols: %v", err)
	}
	symbols, ok := snap.Modules["/system/lib64/libgood.so"]
	if !ok || len(snap.Modules) != 1 {
		t.Fatalf("unexpected modules: %+v", snap.Modules)
	}
	if symbols["open"] != good+0x2000 || symbols["read"] != good+0x2008 || len(symbols) != 2 {
		t.Fatalf("unexpected symbols: %x", symbols)
	}
	if err := snap.Failures["/system/lib64/libjunk.so"]; Classify(err) != FailureNotAnImage || len(snap.Failures) != 1 {
		t.Fatalf("unexpected failures: %v", snap.Failures)
	}

	modules, err := e.Modules("")
	if err != nil || len(modules) != 3 {
		t.Fatalf("Modules: %+v (%v)", modules, err)
	}

	broken := tg.engine(WithMaps(func() ([]procmaps.Mapping, error) { return nil, errors.New("no procfs") }))
	if _, err := broken.SnapshotPLTSymbols(""); err == nil {
		t.Fatal("expected an error when the memory map is unavailable")
	}
}

func TestScanContainers(t *testing.T) {
	tg := newTarget(t, 4)
	s := tg.s

	const dexAt, odexAt, plainAt, emptyAt = 0x100000, 0x200000, 0x300000, 0x500000
	tg.alloc(dexAt, 0x200)
	if err := tg.arena.Write(dexAt, []byte("dex\n035\x00")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	tg.put(dexAt+s.DexHeader.Offset("fileSize"), 4, 0x180)

	tg.alloc(odexAt, 0x200)
	if err := tg.arena.Write(odexAt, []byte("dey\n036\x00")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	tg.put(odexAt+s.DexOptHeader.Offset("dexOffset"), 4, 0x28)
	tg.put(odexAt+s.DexOptHeader.Offset("dexLength"), 4, 0x70)
	if err := tg.arena.Write(odexAt+0x28, []byte("dex\n035\x00")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	tg.alloc(plainAt, 0x100)
	tg.alloc(emptyAt, 0x100)
	if err := tg.arena.Write(emptyAt, []byte("dex\n035\x00")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	mappings := []procmaps.Mapping{
		{Start: dexAt, End: dexAt + 0x1000, Perms: "r--p", Path: "/data/dalvik-cache/classes.dex"},
		{Start: odexAt, End: odexAt + 0x1000, Perms: "r--s", Path: "/system/framework/core.odex"},
		{Start: plainAt, End: plainAt + 0x1000, Perms: "rw-p"},
		{Start: 0x400000, End: 0x401000, Perms: "r--p", Path: "/dev/ashmem/gone"},
		{Start: emptyAt, End: emptyAt + 0x1000, Perms: "r--p"},
		{Start: 0x600000, End: 0x601000, Perms: "---p"},
	}
	e := tg.engine(WithMaps(func() ([]procmaps.Mapping, error) { return mappings, nil }))

	found, err := e.ScanContainers()
	if err != nil {
		t.Fatalf("ScanContainers: %v", err)
	}
	want := []Container{
		{Kind: KindDex, Version: "035", Region: locator.BackingRegion{Address: dexAt, Length: 0x180}, Mapping: "/data/dalvik-cache/classes.dex"},
		{Kind: KindOdex, Version: "036", Region: locator.BackingRegion{Address: odexAt + 0x28, Length: 0x70}, Mapping: "/system/framework/core.odex"},
	}
	if len(found) != len(want) {
		t.Fatalf("unexpected containers: %+v", found)
	}
	for i := range want {
		if found[i] != want[i] {
			t.Fatalf("container %d: got=%+v want=%+v", i, found[i], want[i])
		}
	}

	data, err := e.ReadRegion(found[0].Region)
	if err != nil {
		t.Fatalf("ReadRegion: %v", err)
	}
	if len(data) != 0x180 || !bytes.HasPrefix(data, []byte("dex\n035")) {
		t.Fatalf("unexpected region bytes: len=%d prefix=%q", len(data), data[:8])
	}
	if _, err := e.ReadRegion(locator.BackingRegion{Address: dexAt, Length: 0x2000}); Classify(err) != FailureUnreadableMemory {
		t.Fatalf("overlong region: got %v", err)
	}
	if _, err := e.ReadRegion(locator.BackingRegion{}); Classify(err) != FailureEmptyRegion {
		t.Fatalf("empty region: got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want FailureKind
	}{
		{nil, FailureNone},
		{fmt.Errorf("x: %w", layout.ErrInvalidGeneration), FailureInvalidGeneration},
		{fmt.Errorf("x: %w", dvm.ErrCapabilityUnavailable), FailureCapabilityUnavailable},
		{&locator.ChainBrokenError{Hop: 2, Offset: 8}, FailureChainBroken},
		{fmt.Errorf("%w: slot 3: %w", locator.ErrAnchorNotFound, &memory.FaultError{Addr: 0x10}), FailureAnchorNotFound},
		{fmt.Errorf("x: %w", elfwalk.ErrNoDynamic), FailureNotAnImage},
		{elfwalk.ErrNotAnImage, FailureNotAnImage},
		{locator.ErrEmptyRegion, FailureEmptyRegion},
		{fmt.Errorf("read: %w", &memory.FaultError{Addr: 0x10, Len: 4}), FailureUnreadableMemory},
		{errors.New("boom"), FailureUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v): got=%s want=%s", tc.err, got, tc.want)
		}
	}
}
