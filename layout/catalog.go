// Package layout holds the known internal structure layouts of each supported
// managed-runtime generation. Layouts are described as C field lists and laid
// out for the target pointer size; nothing here touches memory.
package layout

import (
	"errors"
	"fmt"
)

// ErrInvalidGeneration is returned for generation tags the catalog has no
// layout knowledge for.
var ErrInvalidGeneration = errors.New("layout: unsupported runtime generation")

// Generation is the runtime version tag (API level). It is always supplied
// by the caller and never inferred from the target process.
type Generation int

const (
	// MinGeneration is the oldest Dalvik release with a known layout.
	MinGeneration Generation = 9
	// MappedReadOnlyGeneration added DvmDex.isMappedReadOnly and the
	// DexOrJar.pDexMemory precomputed image.
	MappedReadOnlyGeneration Generation = 14
	// ArtGeneration is the first generation whose cookies are art::DexFile.
	ArtGeneration Generation = 20
	// ArtVirtualGeneration gave art::DexFile a vtable ahead of begin_.
	ArtVirtualGeneration Generation = 26
)

// IsArt reports whether g is an ART generation.
func (g Generation) IsArt() bool { return g >= ArtGeneration }

// RootKind names what a resolved root pointer refers to.
type RootKind int

const (
	// RootClassObject is a decoded java.lang.Class reference.
	RootClassObject RootKind = iota
	// RootRawDex is a DexOrJar cookie with isDex set.
	RootRawDex
	// RootJar is a DexOrJar cookie wrapping a jar archive.
	RootJar
	// RootArtDexFile is an ART cookie pointing at art::DexFile.
	RootArtDexFile
)

func (k RootKind) String() string {
	switch k {
	case RootClassObject:
		return "ClassObject"
	case RootRawDex:
		return "DexOrJar(dex)"
	case RootJar:
		return "DexOrJar(jar)"
	case RootArtDexFile:
		return "art::DexFile"
	default:
		return fmt.Sprintf("RootKind(%d)", int(k))
	}
}

// DefaultScanWindow is the number of slots probed past art::DexFile::begin_.
const DefaultScanWindow = 24

// Discriminant is the tag field that selects between RootRawDex and RootJar.
type Discriminant struct {
	Offset uint64
	Size   int
}

// Catalog is the layout table for one pointer size.
type Catalog struct {
	ptrSize    int
	scanWindow int
	structs    Structs
}

// Structs exposes the laid out runtime structures.
type Structs struct {
	DexHeader    *Struct
	DexOptHeader *Struct
	MemMapping   *Struct
	ZipArchive   *Struct
	RawDexFile   *Struct
	JarFile      *Struct
	DexOrJar     *Struct
	DvmDex       *Struct
	// DvmDexLegacy predates isMappedReadOnly.
	DvmDexLegacy *Struct
	DexFile      *Struct
	ClassObject  *Struct
	ArtDexFile   *Struct
	// ArtDexFileVirtual carries a vtable ahead of begin_.
	ArtDexFileVirtual *Struct
	InlineOperation   *Struct
}

// New builds the catalog for ptrSize (4 or 8) bytes.
func New(ptrSize int) (*Catalog, error) {
	if ptrSize != 4 && ptrSize != 8 {
		return nil, fmt.Errorf("layout: unsupported pointer size %d", ptrSize)
	}
	return &Catalog{
		ptrSize:    ptrSize,
		scanWindow: DefaultScanWindow,
		structs:    runtimeStructs(ptrSize),
	}, nil
}

// WithScanWindow returns a copy of c probing window slots during anchor scans.
func (c *Catalog) WithScanWindow(window int) *Catalog {
	cp := *c
	if window > 1 {
		cp.scanWindow = window
	}
	return &cp
}

// PtrSize returns the pointer size the catalog was built for.
func (c *Catalog) PtrSize() int { return c.ptrSize }

// Structs returns the laid out structures.
func (c *Catalog) Structs() Structs { return c.structs }

// Validate rejects generations below MinGeneration.
func (c *Catalog) Validate(gen Generation) error {
	if gen < MinGeneration {
		return fmt.Errorf("%w: %d (minimum %d)", ErrInvalidGeneration, gen, MinGeneration)
	}
	return nil
}

// Discriminant returns the DexOrJar.isDex field for Dalvik generations. ART
// cookies have a single root kind and report false.
func (c *Catalog) Discriminant(gen Generation) (Discriminant, bool) {
	if gen.IsArt() {
		return Discriminant{}, false
	}
	s := c.structs.DexOrJar
	return Discriminant{Offset: s.Offset("isDex"), Size: s.FieldSize("isDex")}, true
}

// RawRootKind returns the root kind of a raw cookie given the discriminant
// value already read from it. The value is ignored on ART.
func (c *Catalog) RawRootKind(gen Generation, isDex bool) RootKind {
	switch {
	case gen.IsArt():
		return RootArtDexFile
	case isDex:
		return RootRawDex
	default:
		return RootJar
	}
}

// Lookup returns the strategy locating the backing region of kind under gen.
func (c *Catalog) Lookup(gen Generation, kind RootKind) (Strategy, error) {
	if err := c.Validate(gen); err != nil {
		return nil, err
	}
	s := c.structs
	dvmDex := c.dvmDex(gen)
	memMap := []Hop{{Offset: dvmDex.Offset("memMap"), Wrapper: true}}
	region := RegionFields{
		Address:    s.MemMapping.Offset("addr"),
		Length:     s.MemMapping.Offset("length"),
		LengthSize: s.MemMapping.FieldSize("length"),
	}

	switch kind {
	case RootClassObject:
		if gen.IsArt() {
			return nil, fmt.Errorf("%w: %d has no Dalvik ClassObject", ErrInvalidGeneration, gen)
		}
		return FixedChain{
			Hops:   append([]Hop{{Offset: s.ClassObject.Offset("pDvmDex")}}, memMap...),
			Region: region,
		}, nil

	case RootRawDex, RootJar:
		if gen.IsArt() {
			return nil, fmt.Errorf("%w: %d cookies are not DexOrJar", ErrInvalidGeneration, gen)
		}
		primary := FixedChain{
			Hops:   append(c.dvmDexHops(kind), memMap...),
			Region: region,
		}
		if kind == RootJar || gen < MappedReadOnlyGeneration {
			return primary, nil
		}
		return FixedChainWithPrecomputedAlt{
			Primary: primary,
			Alt: AltChain{
				Hops:         []Hop{{Offset: s.DexOrJar.Offset("pDexMemory")}},
				LengthOffset: s.DexHeader.Offset("fileSize"),
				LengthSize:   s.DexHeader.FieldSize("fileSize"),
			},
		}, nil

	case RootArtDexFile:
		if !gen.IsArt() {
			return nil, fmt.Errorf("%w: %d cookies are not art::DexFile", ErrInvalidGeneration, gen)
		}
		art := c.artDexFile(gen)
		return FixedChain{
			Region: RegionFields{
				Address:    art.Offset("begin_"),
				Length:     art.Offset("size_"),
				LengthSize: art.FieldSize("size_"),
			},
		}, nil

	default:
		return nil, fmt.Errorf("layout: unknown root kind %s", kind)
	}
}

// SubTables returns the strategy locating the id tables of a raw cookie.
func (c *Catalog) SubTables(gen Generation, kind RootKind) (Strategy, error) {
	if err := c.Validate(gen); err != nil {
		return nil, err
	}
	s := c.structs

	if gen.IsArt() {
		if kind != RootArtDexFile {
			return nil, fmt.Errorf("%w: %d cookies are not %s", ErrInvalidGeneration, gen, kind)
		}
		return AnchorScan{
			BeginOffset:       c.artDexFile(gen).Offset("begin_"),
			SearchWindowSlots: c.scanWindow,
			SiblingOffsets:    []int{1, 2, 3, 4, 5, 6},
			ClassCountOffset:  s.DexHeader.Offset("classDefsSize"),
			LengthOffset:      s.DexHeader.Offset("fileSize"),
		}, nil
	}

	if kind != RootRawDex && kind != RootJar {
		return nil, fmt.Errorf("%w: %d cookies are not %s", ErrInvalidGeneration, gen, kind)
	}
	hops := append(c.dvmDexHops(kind), Hop{Offset: c.dvmDex(gen).Offset("pDexFile")})
	return FixedTables{
		Hops: hops,
		Tables: [6]uint64{
			s.DexFile.Offset("pStringIds"),
			s.DexFile.Offset("pTypeIds"),
			s.DexFile.Offset("pFieldIds"),
			s.DexFile.Offset("pMethodIds"),
			s.DexFile.Offset("pProtoIds"),
			s.DexFile.Offset("pClassDefs"),
		},
		Base:             s.DexFile.Offset("baseAddr"),
		Header:           s.DexFile.Offset("pHeader"),
		ClassCountOffset: s.DexHeader.Offset("classDefsSize"),
	}, nil
}

// dvmDexHops leads from a DexOrJar to its DvmDex.
func (c *Catalog) dvmDexHops(kind RootKind) []Hop {
	s := c.structs
	if kind == RootRawDex {
		return []Hop{
			{Offset: s.DexOrJar.Offset("pRawDexFile")},
			{Offset: s.RawDexFile.Offset("pDvmDex")},
		}
	}
	return []Hop{
		{Offset: s.DexOrJar.Offset("pJarFile")},
		{Offset: s.JarFile.Offset("pDvmDex")},
	}
}

func (c *Catalog) dvmDex(gen Generation) *Struct {
	if gen >= MappedReadOnlyGeneration {
		return c.structs.DvmDex
	}
	return c.structs.DvmDexLegacy
}

func (c *Catalog) artDexFile(gen Generation) *Struct {
	if gen >= ArtVirtualGeneration {
		return c.structs.ArtDexFileVirtual
	}
	return c.structs.ArtDexFile
}
