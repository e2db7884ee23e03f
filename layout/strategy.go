package layout

// Strategy is the layout knowledge for one (generation, root kind) pair. The
// variants are interpreted by a single walker in package locator.
type Strategy interface {
	strategy()
}

// Hop is one step of a pointer chain. A regular hop reads the pointer stored
// at Offset in the current struct and moves to it; a Wrapper hop moves into a
// struct embedded at Offset without dereferencing anything.
type Hop struct {
	Offset  uint64
	Wrapper bool
}

// RegionFields locates the backing region inside the struct a chain ends at.
type RegionFields struct {
	Address    uint64
	Length     uint64
	LengthSize int
}

// FixedChain is a stable sequence of hops from the root to the struct holding
// the backing region.
type FixedChain struct {
	Hops   []Hop
	Region RegionFields
}

// AltChain points at an already extracted image whose own header declares
// its length.
type AltChain struct {
	Hops         []Hop
	LengthOffset uint64
	LengthSize   int
}

// FixedChainWithPrecomputedAlt prefers the precomputed image reached through
// Alt and walks Primary only when the alt pointer is null.
type FixedChainWithPrecomputedAlt struct {
	Primary FixedChain
	Alt     AltChain
}

// AnchorScan describes a structure with no known absolute layout. Slots are
// counted from BeginOffset; the first slot in [1, SearchWindowSlots) holding
// the same value as the begin field is the anchor, and SiblingOffsets are
// slot offsets relative to it.
type AnchorScan struct {
	BeginOffset       uint64
	SearchWindowSlots int
	SiblingOffsets    []int
	// Header fields read through the anchor value.
	ClassCountOffset uint64
	LengthOffset     uint64
}

// FixedTables locates the sub-tables of a container whose descriptor layout is
// known. Tables are offsets inside the struct the hops end at, in the order
// string, type, field, method, proto, class-def.
type FixedTables struct {
	Hops             []Hop
	Tables           [6]uint64
	Base             uint64
	Header           uint64
	ClassCountOffset uint64
}

func (FixedChain) strategy()                   {}
func (FixedChainWithPrecomputedAlt) strategy() {}
func (AnchorScan) strategy()                   {}
func (FixedTables) strategy()                  {}
