package locator

import (
	"fmt"

	"github.com/sliverarmory/dexdump/layout"
	"github.com/sliverarmory/dexdump/memory"
)

// SubTables are the in-memory locations of a container's id tables.
type SubTables struct {
	StringIDs  uint64 `json:"string_ids"`
	TypeIDs    uint64 `json:"type_ids"`
	FieldIDs   uint64 `json:"field_ids"`
	MethodIDs  uint64 `json:"method_ids"`
	ProtoIDs   uint64 `json:"proto_ids"`
	ClassDefs  uint64 `json:"class_defs"`
	Base       uint64 `json:"base"`
	ClassCount uint64 `json:"class_count"`
}

// LocateSubTables resolves the id tables reachable from root.
func LocateSubTables(v memory.View, root uint64, strategy layout.Strategy) (SubTables, error) {
	if root == 0 {
		return SubTables{}, &ChainBrokenError{Hop: RootHop}
	}
	switch s := strategy.(type) {
	case layout.FixedTables:
		return fixedTables(v, root, s)
	case layout.AnchorScan:
		return anchorTables(v, root, s)
	default:
		return SubTables{}, fmt.Errorf("locator: strategy %T does not describe sub-tables", strategy)
	}
}

func fixedTables(v memory.View, root uint64, s layout.FixedTables) (SubTables, error) {
	dexFile, err := follow(v, root, s.Hops, 0)
	if err != nil {
		return SubTables{}, err
	}

	var tables [6]uint64
	for i, off := range s.Tables {
		if tables[i], err = v.Word(dexFile + off); err != nil {
			return SubTables{}, fmt.Errorf("locator: table %d: %w", i, err)
		}
	}
	base, err := v.Word(dexFile + s.Base)
	if err != nil {
		return SubTables{}, fmt.Errorf("locator: base address: %w", err)
	}
	header, err := follow(v, dexFile, []layout.Hop{{Offset: s.Header}}, len(s.Hops))
	if err != nil {
		return SubTables{}, err
	}
	count, err := v.Uint32(header + s.ClassCountOffset)
	if err != nil {
		return SubTables{}, fmt.Errorf("locator: class count: %w", err)
	}
	return newSubTables(tables, base, uint64(count)), nil
}

func anchorTables(v memory.View, root uint64, s layout.AnchorScan) (SubTables, error) {
	if len(s.SiblingOffsets) < 6 {
		return SubTables{}, fmt.Errorf("locator: anchor scan declares %d siblings, need 6", len(s.SiblingOffsets))
	}
	res, err := Scan(v, root, s)
	if err != nil {
		return SubTables{}, err
	}
	count, err := v.Uint32(res.Anchor + s.ClassCountOffset)
	if err != nil {
		return SubTables{}, fmt.Errorf("locator: class count: %w", err)
	}
	var tables [6]uint64
	copy(tables[:], res.Siblings)
	return newSubTables(tables, res.Anchor, uint64(count)), nil
}

func newSubTables(t [6]uint64, base, count uint64) SubTables {
	return SubTables{
		StringIDs:  t[0],
		TypeIDs:    t[1],
		FieldIDs:   t[2],
		MethodIDs:  t[3],
		ProtoIDs:   t[4],
		ClassDefs:  t[5],
		Base:       base,
		ClassCount: count,
	}
}
