package layout

import (
	"fmt"
	"sort"
	"strings"
)

// Kind is the C storage class of a field.
type Kind uint8

const (
	KindU1 Kind = iota
	KindU2
	KindU4
	KindBool
	// KindPtr is a data pointer.
	KindPtr
	// KindLong covers long, size_t and off_t: pointer width on the ABIs the
	// runtime ships for.
	KindLong
	kindStruct
)

// Field is one member of a Struct description.
type Field struct {
	Name  string
	Kind  Kind
	Count int
	embed *Struct
}

// Field constructors for the C storage classes the runtime structures use.
func U1(name string) Field {
	return Field{Name: name, Kind: KindU1, Count: 1}
}

func U1Array(name string, n int) Field {
	return Field{Name: name, Kind: KindU1, Count: n}
}

func U2(name string) Field {
	return Field{Name: name, Kind: KindU2, Count: 1}
}

func U4(name string) Field {
	return Field{Name: name, Kind: KindU4, Count: 1}
}

func U4Array(name string, n int) Field {
	return Field{Name: name, Kind: KindU4, Count: n}
}

func Bool(name string) Field {
	return Field{Name: name, Kind: KindBool, Count: 1}
}

func Ptr(name string) Field {
	return Field{Name: name, Kind: KindPtr, Count: 1}
}

func Long(name string) Field {
	return Field{Name: name, Kind: KindLong, Count: 1}
}

// Embed nests s by value, the way a C struct member of struct type is laid out.
func Embed(name string, s *Struct) Field {
	return Field{Name: name, Kind: kindStruct, Count: 1, embed: s}
}

// Struct is a C struct layout computed with natural alignment for a pointer
// size. Offsets of nested members are addressed as "outer.inner".
type Struct struct {
	Name    string
	ptrSize int
	size    uint64
	align   uint64
	offsets map[string]uint64
	sizes   map[string]int
}

// NewStruct lays out fields in order for the given pointer size.
func NewStruct(ptrSize int, name string, fields ...Field) *Struct {
	s := &Struct{
		Name:    name,
		ptrSize: ptrSize,
		align:   1,
		offsets: make(map[string]uint64),
		sizes:   make(map[string]int),
	}

	var off uint64
	for _, f := range fields {
		size, align := s.storage(f)
		off = alignUp(off, align)
		s.offsets[f.Name] = off
		s.sizes[f.Name] = int(size)
		if f.embed != nil {
			for inner, innerOff := range f.embed.offsets {
				s.offsets[f.Name+"."+inner] = off + innerOff
				s.sizes[f.Name+"."+inner] = f.embed.sizes[inner]
			}
		}
		off += size * uint64(max(f.Count, 1))
		if align > s.align {
			s.align = align
		}
	}
	s.size = alignUp(off, s.align)
	return s
}

func (s *Struct) storage(f Field) (size, align uint64) {
	switch f.Kind {
	case KindU1, KindBool:
		return 1, 1
	case KindU2:
		return 2, 2
	case KindU4:
		return 4, 4
	case KindPtr, KindLong:
		return uint64(s.ptrSize), uint64(s.ptrSize)
	case kindStruct:
		if f.embed.ptrSize != s.ptrSize {
			panic(fmt.Sprintf("layout: %s embeds %s laid out for a different pointer size", s.Name, f.embed.Name))
		}
		return f.embed.size, f.embed.align
	default:
		panic(fmt.Sprintf("layout: %s.%s has unknown kind %d", s.Name, f.Name, f.Kind))
	}
}

// Offset returns the byte offset of a member. Catalog layouts are static, so
// an unknown member is a programming error.
func (s *Struct) Offset(path string) uint64 {
	off, ok := s.offsets[path]
	if !ok {
		panic(fmt.Sprintf("layout: struct %s has no member %s", s.Name, path))
	}
	return off
}

// FieldSize returns the storage size of one element of a member.
func (s *Struct) FieldSize(path string) int {
	size, ok := s.sizes[path]
	if !ok {
		panic(fmt.Sprintf("layout: struct %s has no member %s", s.Name, path))
	}
	return size
}

// Size returns the padded size of the struct.
func (s *Struct) Size() uint64 {
	return s.size
}

// Slot returns the offset of a member in pointer-sized slots.
func (s *Struct) Slot(path string) int {
	return int(s.Offset(path) / uint64(s.ptrSize))
}

// String renders the layout, ordered by offset, for diagnostics.
func (s *Struct) String() string {
	type entry struct {
		name string
		off  uint64
	}
	entries := make([]entry, 0, len(s.offsets))
	for name, off := range s.offsets {
		entries = append(entries, entry{name, off})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].off != entries[j].off {
			return entries[i].off < entries[j].off
		}
		return entries[i].name < entries[j].name
	})

	var b strings.Builder
	fmt.Fprintf(&b, "struct %s (size 0x%x) {\n", s.Name, s.size)
	for _, e := range entries {
		fmt.Fprintf(&b, "  +0x%02x %s\n", e.off, e.name)
	}
	b.WriteString("}")
	return b.String()
}

func alignUp(v, a uint64) uint64 {
	if a <= 1 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}
