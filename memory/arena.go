package memory

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Arena is a sparse, synthetic address space. Reads outside a mapped block
// fail with ErrUnreadable, which makes it a stand-in for live memory when
// reproducing a runtime structure offline.
type Arena struct {
	blocks []arenaBlock
}

type arenaBlock struct {
	addr uint64
	data []byte
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Map places a copy of data at addr. Overlapping an existing block is an error.
func (a *Arena) Map(addr uint64, data []byte) error {
	end := addr + uint64(len(data))
	for _, b := range a.blocks {
		if addr < b.end() && b.addr < end {
			return fmt.Errorf("memory: block 0x%x-0x%x overlaps 0x%x-0x%x", addr, end, b.addr, b.end())
		}
	}
	cloned := make([]byte, len(data))
	copy(cloned, data)
	a.blocks = append(a.blocks, arenaBlock{addr: addr, data: cloned})
	sort.Slice(a.blocks, func(i, j int) bool { return a.blocks[i].addr < a.blocks[j].addr })
	return nil
}

// Alloc maps n zero bytes at addr and returns addr.
func (a *Arena) Alloc(addr uint64, n int) (uint64, error) {
	return addr, a.Map(addr, make([]byte, n))
}

// Write overwrites mapped bytes at addr.
func (a *Arena) Write(addr uint64, data []byte) error {
	b := a.block(addr, len(data))
	if b == nil {
		return &FaultError{Addr: addr, Len: len(data)}
	}
	copy(b.data[addr-b.addr:], data)
	return nil
}

// PutUint writes an unsigned little-endian integer of the given size.
func (a *Arena) PutUint(addr uint64, size int, value uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return a.Write(addr, buf[:size])
}

// ReadAt implements Reader.
func (a *Arena) ReadAt(p []byte, addr uint64) error {
	b := a.block(addr, len(p))
	if b == nil {
		return &FaultError{Addr: addr, Len: len(p)}
	}
	copy(p, b.data[addr-b.addr:])
	return nil
}

func (a *Arena) block(addr uint64, n int) *arenaBlock {
	end := addr + uint64(n)
	if end < addr {
		return nil
	}
	for i := range a.blocks {
		b := &a.blocks[i]
		if addr >= b.addr && end <= b.end() {
			return b
		}
	}
	return nil
}

func (b arenaBlock) end() uint64 { return b.addr + uint64(len(b.data)) }
