// Package memory reads foreign process memory without assuming any address is
// valid. Every accessor reports unmapped or short reads as ErrUnreadable
// instead of faulting.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"
)

// ErrUnreadable is returned when a read lands outside a readable mapping.
var ErrUnreadable = errors.New("memory: unreadable address")

// FaultError describes a failed read of Len bytes at Addr.
type FaultError struct {
	Addr uint64
	Len  int
	Err  error
}

func (e *FaultError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("memory: read %d bytes at 0x%x: %v", e.Len, e.Addr, e.Err)
	}
	return fmt.Sprintf("memory: read %d bytes at 0x%x: unreadable", e.Len, e.Addr)
}

func (e *FaultError) Unwrap() error { return ErrUnreadable }

// Reader fills p with the bytes at addr. It either fills p completely or
// returns an error wrapping ErrUnreadable.
type Reader interface {
	ReadAt(p []byte, addr uint64) error
}

// PageSize is the granularity used to bound string reads.
const PageSize = 4096

// View interprets a Reader as an arena of words with a fixed pointer size and
// byte order.
type View struct {
	Reader  Reader
	PtrSize int
	Order   binary.ByteOrder
}

// NewView returns a little-endian view of r with the given pointer size.
func NewView(r Reader, ptrSize int) View {
	return View{Reader: r, PtrSize: ptrSize, Order: binary.LittleEndian}
}

// NativePtrSize is the pointer size of the running process.
const NativePtrSize = int(unsafe.Sizeof(uintptr(0)))

// Native returns a view of r using the running process's pointer size.
func Native(r Reader) View {
	return NewView(r, NativePtrSize)
}

// Bytes copies n bytes starting at addr.
func (v View) Bytes(addr uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, &FaultError{Addr: addr, Len: n, Err: errors.New("negative length")}
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if addr == 0 || addr+uint64(n) < addr {
		return nil, &FaultError{Addr: addr, Len: n}
	}
	if err := v.Reader.ReadAt(buf, addr); err != nil {
		return nil, err
	}
	return buf, nil
}

// Uint reads an unsigned integer of size 1, 2, 4 or 8 bytes.
func (v View) Uint(addr uint64, size int) (uint64, error) {
	b, err := v.Bytes(addr, size)
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(v.Order.Uint16(b)), nil
	case 4:
		return uint64(v.Order.Uint32(b)), nil
	case 8:
		return v.Order.Uint64(b), nil
	default:
		return 0, fmt.Errorf("memory: unsupported integer size %d", size)
	}
}

func (v View) Uint8(addr uint64) (uint8, error) {
	n, err := v.Uint(addr, 1)
	return uint8(n), err
}

func (v View) Uint16(addr uint64) (uint16, error) {
	n, err := v.Uint(addr, 2)
	return uint16(n), err
}

func (v View) Uint32(addr uint64) (uint32, error) {
	n, err := v.Uint(addr, 4)
	return uint32(n), err
}

func (v View) Uint64(addr uint64) (uint64, error) {
	return v.Uint(addr, 8)
}

// Word reads a pointer-sized value.
func (v View) Word(addr uint64) (uint64, error) {
	return v.Uint(addr, v.PtrSize)
}

// Slot reads the i-th pointer-sized slot counted from base.
func (v View) Slot(base uint64, i int) (uint64, error) {
	return v.Word(base + uint64(i)*uint64(v.PtrSize))
}

// CString reads a NUL-terminated string of at most max bytes. Reads never
// cross a page boundary in a single request, so a string ending right before
// an unmapped page is still returned.
func (v View) CString(addr uint64, max int) (string, error) {
	if addr == 0 {
		return "", &FaultError{Addr: addr, Len: 1}
	}
	out := make([]byte, 0, 64)
	for len(out) < max {
		chunk := PageSize - int(addr%PageSize)
		if remaining := max - len(out); chunk > remaining {
			chunk = remaining
		}
		buf, err := v.Bytes(addr, chunk)
		if err != nil {
			return "", err
		}
		for _, ch := range buf {
			if ch == 0 {
				return string(out), nil
			}
			out = append(out, ch)
		}
		addr += uint64(chunk)
	}
	return string(out), nil
}
