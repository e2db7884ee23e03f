//go:build !linux

package memory

import (
	"errors"
	"unsafe"
)

var errUnsupported = errors.New("memory: live process reads are only supported on linux")

type Process struct{}

func Self() *Process { return &Process{} }

func Open(pid int) (*Process, error) {
	_ = pid
	return nil, errUnsupported
}

func (p *Process) Pid() int { return 0 }

func (p *Process) ReadAt(buf []byte, addr uint64) error {
	return &FaultError{Addr: addr, Len: len(buf), Err: errUnsupported}
}

func (p *Process) Close() error { return nil }

func Local(ptr unsafe.Pointer) uint64 {
	return uint64(uintptr(ptr))
}
