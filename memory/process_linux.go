//go:build linux

package memory

import (
	"errors"
	"fmt"
	"math"
	"os"
	"unsafe"

	"go.opentelemetry.io/ebpf-profiler/libpf"
	"go.opentelemetry.io/ebpf-profiler/remotememory"
	"golang.org/x/sys/unix"
)

// Process reads the address space of a live process, by default the calling
// one. Reads go through process_vm_readv so an unmapped address yields an
// error rather than a segmentation fault. When the syscall is unavailable or
// denied, that read is retried through /proc/<pid>/mem; the choice is made
// per read and nothing is kept between calls.
type Process struct {
	pid int
	rm  remotememory.RemoteMemory
}

// Self returns a reader for the calling process.
func Self() *Process {
	return newProcess(unix.Getpid())
}

// Open returns a reader for the process pid.
func Open(pid int) (*Process, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("memory: invalid pid %d", pid)
	}
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return nil, fmt.Errorf("memory: process %d: %w", pid, err)
	}
	return newProcess(pid), nil
}

func newProcess(pid int) *Process {
	return &Process{pid: pid, rm: remotememory.NewProcessVirtualMemory(libpf.PID(pid))}
}

// Pid returns the target process id.
func (p *Process) Pid() int { return p.pid }

// RemoteMemory exposes the underlying process_vm_readv reader.
func (p *Process) RemoteMemory() remotememory.RemoteMemory { return p.rm }

// ReadAt implements Reader.
func (p *Process) ReadAt(buf []byte, addr uint64) error {
	if len(buf) == 0 {
		return nil
	}
	if addr > math.MaxInt64-uint64(len(buf)) {
		return &FaultError{Addr: addr, Len: len(buf), Err: errors.New("address out of range")}
	}

	err := p.rm.Read(libpf.Address(addr), buf)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.ENOSYS) && !errors.Is(err, unix.EPERM) {
		return &FaultError{Addr: addr, Len: len(buf), Err: err}
	}
	return p.procMemRead(buf, addr)
}

func (p *Process) procMemRead(buf []byte, addr uint64) error {
	mem, err := os.Open(fmt.Sprintf("/proc/%d/mem", p.pid))
	if err != nil {
		return &FaultError{Addr: addr, Len: len(buf), Err: err}
	}
	defer mem.Close()

	n, err := mem.ReadAt(buf, int64(addr))
	if err != nil || n != len(buf) {
		return &FaultError{Addr: addr, Len: len(buf), Err: err}
	}
	return nil
}

// Close is a no-op; Process holds no descriptors.
func (p *Process) Close() error { return nil }

// Local wraps ptr as an address in the calling process.
func Local(ptr unsafe.Pointer) uint64 {
	return uint64(uintptr(ptr))
}
