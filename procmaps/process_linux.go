//go:build linux

package procmaps

import (
	"debug/elf"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/ebpf-profiler/libpf"
	"go.opentelemetry.io/ebpf-profiler/process"
	"golang.org/x/sys/unix"
)

// ProcessMapping converts m to the ebpf-profiler mapping type. A deleted
// file keeps its path; the suffix is not carried over.
func (m Mapping) ProcessMapping() process.Mapping {
	var flags elf.ProgFlag
	if m.Readable() {
		flags |= elf.PF_R
	}
	if strings.Contains(m.Perms, "w") {
		flags |= elf.PF_W
	}
	if m.Executable() {
		flags |= elf.PF_X
	}
	return process.Mapping{
		Vaddr:      m.Start,
		Length:     m.Size(),
		Flags:      flags,
		FileOffset: m.Offset,
		Device:     parseDevice(m.Dev),
		Inode:      m.Inode,
		Path:       libpf.Intern(m.Path),
	}
}

// FromProcessMapping converts an ebpf-profiler mapping. Sharing is not
// recorded there, so every converted mapping is reported private.
func FromProcessMapping(pm process.Mapping) Mapping {
	perms := []byte("---p")
	if pm.Flags&elf.PF_R != 0 {
		perms[0] = 'r'
	}
	if pm.Flags&elf.PF_W != 0 {
		perms[1] = 'w'
	}
	if pm.Flags&elf.PF_X != 0 {
		perms[2] = 'x'
	}
	m := Mapping{
		Start:  pm.Vaddr,
		End:    pm.Vaddr + pm.Length,
		Perms:  string(perms),
		Offset: pm.FileOffset,
		Dev:    fmt.Sprintf("%02x:%02x", unix.Major(pm.Device), unix.Minor(pm.Device)),
		Inode:  pm.Inode,
		Path:   pm.Path.String(),
	}
	if strings.HasSuffix(m.Path, deletedSuffix) {
		m.Path = strings.TrimSuffix(m.Path, deletedSuffix)
		m.Deleted = true
	}
	return m
}

// FromProcessMappings converts a whole mapping list.
func FromProcessMappings(pms []process.Mapping) []Mapping {
	out := make([]Mapping, len(pms))
	for i, pm := range pms {
		out[i] = FromProcessMapping(pm)
	}
	return out
}

func parseDevice(dev string) uint64 {
	major, minor, ok := strings.Cut(dev, ":")
	if !ok {
		return 0
	}
	maj, err := strconv.ParseUint(major, 16, 32)
	if err != nil {
		return 0
	}
	mnr, err := strconv.ParseUint(minor, 16, 32)
	if err != nil {
		return 0
	}
	return unix.Mkdev(uint32(maj), uint32(mnr))
}
