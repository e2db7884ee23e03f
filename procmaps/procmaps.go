// Package procmaps parses /proc/<pid>/maps and derives the loaded module list
// from it.
package procmaps

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

const deletedSuffix = " (deleted)"

// Mapping is one line of a maps file.
type Mapping struct {
	Start   uint64
	End     uint64
	Perms   string
	Offset  uint64
	Dev     string
	Inode   uint64
	Path    string
	Deleted bool
}

func (m Mapping) Size() uint64 { return m.End - m.Start }

func (m Mapping) Readable() bool { return strings.HasPrefix(m.Perms, "r") }

func (m Mapping) Executable() bool { return strings.Contains(m.Perms, "x") }

// Contains reports whether addr falls inside the mapping.
func (m Mapping) Contains(addr uint64) bool { return addr >= m.Start && addr < m.End }

// Module is a file-backed image with at least one executable mapping.
type Module struct {
	Path string `json:"path"`
	Base uint64 `json:"base"`
}

// Parse reads maps-format lines from r. Lines that do not parse are skipped.
func Parse(r io.Reader) ([]Mapping, error) {
	var mappings []Mapping
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		m, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		mappings = append(mappings, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("procmaps: scan: %w", err)
	}
	return mappings, nil
}

func parseLine(line string) (Mapping, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, false
	}
	rangeParts := strings.SplitN(fields[0], "-", 2)
	if len(rangeParts) != 2 {
		return Mapping{}, false
	}
	start, startErr := strconv.ParseUint(rangeParts[0], 16, 64)
	end, endErr := strconv.ParseUint(rangeParts[1], 16, 64)
	offset, offsetErr := strconv.ParseUint(fields[2], 16, 64)
	inode, inodeErr := strconv.ParseUint(fields[4], 10, 64)
	if startErr != nil || endErr != nil || offsetErr != nil || inodeErr != nil || end < start {
		return Mapping{}, false
	}

	m := Mapping{
		Start:  start,
		End:    end,
		Perms:  fields[1],
		Offset: offset,
		Dev:    fields[3],
		Inode:  inode,
	}
	if len(fields) >= 6 {
		m.Path = strings.Join(fields[5:], " ")
		if strings.HasSuffix(m.Path, deletedSuffix) {
			m.Path = strings.TrimSuffix(m.Path, deletedSuffix)
			m.Deleted = true
		}
	}
	return m, true
}

// Read parses the maps of pid. A pid of 0 reads the calling process.
func Read(pid int) ([]Mapping, error) {
	path := "/proc/self/maps"
	if pid != 0 {
		path = fmt.Sprintf("/proc/%d/maps", pid)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("procmaps: open %s: %w", path, err)
	}
	defer f.Close()

	mappings, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("procmaps: %s: %w", path, err)
	}
	return mappings, nil
}

// ReadSelf parses /proc/self/maps.
func ReadSelf() ([]Mapping, error) {
	return Read(0)
}

// ListModules returns every file-backed path containing filter that has an
// executable mapping. The base is the lowest mapping of the file at offset 0,
// which is where the loader placed the ELF header; the lowest mapping of any
// offset is used when no such mapping exists. Modules are ordered by base.
func ListModules(mappings []Mapping, filter string) []Module {
	type acc struct {
		base       uint64
		headerBase uint64
		hasHeader  bool
		executable bool
	}
	seen := make(map[string]*acc)
	for _, m := range mappings {
		if !strings.HasPrefix(m.Path, "/") || !strings.Contains(m.Path, filter) {
			continue
		}
		a, ok := seen[m.Path]
		if !ok {
			a = &acc{base: m.Start}
			seen[m.Path] = a
		}
		if m.Start < a.base {
			a.base = m.Start
		}
		if m.Offset == 0 && (!a.hasHeader || m.Start < a.headerBase) {
			a.headerBase = m.Start
			a.hasHeader = true
		}
		if m.Executable() {
			a.executable = true
		}
	}

	modules := make([]Module, 0, len(seen))
	for path, a := range seen {
		if !a.executable {
			continue
		}
		base := a.base
		if a.hasHeader {
			base = a.headerBase
		}
		modules = append(modules, Module{Path: path, Base: base})
	}
	sort.Slice(modules, func(i, j int) bool {
		if modules[i].Base != modules[j].Base {
			return modules[i].Base < modules[j].Base
		}
		return modules[i].Path < modules[j].Path
	})
	return modules
}

// Readable filters mappings to those with read permission.
func Readable(mappings []Mapping) []Mapping {
	out := make([]Mapping, 0, len(mappings))
	for _, m := range mappings {
		if m.Readable() {
			out = append(out, m)
		}
	}
	return out
}

// Find returns the mapping containing addr.
func Find(mappings []Mapping, addr uint64) (Mapping, bool) {
	for _, m := range mappings {
		if m.Contains(addr) {
			return m, true
		}
	}
	return Mapping{}, false
}
