//go:build linux && cgo

package dynlib

import (
	"debug/elf"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"sync"
	"unsafe"

	"go.opentelemetry.io/ebpf-profiler/libpf"
	"go.opentelemetry.io/ebpf-profiler/libpf/pfelf"

	_ "github.com/sliverarmory/dexdump/dynlib/internal/cgobootstrap"
	"github.com/sliverarmory/dexdump/procmaps"
)

const rtldNow = 2

// loader holds the dl* entry points of the mapped libc.
type loader struct {
	dlopen, dlsym, dlclose, dlerror uintptr
}

var bindLoader = sync.OnceValues(findLoader)

// Library is a handle returned by dlopen.
type Library struct {
	mu     sync.RWMutex
	handle uintptr
	path   string
	closed bool
}

// Open loads path, or returns the existing handle when the library is
// already mapped into the process.
func Open(path string) (*Library, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("dynlib: library path cannot be empty")
	}
	return open(path)
}

// Self returns the handle of the main program, whose lookups cover every
// library loaded with global visibility.
func Self() (*Library, error) {
	return open("")
}

func open(path string) (*Library, error) {
	ld, err := bindLoader()
	if err != nil {
		return nil, err
	}
	handle, err := ld.open(path)
	if err != nil {
		return nil, err
	}
	return &Library{handle: handle, path: path}, nil
}

// Path returns the name the library was opened with; empty for Self.
func (lib *Library) Path() string { return lib.path }

// Symbol resolves name with dlsym.
func (lib *Library) Symbol(name string) (uintptr, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.New("dynlib: symbol name cannot be empty")
	}

	lib.mu.RLock()
	defer lib.mu.RUnlock()
	if lib.closed {
		return 0, ErrClosed
	}

	ld, err := bindLoader()
	if err != nil {
		return 0, err
	}
	return ld.sym(lib.handle, name)
}

// Close releases the handle. Closing twice is a no-op.
func (lib *Library) Close() error {
	lib.mu.Lock()
	defer lib.mu.Unlock()

	if lib.closed {
		return nil
	}
	lib.closed = true
	handle := lib.handle
	lib.handle = 0
	if handle == 0 {
		return nil
	}

	ld, err := bindLoader()
	if err != nil {
		return err
	}
	if rc := trampoline(ld.dlclose, handle); rc != 0 {
		return fmt.Errorf("dynlib: dlclose(%s): %w", displayName(lib.path), ld.lastError("dlclose failed"))
	}
	return nil
}

// Call invokes the C function at fn with up to MaxArgs word arguments and
// returns its word result.
func Call(fn uintptr, args ...uintptr) (uintptr, error) {
	if err := checkCall(fn, args); err != nil {
		return 0, err
	}
	return trampoline(fn, args...), nil
}

func (ld *loader) open(path string) (uintptr, error) {
	var name []byte
	if path != "" {
		var err error
		if name, err = nulTerminated(path); err != nil {
			return 0, err
		}
	}
	ld.clearError()
	handle := trampoline(ld.dlopen, bytesAddr(name), rtldNow)
	runtime.KeepAlive(name)
	if handle == 0 {
		return 0, fmt.Errorf("dynlib: dlopen(%s): %w", displayName(path), ld.lastError("dlopen failed"))
	}
	return handle, nil
}

func (ld *loader) sym(handle uintptr, symbol string) (uintptr, error) {
	name, err := nulTerminated(symbol)
	if err != nil {
		return 0, err
	}
	ld.clearError()
	addr := trampoline(ld.dlsym, handle, bytesAddr(name))
	runtime.KeepAlive(name)
	if msg := goString(trampoline(ld.dlerror)); msg != "" {
		return 0, fmt.Errorf("%w: %s: %s", ErrSymbolNotFound, symbol, msg)
	}
	if addr == 0 {
		return 0, fmt.Errorf("%w: %s resolved to nil", ErrSymbolNotFound, symbol)
	}
	return addr, nil
}

// clearError drops a stale dlerror message.
func (ld *loader) clearError() { _ = trampoline(ld.dlerror) }

func (ld *loader) lastError(fallback string) error {
	if msg := goString(trampoline(ld.dlerror)); msg != "" {
		return errors.New(msg)
	}
	return errors.New(fallback)
}

func displayName(path string) string {
	if path == "" {
		return "<self>"
	}
	return path
}

func nulTerminated(s string) ([]byte, error) {
	if strings.IndexByte(s, 0) >= 0 {
		return nil, fmt.Errorf("dynlib: %q contains NUL", s)
	}
	return append([]byte(s), 0), nil
}

func bytesAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// findLoader binds the dl* family from the best mapped libc candidate.
func findLoader() (*loader, error) {
	mappings, err := procmaps.ReadSelf()
	if err != nil {
		return nil, fmt.Errorf("dynlib: %w", err)
	}
	candidates := loaderCandidates(procmaps.ListModules(mappings, ""))
	if len(candidates) == 0 {
		return nil, errors.New("dynlib: no libc mapping in /proc/self/maps")
	}

	var errs []error
	for _, mod := range candidates {
		ld, err := bindModule(mod)
		if err == nil {
			return ld, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("dynlib: resolve dlopen: %w", errors.Join(errs...))
}

func bindModule(mod procmaps.Module) (*loader, error) {
	ld := &loader{}
	for _, slot := range []struct {
		name string
		dst  *uintptr
	}{
		{"dlopen", &ld.dlopen},
		{"dlsym", &ld.dlsym},
		{"dlclose", &ld.dlclose},
		{"dlerror", &ld.dlerror},
	} {
		off, err := exportOffset(mod.Path, slot.name)
		if err != nil {
			return nil, err
		}
		*slot.dst = uintptr(mod.Base) + off
	}
	return ld, nil
}

// loaderCandidates keeps the modules that may export the dl* family, best
// first.
func loaderCandidates(modules []procmaps.Module) []procmaps.Module {
	var out []procmaps.Module
	for _, mod := range modules {
		if libcPathScore(mod.Path) >= 0 {
			out = append(out, mod)
		}
	}
	slices.SortStableFunc(out, func(a, b procmaps.Module) int {
		return libcPathScore(b.Path) - libcPathScore(a.Path)
	})
	return out
}

func libcPathScore(path string) int {
	p := strings.ToLower(path)
	switch {
	case strings.Contains(p, "libdl.so"):
		return 110
	case strings.Contains(p, "libc.so"):
		return 100
	case strings.Contains(p, "libc-"):
		return 95
	case strings.Contains(p, "ld-musl"):
		return 90
	case strings.Contains(p, "musl"):
		return 85
	case strings.Contains(p, "ld-linux"), strings.Contains(p, "/linker"):
		return 80
	default:
		return -1
	}
}

// exportOffset returns the link-time value of an exported function. 64-bit
// little-endian files go through the pfelf hash-table lookup; other classes
// are read with debug/elf.
func exportOffset(path, symbol string) (uintptr, error) {
	f, err := pfelf.Open(path)
	if err == nil {
		defer f.Close()
		addr, err := f.LookupSymbolAddress(libpf.SymbolName(symbol))
		if err != nil {
			return 0, fmt.Errorf("%s: %s: %w", path, symbol, err)
		}
		// DT_HASH chains also list imports, which carry no value.
		if addr == 0 {
			return 0, fmt.Errorf("symbol %s is undefined in %s", symbol, path)
		}
		return uintptr(addr), nil
	}
	if errors.Is(err, pfelf.ErrNotELF) {
		return 0, fmt.Errorf("%s: %w", path, err)
	}

	ef, err := elf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open elf %s: %w", path, err)
	}
	defer ef.Close()
	syms, err := ef.DynamicSymbols()
	if err != nil {
		return 0, fmt.Errorf("%s: dynamic symbols: %w", path, err)
	}
	i := slices.IndexFunc(syms, func(s elf.Symbol) bool {
		return s.Name == symbol && s.Value != 0 && elf.ST_TYPE(s.Info) == elf.STT_FUNC
	})
	if i < 0 {
		return 0, fmt.Errorf("symbol %s not found in %s", symbol, path)
	}
	return uintptr(syms[i].Value), nil
}
