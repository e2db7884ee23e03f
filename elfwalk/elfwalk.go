// Package elfwalk reads the dynamic section and PLT relocations of an ELF
// module that is already loaded, straight from its mapped memory. Nothing is
// read from the file on disk: the loader's view of the image is what gets
// walked.
//
// Little-endian 64-bit images are parsed with pfelf from the ebpf-profiler.
// pfelf only accepts that flavour, so 32-bit and big-endian images have
// their header and program headers decoded here.
package elfwalk

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/ebpf-profiler/libpf/pfelf"

	"github.com/sliverarmory/dexdump/memory"
)

var (
	// ErrNotAnImage is returned when the memory at base is not an ELF header.
	ErrNotAnImage = errors.New("elfwalk: not an ELF image")
	// ErrNoDynamic is returned for images without a PT_DYNAMIC segment.
	ErrNoDynamic = errors.New("elfwalk: no dynamic segment")
)

const (
	// MaxRelocations bounds the number of PLT relocations walked per image.
	MaxRelocations = 1 << 16
	// MaxSymbolLen bounds symbol name reads.
	MaxSymbolLen = 1024

	maxProgHeaders = 256
	maxDynEntries  = 4096
)

// Entry is a PLT relocation with a named symbol.
type Entry struct {
	Symbol  string `json:"symbol"`
	Address uint64 `json:"address"`
}

// Image is a loaded ELF module. It holds the dynamic table values only; every
// Entries call reads the relocations again.
type Image struct {
	Name    string
	Base    uint64
	Class   elf.Class
	Type    elf.Type
	Machine elf.Machine

	Symtab uint64
	Strtab uint64
	JmpRel uint64
	// PLTRel is DT_REL or DT_RELA.
	PLTRel   elf.DynTag
	RelCount int

	view       memory.View
	log        log.FieldLogger
	bias       uint64
	relEntSize uint64
	symEntSize uint64
}

// Open parses the ELF header, program headers and dynamic table of the image
// mapped at base.
func Open(r memory.Reader, name string, base uint64, logger log.FieldLogger) (*Image, error) {
	if logger == nil {
		logger = discardLogger()
	}

	ident, err := memory.NewView(r, 4).Bytes(base, elf.EI_NIDENT)
	if err != nil {
		return nil, fmt.Errorf("elfwalk: %s: read ident: %w", name, err)
	}
	if string(ident[:4]) != elf.ELFMAG {
		return nil, fmt.Errorf("%w: %s at 0x%x", ErrNotAnImage, name, base)
	}

	img := &Image{
		Name:  name,
		Base:  base,
		Class: elf.Class(ident[elf.EI_CLASS]),
		log:   logger.WithField("module", name),
	}

	var order binary.ByteOrder
	switch elf.Data(ident[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: %s: unknown data encoding %d", ErrNotAnImage, name, ident[elf.EI_DATA])
	}

	switch img.Class {
	case elf.ELFCLASS32:
		img.view = memory.View{Reader: r, PtrSize: 4, Order: order}
		img.symEntSize = elf.Sym32Size
	case elf.ELFCLASS64:
		img.view = memory.View{Reader: r, PtrSize: 8, Order: order}
		img.symEntSize = elf.Sym64Size
	default:
		return nil, fmt.Errorf("%w: %s: unknown class %d", ErrNotAnImage, name, ident[elf.EI_CLASS])
	}

	var dynAddr, dynSize uint64
	if img.Class == elf.ELFCLASS64 && order == binary.LittleEndian {
		dynAddr, dynSize, err = img.parseLoaded(r)
	} else {
		dynAddr, dynSize, err = img.parseHeaders()
	}
	if err != nil {
		return nil, err
	}
	if err := img.readDynamic(dynAddr, dynSize); err != nil {
		return nil, err
	}
	return img, nil
}

// Walk opens the image at base and collects its entries.
func Walk(r memory.Reader, name string, base uint64, logger log.FieldLogger) ([]Entry, error) {
	img, err := Open(r, name, base, logger)
	if err != nil {
		return nil, err
	}
	return slices.Collect(img.Entries()), nil
}

// Entries yields the named PLT relocations in table order. Relocations
// without a symbol are left out and unreadable ones are skipped.
func (img *Image) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for i := 0; i < img.RelCount; i++ {
			e, ok := img.entry(i)
			if !ok {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// Bias is the value added to image virtual addresses.
func (img *Image) Bias() uint64 { return img.bias }

// typeBias is the bias implied by the image type alone: shared objects are
// linked at zero, executables at their final address.
func (img *Image) typeBias() uint64 {
	if img.Type == elf.ET_DYN {
		return img.Base
	}
	return 0
}

// parseLoaded hands the header and program headers to pfelf. The load bias
// comes from the lowest PT_LOAD segment when there is one.
func (img *Image) parseLoaded(r memory.Reader) (addr, size uint64, err error) {
	f, err := pfelf.NewFile(rebased{r: r, base: img.Base}, img.Base, false)
	switch {
	case err == nil:
	case errors.Is(err, memory.ErrUnreadable):
		return 0, 0, fmt.Errorf("elfwalk: %s: read header: %w", img.Name, err)
	default:
		return 0, 0, fmt.Errorf("%w: %s: %v", ErrNotAnImage, img.Name, err)
	}
	if len(f.Progs) > maxProgHeaders {
		return 0, 0, fmt.Errorf("%w: %s: %d program headers", ErrNotAnImage, img.Name, len(f.Progs))
	}
	img.Type, img.Machine = f.Type, f.Machine

	img.bias = img.typeBias()
	var dynamic *pfelf.Prog
	for i := range f.Progs {
		switch f.Progs[i].Type {
		case elf.PT_LOAD:
			img.bias = uint64(f.GetRemoteMemory().Bias)
		case elf.PT_DYNAMIC:
			if dynamic == nil {
				dynamic = &f.Progs[i]
			}
		}
	}
	if dynamic == nil {
		return 0, 0, fmt.Errorf("%w: %s", ErrNoDynamic, img.Name)
	}
	// The segment is read at its mapped address: file offsets and virtual
	// addresses of a loaded image only coincide for the first segment.
	return img.bias + dynamic.Vaddr, dynamic.Memsz, nil
}

// parseHeaders decodes the header and program headers of images pfelf does
// not accept.
func (img *Image) parseHeaders() (addr, size uint64, err error) {
	phoff, phentsize, phnum, err := img.readHeader()
	if err != nil {
		return 0, 0, err
	}
	img.bias = img.typeBias()
	return img.findDynamic(phoff, phentsize, phnum)
}

// rebased is an io.ReaderAt whose offset 0 is the image base.
type rebased struct {
	r    memory.Reader
	base uint64
}

func (rb rebased) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("elfwalk: negative offset %d", off)
	}
	if err := rb.r.ReadAt(p, rb.base+uint64(off)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (img *Image) decode(addr uint64, out any) error {
	b, err := img.view.Bytes(addr, binary.Size(out))
	if err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(b), img.view.Order, out)
}

func (img *Image) readHeader() (phoff uint64, phentsize, phnum int, err error) {
	var progSize int
	if img.Class == elf.ELFCLASS32 {
		var h elf.Header32
		if err := img.decode(img.Base, &h); err != nil {
			return 0, 0, 0, fmt.Errorf("elfwalk: %s: read header: %w", img.Name, err)
		}
		img.Type, img.Machine = elf.Type(h.Type), elf.Machine(h.Machine)
		phoff, phentsize, phnum = uint64(h.Phoff), int(h.Phentsize), int(h.Phnum)
		progSize = binary.Size(elf.Prog32{})
	} else {
		var h elf.Header64
		if err := img.decode(img.Base, &h); err != nil {
			return 0, 0, 0, fmt.Errorf("elfwalk: %s: read header: %w", img.Name, err)
		}
		img.Type, img.Machine = elf.Type(h.Type), elf.Machine(h.Machine)
		phoff, phentsize, phnum = h.Phoff, int(h.Phentsize), int(h.Phnum)
		progSize = binary.Size(elf.Prog64{})
	}

	if phoff == 0 || phnum == 0 || phentsize < progSize {
		return 0, 0, 0, fmt.Errorf("%w: %s: no usable program headers", ErrNotAnImage, img.Name)
	}
	if phnum > maxProgHeaders {
		return 0, 0, 0, fmt.Errorf("%w: %s: %d program headers", ErrNotAnImage, img.Name, phnum)
	}
	return phoff, phentsize, phnum, nil
}

func (img *Image) findDynamic(phoff uint64, phentsize, phnum int) (addr, size uint64, err error) {
	for i := 0; i < phnum; i++ {
		at := img.Base + phoff + uint64(i*phentsize)
		var typ elf.ProgType
		var vaddr, memsz uint64
		if img.Class == elf.ELFCLASS32 {
			var p elf.Prog32
			if err := img.decode(at, &p); err != nil {
				return 0, 0, fmt.Errorf("elfwalk: %s: program header %d: %w", img.Name, i, err)
			}
			typ, vaddr, memsz = elf.ProgType(p.Type), uint64(p.Vaddr), uint64(p.Memsz)
		} else {
			var p elf.Prog64
			if err := img.decode(at, &p); err != nil {
				return 0, 0, fmt.Errorf("elfwalk: %s: program header %d: %w", img.Name, i, err)
			}
			typ, vaddr, memsz = elf.ProgType(p.Type), p.Vaddr, p.Memsz
		}
		if typ == elf.PT_DYNAMIC {
			return img.Bias() + vaddr, memsz, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %s", ErrNoDynamic, img.Name)
}

func (img *Image) readDynamic(addr, size uint64) error {
	entSize := uint64(2 * img.view.PtrSize)
	count := maxDynEntries
	if n := size / entSize; n > 0 && n < uint64(count) {
		count = int(n)
	}

	var pltRelSize uint64
dynamic:
	for i := 0; i < count; i++ {
		tag, err := img.view.Slot(addr, 2*i)
		if err != nil {
			return fmt.Errorf("elfwalk: %s: dynamic entry %d: %w", img.Name, i, err)
		}
		val, err := img.view.Slot(addr, 2*i+1)
		if err != nil {
			return fmt.Errorf("elfwalk: %s: dynamic entry %d: %w", img.Name, i, err)
		}
		switch elf.DynTag(tag) {
		case elf.DT_NULL:
			break dynamic
		case elf.DT_SYMTAB:
			img.Symtab = img.pointer(val)
		case elf.DT_STRTAB:
			img.Strtab = img.pointer(val)
		case elf.DT_JMPREL:
			img.JmpRel = img.pointer(val)
		case elf.DT_PLTRELSZ:
			pltRelSize = val
		case elf.DT_PLTREL:
			img.PLTRel = elf.DynTag(val)
		}
	}

	if img.PLTRel == 0 {
		img.PLTRel = elf.DT_REL
		if img.Class == elf.ELFCLASS64 {
			img.PLTRel = elf.DT_RELA
		}
	}
	switch {
	case img.PLTRel == elf.DT_REL && img.Class == elf.ELFCLASS32:
		img.relEntSize = 8
	case img.PLTRel == elf.DT_RELA && img.Class == elf.ELFCLASS32:
		img.relEntSize = 12
	case img.PLTRel == elf.DT_REL:
		img.relEntSize = 16
	case img.PLTRel == elf.DT_RELA:
		img.relEntSize = 24
	default:
		return fmt.Errorf("elfwalk: %s: unsupported DT_PLTREL %d", img.Name, int(img.PLTRel))
	}

	if img.JmpRel == 0 || pltRelSize == 0 {
		return nil
	}
	if img.Symtab == 0 || img.Strtab == 0 {
		return fmt.Errorf("elfwalk: %s: DT_JMPREL without DT_SYMTAB/DT_STRTAB", img.Name)
	}
	n := pltRelSize / img.relEntSize
	if n > MaxRelocations {
		img.log.WithField("count", n).Warn("PLT relocation count capped")
		n = MaxRelocations
	}
	img.RelCount = int(n)
	return nil
}

// pointer relocates a dynamic table address. glibc rewrites the table in
// place with mapped addresses, so values already above the base are kept as
// they are.
func (img *Image) pointer(val uint64) uint64 {
	if img.Type == elf.ET_DYN && val < img.Base {
		return img.bias + val
	}
	return val
}

func (img *Image) symIndex(info uint64) uint32 {
	if img.Class == elf.ELFCLASS32 {
		return elf.R_SYM32(uint32(info))
	}
	return elf.R_SYM64(info)
}

func (img *Image) entry(i int) (Entry, bool) {
	addr := img.JmpRel + uint64(i)*img.relEntSize
	offset, err := img.view.Word(addr)
	if err != nil {
		img.skip(i, addr, err)
		return Entry{}, false
	}
	info, err := img.view.Slot(addr, 1)
	if err != nil {
		img.skip(i, addr, err)
		return Entry{}, false
	}
	sym := img.symIndex(info)
	if sym == 0 {
		return Entry{}, false
	}

	symAddr := img.Symtab + uint64(sym)*img.symEntSize
	nameOff, err := img.view.Uint32(symAddr)
	if err != nil {
		img.skip(i, symAddr, err)
		return Entry{}, false
	}
	name, err := img.view.CString(img.Strtab+uint64(nameOff), MaxSymbolLen)
	if err != nil {
		img.skip(i, img.Strtab+uint64(nameOff), err)
		return Entry{}, false
	}
	if name == "" {
		return Entry{}, false
	}
	return Entry{Symbol: name, Address: img.Bias() + offset}, true
}

func (img *Image) skip(i int, addr uint64, err error) {
	img.log.WithFields(log.Fields{
		"index": i,
		"addr":  fmt.Sprintf("0x%x", addr),
	}).WithError(err).Debug("skipping unreadable relocation")
}

func discardLogger() log.FieldLogger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}
