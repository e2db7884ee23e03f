// Package dexdump locates the in-memory images of bytecode containers loaded
// by a Dalvik or ART runtime and snapshots the PLT bindings of the native
// modules mapped beside it.
//
// The layouts walked here are private to the runtime and change between
// releases, so every operation takes the runtime generation explicitly and
// treats all foreign memory as untrusted. An Engine holds no state between
// calls; results reflect memory at the time of the call and may be
// inconsistent if the target mutates the structures concurrently.
package dexdump

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/sliverarmory/dexdump/dvm"
	"github.com/sliverarmory/dexdump/layout"
	"github.com/sliverarmory/dexdump/locator"
	"github.com/sliverarmory/dexdump/memory"
	"github.com/sliverarmory/dexdump/procmaps"
)

// Engine runs the introspection operations against one address space.
type Engine struct {
	mem      memory.Reader
	view     memory.View
	catalog  *layout.Catalog
	resolver dvm.Resolver
	inline   dvm.InlineOpsSource
	log      log.FieldLogger
	maps     func() ([]procmaps.Mapping, error)
}

type options struct {
	runtime    dvm.Runtime
	inline     dvm.InlineOpsSource
	logger     log.FieldLogger
	ptrSize    int
	scanWindow int
	maps       func() ([]procmaps.Mapping, error)
}

// Option configures an Engine.
type Option func(*options)

// WithRuntime sets the capability used to decode managed references.
func WithRuntime(rt dvm.Runtime) Option {
	return func(o *options) { o.runtime = rt }
}

// WithInlineOps sets the source of the inline-operation table.
func WithInlineOps(src dvm.InlineOpsSource) Option {
	return func(o *options) { o.inline = src }
}

// WithLogger replaces the standard logrus logger.
func WithLogger(l log.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithPointerSize sets the target pointer size. It defaults to the size of
// the running process.
func WithPointerSize(n int) Option {
	return func(o *options) { o.ptrSize = n }
}

// WithScanWindow sets the number of slots probed by anchor scans.
func WithScanWindow(slots int) Option {
	return func(o *options) { o.scanWindow = slots }
}

// WithMaps replaces the source of the memory map, /proc/self/maps by
// default.
func WithMaps(fn func() ([]procmaps.Mapping, error)) Option {
	return func(o *options) { o.maps = fn }
}

// New returns an Engine reading mem.
func New(mem memory.Reader, opts ...Option) (*Engine, error) {
	if mem == nil {
		return nil, errors.New("dexdump: nil memory reader")
	}
	o := options{
		ptrSize:    memory.NativePtrSize,
		scanWindow: layout.DefaultScanWindow,
		maps:       procmaps.ReadSelf,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.StandardLogger()
	}

	catalog, err := layout.New(o.ptrSize)
	if err != nil {
		return nil, fmt.Errorf("dexdump: %w", err)
	}
	return &Engine{
		mem:      mem,
		view:     memory.NewView(mem, o.ptrSize),
		catalog:  catalog.WithScanWindow(o.scanWindow),
		resolver: dvm.Resolver{Runtime: o.runtime},
		inline:   o.inline,
		log:      o.logger,
		maps:     o.maps,
	}, nil
}

// DumpContainerByHandle locates the backing region of the container that
// defined the class behind ref. Only Dalvik generations keep a per-class
// link to the container.
func (e *Engine) DumpContainerByHandle(ref dvm.ManagedRef, gen layout.Generation) (locator.BackingRegion, error) {
	strategy, err := e.catalog.Lookup(gen, layout.RootClassObject)
	if err != nil {
		return locator.BackingRegion{}, err
	}
	root, err := e.resolver.Resolve(ref)
	if err != nil {
		return locator.BackingRegion{}, err
	}
	region, err := locator.Locate(e.view, root, strategy)
	if err != nil {
		return locator.BackingRegion{}, fmt.Errorf("dexdump: class 0x%x: %w", root, err)
	}
	e.log.Debugf("class %#x: backing region %s (generation %d)", root, region, gen)
	return region, nil
}

// DumpContainerByRawDescriptor locates the backing region of the container
// whose runtime cookie is raw.
func (e *Engine) DumpContainerByRawDescriptor(raw dvm.RawDescriptor, gen layout.Generation) (locator.BackingRegion, error) {
	root, kind, err := e.rawRoot(raw, gen)
	if err != nil {
		return locator.BackingRegion{}, err
	}
	strategy, err := e.catalog.Lookup(gen, kind)
	if err != nil {
		return locator.BackingRegion{}, err
	}
	region, err := locator.Locate(e.view, root, strategy)
	if err != nil {
		return locator.BackingRegion{}, fmt.Errorf("dexdump: %s 0x%x: %w", kind, root, err)
	}
	e.log.Debugf("%s %#x: backing region %s (generation %d)", kind, root, region, gen)
	return region, nil
}

// DumpRawMemory describes an arbitrary byte range. Nothing is read.
func (e *Engine) DumpRawMemory(addr, length uint64) (locator.BackingRegion, error) {
	region := locator.BackingRegion{Address: addr, Length: length}
	if addr == 0 || length == 0 {
		return locator.BackingRegion{}, fmt.Errorf("%w: %s", locator.ErrEmptyRegion, region)
	}
	if addr+length < addr {
		return locator.BackingRegion{}, fmt.Errorf("dexdump: region %s wraps the address space", region)
	}
	return region, nil
}

// LocateSubTables finds the id tables of the container behind raw.
func (e *Engine) LocateSubTables(raw dvm.RawDescriptor, gen layout.Generation) (locator.SubTables, error) {
	root, kind, err := e.rawRoot(raw, gen)
	if err != nil {
		return locator.SubTables{}, err
	}
	strategy, err := e.catalog.SubTables(gen, kind)
	if err != nil {
		return locator.SubTables{}, err
	}
	tables, err := locator.LocateSubTables(e.view, root, strategy)
	if err != nil {
		return locator.SubTables{}, fmt.Errorf("dexdump: %s 0x%x: %w", kind, root, err)
	}
	return tables, nil
}

// ListInlineOperations renders the runtime's inline-operation table.
func (e *Engine) ListInlineOperations() (string, error) {
	if e.inline == nil {
		return "", fmt.Errorf("%w: no inline-operation source configured", dvm.ErrCapabilityUnavailable)
	}
	table, n, err := e.inline.Table()
	if err != nil {
		return "", err
	}
	e.log.Debugf("inline-operation table at %#x with %d entries", table, n)
	return dvm.FormatInlineOps(e.view, table, n)
}

// rawRoot resolves raw and reads the discriminant, when the generation has
// one, to pick the root kind.
func (e *Engine) rawRoot(raw dvm.RawDescriptor, gen layout.Generation) (uint64, layout.RootKind, error) {
	if err := e.catalog.Validate(gen); err != nil {
		return 0, 0, err
	}
	root, err := e.resolver.Resolve(raw)
	if err != nil {
		return 0, 0, err
	}
	d, ok := e.catalog.Discriminant(gen)
	if !ok {
		return root, e.catalog.RawRootKind(gen, false), nil
	}
	if root == 0 {
		return 0, 0, &locator.ChainBrokenError{Hop: locator.RootHop}
	}
	tag, err := e.view.Uint(root+d.Offset, d.Size)
	if err != nil {
		return 0, 0, fmt.Errorf("dexdump: cookie 0x%x discriminant: %w", root, err)
	}
	return root, e.catalog.RawRootKind(gen, tag != 0), nil
}
