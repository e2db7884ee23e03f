package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/dexdump"
	"github.com/sliverarmory/dexdump/dvm"
	"github.com/sliverarmory/dexdump/layout"
	"github.com/sliverarmory/dexdump/locator"
	"github.com/sliverarmory/dexdump/memory"
	"github.com/sliverarmory/dexdump/procmaps"
)

var (
	pid     int
	verbose bool

	modulesFilter string
	pltFilter     string
	asJSON        bool
	outPath       string
	runtimeLib    string

	addr       uint64
	length     uint64
	cookie     uint64
	generation int
)

var rootCmd = &cobra.Command{
	Use:          "dexdump",
	Short:        "Inspect the bytecode containers and PLT bindings of a Dalvik/ART process",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List executable modules mapped into the process",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, closer, err := newEngine()
		if err != nil {
			return err
		}
		defer closer.Close()

		modules, err := engine.Modules(modulesFilter)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), modules)
		}
		for _, m := range modules {
			fmt.Fprintf(cmd.OutOrStdout(), "0x%x %s\n", m.Base, m.Path)
		}
		return nil
	},
}

var pltCmd = &cobra.Command{
	Use:   "plt",
	Short: "Snapshot PLT relocation targets of mapped shared objects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, closer, err := newEngine()
		if err != nil {
			return err
		}
		defer closer.Close()

		snap, err := engine.SnapshotPLTSymbols(pltFilter)
		if err != nil {
			return err
		}
		if asJSON {
			failures := make(map[string]string, len(snap.Failures))
			for path, err := range snap.Failures {
				failures[path] = err.Error()
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"modules":  snap.Modules,
				"failures": failures,
			})
		}

		out := cmd.OutOrStdout()
		for _, path := range sortedKeys(snap.Modules) {
			fmt.Fprintln(out, path)
			symbols := snap.Modules[path]
			for _, name := range sortedKeys(symbols) {
				fmt.Fprintf(out, "  0x%x %s\n", symbols[name], name)
			}
		}
		for _, path := range sortedKeys(snap.Failures) {
			fmt.Fprintf(out, "! %s: %s (%v)\n", path, dexdump.Classify(snap.Failures[path]), snap.Failures[path])
		}
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Find dex and odex images at the start of readable mappings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, closer, err := newEngine()
		if err != nil {
			return err
		}
		defer closer.Close()

		containers, err := engine.ScanContainers()
		if err != nil {
			return err
		}
		if outPath != "" {
			if err := os.MkdirAll(outPath, 0o755); err != nil {
				return err
			}
		}
		for _, c := range containers {
			if !asJSON {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s %s\n", c.Kind, c.Version, c.Region, c.Mapping)
			}
			if outPath == "" {
				continue
			}
			name := filepath.Join(outPath, fmt.Sprintf("%s_%x.dex", c.Kind, c.Region.Address))
			if err := dumpRegion(engine, c.Region, name); err != nil {
				log.WithError(err).Warnf("skipping %s", c.Region)
			}
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), containers)
		}
		return nil
	},
}

var containerCmd = &cobra.Command{
	Use:   "container",
	Short: "Locate the backing region of the container behind a runtime cookie",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, closer, err := newEngine()
		if err != nil {
			return err
		}
		defer closer.Close()

		region, err := engine.DumpContainerByRawDescriptor(dvm.RawDescriptor(cookie), layout.Generation(generation))
		if err != nil {
			return fmt.Errorf("%s: %w", dexdump.Classify(err), err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), region)
		if outPath != "" {
			return dumpRegion(engine, region, outPath)
		}
		return nil
	},
}

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "Locate the id tables of the container behind a runtime cookie",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, closer, err := newEngine()
		if err != nil {
			return err
		}
		defer closer.Close()

		tables, err := engine.LocateSubTables(dvm.RawDescriptor(cookie), layout.Generation(generation))
		if err != nil {
			return fmt.Errorf("%s: %w", dexdump.Classify(err), err)
		}
		return writeJSON(cmd.OutOrStdout(), tables)
	},
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Copy an arbitrary address range to a file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, closer, err := newEngine()
		if err != nil {
			return err
		}
		defer closer.Close()

		region, err := engine.DumpRawMemory(addr, length)
		if err != nil {
			return err
		}
		if outPath == "" {
			return errors.New("--out is required")
		}
		return dumpRegion(engine, region, outPath)
	},
}

var inlineOpsCmd = &cobra.Command{
	Use:   "inline-ops",
	Short: "Print the runtime's inline-operation table",
	Long:  "Print the runtime's inline-operation table. The runtime library is bound in this process, so --pid is ignored.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		lib, err := dvm.Open(runtimeLib)
		if err != nil {
			return err
		}
		// Unloading the runtime library while it is in use is not safe.

		engine, err := dexdump.New(memory.Self(), dexdump.WithInlineOps(lib), dexdump.WithRuntime(lib))
		if err != nil {
			return err
		}
		table, err := engine.ListInlineOperations()
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), table)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().IntVar(&pid, "pid", 0, "Target process id (0 inspects this process)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	modulesCmd.Flags().StringVar(&modulesFilter, "filter", "", "Only list modules whose path contains this string")
	modulesCmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	pltCmd.Flags().StringVar(&pltFilter, "filter", dexdump.DefaultModuleFilter, "Only walk modules whose path contains this string")
	pltCmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	scanCmd.Flags().StringVar(&outPath, "out", "", "Directory to write found containers to")
	scanCmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	for _, cmd := range []*cobra.Command{containerCmd, tablesCmd} {
		cmd.Flags().Uint64Var(&cookie, "cookie", 0, "Runtime cookie address")
		cmd.Flags().IntVar(&generation, "generation", 0, "Runtime generation (API level)")
		_ = cmd.MarkFlagRequired("cookie")
		_ = cmd.MarkFlagRequired("generation")
	}
	containerCmd.Flags().StringVar(&outPath, "out", "", "File to write the container to")

	memoryCmd.Flags().Uint64Var(&addr, "addr", 0, "Start address")
	memoryCmd.Flags().Uint64Var(&length, "length", 0, "Number of bytes")
	memoryCmd.Flags().StringVar(&outPath, "out", "", "Output file")

	inlineOpsCmd.Flags().StringVar(&runtimeLib, "lib", dvm.DefaultLibrary, "Runtime library to bind")

	rootCmd.AddCommand(modulesCmd, pltCmd, scanCmd, containerCmd, tablesCmd, memoryCmd, inlineOpsCmd)
}

// newEngine opens the target selected by --pid.
func newEngine() (*dexdump.Engine, io.Closer, error) {
	if pid == 0 {
		proc := memory.Self()
		engine, err := dexdump.New(proc)
		return engine, proc, err
	}

	proc, err := memory.Open(pid)
	if err != nil {
		return nil, nil, err
	}
	target := pid
	engine, err := dexdump.New(proc, dexdump.WithMaps(func() ([]procmaps.Mapping, error) {
		return procmaps.Read(target)
	}))
	if err != nil {
		_ = proc.Close()
		return nil, nil, err
	}
	return engine, proc, nil
}

func dumpRegion(engine *dexdump.Engine, region locator.BackingRegion, path string) error {
	data, err := engine.ReadRegion(region)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	log.Infof("wrote %d bytes from %s to %s", len(data), region, path)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
