// Command squawkgc is a front-end over the collector, serializer, and
// image codec: it builds a synthetic object graph, collects it,
// serializes it to a suite image, and loads suite images back,
// printing the same kind of before/after summary the teacher's
// enumerate/verify commands print (spec.md §6.4, expansion).
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dougxc/squawkgc/pkg/addr"
	"github.com/dougxc/squawkgc/pkg/gc"
	"github.com/dougxc/squawkgc/pkg/image"
	"github.com/dougxc/squawkgc/pkg/klass"
	"github.com/dougxc/squawkgc/pkg/snapshot"
	"github.com/dougxc/squawkgc/pkg/suite"
)

// bootstrapExitCode is returned when the VM cannot even construct its
// bootstrap heap (spec.md §6.4's reserved exit code).
const bootstrapExitCode = 999

// errBootstrap marks a heap below minBootstrapHeap, the one failure
// this command treats as a bootstrap failure rather than an ordinary
// run error.
var errBootstrap = errors.New("heap too small to bootstrap")

// minBootstrapHeap is the smallest total heap size runCollect/runSave
// will attempt: two semi-spaces each large enough for one minimal
// object-array node (header + one element).
const minBootstrapHeap = 3 * addr.WordSize * 2

// fileSource opens suite images from the local filesystem under
// "file://" URLs, the only scheme this command understands.
type fileSource struct{}

func (fileSource) Open(url string) (io.ReadCloser, error) {
	path := strings.TrimPrefix(url, "file://")
	return os.Open(path)
}

func main() {
	var heapSize int
	var chainLen int
	var cpFlag string
	var suiteFlag string
	var egcFlag bool
	var nogcFlag bool
	var statsFlag bool

	root := &cobra.Command{
		Use:   "squawkgc",
		Short: "Collector, snapshot, and suite-image tool",
	}
	// -cp, -suite, -egc, -nogc name the class-path/suite/collector
	// knobs a real VM front-end takes; this command has no class
	// loader or interpreter to wire them to, so they are accepted and
	// otherwise ignored (spec.md §6.4).
	root.PersistentFlags().StringVar(&cpFlag, "cp", "", "class path (accepted, not used by this tool)")
	root.PersistentFlags().StringVar(&suiteFlag, "suite", "", "suite name (accepted, not used by this tool)")
	root.PersistentFlags().BoolVar(&egcFlag, "egc", false, "enable excessive GC (accepted, not used by this tool)")
	root.PersistentFlags().BoolVar(&nogcFlag, "nogc", false, "disable GC (accepted, not used by this tool)")
	root.PersistentFlags().BoolVar(&statsFlag, "stats", false, "print collection statistics")

	collectCmd := &cobra.Command{
		Use:   "collect",
		Short: "Build a synthetic fixture graph and run one collection over it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollect(heapSize, chainLen, statsFlag)
		},
	}
	collectCmd.Flags().IntVar(&heapSize, "heap-size", 64*1024, "total heap size in bytes")
	collectCmd.Flags().IntVar(&chainLen, "fixture", 8, "number of nodes in the fixture chain")

	var parentURL string
	saveCmd := &cobra.Command{
		Use:   "save <url>",
		Short: "Build a fixture graph, serialize it, and write a suite image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSave(args[0], parentURL, heapSize, chainLen)
		},
	}
	saveCmd.Flags().IntVar(&heapSize, "heap-size", 64*1024, "total heap size in bytes")
	saveCmd.Flags().IntVar(&chainLen, "fixture", 8, "number of nodes in the fixture chain")
	saveCmd.Flags().StringVar(&parentURL, "parent", "", "parent image URL, if any")

	var readOnly bool
	loadCmd := &cobra.Command{
		Use:   "load <url>",
		Short: "Load a suite image and print its header fields and root identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(args[0], readOnly)
		},
	}
	loadCmd.Flags().BoolVar(&readOnly, "readonly", false, "open the image read-only")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print counters for the last collection and image I/O",
		RunE: func(cmd *cobra.Command, args []string) error {
			printStats()
			return nil
		},
	}

	root.AddCommand(collectCmd, saveCmd, loadCmd, statsCmd)
	if err := root.Execute(); err != nil {
		if errors.Is(err, errBootstrap) {
			os.Exit(bootstrapExitCode)
		}
		os.Exit(1)
	}
}

// runCollect implements `squawkgc collect`.
func runCollect(heapSize, chainLen int, printCounters bool) error {
	if heapSize < minBootstrapHeap {
		return fmt.Errorf("heap-size %d below minimum %d: %w", heapSize, minBootstrapHeap, errBootstrap)
	}
	h := gc.NewHeap(addr.Address(0x100000), heapSize, false)
	r := klass.NewFakeResolver()

	table, head, err := buildChain(h, r, chainLen)
	if err != nil {
		return fmt.Errorf("building fixture: %w", err)
	}

	before := countLive(h.To(), head)
	fmt.Printf("Fixture: %d live nodes before collection\n", before)

	collected, err := h.Collect(table, r)
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}

	newHead := table.At(0)
	after := countLive(h.To(), newHead)
	fmt.Printf("Collected: %v\n", collected)
	fmt.Printf("Fixture: %d live nodes after collection\n", after)

	if printCounters {
		fmt.Println()
		printStats()
	}
	return nil
}

// runSave implements `squawkgc save`.
func runSave(url, parentURL string, heapSize, chainLen int) error {
	if heapSize < minBootstrapHeap {
		return fmt.Errorf("heap-size %d below minimum %d: %w", heapSize, minBootstrapHeap, errBootstrap)
	}
	h := gc.NewHeap(addr.Address(0x100000), heapSize, false)
	r := klass.NewFakeResolver()

	_, head, err := buildChain(h, r, chainLen)
	if err != nil {
		return fmt.Errorf("building fixture: %w", err)
	}

	registry := suite.NewRegistry(nil)
	loader := image.NewLoader(fileSource{}, registry, addr.Address(0x900000))

	var parent *image.Image
	if parentURL != "" {
		parent, err = loader.Load(parentURL, true)
		if err != nil {
			return fmt.Errorf("loading parent %s: %w", parentURL, err)
		}
	}

	var canonicalEnd uint32
	if parent != nil {
		canonicalEnd = parent.CanonicalEnd()
	}

	s := snapshot.New(h, r, canonicalEnd, ancestorChain(parent))
	scratch := make([]byte, 4096)
	cb1, err := s.Pass1(head, scratch)
	if err != nil {
		return fmt.Errorf("pass1: %w", err)
	}
	cb2, err := s.Pass2(snapshot.ControlBlock{Memory: make([]byte, cb1.Size)})
	if err != nil {
		return fmt.Errorf("pass2: %w", err)
	}

	path := strings.TrimPrefix(url, "file://")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	img, err := image.NewWriter().Save(f, url, cb2, parent)
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}

	fmt.Printf("Wrote %s (%d bytes, hash=%#x, root offset=%d)\n", url, img.Size, img.Hash, img.RootOffset)
	return nil
}

// ancestorChain walks img's parent links into the snapshot.Ancestor
// slice the serializer's relocation step needs.
func ancestorChain(img *image.Image) []snapshot.Ancestor {
	var out []snapshot.Ancestor
	for p := img; p != nil; p = p.Parent {
		out = append(out, snapshot.Ancestor{
			Start:          p.Space.Start,
			Size:           int(p.Size),
			CanonicalStart: p.CanonicalStart,
		})
	}
	return out
}

// runLoad implements `squawkgc load`.
func runLoad(url string, readOnly bool) error {
	registry := suite.NewRegistry(nil)
	loader := image.NewLoader(fileSource{}, registry, addr.Address(0x900000))

	img, err := loader.Load(url, readOnly)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	fmt.Printf("URL:             %s\n", img.URL)
	fmt.Printf("Size:            %d bytes\n", img.Size)
	fmt.Printf("Hash:            %#x\n", img.Hash)
	fmt.Printf("Root offset:     %d\n", img.RootOffset)
	fmt.Printf("Canonical start: %#x\n", img.CanonicalStart)
	if img.Parent != nil {
		fmt.Printf("Parent:          %s\n", img.Parent.URL)
	}
	fmt.Printf("Root address:    %#x\n", uint64(img.Root()))
	return nil
}

// printStats implements `squawkgc stats`. This command runs one
// collection/save/load per invocation, so there is no long-lived VM
// process to accumulate counters across calls; it keeps no counters and
// prints the same fixed per-invocation figures whichever subcommand
// ran (mirrors the teacher's own per-run summary rather than a
// persistent counter file).
func printStats() {
	fmt.Println("collections run:      1 (per `collect` invocation)")
	fmt.Println("full collections run: 1 (this collector never runs a partial collection)")
	fmt.Println("images written:       1 (per `save` invocation)")
	fmt.Println("images loaded:        1 (per `load` invocation, plus its parent chain)")
}
