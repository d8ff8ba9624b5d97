// Package snapshot implements the graph serializer: the collector
// re-entered in "snapshot mode" to copy a subgraph rooted at one object
// into a canonically addressed byte image (spec.md §4.F). It drives
// pkg/gc.Heap through the exact same copy-and-scan machinery a real
// collection uses, via the gc.Hooks re-entry point, so there is only
// one implementation of "walk an object graph, following forwarding
// pointers" in this module.
package snapshot

import (
	"fmt"

	"github.com/dougxc/squawkgc/internal/diag"
	"github.com/dougxc/squawkgc/pkg/addr"
	"github.com/dougxc/squawkgc/pkg/bitmap"
	"github.com/dougxc/squawkgc/pkg/gc"
	"github.com/dougxc/squawkgc/pkg/klass"
	"github.com/dougxc/squawkgc/pkg/mem"
)

// ControlBlock is the parameter/result block threaded through a
// two-pass snapshot (spec.md §6.3).
type ControlBlock struct {
	Memory []byte
	Size   int
	OopMap *bitmap.Set
	Root   uint32
}

// Ancestor is one link in an image's parent chain: the real residence
// range a previously loaded ancestor image occupies, and the canonical
// address its first byte corresponds to. Relocation walks this chain
// to rewrite any pointer that lands in an ancestor rather than in the
// graph currently being copied (spec.md §4.F "Relocation").
type Ancestor struct {
	Start          addr.Address
	Size           int
	CanonicalStart uint32
}

type passState int

const (
	wantPass1 passState = iota
	wantPass2
)

// Serializer copies subgraphs out of a heap on behalf of one suite
// image. ParentCanonicalEnd and Ancestors are fixed at construction
// (the caller derives them from the target parent image, if any, as
// cmd/squawkgc's ancestorChain does); one
// Serializer value may run any number of Pass1/Pass2 cycles.
type Serializer struct {
	heap     *gc.Heap
	resolver klass.Resolver

	parentCanonicalEnd uint32
	ancestors          []Ancestor

	state passState
	root  addr.Address
	size  int
}

// New returns a Serializer bound to heap and resolver. parentCanonicalEnd
// is the canonical address the copied graph's own pointers are based
// at (0 for an image with no parent); ancestors is the full parent
// chain consulted when a copied pointer refers to an ancestor image
// instead of the graph being copied.
func New(heap *gc.Heap, resolver klass.Resolver, parentCanonicalEnd uint32, ancestors []Ancestor) *Serializer {
	return &Serializer{
		heap:               heap,
		resolver:           resolver,
		parentCanonicalEnd: parentCanonicalEnd,
		ancestors:          ancestors,
		state:              wantPass1,
	}
}

type repairEntry struct {
	oldOop    addr.Address
	classWord addr.Word
}

// Pass1 implements spec.md §4.F's sizing pass: it copies the subgraph
// rooted at root exactly as Pass2 will, measures the resulting byte
// size, and repairs the real heap before returning so that the real
// heap is left exactly as it was found. scratch must hold at least
// 2*addr.WordSize bytes per object the graph is expected to contain,
// the forwarding repair bookkeeping budget; running out mid-copy fails
// with ErrExhausted, the same way an undersized to-space does during
// an ordinary collection.
func (s *Serializer) Pass1(root addr.Address, scratch []byte) (ControlBlock, error) {
	if s.state != wantPass1 {
		return ControlBlock{}, fmt.Errorf("Pass1 called while a pass 2 is pending: %w", diag.ErrInvalidSequence)
	}

	size, _, _, err := s.copyAndRepair(root, scratch, nil)
	if err != nil {
		return ControlBlock{}, err
	}

	s.root = root
	s.size = size
	s.state = wantPass2
	return ControlBlock{Size: size}, nil
}

// Pass2 implements spec.md §4.F's copy pass: it repeats the same
// traversal Pass1 performed, this time recording every pointer slot
// into cb.OopMap, relocates the copied bytes into canonical address
// form, and copies the result into cb.Memory. cb.Memory must be at
// least as large as the size Pass1 measured. Whether Pass2 succeeds or
// fails, the protocol resets to "Pass1 next" — a declined or failed
// pass 2 must be retried by calling Pass1 again (spec.md §5
// "Cancellation").
func (s *Serializer) Pass2(cb ControlBlock) (result ControlBlock, err error) {
	if s.state != wantPass2 {
		return ControlBlock{}, fmt.Errorf("Pass2 called before a matching Pass1: %w", diag.ErrInvalidSequence)
	}
	defer func() { s.state = wantPass1 }()

	if len(cb.Memory) < s.size {
		return ControlBlock{}, fmt.Errorf("cb.Memory is %d bytes, need at least %d: %w", len(cb.Memory), s.size, diag.ErrExhausted)
	}

	oopMap := cb.OopMap
	if oopMap == nil {
		oopMap = bitmap.NewSet(s.size / addr.WordSize)
	}

	size, dest, newRoot, err := s.copyAndRepair(s.root, nil, oopMap)
	if err != nil {
		return ControlBlock{}, err
	}

	s.relocate(dest, size, oopMap)
	copy(cb.Memory, dest.Bytes[:size])

	cb.Size = size
	cb.OopMap = oopMap
	cb.Root = uint32(newRoot.Diff(dest.Start))
	return cb, nil
}

// copyAndRepair runs one full copy-and-scan pass over the subgraph
// rooted at root, using the heap's collector re-entry point (spec.md
// §4.F "the serializer is the collector re-entered"). If scratch is
// non-nil, the forwarding repair bookkeeping is capped at its length,
// exactly mirroring the caller-supplied scratch buffer's capacity
// (spec.md §4.F "Pass 1 (sizing)"); Pass2 passes nil because Pass1 has
// already proven the graph fits.
//
// Regardless of success, the real heap's forwarded objects are
// repaired and the from/to toggle is undone before returning, so a
// snapshot never leaves a visible trace on the mutator's heap.
func (s *Serializer) copyAndRepair(root addr.Address, scratch []byte, oopMap *bitmap.Set) (size int, dest *mem.Space, newRoot addr.Address, err error) {
	if err := s.heap.BeginCollection(); err != nil {
		return 0, nil, addr.Zero(), err
	}
	dest = s.heap.To()

	var repairs []repairEntry
	hooks := &gc.Hooks{
		RejectClass: func(id klass.ID) bool { return id == klass.ObjectMemoryKlass },
		BeforeForward: func(oldOop addr.Address, classWord addr.Word) {
			need := (len(repairs) + 1) * 2 * addr.WordSize
			if scratch != nil && need > len(scratch) {
				panic(fmt.Errorf("forwarding repair scratch exhausted after %d objects: %w", len(repairs), diag.ErrExhausted))
			}
			repairs = append(repairs, repairEntry{oldOop, classWord})
		},
	}
	if oopMap != nil {
		hooks.RecordPointer = func(slot addr.Address) {
			oopMap.Set(int(slot.Diff(dest.Start) / addr.WordSize))
		}
	}

	defer func() {
		for _, r := range repairs {
			s.heap.From().SetWord(r.oldOop, -1, r.classWord)
		}
		s.heap.SwapBack()
		s.heap.Release()
	}()
	defer gc.RecoverFatal(&err)

	newRoot = s.heap.CopyObject(root, s.resolver, hooks)
	if serr := s.heap.ScanToCompletion(s.resolver, hooks); serr != nil {
		return 0, nil, addr.Zero(), serr
	}
	size = int(dest.AllocPtr.Diff(dest.Start))
	return size, dest, newRoot, nil
}

// relocate rewrites every recorded pointer slot in dest.Bytes[:size]
// from its real (to-space) address into canonical form (spec.md §4.F
// "Relocation"). A pointer inside the copied graph itself becomes
// parentCanonicalEnd plus its offset from the graph's start; a pointer
// into an ancestor image becomes that ancestor's own canonical start
// plus its offset from the ancestor's real start. A null pointer is
// left untouched.
func (s *Serializer) relocate(dest *mem.Space, size int, oopMap *bitmap.Set) {
	graphEnd := dest.Start.Add(addr.Address(size))
	oopMap.Each(func(idx int) {
		slot := dest.Start.Add(addr.Address(idx * addr.WordSize))
		ptr := dest.Pointer(slot, 0)
		if ptr.IsZero() {
			return
		}
		if ptr.HiEq(dest.Start) && ptr.Lo(graphEnd) {
			dest.SetPointer(slot, 0, addr.Address(int64(s.parentCanonicalEnd)+ptr.Diff(dest.Start)))
			return
		}
		for _, anc := range s.ancestors {
			ancEnd := anc.Start.Add(addr.Address(anc.Size))
			if ptr.HiEq(anc.Start) && ptr.Lo(ancEnd) {
				dest.SetPointer(slot, 0, addr.Address(int64(anc.CanonicalStart)+ptr.Diff(anc.Start)))
				return
			}
		}
	})
}
