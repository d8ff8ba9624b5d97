// Package gc implements the two-space copying collector at the core
// of this module (spec.md §4.E): a full space-flip collection that
// copies every root, scans the to-space to a fixed point consulting
// klass.Resolver for layout, and drains the finalizer queue. The same
// machinery is re-entered by pkg/snapshot in "hooked" mode to serialize
// a subgraph (spec.md §4.F).
package gc

import (
	"fmt"
	"sync"

	"github.com/dougxc/squawkgc/internal/diag"
	"github.com/dougxc/squawkgc/pkg/addr"
	"github.com/dougxc/squawkgc/pkg/isolate"
	"github.com/dougxc/squawkgc/pkg/klass"
	"github.com/dougxc/squawkgc/pkg/mem"
	"github.com/dougxc/squawkgc/pkg/roots"
)

// Finalizer is a record pairing an object with the isolate whose queue
// will eventually run its finalizer (spec.md §3 "Finalizer record").
type Finalizer struct {
	Object  addr.Address
	Isolate *isolate.Isolate
}

// Heap holds the two semi-spaces and the re-entry guard described in
// spec.md §4.E. Exactly one of the two spaces is "from" (read-only
// during a collection) at any time; the other is "to".
type Heap struct {
	mu         sync.Mutex
	collecting bool

	from, to *mem.Space

	finalizers []Finalizer
}

// NewHeap creates a heap of the given total size (split into two equal
// word-aligned semi-spaces) starting at start.
func NewHeap(start addr.Address, totalSize int, debug bool) *Heap {
	half := totalSize / 2
	half -= half % addr.WordSize
	a := mem.NewSpace(start, half, debug)
	b := mem.NewSpace(start.Add(addr.Address(half)), half, debug)
	return &Heap{from: b, to: a}
}

// From returns the current from-space (read-only to the mutator
// outside a collection; the source of truth during one).
func (h *Heap) From() *mem.Space { return h.from }

// To returns the current to-space (where the mutator allocates between
// collections, by bumping AllocPtr).
func (h *Heap) To() *mem.Space { return h.to }

// Alloc bump-allocates size word-aligned bytes in the active to-space
// and returns the block's start address. This is the mutator-side
// allocator spec.md §3 describes ("allocated by bumping alloc_ptr in
// the active to-space"); production code would call it from the VM's
// allocation fast path, and this module's own tests use it to build
// fixture object graphs.
func (h *Heap) Alloc(size int) (addr.Address, error) {
	size = int(addr.Address(size).RoundUpToWord())
	block := h.to.AllocPtr
	if block.Add(addr.Address(size)).Hi(h.to.End()) {
		return addr.Zero(), fmt.Errorf("no space left for a %d-byte allocation: %w", size, diag.ErrExhausted)
	}
	h.to.AllocPtr = block.Add(addr.Address(size))
	return block, nil
}

// AddFinalizer registers object for eventual finalization under iso.
// Ownership transfers to the collector's queue (spec.md §3).
func (h *Heap) AddFinalizer(object addr.Address, iso *isolate.Isolate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finalizers = append(h.finalizers, Finalizer{Object: object, Isolate: iso})
}

// enter asserts collecting == false, per spec.md §4.E pre-condition,
// and sets it; exit clears it. Re-entrant calls are rejected with
// ErrInvalidSequence, matching spec.md §7's "collector re-entered
// recursively" failure mode — this is expressed as a guard acquired on
// entry and released on exit (Design Note "Scoped resource acquisition
// around collection"), not a try/finally construct, since Go idiom
// favors an explicit paired call here over a defer-only object when the
// caller (pkg/snapshot) needs to interleave two full passes.
func (h *Heap) enter() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.collecting {
		return fmt.Errorf("collector entered while a collection is in progress: %w", diag.ErrInvalidSequence)
	}
	h.collecting = true
	return nil
}

func (h *Heap) exit() {
	h.mu.Lock()
	h.collecting = false
	h.mu.Unlock()
}

// BeginCollection toggles the active semi-spaces, resets the new
// to-space's allocator, and best-effort protects the new from-space
// (spec.md §4.E.1 steps 1-2). Callers must pair this with FinishCollection.
func (h *Heap) BeginCollection() error {
	if err := h.enter(); err != nil {
		return err
	}
	h.from, h.to = h.to, h.from
	h.to.AllocPtr = h.to.Start
	h.from.Protect(h.from.Start, h.from.End())
	return nil
}

// SwapBack restores the from/to assignment BeginCollection changed,
// without resetting either allocator — used by pkg/snapshot to undo a
// pass's space toggle once the real heap has been repaired, so that
// the next pass (or the next real collection) sees the heap exactly as
// it stood before the snapshot ran (spec.md §4.F "toggles spaces back").
func (h *Heap) SwapBack() {
	h.from, h.to = h.to, h.from
}

// FinishCollection completes spec.md §4.E.1 steps 6-8: unprotects and
// poisons from-space, and clears the re-entry guard. The new allocator
// bounds are already live in h.to; there is no separate publish step
// since mutator and collector share the same Heap value.
func (h *Heap) FinishCollection() {
	h.from.Unprotect()
	h.from.Poison()
	h.exit()
}

// Release is called by pkg/snapshot once a pass is fully repaired and
// swapped back, to clear the re-entry guard without touching
// from-space's protection/poison state (the real heap was never
// actually handed over to a collection, so there is nothing to
// unprotect or poison).
func (h *Heap) Release() {
	h.exit()
}

// Collect performs one full collection (spec.md §4.E.1): copy every
// root, scan to-space to a fixed point, drain the finalizer queue, and
// publish the new allocator. This collector always reclaims the whole
// heap, so it always returns true barring an internal error.
func (h *Heap) Collect(rp roots.Provider, resolver klass.Resolver) (collected bool, err error) {
	if err := h.BeginCollection(); err != nil {
		return false, err
	}
	defer h.FinishCollection()
	defer RecoverFatal(&err)

	for _, c := range rp.Cells() {
		c.Set(h.CopyObject(c.Get(), resolver, nil))
	}
	if err := h.ScanToCompletion(resolver, nil); err != nil {
		return false, err
	}
	if err := h.DrainFinalizers(resolver, nil); err != nil {
		return false, err
	}
	return true, nil
}

// RecoverFatal converts a panic raised for one of the collector's
// fatal error classes (ErrBadAddress, ErrExhausted, ErrInvalidSequence
// — spec.md §7, "the core never catches its own errors") into a
// returned error at *err. Spec.md treats these as VM-fatal; returning
// them as an ordinary error here only lets this module's own tests
// observe the failure without the process exiting — a real embedding
// VM is still expected to treat a non-nil error of these kinds as
// fatal and halt, not retry.
func RecoverFatal(err *error) {
	if r := recover(); r != nil {
		if e, ok := r.(error); ok {
			*err = e
			return
		}
		panic(r)
	}
}
