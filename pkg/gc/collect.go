package gc

import (
	"fmt"

	"github.com/dougxc/squawkgc/internal/diag"
	"github.com/dougxc/squawkgc/pkg/addr"
	"github.com/dougxc/squawkgc/pkg/klass"
	"github.com/dougxc/squawkgc/pkg/mem"
)

// CopyObject implements spec.md §4.E.2. oop may be null, already
// outside the live region (e.g. permanent ROM), or already forwarded;
// each is handled before a real copy is attempted. hooks is nil for a
// plain collection and non-nil when pkg/snapshot has re-entered this
// machinery.
func (h *Heap) CopyObject(oop addr.Address, resolver klass.Resolver, hooks *Hooks) addr.Address {
	if oop.IsZero() {
		return oop
	}
	if !h.from.Contains(oop) {
		return oop
	}
	if klass.IsForwarded(h.from, oop) {
		return klass.ForwardedTo(h.from, oop)
	}

	k := resolver.ClassOf(h.from, oop)
	if hooks.rejectClass(k.ID()) {
		panic(fmt.Errorf("object of a class that must never be copied is reachable: %w", diag.ErrInvalidSequence))
	}

	headerSize := k.HeaderSize()
	bodySize := k.BodySize(h.from, oop)
	blockSize := headerSize + bodySize
	oldBlock := oop.Sub(addr.Address(headerSize))

	if h.to.AllocPtr.Add(addr.Address(blockSize)).Hi(h.to.End()) {
		panic(fmt.Errorf("no space left in to-space for a %d-byte object: %w", blockSize, diag.ErrExhausted))
	}
	newBlock := h.to.AllocPtr
	mem.CopyAcross(h.to, h.from, oldBlock, newBlock, blockSize)
	h.to.AllocPtr = newBlock.Add(addr.Address(blockSize))

	newOop := newBlock.Add(addr.Address(headerSize))

	originalClassWord := h.from.Word(oop, -1)
	hooks.beforeForward(oop, originalClassWord)
	klass.SetForwarded(h.from, oop, newOop)

	if k.ID() == klass.HashTableKlass {
		h.to.SetWord(newOop, k.EntryCacheOffset(), 0)
	}
	if k.ID() == klass.LocalArray {
		h.updateStackChunkFramePointers(oop, newOop, hooks)
	}

	return newOop
}

// UpdateReference implements spec.md §4.E.3: read the current value at
// base+offset, copy the referenced object, and write the result back
// only if it changed. In snapshot mode hooks.RecordPointer marks the
// slot's position in the snapshot's oop bitmap.
func (h *Heap) UpdateReference(base addr.Address, offset int, resolver klass.Resolver, hooks *Hooks) {
	slot := base.Add(addr.Address(offset * addr.WordSize))
	old := h.to.Pointer(base, offset)
	updated := h.CopyObject(old, resolver, hooks)
	if updated != old {
		h.to.SetPointer(base, offset, updated)
	}
	// Even an unchanged pointer (object already outside the live
	// region, or already forwarded before this slot was visited) is
	// still a live pointer slot and belongs in the snapshot oop bitmap.
	hooks.recordPointer(slot)
}

// ScanToCompletion implements spec.md §4.E.1 step 4: scan to-space in
// ascending AllocPtr order, dispatching on class id, until scan_ptr
// catches up with AllocPtr (objects discovered during the scan extend
// AllocPtr further, so the loop naturally drains new work).
func (h *Heap) ScanToCompletion(resolver klass.Resolver, hooks *Hooks) error {
	scan := h.to.Start
	for scan.Lo(h.to.AllocPtr) {
		oop := scan.Add(addr.Address(headerSizeAt(resolver, h.to, scan)))
		k := resolver.ClassOf(h.to, oop)
		if err := h.scanOne(oop, k, resolver, hooks); err != nil {
			return err
		}
		scan = scan.Add(addr.Address(k.HeaderSize() + k.BodySize(h.to, oop)))
	}
	return nil
}

// headerSizeAt exists only to resolve the chicken/egg
// problem of needing an object's class to know its header size, and
// needing its header size to know where its oop (and hence its class
// word) begins: the class word is always exactly one word below the
// object's oop regardless of header size, so it can be located without
// knowing header size up front.
func headerSizeAt(resolver klass.Resolver, space *mem.Space, blockStart addr.Address) int {
	// The class word sits at blockStart + wordsBeforeClassWord, which
	// is always blockStart's header minus one word; but blockStart IS
	// the header start, so the class word for an instance is at
	// blockStart (header size 1 word) while for an array it is at
	// blockStart + 1 word (header size 2 words, length word first).
	// Probe the instance case first: resolve assuming a 1-word header,
	// and if the resolved class says otherwise, use its header size.
	oopGuess := blockStart.Add(addr.Address(addr.WordSize))
	if klass.IsForwarded(space, oopGuess) {
		// No to-space object is ever forwarded, so a word with the
		// forwarding tag set here is an array's (odd) length word, not
		// a class word.
		return 2 * addr.WordSize
	}
	k := resolver.ClassOf(space, oopGuess)
	if k != nil && k.HeaderSize() == addr.WordSize {
		return addr.WordSize
	}
	return 2 * addr.WordSize
}

func (h *Heap) scanOne(oop addr.Address, k klass.Klass, resolver klass.Resolver, hooks *Hooks) error {
	switch k.ID() {
	case klass.ByteArray, klass.ShortArray, klass.IntArray, klass.LongArray, klass.StringKlass:
		// No references inside; nothing to scan.
	case klass.BytecodeArray:
		// One header slot: the defining class. Modeled as ref word 0.
		h.UpdateReference(oop, 0, resolver, hooks)
	case klass.GlobalArray:
		n := k.ArrayLength(h.to, oop)
		for i := k.FirstVariable(); i < n; i++ {
			h.UpdateReference(oop, i, resolver, hooks)
		}
	case klass.LocalArray:
		h.updateStackChunk(oop, resolver, hooks)
	case klass.ObjectArray:
		n := k.ArrayLength(h.to, oop)
		for i := 0; i < n; i++ {
			h.UpdateReference(oop, i, resolver, hooks)
		}
	default: // Instance, HashTableKlass, and any other instance-shaped class
		for _, off := range k.RefOffsets() {
			h.UpdateReference(oop, off, resolver, hooks)
		}
	}
	return nil
}

// DrainFinalizers implements spec.md §4.E.1 step 5: for each pending
// finalizer, either the tracked object was itself reached as a root
// (still alive) — re-queue the finalizer record — or it was not, and
// the finalizer is handed to its owning isolate for execution. Either
// decision may expose new work, so the scan is re-run to a fixed point
// after each finalizer decision.
func (h *Heap) DrainFinalizers(resolver klass.Resolver, hooks *Hooks) error {
	h.mu.Lock()
	pending := h.finalizers
	h.finalizers = nil
	h.mu.Unlock()

	var stillPending []Finalizer
	for _, f := range pending {
		if klass.IsForwarded(h.from, f.Object) || h.to.Contains(f.Object) {
			newObj := h.CopyObject(f.Object, resolver, hooks)
			stillPending = append(stillPending, Finalizer{Object: newObj, Isolate: f.Isolate})
		} else {
			newObj := h.CopyObject(f.Object, resolver, hooks)
			f.Isolate.Deliver(newObj)
		}
		if err := h.ScanToCompletion(resolver, hooks); err != nil {
			return err
		}
	}

	h.mu.Lock()
	h.finalizers = append(h.finalizers, stillPending...)
	h.mu.Unlock()
	return nil
}
