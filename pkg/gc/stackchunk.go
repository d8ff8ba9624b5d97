package gc

import (
	"github.com/dougxc/squawkgc/pkg/addr"
	"github.com/dougxc/squawkgc/pkg/klass"
)

// Stack chunk layout (spec.md §3 "Stack chunk", §4.E.4). A chunk is an
// array-shaped LocalArray object; its body (word indices relative to
// the chunk's own oop) holds:
//
//	0: owner    — the owning thread reference (a root, scanned directly)
//	1: next     — chain link to the thread's next chunk (also a root)
//	2: last_fp  — address of the innermost activation frame
//	3: reserved — small header oop-map slot (only owner/next are refs
//	              in this module, so no bits need decoding separately)
//	4.. frames  — activation frames, ascending from ChunkBodyStart
//
// Each activation frame, addressed by its own fp, holds:
//
//	fp+0: method     — the executing method (a reference)
//	fp+1: return_fp  — the caller's fp, or zero for the outermost frame
//	fp+2: return_ip  — address inside the method's bytecode array
//	fp+3..: parameters, ascending from parm0
//	fp+(3+paramCount+localCount-1)-i: locals, descending from local0,
//	              filling the localCount slots immediately past the
//	              last parameter — never re-entering the parameter
//	              region
const (
	ChunkOwnerIdx    = 0
	ChunkNextIdx     = 1
	ChunkLastFPIdx   = 2
	ChunkBodyStart   = 4
	FrameMethodIdx   = 0
	FrameReturnFPIdx = 1
	FrameReturnIPIdx = 2
	FrameParamBase   = 3
)

// updateStackChunkFramePointers implements spec.md §4.E.4's "on copy"
// pass: it must run before any activation-frame scan, because later
// UpdateReference calls read frame pointers that this pass rewrites.
// It walks the chain starting at the copy's (still stale) last_fp,
// translating each previous_fp chain link by the same delta that
// separates the new chunk from the old one, and writes the translated
// value back in place.
//
// last_fp and each return_fp are addresses inside the chunk's own body,
// exactly like any other pointer slot a scan would visit; hooks.RecordPointer
// is called for each one so pkg/snapshot's oop bitmap captures them too —
// otherwise a serialized chunk would keep raw heap addresses for its
// frame chain instead of canonical ones.
func (h *Heap) updateStackChunkFramePointers(oldChunk, newChunk addr.Address, hooks *Hooks) {
	delta := newChunk.Diff(oldChunk)

	translate := func(a addr.Address) addr.Address {
		if a.IsZero() {
			return a
		}
		return a.AddOffset(delta)
	}

	staleLastFP := h.to.Pointer(newChunk, ChunkLastFPIdx)
	newLastFP := translate(staleLastFP)
	h.to.SetWord(newChunk, ChunkLastFPIdx, newLastFP.AsWord())
	hooks.recordPointer(newChunk.Add(addr.Address(ChunkLastFPIdx * addr.WordSize)))

	fp := newLastFP
	for !fp.IsZero() {
		staleReturnFP := h.to.Pointer(fp, FrameReturnFPIdx)
		newReturnFP := translate(staleReturnFP)
		h.to.SetWord(fp, FrameReturnFPIdx, newReturnFP.AsWord())
		hooks.recordPointer(fp.Add(addr.Address(FrameReturnFPIdx * addr.WordSize)))
		fp = newReturnFP
	}
}

// updateStackChunk implements spec.md §4.E.4's "on scan" pass: update
// the chunk's own header reference slots, then walk the (already
// fixed-up) frame chain, updating each frame's method pointer, locals
// and parameters per its oop-map, and adjusting return_ip by the same
// delta the method's own copy shifted by.
func (h *Heap) updateStackChunk(chunk addr.Address, resolver klass.Resolver, hooks *Hooks) {
	h.UpdateReference(chunk, ChunkOwnerIdx, resolver, hooks)
	h.UpdateReference(chunk, ChunkNextIdx, resolver, hooks)

	fp := h.to.Pointer(chunk, ChunkLastFPIdx)
	innermost := true
	for !fp.IsZero() {
		h.updateFrame(fp, innermost, resolver, hooks)
		fp = h.to.Pointer(fp, FrameReturnFPIdx)
		innermost = false
	}
}

func (h *Heap) updateFrame(fp addr.Address, innermost bool, resolver klass.Resolver, hooks *Hooks) {
	oldMethod := h.to.Pointer(fp, FrameMethodIdx)
	oopmap := resolver.MethodOopMap(h.to, oldMethod)

	h.UpdateReference(fp, FrameMethodIdx, resolver, hooks)
	newMethod := h.to.Pointer(fp, FrameMethodIdx)

	if newMethod != oldMethod {
		// The method's body may have shifted; return_ip must move by
		// the same delta to keep pointing inside the same method.
		delta := newMethod.Diff(oldMethod)
		returnIP := h.to.Pointer(fp, FrameReturnIPIdx)
		h.to.SetWord(fp, FrameReturnIPIdx, returnIP.AddOffset(delta).AsWord())
		hooks.recordPointer(fp.Add(addr.Address(FrameReturnIPIdx * addr.WordSize)))
	}

	if innermost {
		// Only the method slot is a root; the rest of the body may
		// hold transient non-reference values that happen to look
		// like heap pointers (spec.md §4.E.4 step 2, innermost rule).
		return
	}

	for i := 0; i < oopmap.ParameterCount; i++ {
		if oopmap.IsParamRef(i) {
			h.UpdateReference(fp, FrameParamBase+i, resolver, hooks)
		}
	}
	// Locals fill the localCount slots immediately past the last
	// parameter, descending from local0 at the top of that region —
	// local0 must never land back in fp+3..fp+3+paramCount-1.
	localBase := FrameParamBase + oopmap.ParameterCount + oopmap.LocalCount - 1
	for i := 0; i < oopmap.LocalCount; i++ {
		if oopmap.IsLocalRef(i) {
			h.UpdateReference(fp, localBase-i, resolver, hooks)
		}
	}
}
