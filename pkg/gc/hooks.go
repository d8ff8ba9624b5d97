package gc

import (
	"github.com/dougxc/squawkgc/pkg/addr"
	"github.com/dougxc/squawkgc/pkg/klass"
)

// Hooks lets pkg/snapshot re-enter the collector's copy-and-scan
// machinery in "snapshot mode" (spec.md §4.F: "the serializer is the
// collector re-entered with snapshot_cb != null") without pkg/gc
// importing pkg/snapshot. A plain collection passes nil.
type Hooks struct {
	// RecordPointer is called for every to-space reference slot
	// UpdateReference visits, whether or not its value changed, and for
	// each stack-chunk frame-link slot (last_fp, return_fp, return_ip)
	// the stack-chunk fix-up rewrites; slot is that slot's absolute
	// to-space address. Snapshot mode uses this to build the oop
	// bitmap (spec.md §4.F "record_pointer").
	RecordPointer func(slot addr.Address)

	// BeforeForward is called just before an object's class word is
	// overwritten with a forwarding pointer, with the object's
	// from-space address and its original (untagged) class word.
	// Snapshot mode stashes these pairs to repair from-space after
	// the pass (spec.md §4.F "Forwarding repair").
	BeforeForward func(oldOop addr.Address, originalClassWord addr.Word)

	// RejectClass lets the caller veto copying an object of a given
	// class id. Snapshot mode uses this to refuse ObjectMemoryKlass
	// instances (spec.md §4.F, and the Open Question decision in
	// DESIGN.md).
	RejectClass func(id klass.ID) bool
}

func (h *Hooks) recordPointer(slot addr.Address) {
	if h != nil && h.RecordPointer != nil {
		h.RecordPointer(slot)
	}
}

func (h *Hooks) beforeForward(oldOop addr.Address, classWord addr.Word) {
	if h != nil && h.BeforeForward != nil {
		h.BeforeForward(oldOop, classWord)
	}
}

func (h *Hooks) rejectClass(id klass.ID) bool {
	return h != nil && h.RejectClass != nil && h.RejectClass(id)
}
