// Package isolate models the runtime container a snapshot root belongs
// to and the receiver of finalizer records once their object becomes
// unreferenced (spec.md §3 "Isolate", §4.E.1 step 5). Full isolate
// semantics — program loading, thread scheduling — are out of scope;
// this package carries only what the collector and serializer touch.
package isolate

import (
	"sync"

	"github.com/dougxc/squawkgc/pkg/addr"
)

// Isolate is a minimal runtime container: a name and the finalizer
// queue the collector delivers unreferenced objects to. It holds no
// class-state root cells of its own. The queue is guarded by a single
// mutex, the same single-lock-over-a-slice shape the teacher uses for its result.Table
// (pkg/result/table.go).
type Isolate struct {
	Name string

	mu      sync.Mutex
	pending []addr.Address
}

// New returns a named, empty isolate.
func New(name string) *Isolate {
	return &Isolate{Name: name}
}

// Deliver appends object to the isolate's finalization queue. Called by
// the collector once it determines object is unreferenced
// (spec.md §4.E.1 step 5, "else" branch).
func (iso *Isolate) Deliver(object addr.Address) {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	iso.pending = append(iso.pending, object)
}

// Pending returns, and clears, the objects delivered for finalization
// since the last call. The VM-level scheduler (out of scope) would
// drain this between collections to run each object's finalizer.
func (iso *Isolate) Pending() []addr.Address {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	p := iso.pending
	iso.pending = nil
	return p
}

// Owns reports whether a stack chunk whose owner is owner may be
// reached from this isolate: true when owner is nil or is iso itself.
// Nothing in this module calls it; the collector does not check the
// isolation invariant (spec.md §4.E.5).
func (iso *Isolate) Owns(owner *Isolate) bool {
	return owner == nil || owner == iso
}
