// Package roots enumerates the collector's root set: the global-oop
// table, per-isolate class-state queues, interned-string tables, and
// the heads of the VM's thread lists (spec.md §4.D). Thread scheduling
// itself is out of scope (spec.md §1); roots only exposes what the
// collector needs — a flat, ordered sequence of read-write cells.
package roots

import "github.com/dougxc/squawkgc/pkg/addr"

// Cell is one root reference: the collector reads the current value,
// may relocate the referenced object, and writes the new address back.
type Cell interface {
	Get() addr.Address
	Set(addr.Address)
}

// Provider exposes the ordered sequence of root cells the collector
// must copy before scanning to-space (spec.md §4.E.1 step 3).
type Provider interface {
	Cells() []Cell
}

// cellFunc adapts a pair of closures to the Cell interface, letting
// callers root an arbitrary slice slot or struct field without a
// dedicated wrapper type per root kind.
type cellFunc struct {
	get func() addr.Address
	set func(addr.Address)
}

func (c cellFunc) Get() addr.Address  { return c.get() }
func (c cellFunc) Set(a addr.Address) { c.set(a) }

// CellOf roots a single *addr.Address slot in place.
func CellOf(slot *addr.Address) Cell {
	return cellFunc{
		get: func() addr.Address { return *slot },
		set: func(a addr.Address) { *slot = a },
	}
}

// Table is a root provider backed by a plain, mutex-free slice; it is
// built once by the VM-level owner before a collection begins and is
// never mutated concurrently with the collector, matching spec.md §5's
// mutual-exclusion scheduling model (no barriers are needed here).
type Table struct {
	slots []addr.Address
}

// NewTable creates an empty root table.
func NewTable() *Table { return &Table{} }

// Add appends a new root slot, initialized to addr.Zero, and returns
// its index for later lookup via At.
func (t *Table) Add() int {
	t.slots = append(t.slots, addr.Zero())
	return len(t.slots) - 1
}

// Set writes the root at index i.
func (t *Table) Set(i int, a addr.Address) { t.slots[i] = a }

// At reads the root at index i.
func (t *Table) At(i int) addr.Address { return t.slots[i] }

// Cells implements Provider.
func (t *Table) Cells() []Cell {
	cells := make([]Cell, len(t.slots))
	for i := range t.slots {
		idx := i
		cells[i] = cellFunc{
			get: func() addr.Address { return t.slots[idx] },
			set: func(a addr.Address) { t.slots[idx] = a },
		}
	}
	return cells
}

// Chain composes several providers into one, concatenating their root
// cells in order — global table first, then per-isolate queues, then
// thread-list heads, matching spec.md §4.D's listed root kinds.
func Chain(providers ...Provider) Provider {
	return chainProvider(providers)
}

type chainProvider []Provider

func (c chainProvider) Cells() []Cell {
	var all []Cell
	for _, p := range c {
		all = append(all, p.Cells()...)
	}
	return all
}
