package main

import (
	"github.com/dougxc/squawkgc/pkg/addr"
	"github.com/dougxc/squawkgc/pkg/gc"
	"github.com/dougxc/squawkgc/pkg/klass"
	"github.com/dougxc/squawkgc/pkg/mem"
	"github.com/dougxc/squawkgc/pkg/roots"
)

// Synthetic class addresses shared by every CLI-built fixture. A real
// VM resolves these from a loaded class file; this command has no
// class loader to call (spec.md §1 lists one as an external
// collaborator, out of scope), so it registers the same two classes
// the collector's own tests use.
var (
	objArrayClassAddr = addr.Address(0x1000)
	stringClassAddr   = addr.Address(0x1008)
)

func registerFixtureClasses(r *klass.FakeResolver) {
	r.Register(objArrayClassAddr, &klass.SimpleKlass{Name: "ObjectArray", Kind: klass.ObjectArray, ElemSize: addr.WordSize})
	r.Register(stringClassAddr, &klass.SimpleKlass{Name: "String", Kind: klass.StringKlass, ElemSize: 1})
}

// buildChain allocates a singly linked chain of n object-array nodes
// in h's current to-space and roots the head in a fresh table slot.
// This stands in for "some VM-supplied root graph" — spec.md names no
// on-disk bytecode or object format a CLI could read, so every
// subcommand that needs a graph to act on builds one of these instead
// (mirrors the teacher's own enumerate command, which searches a
// synthetically generated instruction corpus rather than one read from
// disk).
func buildChain(h *gc.Heap, r *klass.FakeResolver, n int) (*roots.Table, addr.Address, error) {
	registerFixtureClasses(r)

	table := roots.NewTable()
	idx := table.Add()

	const headerWords = 2
	var head addr.Address
	for i := 0; i < n; i++ {
		block, err := h.Alloc((headerWords + 1) * addr.WordSize)
		if err != nil {
			return nil, addr.Zero(), err
		}
		node := block.Add(addr.Address(headerWords * addr.WordSize))
		h.To().SetLong(node, -2, 1)
		klass.SetClassWord(h.To(), node, objArrayClassAddr)
		if !head.IsZero() {
			h.To().SetPointer(node, 0, head)
		}
		head = node
	}
	table.Set(idx, head)
	return table, head, nil
}

// countLive walks the chain rooted at head through space and returns
// its length, for the before/after summary collect prints.
func countLive(space *mem.Space, head addr.Address) int {
	n := 0
	for cur := head; !cur.IsZero(); {
		n++
		cur = space.Pointer(cur, 0)
	}
	return n
}
