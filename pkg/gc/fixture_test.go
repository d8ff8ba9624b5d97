package gc

import (
	"testing"

	"github.com/dougxc/squawkgc/pkg/addr"
	"github.com/dougxc/squawkgc/pkg/klass"
)

// newFixtureHeap returns a debug-mode heap with room for wordsPerSpace
// 64-bit words per semi-space, and a resolver with the object-array and
// string classes pre-registered under stable synthetic addresses.
func newFixtureHeap(t *testing.T, wordsPerSpace int) (*Heap, *klass.FakeResolver, addr.Address, addr.Address) {
	t.Helper()
	h := NewHeap(addr.Address(0x100000), 2*wordsPerSpace*addr.WordSize, true)
	r := klass.NewFakeResolver()

	objArrayClass := addr.Address(0x1000)
	stringClass := addr.Address(0x1008)
	r.Register(objArrayClass, &klass.SimpleKlass{Name: "ObjectArray", Kind: klass.ObjectArray, ElemSize: addr.WordSize})
	r.Register(stringClass, &klass.SimpleKlass{Name: "String", Kind: klass.StringKlass, ElemSize: 1})
	return h, r, objArrayClass, stringClass
}

// allocArray allocates an array of n word-sized (or elemSize-sized)
// elements of the given class in the heap's current to-space, writes
// its length and class words, and returns its oop.
func allocArray(t *testing.T, h *Heap, classAddr addr.Address, elemSize, n int) addr.Address {
	t.Helper()
	headerSize := 2 * addr.WordSize
	bodySize := elemSize * n
	block, err := h.Alloc(headerSize + bodySize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	oop := block.Add(addr.Address(headerSize))
	h.to.SetLong(oop, -2, uint64(n))
	klass.SetClassWord(h.to, oop, classAddr)
	return oop
}

// allocInstance allocates a fixed-size instance object (a one-word
// header plus bodyWords zero-initialized body words) of the given
// class and returns its oop.
func allocInstance(t *testing.T, h *Heap, classAddr addr.Address, bodyWords int) addr.Address {
	t.Helper()
	headerSize := addr.WordSize
	block, err := h.Alloc(headerSize + bodyWords*addr.WordSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	oop := block.Add(addr.Address(headerSize))
	klass.SetClassWord(h.to, oop, classAddr)
	return oop
}

// allocChunk allocates a LocalArray-shaped stack chunk with totalWords
// words of body — the four chunk header slots (owner/next/last_fp/
// reserved) plus however many words of activation frames the caller
// will fill in — and returns its oop.
func allocChunk(t *testing.T, h *Heap, classAddr addr.Address, totalWords int) addr.Address {
	t.Helper()
	headerSize := 2 * addr.WordSize
	bodySize := totalWords * addr.WordSize
	block, err := h.Alloc(headerSize + bodySize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	oop := block.Add(addr.Address(headerSize))
	h.to.SetLong(oop, -2, uint64(totalWords))
	klass.SetClassWord(h.to, oop, classAddr)
	return oop
}
