package gc

import (
	"testing"

	"github.com/dougxc/squawkgc/pkg/addr"
	"github.com/dougxc/squawkgc/pkg/klass"
	"github.com/dougxc/squawkgc/pkg/roots"
)

// TestScanGlobalArraySkipsFixedPrefix implements spec.md §4.F's
// GlobalArray scan: only the variable (reference-typed) slots starting
// at FirstVariable are treated as pointers. A fixed-prefix slot that
// happens to hold a value indistinguishable from a heap address must
// survive a collection untouched.
func TestScanGlobalArraySkipsFixedPrefix(t *testing.T) {
	h, r, objArrayClass, _ := newFixtureHeap(t, 64)

	globalArrayClass := addr.Address(0x4000)
	r.Register(globalArrayClass, &klass.SimpleKlass{Name: "GlobalArray", Kind: klass.GlobalArray, ElemSize: addr.WordSize, FirstVar: 1})

	x := allocArray(t, h, objArrayClass, addr.WordSize, 1)
	h.To().SetPointer(x, 0, addr.Address(0x1111))
	y := allocArray(t, h, objArrayClass, addr.WordSize, 1)
	h.To().SetPointer(y, 0, addr.Address(0x2222))

	g := allocArray(t, h, globalArrayClass, addr.WordSize, 3)
	h.To().SetPointer(g, 0, addr.Address(0x1234)) // fixed field, not a reference
	h.To().SetPointer(g, 1, x)
	h.To().SetPointer(g, 2, y)

	table := roots.NewTable()
	root := table.Add()
	table.Set(root, g)

	if _, err := h.Collect(table, r); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	newG := table.At(root)
	if got := h.To().Pointer(newG, 0); got != addr.Address(0x1234) {
		t.Fatalf("fixed field = %#x, want unchanged 0x1234", got)
	}
	xPrime := h.To().Pointer(newG, 1)
	yPrime := h.To().Pointer(newG, 2)
	if xPrime == x || yPrime == y {
		t.Fatalf("variable slot was not forwarded: x %#x->%#x y %#x->%#x", x, xPrime, y, yPrime)
	}
	if got := h.To().Pointer(xPrime, 0); got != addr.Address(0x1111) {
		t.Fatalf("x element = %#x, want 0x1111", got)
	}
	if got := h.To().Pointer(yPrime, 0); got != addr.Address(0x2222) {
		t.Fatalf("y element = %#x, want 0x2222", got)
	}
}

// TestScanBytecodeArrayOnlyDefiningClassIsAReference implements
// spec.md §4.F's BytecodeArray scan: the one reference slot is the
// defining class at word 0; every other byte is opaque bytecode and
// must pass through a collection byte-for-byte.
func TestScanBytecodeArrayOnlyDefiningClassIsAReference(t *testing.T) {
	h, r, objArrayClass, _ := newFixtureHeap(t, 64)

	bytecodeClass := addr.Address(0x4100)
	r.Register(bytecodeClass, &klass.SimpleKlass{Name: "BytecodeArray", Kind: klass.BytecodeArray, ElemSize: 1})

	definingClass := allocArray(t, h, objArrayClass, addr.WordSize, 1)
	h.To().SetPointer(definingClass, 0, addr.Address(0x3333))

	const bodyBytes = 16
	code := allocArray(t, h, bytecodeClass, 1, bodyBytes)
	h.To().SetPointer(code, 0, definingClass)
	for i := addr.WordSize; i < bodyBytes; i++ {
		h.To().SetByte(code, i, byte(0xB0+i))
	}

	table := roots.NewTable()
	root := table.Add()
	table.Set(root, code)

	if _, err := h.Collect(table, r); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	newCode := table.At(root)
	definingPrime := h.To().Pointer(newCode, 0)
	if definingPrime == definingClass {
		t.Fatalf("defining class slot was never forwarded")
	}
	if got := h.To().Pointer(definingPrime, 0); got != addr.Address(0x3333) {
		t.Fatalf("defining class element = %#x, want 0x3333", got)
	}
	for i := addr.WordSize; i < bodyBytes; i++ {
		if got := h.To().Byte(newCode, i); got != byte(0xB0+i) {
			t.Fatalf("bytecode byte %d = %#x, want %#x", i, got, byte(0xB0+i))
		}
	}
}

// TestScanHashTableNullsEntryCache implements spec.md §4.F's hash
// table handling: the transient entry-cache slot is nulled the moment
// the table is copied, while its other fields scan like an ordinary
// instance — a ref field is forwarded, a non-ref field passes through
// unchanged.
func TestScanHashTableNullsEntryCache(t *testing.T) {
	h, r, objArrayClass, _ := newFixtureHeap(t, 64)

	hashTableClass := addr.Address(0x4200)
	r.Register(hashTableClass, &klass.SimpleKlass{
		Name:              "HashTable",
		Kind:              klass.HashTableKlass,
		FixedBodyWords:    3,
		Refs:              []int{1},
		EntryCacheOffset_: 0,
	})

	z := allocArray(t, h, objArrayClass, addr.WordSize, 1)
	h.To().SetPointer(z, 0, addr.Address(0x5555))

	ht := allocInstance(t, h, hashTableClass, 3)
	h.To().SetPointer(ht, 0, addr.Address(0x7777)) // entry cache, must be nulled
	h.To().SetPointer(ht, 1, z)                     // reference field
	h.To().SetPointer(ht, 2, addr.Address(0x9999))  // ordinary non-ref field

	table := roots.NewTable()
	root := table.Add()
	table.Set(root, ht)

	if _, err := h.Collect(table, r); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	newHT := table.At(root)
	if got := h.To().Pointer(newHT, 0); !got.IsZero() {
		t.Fatalf("entry cache = %#x, want nulled", got)
	}
	zPrime := h.To().Pointer(newHT, 1)
	if zPrime == z {
		t.Fatalf("reference field was never forwarded")
	}
	if got := h.To().Pointer(zPrime, 0); got != addr.Address(0x5555) {
		t.Fatalf("z element = %#x, want 0x5555", got)
	}
	if got := h.To().Pointer(newHT, 2); got != addr.Address(0x9999) {
		t.Fatalf("non-ref field = %#x, want unchanged 0x9999", got)
	}
}
