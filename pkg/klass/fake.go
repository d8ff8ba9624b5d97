package klass

import (
	"github.com/dougxc/squawkgc/pkg/addr"
	"github.com/dougxc/squawkgc/pkg/mem"
)

// SimpleKlass is a concrete, data-only Klass used by FakeResolver and by
// the collector's own tests. A real VM's class loader would derive
// these fields from a loaded class file; here they are supplied
// directly, the way the teacher's pkg/inst.Catalog supplies decoded
// instruction metadata directly rather than parsing it from bytes.
type SimpleKlass struct {
	Name             string
	Kind             ID
	ElemSize         int // bytes per array element; 0 for non-arrays
	FixedBodyWords   int // instance body size in words; 0 for arrays
	Refs             []int
	FirstVar         int
	EntryCacheOffset_ int
}

func (k *SimpleKlass) ID() ID       { return k.Kind }
func (k *SimpleKlass) IsArray() bool { return k.ElemSize > 0 || k.Kind == LocalArray || k.Kind == GlobalArray || k.Kind == BytecodeArray || k.Kind == ObjectArray || k.Kind == StringKlass }

func (k *SimpleKlass) HeaderSize() int {
	if k.IsArray() {
		return 2 * addr.WordSize
	}
	return addr.WordSize
}

func (k *SimpleKlass) ArrayLength(space *mem.Space, oop addr.Address) int {
	if !k.IsArray() {
		return 0
	}
	return int(space.Long(oop, -2))
}

func (k *SimpleKlass) BodySize(space *mem.Space, oop addr.Address) int {
	if k.IsArray() {
		elemSize := k.ElemSize
		if elemSize == 0 {
			elemSize = addr.WordSize
		}
		return k.ArrayLength(space, oop) * elemSize
	}
	return k.FixedBodyWords * addr.WordSize
}

func (k *SimpleKlass) RefOffsets() []int      { return k.Refs }
func (k *SimpleKlass) FirstVariable() int     { return k.FirstVar }
func (k *SimpleKlass) EntryCacheOffset() int  { return k.EntryCacheOffset_ }

// forwardTag is the low-order bit tagging a forwarded class word.
const forwardTag = addr.Word(1)

// IsForwarded reports whether the class word at oop-1 has its
// low-order tag bit set.
func IsForwarded(space *mem.Space, oop addr.Address) bool {
	return space.Word(oop, -1)&forwardTag != 0
}

// ForwardedTo returns the to-space address a forwarded object's header
// points to. Only valid when IsForwarded reports true.
func ForwardedTo(space *mem.Space, oop addr.Address) addr.Address {
	return space.Word(oop, -1).AsAddress().And(^forwardTag).AsWord().AsAddress()
}

// SetForwarded tags oop's class word with the forwarding bit and the
// address of its to-space copy.
func SetForwarded(space *mem.Space, oop, newOop addr.Address) {
	space.SetWord(oop, -1, newOop.AsWord()|forwardTag)
}

// ClassWord returns the raw (untagged) class-pointer address stored at
// oop-1.
func ClassWord(space *mem.Space, oop addr.Address) addr.Address {
	return space.Word(oop, -1).AsAddress()
}

// SetClassWord stores a fresh, untagged class-pointer address at oop-1.
func SetClassWord(space *mem.Space, oop, classAddr addr.Address) {
	space.SetWord(oop, -1, classAddr.AsWord())
}

// FakeResolver is an in-memory stand-in for the real class
// loader/translator (spec.md §1 lists that component as an external
// collaborator out of scope). Classes are registered under a
// synthetic, stable "class address" so the collector's ClassOf chase
// (object -> class -> class.self, up to two forwarding hops) has
// something to resolve against without a real class heap.
type FakeResolver struct {
	byAddr  map[addr.Address]Klass
	methods map[addr.Address]MethodOopMap
}

// NewFakeResolver returns an empty resolver.
func NewFakeResolver() *FakeResolver {
	return &FakeResolver{
		byAddr:  make(map[addr.Address]Klass),
		methods: make(map[addr.Address]MethodOopMap),
	}
}

// Register associates classAddr with k so that ClassOf can resolve any
// object whose class word holds classAddr.
func (r *FakeResolver) Register(classAddr addr.Address, k Klass) {
	r.byAddr[classAddr] = k
}

// RegisterMethod records the oop-map for a method object living at
// methodAddr.
func (r *FakeResolver) RegisterMethod(methodAddr addr.Address, m MethodOopMap) {
	r.methods[methodAddr] = m
}

// ClassOf resolves oop's class, chasing a forwarded class word exactly
// as spec.md §4.C requires: object -> class, then class -> class.self
// if the class itself has already been forwarded.
func (r *FakeResolver) ClassOf(space *mem.Space, oop addr.Address) Klass {
	raw := ClassWord(space, oop)
	if IsForwarded(space, oop) {
		raw = ForwardedTo(space, oop)
		// The class word at the new location may itself have been
		// relocated a second time if the class object was scanned
		// before this reference was updated; chase one more hop.
		if classWordLooksForwarded(space, raw) {
			raw = ForwardedTo(space, raw)
		}
		return r.byAddr[ClassWord(space, raw)]
	}
	return r.byAddr[raw]
}

func classWordLooksForwarded(space *mem.Space, oop addr.Address) bool {
	return space.Word(oop, -1)&forwardTag != 0
}

// MethodOopMap returns the registered oop-map for method, or a
// zero-value map if none was registered (no locals, no parameters).
func (r *FakeResolver) MethodOopMap(space *mem.Space, method addr.Address) MethodOopMap {
	return r.methods[method]
}
