// Package klass defines the capability-set contract the collector
// requires of the (out-of-scope) class system: given an object address,
// resolve its class descriptor, body/header size, per-field reference
// bitmap and, for methods, a per-activation oop-map. Klass is a
// capability interface rather than a type hierarchy — spec.md's design
// note "Polymorphism over class shape" — so any class representation a
// real class loader uses can satisfy it.
package klass

import (
	"github.com/dougxc/squawkgc/pkg/addr"
	"github.com/dougxc/squawkgc/pkg/mem"
)

// ID is the closed enumeration of distinguished class IDs the collector
// dispatches on during scan (spec.md §4.C, §4.E.1 step 4).
type ID int

const (
	// Instance is any plain, non-array object scanned via its
	// reference bitmap.
	Instance ID = iota
	// ByteArray, ShortArray, IntArray, LongArray are primitive arrays
	// with no reference slots.
	ByteArray
	ShortArray
	IntArray
	LongArray
	// StringKlass objects carry a character body with no references.
	StringKlass
	// ObjectArray is a plain array of object references.
	ObjectArray
	// BytecodeArray is a method's compiled body; only its defining
	// class header slot is a reference.
	BytecodeArray
	// GlobalArray is a class-state table scanned over a ref-field
	// range starting at FirstVariable.
	GlobalArray
	// LocalArray is a stack chunk: an array-shaped object with a
	// small header oop-map and a body of activation frames.
	LocalArray
	// ObjectMemoryKlass instances must never be reachable from a
	// snapshot root (spec.md §4.F, Open Question decision).
	ObjectMemoryKlass
	// HashTableKlass instances have one transient "entry cache" field
	// that is nulled whenever the object is copied, by a collection or
	// a snapshot pass (spec.md §4.F).
	HashTableKlass
)

// Klass is the per-class descriptor the collector consults while
// scanning. HeaderSize and BodySize are expressed in bytes; RefOffsets
// is expressed in word indices relative to the object's own address.
type Klass interface {
	ID() ID
	IsArray() bool
	HeaderSize() int
	BodySize(space *mem.Space, oop addr.Address) int
	ArrayLength(space *mem.Space, oop addr.Address) int
	RefOffsets() []int
	// FirstVariable is meaningful only for GlobalArray: the word index
	// of the first reference-typed static field.
	FirstVariable() int
	// EntryCacheOffset is meaningful only for HashTableKlass: the word
	// index of the transient entry-cache field nulled on every copy.
	EntryCacheOffset() int
}

// MethodOopMap describes which activation-frame slots of one method
// hold references. Parameter slots are listed first, ascending from
// parm0; local slots follow, descending from local0 (spec.md §4.C).
type MethodOopMap struct {
	LocalCount     int
	ParameterCount int
	// RefBits[i] is true when slot i (parameters 0..ParameterCount-1
	// ascending, then locals 0..LocalCount-1 descending) holds a
	// reference.
	RefBits []bool
}

// IsParamRef reports whether parameter i is a reference slot.
func (m MethodOopMap) IsParamRef(i int) bool {
	if i < 0 || i >= m.ParameterCount {
		return false
	}
	return m.RefBits[i]
}

// IsLocalRef reports whether local i is a reference slot.
func (m MethodOopMap) IsLocalRef(i int) bool {
	idx := m.ParameterCount + i
	if i < 0 || idx >= len(m.RefBits) {
		return false
	}
	return m.RefBits[idx]
}

// Resolver is the narrow contract the collector needs from the
// (out-of-scope) class loader/translator: resolve an oop's class, and
// decode a method's oop-map. A forwarded oop's class pointer may itself
// be forwarded; ClassOf is expected to chase that up to two hops
// (object -> class -> class.self), matching spec.md §4.C.
type Resolver interface {
	ClassOf(space *mem.Space, oop addr.Address) Klass
	MethodOopMap(space *mem.Space, method addr.Address) MethodOopMap
}
