// Package mem implements the raw byte-addressable memory façade that
// the collector and image codec read and write through. All accessors
// are parameterized by a base address and an index in units of the
// value being accessed, never a raw byte offset — callers never see a
// slice index.
package mem

import (
	"fmt"

	"github.com/dougxc/squawkgc/internal/diag"
	"github.com/dougxc/squawkgc/pkg/addr"
)

// Space is a contiguous, word-aligned byte region addressed by
// addr.Address values in [Start, Start+len(Bytes)). Debug enables
// bounds checking and the optional per-byte type map; production
// builds leave it false and accessors skip both for speed, matching
// the teacher's own -v/verbose-gated extra work in pkg/search.
type Space struct {
	Bytes    []byte
	Start    addr.Address
	AllocPtr addr.Address
	Debug    bool

	protected bool
	typeTag   []byte // one byte per heap byte; nil unless Debug
}

// NewSpace allocates a Space of size bytes beginning logically at start.
func NewSpace(start addr.Address, size int, debug bool) *Space {
	s := &Space{
		Bytes:    make([]byte, size),
		Start:    start,
		AllocPtr: start,
		Debug:    debug,
	}
	if debug {
		s.typeTag = make([]byte, size)
	}
	return s
}

// End returns the address one past the last byte of the space.
func (s *Space) End() addr.Address {
	return s.Start.Add(addr.Address(len(s.Bytes)))
}

// Contains reports whether a lies in [Start, End).
func (s *Space) Contains(a addr.Address) bool {
	return a.HiEq(s.Start) && a.Lo(s.End())
}

func (s *Space) index(a addr.Address, size int) (int, error) {
	if s.Debug {
		if !s.Contains(a) || !s.Contains(a.Add(addr.Address(size-1))) {
			return 0, fmt.Errorf("access at %#x, size %d: %w", a, size, diag.ErrBadAddress)
		}
	}
	return int(a.Diff(s.Start)), nil
}

func (s *Space) mustIndex(a addr.Address, size int) int {
	i, err := s.index(a, size)
	if err != nil {
		panic(err)
	}
	return i
}

// Byte loads the idx'th byte relative to base.
func (s *Space) Byte(base addr.Address, idx int) byte {
	i := s.mustIndex(base.Add(addr.Address(idx)), 1)
	return s.Bytes[i]
}

// SetByte stores v as the idx'th byte relative to base.
func (s *Space) SetByte(base addr.Address, idx int, v byte) {
	i := s.mustIndex(base.Add(addr.Address(idx)), 1)
	s.Bytes[i] = v
	s.tagByte(i, 1, tagRaw)
}

// Short loads the idx'th 16-bit little-endian word relative to base.
func (s *Space) Short(base addr.Address, idx int) uint16 {
	a := base.Add(addr.Address(idx * 2))
	i := s.mustIndex(a, 2)
	return uint16(s.Bytes[i]) | uint16(s.Bytes[i+1])<<8
}

// SetShort stores v as the idx'th 16-bit word relative to base.
func (s *Space) SetShort(base addr.Address, idx int, v uint16) {
	a := base.Add(addr.Address(idx * 2))
	i := s.mustIndex(a, 2)
	s.Bytes[i] = byte(v)
	s.Bytes[i+1] = byte(v >> 8)
	s.tagByte(i, 2, tagRaw)
}

// Int loads the idx'th 32-bit little-endian word relative to base.
func (s *Space) Int(base addr.Address, idx int) uint32 {
	a := base.Add(addr.Address(idx * 4))
	i := s.mustIndex(a, 4)
	var v uint32
	for b := 0; b < 4; b++ {
		v |= uint32(s.Bytes[i+b]) << (8 * b)
	}
	return v
}

// SetInt stores v as the idx'th 32-bit word relative to base.
func (s *Space) SetInt(base addr.Address, idx int, v uint32) {
	a := base.Add(addr.Address(idx * 4))
	i := s.mustIndex(a, 4)
	for b := 0; b < 4; b++ {
		s.Bytes[i+b] = byte(v >> (8 * b))
	}
	s.tagByte(i, 4, tagRaw)
}

// Long loads the idx'th 64-bit little-endian word relative to base.
func (s *Space) Long(base addr.Address, idx int) uint64 {
	a := base.Add(addr.Address(idx * addr.WordSize))
	i := s.mustIndex(a, addr.WordSize)
	var v uint64
	for b := 0; b < addr.WordSize; b++ {
		v |= uint64(s.Bytes[i+b]) << (8 * b)
	}
	return v
}

// SetLong stores v as the idx'th 64-bit word relative to base.
func (s *Space) SetLong(base addr.Address, idx int, v uint64) {
	a := base.Add(addr.Address(idx * addr.WordSize))
	i := s.mustIndex(a, addr.WordSize)
	for b := 0; b < addr.WordSize; b++ {
		s.Bytes[i+b] = byte(v >> (8 * b))
	}
	s.tagByte(i, addr.WordSize, tagRaw)
}

// Word loads the idx'th machine word relative to base.
func (s *Space) Word(base addr.Address, idx int) addr.Word {
	return addr.Word(s.Long(base, idx))
}

// SetWord stores v as the idx'th machine word relative to base.
func (s *Space) SetWord(base addr.Address, idx int, v addr.Word) {
	s.SetLong(base, idx, uint64(v))
}

// Pointer loads the idx'th machine word relative to base as an address.
func (s *Space) Pointer(base addr.Address, idx int) addr.Address {
	return addr.Address(s.Long(base, idx))
}

// SetPointer stores v as the idx'th machine word relative to base and,
// in a debug build, tags that word as a reference in the type map.
func (s *Space) SetPointer(base addr.Address, idx int, v addr.Address) {
	a := base.Add(addr.Address(idx * addr.WordSize))
	i := s.mustIndex(a, addr.WordSize)
	for b := 0; b < addr.WordSize; b++ {
		s.Bytes[i+b] = byte(uint64(v) >> (8 * b))
	}
	s.tagByte(i, addr.WordSize, tagRef)
}

// CopyBytes block-moves n bytes from src to dst within this space.
// overlapSafe selects the worst-case direction (backwards) for moves
// where the ranges may overlap and dst > src; callers that know the
// ranges are disjoint may pass false for a forward-only copy.
func (s *Space) CopyBytes(src, dst addr.Address, n int, overlapSafe bool) {
	si := s.mustIndex(src, n)
	di := s.mustIndex(dst, n)
	if overlapSafe && di > si {
		for b := n - 1; b >= 0; b-- {
			s.Bytes[di+b] = s.Bytes[si+b]
		}
	} else {
		copy(s.Bytes[di:di+n], s.Bytes[si:si+n])
	}
	s.tagByte(di, n, tagUnknown)
}

// CopyAcross copies n bytes from srcAddr in src to dstAddr in dst. Used
// by the collector to copy a from-space object into to-space, where
// src and dst are necessarily different Space values.
func CopyAcross(dst, src *Space, srcAddr, dstAddr addr.Address, n int) {
	si := src.mustIndex(srcAddr, n)
	di := dst.mustIndex(dstAddr, n)
	copy(dst.Bytes[di:di+n], src.Bytes[si:si+n])
	dst.tagByte(di, n, tagUnknown)
}

// Protect marks the space as protected. Best effort: outside a debug
// space this is a no-op, matching spec.md's "no-op when unsupported".
// In a debug space it only records the mark; no accessor consults it,
// so stores into a protected space are not rejected. The collector
// calls it on from-space during a collection, never for correctness.
func (s *Space) Protect(lo, hi addr.Address) {
	if s.Debug {
		s.protected = true
	}
}

// Unprotect clears a prior Protect.
func (s *Space) Unprotect() {
	s.protected = false
}

// Poison fills the space with the debug poison pattern. Called after a
// collection unprotects from-space, per spec.md §4.E.1 step 6.
func (s *Space) Poison() {
	if !s.Debug {
		return
	}
	const pattern uint32 = 0xDEADBEEF
	for i := range s.Bytes {
		s.Bytes[i] = byte(pattern >> (8 * (i % 4)))
	}
}

const (
	tagUnknown = 0
	tagRaw     = 1
	tagRef     = 2
)

// tagByte records a one-byte-per-heap-byte type tag, used only by debug
// builds to detect type confusion; a no-op when the type map is absent.
func (s *Space) tagByte(i, n int, tag byte) {
	if s.typeTag == nil {
		return
	}
	for b := 0; b < n; b++ {
		s.typeTag[i+b] = tag
	}
}

// IsReference reports whether the word at idx relative to base was last
// written via SetPointer. Only meaningful in a debug build; always
// false otherwise.
func (s *Space) IsReference(base addr.Address, idx int) bool {
	if s.typeTag == nil {
		return false
	}
	i := s.mustIndex(base.Add(addr.Address(idx*addr.WordSize)), addr.WordSize)
	return s.typeTag[i] == tagRef
}
