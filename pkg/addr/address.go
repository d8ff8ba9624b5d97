// Package addr provides typed machine-word arithmetic for the collector
// and image codec. Address and Word share the same underlying width but
// are kept as distinct types so that callers cannot accidentally mix a
// memory location with a raw bit pattern.
package addr

// Address is an opaque word-wide quantity interpreted as a machine
// address. The zero value means "null".
type Address uint64

// Word is the same width as Address but is semantically an unsigned
// bit pattern rather than a location.
type Word uint64

// Zero returns the null address.
func Zero() Address { return Address(0) }

// Max returns the largest representable address.
func Max() Address { return Address(^uint64(0)) }

// IsZero reports whether a is the null address.
func (a Address) IsZero() bool { return a == 0 }

// Add returns a+n.
func (a Address) Add(n Address) Address { return a + n }

// Sub returns a-n.
func (a Address) Sub(n Address) Address { return a - n }

// AddOffset adds a signed byte offset to a.
func (a Address) AddOffset(o int64) Address { return Address(int64(a) + o) }

// Diff returns the signed distance from other to a (a-other).
func (a Address) Diff(other Address) int64 { return int64(a) - int64(other) }

// RoundUp rounds a up to the nearest multiple of align, which must be a
// power of two.
func (a Address) RoundUp(align Address) Address {
	return (a + align - 1) &^ (align - 1)
}

// RoundUpToWord rounds a up to the nearest machine word.
func (a Address) RoundUpToWord() Address {
	return a.RoundUp(Address(WordSize))
}

// Lo reports whether a < b, treating both as unsigned.
func (a Address) Lo(b Address) bool { return uint64(a) < uint64(b) }

// LoEq reports whether a <= b, treating both as unsigned.
func (a Address) LoEq(b Address) bool { return uint64(a) <= uint64(b) }

// Hi reports whether a > b, treating both as unsigned.
func (a Address) Hi(b Address) bool { return uint64(a) > uint64(b) }

// HiEq reports whether a >= b, treating both as unsigned.
func (a Address) HiEq(b Address) bool { return uint64(a) >= uint64(b) }

// Or returns the bitwise OR of a and a Word.
func (a Address) Or(w Word) Address { return a | Address(w) }

// And returns the bitwise AND of a and a Word.
func (a Address) And(w Word) Address { return a & Address(w) }

// AsWord reinterprets a as a Word, with no conversion.
func (a Address) AsWord() Word { return Word(a) }

// AsAddress reinterprets w as an Address, with no conversion.
func (w Word) AsAddress() Address { return Address(w) }

// WordSize is the width, in bytes, of one machine word on this module's
// target. Every layout computation in pkg/mem, pkg/gc and pkg/image is
// expressed in units of WordSize rather than a hardcoded constant.
const WordSize = 8
