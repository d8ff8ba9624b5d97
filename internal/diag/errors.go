// Package diag collects the sentinel error values shared across the
// collector, serializer, image codec and suite registry. Callers wrap
// these with fmt.Errorf("...: %w", ...) the way the rest of this module
// wraps errors — diag itself never formats a message, it only names a
// failure class so that callers can errors.Is against it.
package diag

import "errors"

var (
	// ErrBadAddress marks an access outside the heap, or a misaligned
	// pointer, detected in a debug build. Fatal: the VM does not
	// recover from this.
	ErrBadAddress = errors.New("bad address")

	// ErrBadImage marks a malformed object-memory stream: magic
	// mismatch, version incompatibility, bit-width mismatch, a
	// truncated or over-long stream, an invalid root offset, or
	// trailing bytes after the declared body.
	ErrBadImage = errors.New("bad image")

	// ErrBadLineage marks a parent-hash mismatch or a missing parent
	// image during load.
	ErrBadLineage = errors.New("bad lineage")

	// ErrExhausted marks a failed allocation after a full collection
	// could not free enough to-space. Fatal: indicates a sizing bug.
	ErrExhausted = errors.New("heap exhausted")

	// ErrGCDuringRelocation marks a concurrent collection that moved a
	// relocation target mid-load. The loader retries a bounded number
	// of times before giving up.
	ErrGCDuringRelocation = errors.New("gc ran during relocation")

	// ErrInvalidSequence marks a serializer pass called out of order,
	// or a recursive re-entry into the collector. Fatal.
	ErrInvalidSequence = errors.New("invalid sequence")

	// ErrRegistryConflict marks an attempt to install or remove an
	// image whose slot or reference count does not permit the
	// operation.
	ErrRegistryConflict = errors.New("registry conflict")
)
