package image

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/dougxc/squawkgc/pkg/addr"
)

// Fixed header layout constants (spec.md §4.G): magic, the two version
// shorts, attributes, parent hash, the root offset and size fields.
// parent_url and the oop bitmap are variable-length and are not
// included here.
const (
	magic        uint32 = 0xDEADBEEF
	minorVersion uint16 = 1
	majorVersion uint16 = 1

	attrHasTypeMap uint32 = 1 << 0
	attr32Bit      uint32 = 1 << 1

	// fixedHeaderLen is the byte count of every fixed-width field up
	// to and including size, excluding parent_url's own bytes (its
	// u4 length prefix is counted here, its payload is not):
	// magic(4) + minor(2) + major(2) + attrs(4) + parent_hash(4) +
	// parent_url length prefix(4) + root_offset(4) + size(4).
	fixedHeaderLen = 4 + 2 + 2 + 4 + 4 + 4 + 4 + 4
)

// headerEncodedLen returns the number of header bytes written before
// the oop bitmap, given the parent URL actually encoded.
func headerEncodedLen(parentURL string) int {
	return fixedHeaderLen + len(parentURL)
}

// paddingLen implements spec.md §4.G's alignment rule: "bytes_written
// before_memory mod word_size, then word_size − that if non-zero."
func paddingLen(bytesBeforeMemory int) int {
	rem := bytesBeforeMemory % addr.WordSize
	if rem == 0 {
		return 0
	}
	return addr.WordSize - rem
}

// writeHeader writes every field up to (but not including) the oop
// bitmap, one field per write and each wrapped with its own message —
// the same one-field-one-write shape the qcow2 codec in the wider
// example pack uses for its own versioned binary header.
func writeHeader(w io.Writer, attrs, parentHash uint32, parentURL string, rootOffset, size uint32) error {
	if err := writeU4(w, magic); err != nil {
		return errors.Wrap(err, "could not write image magic")
	}
	if err := writeU2(w, minorVersion); err != nil {
		return errors.Wrap(err, "could not write minor version")
	}
	if err := writeU2(w, majorVersion); err != nil {
		return errors.Wrap(err, "could not write major version")
	}
	if err := writeU4(w, attrs); err != nil {
		return errors.Wrap(err, "could not write attributes")
	}
	if err := writeU4(w, parentHash); err != nil {
		return errors.Wrap(err, "could not write parent hash")
	}
	if err := writeUTF8(w, parentURL); err != nil {
		return errors.Wrap(err, "could not write parent url")
	}
	if err := writeU4(w, rootOffset); err != nil {
		return errors.Wrap(err, "could not write root offset")
	}
	if err := writeU4(w, size); err != nil {
		return errors.Wrap(err, "could not write size")
	}
	return nil
}

func writeU2(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeU4(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeUTF8(w io.Writer, s string) error {
	if err := writeU4(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readU2(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readU4(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUTF8(r io.Reader) (string, error) {
	n, err := readU4(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
