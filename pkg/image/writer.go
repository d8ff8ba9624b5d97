package image

import (
	"bytes"
	"io"

	"github.com/pkg/errors"

	"github.com/dougxc/squawkgc/pkg/addr"
	"github.com/dougxc/squawkgc/pkg/mem"
	"github.com/dougxc/squawkgc/pkg/snapshot"
)

// Writer encodes a completed snapshot.ControlBlock into the bit-exact
// stream format spec.md §4.G defines. This module never produces a
// type map (attributes bit 0 is always clear): pkg/mem's per-byte type
// tagging exists only for debug-build bounds assertions, nothing in
// this module persists it, so Writer has no typemap bytes to encode.
type Writer struct{}

// NewWriter returns a Writer. It holds no state; one value may encode
// any number of images.
func NewWriter() *Writer { return &Writer{} }

// Save writes cb — the result of a completed Serializer.Pass2 — to dst
// as one object-memory stream under url, chained to parent (nil for an
// image with no ancestor), and returns the resulting in-memory Image
// descriptor (spec.md §6.2 "image_writer.save(url, control_block, parent)").
func (w *Writer) Save(dst io.Writer, url string, cb snapshot.ControlBlock, parent *Image) (*Image, error) {
	var parentHash uint32
	var parentURL string
	var canonicalStart uint32
	if parent != nil {
		parentHash = parent.Hash
		parentURL = parent.URL
		canonicalStart = parent.CanonicalEnd()
	}

	body := cb.Memory[:cb.Size]

	var head bytes.Buffer
	if err := writeHeader(&head, 0, parentHash, parentURL, cb.Root, uint32(cb.Size)); err != nil {
		return nil, err
	}
	if _, err := head.Write(cb.OopMap.Bytes()); err != nil {
		return nil, errors.Wrap(err, "could not write oop bitmap")
	}
	if pad := paddingLen(head.Len()); pad > 0 {
		if _, err := head.Write(make([]byte, pad)); err != nil {
			return nil, errors.Wrap(err, "could not write alignment padding")
		}
	}

	if _, err := dst.Write(head.Bytes()); err != nil {
		return nil, errors.Wrap(err, "could not write image header")
	}
	if _, err := dst.Write(body); err != nil {
		return nil, errors.Wrap(err, "could not write image body")
	}

	return &Image{
		URL:            url,
		Parent:         parent,
		CanonicalStart: canonicalStart,
		Size:           uint32(cb.Size),
		RootOffset:     cb.Root,
		Hash:           additiveHash(body),
		Space:          residentSpace(addr.Address(canonicalStart), body),
	}, nil
}

// residentSpace wraps a just-saved image's own bytes as a permanent
// mem.Space starting at the image's canonical start, where its
// canonical-form pointers resolve, so a freshly saved image is already
// in exactly the shape the suite registry and pkg/image.Loader expect a
// loaded image to be in, without a round trip through a byte stream.
func residentSpace(start addr.Address, memory []byte) *mem.Space {
	s := mem.NewSpace(start, len(memory), false)
	copy(s.Bytes, memory)
	return s
}
