// Package image implements the object-memory stream codec (spec.md
// §4.G, §4.H): a bit-exact binary writer and loader for the byte image
// a snapshot.Serializer pass produces, including parent-chain lineage
// verification and canonical-address relocation on load.
package image

import (
	"github.com/dougxc/squawkgc/pkg/addr"
	"github.com/dougxc/squawkgc/pkg/mem"
)

// Image is the immutable descriptor for one loaded (or just-saved)
// object memory (spec.md §3 "Image (ObjectMemory)"). Space.Bytes holds
// the relocated, real-address-resident copy of the graph; Space.Start
// is the residence address R that relocation targeted.
type Image struct {
	URL            string
	Parent         *Image
	CanonicalStart uint32
	Size           uint32
	RootOffset     uint32
	Hash           uint32
	Space          *mem.Space
	TypeMap        []byte // non-nil only if the source stream carried one
}

// CanonicalEnd is the first canonical address past this image, where a
// child image's own canonical range begins (spec.md §3
// "canonical_end = canonical_start + size").
func (im *Image) CanonicalEnd() uint32 { return im.CanonicalStart + im.Size }

// Root is the real residence address of this image's root object.
func (im *Image) Root() addr.Address {
	return im.Space.Start.Add(addr.Address(im.RootOffset))
}

// additiveHash implements spec.md §4.G's weak lineage fingerprint:
// hash = size + sum of bytes. It is deliberately not a real checksum.
func additiveHash(b []byte) uint32 {
	h := uint32(len(b))
	for _, c := range b {
		h += uint32(c)
	}
	return h
}
