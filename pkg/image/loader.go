package image

import (
	"fmt"
	"io"
	"sync"

	"github.com/dougxc/squawkgc/internal/diag"
	"github.com/dougxc/squawkgc/pkg/addr"
	"github.com/dougxc/squawkgc/pkg/bitmap"
	"github.com/dougxc/squawkgc/pkg/mem"
)

// ByteSource opens the byte stream named by a URL — the loader's
// collaborator for "where image bytes actually live". A production VM
// backs this with the filesystem; tests back it with an in-memory map.
type ByteSource interface {
	Open(url string) (io.ReadCloser, error)
}

// Registry is the subset of pkg/suite.Registry the loader needs: a
// cache lookup by URL so a repeated load of the same URL returns the
// cached image rather than re-reading the stream (spec.md §4.H step
// 1), and the install protocol a completed load must run at step 7
// ("register the image; return it") — reserving the URL against a
// concurrent duplicate load, installing the finished image (assigning
// it the lowest free slot and bumping its parent's reference count,
// spec.md §4.I), or abandoning the reservation if the load fails.
type Registry interface {
	LookupByURL(url string) (*Image, bool)
	BeginLoad(url string) error
	Install(img *Image) (int, error)
	AbandonLoad(url string)
}

// ResolveURL implements the CLI's "-suite:<name>" shorthand (spec.md
// §6.4): a bare suite name resolves to a file:// URL for <name>.suite.
func ResolveURL(name string) string {
	return "file://" + name + ".suite"
}

const defaultMaxRelocationRetries = 5

// Loader reads object-memory streams, verifies their lineage, and
// relocates their pointers into a freshly reserved residence range.
// Each loaded image is given its own disjoint range in a private
// address arena distinct from the mutator heap, matching spec.md §5:
// "image buffers placed in read-only memory are never mutated after
// load returns".
type Loader struct {
	Source   ByteSource
	Registry Registry

	// MaxRelocationRetries bounds the GCDuringRelocation retry loop
	// (spec.md §4.H "Failure mode GCDuringRelocation"); zero means
	// the spec's default of five attempts.
	MaxRelocationRetries int

	// checkResidence lets tests simulate a concurrent collection
	// moving a RAM-resident buffer mid-relocation (spec.md §4.H); nil
	// means the residence is always stable, which always holds in
	// this module since image arenas are never part of the GC heap.
	checkResidence func(attempt int) error

	mu      sync.Mutex
	nextRes addr.Address
}

// NewLoader returns a Loader whose image arena begins at arenaStart,
// reading streams from source and consulting registry for cached URLs.
func NewLoader(source ByteSource, registry Registry, arenaStart addr.Address) *Loader {
	return &Loader{Source: source, Registry: registry, nextRes: arenaStart}
}

func (l *Loader) reserve(size int) addr.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := l.nextRes
	l.nextRes = start.Add(addr.Address(size)).RoundUpToWord()
	return start
}

// Load implements spec.md §4.H end to end: magic/version/attribute
// checks, recursive parent load with hash verification, body read,
// relocation, and trailing-byte rejection. readOnly is accepted to
// match the spec's entry point shape; this module relocates every
// loaded image into its own private arena regardless, so there is no
// separate read-only placement path to select between.
func (l *Loader) Load(url string, readOnly bool) (*Image, error) {
	if cached, ok := l.Registry.LookupByURL(url); ok {
		return cached, nil
	}

	if err := l.Registry.BeginLoad(url); err != nil {
		return nil, fmt.Errorf("%s: %w", url, err)
	}
	installed := false
	defer func() {
		if !installed {
			l.Registry.AbandonLoad(url)
		}
	}()

	r, err := l.Source.Open(url)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", url, err)
	}
	defer r.Close()

	m, err := readU4(r)
	if err != nil {
		return nil, fmt.Errorf("%s: reading magic: %w", url, diag.ErrBadImage)
	}
	if m != magic {
		return nil, fmt.Errorf("%s: magic %#x, want %#x: %w", url, m, magic, diag.ErrBadImage)
	}
	if _, err := readU2(r); err != nil { // minor version, currently ignored
		return nil, fmt.Errorf("%s: reading minor version: %w", url, diag.ErrBadImage)
	}
	if _, err := readU2(r); err != nil { // major version, currently ignored
		return nil, fmt.Errorf("%s: reading major version: %w", url, diag.ErrBadImage)
	}
	attrs, err := readU4(r)
	if err != nil {
		return nil, fmt.Errorf("%s: reading attributes: %w", url, diag.ErrBadImage)
	}
	if attrs&attr32Bit != 0 {
		return nil, fmt.Errorf("%s: image is 32-bit, this module only loads 64-bit images: %w", url, diag.ErrBadImage)
	}

	parentHash, err := readU4(r)
	if err != nil {
		return nil, fmt.Errorf("%s: reading parent hash: %w", url, diag.ErrBadImage)
	}
	parentURL, err := readUTF8(r)
	if err != nil {
		return nil, fmt.Errorf("%s: reading parent url: %w", url, diag.ErrBadImage)
	}

	var parent *Image
	if parentURL != "" {
		parent, err = l.Load(parentURL, readOnly)
		if err != nil {
			return nil, err
		}
		if parent.Hash != parentHash {
			return nil, fmt.Errorf("%s: parent %s hash %#x, want %#x: %w", url, parentURL, parent.Hash, parentHash, diag.ErrBadLineage)
		}
	}

	rootOffset, err := readU4(r)
	if err != nil {
		return nil, fmt.Errorf("%s: reading root offset: %w", url, diag.ErrBadImage)
	}
	size, err := readU4(r)
	if err != nil {
		return nil, fmt.Errorf("%s: reading size: %w", url, diag.ErrBadImage)
	}

	oopmapLen := (int(size)/addr.WordSize + 7) / 8
	oopmapBytes := make([]byte, oopmapLen)
	if _, err := io.ReadFull(r, oopmapBytes); err != nil {
		return nil, fmt.Errorf("%s: reading oop bitmap: %w", url, diag.ErrBadImage)
	}

	if pad := paddingLen(headerEncodedLen(parentURL) + oopmapLen); pad > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(pad)); err != nil {
			return nil, fmt.Errorf("%s: skipping padding: %w", url, diag.ErrBadImage)
		}
	}

	memory := make([]byte, size)
	if _, err := io.ReadFull(r, memory); err != nil {
		return nil, fmt.Errorf("%s: reading memory body: %w", url, diag.ErrBadImage)
	}
	hash := additiveHash(memory)

	var typeMap []byte
	if attrs&attrHasTypeMap != 0 {
		typeMap = make([]byte, size)
		if _, err := io.ReadFull(r, typeMap); err != nil {
			return nil, fmt.Errorf("%s: reading type map: %w", url, diag.ErrBadImage)
		}
	}

	if n, _ := r.Read(make([]byte, 1)); n != 0 {
		return nil, fmt.Errorf("%s: trailing bytes after declared body: %w", url, diag.ErrBadImage)
	}

	canonicalStart := uint32(0)
	if parent != nil {
		canonicalStart = parent.CanonicalEnd()
	}
	oopMap := bitmap.FromBytes(oopmapBytes)

	space, err := l.relocate(memory, oopMap, canonicalStart, parent)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", url, err)
	}

	img := &Image{
		URL:            url,
		Parent:         parent,
		CanonicalStart: canonicalStart,
		Size:           size,
		RootOffset:     rootOffset,
		Hash:           hash,
		Space:          space,
		TypeMap:        typeMap,
	}

	if _, err := l.Registry.Install(img); err != nil {
		return nil, fmt.Errorf("%s: %w", url, err)
	}
	installed = true
	return img, nil
}

// relocate places memory into a freshly reserved residence range and
// rewrites its canonical-domain pointers into real addresses (spec.md
// §4.H step 5). A residence check failure mid-attempt is the
// GCDuringRelocation failure mode; relocation is attempted at most
// MaxRelocationRetries times in all before giving up.
func (l *Loader) relocate(memory []byte, oopMap *bitmap.Set, canonicalStart uint32, parent *Image) (*mem.Space, error) {
	maxRetries := l.MaxRelocationRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRelocationRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		space := mem.NewSpace(l.reserve(len(memory)), len(memory), false)
		copy(space.Bytes, memory)

		if l.checkResidence != nil {
			if err := l.checkResidence(attempt); err != nil {
				lastErr = err
				continue
			}
		}

		relocatePointers(space, oopMap, canonicalStart, parent)
		return space, nil
	}
	return nil, fmt.Errorf("relocation target moved on every attempt (last: %v): %w", lastErr, diag.ErrExhausted)
}

// relocatePointers implements spec.md §4.H step 5's rewrite: each
// pointer recorded in oopMap holds a canonical-domain value; if it
// falls within this image's own canonical range it becomes an offset
// into space, and if it falls within an ancestor's canonical range it
// becomes an offset into that ancestor's own residence space.
func relocatePointers(space *mem.Space, oopMap *bitmap.Set, canonicalStart uint32, parent *Image) {
	var ancestors []*Image
	for p := parent; p != nil; p = p.Parent {
		ancestors = append(ancestors, p)
	}

	size := uint32(len(space.Bytes))
	oopMap.Each(func(idx int) {
		slot := space.Start.Add(addr.Address(idx * addr.WordSize))
		v := space.Pointer(slot, 0)
		if v.IsZero() {
			return
		}
		canonicalVal := uint32(v)

		if canonicalVal >= canonicalStart && canonicalVal < canonicalStart+size {
			space.SetPointer(slot, 0, space.Start.Add(addr.Address(canonicalVal-canonicalStart)))
			return
		}
		for _, anc := range ancestors {
			if canonicalVal >= anc.CanonicalStart && canonicalVal < anc.CanonicalEnd() {
				space.SetPointer(slot, 0, anc.Space.Start.Add(addr.Address(canonicalVal-anc.CanonicalStart)))
				return
			}
		}
	})
}
