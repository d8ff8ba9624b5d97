// Package suite implements the suite registry (spec.md §4.I): the
// numbered table of loaded object memories, slot 0 reserved for the
// bootstrap image, lowest-free-slot allocation for everything loaded
// afterward, and the ancestor reference counts that gate removal.
package suite

import (
	"fmt"
	"sync"

	"github.com/dougxc/squawkgc/internal/diag"
	"github.com/dougxc/squawkgc/pkg/addr"
	"github.com/dougxc/squawkgc/pkg/image"
)

// Registry tracks every loaded image by URL, its slot number, and the
// reference count other installed images hold on it as an ancestor
// (spec.md §4.I). One registry lock serializes every install/remove,
// matching spec.md §5's "guarded by a single registry lock; updates are
// total-order serialized".
type Registry struct {
	mu sync.Mutex

	slots    []*image.Image // nil entry means a free slot
	refcount []int

	byURL      map[string]int
	pendingURL map[string]bool // sentinel: a load is in flight for this URL
}

// NewRegistry returns a registry with slot 0 reserved for bootstrap
// (spec.md §4.I "slot 0 is reserved for a bootstrap image created at
// VM start"). bootstrap may be nil if the caller installs it later.
func NewRegistry(bootstrap *image.Image) *Registry {
	r := &Registry{
		slots:      []*image.Image{bootstrap},
		refcount:   []int{0},
		byURL:      make(map[string]int),
		pendingURL: make(map[string]bool),
	}
	if bootstrap != nil {
		r.byURL[bootstrap.URL] = 0
	}
	return r
}

// BeginLoad reserves url against concurrent duplicate loads (spec.md
// §4.I "a sentinel value marks slots temporarily reserved during a
// concurrent load"). Callers must pair a successful BeginLoad with
// exactly one of Install or AbandonLoad.
func (r *Registry) BeginLoad(url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byURL[url]; ok {
		return fmt.Errorf("%s is already installed: %w", url, diag.ErrRegistryConflict)
	}
	if r.pendingURL[url] {
		return fmt.Errorf("a load is already in progress for %s: %w", url, diag.ErrRegistryConflict)
	}
	r.pendingURL[url] = true
	return nil
}

// AbandonLoad clears a BeginLoad reservation after a load failed.
func (r *Registry) AbandonLoad(url string) {
	r.mu.Lock()
	delete(r.pendingURL, url)
	r.mu.Unlock()
}

// Install assigns img the lowest free slot, bumping its parent's
// reference count if it has one, and returns the assigned slot number.
func (r *Registry) Install(img *image.Image) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pendingURL, img.URL)

	if _, ok := r.byURL[img.URL]; ok {
		return 0, fmt.Errorf("%s is already installed: %w", img.URL, diag.ErrRegistryConflict)
	}

	slot := -1
	for i, s := range r.slots {
		if s == nil {
			slot = i
			break
		}
	}
	if slot == -1 {
		r.slots = append(r.slots, nil)
		r.refcount = append(r.refcount, 0)
		slot = len(r.slots) - 1
	}
	r.slots[slot] = img
	r.refcount[slot] = 0
	r.byURL[img.URL] = slot

	if img.Parent != nil {
		if parentSlot, ok := r.byURL[img.Parent.URL]; ok {
			r.refcount[parentSlot]++
		}
	}
	return slot, nil
}

// Remove uninstalls the image at url, decrementing its parent's
// reference count. It fails with ErrRegistryConflict if url is not
// installed, names the bootstrap slot, or is still referenced by a
// descendant (spec.md §4.I "removal succeeds iff the count is zero").
func (r *Registry) Remove(url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.byURL[url]
	if !ok {
		return fmt.Errorf("%s is not installed: %w", url, diag.ErrRegistryConflict)
	}
	if slot == 0 {
		return fmt.Errorf("cannot remove the bootstrap image: %w", diag.ErrRegistryConflict)
	}
	if r.refcount[slot] != 0 {
		return fmt.Errorf("%s is still referenced by %d descendant image(s): %w", url, r.refcount[slot], diag.ErrRegistryConflict)
	}

	img := r.slots[slot]
	if img.Parent != nil {
		if parentSlot, ok := r.byURL[img.Parent.URL]; ok && r.refcount[parentSlot] > 0 {
			r.refcount[parentSlot]--
		}
	}
	r.slots[slot] = nil
	delete(r.byURL, url)
	return nil
}

// LookupByURL satisfies image.Registry and spec.md §6.2's
// "registry.lookup_by_url".
func (r *Registry) LookupByURL(url string) (*image.Image, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.byURL[url]
	if !ok {
		return nil, false
	}
	return r.slots[slot], true
}

// LookupByRoot implements spec.md §6.2's "registry.lookup_by_root":
// finds the installed image whose residence range contains oop.
func (r *Registry) LookupByRoot(oop addr.Address) (*image.Image, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, img := range r.slots {
		if img != nil && img.Space.Contains(oop) {
			return img, true
		}
	}
	return nil, false
}
