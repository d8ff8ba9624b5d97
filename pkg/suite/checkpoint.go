package suite

import (
	"encoding/gob"
	"fmt"
	"os"
)

// SlotDump is a debug-serializable snapshot of one occupied slot. It
// captures the registry's bookkeeping, not the image bytes themselves
// — those are already persisted as their own object-memory stream by
// pkg/image, so duplicating them here would be redundant.
type SlotDump struct {
	Slot           int
	URL            string
	ParentURL      string
	CanonicalStart uint32
	Size           uint32
	Hash           uint32
	RefCount       int
}

// Dump is the full registry snapshot written by SaveDump.
type Dump struct {
	Slots []SlotDump
}

// Dump captures the registry's current slot table for diagnostics or
// checkpointing (spec.md §4.I's registry is otherwise purely in-memory;
// this is an operator-facing debug aid, adapted from the teacher's
// search-state checkpoint).
func (r *Registry) Dump() Dump {
	r.mu.Lock()
	defer r.mu.Unlock()

	var d Dump
	for i, img := range r.slots {
		if img == nil {
			continue
		}
		var parentURL string
		if img.Parent != nil {
			parentURL = img.Parent.URL
		}
		d.Slots = append(d.Slots, SlotDump{
			Slot:           i,
			URL:            img.URL,
			ParentURL:      parentURL,
			CanonicalStart: img.CanonicalStart,
			Size:           img.Size,
			Hash:           img.Hash,
			RefCount:       r.refcount[i],
		})
	}
	return d
}

// SaveDump writes a Dump to path using encoding/gob.
func SaveDump(path string, d Dump) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(d); err != nil {
		return fmt.Errorf("encoding dump to %s: %w", path, err)
	}
	return nil
}

// LoadDump reads a Dump previously written by SaveDump.
func LoadDump(path string) (Dump, error) {
	f, err := os.Open(path)
	if err != nil {
		return Dump{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	var d Dump
	if err := gob.NewDecoder(f).Decode(&d); err != nil {
		return Dump{}, fmt.Errorf("decoding dump from %s: %w", path, err)
	}
	return d, nil
}
