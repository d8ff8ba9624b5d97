package image

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/dougxc/squawkgc/internal/diag"
	"github.com/dougxc/squawkgc/pkg/addr"
	"github.com/dougxc/squawkgc/pkg/gc"
	"github.com/dougxc/squawkgc/pkg/klass"
	"github.com/dougxc/squawkgc/pkg/snapshot"
)

// mapSource is an in-memory ByteSource keyed by URL, standing in for
// the filesystem in tests.
type mapSource map[string][]byte

func (m mapSource) Open(url string) (io.ReadCloser, error) {
	b, ok := m[url]
	if !ok {
		return nil, errors.New("no such stream: " + url)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// fakeRegistry is a minimal stand-in for pkg/suite.Registry, local to
// this test file to avoid the import cycle a real pkg/suite dependency
// would create (pkg/suite itself imports pkg/image). It runs the same
// begin/install/abandon protocol the real registry does, so Load's
// wiring into step 7 ("register the image; return it") is exercised
// end to end rather than stubbed out.
type fakeRegistry struct {
	mu      sync.Mutex
	byURL   map[string]*Image
	pending map[string]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{byURL: make(map[string]*Image), pending: make(map[string]bool)}
}

func (f *fakeRegistry) LookupByURL(url string) (*Image, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.byURL[url]
	return img, ok
}

func (f *fakeRegistry) BeginLoad(url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byURL[url]; ok {
		return fmt.Errorf("%s is already installed: %w", url, diag.ErrRegistryConflict)
	}
	if f.pending[url] {
		return fmt.Errorf("a load is already in progress for %s: %w", url, diag.ErrRegistryConflict)
	}
	f.pending[url] = true
	return nil
}

func (f *fakeRegistry) Install(img *Image) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, img.URL)
	f.byURL[img.URL] = img
	return len(f.byURL) - 1, nil
}

func (f *fakeRegistry) AbandonLoad(url string) {
	f.mu.Lock()
	delete(f.pending, url)
	f.mu.Unlock()
}

// allocInstanceIn allocates a fixed-size instance object (a one-word
// header plus bodyWords zero-initialized body words) of the given
// class in h's current to-space and returns its oop.
func allocInstanceIn(t *testing.T, h *gc.Heap, classAddr addr.Address, bodyWords int) addr.Address {
	t.Helper()
	headerSize := addr.WordSize
	block, err := h.Alloc(headerSize + bodyWords*addr.WordSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	oop := block.Add(addr.Address(headerSize))
	klass.SetClassWord(h.To(), oop, classAddr)
	return oop
}

// allocArrayIn allocates an array of n elemSize-sized elements of the
// given class in h's current to-space and returns its oop.
func allocArrayIn(t *testing.T, h *gc.Heap, classAddr addr.Address, elemSize, n int) addr.Address {
	t.Helper()
	headerSize := 2 * addr.WordSize
	block, err := h.Alloc(headerSize + elemSize*n)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	oop := block.Add(addr.Address(headerSize))
	h.To().SetLong(oop, -2, uint64(n))
	klass.SetClassWord(h.To(), oop, classAddr)
	return oop
}

func saveByteArray(t *testing.T, url string, body []byte, parent *Image) (*Image, []byte) {
	t.Helper()
	h := gc.NewHeap(addr.Address(0x300000), 256*addr.WordSize*2, true)
	r := klass.NewFakeResolver()
	byteArrayClass := addr.Address(0x3000)
	r.Register(byteArrayClass, &klass.SimpleKlass{Name: "ByteArray", Kind: klass.ByteArray, ElemSize: 1})

	headerSize := 2 * addr.WordSize
	block, err := h.Alloc(headerSize + len(body))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	root := block.Add(addr.Address(headerSize))
	h.To().SetLong(root, -2, uint64(len(body)))
	klass.SetClassWord(h.To(), root, byteArrayClass)
	copy(h.To().Bytes[root.Diff(h.To().Start):], body)

	var canonicalEnd uint32
	if parent != nil {
		canonicalEnd = parent.CanonicalEnd()
	}
	s := snapshot.New(h, r, canonicalEnd, nil)
	scratch := make([]byte, 16*2*addr.WordSize)
	cb1, err := s.Pass1(root, scratch)
	if err != nil {
		t.Fatalf("Pass1: %v", err)
	}
	cb2, err := s.Pass2(snapshot.ControlBlock{Memory: make([]byte, cb1.Size)})
	if err != nil {
		t.Fatalf("Pass2: %v", err)
	}

	var buf bytes.Buffer
	img, err := NewWriter().Save(&buf, url, cb2, parent)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	return img, buf.Bytes()
}

// Scenario 4 (spec.md §8): a byte array saved and loaded back must
// still hold its original bytes, and the reloaded image's hash matches
// the one recorded at save time.
func TestSaveLoadRoundTrip(t *testing.T) {
	img, stream := saveByteArray(t, "file://t.iso", []byte{1, 2, 3, 4}, nil)

	source := mapSource{"file://t.iso": stream}
	loader := NewLoader(source, newFakeRegistry(), addr.Address(0x900000))

	loaded, err := loader.Load("file://t.iso", false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Hash != img.Hash {
		t.Fatalf("loaded hash %#x, want %#x", loaded.Hash, img.Hash)
	}

	root := loaded.Root()
	for i, want := range []byte{1, 2, 3, 4} {
		if got := loaded.Space.Byte(root, i); got != want {
			t.Fatalf("byte %d = %d, want %d", i, got, want)
		}
	}
}

// Scenario 5 (spec.md §8): a corrupted parent image must fail the
// child's load with BadLineage, and the child must never be returned.
func TestParentHashMismatch(t *testing.T) {
	parentImg, parentStream := saveByteArray(t, "file://a.suite", []byte{9, 9, 9, 9}, nil)
	_, childStream := saveByteArray(t, "file://b.suite", []byte{1, 2, 3, 4}, parentImg)

	corrupted := append([]byte(nil), parentStream...)
	corrupted[len(corrupted)-1] ^= 0xFF

	source := mapSource{
		"file://a.suite": corrupted,
		"file://b.suite": childStream,
	}
	loader := NewLoader(source, newFakeRegistry(), addr.Address(0x900000))

	loaded, err := loader.Load("file://b.suite", false)
	if !errors.Is(err, diag.ErrBadLineage) {
		t.Fatalf("got %v, want ErrBadLineage", err)
	}
	if loaded != nil {
		t.Fatal("a failed load must not return a partially built image")
	}
}

// Scenario 6 (spec.md §8): a relocation target that moves once during
// relocation must be detected, retried, and must succeed on the second
// attempt.
func TestGCDuringRelocationRetry(t *testing.T) {
	_, stream := saveByteArray(t, "file://t.iso", []byte{1, 2, 3, 4}, nil)
	source := mapSource{"file://t.iso": stream}
	loader := NewLoader(source, newFakeRegistry(), addr.Address(0x900000))

	attempts := 0
	loader.checkResidence = func(attempt int) error {
		attempts++
		if attempt == 0 {
			return diag.ErrGCDuringRelocation
		}
		return nil
	}

	loaded, err := loader.Load("file://t.iso", false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly one retry (2 attempts), got %d", attempts)
	}
	if got := loaded.Space.Byte(loaded.Root(), 0); got != 1 {
		t.Fatalf("byte 0 = %d, want 1", got)
	}
}

// A relocation target that never stabilizes exhausts its retry budget.
func TestGCDuringRelocationExhausted(t *testing.T) {
	_, stream := saveByteArray(t, "file://t.iso", []byte{1, 2, 3, 4}, nil)
	source := mapSource{"file://t.iso": stream}
	loader := NewLoader(source, newFakeRegistry(), addr.Address(0x900000))
	loader.MaxRelocationRetries = 3
	loader.checkResidence = func(attempt int) error { return diag.ErrGCDuringRelocation }

	if _, err := loader.Load("file://t.iso", false); !errors.Is(err, diag.ErrExhausted) {
		t.Fatalf("got %v, want ErrExhausted", err)
	}
}

// Scenario 4 (spec.md §8), the graph the scenario actually specifies:
// Isolate -> Thread -> StackChunk -> frame -> byte[4], not a flat byte
// array. This exercises the stack-chunk two-pass fix-up (spec.md
// §4.E.4) through a real snapshot+load round trip and checks that the
// reloaded last_fp, and the return_fp chain beneath it, each resolve
// to a valid address inside the reloaded chunk's own space.
func TestSaveLoadRoundTripStackChunkGraph(t *testing.T) {
	h := gc.NewHeap(addr.Address(0x300000), 4096*addr.WordSize*2, true)
	r := klass.NewFakeResolver()

	isolateClass := addr.Address(0x5000)
	threadClass := addr.Address(0x5008)
	chunkClass := addr.Address(0x5010)
	byteArrClass := addr.Address(0x5018)
	methodClass := addr.Address(0x5020)
	r.Register(isolateClass, &klass.SimpleKlass{Name: "Isolate", Kind: klass.Instance, FixedBodyWords: 1, Refs: []int{0}})
	r.Register(threadClass, &klass.SimpleKlass{Name: "Thread", Kind: klass.Instance, FixedBodyWords: 1, Refs: []int{0}})
	r.Register(chunkClass, &klass.SimpleKlass{Name: "LocalArray", Kind: klass.LocalArray})
	r.Register(byteArrClass, &klass.SimpleKlass{Name: "ByteArray", Kind: klass.ByteArray, ElemSize: 1})
	r.Register(methodClass, &klass.SimpleKlass{Name: "Method", Kind: klass.Instance})

	payload := allocArrayIn(t, h, byteArrClass, 1, 4)
	copy(h.To().Bytes[payload.Diff(h.To().Start):], []byte{1, 2, 3, 4})

	m1 := allocInstanceIn(t, h, methodClass, 0)
	m2 := allocInstanceIn(t, h, methodClass, 0)
	r.RegisterMethod(m1, klass.MethodOopMap{})
	r.RegisterMethod(m2, klass.MethodOopMap{LocalCount: 1, RefBits: []bool{true}})

	const frameInnerWords = 3 // method, return_fp, return_ip only
	const frameOuterWords = 3 + 1 // + one local referencing the payload

	chunk := allocArrayIn(t, h, chunkClass, addr.WordSize, gc.ChunkBodyStart+frameInnerWords+frameOuterWords)
	frameInner := chunk.Add(addr.Address(gc.ChunkBodyStart * addr.WordSize))
	frameOuter := frameInner.Add(addr.Address(frameInnerWords * addr.WordSize))

	h.To().SetPointer(chunk, gc.ChunkOwnerIdx, addr.Zero())
	h.To().SetPointer(chunk, gc.ChunkNextIdx, addr.Zero())
	h.To().SetPointer(chunk, gc.ChunkLastFPIdx, frameInner)

	h.To().SetPointer(frameInner, gc.FrameMethodIdx, m1)
	h.To().SetPointer(frameInner, gc.FrameReturnFPIdx, frameOuter)
	h.To().SetPointer(frameInner, gc.FrameReturnIPIdx, addr.Address(42))

	h.To().SetPointer(frameOuter, gc.FrameMethodIdx, m2)
	h.To().SetPointer(frameOuter, gc.FrameReturnFPIdx, addr.Zero())
	h.To().SetPointer(frameOuter, gc.FrameReturnIPIdx, addr.Address(84))
	h.To().SetPointer(frameOuter, gc.FrameParamBase, payload) // local0, no parameters

	thread := allocInstanceIn(t, h, threadClass, 1)
	h.To().SetPointer(thread, 0, chunk)

	isolateObj := allocInstanceIn(t, h, isolateClass, 1)
	h.To().SetPointer(isolateObj, 0, thread)

	s := snapshot.New(h, r, 0, nil)
	scratch := make([]byte, 64*2*addr.WordSize)
	cb1, err := s.Pass1(isolateObj, scratch)
	if err != nil {
		t.Fatalf("Pass1: %v", err)
	}
	cb2, err := s.Pass2(snapshot.ControlBlock{Memory: make([]byte, cb1.Size)})
	if err != nil {
		t.Fatalf("Pass2: %v", err)
	}

	url := "file://chunk.iso"
	var buf bytes.Buffer
	if _, err := NewWriter().Save(&buf, url, cb2, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}

	source := mapSource{url: buf.Bytes()}
	loader := NewLoader(source, newFakeRegistry(), addr.Address(0x900000))
	loaded, err := loader.Load(url, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	isolateRoot := loaded.Root()
	threadAddr := loaded.Space.Pointer(isolateRoot, 0)
	if !loaded.Space.Contains(threadAddr) {
		t.Fatalf("thread address %#x outside the reloaded image", threadAddr)
	}
	chunkAddr := loaded.Space.Pointer(threadAddr, 0)
	if !loaded.Space.Contains(chunkAddr) {
		t.Fatalf("chunk address %#x outside the reloaded image", chunkAddr)
	}

	lastFP := loaded.Space.Pointer(chunkAddr, gc.ChunkLastFPIdx)
	if !loaded.Space.Contains(lastFP) {
		t.Fatalf("last_fp %#x does not resolve inside the reloaded chunk's space", lastFP)
	}

	returnFP := loaded.Space.Pointer(lastFP, gc.FrameReturnFPIdx)
	if !loaded.Space.Contains(returnFP) {
		t.Fatalf("return_fp %#x does not resolve inside the reloaded chunk's space", returnFP)
	}
	if returnFP == lastFP {
		t.Fatal("return_fp must point at the outer frame, not alias last_fp")
	}

	bytesAddr := loaded.Space.Pointer(returnFP, gc.FrameParamBase)
	if !loaded.Space.Contains(bytesAddr) {
		t.Fatalf("local0 %#x does not resolve inside the reloaded image", bytesAddr)
	}
	for i, want := range []byte{1, 2, 3, 4} {
		if got := loaded.Space.Byte(bytesAddr, i); got != want {
			t.Fatalf("payload byte %d = %d, want %d", i, got, want)
		}
	}
}
