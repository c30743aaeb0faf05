package bufpool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeAllocator hands out monotonically increasing fake FDs without touching
// any real device, so pool/bucket/frame logic can be tested without dma-heap.
type fakeAllocator struct {
	mu   sync.Mutex
	next int
	live map[int]bool
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{live: make(map[int]bool)}
}

func (a *fakeAllocator) Alloc(size uint32, memType MemType) (int, uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	fd := a.next
	a.live[fd] = true
	return fd, 0, nil
}

func (a *fakeAllocator) Free(fd int, userPtr uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.live, fd)
}

func (a *fakeAllocator) liveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

func TestPoolAcquireReleaseNV12(t *testing.T) {
	alloc := newFakeAllocator()
	p := NewPool("test", 64, 32, FormatNV12, 4, MemDMABuf, alloc)
	if err := p.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Free(false)

	f, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(f.Planes) != 2 {
		t.Fatalf("expected 2 planes (y, uv) for NV12, got %d", len(f.Planes))
	}
	if f.Planes[0].BytesPerLine != 64 {
		t.Errorf("y plane BytesPerLine = %d, want 64", f.Planes[0].BytesPerLine)
	}
	if f.Planes[0].BytesUsed != 64*32 {
		t.Errorf("y plane BytesUsed = %d, want %d", f.Planes[0].BytesUsed, 64*32)
	}
	if f.Planes[1].BytesUsed != 64*16 {
		t.Errorf("uv plane BytesUsed = %d, want %d", f.Planes[1].BytesUsed, 64*16)
	}
	if p.Used() != 2 {
		t.Fatalf("pool Used() = %d, want 2 (one slot per plane kind)", p.Used())
	}

	if err := f.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !f.Destroyed() {
		t.Error("frame should be destroyed once every plane reaches refcount 0")
	}
	if p.Used() != 0 {
		t.Errorf("pool Used() after release = %d, want 0", p.Used())
	}
}

func TestPoolAcquireReleaseBayerHDM(t *testing.T) {
	alloc := newFakeAllocator()
	p := NewPool("test", 64, 32, FormatBayerHDM, 2, MemDMABuf, alloc)
	if err := p.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Free(false)

	f, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(f.Planes) != 3 {
		t.Fatalf("expected 3 planes (bayer, fusion, gamma) for BayerHDM, got %d", len(f.Planes))
	}
	for i, p := range f.Planes {
		if p.BytesPerLine != 64*2 {
			t.Errorf("plane %d BytesPerLine = %d, want %d", i, p.BytesPerLine, 64*2)
		}
		if p.BytesUsed != 64*2*32 {
			t.Errorf("plane %d BytesUsed = %d, want %d", i, p.BytesUsed, 64*2*32)
		}
	}
}

func TestPoolAcquireReleaseGainScalar(t *testing.T) {
	alloc := newFakeAllocator()
	p := NewPool("test", 0, 0, FormatGainScalar, 2, MemDMABuf, alloc)
	if err := p.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Free(false)

	f, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(f.Planes) != 2 {
		t.Fatalf("expected 2 planes (dgain, bls) for GainScalar, got %d", len(f.Planes))
	}
	if f.Planes[0].BytesUsed != GainScalarDGainBytes {
		t.Errorf("dgain plane BytesUsed = %d, want %d", f.Planes[0].BytesUsed, GainScalarDGainBytes)
	}
	if f.Planes[1].BytesUsed != GainScalarBLSBytes {
		t.Errorf("bls plane BytesUsed = %d, want %d", f.Planes[1].BytesUsed, GainScalarBLSBytes)
	}
}

func TestPoolAcquireExhaustion(t *testing.T) {
	alloc := newFakeAllocator()
	p := NewPool("test", 16, 16, FormatGray8, 2, MemDMABuf, alloc)
	if err := p.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Free(false)

	f1, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	f2, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if _, err := p.Acquire(); err == nil {
		t.Fatal("expected BufferAllocation error on exhausted pool")
	}

	f1.Release()
	f3, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire after release should succeed: %v", err)
	}
	f2.Release()
	f3.Release()
}

func TestFrameRefCountAndAddRef(t *testing.T) {
	alloc := newFakeAllocator()
	p := NewPool("test", 16, 16, FormatGray8, 1, MemDMABuf, alloc)
	require.NoError(t, p.Init())
	defer p.Free(false)

	f, err := p.Acquire()
	require.NoError(t, err)
	f.AddRef()
	require.Equal(t, int32(2), f.Planes[0].RefCount(), "refcount after AddRef")

	require.NoError(t, f.Release())
	require.False(t, f.Destroyed(), "frame destroyed too early: one reference still outstanding")

	require.NoError(t, f.Release())
	require.True(t, f.Destroyed(), "frame should be destroyed after matching second Release")
}

func TestFrameOverReleaseIsError(t *testing.T) {
	alloc := newFakeAllocator()
	p := NewPool("test", 16, 16, FormatGray8, 1, MemDMABuf, alloc)
	p.Init()
	defer p.Free(false)

	f, _ := p.Acquire()
	f.Release()
	if err := f.Release(); err == nil {
		t.Fatal("expected error releasing an already-destroyed frame's plane")
	}
}

func TestWaitForUsedBuffersTimesOut(t *testing.T) {
	alloc := newFakeAllocator()
	p := NewPool("test", 16, 16, FormatGray8, 1, MemDMABuf, alloc)
	p.Init()
	defer p.Free(false)

	f, _ := p.Acquire()
	defer f.Release()

	start := time.Now()
	err := p.WaitForUsedBuffers(30 * time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error while a buffer remains in use")
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("returned too early: %v", elapsed)
	}
}

func TestWaitForUsedBuffersWokenByRelease(t *testing.T) {
	alloc := newFakeAllocator()
	p := NewPool("test", 16, 16, FormatGray8, 1, MemDMABuf, alloc)
	p.Init()
	defer p.Free(false)

	f, _ := p.Acquire()
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Release()
	}()

	if err := p.WaitForUsedBuffers(time.Second); err != nil {
		t.Fatalf("WaitForUsedBuffers: %v", err)
	}
}

func TestMetadataBagParentFrameExtendsLifetime(t *testing.T) {
	alloc := newFakeAllocator()
	p := NewPool("test", 16, 16, FormatGray8, 2, MemDMABuf, alloc)
	p.Init()
	defer p.Free(false)

	parent, _ := p.Acquire()
	child, _ := p.Acquire()

	child.Meta().SetParentFrame("source", parent)

	require.NoError(t, parent.Release())
	require.False(t, parent.Destroyed(), "parent must stay alive while a child references it via metadata")

	require.NoError(t, child.Release())
	require.True(t, parent.Destroyed(), "parent should be destroyed once the child bag releases its link")
}

func TestPoolReshape(t *testing.T) {
	alloc := newFakeAllocator()
	p := NewPool("test", 32, 32, FormatGray8, 2, MemDMABuf, alloc)
	if err := p.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Free(false)

	if err := p.Reshape(64, 48); err != nil {
		t.Fatalf("Reshape: %v", err)
	}
	w, h, _ := p.Shape()
	if w != 64 || h != 48 {
		t.Fatalf("shape after reshape = %dx%d, want 64x48", w, h)
	}

	f, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire after reshape: %v", err)
	}
	if f.Planes[0].BytesUsed != 64*48 {
		t.Errorf("plane size after reshape = %d, want %d", f.Planes[0].BytesUsed, 64*48)
	}
	f.Release()
}

func TestPoolReshapeFailsWithBuffersInUse(t *testing.T) {
	alloc := newFakeAllocator()
	p := NewPool("test", 32, 32, FormatGray8, 2, MemDMABuf, alloc)
	p.Init()
	defer p.Free(false)

	f, _ := p.Acquire()
	defer f.Release()

	if err := p.Reshape(64, 64); err == nil {
		t.Fatal("expected Reshape to fail while a buffer is still in use")
	}
}

func TestAllFdsFreedOnPoolFree(t *testing.T) {
	alloc := newFakeAllocator()
	p := NewPool("test", 16, 16, FormatNV12, 3, MemDMABuf, alloc)
	p.Init()
	if got := alloc.liveCount(); got != 6 {
		t.Fatalf("live fds after init = %d, want 6 (3 buffers * 2 planes)", got)
	}
	if err := p.Free(false); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if got := alloc.liveCount(); got != 0 {
		t.Errorf("live fds after Free = %d, want 0", got)
	}
}
