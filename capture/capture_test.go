package capture

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/edgecam/medialib/bufpool"
)

// memAllocator backs every allocation with real Go memory so Plane.Bytes()
// has something to copy into, unlike the zero-userPtr fakes the rest of the
// module uses for pool bookkeeping tests. Allocated slices are pinned in
// live so the garbage collector never reclaims memory a Plane still points
// at.
type memAllocator struct {
	mu   sync.Mutex
	next int
	live map[int][]byte
}

func newMemAllocator() *memAllocator {
	return &memAllocator{live: make(map[int][]byte)}
}

func (a *memAllocator) Alloc(size uint32, _ bufpool.MemType) (int, uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	buf := make([]byte, size)
	a.live[a.next] = buf
	return a.next, uintptr(unsafe.Pointer(&buf[0])), nil
}

func (a *memAllocator) Free(fd int, _ uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.live, fd)
}

func newTestPool(t *testing.T, width, height uint32) *bufpool.Pool {
	t.Helper()
	p := bufpool.NewPool("capture-test", width, height, bufpool.FormatGray8, 2, bufpool.MemCMA, newMemAllocator())
	require.NoError(t, p.Init())
	return p
}

type fakeDevice struct {
	out chan []byte
}

func newFakeDevice() *fakeDevice { return &fakeDevice{out: make(chan []byte, 4)} }

func (d *fakeDevice) GetOutput() <-chan []byte { return d.out }

func TestRawSourceCopiesIntoPooledFrame(t *testing.T) {
	pool := newTestPool(t, 4, 2) // 8 bytes, one "mono" plane
	dev := newFakeDevice()
	src := NewRawSource(dev, pool)

	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	dev.out <- want

	f, err := src.DequeueRaw()
	require.NoError(t, err)
	require.Len(t, f.Planes, 1)
	require.Equal(t, want, f.Planes[0].Bytes())
}

func TestRawSourceRejectsOversizedFrame(t *testing.T) {
	pool := newTestPool(t, 2, 2) // 4 bytes
	dev := newFakeDevice()
	src := NewRawSource(dev, pool)

	dev.out <- make([]byte, 16)

	_, err := src.DequeueRaw()
	require.Error(t, err)
}

func TestMultiRawSourceRoutesByExposureIndex(t *testing.T) {
	pool := newTestPool(t, 2, 2)
	short := newFakeDevice()
	long := newFakeDevice()
	src := NewMultiRawSource([]device{short, long}, pool)

	short.out <- []byte{0xAA, 0xAA, 0xAA, 0xAA}
	long.out <- []byte{0xBB, 0xBB, 0xBB, 0xBB}

	f0, err := src.DequeueExposure(0)
	require.NoError(t, err)
	require.Equal(t, byte(0xAA), f0.Planes[0].Bytes()[0])

	f1, err := src.DequeueExposure(1)
	require.NoError(t, err)
	require.Equal(t, byte(0xBB), f1.Planes[0].Bytes()[0])
}

func TestMultiRawSourceRejectsOutOfRangeIndex(t *testing.T) {
	pool := newTestPool(t, 2, 2)
	src := NewMultiRawSource([]device{newFakeDevice()}, pool)

	_, err := src.DequeueExposure(3)
	if err == nil {
		t.Fatal("expected error for out-of-range exposure index")
	}
}

type fakeInjectable struct {
	ch <-chan []byte
}

func (d *fakeInjectable) SetInput(in <-chan []byte) { d.ch = in }

func TestInjectorForwardsPlaneBytesOnChannel(t *testing.T) {
	pool := newTestPool(t, 4, 2)
	dev := &fakeInjectable{}
	inj := NewInjector(dev, 1)

	f, err := pool.Acquire()
	require.NoError(t, err)
	copy(f.Planes[0].Bytes(), []byte{9, 9, 9, 9, 9, 9, 9, 9})

	require.NoError(t, inj.InjectDenoised(f))

	got := <-dev.ch
	require.Equal(t, []byte{9, 9, 9, 9, 9, 9, 9, 9}, got)
}

func TestInjectorDropsWhenChannelFull(t *testing.T) {
	pool := newTestPool(t, 2, 2)
	dev := &fakeInjectable{}
	inj := NewInjector(dev, 1)

	f1, err := pool.Acquire()
	require.NoError(t, err)
	f2, err := pool.Acquire()
	require.NoError(t, err)

	require.NoError(t, inj.InjectStitched(f1))
	err = inj.InjectStitched(f2)
	require.Error(t, err)
}
