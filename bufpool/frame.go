package bufpool

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/edgecam/medialib/internal/errs"
)

// Plane is one DMA-backed (or CMA) memory region belonging to a Frame.
type Plane struct {
	FD           int
	UserPtr      uintptr
	BytesPerLine uint32
	BytesUsed    uint32
	MemType      MemType

	refcount atomic.Int32
	bucket   *bucket // owner bucket; nil for a plane with no pool-backed storage
	slot     *slot
}

// RefCount returns the plane's current reference count.
func (p *Plane) RefCount() int32 { return p.refcount.Load() }

// Bytes views the plane's backing memory as a byte slice of length
// BytesUsed, for callers copying into or out of a CMA-backed plane (e.g. an
// mmap-based capture source with no DMA-FD export). The slice is valid only
// as long as the plane's refcount keeps it alive; callers must not retain it
// past a Release.
func (p *Plane) Bytes() []byte {
	if p.UserPtr == 0 || p.BytesUsed == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p.UserPtr)), int(p.BytesUsed))
}

// Frame is a reference-counted handle onto one or more Planes plus a
// metadata bag. See package doc for the ownership discipline.
type Frame struct {
	Width  uint32
	Height uint32
	Format PixelFormat
	Planes []*Plane

	ISPTimestampNs int64
	ISPAE          AEInfo

	// BufferIndex is a pool-stamped counter (mod pool capacity) used for
	// tracing; zero for frames not built by a Pool.
	BufferIndex uint32

	meta *MetadataBag
	mu   sync.Mutex

	pool *Pool    // weak: set when the frame's planes came from a Pool
	free FreeFunc // set for zero-copy wrapper frames (e.g. a V4L2 buffer)
	freeArg any

	destroyed bool
}

// Meta returns the frame's metadata bag, creating it on first access.
func (f *Frame) Meta() *MetadataBag {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.meta == nil {
		f.meta = newMetadataBag()
	}
	return f.meta
}

// newFrame constructs a frame with every plane's refcount initialized to 1,
// matching acquisition semantics: the acquirer holds the first reference.
func newFrame(width, height uint32, format PixelFormat, planes []*Plane) *Frame {
	f := &Frame{Width: width, Height: height, Format: format, Planes: planes}
	for _, p := range planes {
		p.refcount.Store(1)
	}
	return f
}

// WrapExternal builds a Frame over externally-owned memory (e.g. a V4L2
// capture buffer) with a free callback invoked on the final decrement
// instead of returning storage to a Pool: a zero-copy wrapper for buffers
// the pool doesn't own.
func WrapExternal(width, height uint32, format PixelFormat, planes []*Plane, free FreeFunc, freeArg any) *Frame {
	f := newFrame(width, height, format, planes)
	f.free = free
	f.freeArg = freeArg
	return f
}

// AddRef increments every plane's refcount by one. A stage that needs to
// retain a frame past its process() return must call this before storing
// the reference.
func (f *Frame) AddRef() {
	for _, p := range f.Planes {
		p.refcount.Add(1)
	}
}

// AddRefPlane increments a single plane's refcount.
func (f *Frame) AddRefPlane(i int) {
	if i < 0 || i >= len(f.Planes) {
		return
	}
	f.Planes[i].refcount.Add(1)
}

// Release decrements every plane's refcount. When a plane's count reaches
// zero its storage returns to its owning bucket (or, for a zero-copy
// wrapper, the free callback is invoked once every plane has reached zero).
func (f *Frame) Release() error {
	var firstErr error
	for i := range f.Planes {
		if err := f.ReleasePlane(i); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReleasePlane decrements a single plane's refcount, releasing its storage
// to the owning bucket if it reaches zero.
func (f *Frame) ReleasePlane(i int) error {
	if i < 0 || i >= len(f.Planes) {
		return errs.New("frame.ReleasePlane", errs.InvalidArgument, "plane index out of range")
	}
	p := f.Planes[i]
	remaining := p.refcount.Add(-1)
	if remaining < 0 {
		p.refcount.Store(0)
		return errs.New("frame.ReleasePlane", errs.InvalidArgument, "plane released more times than referenced")
	}
	if remaining > 0 {
		return nil
	}
	if p.bucket != nil && p.slot != nil {
		p.bucket.release(p.slot)
	}
	f.maybeDestroy()
	return nil
}

// Destroyed reports whether every plane has reached a zero refcount.
func (f *Frame) Destroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

func (f *Frame) maybeDestroy() {
	for _, p := range f.Planes {
		if p.refcount.Load() != 0 {
			return
		}
	}
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return
	}
	f.destroyed = true
	meta := f.meta
	f.meta = nil
	f.mu.Unlock()

	if meta != nil {
		meta.close()
	}
	if f.free != nil {
		f.free(f.freeArg)
	}
}
