package bufpool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgecam/medialib/internal/errs"
	"github.com/edgecam/medialib/internal/logging"
)

// Allocator allocates and frees one DMA-backed (or CMA) region. It abstracts
// the platform DMA-heap path so bufpool stays free of a concrete heap
// implementation; dmaheap.Heap implements it over /dev/dma_heap.
type Allocator interface {
	Alloc(size uint32, memType MemType) (fd int, userPtr uintptr, err error)
	Free(fd int, userPtr uintptr)
}

// Pool is a bucketed DMA buffer allocator: one bucket per plane-kind a
// PixelFormat requires (NV12 gets "y" and "uv"; everything else gets
// "mono"). All buffers are allocated up front by Init; Acquire never blocks.
type Pool struct {
	Name string

	shapeMu sync.RWMutex // guards width/height/format/buckets during Reshape
	width   uint32
	height  uint32
	format  PixelFormat

	capacity uint32
	memType  MemType
	alloc    Allocator

	buckets    map[string]*bucket
	bucketKeys []string

	counter atomic.Uint32
	log     *logging.Logger
}

// NewPool constructs a Pool. Call Init before Acquire.
func NewPool(name string, width, height uint32, format PixelFormat, capacity uint32, memType MemType, alloc Allocator) *Pool {
	return &Pool{
		Name:     name,
		width:    width,
		height:   height,
		format:   format,
		capacity: capacity,
		memType:  memType,
		alloc:    alloc,
		log:      logging.Default().Named("bufpool").Named(name),
	}
}

// planeBytesPerLine returns the stride for one row of the given plane-kind.
func planeBytesPerLine(width uint32, format PixelFormat, kind string) uint32 {
	switch format {
	case FormatRGB:
		return width * 3
	case FormatGray16, FormatBayerHDM: // every BayerHDM plane is Gray16-strided
		return width * 2
	case FormatGray12Packed:
		return (width * 3) / 2
	case FormatGainScalar:
		return planeByteSize(width, 1, format, kind)
	default: // FormatNV12 (both "y" and "uv" share Y's stride), FormatGray8
		return width
	}
}

func planeByteSize(width, height uint32, format PixelFormat, kind string) uint32 {
	if format == FormatGainScalar {
		if kind == "dgain" {
			return GainScalarDGainBytes
		}
		return GainScalarBLSBytes
	}
	stride := planeBytesPerLine(width, format, kind)
	if format == FormatNV12 && kind == "uv" {
		return stride * (height / 2)
	}
	return stride * height
}

// Init pre-allocates every bucket's buffers up front.
func (p *Pool) Init() error {
	p.shapeMu.Lock()
	defer p.shapeMu.Unlock()

	kinds := planeKinds(p.format)
	buckets := make(map[string]*bucket, len(kinds))
	keys := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		size := planeByteSize(p.width, p.height, p.format, kind)
		b := newBucket(kind, size, p.capacity, p.memType, p.allocFn, p.freeFn)
		if err := b.init(); err != nil {
			// roll back buckets already allocated
			for _, ob := range buckets {
				_ = ob.free(false)
			}
			return errs.Wrap("pool.Init", errs.BufferAllocation, err)
		}
		buckets[kind] = b
		keys = append(keys, kind)
	}
	p.buckets = buckets
	p.bucketKeys = keys
	return nil
}

func (p *Pool) allocFn(size uint32, memType MemType, _ uint32) (int, uintptr, error) {
	return p.alloc.Alloc(size, memType)
}

func (p *Pool) freeFn(fd int, userPtr uintptr) {
	p.alloc.Free(fd, userPtr)
}

// Acquire constructs a Frame with one plane per bucket, acquired atomically
// from the pool's point of view: for multi-plane formats (NV12), if a later
// plane's bucket is exhausted, the earlier acquisitions are released before
// returning BUFFER_ALLOCATION_ERROR.
func (p *Pool) Acquire() (*Frame, error) {
	p.shapeMu.RLock()
	defer p.shapeMu.RUnlock()

	if p.buckets == nil {
		return nil, errs.New("pool.Acquire", errs.Uninitialized, "pool \""+p.Name+"\" not initialized")
	}

	planes := make([]*Plane, 0, len(p.bucketKeys))
	for _, kind := range p.bucketKeys {
		b := p.buckets[kind]
		s, err := b.acquire()
		if err != nil {
			// roll back everything already acquired for this frame
			for j, acquired := range planes {
				acquired.bucket.release(acquired.slot)
				planes[j] = nil
			}
			p.log.Warn("acquire failed, bucket exhausted", "bucket", kind)
			return nil, errs.Wrap("pool.Acquire", errs.BufferAllocation, err)
		}
		planes = append(planes, &Plane{
			FD:           s.fd,
			UserPtr:      s.userPtr,
			BytesPerLine: planeBytesPerLine(p.width, p.format, kind),
			BytesUsed:    planeByteSize(p.width, p.height, p.format, kind),
			MemType:      p.memType,
			bucket:       b,
			slot:         s,
		})
	}

	f := newFrame(p.width, p.height, p.format, planes)
	f.pool = p
	f.BufferIndex = p.counter.Add(1) % max1(p.capacity)
	return f, nil
}

func max1(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	return v
}

// ReleasePlane releases a single plane of a frame previously acquired from
// this pool.
func (p *Pool) ReleasePlane(f *Frame, i int) error {
	return f.ReleasePlane(i)
}

// ReleaseBuffer releases every plane of a frame previously acquired from
// this pool.
func (p *Pool) ReleaseBuffer(f *Frame) error {
	return f.Release()
}

// WaitForUsedBuffers blocks until every bucket's used set has drained, or
// returns an error once timeout elapses.
func (p *Pool) WaitForUsedBuffers(timeout time.Duration) error {
	p.shapeMu.RLock()
	buckets := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.shapeMu.RUnlock()

	deadline := time.Now().Add(timeout)
	for _, b := range buckets {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if err := b.waitForDrain(remaining); err != nil {
			return err
		}
	}
	return nil
}

// Used returns the total number of in-use slots across every bucket.
func (p *Pool) Used() int {
	p.shapeMu.RLock()
	defer p.shapeMu.RUnlock()
	total := 0
	for _, b := range p.buckets {
		total += b.usedCount()
	}
	return total
}

// Capacity returns the configured per-bucket capacity.
func (p *Pool) Capacity() uint32 { return p.capacity }

// Shape returns the pool's current width, height and format.
func (p *Pool) Shape() (width, height uint32, format PixelFormat) {
	p.shapeMu.RLock()
	defer p.shapeMu.RUnlock()
	return p.width, p.height, p.format
}

// Free deallocates every bucket. If failIfUsed is true and any bucket still
// has in-use buffers, Free aborts without freeing anything.
func (p *Pool) Free(failIfUsed bool) error {
	p.shapeMu.Lock()
	defer p.shapeMu.Unlock()
	if p.buckets == nil {
		return nil
	}
	for _, kind := range p.bucketKeys {
		if err := p.buckets[kind].free(failIfUsed); err != nil {
			return errs.Wrap("pool.Free", errs.Pipeline, err)
		}
	}
	p.buckets = nil
	p.bucketKeys = nil
	return nil
}

// Reshape reallocates the pool for a new width/height, e.g. after an HDR
// DOL switch or sensor mode change alters the ISP's output resolution. All
// buckets must be free of in-use buffers or Reshape fails.
func (p *Pool) Reshape(width, height uint32) error {
	if err := p.Free(true); err != nil {
		return errs.Wrap("pool.Reshape", errs.Pipeline, err)
	}
	p.shapeMu.Lock()
	p.width = width
	p.height = height
	p.shapeMu.Unlock()
	return p.Init()
}
