// Package capture bridges the copy-based, mmap-backed device package onto
// the pooled, reference-counted bufpool.Frame model the pipeline runs on.
// It is the CMA-copy path: a real DMA-FD capture source would wrap V4L2
// export buffers directly with bufpool.WrapExternal and never copy, but this
// module's only in-tree capture implementation is device.Device's
// memory-mapped I/O, which hands back plain []byte slices with no FD to
// export. RawSource/MultiRawSource absorb that one copy per frame so
// denoise and hdrstitch see the same Frame/Plane contract either way.
package capture

import (
	"fmt"

	"github.com/edgecam/medialib/bufpool"
	"github.com/edgecam/medialib/denoise"
	"github.com/edgecam/medialib/hdrstitch"
	"github.com/edgecam/medialib/internal/errs"
)

// device is the subset of *device.Device a RawSource needs. Declared
// locally so this package's tests can fake it without opening a real V4L2
// node.
type device interface {
	GetOutput() <-chan []byte
}

// RawSource dequeues frames from a single mmap capture device into frames
// acquired from pool, satisfying denoise.RawSource. Each call blocks until
// the device delivers a frame or dev's output channel closes.
type RawSource struct {
	dev  device
	pool *bufpool.Pool
}

// NewRawSource binds a streaming device to the pool frames are copied into.
// pool must already be Init'd with a shape matching the device's negotiated
// pixel format.
func NewRawSource(dev device, pool *bufpool.Pool) *RawSource {
	return &RawSource{dev: dev, pool: pool}
}

// DequeueRaw implements denoise.RawSource.
func (s *RawSource) DequeueRaw() (*bufpool.Frame, error) {
	return dequeueInto(s.dev, s.pool)
}

var _ denoise.RawSource = (*RawSource)(nil)

// MultiRawSource dequeues one exposure per index from a fixed slice of
// devices, satisfying hdrstitch.RawSource. Exposure-to-device assignment is
// positional: devices[i] supplies exposure i, matching how a DOL sensor's
// short/mid/long lines typically surface as separate video nodes.
type MultiRawSource struct {
	devices []device
	pool    *bufpool.Pool
}

// NewMultiRawSource binds one device per exposure index to a shared output
// pool. len(devices) must match the hdrstitch topology's exposure count.
func NewMultiRawSource(devices []device, pool *bufpool.Pool) *MultiRawSource {
	return &MultiRawSource{devices: devices, pool: pool}
}

// DequeueExposure implements hdrstitch.RawSource.
func (s *MultiRawSource) DequeueExposure(index int) (*bufpool.Frame, error) {
	if index < 0 || index >= len(s.devices) {
		return nil, errs.New("capture.DequeueExposure", errs.InvalidArgument, fmt.Sprintf("exposure index %d out of range for %d devices", index, len(s.devices)))
	}
	return dequeueInto(s.devices[index], s.pool)
}

var _ hdrstitch.RawSource = (*MultiRawSource)(nil)

func dequeueInto(dev device, pool *bufpool.Pool) (*bufpool.Frame, error) {
	raw, ok := <-dev.GetOutput()
	if !ok {
		return nil, errs.New("capture.dequeue", errs.Pipeline, "device output channel closed")
	}
	f, err := pool.Acquire()
	if err != nil {
		return nil, err
	}
	if n := copyPlanes(f, raw); n < len(raw) {
		pool.ReleaseBuffer(f)
		return nil, errs.New("capture.dequeue", errs.InvalidArgument, fmt.Sprintf("captured frame (%d bytes) larger than pooled planes (%d bytes)", len(raw), n))
	}
	return f, nil
}

// copyPlanes copies raw into f's planes back-to-back in plane order and
// returns the total capacity consumed, so the caller can detect a
// short-on-capacity pool shape before handing a partially-filled frame
// downstream.
func copyPlanes(f *bufpool.Frame, raw []byte) int {
	off, total := 0, 0
	for _, p := range f.Planes {
		dst := p.Bytes()
		total += len(dst)
		if off >= len(raw) {
			continue
		}
		n := copy(dst, raw[off:])
		off += n
	}
	return total
}

// injectable is the subset of *device.Device an Injector writes frames
// back through. device.Device.SetInput is presently a placeholder in this
// module's device package, so Injector only adapts the seam denoise and
// hdrstitch expect; wiring it to a real V4L2 OUTPUT queue is future work
// against that placeholder, not against this package.
type injectable interface {
	SetInput(in <-chan []byte)
}

// Injector hands a denoised or stitched frame back to an ISP-input device
// by copying its planes into a single []byte and sending it on the channel
// installed via SetInput. It satisfies both denoise.ISPInjector and
// hdrstitch.ISPInjector, which differ only in method name. It does not
// release the frame it is handed; the caller keeps its reference.
type Injector struct {
	ch chan []byte
}

// NewInjector installs a buffered input channel on dev and returns the
// Injector that feeds it.
func NewInjector(dev injectable, depth int) *Injector {
	ch := make(chan []byte, depth)
	dev.SetInput(ch)
	return &Injector{ch: ch}
}

// InjectDenoised implements denoise.ISPInjector.
func (i *Injector) InjectDenoised(frame *bufpool.Frame) error {
	return i.inject(frame)
}

// InjectStitched implements hdrstitch.ISPInjector.
func (i *Injector) InjectStitched(frame *bufpool.Frame) error {
	return i.inject(frame)
}

func (i *Injector) inject(frame *bufpool.Frame) error {
	size := 0
	for _, p := range frame.Planes {
		size += len(p.Bytes())
	}
	buf := make([]byte, 0, size)
	for _, p := range frame.Planes {
		buf = append(buf, p.Bytes()...)
	}

	select {
	case i.ch <- buf:
		return nil
	default:
		return errs.New("capture.Inject", errs.Pipeline, "injection channel full, dropping frame")
	}
}

var (
	_ denoise.ISPInjector   = (*Injector)(nil)
	_ hdrstitch.ISPInjector = (*Injector)(nil)
)
