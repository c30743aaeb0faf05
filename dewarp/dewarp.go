// Package dewarp implements the fixed-function lens-correction stage: one
// NV12 frame in, one NV12 frame out, an optional per-frame video
// stabilization motion vector folded into the warp, and straight
// pass-through when disabled. The warp itself is an opaque DSP kernel —
// this package owns only the pipeline plumbing around it.
package dewarp

import (
	"sync"

	"github.com/edgecam/medialib/bufpool"
	"github.com/edgecam/medialib/internal/errs"
	"github.com/edgecam/medialib/internal/logging"
	"github.com/edgecam/medialib/internal/metrics"
	"github.com/edgecam/medialib/queue"
	"github.com/edgecam/medialib/stage"
)

// VSMVector is one frame's video stabilization motion estimate, emitted by
// the sensor subsystem out of band from the frame itself. Valid is false
// when no estimate was available for this frame's timestamp, in which case
// the kernel runs with zero motion compensation.
type VSMVector struct {
	DX, DY float32
	Valid  bool
}

// VSMSource supplies the motion vector to apply to the frame currently being
// processed. Implementations typically buffer the sensor subsystem's most
// recent sample and match it against the frame's ISP timestamp.
type VSMSource interface {
	VectorFor(ispTimestampNs uint64) VSMVector
}

// Kernel is the DSP (or CPU-fallback) warp primitive: given the input frame
// and motion vector, produce a corrected output frame sized width x height.
// The kernel owns neither frame's buffer lifetime beyond the call.
type Kernel interface {
	Warp(input *bufpool.Frame, vsm VSMVector, output *bufpool.Frame) error
}

// Config controls whether the stage warps or passes frames through
// unmodified, and the output pool's geometry.
type Config struct {
	Enabled      bool
	OutputWidth  uint32
	OutputHeight uint32
	PoolCapacity int
}

func (c Config) Equal(o Config) bool { return c == o }

// Engine is the dewarp stage's Processor: bypass when disabled, otherwise
// acquire an output frame, run the kernel, and forward.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	kernel Kernel
	vsm    VSMSource
	alloc  bufpool.Allocator

	outputPool *bufpool.Pool

	stageRef *stage.Stage
	metrics  *metrics.Stage
	log      *logging.Logger
}

// New constructs a disabled Engine. vsm may be nil, in which case every
// frame is warped with a zero, invalid vector.
func New(name string, kernel Kernel, vsm VSMSource, alloc bufpool.Allocator, registry *metrics.Registry) *Engine {
	if registry == nil {
		registry = metrics.NewRegistry(nil)
	}
	return &Engine{
		kernel:  kernel,
		vsm:     vsm,
		alloc:   alloc,
		metrics: registry.Stage(name),
		log:     logging.Default().Named("dewarp").Named(name),
	}
}

// Configure applies cfg, reallocating the output pool if enabled and the
// geometry changed.
func (e *Engine) Configure(cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cfg.Equal(e.cfg) {
		return nil
	}
	if e.outputPool != nil {
		e.outputPool.Free(false)
		e.outputPool = nil
	}
	e.cfg = cfg
	if !cfg.Enabled {
		return nil
	}

	n := cfg.PoolCapacity
	if n <= 0 {
		n = 2
	}
	pool := bufpool.NewPool("dewarp-output", cfg.OutputWidth, cfg.OutputHeight, bufpool.FormatNV12, uint32(n), bufpool.MemDMABuf, e.alloc)
	if err := pool.Init(); err != nil {
		return errs.Wrap("dewarp.Configure", errs.BufferAllocation, err)
	}
	e.outputPool = pool
	return nil
}

// Attach implements stage.Processor.
func (e *Engine) Attach(s *stage.Stage) { e.stageRef = s }

// Init implements stage.Processor.
func (e *Engine) Init() error { return nil }

// Deinit implements stage.Processor.
func (e *Engine) Deinit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outputPool != nil {
		e.outputPool.Free(false)
		e.outputPool = nil
	}
	return nil
}

// Process warps input and broadcasts the result, or passes input straight
// through unmodified when the stage is disabled.
func (e *Engine) Process(input *bufpool.Frame, _ []*queue.Queue[*bufpool.Frame]) error {
	e.mu.Lock()
	enabled := e.cfg.Enabled
	pool := e.outputPool
	e.mu.Unlock()

	if !enabled {
		e.stageRef.Broadcast(input)
		return nil
	}

	vsm := VSMVector{}
	if e.vsm != nil {
		vsm = e.vsm.VectorFor(uint64(input.ISPTimestampNs))
	}

	output, err := pool.Acquire()
	if err != nil {
		input.Release()
		e.metrics.RecordDrop()
		return errs.Wrap("dewarp.Process", errs.BufferAllocation, err)
	}

	if err := e.kernel.Warp(input, vsm, output); err != nil {
		input.Release()
		output.Release()
		e.metrics.RecordError()
		return errs.Wrap("dewarp.Process", errs.Pipeline, err)
	}

	input.Release()
	e.stageRef.Broadcast(output)
	return nil
}
