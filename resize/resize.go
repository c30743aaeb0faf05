// Package resize implements the multi-output resize stage: one NV12 input
// fanned into N NV12 outputs, each with its own resolution and framerate,
// negotiating caps with its subscribers before steady state and thinning
// emission on outputs whose configured framerate is lower than the source.
package resize

import (
	"sync"

	"github.com/edgecam/medialib/bufpool"
	"github.com/edgecam/medialib/internal/logging"
	"github.com/edgecam/medialib/internal/metrics"
	"github.com/edgecam/medialib/queue"
	"github.com/edgecam/medialib/stage"
)

// Caps describes one output's negotiated geometry and framerate.
type Caps struct {
	Width, Height uint32
	Format        bufpool.PixelFormat
	FPS           uint32
}

// CapabilityNegotiator is implemented by a subscriber that can accept,
// clamp, or reject a proposed output Caps before steady state — the
// pre-flight query Configure runs for each multi-resize output. Dewarp's
// output does not negotiate caps.
// A subscriber without opinions on caps need not implement it; Configure
// treats a missing negotiator as unconditional acceptance of Requested.
type CapabilityNegotiator interface {
	NegotiateCaps(proposed Caps) (Caps, error)
}

// Kernel is the opaque crop-and-resize DSP primitive.
type Kernel interface {
	Resize(input *bufpool.Frame, output *bufpool.Frame) error
}

// OutputSpec configures one of the stage's fan-out legs.
type OutputSpec struct {
	Name         string
	Requested    Caps
	Negotiator   CapabilityNegotiator
	PoolCapacity int
}

// Config is the full set of outputs the stage fans the input into.
type Config struct {
	SourceFPS uint32
	Outputs   []OutputSpec
}

type output struct {
	spec OutputSpec
	caps Caps
	pool *bufpool.Pool

	// emitEvery/counter implement framerate thinning: emit once every
	// emitEvery source frames, skipping the rest, when the negotiated FPS
	// is lower than the source's.
	emitEvery int
	counter   int
}

// Engine is the multi-resize stage's Processor.
type Engine struct {
	mu      sync.Mutex
	kernel  Kernel
	alloc   bufpool.Allocator
	outputs []*output

	stageRef *stage.Stage
	metrics  *metrics.Stage
	log      *logging.Logger
}

// New constructs a disabled (no outputs configured) Engine.
func New(name string, kernel Kernel, alloc bufpool.Allocator, registry *metrics.Registry) *Engine {
	if registry == nil {
		registry = metrics.NewRegistry(nil)
	}
	return &Engine{
		kernel:  kernel,
		alloc:   alloc,
		metrics: registry.Stage(name),
		log:     logging.Default().Named("resize").Named(name),
	}
}

// Configure negotiates every output's caps and (re)allocates its pool.
// Negotiation failure for one output drops that output rather than failing
// the whole reconfiguration, since the remaining legs are still usable.
func (e *Engine) Configure(cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, o := range e.outputs {
		if o.pool != nil {
			o.pool.Free(false)
		}
	}
	e.outputs = nil

	for _, spec := range cfg.Outputs {
		caps := spec.Requested
		if spec.Negotiator != nil {
			negotiated, err := spec.Negotiator.NegotiateCaps(spec.Requested)
			if err != nil {
				e.log.Warn("output caps rejected by subscriber, dropping output", "output", spec.Name, "err", err)
				continue
			}
			caps = negotiated
		}

		n := spec.PoolCapacity
		if n <= 0 {
			n = 2
		}
		pool := bufpool.NewPool("resize-"+spec.Name, caps.Width, caps.Height, caps.Format, uint32(n), bufpool.MemDMABuf, e.alloc)
		if err := pool.Init(); err != nil {
			e.log.Warn("output pool allocation failed, dropping output", "output", spec.Name, "err", err)
			continue
		}

		emitEvery := 1
		if cfg.SourceFPS > 0 && caps.FPS > 0 && caps.FPS < cfg.SourceFPS {
			emitEvery = int(cfg.SourceFPS / caps.FPS)
			if emitEvery < 1 {
				emitEvery = 1
			}
		}

		e.outputs = append(e.outputs, &output{spec: spec, caps: caps, pool: pool, emitEvery: emitEvery})
	}
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
	for _, o := range e.outputs {
		if o.pool != nil {
			o.pool.Free(false)
		}
	}
	e.outputs = nil
	return nil
}

// Process resizes input into every configured output whose framerate
// thinning counter allows emission this cycle, sending each result to its
// named subscriber, then releases the shared input reference.
func (e *Engine) Process(input *bufpool.Frame, _ []*queue.Queue[*bufpool.Frame]) error {
	e.mu.Lock()
	outputs := append([]*output(nil), e.outputs...)
	e.mu.Unlock()

	for _, o := range outputs {
		o.counter++
		if o.counter < o.emitEvery {
			continue
		}
		o.counter = 0

		out, err := o.pool.Acquire()
		if err != nil {
			e.metrics.RecordDrop()
			e.log.Warn("output pool exhausted, skipping frame", "output", o.spec.Name, "err", err)
			continue
		}
		if err := e.kernel.Resize(input, out); err != nil {
			out.Release()
			e.metrics.RecordError()
			e.log.Warn("resize kernel failed", "output", o.spec.Name, "err", err)
			continue
		}
		e.stageRef.SendTo(o.spec.Name, out)
	}

	input.Release()
	return nil
}
