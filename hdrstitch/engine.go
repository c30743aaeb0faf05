package hdrstitch

import (
	"sync"
	"time"

	"github.com/edgecam/medialib/bufpool"
	"github.com/edgecam/medialib/infer"
	"github.com/edgecam/medialib/internal/errs"
	"github.com/edgecam/medialib/internal/logging"
	"github.com/edgecam/medialib/internal/metrics"
	"github.com/edgecam/medialib/isp"
	"github.com/edgecam/medialib/queue"
)

// Observer is how a completed stitch cycle's results reach the rest of the
// pipeline: the fused frame goes to OnStitched, and each exposure's raw
// frame — no longer needed by the fusion model — is handed back via
// RequeueRaw so the raw-capture device can reuse its buffer.
type Observer interface {
	OnStitched(frame *bufpool.Frame)
	RequeueRaw(exposureIndex int, frame *bufpool.Frame)
}

type stitchSubmission struct {
	ctx       *StitchContext
	ownOutput *bufpool.Frame
}

// Engine is the HDR fusion engine: one inference submission per stitch
// cycle, pooled StitchContexts bounding how many cycles run concurrently,
// and a one-shot warning the first time any exposure's gain gets clipped.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	observer Observer
	controls *isp.Controls

	outputPool  *bufpool.Pool
	alloc       bufpool.Allocator
	contextPool *queue.Queue[*StitchContext]

	binding *infer.Engine

	clipWarnOnce func(string, ...any)

	stageMetrics *metrics.Stage
	log          *logging.Logger
}

// New constructs a disabled Engine. controls is the sensor's named control
// set, used to clear the HDR-forward-timestamp control when Configure
// disables or reconfigures an enabled engine.
func New(name string, provider infer.ModelProvider, alloc bufpool.Allocator, controls *isp.Controls, observer Observer, registry *metrics.Registry) *Engine {
	if registry == nil {
		registry = metrics.NewRegistry(nil)
	}
	e := &Engine{
		alloc:        alloc,
		controls:     controls,
		observer:     observer,
		stageMetrics: registry.Stage(name),
		log:          logging.Default().Named("hdrstitch").Named(name),
	}
	e.binding = infer.New(provider, e.onInferFinish)
	e.resetClipWarning()
	return e
}

func (e *Engine) resetClipWarning() {
	e.clipWarnOnce = e.log.Once()
}

// IsEnabled reports whether the stitcher is currently configured and
// running.
func (e *Engine) IsEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Enabled
}

// Configure applies cfg (see denoise.Engine.Configure's same idempotence and
// single-writer-lock rationale; there is no read-only path here either).
func (e *Engine) Configure(cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cfg.Equal(e.cfg) {
		return nil
	}

	wasEnabled := e.cfg.Enabled
	if wasEnabled {
		e.disableLocked()
	}

	e.cfg = cfg
	if !cfg.Enabled {
		return nil
	}
	if err := e.enableLocked(); err != nil {
		e.cfg.Enabled = false
		return err
	}
	return nil
}

func (e *Engine) enableLocked() error {
	e.outputPool = bufpool.NewPool("hdr-output", e.cfg.InputWidth, e.cfg.InputHeight, bufpool.FormatGray16, e.cfg.OutputPoolCapacity, bufpool.MemDMABuf, e.alloc)
	if err := e.outputPool.Init(); err != nil {
		return errs.Wrap("hdrstitch.Configure", errs.BufferAllocation, err)
	}

	n := int(e.cfg.ContextPoolCapacity)
	if n <= 0 {
		n = 1
	}
	e.contextPool = queue.New[*StitchContext](n, queue.PolicyBlocking,
		queue.WithRelease(func(c *StitchContext) {
			if c != nil {
				c.reset()
			}
		}))
	for i := 0; i < n; i++ {
		e.contextPool.Push(newStitchContext(e.cfg.Mode.exposureCount()))
	}

	inputOrders := map[string]infer.FormatOrder{"exposures": infer.FormatNHCW, "gains": infer.FormatNC}
	outputOrders := map[string]infer.FormatOrder{"stitched": infer.FormatNHCW}
	if _, err := e.binding.SetConfig(e.cfg.ModelPath, e.cfg.DeviceGroupID, e.cfg.SchedulerThreshold, e.cfg.SchedulerTimeout, e.cfg.BatchSize, inputOrders, outputOrders); err != nil {
		return err
	}
	e.resetClipWarning()
	return nil
}

func (e *Engine) disableLocked() {
	if err := e.controls.SetHDRForwardTimestamp(0); err != nil {
		e.log.Warn("failed clearing HDR-forward-timestamp control on stop", "err", err)
	}
	if e.outputPool != nil {
		e.outputPool.WaitForUsedBuffers(500 * time.Millisecond)
		e.outputPool.Free(false)
		e.outputPool = nil
	}
	if e.contextPool != nil {
		e.contextPool.Close()
		e.contextPool = nil
	}
}

// AcquireContext returns a pooled StitchContext ready to be filled with this
// cycle's exposures, blocking if every context is still in flight.
func (e *Engine) AcquireContext() (*StitchContext, error) {
	e.mu.Lock()
	pool := e.contextPool
	e.mu.Unlock()
	if pool == nil {
		return nil, errs.New("hdrstitch.AcquireContext", errs.Uninitialized, "engine not enabled")
	}
	ctx, ok := pool.Pop()
	if !ok {
		return nil, errs.New("hdrstitch.AcquireContext", errs.Pipeline, "context pool closed")
	}
	return ctx, nil
}

// SubmitCycle runs one stitch cycle: clamp the per-exposure gains (warning
// once if clipping occurred), acquire an output frame, and submit the fusion
// inference job. ctx must be fully populated (every Raws entry set).
func (e *Engine) SubmitCycle(ctx *StitchContext) error {
	e.mu.Lock()
	if !e.cfg.Enabled {
		e.mu.Unlock()
		return errs.New("hdrstitch.SubmitCycle", errs.Uninitialized, "engine not enabled")
	}
	pool := e.outputPool
	modelPath := e.cfg.ModelPath
	e.mu.Unlock()

	clamped, didClip := clampGains(ctx.Gains.DGGain)
	if didClip {
		e.clipWarnOnce("HDR digital gain clipped to sensor ceiling", "ceiling", maxGainValue)
	}
	ctx.Gains.DGGain = clamped

	output, err := pool.Acquire()
	if err != nil {
		e.stageMetrics.RecordDrop()
		e.returnContext(ctx)
		return errs.Wrap("hdrstitch.SubmitCycle", errs.BufferAllocation, err)
	}

	bindings := &infer.BindingSet{Outputs: []infer.Binding{
		{Frame: output, PlaneIndex: 0, TensorName: "stitched", Format: infer.FormatNHCW},
	}}
	for i, raw := range ctx.Raws {
		bindings.Inputs = append(bindings.Inputs, infer.Binding{Frame: raw, PlaneIndex: 0, TensorName: exposureTensorName(i), Format: infer.FormatNHCW})
	}
	for range ctx.Gains.DGGain {
		bindings.GainInputs = append(bindings.GainInputs, infer.Binding{TensorName: "gains", Format: infer.FormatNC})
	}
	bindings.UserData = &stitchSubmission{ctx: ctx, ownOutput: output}

	if err := e.binding.Process(modelPath, bindings); err != nil {
		output.Release()
		e.returnContext(ctx)
		e.stageMetrics.RecordDrop()
		e.log.Warn("stitch submission failed", "err", err)
		return nil
	}
	return nil
}

func exposureTensorName(i int) string {
	switch i {
	case 0:
		return "exposure_short"
	case 1:
		return "exposure_mid"
	default:
		return "exposure_long"
	}
}

func (e *Engine) returnContext(ctx *StitchContext) {
	ctx.reset()
	e.mu.Lock()
	pool := e.contextPool
	e.mu.Unlock()
	if pool != nil {
		pool.Push(ctx)
	}
}

func (e *Engine) onInferFinish(bs *infer.BindingSet, err error) {
	s := bs.UserData.(*stitchSubmission)
	if err != nil {
		e.log.Warn("runtime reported stitch failure, still delivering", "err", err)
	}
	e.stageMetrics.RecordOut(time.Since(bs.SubmittedAt))

	if e.observer != nil {
		for i, raw := range s.ctx.Raws {
			if raw == nil {
				continue
			}
			s.ctx.Raws[i] = nil
			e.observer.RequeueRaw(i, raw)
		}
		e.observer.OnStitched(s.ownOutput)
	} else {
		s.ctx.reset()
		s.ownOutput.Release()
	}
	e.returnContext(s.ctx)
}
