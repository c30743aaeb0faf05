package denoise

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/edgecam/medialib/bufpool"
	"github.com/edgecam/medialib/infer"
	"github.com/edgecam/medialib/internal/errs"
	"github.com/edgecam/medialib/internal/logging"
	"github.com/edgecam/medialib/internal/metrics"
	"github.com/edgecam/medialib/queue"
)

// Observer receives the engine's output frames and enable-state transitions.
// A post-ISP Engine's observer typically calls Stage.Broadcast; a pre-ISP
// Engine's observer injects into the ISP-input device (see preisp_thread.go).
type Observer interface {
	OnBufferReady(frame *bufpool.Frame)
	OnEnableChanged(enabled bool)
}

// submission is the opaque payload attached to every infer.BindingSet this
// engine submits, letting the completion handler release exactly the frames
// that submission is holding alive.
type submission struct {
	input            *bufpool.Frame
	consumedLoopback *bufpool.Frame
	ownOutput        *bufpool.Frame
	gains            *bufpool.Frame
}

// Engine is the AsyncInferenceBinding-driven temporal-loopback denoiser.
// Every public method that touches state — Configure, HandleFrame,
// IsEnabled — takes the same write lock: there is no read-only path for
// this engine, so a plain Mutex is used instead of an RWMutex that would
// buy nothing.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	variant  Variant
	observer Observer

	outputPool *bufpool.Pool
	gainsPool  *bufpool.Pool
	alloc      bufpool.Allocator

	provider infer.ModelProvider
	binding  *infer.Engine

	loopbackQueue  *queue.Queue[*bufpool.Frame]
	timestampQueue *queue.Queue[time.Time]
	callbackQueue  *queue.Queue[*infer.BindingSet]

	shouldQueueDummy bool
	flushing         bool
	callbackWg       sync.WaitGroup

	stageMetrics *metrics.Stage
	log          *logging.Logger
}

// New constructs a disabled Engine. Call Configure to enable it. provider is
// the accelerator runtime seam (see package infer); alloc backs the engine's
// own output pool.
func New(name string, provider infer.ModelProvider, alloc bufpool.Allocator, observer Observer, registry *metrics.Registry) *Engine {
	if registry == nil {
		registry = metrics.NewRegistry(nil)
	}
	e := &Engine{
		provider:     provider,
		alloc:        alloc,
		observer:     observer,
		stageMetrics: registry.Stage(name),
		log:          logging.Default().Named("denoise").Named(name),
	}
	e.binding = infer.New(provider, e.onInferFinish)
	return e
}

// IsEnabled reports whether the engine is currently configured and running.
func (e *Engine) IsEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Enabled
}

// Configure applies cfg, starting, stopping or reshaping the engine as
// needed. Calling Configure with an unchanged config is a no-op.
func (e *Engine) Configure(cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cfg.Equal(e.cfg) {
		return nil
	}

	wasEnabled := e.cfg.Enabled
	if wasEnabled && (!cfg.Enabled || cfg.Topology != e.cfg.Topology) {
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
	if !wasEnabled {
		e.notifyEnableChanged(true)
	}
	return nil
}

func (e *Engine) enableLocked() error {
	format := bufpool.FormatNV12
	switch e.cfg.Topology {
	case TopologyPreISPVD:
		e.variant = newPreISPVD()
		format = bufpool.FormatGray16
	case TopologyPreISPHDM:
		e.variant = newPreISPHDM()
		format = bufpool.FormatBayerHDM
	default:
		e.variant = newPostISPNV12()
	}

	e.outputPool = bufpool.NewPool("denoise-output", e.cfg.InputWidth, e.cfg.InputHeight, format, e.cfg.OutputPoolCapacity, bufpool.MemDMABuf, e.alloc)
	if err := e.outputPool.Init(); err != nil {
		return errs.Wrap("denoise.Configure", errs.BufferAllocation, err)
	}

	// gainsPool backs the dgain/bls side tensors pre-ISP variants bind;
	// width/height are unused by FormatGainScalar. Sized like the output
	// pool since a gains frame has the same one-per-submission lifetime.
	e.gainsPool = bufpool.NewPool("denoise-gains", 0, 0, bufpool.FormatGainScalar, e.cfg.OutputPoolCapacity, bufpool.MemDMABuf, e.alloc)
	if err := e.gainsPool.Init(); err != nil {
		e.outputPool.Free(false)
		return errs.Wrap("denoise.Configure", errs.BufferAllocation, err)
	}

	inputOrders := map[string]infer.FormatOrder{}
	outputOrders := map[string]infer.FormatOrder{}
	for _, b := range e.variant.InputBindings(nil) {
		inputOrders[b.TensorName] = b.Format
	}
	for _, b := range e.variant.LoopbackBindings(nil) {
		inputOrders[b.TensorName] = b.Format
	}
	for _, b := range e.variant.SkipBindings(nil) {
		inputOrders[b.TensorName] = b.Format
	}
	for _, b := range e.variant.OutputBindings(nil) {
		outputOrders[b.TensorName] = b.Format
	}

	if _, err := e.binding.SetConfig(e.cfg.ModelPath, e.cfg.DeviceGroupID, e.cfg.SchedulerThreshold, e.cfg.SchedulerTimeout, e.cfg.BatchSize, inputOrders, outputOrders); err != nil {
		return err
	}

	q := e.cfg.QueueDepth
	if q <= 0 {
		q = 1
	}
	e.loopbackQueue = queue.New[*bufpool.Frame](q+e.cfg.LoopbackCount+1, queue.PolicyBlocking,
		queue.WithRelease(func(f *bufpool.Frame) {
			if f != nil {
				f.Release()
			}
		}))
	e.timestampQueue = queue.New[time.Time](q, queue.PolicyBlocking)
	e.callbackQueue = queue.New[*infer.BindingSet](q, queue.PolicyBlocking,
		queue.WithRelease(func(bs *infer.BindingSet) {
			if bs == nil {
				return
			}
			s := bs.UserData.(*submission)
			s.ownOutput.Release()
		}))

	e.shouldQueueDummy = true
	e.flushing = false

	e.callbackWg.Add(1)
	go e.callbackLoop()
	return nil
}

func (e *Engine) disableLocked() {
	e.flushing = true
	if e.loopbackQueue != nil {
		e.loopbackQueue.Flush()
	}
	deadline := time.Now().Add(time.Second)
	for e.binding.HasPendingJobs() && time.Now().Before(deadline) {
		e.mu.Unlock()
		time.Sleep(time.Millisecond)
		e.mu.Lock()
	}
	if e.callbackQueue != nil {
		e.callbackQueue.Close()
	}
	e.mu.Unlock()
	e.callbackWg.Wait()
	e.mu.Lock()

	if e.outputPool != nil {
		if err := e.outputPool.WaitForUsedBuffers(500 * time.Millisecond); err != nil {
			e.log.Warn("output pool still has buffers in flight at disable, freeing anyway", "err", err)
		}
		e.outputPool.Free(false)
		e.outputPool = nil
	}
	if e.gainsPool != nil {
		if err := e.gainsPool.WaitForUsedBuffers(500 * time.Millisecond); err != nil {
			e.log.Warn("gains pool still has buffers in flight at disable, freeing anyway", "err", err)
		}
		e.gainsPool.Free(false)
		e.gainsPool = nil
	}
	if e.timestampQueue != nil {
		e.timestampQueue.Close()
	}
	e.flushing = false
	e.notifyEnableChanged(false)
}

func (e *Engine) notifyEnableChanged(enabled bool) {
	if e.observer == nil {
		return
	}
	obs := e.observer
	go obs.OnEnableChanged(enabled)
}

// HandleFrame runs the six-step loopback submission algorithm against
// input, which HandleFrame always takes ownership of: the caller must not
// release it afterward. gains is nil for the post-ISP variant.
func (e *Engine) HandleFrame(input *bufpool.Frame, gains *SideGains) error {
	e.mu.Lock()
	if !e.cfg.Enabled {
		e.mu.Unlock()
		input.Release()
		return errs.New("denoise.HandleFrame", errs.Uninitialized, "engine not enabled")
	}
	flushing := e.flushing
	variant := e.variant
	pool := e.outputPool
	gainsPool := e.gainsPool
	loopbackQueue := e.loopbackQueue
	timestampQueue := e.timestampQueue
	modelPath := e.cfg.ModelPath
	loopbackCount := e.cfg.LoopbackCount
	e.mu.Unlock()

	var gainsFrame *bufpool.Frame
	if gains != nil {
		gf, gerr := acquireGainsFrame(gainsPool, gains)
		if gerr != nil {
			e.log.Warn("failed acquiring gains frame, submitting without side gains", "err", gerr)
			gains = nil
		} else {
			gainsFrame = gf
		}
	}

	output, err := pool.Acquire()
	if err != nil {
		if gainsFrame != nil {
			gainsFrame.Release()
		}
		input.Release()
		e.stageMetrics.RecordDrop()
		return errs.Wrap("denoise.HandleFrame", errs.BufferAllocation, err)
	}

	e.mu.Lock()
	dummy := e.shouldQueueDummy
	if dummy {
		e.shouldQueueDummy = false
	}
	e.mu.Unlock()

	if dummy {
		for i := 0; i < loopbackCount; i++ {
			output.AddRef()
			if err := loopbackQueue.Push(output); err != nil {
				output.Release() // undo the AddRef the failed push never consumed
			}
		}
	}

	output.AddRef()
	if err := loopbackQueue.Push(output); err != nil {
		output.Release() // undo this push's AddRef
		output.Release() // undo the original Acquire
		if gainsFrame != nil {
			gainsFrame.Release()
		}
		input.Release()
		return errs.Wrap("denoise.HandleFrame", errs.Pipeline, err)
	}

	loopback, ok := loopbackQueue.TryPop()
	if !ok {
		output.Release()
		if gainsFrame != nil {
			gainsFrame.Release()
		}
		input.Release()
		if flushing {
			e.stageMetrics.RecordDrop()
			return nil
		}
		return errs.New("denoise.HandleFrame", errs.Pipeline, "loopback queue empty while running")
	}

	bindings := &infer.BindingSet{
		Inputs:  append(variant.InputBindings(input), variant.LoopbackBindings(loopback)...),
		Outputs: variant.OutputBindings(output),
	}
	if g := variant.GainBindings(gains, gainsFrame); g != nil {
		bindings.GainInputs = g
	}
	if s := variant.SkipBindings(output); s != nil {
		bindings.SkipInputs = s
	}
	bindings.UserData = &submission{input: input, consumedLoopback: loopback, ownOutput: output, gains: gainsFrame}

	_ = timestampQueue.Push(time.Now())

	if err := e.binding.Process(modelPath, bindings); err != nil {
		timestampQueue.TryPop()
		input.Release()
		loopback.Release()
		output.Release()
		if gainsFrame != nil {
			gainsFrame.Release()
		}
		e.log.Warn("submission timed out or failed, dropping frame", "err", err)
		e.stageMetrics.RecordDrop()
		return nil
	}
	return nil
}

// acquireGainsFrame acquires a bufpool.FormatGainScalar frame from pool and
// writes gains' DGGain and BLS values into its two planes as little-endian
// u16s: plane 0 ("dgain") is DGGain, plane 1 ("bls") is R, Gr, Gb, B in
// order, so the side tensors the accelerator reads carry real,
// byte-observable values instead of an unbacked placeholder.
func acquireGainsFrame(pool *bufpool.Pool, gains *SideGains) (*bufpool.Frame, error) {
	f, err := pool.Acquire()
	if err != nil {
		return nil, errs.Wrap("denoise.acquireGainsFrame", errs.BufferAllocation, err)
	}
	dgain := f.Planes[0].Bytes()
	binary.LittleEndian.PutUint16(dgain, uint16(gains.DGGain))

	bls := f.Planes[1].Bytes()
	binary.LittleEndian.PutUint16(bls[0:2], uint16(gains.BLS.R))
	binary.LittleEndian.PutUint16(bls[2:4], uint16(gains.BLS.Gr))
	binary.LittleEndian.PutUint16(bls[4:6], uint16(gains.BLS.Gb))
	binary.LittleEndian.PutUint16(bls[6:8], uint16(gains.BLS.B))
	return f, nil
}

// onInferFinish is the accelerator runtime's completion callback: it records
// latency, releases the frames this submission was holding open besides the
// delivery path, and hands the binding to the callback thread. A non-nil
// err still enqueues the binding: runtime callback failure is logged, not
// dropped.
func (e *Engine) onInferFinish(bs *infer.BindingSet, err error) {
	s := bs.UserData.(*submission)

	if ts, ok := e.timestampQueue.TryPop(); ok {
		e.stageMetrics.RecordOut(time.Since(ts))
	}
	if err != nil {
		e.log.Warn("runtime reported inference failure, still enqueuing binding", "err", err)
	}

	s.input.Release()
	s.consumedLoopback.Release()
	if s.gains != nil {
		s.gains.Release()
	}

	if pushErr := e.callbackQueue.Push(bs); pushErr != nil {
		// Queue already closed (engine disabling): release the delivery
		// reference ourselves since no callback thread will.
		s.ownOutput.Release()
	}
}

func (e *Engine) callbackLoop() {
	defer e.callbackWg.Done()
	for {
		bs, ok := e.callbackQueue.Pop()
		if !ok {
			return
		}
		s := bs.UserData.(*submission)
		idx := e.variant.DenoisedOutputIndex()
		out := bs.Outputs[idx].Frame
		if e.observer != nil {
			e.observer.OnBufferReady(out)
		}
		s.ownOutput.Release()
	}
}

// Stop disables the engine unconditionally, draining in-flight submissions
// the same way Configure(Config{Enabled: false}) would.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.cfg.Enabled {
		return
	}
	e.disableLocked()
	e.cfg.Enabled = false
}
