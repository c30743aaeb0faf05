package hdrstitch

import (
	"time"

	"github.com/edgecam/medialib/bufpool"
	"github.com/edgecam/medialib/internal/logging"
)

// RawSource dequeues one exposure's raw frame at a time, in the sensor's own
// short/mid/long exposure order, mirroring denoise.RawSource's role of
// composing with a real V4L2 capture device rather than re-implementing
// streaming here.
type RawSource interface {
	DequeueExposure(index int) (*bufpool.Frame, error)
}

// ISPInjector hands the stitched frame to the ISP's memory-injection path,
// the same seam denoise.ISPInjector uses.
type ISPInjector interface {
	InjectStitched(frame *bufpool.Frame) error
}

// CaptureRunner assembles one stitch cycle per iteration: acquire a pooled
// context, dequeue every exposure in order, read and attach the per-exposure
// gain snapshot, then submit.
type CaptureRunner struct {
	eng      *Engine
	source   RawSource
	injector ISPInjector
	gainFn   func(exposureIndex int) (int32, error)

	stopCh chan struct{}
	doneCh chan struct{}

	log *logging.Logger
}

// NewCaptureRunner binds eng to a raw source and an injector. gainFn reads
// the digital-gain control for one exposure index at capture time; pass the
// sensor's isp.Controls.DGGain wrapped to ignore the index if gain is
// exposure-independent.
func NewCaptureRunner(eng *Engine, source RawSource, injector ISPInjector, gainFn func(int) (int32, error)) *CaptureRunner {
	return &CaptureRunner{
		eng:      eng,
		source:   source,
		injector: injector,
		gainFn:   gainFn,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		log:      logging.Default().Named("hdrstitch").Named("capture"),
	}
}

// Start spawns the capture loop.
func (r *CaptureRunner) Start() { go r.loop() }

func (r *CaptureRunner) loop() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		ctx, err := r.eng.AcquireContext()
		if err != nil {
			r.log.Warn("context pool unavailable, dropping cycle", "err", err)
			continue
		}

		ok := true
		for i := range ctx.Raws {
			frame, err := r.source.DequeueExposure(i)
			if err != nil {
				r.log.Warn("exposure dequeue failed, abandoning cycle", "exposure", i, "err", err)
				ok = false
				break
			}
			ctx.Raws[i] = frame
			gain, err := r.gainFn(i)
			if err != nil {
				r.log.Warn("gain read failed for exposure, using zero", "exposure", i, "err", err)
				gain = 0
			}
			ctx.Gains.DGGain = append(ctx.Gains.DGGain, gain)
		}
		if !ok {
			ctx.reset()
			continue
		}

		if err := r.eng.SubmitCycle(ctx); err != nil {
			r.log.Warn("stitch submission failed", "err", err)
		}
	}
}

// RequeueRaw and OnStitched implement Observer: OnStitched hands the fused
// frame to the caller-supplied injector and then releases it, and RequeueRaw
// releases the raw frame without calling the source; embed CaptureRunner
// behind a thin adapter when those operations need device-specific plumbing
// beyond a callback.
func (r *CaptureRunner) OnStitched(frame *bufpool.Frame) {
	if err := r.injector.InjectStitched(frame); err != nil {
		r.log.Warn("HDR injection failed, dropping stitched frame", "err", err)
		frame.Release()
		return
	}
	frame.Release()
}

func (r *CaptureRunner) RequeueRaw(exposureIndex int, frame *bufpool.Frame) {
	frame.Release()
}

// Stop signals the capture loop to exit, with a bounded grace period.
func (r *CaptureRunner) Stop() {
	close(r.stopCh)
	select {
	case <-r.doneCh:
	case <-time.After(time.Second):
		r.log.Warn("HDR capture loop did not exit within grace period")
	}
}
