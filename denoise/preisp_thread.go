package denoise

import (
	"time"

	"github.com/edgecam/medialib/bufpool"
	"github.com/edgecam/medialib/internal/logging"
	"github.com/edgecam/medialib/isp"
	v4l2 "github.com/edgecam/medialib/v4l2"
)

// RawSource is the raw-capture + ISP-input device pairing the pre-ISP thread
// pulls from: DequeueRaw blocks for the next Bayer frame already wrapped (via
// bufpool.WrapExternal) with a free callback that requeues the underlying
// V4L2 buffer once its refcount reaches zero. This package composes with
// whatever concrete device (the v4l2 package's Device/streaming loop) the
// caller wires in, rather than re-implementing V4L2 streaming here.
type RawSource interface {
	DequeueRaw() (*bufpool.Frame, error)
}

// ISPInjector hands a denoised Bayer frame to the ISP's memory-injection
// path (the MCM-mode OUTPUT device) for normal ISP processing to resume on
// it.
type ISPInjector interface {
	InjectDenoised(frame *bufpool.Frame) error
}

// PreISPRunner owns the pre-ISP background thread: sensor setup, MCM mode
// selection, then a tight dequeue-denoise-inject loop until Stop.
type PreISPRunner struct {
	eng      *Engine
	controls *isp.Controls
	source   RawSource
	injector ISPInjector
	gainCh   chan struct{}

	stopCh chan struct{}
	doneCh chan struct{}

	log *logging.Logger
}

// NewPreISPRunner binds eng (already constructed with this runner as its
// Observer — see PreISPRunner.OnBufferReady) to a raw source, an injector and
// the sensor's named control set.
func NewPreISPRunner(eng *Engine, controls *isp.Controls, source RawSource, injector ISPInjector) *PreISPRunner {
	return &PreISPRunner{
		eng:      eng,
		controls: controls,
		source:   source,
		injector: injector,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		log:      logging.Default().Named("denoise").Named("preisp"),
	}
}

// Start programs the sensor's WDR mode and the MCM layout matching the
// engine's configured topology, then spawns the capture loop.
func (r *PreISPRunner) Start(wdr isp.WDRMode) error {
	if err := r.controls.SetAEEnable(true); err != nil {
		return err
	}
	if err := r.controls.SetWDRMode(wdr); err != nil {
		return err
	}
	if err := r.controls.SetMCMMode(r.mcmMode()); err != nil {
		return err
	}
	go r.loop()
	return nil
}

func (r *PreISPRunner) mcmMode() v4l2.MCMMode {
	r.eng.mu.Lock()
	defer r.eng.mu.Unlock()
	if r.eng.cfg.Topology == TopologyPreISPHDM {
		return v4l2.MCMModePacked
	}
	return v4l2.MCMModeInjection
}

// loop implements the per-frame cycle: dequeue raw, read the moment-of-
// acquire WB/DG/BLS side gains, run it through the engine (which delivers
// the denoised result asynchronously via OnBufferReady), and keep going
// until Stop.
func (r *PreISPRunner) loop() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		frame, err := r.source.DequeueRaw()
		if err != nil {
			r.log.Warn("raw dequeue failed", "err", err)
			continue
		}

		gains, err := r.readGains()
		if err != nil {
			r.log.Warn("failed reading WB/BLS side gains, submitting without them", "err", err)
			gains = nil
		}

		if err := r.eng.HandleFrame(frame, gains); err != nil {
			r.log.Warn("pre-ISP HandleFrame failed", "err", err)
		}
	}
}

// readGains snapshots the sensor's digital gain and black-level-subtraction
// controls at the moment a raw frame was captured. These are read fresh
// per frame, not cached, since AE/AWB convergence shifts them continuously.
func (r *PreISPRunner) readGains() (*SideGains, error) {
	dg, err := r.controls.DGGain()
	if err != nil {
		return nil, err
	}
	bls, err := r.controls.BLSValues()
	if err != nil {
		return nil, err
	}
	return &SideGains{DGGain: dg, BLS: bls}, nil
}

// OnBufferReady is the Engine Observer hook: inject the denoised frame back
// into the ISP. frame carries the callback loop's own delivery reference
// (see Engine.callbackLoop), which that loop releases once this call
// returns — same contract BroadcastObserver relies on for the post-ISP
// path. The injector does not release the reference it was handed; it
// must AddRef first if it needs to retain the frame past this call.
func (r *PreISPRunner) OnBufferReady(frame *bufpool.Frame) {
	if err := r.injector.InjectDenoised(frame); err != nil {
		r.log.Warn("ISP injection failed, dropping denoised frame", "err", err)
	}
}

func (r *PreISPRunner) OnEnableChanged(bool) {}

// Stop signals the capture loop to exit and waits for it, with a bounded
// grace period for one in-flight DequeueRaw to return before giving up.
func (r *PreISPRunner) Stop() {
	close(r.stopCh)
	select {
	case <-r.doneCh:
	case <-time.After(time.Second):
		r.log.Warn("pre-ISP capture loop did not exit within grace period")
	}
}
