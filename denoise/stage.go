package denoise

import (
	"github.com/edgecam/medialib/bufpool"
	"github.com/edgecam/medialib/queue"
	"github.com/edgecam/medialib/stage"
)

// Stage adapts Engine to the stage.Processor contract for the post-ISP
// topology: Process hands the frame straight to HandleFrame, and the
// engine's own completion callback (via Observer) does the forwarding once
// inference finishes — Process itself never calls Broadcast.
type Stage struct {
	stage *stage.Stage
	eng   *Engine
}

// NewStage wraps eng as a Processor. eng must already be constructed with
// this Stage's BroadcastObserver as its Observer (see NewBroadcastObserver).
func NewStage(eng *Engine) *Stage {
	return &Stage{eng: eng}
}

func (s *Stage) Attach(st *stage.Stage) { s.stage = st }

func (s *Stage) Init() error { return nil }

func (s *Stage) Process(frame *bufpool.Frame, _ []*queue.Queue[*bufpool.Frame]) error {
	if !s.eng.IsEnabled() {
		frame.Release()
		return nil
	}
	return s.eng.HandleFrame(frame, nil)
}

func (s *Stage) Deinit() error {
	s.eng.Stop()
	return nil
}

// BroadcastObserver is the Observer a post-ISP Engine should be constructed
// with: it forwards denoised output to every subscriber of the owning
// Stage, the same fan-out every other stage uses.
type BroadcastObserver struct {
	stage *Stage
}

// NewBroadcastObserver returns an Observer bound to s. Construct the Engine
// with it, then construct s via NewStage(engine) — the two refer to each
// other by the time Process or a completion callback first fires.
func NewBroadcastObserver(s *Stage) *BroadcastObserver { return &BroadcastObserver{stage: s} }

func (o *BroadcastObserver) OnBufferReady(frame *bufpool.Frame) {
	o.stage.stage.Broadcast(frame)
}

func (o *BroadcastObserver) OnEnableChanged(bool) {}
