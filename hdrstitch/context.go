package hdrstitch

import (
	"github.com/edgecam/medialib/bufpool"
)

// GainSet is one cycle's per-exposure digital-gain snapshot, read from the
// sensor's controls at the moment each exposure's raw frame is captured.
type GainSet struct {
	DGGain []int32 // one entry per exposure, short-to-long
}

// StitchContext is the reusable unit of work a stitch cycle fills in:
// exposureCount raw frames plus the gain tensor computed from GainSet. The
// engine pools these (Engine.contextPool in engine.go) rather than allocating one
// per cycle, since a cycle's lifetime spans capture-submit-complete-inject
// and the pool capacity bounds how many cycles can be in flight at once.
type StitchContext struct {
	Raws  []*bufpool.Frame
	Gains GainSet
}

func newStitchContext(exposureCount int) *StitchContext {
	return &StitchContext{Raws: make([]*bufpool.Frame, exposureCount)}
}

// reset releases every raw frame still held and clears gains, readying the
// context to be handed back to the pool.
func (c *StitchContext) reset() {
	for i, f := range c.Raws {
		if f != nil {
			f.Release()
		}
		c.Raws[i] = nil
	}
	c.Gains = GainSet{}
}
