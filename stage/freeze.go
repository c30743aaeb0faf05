package stage

import (
	"sync"

	"github.com/edgecam/medialib/bufpool"
	"github.com/edgecam/medialib/queue"
)

// Freeze re-emits the most recently seen frame instead of the live one
// while freezing is enabled, holding the graph's downstream consumers
// steady when upstream capture stalls or is deliberately paused (e.g. a
// still-capture UI overlay).
//
// Freeze pins the live frame in place with an extra reference instead of
// copying its plane contents into a dedicated buffer on the first frozen
// frame: bufpool's refcounting already guarantees the pinned slot's
// content is stable for as long as Freeze holds a reference, so a CPU copy
// buys nothing extra here and would cost an mmap round trip this module
// has no other reason to need.
type Freeze struct {
	stage *Stage

	mu     sync.Mutex
	frozen bool
	held   *bufpool.Frame
}

// NewFreeze constructs a Freeze processor, initially not freezing.
func NewFreeze() *Freeze { return &Freeze{} }

func (f *Freeze) Attach(s *Stage) { f.stage = s }

func (f *Freeze) Init() error { return nil }

func (f *Freeze) Deinit() error {
	f.mu.Lock()
	held := f.held
	f.held = nil
	f.mu.Unlock()
	if held != nil {
		held.Release()
	}
	return nil
}

// SetFrozen toggles freezing. Disabling drops the held frame so the next
// enable starts fresh from whatever is live at that time, matching the
// original's reset-on-property-change behavior.
func (f *Freeze) SetFrozen(enabled bool) {
	f.mu.Lock()
	f.frozen = enabled
	held := f.held
	f.held = nil
	f.mu.Unlock()
	if held != nil {
		held.Release()
	}
}

func (f *Freeze) Process(frame *bufpool.Frame, _ []*queue.Queue[*bufpool.Frame]) error {
	f.mu.Lock()
	frozen := f.frozen
	if !frozen {
		f.mu.Unlock()
		f.stage.Broadcast(frame)
		return nil
	}

	if f.held == nil {
		frame.AddRef()
		f.held = frame
	}
	out := f.held
	f.mu.Unlock()

	out.AddRef()
	f.stage.Broadcast(out)
	frame.Release()
	return nil
}
