package stage

import (
	"sync"
	"testing"
	"time"

	"github.com/edgecam/medialib/bufpool"
	"github.com/edgecam/medialib/queue"
)

type fakeAllocator struct {
	mu   sync.Mutex
	next int
}

func (a *fakeAllocator) Alloc(size uint32, memType bufpool.MemType) (int, uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	return a.next, 0, nil
}

func (a *fakeAllocator) Free(fd int, userPtr uintptr) {}

func newTestPool(t *testing.T, capacity uint32) *bufpool.Pool {
	t.Helper()
	p := bufpool.NewPool("test", 16, 16, bufpool.FormatGray8, capacity, bufpool.MemDMABuf, &fakeAllocator{})
	if err := p.Init(); err != nil {
		t.Fatalf("pool Init: %v", err)
	}
	return p
}

// passthrough forwards every frame to its subscribers unchanged, used to
// exercise that a round-trip through a pure passthrough stage preserves
// plane FDs.
type passthrough struct {
	stage *Stage
}

func (p *passthrough) Attach(s *Stage)    { p.stage = s }
func (p *passthrough) Init() error        { return nil }
func (p *passthrough) Deinit() error      { return nil }
func (p *passthrough) Process(f *bufpool.Frame, _ []*queue.Queue[*bufpool.Frame]) error {
	p.stage.Broadcast(f)
	return nil
}

// sink collects every frame it receives.
type sink struct {
	stage *Stage
	mu    sync.Mutex
	seen  []*bufpool.Frame
	done  chan struct{}
	want  int
}

func newSink(want int) *sink { return &sink{done: make(chan struct{}), want: want} }

func (s *sink) Attach(st *Stage) { s.stage = st }
func (s *sink) Init() error      { return nil }
func (s *sink) Deinit() error    { return nil }
func (s *sink) Process(f *bufpool.Frame, _ []*queue.Queue[*bufpool.Frame]) error {
	s.mu.Lock()
	s.seen = append(s.seen, f)
	n := len(s.seen)
	s.mu.Unlock()
	if n == s.want {
		close(s.done)
	}
	return nil
}

func TestPassthroughRoundTripPreservesPlaneFDs(t *testing.T) {
	pool := newTestPool(t, 2)
	defer pool.Free(false)

	src := New("source", &passthrough{}, 4, queue.PolicyBlocking, nil)
	sk := newSink(1)
	sinkStage := New("sink", sk, 4, queue.PolicyBlocking, nil)
	src.AddSubscriber(sinkStage)

	if err := sinkStage.Start(); err != nil {
		t.Fatalf("sink Start: %v", err)
	}
	if err := src.Start(); err != nil {
		t.Fatalf("source Start: %v", err)
	}
	defer src.Stop()
	defer sinkStage.Stop()

	f, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	wantFD := f.Planes[0].FD
	src.Push("__source__", f)

	select {
	case <-sk.done:
	case <-time.After(time.Second):
		t.Fatal("sink never received the frame")
	}

	sk.mu.Lock()
	got := sk.seen[0]
	sk.mu.Unlock()
	if got.Planes[0].FD != wantFD {
		t.Errorf("plane FD changed across passthrough: got %d, want %d", got.Planes[0].FD, wantFD)
	}
	got.Release()
}

func TestStopIsIdempotent(t *testing.T) {
	s := New("s", &passthrough{}, 4, queue.PolicyBlocking, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
	s.Stop() // must not panic or deadlock
}

func TestFreezeReemitsHeldFrame(t *testing.T) {
	pool := newTestPool(t, 4)
	defer pool.Free(false)

	fz := NewFreeze()
	src := New("source", fz, 4, queue.PolicyBlocking, nil)
	sk := newSink(3)
	sinkStage := New("sink", sk, 4, queue.PolicyBlocking, nil)
	src.AddSubscriber(sinkStage)

	sinkStage.Start()
	src.Start()
	defer src.Stop()
	defer sinkStage.Stop()

	f1, _ := pool.Acquire()
	frozenFD := f1.Planes[0].FD
	fz.SetFrozen(true)
	src.Push("__source__", f1)

	f2, _ := pool.Acquire()
	src.Push("__source__", f2)
	f3, _ := pool.Acquire()
	src.Push("__source__", f3)

	select {
	case <-sk.done:
	case <-time.After(time.Second):
		t.Fatal("sink never received all 3 frames")
	}

	sk.mu.Lock()
	defer sk.mu.Unlock()
	for i, got := range sk.seen {
		if got.Planes[0].FD != frozenFD {
			t.Errorf("frame %d FD = %d, want frozen FD %d", i, got.Planes[0].FD, frozenFD)
		}
		got.Release()
	}
}
