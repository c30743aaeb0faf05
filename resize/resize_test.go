package resize

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/edgecam/medialib/bufpool"
	"github.com/edgecam/medialib/queue"
	"github.com/edgecam/medialib/stage"
)

var errNegotiationRefused = errors.New("capability rejected")

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

func (a *fakeAllocator) Free(int, uintptr) {}

type fakeKernel struct {
	mu    sync.Mutex
	calls int
}

func (k *fakeKernel) Resize(input *bufpool.Frame, output *bufpool.Frame) error {
	k.mu.Lock()
	k.calls++
	k.mu.Unlock()
	return nil
}

// rejectingNegotiator always refuses, exercising the "drop this output"
// reconfiguration path.
type rejectingNegotiator struct{}

func (rejectingNegotiator) NegotiateCaps(proposed Caps) (Caps, error) {
	return Caps{}, errNegotiationRefused
}

func newInputPool(t *testing.T, capacity uint32) *bufpool.Pool {
	t.Helper()
	p := bufpool.NewPool("resize-input", 640, 480, bufpool.FormatNV12, capacity, bufpool.MemDMABuf, &fakeAllocator{})
	if err := p.Init(); err != nil {
		t.Fatalf("pool init: %v", err)
	}
	return p
}

type sink struct {
	mu   sync.Mutex
	seen []*bufpool.Frame
	done chan struct{}
	want int
}

func newSink(want int) *sink { return &sink{done: make(chan struct{}), want: want} }

func (s *sink) Attach(*stage.Stage) {}
func (s *sink) Init() error         { return nil }
func (s *sink) Deinit() error       { return nil }
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

func TestOutputRejectedByNegotiatorIsDropped(t *testing.T) {
	kernel := &fakeKernel{}
	eng := New("resize-test", kernel, &fakeAllocator{}, nil)
	err := eng.Configure(Config{
		SourceFPS: 30,
		Outputs: []OutputSpec{
			{Name: "main", Requested: Caps{Width: 1280, Height: 720, Format: bufpool.FormatNV12, FPS: 30}, Negotiator: rejectingNegotiator{}},
		},
	})
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	if len(eng.outputs) != 0 {
		t.Fatalf("expected rejected output to be dropped, got %d outputs", len(eng.outputs))
	}
}

func TestFramerateThinningSkipsExtraFrames(t *testing.T) {
	pool := newInputPool(t, 4)
	defer pool.Free(false)

	kernel := &fakeKernel{}
	eng := New("resize-test", kernel, &fakeAllocator{}, nil)
	if err := eng.Configure(Config{
		SourceFPS: 30,
		Outputs: []OutputSpec{
			{Name: "thumb", Requested: Caps{Width: 320, Height: 240, Format: bufpool.FormatNV12, FPS: 10}, PoolCapacity: 4},
		},
	}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	s := stage.New("resize", eng, 8, queue.PolicyBlocking, nil)
	sk := newSink(1)
	// resize's SendTo targets the subscriber by Stage.Name, which must match
	// the OutputSpec.Name configured above.
	sinkStage := stage.New("thumb", sk, 8, queue.PolicyBlocking, nil)
	s.AddSubscriber(sinkStage)

	if err := sinkStage.Start(); err != nil {
		t.Fatalf("start sink: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start stage: %v", err)
	}
	defer s.Stop()
	defer sinkStage.Stop()

	for i := 0; i < 3; i++ {
		f, err := pool.Acquire()
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		s.Push("__source__", f)
	}

	select {
	case <-sk.done:
	case <-time.After(time.Second):
		t.Fatal("thinned output never emitted")
	}

	kernel.mu.Lock()
	calls := kernel.calls
	kernel.mu.Unlock()
	if calls != 1 {
		t.Errorf("kernel invoked %d times for 3 source frames at 1/3 emit rate, want 1", calls)
	}

	sk.mu.Lock()
	sk.seen[0].Release()
	sk.mu.Unlock()
}
