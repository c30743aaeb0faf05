package denoise

import (
	"sync"
	"testing"
	"time"

	"github.com/edgecam/medialib/bufpool"
	"github.com/edgecam/medialib/infer"
	"github.com/stretchr/testify/require"
)

// fakeModel mirrors the infer package's own test double: completions queue
// up and only fire when drain is called, standing in for the accelerator
// runtime's own completion thread.
type fakeModel struct {
	mu    sync.Mutex
	queue []func()
}

func (m *fakeModel) WaitForAsyncReady(time.Duration) error { return nil }

func (m *fakeModel) RunAsync(bindings *infer.BindingSet, onComplete infer.CompletionFunc) error {
	m.mu.Lock()
	m.queue = append(m.queue, func() { onComplete(bindings, nil) })
	m.mu.Unlock()
	return nil
}

func (m *fakeModel) drain() {
	m.mu.Lock()
	fns := m.queue
	m.queue = nil
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type fakeProvider struct{ model *fakeModel }

func (p *fakeProvider) Configure(string, string, int, time.Duration, int, map[string]infer.FormatOrder, map[string]infer.FormatOrder) (infer.ConfiguredModel, error) {
	return p.model, nil
}

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

type fakeObserver struct {
	mu      sync.Mutex
	ready   []*bufpool.Frame
	enabled []bool
}

func (o *fakeObserver) OnBufferReady(f *bufpool.Frame) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ready = append(o.ready, f)
}

func (o *fakeObserver) OnEnableChanged(e bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.enabled = append(o.enabled, e)
}

func (o *fakeObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ready)
}

func newTestEngine(t *testing.T, model *fakeModel, obs Observer) *Engine {
	t.Helper()
	return New("denoise-test", &fakeProvider{model: model}, &fakeAllocator{}, obs, nil)
}

func baseConfig() Config {
	return Config{
		Enabled:            true,
		Topology:           TopologyPostISPNV12,
		ModelPath:          "denoise.hef",
		SchedulerThreshold: 1,
		SchedulerTimeout:   time.Second,
		BatchSize:          1,
		LoopbackCount:      2,
		QueueDepth:         4,
		InputWidth:         64,
		InputHeight:        32,
		OutputPoolCapacity: 4,
	}
}

func acquireInput(t *testing.T, width, height uint32) *bufpool.Frame {
	t.Helper()
	p := bufpool.NewPool("in", width, height, bufpool.FormatNV12, 8, bufpool.MemDMABuf, &fakeAllocator{})
	if err := p.Init(); err != nil {
		t.Fatalf("input pool Init: %v", err)
	}
	f, err := p.Acquire()
	if err != nil {
		t.Fatalf("input Acquire: %v", err)
	}
	return f
}

func TestPostISPBasicLoop(t *testing.T) {
	model := &fakeModel{}
	obs := &fakeObserver{}
	eng := newTestEngine(t, model, obs)
	if err := eng.Configure(baseConfig()); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	in := acquireInput(t, 64, 32)
	if err := eng.HandleFrame(in, nil); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	model.drain()

	require.Eventually(t, func() bool { return obs.count() == 1 }, time.Second, time.Millisecond,
		"observer should receive 1 buffer from the callback goroutine")
}

func TestSteadyStateLoopbackRotation(t *testing.T) {
	model := &fakeModel{}
	obs := &fakeObserver{}
	eng := newTestEngine(t, model, obs)
	require.NoError(t, eng.Configure(baseConfig()))

	for i := 0; i < 10; i++ {
		in := acquireInput(t, 64, 32)
		require.NoErrorf(t, eng.HandleFrame(in, nil), "HandleFrame %d", i)
		model.drain()
	}

	require.Eventually(t, func() bool { return obs.count() == 10 }, time.Second, time.Millisecond,
		"observer buffer count after 10 submissions")
}

func TestDisableDuringFlightDrainsCleanly(t *testing.T) {
	model := &fakeModel{}
	obs := &fakeObserver{}
	eng := newTestEngine(t, model, obs)
	require.NoError(t, eng.Configure(baseConfig()))

	in := acquireInput(t, 64, 32)
	require.NoError(t, eng.HandleFrame(in, nil))

	done := make(chan struct{})
	go func() {
		time.Sleep(5 * time.Millisecond)
		model.drain()
	}()
	go func() {
		defer close(done)
		eng.Stop()
	}()
	<-done

	require.False(t, eng.IsEnabled(), "engine should be disabled after Stop")
}

func TestConfigureIdempotentDoesNotRefireEnableChanged(t *testing.T) {
	model := &fakeModel{}
	obs := &fakeObserver{}
	eng := newTestEngine(t, model, obs)
	cfg := baseConfig()
	if err := eng.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := eng.Configure(cfg); err != nil {
		t.Fatalf("Configure (repeat): %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	obs.mu.Lock()
	n := len(obs.enabled)
	obs.mu.Unlock()
	if n != 1 {
		t.Fatalf("OnEnableChanged fired %d times for two identical Configure calls, want 1", n)
	}
}

func TestHandleFrameBeforeEnableFails(t *testing.T) {
	eng := newTestEngine(t, &fakeModel{}, &fakeObserver{})
	in := acquireInput(t, 64, 32)
	if err := eng.HandleFrame(in, nil); err == nil {
		t.Fatal("expected error handling a frame before Configure enables the engine")
	}
}
