package hdrstitch

import (
	"sync"
	"testing"
	"time"

	"github.com/edgecam/medialib/bufpool"
	"github.com/edgecam/medialib/infer"
	"github.com/edgecam/medialib/isp"
	"github.com/stretchr/testify/require"
)

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

func (a *fakeAllocator) Free(int, uintptr) {}

type fakeObserver struct {
	mu       sync.Mutex
	stitched int
	requeued int
}

func (o *fakeObserver) OnStitched(f *bufpool.Frame) {
	o.mu.Lock()
	o.stitched++
	o.mu.Unlock()
	f.Release()
}

func (o *fakeObserver) RequeueRaw(idx int, f *bufpool.Frame) {
	o.mu.Lock()
	o.requeued++
	o.mu.Unlock()
	f.Release()
}

func newRawFrame(t *testing.T) *bufpool.Frame {
	t.Helper()
	p := bufpool.NewPool("raw", 32, 16, bufpool.FormatGray16, 4, bufpool.MemDMABuf, &fakeAllocator{})
	if err := p.Init(); err != nil {
		t.Fatalf("raw pool init: %v", err)
	}
	f, err := p.Acquire()
	if err != nil {
		t.Fatalf("raw acquire: %v", err)
	}
	return f
}

func baseConfig() Config {
	return Config{
		Enabled:             true,
		Mode:                DOL2,
		ModelPath:           "fusion.hef",
		SchedulerThreshold:  1,
		SchedulerTimeout:    time.Second,
		BatchSize:           1,
		InputWidth:          32,
		InputHeight:         16,
		ContextPoolCapacity: 2,
		OutputPoolCapacity:  2,
	}
}

func TestStitchCycleDeliversAndRequeues(t *testing.T) {
	model := &fakeModel{}
	obs := &fakeObserver{}
	eng := New("hdr-test", &fakeProvider{model: model}, &fakeAllocator{}, isp.New(0, 0), obs, nil)
	if err := eng.Configure(baseConfig()); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	ctx, err := eng.AcquireContext()
	if err != nil {
		t.Fatalf("AcquireContext: %v", err)
	}
	ctx.Raws[0] = newRawFrame(t)
	ctx.Raws[1] = newRawFrame(t)
	ctx.Gains.DGGain = []int32{10, 20}

	if err := eng.SubmitCycle(ctx); err != nil {
		t.Fatalf("SubmitCycle: %v", err)
	}
	model.drain()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.stitched != 1 {
		t.Errorf("stitched count = %d, want 1", obs.stitched)
	}
	if obs.requeued != 2 {
		t.Errorf("requeued count = %d, want 2", obs.requeued)
	}
}

func TestClampGainsClipsAndReportsClipping(t *testing.T) {
	clamped, didClip := clampGains([]int32{10, 500, -5})
	if !didClip {
		t.Fatal("expected clipping to be reported")
	}
	if clamped[1] != maxGainValue || clamped[2] != 0 {
		t.Fatalf("clamped = %v, want [10 %d 0]", clamped, maxGainValue)
	}

	_, didClip = clampGains([]int32{1, 2, 3})
	if didClip {
		t.Fatal("expected no clipping for in-range values")
	}
}

func TestContextPoolReusedAfterCycle(t *testing.T) {
	model := &fakeModel{}
	obs := &fakeObserver{}
	eng := New("hdr-test", &fakeProvider{model: model}, &fakeAllocator{}, isp.New(0, 0), obs, nil)
	cfg := baseConfig()
	cfg.ContextPoolCapacity = 1
	require.NoError(t, eng.Configure(cfg))

	for i := 0; i < 3; i++ {
		ctx, err := eng.AcquireContext()
		require.NoErrorf(t, err, "AcquireContext %d", i)
		ctx.Raws[0] = newRawFrame(t)
		ctx.Raws[1] = newRawFrame(t)
		ctx.Gains.DGGain = []int32{1, 1}
		require.NoErrorf(t, eng.SubmitCycle(ctx), "SubmitCycle %d", i)
		model.drain()
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Equal(t, 3, obs.stitched, "single-context pool reused three times")
}
