package denoise

import (
	"encoding/binary"
	"sync"
	"testing"
	"unsafe"

	"github.com/edgecam/medialib/bufpool"
	v4l2 "github.com/edgecam/medialib/v4l2"
	"github.com/stretchr/testify/require"
)

// memAllocator backs every allocation with real Go memory, unlike the
// zero-userPtr fakeAllocator the rest of this package's tests use, so
// Plane.Bytes() has something real to read/write for the gains tests below.
type memAllocator struct {
	mu   sync.Mutex
	next int
	live map[int][]byte
}

func newMemAllocator() *memAllocator { return &memAllocator{live: make(map[int][]byte)} }

func (a *memAllocator) Alloc(size uint32, _ bufpool.MemType) (int, uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	buf := make([]byte, size)
	a.live[a.next] = buf
	return a.next, uintptr(unsafe.Pointer(&buf[0])), nil
}

func (a *memAllocator) Free(fd int, _ uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.live, fd)
}

func acquireHDMFrame(t *testing.T, width, height uint32) *bufpool.Frame {
	t.Helper()
	p := bufpool.NewPool("hdm", width, height, bufpool.FormatBayerHDM, 2, bufpool.MemDMABuf, &fakeAllocator{})
	require.NoError(t, p.Init())
	f, err := p.Acquire()
	require.NoError(t, err)
	return f
}

func acquireGray16Frame(t *testing.T, width, height uint32) *bufpool.Frame {
	t.Helper()
	p := bufpool.NewPool("raw", width, height, bufpool.FormatGray16, 2, bufpool.MemDMABuf, &fakeAllocator{})
	require.NoError(t, p.Init())
	f, err := p.Acquire()
	require.NoError(t, err)
	return f
}

func acquireGainsFrameForTest(t *testing.T) *bufpool.Frame {
	t.Helper()
	p := bufpool.NewPool("gains", 0, 0, bufpool.FormatGainScalar, 2, bufpool.MemDMABuf, newMemAllocator())
	require.NoError(t, p.Init())
	f, err := p.Acquire()
	require.NoError(t, err)
	return f
}

func TestPreISPHDMBindsThreeOutputPlanesAndFeedback(t *testing.T) {
	v := newPreISPHDM()
	input := acquireGray16Frame(t, 16, 8)
	output := acquireHDMFrame(t, 16, 8)
	loopback := acquireHDMFrame(t, 16, 8)

	in := v.InputBindings(input)
	require.Len(t, in, 1)
	require.Equal(t, "input_bayer", in[0].TensorName)

	out := v.OutputBindings(output)
	require.Len(t, out, 3)
	names := []string{out[0].TensorName, out[1].TensorName, out[2].TensorName}
	require.Equal(t, []string{"output_bayer", "output_fusion", "output_gamma"}, names)
	for _, b := range out {
		require.Same(t, output, b.Frame)
	}

	fb := v.LoopbackBindings(loopback)
	require.Len(t, fb, 3)
	require.Equal(t, "loopback_bayer", fb[0].TensorName)
	require.Equal(t, "fusion_feedback", fb[1].TensorName)
	require.Equal(t, "gamma_feedback", fb[2].TensorName)

	require.Equal(t, hdmPlaneBayer, v.DenoisedOutputIndex())
	require.True(t, v.IsPackedOutput())
}

func TestPreISPHDMSkipBindingsReuseCurrentFusionOutput(t *testing.T) {
	v := newPreISPHDM()
	output := acquireHDMFrame(t, 16, 8)

	skip := v.SkipBindings(output)
	require.Len(t, skip, 2)
	for _, b := range skip {
		require.Same(t, output, b.Frame)
		require.Equal(t, hdmPlaneFusion, b.PlaneIndex)
	}
	require.NotEqual(t, skip[0].TensorName, skip[1].TensorName)
}

func TestPreISPHDMGainBindingsMatchVD(t *testing.T) {
	hdm := newPreISPHDM()
	vd := newPreISPVD()

	gains := &SideGains{DGGain: 4}
	frame := acquireGainsFrameForTest(t)
	require.Equal(t, vd.GainBindings(gains, frame), hdm.GainBindings(gains, frame))
	require.Nil(t, hdm.GainBindings(nil, frame))
	require.Nil(t, hdm.GainBindings(gains, nil))
}

func TestPreISPVDHasNoSkipBindings(t *testing.T) {
	v := newPreISPVD()
	output := acquireGray16Frame(t, 16, 8)
	require.Nil(t, v.SkipBindings(output))
	require.False(t, v.IsPackedOutput())
}

// TestGainsFrameCarriesObservableDGainAndBLSBytes mirrors the side-gain
// acquisition in Engine.HandleFrame: acquireGainsFrame writes DGGain/BLS
// into a FormatGainScalar frame's two planes, and GainBindings binds those
// planes by name so the values are readable off the tensor bytes rather
// than lost to an unbacked placeholder binding.
func TestGainsFrameCarriesObservableDGainAndBLSBytes(t *testing.T) {
	gains := &SideGains{
		DGGain: 256,
		BLS:    v4l2.BLSValues{R: 1024, Gr: 1024, Gb: 1024, B: 1024},
	}
	pool := bufpool.NewPool("gains", 0, 0, bufpool.FormatGainScalar, 2, bufpool.MemDMABuf, newMemAllocator())
	require.NoError(t, pool.Init())

	frame, err := acquireGainsFrame(pool, gains)
	require.NoError(t, err)

	v := newPreISPVD()
	bindings := v.GainBindings(gains, frame)
	require.Len(t, bindings, 2)

	dgainBinding := bindings[0]
	require.Equal(t, "dgain", dgainBinding.TensorName)
	dgainBytes := dgainBinding.Frame.Planes[dgainBinding.PlaneIndex].Bytes()
	require.Equal(t, uint16(256), binary.LittleEndian.Uint16(dgainBytes))

	blsBinding := bindings[1]
	require.Equal(t, "bls", blsBinding.TensorName)
	blsBytes := blsBinding.Frame.Planes[blsBinding.PlaneIndex].Bytes()
	require.Len(t, blsBytes, 8)
	require.Equal(t, uint16(1024), binary.LittleEndian.Uint16(blsBytes[0:2]))
	require.Equal(t, uint16(1024), binary.LittleEndian.Uint16(blsBytes[2:4]))
	require.Equal(t, uint16(1024), binary.LittleEndian.Uint16(blsBytes[4:6]))
	require.Equal(t, uint16(1024), binary.LittleEndian.Uint16(blsBytes[6:8]))
}
