package denoise

import (
	"github.com/edgecam/medialib/bufpool"
	v4l2 "github.com/edgecam/medialib/v4l2"

	"github.com/edgecam/medialib/infer"
)

// SideGains is the white-balance digital-gain and black-level-subtraction
// snapshot the pre-ISP variant reads at frame-acquire time and binds as
// extra inference inputs. The post-ISP variant never populates this.
type SideGains struct {
	DGGain int32
	BLS    v4l2.BLSValues
}

// Variant is a tagged trait set used in place of a Topology base class:
// just enough seams for the three concrete shapes (planar NV12,
// single-plane Bayer VD, three-plane packed Bayer HDM) to share one
// Engine. A new topology
// is a new Variant, not a new Engine.
type Variant interface {
	// InputBindings names the tensor(s) carrying the frame being denoised.
	InputBindings(input *bufpool.Frame) []infer.Binding
	// OutputBindings names the tensor(s) the network writes the denoised
	// result into, backed by a freshly acquired output Frame.
	OutputBindings(output *bufpool.Frame) []infer.Binding
	// LoopbackBindings names the tensor(s) carrying a prior output fed back
	// as temporal context.
	LoopbackBindings(loopback *bufpool.Frame) []infer.Binding
	// GainBindings names the optional digital-gain/BLS side tensors, backed
	// by scalar (bufpool.FormatGainScalar) frame written by the engine at
	// acquire time; nil for variants that don't use them or when gains or
	// frame is nil.
	GainBindings(gains *SideGains, frame *bufpool.Frame) []infer.Binding
	// SkipBindings names the optional fusion-skip tensors that re-use the
	// current submission's own just-acquired output as an extra input in
	// the same cycle (HDM only); nil for variants that don't use them.
	SkipBindings(output *bufpool.Frame) []infer.Binding
	// DenoisedOutputIndex is the index into BindingSet.Outputs holding the
	// frame to deliver to the observer.
	DenoisedOutputIndex() int
	// IsPackedOutput reports whether the output tensor is 12-bit packed
	// Bayer (pre-ISP MCM packed mode) rather than padded 16-bit.
	IsPackedOutput() bool
}
