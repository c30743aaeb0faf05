package denoise

import (
	"github.com/edgecam/medialib/bufpool"
	"github.com/edgecam/medialib/infer"
)

// postISPNV12 denoises the ISP's NV12 output: two planar tensors (Y, UV) in
// and out, fed back through the loopback queue unchanged. No gain side
// tensors and no device injection — the result is delivered straight to
// whatever subscribes to the denoise stage.
type postISPNV12 struct{}

func newPostISPNV12() *postISPNV12 { return &postISPNV12{} }

func (v *postISPNV12) InputBindings(input *bufpool.Frame) []infer.Binding {
	return []infer.Binding{
		{Frame: input, PlaneIndex: 0, TensorName: "input_y", Format: infer.FormatNHCW},
		{Frame: input, PlaneIndex: 1, TensorName: "input_uv", Format: infer.FormatNHWC},
	}
}

func (v *postISPNV12) OutputBindings(output *bufpool.Frame) []infer.Binding {
	return []infer.Binding{
		{Frame: output, PlaneIndex: 0, TensorName: "output_y", Format: infer.FormatNHCW},
		{Frame: output, PlaneIndex: 1, TensorName: "output_uv", Format: infer.FormatNHWC},
	}
}

func (v *postISPNV12) LoopbackBindings(loopback *bufpool.Frame) []infer.Binding {
	return []infer.Binding{
		{Frame: loopback, PlaneIndex: 0, TensorName: "loopback_y", Format: infer.FormatNHCW},
		{Frame: loopback, PlaneIndex: 1, TensorName: "loopback_uv", Format: infer.FormatNHWC},
	}
}

func (v *postISPNV12) GainBindings(*SideGains, *bufpool.Frame) []infer.Binding { return nil }

func (v *postISPNV12) SkipBindings(*bufpool.Frame) []infer.Binding { return nil }

func (v *postISPNV12) DenoisedOutputIndex() int { return 0 }

func (v *postISPNV12) IsPackedOutput() bool { return false }
