package denoise

import (
	"github.com/edgecam/medialib/bufpool"
	"github.com/edgecam/medialib/infer"
)

// gainBindings builds the optional DG/BLS side tensors shared by both
// pre-ISP variants. frame is a bufpool.FormatGainScalar frame the engine
// has already written the current submission's SideGains into (see
// Engine.acquireGainsFrame); "dgain" reads plane 0, "bls" reads plane 1.
func gainBindings(gains *SideGains, frame *bufpool.Frame) []infer.Binding {
	if gains == nil || frame == nil {
		return nil
	}
	return []infer.Binding{
		{Frame: frame, PlaneIndex: 0, TensorName: "dgain", Format: infer.FormatNC},
		{Frame: frame, PlaneIndex: 1, TensorName: "bls", Format: infer.FormatNC},
	}
}

// preISPVD denoises raw Bayer ahead of the ISP using the VD (padded 16-bit)
// memory-coupling layout: a single plane in and out, self-looped back
// unchanged, plus the optional DG/BLS side tensors.
type preISPVD struct{}

func newPreISPVD() *preISPVD { return &preISPVD{} }

func (v *preISPVD) InputBindings(input *bufpool.Frame) []infer.Binding {
	return []infer.Binding{
		{Frame: input, PlaneIndex: 0, TensorName: "input_bayer", Format: infer.FormatNHCW},
	}
}

func (v *preISPVD) OutputBindings(output *bufpool.Frame) []infer.Binding {
	return []infer.Binding{
		{Frame: output, PlaneIndex: 0, TensorName: "output_bayer", Format: infer.FormatNHCW},
	}
}

func (v *preISPVD) LoopbackBindings(loopback *bufpool.Frame) []infer.Binding {
	return []infer.Binding{
		{Frame: loopback, PlaneIndex: 0, TensorName: "loopback_bayer", Format: infer.FormatNHCW},
	}
}

func (v *preISPVD) GainBindings(gains *SideGains, frame *bufpool.Frame) []infer.Binding {
	return gainBindings(gains, frame)
}

func (v *preISPVD) SkipBindings(*bufpool.Frame) []infer.Binding { return nil }

func (v *preISPVD) DenoisedOutputIndex() int { return 0 }

func (v *preISPVD) IsPackedOutput() bool { return false }

// preISPHDM denoises raw Bayer ahead of the ISP using the HDM (12-bit
// packed) memory-coupling layout: a three-tensor shape — a bayer input
// plus fusion-feedback and gamma-feedback, producing bayer, fusion and
// gamma outputs on one bufpool.FormatBayerHDM frame, plus two fusion-skip
// inputs that re-use the current submission's own fusion output as an
// extra input in the same cycle.
//
// The generic loopback queue in Engine already carries the whole 3-plane
// output frame forward one (or L) cycles, so LoopbackBindings reads the
// fusion-feedback and gamma-feedback tensors off the same popped loopback
// frame the bayer self-loopback comes from — no separate feedback queue is
// needed.
type preISPHDM struct{}

func newPreISPHDM() *preISPHDM { return &preISPHDM{} }

const (
	hdmPlaneBayer  = 0
	hdmPlaneFusion = 1
	hdmPlaneGamma  = 2
)

func (v *preISPHDM) InputBindings(input *bufpool.Frame) []infer.Binding {
	return []infer.Binding{
		{Frame: input, PlaneIndex: hdmPlaneBayer, TensorName: "input_bayer", Format: infer.FormatNHCW},
	}
}

func (v *preISPHDM) OutputBindings(output *bufpool.Frame) []infer.Binding {
	return []infer.Binding{
		{Frame: output, PlaneIndex: hdmPlaneBayer, TensorName: "output_bayer", Format: infer.FormatNHCW},
		{Frame: output, PlaneIndex: hdmPlaneFusion, TensorName: "output_fusion", Format: infer.FormatNHCW},
		{Frame: output, PlaneIndex: hdmPlaneGamma, TensorName: "output_gamma", Format: infer.FormatNHCW},
	}
}

func (v *preISPHDM) LoopbackBindings(loopback *bufpool.Frame) []infer.Binding {
	return []infer.Binding{
		{Frame: loopback, PlaneIndex: hdmPlaneBayer, TensorName: "loopback_bayer", Format: infer.FormatNHCW},
		{Frame: loopback, PlaneIndex: hdmPlaneFusion, TensorName: "fusion_feedback", Format: infer.FormatNHCW},
		{Frame: loopback, PlaneIndex: hdmPlaneGamma, TensorName: "gamma_feedback", Format: infer.FormatNHCW},
	}
}

func (v *preISPHDM) GainBindings(gains *SideGains, frame *bufpool.Frame) []infer.Binding {
	return gainBindings(gains, frame)
}

// SkipBindings binds the current cycle's own just-acquired output's fusion
// plane as two extra inputs. The network overwrites this same plane with
// its fusion result later in the same submission; like the loopback
// bootstrap, correctness depends on the network tolerating garbage/zero
// skip input on the first cycle after enable.
func (v *preISPHDM) SkipBindings(output *bufpool.Frame) []infer.Binding {
	return []infer.Binding{
		{Frame: output, PlaneIndex: hdmPlaneFusion, TensorName: "skip_fusion_in_0", Format: infer.FormatNHCW},
		{Frame: output, PlaneIndex: hdmPlaneFusion, TensorName: "skip_fusion_in_1", Format: infer.FormatNHCW},
	}
}

func (v *preISPHDM) DenoisedOutputIndex() int { return hdmPlaneBayer }

func (v *preISPHDM) IsPackedOutput() bool { return true }
