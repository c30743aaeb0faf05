package hdrstitch

// maxGainValue is the fusion model's gain-tensor ceiling; a sensor reporting
// a higher digital gain than this is clamped rather than rejected.
const maxGainValue = 127

// clampGains clips every exposure's gain value into [0, maxGainValue],
// reporting whether any clipping occurred so the caller can warn once.
func clampGains(gains []int32) (clamped []int32, didClip bool) {
	out := make([]int32, len(gains))
	for i, g := range gains {
		switch {
		case g > maxGainValue:
			out[i] = maxGainValue
			didClip = true
		case g < 0:
			out[i] = 0
			didClip = true
		default:
			out[i] = g
		}
	}
	return out, didClip
}
