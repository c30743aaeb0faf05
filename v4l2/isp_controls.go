package v4l2

// Named ISP and sensor controls. These live in the user control class at
// 0x00981000 (the class base 0x00980000 plus 0x1000, above the kernel's
// standard user controls) rather than in the kernel's public
// videodev2.h, so they are declared as plain numeric
// constants instead of pulled in via the cgo header control.go/
// control_values.go build against.
const (
	ispPrivateBase = 0x00980000 + 0x1000

	// Exposure / auto-exposure.
	CtrlISPAEEnable          CtrlID = ispPrivateBase + 0
	CtrlISPAEGain            CtrlID = ispPrivateBase + 1
	CtrlISPAEIntegrationTime CtrlID = ispPrivateBase + 2

	// White balance, one control per CFA channel.
	CtrlISPWBRGain  CtrlID = ispPrivateBase + 10
	CtrlISPWBGrGain CtrlID = ispPrivateBase + 11
	CtrlISPWBGbGain CtrlID = ispPrivateBase + 12
	CtrlISPWBBGain  CtrlID = ispPrivateBase + 13

	// Black-level subtraction, one control per CFA channel.
	CtrlISPBLSR  CtrlID = ispPrivateBase + 20
	CtrlISPBLSGr CtrlID = ispPrivateBase + 21
	CtrlISPBLSGb CtrlID = ispPrivateBase + 22
	CtrlISPBLSB  CtrlID = ispPrivateBase + 23

	// Digital gain and HDR exposure ratio.
	CtrlISPDGGain   CtrlID = ispPrivateBase + 30
	CtrlISPHDRRatio CtrlID = ispPrivateBase + 31

	// Memory-coupling mode selector (packed 12-bit vs. padded 16-bit
	// Bayer hand-off between the sensor capture path and the ISP-input
	// injection path) and capture timestamp mode.
	CtrlMCMModeSel    CtrlID = ispPrivateBase + 40
	CtrlTimestampMode CtrlID = ispPrivateBase + 41

	// HDR-forward-timestamp: set while the HDR stitcher owns the
	// ISP-input device, cleared on stop so the ISP stops expecting
	// stitched timestamps once injection ends.
	CtrlHDRForwardTimestamp CtrlID = ispPrivateBase + 42

	// Sensor subdev controls.
	CtrlSensorWDRMode          CtrlID = ispPrivateBase + 50
	CtrlSensorExposureShutter  CtrlID = ispPrivateBase + 51
	CtrlSensorExposureReadout  CtrlID = ispPrivateBase + 52
	CtrlSensorVerticalSpan     CtrlID = ispPrivateBase + 53
	CtrlSensorHorizontalSpan   CtrlID = ispPrivateBase + 54
	CtrlSensorModeSel          CtrlID = ispPrivateBase + 55
)

// MCMMode selects the Memory-Coupling Mode the pre-ISP denoise/HDR paths
// program when handing Bayer frames to the ISP-input device.
type MCMMode int32

const (
	// MCMModeInjection packs frames as padded 16-bit Bayer for direct ISP
	// memory injection.
	MCMModeInjection MCMMode = iota
	// MCMModePacked uses 12-bit-packed Bayer (3 bytes per 2 pixels).
	MCMModePacked
)

// SetMCMMode programs the Memory-Coupling Mode selector control.
func SetMCMMode(fd uintptr, mode MCMMode) error {
	return SetControlValue(fd, CtrlMCMModeSel, CtrlValue(mode))
}

// WBGains is one read of the sensor's four white-balance gain controls.
type WBGains struct {
	R, Gr, Gb, B CtrlValue
}

// GetWBGains reads all four white-balance gain controls in one call, a
// moment-of-acquire snapshot meant to back the DG/BLS side tensors.
func GetWBGains(fd uintptr) (WBGains, error) {
	var g WBGains
	var err error
	if g.R, err = GetControlValue(fd, CtrlISPWBRGain); err != nil {
		return g, err
	}
	if g.Gr, err = GetControlValue(fd, CtrlISPWBGrGain); err != nil {
		return g, err
	}
	if g.Gb, err = GetControlValue(fd, CtrlISPWBGbGain); err != nil {
		return g, err
	}
	if g.B, err = GetControlValue(fd, CtrlISPWBBGain); err != nil {
		return g, err
	}
	return g, nil
}

// BLSValues is one read of the sensor's four black-level-subtraction
// controls, one per CFA channel.
type BLSValues struct {
	R, Gr, Gb, B CtrlValue
}

// GetBLSValues reads all four black-level-subtraction controls.
func GetBLSValues(fd uintptr) (BLSValues, error) {
	var v BLSValues
	var err error
	if v.R, err = GetControlValue(fd, CtrlISPBLSR); err != nil {
		return v, err
	}
	if v.Gr, err = GetControlValue(fd, CtrlISPBLSGr); err != nil {
		return v, err
	}
	if v.Gb, err = GetControlValue(fd, CtrlISPBLSGb); err != nil {
		return v, err
	}
	if v.B, err = GetControlValue(fd, CtrlISPBLSB); err != nil {
		return v, err
	}
	return v, nil
}
