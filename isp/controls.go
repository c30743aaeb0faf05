// Package isp is the named ISP control surface: a per-sensor-index handle
// onto a raw-capture device's control set, passed into denoise/HDR
// constructors instead of reaching for process-wide device state. Two
// instances (one per sensor path) can coexist with no shared mutable
// state.
package isp

import (
	"github.com/edgecam/medialib/internal/errs"
	v4l2 "github.com/edgecam/medialib/v4l2"
)

// WDRMode selects the sensor's Wide Dynamic Range operating mode.
type WDRMode int32

const (
	WDRModeOff WDRMode = iota
	WDRModeOn
)

// Controls is a named control manager bound to one sensor's V4L2 fd. It
// exposes every sensor/ISP control by purpose rather than by raw control
// ID, so callers never touch v4l2.CtrlID directly.
type Controls struct {
	index int
	fd    uintptr
}

// New binds a Controls instance to sensorFd for sensor instance index
// (0-based; a system with two raw-capture paths for stereo or multi-sensor
// HDR gets two independent Controls, never a shared global).
func New(index int, sensorFd uintptr) *Controls {
	return &Controls{index: index, fd: sensorFd}
}

// Index returns the sensor instance index this Controls was constructed
// for.
func (c *Controls) Index() int { return c.index }

func (c *Controls) get(id v4l2.CtrlID) (int32, error) {
	v, err := v4l2.GetControlValue(c.fd, id)
	if err != nil {
		return 0, errs.Wrap("isp.Controls", errs.MediaLibrary, err)
	}
	return v, nil
}

func (c *Controls) set(id v4l2.CtrlID, val int32) error {
	if err := v4l2.SetControlValue(c.fd, id, val); err != nil {
		return errs.Wrap("isp.Controls", errs.MediaLibrary, err)
	}
	return nil
}

// SetAEEnable enables or disables the ISP's auto-exposure loop.
func (c *Controls) SetAEEnable(enabled bool) error {
	var v int32
	if enabled {
		v = 1
	}
	return c.set(v4l2.CtrlISPAEEnable, v)
}

// AEGain reads the current auto-exposure analog gain.
func (c *Controls) AEGain() (int32, error) { return c.get(v4l2.CtrlISPAEGain) }

// AEIntegrationTimeUs reads the current exposure integration time in
// microseconds.
func (c *Controls) AEIntegrationTimeUs() (int32, error) { return c.get(v4l2.CtrlISPAEIntegrationTime) }

// WBGains reads the four per-CFA-channel white-balance gains.
func (c *Controls) WBGains() (v4l2.WBGains, error) {
	g, err := v4l2.GetWBGains(c.fd)
	if err != nil {
		return g, errs.Wrap("isp.Controls.WBGains", errs.MediaLibrary, err)
	}
	return g, nil
}

// BLSValues reads the four per-CFA-channel black-level-subtraction values.
func (c *Controls) BLSValues() (v4l2.BLSValues, error) {
	v, err := v4l2.GetBLSValues(c.fd)
	if err != nil {
		return v, errs.Wrap("isp.Controls.BLSValues", errs.MediaLibrary, err)
	}
	return v, nil
}

// SetDGGain programs the digital gain control.
func (c *Controls) SetDGGain(v int32) error { return c.set(v4l2.CtrlISPDGGain, v) }

// DGGain reads the digital gain control.
func (c *Controls) DGGain() (int32, error) { return c.get(v4l2.CtrlISPDGGain) }

// SetHDRRatio programs the HDR exposure ratio between the long and short
// DOL exposures.
func (c *Controls) SetHDRRatio(v int32) error { return c.set(v4l2.CtrlISPHDRRatio, v) }

// SetMCMMode programs the Memory-Coupling Mode (packed 12-bit vs. padded
// 16-bit Bayer) used when handing frames to the ISP-input device.
func (c *Controls) SetMCMMode(mode v4l2.MCMMode) error { return v4l2.SetMCMMode(c.fd, mode) }

// SetTimestampMode toggles the capture timestamp source.
func (c *Controls) SetTimestampMode(v int32) error { return c.set(v4l2.CtrlTimestampMode, v) }

// SetHDRForwardTimestamp sets or clears the HDR-forward-timestamp control
// the HDR stitcher owns while it is actively injecting stitched frames into
// the ISP input. Callers must call SetHDRForwardTimestamp(0) on stop so the
// ISP stops expecting stitched timestamps once injection ends.
func (c *Controls) SetHDRForwardTimestamp(v int32) error {
	return c.set(v4l2.CtrlHDRForwardTimestamp, v)
}

// SetWDRMode programs the sensor subdev's Wide Dynamic Range mode.
func (c *Controls) SetWDRMode(mode WDRMode) error {
	return c.set(v4l2.CtrlSensorWDRMode, int32(mode))
}

// SetSensorModeSel programs the sensor subdev's mode_sel control (SDR/HDR/
// MCM sensor streaming mode).
func (c *Controls) SetSensorModeSel(v int32) error { return c.set(v4l2.CtrlSensorModeSel, v) }

// ExposureShutterReadout reads the sensor subdev's shutter and readout
// timing controls, in that order.
func (c *Controls) ExposureShutterReadout() (shutter, readout int32, err error) {
	if shutter, err = c.get(v4l2.CtrlSensorExposureShutter); err != nil {
		return 0, 0, err
	}
	if readout, err = c.get(v4l2.CtrlSensorExposureReadout); err != nil {
		return 0, 0, err
	}
	return shutter, readout, nil
}
