// Package config decodes the YAML configuration schema the pipeline core
// reads at startup: denoise/HDR enablement and network paths, the
// accelerator device id, and the input resolution. It is a plain decode
// layer — CLI flag parsing and the accelerator runtime's own property
// system are out of scope.
package config

import (
	"os"
	"time"

	"github.com/edgecam/medialib/denoise"
	"github.com/edgecam/medialib/hdrstitch"
	"github.com/edgecam/medialib/internal/errs"
	"gopkg.in/yaml.v3"
)

// NetworkConfig names the tensors the post-ISP NV12 denoise network binds.
type NetworkConfig struct {
	NetworkPath       string `yaml:"network_path"`
	YChannel          string `yaml:"y_channel"`
	UVChannel         string `yaml:"uv_channel"`
	FeedbackYChannel  string `yaml:"feedback_y_channel"`
	FeedbackUVChannel string `yaml:"feedback_uv_channel"`
	OutputYChannel    string `yaml:"output_y_channel"`
	OutputUVChannel   string `yaml:"output_uv_channel"`
}

// BayerNetworkConfig names the tensors the pre-ISP Bayer denoise network
// binds, including the optional fusion/gamma feedback taps.
type BayerNetworkConfig struct {
	NetworkPath          string `yaml:"network_path"`
	BayerChannel         string `yaml:"bayer_channel"`
	FeedbackBayerChannel string `yaml:"feedback_bayer_channel"`
	OutputBayerChannel   string `yaml:"output_bayer_channel"`
	DGainChannel         string `yaml:"dgain_channel,omitempty"`
	BLSChannel           string `yaml:"bls_channel,omitempty"`
	InputFusionFeedback  string `yaml:"input_fusion_feedback,omitempty"`
	OutputFusionFeedback string `yaml:"output_fusion_feedback,omitempty"`
	InputGammaFeedback   string `yaml:"input_gamma_feedback,omitempty"`
	OutputGammaFeedback  string `yaml:"output_gamma_feedback,omitempty"`
}

// DenoiseConfig is the `denoise.*` schema subset of the pipeline config file.
type DenoiseConfig struct {
	Enabled            bool               `yaml:"enabled"`
	Bayer              bool               `yaml:"bayer"`
	LoopbackCount      int                `yaml:"loopback_count"`
	NetworkConfig      NetworkConfig      `yaml:"network_config"`
	BayerNetworkConfig BayerNetworkConfig `yaml:"bayer_network_config"`
}

// HailortConfig names the accelerator device group to open.
type HailortConfig struct {
	DeviceID string `yaml:"device_id"`
}

// HDRConfig is the `hdr.*` schema subset: DOL mode and the short/long
// exposure ratios the sensor applies.
type HDRConfig struct {
	DOL     int     `yaml:"dol"`
	LSRatio float64 `yaml:"ls_ratio"`
	VSRatio float64 `yaml:"vs_ratio"`
}

// Resolution is `input.resolution`.
type Resolution struct {
	Width     uint32 `yaml:"width"`
	Height    uint32 `yaml:"height"`
	Framerate uint32 `yaml:"framerate"`
}

// InputConfig is `input.*`.
type InputConfig struct {
	Resolution Resolution `yaml:"resolution"`
}

// Config is the root document.
type Config struct {
	Denoise DenoiseConfig `yaml:"denoise"`
	Hailort HailortConfig `yaml:"hailort"`
	HDR     HDRConfig     `yaml:"hdr"`
	Input   InputConfig   `yaml:"input"`
}

// Load reads and decodes a YAML config document from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap("config.Load", errs.Configuration, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errs.Wrap("config.Load", errs.Configuration, err)
	}
	return &cfg, nil
}

// isHDM reports whether the bayer network config declares all four HDM
// fusion/gamma feedback channel names.
func (c *Config) isHDM() bool {
	bnc := c.Denoise.BayerNetworkConfig
	return bnc.InputFusionFeedback != "" && bnc.OutputFusionFeedback != "" &&
		bnc.InputGammaFeedback != "" && bnc.OutputGammaFeedback != ""
}

// DenoiseEngineConfig projects the decoded schema onto denoise.Config.
// The per-tensor channel names in NetworkConfig/BayerNetworkConfig describe
// the accelerator-side binding names a fully data-driven Variant would need;
// this module's Variant implementations (denoise.postISPNV12,
// denoise.preISPVD, denoise.preISPHDM) use fixed tensor names instead, so
// only the fields that affect the engine's own topology/geometry/scheduling
// are projected here — see DESIGN.md's Open Question on configurable tensor
// naming.
//
// Bayer selects pre-ISP; which pre-ISP shape depends on whether the
// network declares the HDM fusion/gamma feedback taps, present only for
// HDM. A bayer network config with all four feedback channel names set is
// HDM; otherwise it is VD.
func (c *Config) DenoiseEngineConfig(schedulerThreshold int, schedulerTimeout time.Duration, batchSize int, queueDepth, outputPoolCapacity int) denoise.Config {
	topology := denoise.TopologyPostISPNV12
	modelPath := c.Denoise.NetworkConfig.NetworkPath
	if c.Denoise.Bayer {
		topology = denoise.TopologyPreISPVD
		if c.isHDM() {
			topology = denoise.TopologyPreISPHDM
		}
		modelPath = c.Denoise.BayerNetworkConfig.NetworkPath
	}
	return denoise.Config{
		Enabled:            c.Denoise.Enabled,
		Topology:           topology,
		ModelPath:          modelPath,
		DeviceGroupID:      c.Hailort.DeviceID,
		SchedulerThreshold: schedulerThreshold,
		SchedulerTimeout:   schedulerTimeout,
		BatchSize:          batchSize,
		LoopbackCount:      c.Denoise.LoopbackCount,
		QueueDepth:         queueDepth,
		InputWidth:         c.Input.Resolution.Width,
		InputHeight:        c.Input.Resolution.Height,
		OutputPoolCapacity: uint32(outputPoolCapacity),
	}
}

// HDRStitchConfig projects the decoded schema onto hdrstitch.Config.
func (c *Config) HDRStitchConfig(modelPath string, schedulerThreshold int, schedulerTimeout time.Duration, batchSize, contextPoolCapacity, outputPoolCapacity int) hdrstitch.Config {
	mode := hdrstitch.DOL2
	if c.HDR.DOL == 3 {
		mode = hdrstitch.DOL3
	}
	return hdrstitch.Config{
		Enabled:             c.HDR.DOL > 0,
		Mode:                mode,
		ModelPath:           modelPath,
		DeviceGroupID:       c.Hailort.DeviceID,
		SchedulerThreshold:  schedulerThreshold,
		SchedulerTimeout:    schedulerTimeout,
		BatchSize:           batchSize,
		InputWidth:          c.Input.Resolution.Width,
		InputHeight:         c.Input.Resolution.Height,
		ContextPoolCapacity: uint32(contextPoolCapacity),
		OutputPoolCapacity:  uint32(outputPoolCapacity),
	}
}
