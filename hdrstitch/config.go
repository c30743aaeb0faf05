// Package hdrstitch implements the multi-exposure HDR stitcher: capture N
// differently-exposed raw frames (DOL-2 or DOL-3), fuse them into one frame
// via an accelerator inference submission, and inject the stitched result
// back into the ISP's memory-injection path.
package hdrstitch

import "time"

// DOLMode selects how many exposures one stitch cycle captures.
type DOLMode int

const (
	DOL2 DOLMode = 2
	DOL3 DOLMode = 3
)

func (m DOLMode) exposureCount() int { return int(m) }

// Config is the HDR stitcher's configuration contract.
type Config struct {
	Enabled bool
	Mode    DOLMode

	ModelPath          string
	DeviceGroupID      string
	SchedulerThreshold int
	SchedulerTimeout   time.Duration
	BatchSize          int

	InputWidth  uint32
	InputHeight uint32

	// ContextPoolCapacity should be set to
	// min(raw-capture pool capacity, ISP-input pool capacity) + 1, so a
	// context is never starved ahead of the pools it straddles.
	ContextPoolCapacity uint32
	OutputPoolCapacity  uint32
}

func (c Config) Equal(o Config) bool { return c == o }
