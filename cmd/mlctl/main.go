// Command mlctl is a thin operational diagnostic for a running pipeline
// host: list V4L2 device nodes, dump a sensor's named ISP controls, and
// probe a device's negotiated format, by shelling out to v4l2-ctl rather
// than linking the cgo V4L2 bindings into a tool that never streams a
// frame.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/vladimirvivien/gexe"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: mlctl <list-devices|dump-controls|probe> [args]")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	switch args[0] {
	case "list-devices":
		listDevices()
	case "dump-controls":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: mlctl dump-controls <device-path>")
			os.Exit(2)
		}
		dumpControls(args[1])
	case "probe":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: mlctl probe <device-path>")
			os.Exit(2)
		}
		probe(args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
}

func listDevices() {
	out := gexe.Run("v4l2-ctl --list-devices")
	if out == "" {
		fmt.Fprintln(os.Stderr, "no output from v4l2-ctl; is it installed and are video nodes present?")
		os.Exit(1)
	}
	fmt.Println(out)
}

// dumpControls prints every named ISP/sensor control this tool knows about
// that v4l2-ctl reports as present on dev, one per line. Controls the
// running kernel driver doesn't expose are silently omitted rather than
// treated as an error, since the named-control set varies by sensor/ISP
// combination.
func dumpControls(dev string) {
	named := []string{
		"isp_ae_enable", "isp_ae_gain", "isp_ae_integration_time",
		"isp_wb_r_gain", "isp_wb_gr_gain", "isp_wb_gb_gain", "isp_wb_b_gain",
		"isp_bls_r", "isp_bls_gr", "isp_bls_gb", "isp_bls_b",
		"isp_dg_gain", "isp_hdr_ratio", "mcm_mode_sel", "timestamp_mode",
	}
	out := gexe.Run(fmt.Sprintf("v4l2-ctl -d %s --list-ctrls", dev))
	if out == "" {
		fmt.Fprintf(os.Stderr, "no control list returned for %s\n", dev)
		os.Exit(1)
	}
	lines := strings.Split(out, "\n")
	for _, name := range named {
		for _, line := range lines {
			if strings.Contains(line, name) {
				fmt.Println(strings.TrimSpace(line))
			}
		}
	}
}

func probe(dev string) {
	out := gexe.Run(fmt.Sprintf("v4l2-ctl -d %s --all", dev))
	if out == "" {
		fmt.Fprintf(os.Stderr, "no output for %s; device may not exist\n", dev)
		os.Exit(1)
	}
	fmt.Println(out)
}
