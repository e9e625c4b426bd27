package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/banshee-data/motionflow/internal/flow"
	"github.com/banshee-data/motionflow/internal/flow/algorithms"
	"github.com/banshee-data/motionflow/internal/monitoring"
	"github.com/banshee-data/motionflow/internal/version"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	switch command {
	case "run":
		handleRun(args)
	case "calibrate":
		handleCalibrate(args)
	case "runs":
		handleRuns(args)
	case "version":
		fmt.Println(version.String())
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`motionflow - optical flow from event camera recordings

Usage: motionflow <command> [options]

Commands:
  run        Filter an event recording and report flow statistics
  calibrate  Measure gyro offsets from a stationary IMU (serial or MQTT)
  runs       List stored run summaries
  version    Show motionflow version
  help       Show this help message

Examples:
  # Local plane fit against IMU ground truth
  motionflow run --events shapes.txt --imu shapes_imu.txt --accuracy

  # Compare against an imported flow field and keep the summary
  motionflow run --events rec.txt.gz --gt gt.json.gz --db flow.db --plots plots

  # Calibrate from a serial IMU and store the offsets
  motionflow calibrate --serial /dev/ttyACM0 --db flow.db

Run 'motionflow <command> -h' for command flags.`)
}

// setupLogging routes ops output to w. Verbose adds the diag and trace
// streams.
func setupLogging(w io.Writer, verbose bool) {
	if verbose {
		flow.SetLegacyLogger(w)
		algorithms.SetLegacyLogger(w)
	} else {
		flow.SetLogWriters(w, nil, nil)
		algorithms.SetLogWriters(w, nil, nil)
	}
	monitoring.SetWriter(w, "")
}
