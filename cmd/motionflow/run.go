package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/motionflow/internal/config"
	"github.com/banshee-data/motionflow/internal/events"
	"github.com/banshee-data/motionflow/internal/flow"
	"github.com/banshee-data/motionflow/internal/flow/algorithms"
	"github.com/banshee-data/motionflow/internal/flow/monitor"
	"github.com/banshee-data/motionflow/internal/flowdb"
	"github.com/banshee-data/motionflow/internal/imumqtt"
	"github.com/banshee-data/motionflow/internal/monitoring"
)

type runOptions struct {
	EventsPath string
	IMUPath    string
	ConfigPath string
	Algorithm  string
	OutPath    string

	GroundTruthPath string
	Accuracy        bool
	ProcessingTime  bool

	ExportPath string
	ExportTMin int64
	ExportTMax int64

	DBPath            string
	StoredCalibration bool
	PlotsDir          string
	PacketSize        int

	MQTTBroker string
	MQTTTopic  string
}

func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var o runOptions
	fs.StringVar(&o.EventsPath, "events", "", "Event file: lines of 't x y p' (.gz accepted, required)")
	fs.StringVar(&o.IMUPath, "imu", "", "Gyro file: lines of 't pan tilt roll'")
	fs.StringVar(&o.ConfigPath, "config", "", "Tuning config JSON (defaults apply to omitted fields)")
	fs.StringVar(&o.Algorithm, "algorithm", "LocalPlanes", fmt.Sprintf("Flow algorithm %v", algorithms.Names()))
	fs.StringVar(&o.OutPath, "out", "", "Write motion events to this file")
	fs.StringVar(&o.GroundTruthPath, "gt", "", "Ground-truth flow field JSON (.gz accepted)")
	fs.BoolVar(&o.Accuracy, "accuracy", false, "Measure accuracy against ground truth")
	fs.BoolVar(&o.ProcessingTime, "processing-time", false, "Measure per-event processing time")
	fs.StringVar(&o.ExportPath, "export", "", "Export the flow field of one time window to this JSON file")
	fs.Int64Var(&o.ExportTMin, "export-tmin", 0, "Export window start (us)")
	fs.Int64Var(&o.ExportTMax, "export-tmax", 0, "Export window end (us)")
	fs.StringVar(&o.DBPath, "db", "", "sqlite database to store the run summary in")
	fs.BoolVar(&o.StoredCalibration, "stored-calibration", false, "Use the latest gyro calibration from --db")
	fs.StringVar(&o.PlotsDir, "plots", "", "Write per-packet statistics plots under this directory")
	fs.IntVar(&o.PacketSize, "packet-size", 0, "Events per packet (default from config)")
	fs.StringVar(&o.MQTTBroker, "mqtt-broker", "", "Publish the summary to this MQTT broker (tcp://host:1883)")
	fs.StringVar(&o.MQTTTopic, "mqtt-topic", imumqtt.DefaultSummaryTopic, "MQTT summary topic")
	verbose := fs.Bool("v", false, "Verbose diagnostics")
	fs.Parse(args)

	if o.EventsPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --events is required")
		fs.Usage()
		os.Exit(1)
	}
	setupLogging(os.Stderr, *verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := runFlow(ctx, o, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.EmptyTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

func readRecording(eventsPath, imuPath string) ([]flow.Event, error) {
	rc, err := events.Open(eventsPath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	evs, err := events.ReadEvents(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", eventsPath, err)
	}
	if imuPath == "" {
		return evs, nil
	}

	ic, err := events.Open(imuPath)
	if err != nil {
		return nil, err
	}
	defer ic.Close()
	imu, err := events.ReadIMU(ic)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", imuPath, err)
	}
	events.SortIMU(imu)
	return events.Merge(evs, imu), nil
}

// runFlow filters a recording end to end and writes the summary as JSON
// to stdout.
func runFlow(ctx context.Context, o runOptions, stdout io.Writer) (flow.Summary, error) {
	started := time.Now()

	cfg, err := loadConfig(o.ConfigPath)
	if err != nil {
		return flow.Summary{}, err
	}
	algo, err := algorithms.New(o.Algorithm, cfg)
	if err != nil {
		return flow.Summary{}, err
	}

	var db *flowdb.DB
	if o.DBPath != "" {
		if db, err = flowdb.Open(o.DBPath); err != nil {
			return flow.Summary{}, err
		}
		defer db.Close()
	}

	p := flow.NewPipeline(flow.GeometryFromTuning(cfg), flow.ParamsFromTuning(cfg), algo)
	p.SetIMUOffsets(flow.OffsetsFromTuning(cfg))
	if o.StoredCalibration && db != nil {
		cal, err := flowdb.NewCalibrationStore(db).Latest()
		switch {
		case errors.Is(err, flowdb.ErrNotFound):
			monitoring.Logf("no stored calibration, using configured offsets")
		case err != nil:
			return flow.Summary{}, err
		default:
			p.SetIMUOffsets(cal.Offsets)
			monitoring.Logf("using calibration %s from %s", cal.CalibrationID, cal.Source)
		}
	}

	// Both modes reset the filter, so they go before the ground truth import.
	if o.ProcessingTime {
		p.SetMeasureProcessingTime(true)
	}
	if o.Accuracy || o.GroundTruthPath != "" {
		p.SetMeasureAccuracy(true)
	}
	if o.GroundTruthPath != "" {
		if err := p.ImportGroundTruth(o.GroundTruthPath); err != nil {
			return flow.Summary{}, err
		}
	}
	if o.ExportPath != "" {
		p.ExportFlow(o.ExportPath, o.ExportTMin, o.ExportTMax)
	}

	evs, err := readRecording(o.EventsPath, o.IMUPath)
	if err != nil {
		return flow.Summary{}, err
	}

	var out *bufio.Writer
	if o.OutPath != "" {
		f, err := os.Create(o.OutPath)
		if err != nil {
			return flow.Summary{}, err
		}
		defer f.Close()
		out = bufio.NewWriter(f)
		fmt.Fprintln(out, "# t x y p vx vy")
	}

	var plots *monitor.StatsPlotter
	if o.PlotsDir != "" {
		plots = monitor.NewStatsPlotter()
		if err := plots.Start(monitor.MakePlotOutputDir(o.PlotsDir, o.EventsPath)); err != nil {
			return flow.Summary{}, err
		}
	}

	packetSize := o.PacketSize
	if packetSize <= 0 {
		packetSize = cfg.GetPacketSize()
	}
	for _, pkt := range events.Packetize(evs, packetSize) {
		if err := ctx.Err(); err != nil {
			return flow.Summary{}, err
		}
		motion := p.FilterPacket(pkt)
		if out != nil {
			for _, m := range motion {
				fmt.Fprintf(out, "%d %d %d %d %.3f %.3f\n", m.Timestamp, m.X, m.Y, m.Polarity, m.Velocity.Vx, m.Velocity.Vy)
			}
		}
		if plots != nil {
			plots.Sample(p.Summary())
		}
	}

	if out != nil {
		if err := out.Flush(); err != nil {
			return flow.Summary{}, fmt.Errorf("write %s: %w", o.OutPath, err)
		}
	}
	if o.ExportPath != "" && !p.ExportDone() {
		monitoring.Logf("export window (%d,%d) never closed; %s not written", o.ExportTMin, o.ExportTMax, o.ExportPath)
	}

	summary := p.TriggerLogging()

	if plots != nil {
		plots.Stop()
		if n, err := plots.GeneratePlots(); err != nil {
			monitoring.Logf("plots: %v", err)
		} else {
			monitoring.Logf("wrote %d plots", n)
		}
	}

	if db != nil {
		params, err := json.Marshal(p.Tuning(cfg))
		if err != nil {
			return summary, fmt.Errorf("marshal run params: %w", err)
		}
		run := &flowdb.Run{
			Source:     o.EventsPath,
			Algorithm:  algo.Name(),
			StartedAt:  started.UnixNano(),
			FinishedAt: time.Now().UnixNano(),
			Summary:    summary,
			ParamsJSON: params,
		}
		if err := flowdb.NewRunStore(db).Insert(run); err != nil {
			monitoring.Logf("store run: %v", err)
		} else {
			monitoring.Logf("stored run %s", run.RunID)
		}
	}

	if o.MQTTBroker != "" {
		bridge, disconnect, err := imumqtt.Connect(imumqtt.Options{Broker: o.MQTTBroker, SummaryTopic: o.MQTTTopic})
		if err != nil {
			monitoring.Logf("mqtt: %v", err)
		} else {
			if err := bridge.PublishSummary(summary); err != nil {
				monitoring.Logf("mqtt: %v", err)
			}
			disconnect()
		}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return summary, err
	}
	return summary, nil
}
