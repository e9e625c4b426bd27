package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/motionflow/internal/flow"
	"github.com/banshee-data/motionflow/internal/flow/algorithms"
	"github.com/banshee-data/motionflow/internal/flowdb"
	"github.com/banshee-data/motionflow/internal/imumqtt"
	"github.com/banshee-data/motionflow/internal/imuserial"
	"github.com/banshee-data/motionflow/internal/monitoring"
	"github.com/banshee-data/motionflow/internal/timeutil"
)

var errCalibrationIncomplete = errors.New("imu stream ended before calibration completed")

func handleCalibrate(args []string) {
	fs := flag.NewFlagSet("calibrate", flag.ExitOnError)
	serialPath := fs.String("serial", "", "Serial device streaming gyro samples")
	baud := fs.Int("baud", imuserial.DefaultBaudRate, "Serial baud rate")
	broker := fs.String("mqtt-broker", "", "MQTT broker streaming gyro samples (tcp://host:1883)")
	topic := fs.String("mqtt-topic", imumqtt.DefaultIMUTopic, "MQTT gyro topic")
	dbPath := fs.String("db", "", "Store the offsets in this sqlite database")
	timeout := fs.Duration("timeout", 2*time.Minute, "Give up after this long")
	verbose := fs.Bool("v", false, "Verbose diagnostics")
	fs.Parse(args)

	if (*serialPath == "") == (*broker == "") {
		fmt.Fprintln(os.Stderr, "Error: exactly one of --serial or --mqtt-broker is required")
		fs.Usage()
		os.Exit(1)
	}
	setupLogging(os.Stderr, *verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	samples := make(chan flow.IMUSample)
	errc := make(chan error, 1)
	var source string
	var serialReader *imuserial.Reader

	if *serialPath != "" {
		source = "serial:" + *serialPath
		r, err := imuserial.Open(*serialPath, imuserial.PortOptions{BaudRate: *baud})
		if err != nil {
			fmt.Fprintf(os.Stderr, "open %s: %v\n", *serialPath, err)
			os.Exit(1)
		}
		defer r.Close()
		serialReader = r
		go func() {
			errc <- r.Monitor(ctx, samples)
			close(samples)
		}()
	} else {
		source = "mqtt:" + *topic
		bridge, disconnect, err := imumqtt.Connect(imumqtt.Options{Broker: *broker, IMUTopic: *topic})
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		defer disconnect()
		go func() {
			errc <- bridge.Subscribe(ctx, samples)
			close(samples)
		}()
	}

	p := flow.NewPipeline(flow.DefaultGeometry(), flow.DefaultParams(), algorithms.NewIMUPassthrough())
	offsets, err := calibrate(ctx, p, timeutil.RealClock{}, samples, errc)
	if serialReader != nil {
		lines, dropped := serialReader.Stats()
		monitoring.Logf("%s: %d lines read, %d dropped", source, lines, dropped)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "calibration failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("pan_offset=%.4f tilt_offset=%.4f roll_offset=%.4f\n", offsets.Pan, offsets.Tilt, offsets.Roll)

	if *dbPath != "" {
		db, err := flowdb.Open(*dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		defer db.Close()
		cal := &flowdb.Calibration{Source: source, Offsets: offsets, Samples: flow.CalibrationSamples}
		if err := flowdb.NewCalibrationStore(db).Insert(cal); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		fmt.Printf("stored calibration %s\n", cal.CalibrationID)
	}
}

// calibrate drains samples into the pipeline until its gyro calibration
// latches, logging progress every second. The producer must close samples
// after sending its result on errc.
func calibrate(ctx context.Context, p *flow.Pipeline, clock timeutil.Clock, samples <-chan flow.IMUSample, errc <-chan error) (flow.CalibrationOffsets, error) {
	p.StartIMUCalibration()
	tick := clock.NewTicker(time.Second)
	defer tick.Stop()

	n := 0
	for {
		select {
		case s, ok := <-samples:
			if !ok {
				return flow.CalibrationOffsets{}, streamEnded(ctx, errc)
			}
			n++
			p.UpdateIMU(s)
			if !p.IsIMUCalibrating() {
				return p.IMUOffsets(), nil
			}
		case <-tick.C():
			monitoring.Logf("calibrating: %d of %d samples", n, flow.CalibrationSamples)
		}
	}
}

func streamEnded(ctx context.Context, errc <-chan error) error {
	if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errCalibrationIncomplete
}
