// Package monitor records per-packet flow statistics during a run and
// renders them as PNG plots afterwards.
package monitor

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/motionflow/internal/flow"
)

// StatsPlotter accumulates flow.Summary snapshots, one per packet.
type StatsPlotter struct {
	mu        sync.Mutex
	enabled   bool
	outputDir string
	samples   []StatsSample

	prevIn  int64
	prevOut int64
}

// StatsSample is one packet's worth of statistics.
type StatsSample struct {
	Packet int64

	// Events entering and leaving the filter in this packet.
	EventsIn  int64
	EventsOut int64

	// Means over the packet.
	GlobalVx         float64
	GlobalVy         float64
	GlobalRotation   float64
	GlobalExpansion  float64
	AngularError     float64
	EndpointErrorAbs float64
	ProcessingTimeUs float64
}

func NewStatsPlotter() *StatsPlotter {
	return &StatsPlotter{}
}

// Start creates outputDir and begins recording.
func (sp *StatsPlotter) Start(outputDir string) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	sp.outputDir = outputDir
	sp.enabled = true
	sp.samples = nil
	sp.prevIn, sp.prevOut = 0, 0
	return nil
}

// Stop disables sampling. Call GeneratePlots() to produce output files.
func (sp *StatsPlotter) Stop() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.enabled = false
}

func (sp *StatsPlotter) IsEnabled() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.enabled
}

// Sample records the state after a packet. Counters in s are cumulative;
// a drop in them means the filter was reset and the deltas restart.
func (sp *StatsPlotter) Sample(s flow.Summary) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if !sp.enabled {
		return
	}

	if s.EventsIn < sp.prevIn || s.EventsOut < sp.prevOut {
		sp.prevIn, sp.prevOut = 0, 0
	}
	sp.samples = append(sp.samples, StatsSample{
		Packet:           int64(len(sp.samples)) + 1,
		EventsIn:         s.EventsIn - sp.prevIn,
		EventsOut:        s.EventsOut - sp.prevOut,
		GlobalVx:         s.GlobalVx,
		GlobalVy:         s.GlobalVy,
		GlobalRotation:   s.GlobalRotation,
		GlobalExpansion:  s.GlobalExpansion,
		AngularError:     s.AngularErrorMean,
		EndpointErrorAbs: s.EndpointErrorAbsMean,
		ProcessingTimeUs: s.ProcessingTimeMeanUs,
	})
	sp.prevIn, sp.prevOut = s.EventsIn, s.EventsOut
}

// SampleCount returns the number of packets recorded.
func (sp *StatsPlotter) SampleCount() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return len(sp.samples)
}

type series struct {
	label string
	value func(StatsSample) float64
}

type figure struct {
	file   string
	title  string
	yLabel string
	lines  []series
}

var figures = []figure{
	{
		file: "events.png", title: "Events per Packet", yLabel: "Events",
		lines: []series{
			{"in", func(s StatsSample) float64 { return float64(s.EventsIn) }},
			{"out", func(s StatsSample) float64 { return float64(s.EventsOut) }},
		},
	},
	{
		file: "global_flow.png", title: "Global Translation", yLabel: "px/s",
		lines: []series{
			{"vx", func(s StatsSample) float64 { return s.GlobalVx }},
			{"vy", func(s StatsSample) float64 { return s.GlobalVy }},
		},
	},
	{
		file: "global_rotation.png", title: "Global Rotation and Expansion", yLabel: "1/s",
		lines: []series{
			{"rotation", func(s StatsSample) float64 { return s.GlobalRotation }},
			{"expansion", func(s StatsSample) float64 { return s.GlobalExpansion }},
		},
	},
	{
		file: "accuracy.png", title: "Accuracy", yLabel: "AE (deg) / EE (px/s)",
		lines: []series{
			{"angular error", func(s StatsSample) float64 { return s.AngularError }},
			{"endpoint error", func(s StatsSample) float64 { return s.EndpointErrorAbs }},
		},
	},
	{
		file: "processing_time.png", title: "Processing Time", yLabel: "us/event",
		lines: []series{
			{"mean", func(s StatsSample) float64 { return s.ProcessingTimeUs }},
		},
	},
}

var palette = []color.Color{
	color.RGBA{R: 31, G: 119, B: 180, A: 255},
	color.RGBA{R: 214, G: 39, B: 40, A: 255},
}

// GeneratePlots writes one PNG per figure and returns how many were written.
func (sp *StatsPlotter) GeneratePlots() (int, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.outputDir == "" {
		return 0, fmt.Errorf("no output directory configured")
	}
	if len(sp.samples) == 0 {
		return 0, nil
	}

	count := 0
	for _, fig := range figures {
		p := plot.New()
		p.Title.Text = fig.title
		p.X.Label.Text = "Packet"
		p.Y.Label.Text = fig.yLabel
		p.Legend.Top = true
		p.Legend.Left = false
		p.Legend.XOffs = -10
		p.Legend.YOffs = -10

		for i, sr := range fig.lines {
			pts := make(plotter.XYs, len(sp.samples))
			for j, s := range sp.samples {
				pts[j] = plotter.XY{X: float64(s.Packet), Y: sr.value(s)}
			}
			line, err := plotter.NewLine(pts)
			if err != nil {
				return count, fmt.Errorf("%s: %w", fig.file, err)
			}
			line.Color = palette[i%len(palette)]
			line.Width = vg.Points(1)
			p.Add(line)
			p.Legend.Add(sr.label, line)
		}

		file := filepath.Join(sp.outputDir, fig.file)
		if err := p.Save(10*vg.Inch, 4*vg.Inch, file); err != nil {
			return count, fmt.Errorf("save %s: %w", fig.file, err)
		}
		count++
	}
	return count, nil
}

// MakePlotOutputDir returns plots/<source basename>/<timestamp>.
func MakePlotOutputDir(baseDir, source string) string {
	ts := time.Now().Format("20060102_150405")
	base := filepath.Base(source)
	name := base[:len(base)-len(filepath.Ext(base))]
	if name == "" {
		name = "run"
	}
	return filepath.Join(baseDir, name, ts)
}
