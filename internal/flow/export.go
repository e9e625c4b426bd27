package flow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FlowExporter collects the last known flow per pixel over a timestamp
// window and writes it once when a packet starts after the window.
type FlowExporter struct {
	path       string
	tmin, tmax int64
	sizeX      int
	sizeY      int

	vx, vy [][]float64
	done   bool
}

// flowExportFile is the on-disk JSON layout, indexed [y][x].
type flowExportFile struct {
	Vx [][]float64 `json:"vx"`
	Vy [][]float64 `json:"vy"`
}

// NewFlowExporter exports flow from packets whose first timestamp lies in
// (tmin, tmax) to path.
func NewFlowExporter(path string, tmin, tmax int64, sizeX, sizeY int) *FlowExporter {
	return &FlowExporter{path: path, tmin: tmin, tmax: tmax, sizeX: sizeX, sizeY: sizeY}
}

// Done reports whether the export has been written this session.
func (x *FlowExporter) Done() bool { return x.done }

// Path is the output file.
func (x *FlowExporter) Path() string { return x.path }

// Reset re-arms the exporter for a new session.
func (x *FlowExporter) Reset(sizeX, sizeY int) {
	x.sizeX, x.sizeY = sizeX, sizeY
	x.vx, x.vy = nil, nil
	x.done = false
}

// Observe folds one output packet into the export. firstTs is the
// timestamp of the first input event of the packet.
func (x *FlowExporter) Observe(firstTs int64, out []MotionEvent) error {
	if x.done {
		return nil
	}
	if firstTs > x.tmin && firstTs < x.tmax {
		if x.vx == nil {
			x.vx = newGrid(x.sizeY, x.sizeX)
			x.vy = newGrid(x.sizeY, x.sizeX)
		}
		for _, ev := range out {
			if !ev.HasDirection || ev.Y < 0 || ev.Y >= x.sizeY || ev.X < 0 || ev.X >= x.sizeX {
				continue
			}
			x.vx[ev.Y][ev.X] = ev.Velocity.Vx
			x.vy[ev.Y][ev.X] = ev.Velocity.Vy
		}
	}
	if firstTs > x.tmax && x.vx != nil {
		x.done = true
		err := x.write()
		x.vx, x.vy = nil, nil
		if err != nil {
			return err
		}
		diagf("Exported motion flow to %s", x.path)
	}
	return nil
}

func (x *FlowExporter) write() error {
	if dir := filepath.Dir(x.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create export dir: %w", err)
		}
	}
	data, err := json.Marshal(flowExportFile{Vx: x.vx, Vy: x.vy})
	if err != nil {
		return fmt.Errorf("marshal flow export: %w", err)
	}
	if err := os.WriteFile(x.path, data, 0644); err != nil {
		return fmt.Errorf("write flow export: %w", err)
	}
	return nil
}

func newGrid(rows, cols int) [][]float64 {
	g := make([][]float64, rows)
	for i := range g {
		g[i] = make([]float64, cols)
	}
	return g
}
