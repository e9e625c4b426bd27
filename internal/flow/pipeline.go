package flow

import (
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/motionflow/internal/config"
	"github.com/banshee-data/motionflow/internal/timeutil"
)

// ErrNoGroundTruth is returned when a ground-truth field is requested but
// none has been imported.
var ErrNoGroundTruth = errors.New("no ground truth imported")

// FlowContext is what an Algorithm sees for one event that passed the
// spatial and refractory filters.
type FlowContext struct {
	Event Event

	// X and Y are the subsampled coordinates of Event.
	X, Y  int
	Shift int

	TimeMap *TimeMap
	IMU     *IMUFlowEstimator
}

// Algorithm computes the observed flow for one event. Implementations live
// in internal/flow/algorithms.
type Algorithm interface {
	Name() string
	// Margin is the number of subsampled edge pixels the algorithm needs.
	Margin() int
	// ComputeFlow returns the flow at the event; ok=false drops the event.
	ComputeFlow(ctx FlowContext) (v Vector, ok bool)
	// Reset is called after the pipeline reallocates its buffers.
	Reset(subSizeX, subSizeY int)
}

// ResetReason identifies why the pipeline was asked to reset.
type ResetReason string

const (
	ResetChipSize   ResetReason = "chip_size"
	ResetTimestamps ResetReason = "timestamps_reset"
	ResetRewind     ResetReason = "rewind"
	ResetFileOpen   ResetReason = "file_open"
)

// Pipeline runs every event of a packet through the time-map filters, the
// flow algorithm, ground-truth assignment and the rejection stages, and
// keeps the running statistics. All exported methods are safe for
// concurrent use; packets are processed one at a time.
type Pipeline struct {
	mu sync.Mutex

	geom   Geometry
	params Params
	algo   Algorithm

	timeMap  *TimeMap
	imu      *IMUFlowEstimator
	stats    *Statistics
	truth    *GroundTruthField
	exporter *FlowExporter

	avgSpeed   float64
	resetCount int

	clock timeutil.Clock
}

// NewPipeline builds a pipeline for the given geometry and algorithm and
// performs the initial reset.
func NewPipeline(geom Geometry, params Params, algo Algorithm) *Pipeline {
	params.clamp()
	p := &Pipeline{
		geom:    geom,
		params:  params,
		algo:    algo,
		timeMap: NewTimeMap(geom.SizeX, geom.SizeY, params.SubSampleShift),
		imu:     NewIMUFlowEstimator(geom),
		stats:   NewStatistics(algo.Name(), geom.SizeX>>params.SubSampleShift, geom.SizeY>>params.SubSampleShift),
		clock:   timeutil.RealClock{},
	}
	p.resetLocked()
	p.resetCount = 0
	return p
}

// FilterPacket processes one packet and returns the accepted events with
// their flow attached. IMU samples in the packet update the rigid
// transform used for ground truth of the events that follow them.
func (p *Pipeline) FilterPacket(in []Event) []MotionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(in) == 0 {
		return nil
	}
	p.timeMap.StartPacket()
	p.stats.Global.startPacket()
	if p.params.MeasureProcessingTime {
		p.stats.ProcessingTime.Start(p.clock.Now())
	}

	firstTs := in[0].Timestamp
	out := make([]MotionEvent, 0, len(in))
	processed := 0
	for _, ev := range in {
		if ev.IsIMU() {
			p.imu.UpdateTransform(*ev.IMU)
			continue
		}
		processed++
		p.stats.EventsIn++
		me, ok, rewind := p.filterEvent(ev)
		if rewind {
			diagf("timestamp %d at (%d,%d) went backwards, resetting", ev.Timestamp, ev.X, ev.Y)
			p.notifyLocked(ResetRewind)
			continue
		}
		if ok {
			out = append(out, me)
			p.stats.EventsOut++
		}
	}
	// A rewind inside the loop zeroes the counters; this packet still counts.
	p.stats.Packets++

	if p.params.MeasureProcessingTime {
		p.stats.ProcessingTime.Stop(p.clock.Now(), processed)
	}
	if p.exporter != nil {
		if err := p.exporter.Observe(firstTs, out); err != nil {
			opsf("flow export to %s failed: %v", p.exporter.Path(), err)
		}
	}
	tracef("packet %d: %d in, %d out", p.stats.Packets, processed, len(out))
	return out
}

// filterEvent runs one polarity event through every stage. rewind reports
// a timestamp that went backwards; the caller resets.
func (p *Pipeline) filterEvent(ev Event) (me MotionEvent, ok, rewind bool) {
	tm := p.timeMap
	sx, sy := tm.Subsample(ev.X, ev.Y)
	if !tm.InFrame(sx, sy) || tm.XYFilter(sx, sy) {
		return me, false, false
	}
	if tm.IsInvalidAddress(sx, sy, p.algo.Margin()) {
		return me, false, false
	}
	pass, rewind := tm.UpdateTimesMap(sx, sy, ev.Polarity, ev.Timestamp, p.params.RefractoryPeriodUs)
	if rewind {
		return me, false, true
	}
	if !pass {
		return me, false, false
	}

	v, ok := p.algo.ComputeFlow(FlowContext{
		Event:   ev,
		X:       sx,
		Y:       sy,
		Shift:   tm.Shift(),
		TimeMap: tm,
		IMU:     p.imu,
	})
	if !ok {
		return me, false, false
	}

	truth := p.groundTruthAt(ev)

	if p.params.SpeedControlEnabled && p.isSpeeder(v) {
		return me, false, false
	}
	if p.params.DiscardOutliersEnabled && AngularError(v, truth) > p.params.EpsilonDeg {
		return me, false, false
	}

	ev.IMU = nil
	ev.X, ev.Y = sx<<tm.Shift(), sy<<tm.Shift()
	me = MotionEvent{
		Event:        ev,
		Velocity:     v,
		HasDirection: v.Speed != 0,
		GroundTruth:  truth,
	}

	if p.params.ShowGlobalEnabled {
		rot, exp := p.rotationExpansion(ev.X, ev.Y, v)
		p.stats.Global.Update(v, rot, exp, sx, sy)
	}
	if p.params.MeasureAccuracy && truth.Speed > 0 {
		p.stats.UpdateAccuracy(v, truth)
	}
	return me, true, false
}

// groundTruthAt samples the imported field when the event lies in its
// interval and otherwise falls back to the IMU prediction, which is zero
// until the estimator has a transform.
func (p *Pipeline) groundTruthAt(ev Event) Vector {
	if p.truth != nil && p.truth.Covers(ev.Timestamp) {
		return p.truth.At(ev.X, ev.Y)
	}
	return p.imu.CalculateFlow(ev.X, ev.Y)
}

// isSpeeder compares v against the running average speed seen before this
// event, then folds v into the average. The first non-zero speed seeds the
// average.
func (p *Pipeline) isSpeeder(v Vector) bool {
	if p.avgSpeed == 0 {
		p.avgSpeed = v.Speed
		return false
	}
	speeder := v.Speed > p.avgSpeed*p.params.ExcessSpeedRejectFactor
	a := p.params.SpeedMixingFactor
	p.avgSpeed = (1-a)*p.avgSpeed + a*v.Speed
	return speeder
}

func (p *Pipeline) rotationExpansion(x, y int, v Vector) (float64, float64) {
	if g, ok := p.algo.(GlobalMotionEstimator); ok {
		return g.RotationExpansion(x, y, v)
	}
	return centredRotationExpansion(float64(x-p.geom.SizeX/2), float64(y-p.geom.SizeY/2), v)
}

// SetClock replaces the wall clock used for processing-time measurement.
func (p *Pipeline) SetClock(c timeutil.Clock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = c
}

// ResetFilter reinitialises every buffer and estimator. It is idempotent.
func (p *Pipeline) ResetFilter() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

func (p *Pipeline) resetLocked() {
	p.params.clamp()
	p.timeMap.Reallocate(p.geom.SizeX, p.geom.SizeY, p.params.SubSampleShift)
	p.timeMap.SetBounds(p.params.Bounds)
	p.imu.SetGeometry(p.geom)
	p.imu.Reset()
	p.stats.Reset(p.timeMap.SubSizeX(), p.timeMap.SubSizeY())
	p.avgSpeed = 0
	p.truth = nil
	if p.exporter != nil {
		p.exporter.Reset(p.geom.SizeX, p.geom.SizeY)
	}
	p.algo.Reset(p.timeMap.SubSizeX(), p.timeMap.SubSizeY())
	p.resetCount++
	diagf("reallocated %dx%d map (shift %d) after reset", p.timeMap.SubSizeX(), p.timeMap.SubSizeY(), p.params.SubSampleShift)
}

// ResetCount is the number of resets since construction.
func (p *Pipeline) ResetCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resetCount
}

// Notify handles a stream notification. Every reason resets the filter;
// a rewind first logs the statistics when a measurement mode is on.
func (p *Pipeline) Notify(reason ResetReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifyLocked(reason)
}

func (p *Pipeline) notifyLocked(reason ResetReason) {
	if reason == ResetRewind && (p.params.MeasureAccuracy || p.params.MeasureProcessingTime) {
		opsf("%s", p.stats)
	}
	diagf("reset requested: %s", reason)
	p.resetLocked()
}

// SetGeometry changes the chip geometry and resets.
func (p *Pipeline) SetGeometry(geom Geometry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.geom = geom
	p.notifyLocked(ResetChipSize)
}

// Geometry returns the chip geometry.
func (p *Pipeline) Geometry() Geometry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.geom
}

// UpdateIMU feeds a gyro sample delivered outside of an event packet.
func (p *Pipeline) UpdateIMU(s IMUSample) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.imu.UpdateTransform(s)
}

// IMUState returns the estimator lifecycle state.
func (p *Pipeline) IMUState() EstimatorState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.imu.State()
}

// ImportGroundTruth loads a reference field from path. On error the
// previous field is kept.
func (p *Pipeline) ImportGroundTruth(path string) error {
	f, err := LoadGroundTruth(path)
	if err != nil {
		return fmt.Errorf("import ground truth %s: %w", path, err)
	}
	p.SetGroundTruth(f)
	diagf("imported ground truth file %s valid for [%d,%d)", path, f.TsStart, f.TsEnd)
	return nil
}

// SetGroundTruth installs an already-decoded reference field.
func (p *Pipeline) SetGroundTruth(f *GroundTruthField) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.truth = f
}

// ResetGroundTruth drops the imported field; ground truth reverts to the
// IMU estimate.
func (p *Pipeline) ResetGroundTruth() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.truth = nil
}

// GroundTruthInterval returns the validity interval of the imported field.
func (p *Pipeline) GroundTruthInterval() (start, end int64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.truth == nil {
		return 0, 0, ErrNoGroundTruth
	}
	return p.truth.TsStart, p.truth.TsEnd, nil
}

// StartIMUCalibration begins averaging gyro samples into new offsets.
func (p *Pipeline) StartIMUCalibration() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.imu.StartCalibration()
}

// ResetIMUCalibration zeroes the gyro offsets.
func (p *Pipeline) ResetIMUCalibration() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.imu.ResetCalibration()
}

// IMUOffsets returns the gyro offsets in use.
func (p *Pipeline) IMUOffsets() CalibrationOffsets {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.imu.Offsets()
}

// SetIMUOffsets replaces the gyro offsets.
func (p *Pipeline) SetIMUOffsets(o CalibrationOffsets) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.imu.SetOffsets(o)
}

// IsIMUCalibrating reports whether a calibration is in progress.
func (p *Pipeline) IsIMUCalibrating() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.imu.IsCalibrating()
}

// ExportFlow arms a one-shot export of the flow seen in packets starting
// in (tmin, tmax) to path.
func (p *Pipeline) ExportFlow(path string, tmin, tmax int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exporter = NewFlowExporter(path, tmin, tmax, p.geom.SizeX, p.geom.SizeY)
}

// ExportDone reports whether an armed export has been written.
func (p *Pipeline) ExportDone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exporter != nil && p.exporter.Done()
}

// TriggerLogging writes the statistics summary to the ops stream and
// returns it.
func (p *Pipeline) TriggerLogging() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	opsf("%s", p.stats)
	return p.stats.Summary()
}

// Summary returns a snapshot of the running statistics.
func (p *Pipeline) Summary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.Summary()
}

// GlobalFlowAt returns the last accepted flow at subsampled pixel (x, y).
func (p *Pipeline) GlobalFlowAt(x, y int) Vector {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.Global.FlowAt(x, y)
}

// Params returns the effective parameters.
func (p *Pipeline) Params() Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params
}

// Tuning returns base with every default filled in and the live
// geometry, parameters and gyro offsets written over it.
func (p *Pipeline) Tuning(base *config.TuningConfig) *config.TuningConfig {
	p.mu.Lock()
	defer p.mu.Unlock()

	if base == nil {
		base = config.EmptyTuningConfig()
	}
	c := base.Resolved()
	*c.SizeX, *c.SizeY = p.geom.SizeX, p.geom.SizeY
	*c.PixelPitchUm, *c.FocalLengthMm = p.geom.PixelPitchUm, p.geom.FocalLengthMm

	*c.SubSampleShift = p.params.SubSampleShift
	*c.RefractoryPeriodUs = p.params.RefractoryPeriodUs
	*c.XMin, *c.XMax = p.params.Bounds.XMin, p.params.Bounds.XMax
	*c.YMin, *c.YMax = p.params.Bounds.YMin, p.params.Bounds.YMax
	*c.SpeedControlEnabled = p.params.SpeedControlEnabled
	*c.SpeedMixingFactor = p.params.SpeedMixingFactor
	*c.ExcessSpeedRejectFactor = p.params.ExcessSpeedRejectFactor
	*c.DiscardOutliersEnabled = p.params.DiscardOutliersEnabled
	*c.EpsilonDeg = p.params.EpsilonDeg
	*c.MeasureAccuracy = p.params.MeasureAccuracy
	*c.MeasureProcessingTime = p.params.MeasureProcessingTime
	*c.ShowGlobalEnabled = p.params.ShowGlobalEnabled

	o := p.imu.Offsets()
	*c.PanOffset, *c.TiltOffset, *c.RollOffset = o.Pan, o.Tilt, o.Roll
	return c
}

// Algorithm returns the flow algorithm.
func (p *Pipeline) Algorithm() Algorithm { return p.algo }

// SetSubSampleShift sets the subsampling shift, clamped to [0,4], and
// reallocates the map.
func (p *Pipeline) SetSubSampleShift(shift int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.params.SubSampleShift = clampInt(shift, 0, MaxSubSampleShift)
	p.resetLocked()
}

// SetBounds sets the spatial filter rectangle. Params keeps the request;
// the time map clamps it to the current subsampled frame on every
// reallocation, so lowering the shift later widens it again.
func (p *Pipeline) SetBounds(b Bounds) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.params.Bounds = b
	p.params.clamp()
	p.timeMap.SetBounds(p.params.Bounds)
}

// EffectiveBounds returns the spatial filter rectangle in force after
// clamping to the subsampled frame.
func (p *Pipeline) EffectiveBounds() Bounds {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeMap.Bounds()
}

// SetRefractoryPeriod sets the refractory period in µs (never negative).
func (p *Pipeline) SetRefractoryPeriod(us int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if us < 0 {
		us = 0
	}
	p.params.RefractoryPeriodUs = us
}

// SetSpeedControl configures the excess-speed rejection stage. The mixing
// factor is clamped to (0,1].
func (p *Pipeline) SetSpeedControl(enabled bool, mixingFactor, rejectFactor float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.params.SpeedControlEnabled = enabled
	p.params.SpeedMixingFactor = mixingFactor
	p.params.ExcessSpeedRejectFactor = rejectFactor
	p.params.clamp()
}

// SetOutlierDiscard configures angular outlier rejection. epsilon is
// clamped to [0,180] degrees.
func (p *Pipeline) SetOutlierDiscard(enabled bool, epsilonDeg float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.params.DiscardOutliersEnabled = enabled
	p.params.EpsilonDeg = epsilonDeg
	p.params.clamp()
}

// SetShowGlobal toggles the global motion accumulator.
func (p *Pipeline) SetShowGlobal(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.params.ShowGlobalEnabled = enabled
}

// SetMeasureAccuracy toggles accuracy measurement. Enabling it resets.
func (p *Pipeline) SetMeasureAccuracy(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.params.MeasureAccuracy = enabled
	if enabled {
		p.resetLocked()
	}
}

// SetMeasureProcessingTime toggles timing measurement. Enabling it forces
// the refractory period to 1µs and resets.
func (p *Pipeline) SetMeasureProcessingTime(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.params.MeasureProcessingTime = enabled
	if enabled {
		p.params.RefractoryPeriodUs = 1
		p.resetLocked()
	}
}
