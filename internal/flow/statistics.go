package flow

import (
	"fmt"
	"math"
	"time"
)

// AngularError returns the angle in degrees between observed and ground
// truth flow. It is 0 when either vector has zero magnitude.
func AngularError(observed, truth Vector) float64 {
	if observed.Speed == 0 || truth.Speed == 0 {
		return 0
	}
	cos := (observed.Vx*truth.Vx + observed.Vy*truth.Vy) / (observed.Speed * truth.Speed)
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	return math.Acos(cos) * 180 / math.Pi
}

// EndpointError returns the Euclidean distance between two flow vectors.
func EndpointError(observed, truth Vector) float64 {
	return math.Hypot(observed.Vx-truth.Vx, observed.Vy-truth.Vy)
}

// GlobalMotionEstimator is implemented by flow algorithms that derive their
// own per-event rotation and expansion. Otherwise Statistics uses the
// curl and divergence of the flow about the array centre.
type GlobalMotionEstimator interface {
	RotationExpansion(x, y int, v Vector) (rotation, expansion float64)
}

// GlobalMotion accumulates the mean translation, rotation and expansion of
// the accepted events in the current (or most recent) packet, and the last
// flow seen at each subsampled pixel.
type GlobalMotion struct {
	Vx, Vy    Measurand
	Rotation  Measurand
	Expansion Measurand

	subW, subH int
	lastFlow   []Vector

	// stale is set at packet start; the next update clears the means.
	stale bool
}

// Reset reallocates the per-pixel buffer and zeroes every mean.
func (g *GlobalMotion) Reset(subW, subH int) {
	g.subW, g.subH = subW, subH
	g.lastFlow = make([]Vector, subW*subH)
	g.clearMeans()
	g.stale = false
}

func (g *GlobalMotion) clearMeans() {
	g.Vx.Reset()
	g.Vy.Reset()
	g.Rotation.Reset()
	g.Expansion.Reset()
}

func (g *GlobalMotion) startPacket() { g.stale = true }

// Update folds one accepted event into the global means. (x, y) is the
// full-resolution position relative to the array centre; (sx, sy) is the
// subsampled pixel.
func (g *GlobalMotion) Update(v Vector, rotation, expansion float64, sx, sy int) {
	if g.stale {
		g.clearMeans()
		g.stale = false
	}
	g.Vx.Update(v.Vx)
	g.Vy.Update(v.Vy)
	g.Rotation.Update(rotation)
	g.Expansion.Update(expansion)
	if sx >= 0 && sy >= 0 && sx < g.subW && sy < g.subH {
		g.lastFlow[sx*g.subH+sy] = v
	}
}

// FlowAt returns the last accepted flow at subsampled pixel (x, y).
func (g *GlobalMotion) FlowAt(x, y int) Vector {
	if x < 0 || y < 0 || x >= g.subW || y >= g.subH {
		return Vector{}
	}
	return g.lastFlow[x*g.subH+y]
}

// centredRotationExpansion returns curl and divergence of v about the
// centre, normalised by the squared radius.
func centredRotationExpansion(rx, ry float64, v Vector) (rotation, expansion float64) {
	r2 := rx*rx + ry*ry
	if r2 == 0 {
		return 0, 0
	}
	return (rx*v.Vy - ry*v.Vx) / r2, (rx*v.Vx + ry*v.Vy) / r2
}

// ProcessingTime accumulates the mean per-event processing cost per packet.
type ProcessingTime struct {
	Measurand
	start time.Time
}

// Start marks the beginning of a packet.
func (p *ProcessingTime) Start(now time.Time) { p.start = now }

// Stop records (now - start) / events in microseconds per event.
func (p *ProcessingTime) Stop(now time.Time, events int) {
	if p.start.IsZero() || events <= 0 {
		return
	}
	us := float64(now.Sub(p.start).Nanoseconds()) * 1e-3 / float64(events)
	p.Update(us)
	p.start = time.Time{}
}

// Statistics aggregates accuracy, global motion and timing over the stream.
type Statistics struct {
	FilterName string

	Global           GlobalMotion
	AngularError     Measurand // degrees
	EndpointErrorAbs Measurand // pixels/s
	EndpointErrorRel Measurand // percent of ground-truth speed
	ProcessingTime   ProcessingTime

	Packets   int64
	EventsIn  int64
	EventsOut int64
}

// NewStatistics allocates statistics for a subW x subH map.
func NewStatistics(filterName string, subW, subH int) *Statistics {
	s := &Statistics{FilterName: filterName}
	s.Reset(subW, subH)
	return s
}

// Reset reallocates per-pixel buffers and zeroes every statistic.
func (s *Statistics) Reset(subW, subH int) {
	s.Global.Reset(subW, subH)
	s.AngularError.Reset()
	s.EndpointErrorAbs.Reset()
	s.EndpointErrorRel.Reset()
	s.ProcessingTime.Reset()
	s.ProcessingTime.start = time.Time{}
	s.Packets, s.EventsIn, s.EventsOut = 0, 0, 0
}

// UpdateAccuracy folds one observed/ground-truth pair into the error stats.
func (s *Statistics) UpdateAccuracy(observed, truth Vector) {
	s.AngularError.Update(AngularError(observed, truth))
	ee := EndpointError(observed, truth)
	s.EndpointErrorAbs.Update(ee)
	if truth.Speed > 0 {
		s.EndpointErrorRel.Update(ee / truth.Speed * 100)
	}
}

// Summary is a point-in-time copy of the statistics.
type Summary struct {
	FilterName string `json:"filter_name"`
	Packets    int64  `json:"packets"`
	EventsIn   int64  `json:"events_in"`
	EventsOut  int64  `json:"events_out"`

	GlobalVx        float64 `json:"global_vx"`
	GlobalVy        float64 `json:"global_vy"`
	GlobalRotation  float64 `json:"global_rotation"`
	GlobalExpansion float64 `json:"global_expansion"`

	AngularErrorMean     float64 `json:"angular_error_mean"`
	AngularErrorStd      float64 `json:"angular_error_std"`
	EndpointErrorAbsMean float64 `json:"endpoint_error_abs_mean"`
	EndpointErrorAbsStd  float64 `json:"endpoint_error_abs_std"`
	EndpointErrorRelMean float64 `json:"endpoint_error_rel_mean"`
	EndpointErrorRelStd  float64 `json:"endpoint_error_rel_std"`
	AccuracySamples      int     `json:"accuracy_samples"`

	ProcessingTimeMeanUs float64 `json:"processing_time_mean_us"`
	ProcessingTimeStdUs  float64 `json:"processing_time_std_us"`
}

// Summary returns a snapshot of the current statistics.
func (s *Statistics) Summary() Summary {
	return Summary{
		FilterName:           s.FilterName,
		Packets:              s.Packets,
		EventsIn:             s.EventsIn,
		EventsOut:            s.EventsOut,
		GlobalVx:             s.Global.Vx.Mean(),
		GlobalVy:             s.Global.Vy.Mean(),
		GlobalRotation:       s.Global.Rotation.Mean(),
		GlobalExpansion:      s.Global.Expansion.Mean(),
		AngularErrorMean:     s.AngularError.Mean(),
		AngularErrorStd:      s.AngularError.StdDev(),
		EndpointErrorAbsMean: s.EndpointErrorAbs.Mean(),
		EndpointErrorAbsStd:  s.EndpointErrorAbs.StdDev(),
		EndpointErrorRelMean: s.EndpointErrorRel.Mean(),
		EndpointErrorRelStd:  s.EndpointErrorRel.StdDev(),
		AccuracySamples:      s.AngularError.Count(),
		ProcessingTimeMeanUs: s.ProcessingTime.Mean(),
		ProcessingTimeStdUs:  s.ProcessingTime.StdDev(),
	}
}

func (s *Statistics) String() string {
	sum := s.Summary()
	return fmt.Sprintf("%s: packets=%d in=%d out=%d global=(%.2f,%.2f) rot=%.4f exp=%.4f "+
		"AE=%.2f±%.2f° EE=%.2f±%.2f px/s (%.1f±%.1f%%) time=%.2f±%.2f us/event",
		sum.FilterName, sum.Packets, sum.EventsIn, sum.EventsOut,
		sum.GlobalVx, sum.GlobalVy, sum.GlobalRotation, sum.GlobalExpansion,
		sum.AngularErrorMean, sum.AngularErrorStd,
		sum.EndpointErrorAbsMean, sum.EndpointErrorAbsStd,
		sum.EndpointErrorRelMean, sum.EndpointErrorRelStd,
		sum.ProcessingTimeMeanUs, sum.ProcessingTimeStdUs)
}
