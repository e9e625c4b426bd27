package algorithms

import (
	"fmt"

	"github.com/banshee-data/motionflow/internal/config"
	"github.com/banshee-data/motionflow/internal/flow"
)

// IMUPassthrough reports the gyro-predicted flow as the observed flow.
// Run against IMU ground truth it measures the pipeline itself: accuracy
// is exact and processing time is the filter overhead.
type IMUPassthrough struct {
	lastRoll float64 // rad/s
}

// NewIMUPassthrough returns the passthrough algorithm.
func NewIMUPassthrough() *IMUPassthrough { return &IMUPassthrough{} }

// Name implements flow.Algorithm.
func (p *IMUPassthrough) Name() string { return "IMUPassthrough" }

// Margin implements flow.Algorithm.
func (p *IMUPassthrough) Margin() int { return 0 }

// Reset implements flow.Algorithm.
func (p *IMUPassthrough) Reset(int, int) { p.lastRoll = 0 }

// ComputeFlow implements flow.Algorithm. Events are dropped until the
// estimator has produced a transform.
func (p *IMUPassthrough) ComputeFlow(ctx flow.FlowContext) (flow.Vector, bool) {
	if ctx.IMU == nil || ctx.IMU.State() != flow.EstimatorActive || ctx.IMU.DtS() == 0 {
		return flow.Vector{}, false
	}
	_, _, roll := ctx.IMU.Transform()
	p.lastRoll = roll / ctx.IMU.DtS()
	return ctx.IMU.CalculateFlow(ctx.Event.X, ctx.Event.Y), true
}

// RotationExpansion implements flow.GlobalMotionEstimator: rotation is the
// camera roll rate and a rotating camera induces no expansion.
func (p *IMUPassthrough) RotationExpansion(int, int, flow.Vector) (float64, float64) {
	return p.lastRoll, 0
}

// Names lists the algorithms accepted by New.
func Names() []string {
	return []string{"LocalPlanes", "IMUPassthrough"}
}

// New builds a named algorithm from the tuning config.
func New(name string, cfg *config.TuningConfig) (flow.Algorithm, error) {
	switch name {
	case "", "LocalPlanes":
		diagf("LocalPlanes: search distance %d, max dt %dus, min points %d",
			cfg.GetSearchDistance(), cfg.GetMaxDtUs(), cfg.GetMinPlanePoints())
		return NewLocalPlanes(cfg.GetSearchDistance(), cfg.GetMaxDtUs(), cfg.GetMinPlanePoints()), nil
	case "IMUPassthrough":
		return NewIMUPassthrough(), nil
	default:
		return nil, fmt.Errorf("unknown flow algorithm %q (want one of %v)", name, Names())
	}
}
