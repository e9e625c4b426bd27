package flow

import "github.com/banshee-data/motionflow/internal/config"

// Parameter ranges.
const (
	MaxSubSampleShift    = 4
	MinSpeedMixingFactor = 1e-9
	MaxEpsilonDeg        = 180
)

// Params are the live-tunable pipeline parameters. Use the Pipeline
// setters to change them on a running pipeline; the setters clamp.
type Params struct {
	SubSampleShift     int
	RefractoryPeriodUs int64
	Bounds             Bounds

	SpeedControlEnabled     bool
	SpeedMixingFactor       float64
	ExcessSpeedRejectFactor float64

	DiscardOutliersEnabled bool
	EpsilonDeg             float64

	MeasureAccuracy       bool
	MeasureProcessingTime bool
	ShowGlobalEnabled     bool
}

// DefaultParams returns the shipped parameter values.
func DefaultParams() Params {
	return ParamsFromTuning(config.EmptyTuningConfig())
}

// ParamsFromTuning builds Params from a tuning config, applying defaults
// for omitted fields and clamping out-of-range values.
func ParamsFromTuning(cfg *config.TuningConfig) Params {
	p := Params{
		SubSampleShift:     cfg.GetSubSampleShift(),
		RefractoryPeriodUs: cfg.GetRefractoryPeriodUs(),
		Bounds: Bounds{
			XMin: cfg.GetXMin(), XMax: cfg.GetXMax(),
			YMin: cfg.GetYMin(), YMax: cfg.GetYMax(),
		},
		SpeedControlEnabled:     cfg.GetSpeedControlEnabled(),
		SpeedMixingFactor:       cfg.GetSpeedMixingFactor(),
		ExcessSpeedRejectFactor: cfg.GetExcessSpeedRejectFactor(),
		DiscardOutliersEnabled:  cfg.GetDiscardOutliersEnabled(),
		EpsilonDeg:              cfg.GetEpsilonDeg(),
		MeasureAccuracy:         cfg.GetMeasureAccuracy(),
		MeasureProcessingTime:   cfg.GetMeasureProcessingTime(),
		ShowGlobalEnabled:       cfg.GetShowGlobalEnabled(),
	}
	if p.MeasureProcessingTime {
		p.RefractoryPeriodUs = 1
	}
	p.clamp()
	return p
}

// GeometryFromTuning builds the sensor geometry from a tuning config.
func GeometryFromTuning(cfg *config.TuningConfig) Geometry {
	return Geometry{
		SizeX:         cfg.GetSizeX(),
		SizeY:         cfg.GetSizeY(),
		PixelPitchUm:  cfg.GetPixelPitchUm(),
		FocalLengthMm: cfg.GetFocalLengthMm(),
	}
}

// OffsetsFromTuning returns the configured gyro offsets.
func OffsetsFromTuning(cfg *config.TuningConfig) CalibrationOffsets {
	return CalibrationOffsets{
		Pan:  cfg.GetPanOffset(),
		Tilt: cfg.GetTiltOffset(),
		Roll: cfg.GetRollOffset(),
	}
}

// clamp forces every field into its valid range. Bounds are only
// clamped against each other here; the frame limit is applied by the
// time map.
func (p *Params) clamp() {
	p.SubSampleShift = clampInt(p.SubSampleShift, 0, MaxSubSampleShift)
	if p.RefractoryPeriodUs < 0 {
		p.RefractoryPeriodUs = 0
	}
	if p.Bounds.XMax < 0 {
		p.Bounds.XMax = 0
	}
	if p.Bounds.YMax < 0 {
		p.Bounds.YMax = 0
	}
	p.Bounds.XMin = clampInt(p.Bounds.XMin, 0, p.Bounds.XMax)
	p.Bounds.YMin = clampInt(p.Bounds.YMin, 0, p.Bounds.YMax)
	p.SpeedMixingFactor = clampFloat(p.SpeedMixingFactor, MinSpeedMixingFactor, 1)
	if p.ExcessSpeedRejectFactor < 0 {
		p.ExcessSpeedRejectFactor = 0
	}
	p.EpsilonDeg = clampFloat(p.EpsilonDeg, 0, MaxEpsilonDeg)
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
