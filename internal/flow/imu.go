package flow

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// EstimatorState is the lifecycle state of the IMU flow estimator.
type EstimatorState string

const (
	EstimatorUninitialized EstimatorState = "uninitialized"
	EstimatorFlushing      EstimatorState = "flushing"     // dropping stale samples after a reset
	EstimatorInitializing  EstimatorState = "initializing" // waiting for the time baseline
	EstimatorCalibrating   EstimatorState = "calibrating"  // averaging gyro offsets
	EstimatorActive        EstimatorState = "active"
)

const (
	// FlushCount is the number of gyro samples dropped after every reset.
	FlushCount = 10
	// CalibrationSamples is the number of samples averaged into the offsets.
	CalibrationSamples = 800
)

// Factory gyro offsets (deg/s) for the reference camera.
const (
	DefaultPanOffset  = 0.7216
	DefaultTiltOffset = 3.4707
	DefaultRollOffset = -0.2576
)

// CalibrationOffsets are constant gyro biases subtracted from every sample.
type CalibrationOffsets struct {
	Pan  float64 `json:"pan"`
	Tilt float64 `json:"tilt"`
	Roll float64 `json:"roll"`
}

// DefaultCalibrationOffsets returns the shipped offsets.
func DefaultCalibrationOffsets() CalibrationOffsets {
	return CalibrationOffsets{Pan: DefaultPanOffset, Tilt: DefaultTiltOffset, Roll: DefaultRollOffset}
}

// IMUFlowEstimator turns gyro samples into an image-plane rigid transform
// and predicts the flow that pure camera rotation induces at each pixel.
// Scene depth and camera translation are ignored.
//
// Use NewIMUFlowEstimator; the zero value is not ready for use.
type IMUFlowEstimator struct {
	geom  Geometry
	state EstimatorState

	flushCounter int
	lastTsUs     int64
	dtS          float64
	radPerPixel  float64

	panRate, tiltRate, rollRate float64 // deg/s

	panTranslation  float64 // pixels
	tiltTranslation float64 // pixels
	rollRotationRad float64

	offsets     CalibrationOffsets
	calibrating bool
	panCal      Measurand
	tiltCal     Measurand
	rollCal     Measurand

	// rot is the 2x2 roll rotation; pos and moved are scratch vectors.
	rot   *mat.Dense
	pos   *mat.VecDense
	moved *mat.VecDense

	last Vector
}

// NewIMUFlowEstimator creates an estimator for the given sensor geometry
// with the default calibration offsets.
func NewIMUFlowEstimator(geom Geometry) *IMUFlowEstimator {
	e := &IMUFlowEstimator{
		geom:    geom,
		state:   EstimatorUninitialized,
		offsets: DefaultCalibrationOffsets(),
		rot:     mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
		pos:     mat.NewVecDense(2, nil),
		moved:   mat.NewVecDense(2, nil),
	}
	e.Reset()
	return e
}

// SetGeometry replaces the sensor geometry. Callers reset afterwards.
func (e *IMUFlowEstimator) SetGeometry(geom Geometry) { e.geom = geom }

// Reset clears the transform and starts a new flush period.
// Calibration offsets survive a reset.
func (e *IMUFlowEstimator) Reset() {
	e.flushCounter = FlushCount
	e.panRate, e.tiltRate, e.rollRate = 0, 0, 0
	e.panTranslation, e.tiltTranslation, e.rollRotationRad = 0, 0, 0
	e.dtS = 0
	e.lastTsUs = 0
	e.radPerPixel = e.geom.RadPerPixel()
	e.setRotation(0)
	e.last = Vector{}
	e.state = EstimatorFlushing
	if e.flushCounter == 0 {
		e.state = EstimatorInitializing
	}
}

// State returns the current lifecycle state.
func (e *IMUFlowEstimator) State() EstimatorState { return e.state }

// DtS is the time between the last two gyro samples in seconds.
func (e *IMUFlowEstimator) DtS() float64 { return e.dtS }

// RadPerPixel is the pixel angle used for rate to pixel conversion.
func (e *IMUFlowEstimator) RadPerPixel() float64 { return e.radPerPixel }

// Transform returns the current pan and tilt translation (pixels) and roll
// rotation (radians) over the last sample interval.
func (e *IMUFlowEstimator) Transform() (panPx, tiltPx, rollRad float64) {
	return e.panTranslation, e.tiltTranslation, e.rollRotationRad
}

// Offsets returns the calibration offsets in use.
func (e *IMUFlowEstimator) Offsets() CalibrationOffsets { return e.offsets }

// SetOffsets replaces the calibration offsets.
func (e *IMUFlowEstimator) SetOffsets(o CalibrationOffsets) { e.offsets = o }

// IsCalibrationSet reports whether any offset is non-zero.
func (e *IMUFlowEstimator) IsCalibrationSet() bool {
	return e.offsets.Pan != 0 || e.offsets.Tilt != 0 || e.offsets.Roll != 0
}

// IsCalibrating reports whether samples are being averaged into offsets.
func (e *IMUFlowEstimator) IsCalibrating() bool { return e.calibrating }

// StartCalibration clears the offset accumulators and begins averaging.
// If the estimator is still flushing or waiting for a baseline, calibration
// starts once the baseline is established.
func (e *IMUFlowEstimator) StartCalibration() {
	e.calibrating = true
	e.panCal.Reset()
	e.tiltCal.Reset()
	e.rollCal.Reset()
	if e.state == EstimatorActive {
		e.state = EstimatorCalibrating
	}
	diagf("IMU calibration started")
}

// ResetCalibration zeroes the offsets.
func (e *IMUFlowEstimator) ResetCalibration() {
	e.offsets = CalibrationOffsets{}
	diagf("IMU calibration erased")
}

// UpdateTransform consumes one gyro sample. It returns true only when the
// transform was recomputed from this sample.
func (e *IMUFlowEstimator) UpdateTransform(s IMUSample) bool {
	switch e.state {
	case EstimatorUninitialized:
		e.Reset()
		fallthrough
	case EstimatorFlushing:
		if e.flushCounter > 0 {
			e.flushCounter--
			if e.flushCounter == 0 {
				e.state = EstimatorInitializing
			}
			return false
		}
		e.state = EstimatorInitializing
		fallthrough
	case EstimatorInitializing:
		e.lastTsUs = s.TimestampUs
		if e.calibrating {
			e.state = EstimatorCalibrating
		} else {
			e.state = EstimatorActive
		}
		return false
	}

	e.dtS = float64(s.TimestampUs-e.lastTsUs) * 1e-6
	e.lastTsUs = s.TimestampUs
	e.panRate = s.PanRate
	e.tiltRate = s.TiltRate
	e.rollRate = s.RollRate

	if e.state == EstimatorCalibrating {
		e.panCal.Update(e.panRate)
		e.tiltCal.Update(e.tiltRate)
		e.rollCal.Update(e.rollRate)
		if e.panCal.Count() >= CalibrationSamples {
			e.offsets = CalibrationOffsets{
				Pan:  e.panCal.Mean(),
				Tilt: e.tiltCal.Mean(),
				Roll: e.rollCal.Mean(),
			}
			e.calibrating = false
			e.state = EstimatorActive
			diagf("calibration finished. %d samples averaged to (pan,tilt,roll)=(%.3f,%.3f,%.3f)",
				CalibrationSamples, e.offsets.Pan, e.offsets.Tilt, e.offsets.Roll)
		}
		return false
	}

	const degToRad = math.Pi / 180
	e.panTranslation = degToRad * (e.panRate - e.offsets.Pan) * e.dtS / e.radPerPixel
	e.tiltTranslation = degToRad * (e.tiltRate - e.offsets.Tilt) * e.dtS / e.radPerPixel
	e.rollRotationRad = degToRad * (e.offsets.Roll - e.rollRate) * e.dtS
	e.setRotation(e.rollRotationRad)
	return true
}

func (e *IMUFlowEstimator) setRotation(rad float64) {
	c, s := math.Cos(rad), math.Sin(rad)
	e.rot.Set(0, 0, c)
	e.rot.Set(0, 1, -s)
	e.rot.Set(1, 0, s)
	e.rot.Set(1, 1, c)
}

// CalculateFlow predicts the flow at full-resolution pixel (x, y) from the
// current transform. The pixel is centred on the array, rotated by the roll
// angle and shifted by the pan/tilt translation; flow is the displacement
// divided by the sample interval (1s when the interval is unknown).
func (e *IMUFlowEstimator) CalculateFlow(x, y int) Vector {
	dtS := e.dtS
	if dtS == 0 {
		dtS = 1
	}
	nx := float64(x - e.geom.SizeX/2)
	ny := float64(y - e.geom.SizeY/2)
	e.pos.SetVec(0, nx)
	e.pos.SetVec(1, ny)
	e.moved.MulVec(e.rot, e.pos)
	newx := e.moved.AtVec(0) + e.panTranslation
	newy := e.moved.AtVec(1) + e.tiltTranslation
	e.last = NewVector((nx-newx)/dtS, (ny-newy)/dtS)
	return e.last
}

// LastFlow returns the most recent CalculateFlow result.
func (e *IMUFlowEstimator) LastFlow() Vector { return e.last }
