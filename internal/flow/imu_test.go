package flow

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedIMU sends n samples spaced stepUs apart starting at t0 and returns
// the next timestamp and how many samples reported an update.
func feedIMU(e *IMUFlowEstimator, n int, t0, stepUs int64, pan, tilt, roll float64) (int64, int) {
	updates := 0
	t := t0
	for i := 0; i < n; i++ {
		if e.UpdateTransform(IMUSample{TimestampUs: t, PanRate: pan, TiltRate: tilt, RollRate: roll}) {
			updates++
		}
		t += stepUs
	}
	return t, updates
}

func TestIMUFlushAndBaseline(t *testing.T) {
	t.Parallel()

	e := NewIMUFlowEstimator(DefaultGeometry())
	require.Equal(t, EstimatorFlushing, e.State())

	next, updates := feedIMU(e, FlushCount, 0, 1000, 5, 0, 0)
	assert.Equal(t, 0, updates, "flushed samples must not update")
	assert.Equal(t, EstimatorInitializing, e.State())

	assert.False(t, e.UpdateTransform(IMUSample{TimestampUs: next, PanRate: 5}), "baseline sample must not update")
	assert.Equal(t, EstimatorActive, e.State())

	assert.True(t, e.UpdateTransform(IMUSample{TimestampUs: next + 2000, PanRate: 5}))
	assert.InDelta(t, 0.002, e.DtS(), 1e-12)
}

func TestIMUTransformFormulas(t *testing.T) {
	t.Parallel()

	geom := DefaultGeometry()
	e := NewIMUFlowEstimator(geom)
	e.SetOffsets(CalibrationOffsets{Pan: 1, Tilt: -1, Roll: 0.5})

	next, _ := feedIMU(e, FlushCount+1, 0, 1000, 0, 0, 0)
	require.True(t, e.UpdateTransform(IMUSample{TimestampUs: next, PanRate: 11, TiltRate: 4, RollRate: 2.5}))

	rpp := math.Atan(geom.PixelPitchUm / (1000 * geom.FocalLengthMm))
	deg := math.Pi / 180
	pan, tilt, roll := e.Transform()
	assert.InDelta(t, rpp, e.RadPerPixel(), 1e-15)
	assert.InDelta(t, deg*10*0.001/rpp, pan, 1e-9)
	assert.InDelta(t, deg*5*0.001/rpp, tilt, 1e-9)
	assert.InDelta(t, deg*(0.5-2.5)*0.001, roll, 1e-12)
}

func TestIMUCalculateFlowPan(t *testing.T) {
	t.Parallel()

	geom := DefaultGeometry()
	e := NewIMUFlowEstimator(geom)
	e.SetOffsets(CalibrationOffsets{})
	next, _ := feedIMU(e, FlushCount+1, 0, 1000, 0, 0, 0)
	require.True(t, e.UpdateTransform(IMUSample{TimestampUs: next, PanRate: 30}))

	pan, _, _ := e.Transform()
	// At the centre only the translation contributes.
	v := e.CalculateFlow(geom.SizeX/2, geom.SizeY/2)
	assert.InDelta(t, -pan/0.001, v.Vx, 1e-9)
	assert.InDelta(t, 0, v.Vy, 1e-12)
	assert.InDelta(t, math.Abs(v.Vx), v.Speed, 1e-9)
	assert.Equal(t, v, e.LastFlow())

	// Pure translation gives the same flow everywhere.
	w := e.CalculateFlow(3, 170)
	assert.InDelta(t, v.Vx, w.Vx, 1e-9)
	assert.InDelta(t, v.Vy, w.Vy, 1e-9)
}

func TestIMUCalculateFlowRoll(t *testing.T) {
	t.Parallel()

	geom := DefaultGeometry()
	e := NewIMUFlowEstimator(geom)
	e.SetOffsets(CalibrationOffsets{})
	next, _ := feedIMU(e, FlushCount+1, 0, 10000, 0, 0, 0)
	require.True(t, e.UpdateTransform(IMUSample{TimestampUs: next, RollRate: -90}))

	_, _, theta := e.Transform()
	require.InDelta(t, math.Pi/2*0.01, theta, 1e-12)

	v := e.CalculateFlow(geom.SizeX/2+10, geom.SizeY/2)
	dt := 0.01
	assert.InDelta(t, (10-10*math.Cos(theta))/dt, v.Vx, 1e-9)
	assert.InDelta(t, -10*math.Sin(theta)/dt, v.Vy, 1e-9)
}

func TestIMUUninitializedFlowIsZero(t *testing.T) {
	t.Parallel()

	e := NewIMUFlowEstimator(DefaultGeometry())
	v := e.CalculateFlow(17, 99)
	assert.Equal(t, Vector{}, v)
	assert.False(t, math.IsNaN(v.Vx) || math.IsInf(v.Vx, 0))
}

func TestIMUCalibration(t *testing.T) {
	t.Parallel()

	e := NewIMUFlowEstimator(DefaultGeometry())
	e.StartCalibration()
	require.True(t, e.IsCalibrating())

	next, _ := feedIMU(e, FlushCount+1, 0, 1000, 1, 2, 3)
	require.Equal(t, EstimatorCalibrating, e.State())

	next, updates := feedIMU(e, CalibrationSamples-1, next, 1000, 1, 2, 3)
	assert.Equal(t, 0, updates)
	assert.True(t, e.IsCalibrating(), "must still be calibrating one sample short")

	assert.False(t, e.UpdateTransform(IMUSample{TimestampUs: next, PanRate: 1, TiltRate: 2, RollRate: 3}))
	assert.False(t, e.IsCalibrating())
	assert.Equal(t, EstimatorActive, e.State())

	off := e.Offsets()
	assert.InDelta(t, 1, off.Pan, 1e-12)
	assert.InDelta(t, 2, off.Tilt, 1e-12)
	assert.InDelta(t, 3, off.Roll, 1e-12)
	assert.True(t, e.IsCalibrationSet())

	// Offsets survive a reset.
	e.Reset()
	assert.Equal(t, off, e.Offsets())

	e.ResetCalibration()
	assert.False(t, e.IsCalibrationSet())
}

func TestIMUCalibrationStartedWhileActive(t *testing.T) {
	t.Parallel()

	e := NewIMUFlowEstimator(DefaultGeometry())
	next, _ := feedIMU(e, FlushCount+2, 0, 1000, 0, 0, 0)
	require.Equal(t, EstimatorActive, e.State())

	e.StartCalibration()
	assert.Equal(t, EstimatorCalibrating, e.State())
	_, updates := feedIMU(e, CalibrationSamples, next, 1000, -0.5, 0.25, 0)
	assert.Equal(t, 0, updates)
	assert.Equal(t, EstimatorActive, e.State())
	assert.InDelta(t, -0.5, e.Offsets().Pan, 1e-12)
}

func TestIMUDefaultOffsets(t *testing.T) {
	t.Parallel()

	e := NewIMUFlowEstimator(DefaultGeometry())
	assert.Equal(t, CalibrationOffsets{Pan: 0.7216, Tilt: 3.4707, Roll: -0.2576}, e.Offsets())
	assert.True(t, e.IsCalibrationSet())
}
