package flow

import "math"

// Polarity is the sign of the brightness change that produced an event.
type Polarity uint8

const (
	Off Polarity = iota
	On
)

// numPolarityTypes is the depth of the time map (one slot per polarity).
const numPolarityTypes = 2

func (p Polarity) String() string {
	if p == On {
		return "on"
	}
	return "off"
}

// IMUSample is one gyro reading. Rates are in degrees per second.
type IMUSample struct {
	TimestampUs int64   `json:"t"`
	PanRate     float64 `json:"pan"`
	TiltRate    float64 `json:"tilt"`
	RollRate    float64 `json:"roll"`
}

// Event is a single sensor event at full chip resolution.
// When IMU is non-nil the event carries a gyro sample and no pixel data.
type Event struct {
	X, Y      int
	Timestamp int64 // microseconds
	Polarity  Polarity
	IMU       *IMUSample
}

// IsIMU reports whether the event carries a gyro sample.
func (e Event) IsIMU() bool { return e.IMU != nil }

// Vector is an image-plane velocity in pixels per second.
type Vector struct {
	Vx    float64 `json:"vx"`
	Vy    float64 `json:"vy"`
	Speed float64 `json:"speed"`
}

// NewVector builds a Vector and fills in its magnitude.
func NewVector(vx, vy float64) Vector {
	return Vector{Vx: vx, Vy: vy, Speed: math.Hypot(vx, vy)}
}

// MotionEvent is an output event with the computed flow attached.
type MotionEvent struct {
	Event
	Velocity     Vector
	HasDirection bool
	GroundTruth  Vector
}

// Geometry describes the sensor array and the lens in front of it.
type Geometry struct {
	SizeX         int
	SizeY         int
	PixelPitchUm  float64
	FocalLengthMm float64
}

// DefaultLensFocalLengthMm is the focal length assumed when none is configured.
const DefaultLensFocalLengthMm = 4.5

// DefaultGeometry returns a 240x180 DAVIS-style array behind a 4.5mm lens.
func DefaultGeometry() Geometry {
	return Geometry{
		SizeX:         240,
		SizeY:         180,
		PixelPitchUm:  18.5,
		FocalLengthMm: DefaultLensFocalLengthMm,
	}
}

// RadPerPixel is the angle subtended by one pixel.
func (g Geometry) RadPerPixel() float64 {
	focal := g.FocalLengthMm
	if focal <= 0 {
		focal = DefaultLensFocalLengthMm
	}
	return math.Atan(g.PixelPitchUm / (1000 * focal))
}
