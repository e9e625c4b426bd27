package flow

import "math"

// unsetTime marks a time-map cell that has not seen an event since the
// last reallocation.
const unsetTime = math.MinInt64

// Bounds is a half-open rectangle [XMin,XMax) x [YMin,YMax) in subsampled
// pixel coordinates.
type Bounds struct {
	XMin, XMax int
	YMin, YMax int
}

// Contains reports whether (x, y) lies inside the rectangle.
func (b Bounds) Contains(x, y int) bool {
	return x >= b.XMin && x < b.XMax && y >= b.YMin && y < b.YMax
}

// TimeMap is the subsampled per-pixel, per-polarity last-event time map
// together with the per-packet fired grid and the spatial filter.
//
// Cells are stored flat: idx = (x*SubSizeY + y)*numPolarityTypes + polarity.
type TimeMap struct {
	sizeX, sizeY       int
	shift              int
	subSizeX, subSizeY int

	lastTimes []int64
	fired     []bool

	bounds Bounds
}

// NewTimeMap allocates a map for a sizeX x sizeY array subsampled by shift.
func NewTimeMap(sizeX, sizeY, shift int) *TimeMap {
	tm := &TimeMap{}
	tm.Reallocate(sizeX, sizeY, shift)
	return tm
}

// Reallocate resizes every buffer to the new geometry and clears them.
// The spatial bounds are reset to the full subsampled frame.
func (tm *TimeMap) Reallocate(sizeX, sizeY, shift int) {
	tm.sizeX, tm.sizeY, tm.shift = sizeX, sizeY, shift
	tm.subSizeX = sizeX >> shift
	tm.subSizeY = sizeY >> shift
	n := tm.subSizeX * tm.subSizeY
	tm.lastTimes = make([]int64, n*numPolarityTypes)
	for i := range tm.lastTimes {
		tm.lastTimes[i] = unsetTime
	}
	tm.fired = make([]bool, n)
	tm.bounds = Bounds{XMax: tm.subSizeX, YMax: tm.subSizeY}
}

// SubSizeX is the subsampled width.
func (tm *TimeMap) SubSizeX() int { return tm.subSizeX }

// SubSizeY is the subsampled height.
func (tm *TimeMap) SubSizeY() int { return tm.subSizeY }

// Shift is the subsampling shift in bits.
func (tm *TimeMap) Shift() int { return tm.shift }

// SetBounds sets the spatial filter rectangle, clamped to the frame.
func (tm *TimeMap) SetBounds(b Bounds) {
	b.XMax = clampInt(b.XMax, 0, tm.subSizeX)
	b.YMax = clampInt(b.YMax, 0, tm.subSizeY)
	b.XMin = clampInt(b.XMin, 0, b.XMax)
	b.YMin = clampInt(b.YMin, 0, b.YMax)
	tm.bounds = b
}

// Bounds returns the effective spatial filter rectangle.
func (tm *TimeMap) Bounds() Bounds { return tm.bounds }

// StartPacket clears the fired grid.
func (tm *TimeMap) StartPacket() {
	clear(tm.fired)
}

// Subsample maps a full-resolution coordinate into the map.
func (tm *TimeMap) Subsample(x, y int) (int, int) {
	return x >> tm.shift, y >> tm.shift
}

func (tm *TimeMap) idx(x, y int, p Polarity) int {
	return (x*tm.subSizeY+y)*numPolarityTypes + int(p)
}

// InFrame reports whether subsampled (x, y) addresses a cell.
func (tm *TimeMap) InFrame(x, y int) bool {
	return x >= 0 && y >= 0 && x < tm.subSizeX && y < tm.subSizeY
}

// XYFilter reports whether subsampled (x, y) lies outside the spatial bounds.
func (tm *TimeMap) XYFilter(x, y int) bool {
	return !tm.bounds.Contains(x, y)
}

// IsInvalidAddress reports whether subsampled (x, y) is within margin of
// any frame edge or, when subsampling, already fired in this packet.
// A valid subsampled pixel is marked as fired.
func (tm *TimeMap) IsInvalidAddress(x, y, margin int) bool {
	if x < margin || y < margin || x >= tm.subSizeX-margin || y >= tm.subSizeY-margin {
		return true
	}
	if tm.shift > 0 {
		i := x*tm.subSizeY + y
		if tm.fired[i] {
			return true
		}
		tm.fired[i] = true
	}
	return false
}

// UpdateTimesMap records t for (x, y, p). It returns pass=true when at
// least refractoryUs has elapsed since the previous event at the same cell,
// and rewind=true when t is earlier than the stored time. On rewind the
// caller must reset; the cell is left untouched.
func (tm *TimeMap) UpdateTimesMap(x, y int, p Polarity, t, refractoryUs int64) (pass, rewind bool) {
	i := tm.idx(x, y, p)
	last := tm.lastTimes[i]
	if last != unsetTime && t < last {
		return false, true
	}
	tm.lastTimes[i] = t
	if last == unsetTime {
		return true, false
	}
	return t-last >= refractoryUs, false
}

// LastTime returns the last event time at (x, y, p) and whether the cell has
// been set. Out-of-frame coordinates report unset.
func (tm *TimeMap) LastTime(x, y int, p Polarity) (int64, bool) {
	if !tm.InFrame(x, y) {
		return 0, false
	}
	t := tm.lastTimes[tm.idx(x, y, p)]
	return t, t != unsetTime
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
