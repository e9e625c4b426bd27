package algorithms

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/motionflow/internal/flow"
)

// LocalPlanes fits a plane t = a·x + b·y + c to the recent same-polarity
// timestamps around each event. The inverse of the time gradient is the
// local edge velocity.
type LocalPlanes struct {
	searchDistance int
	maxDtUs        int64
	minPoints      int

	// reused least-squares buffers
	a   *mat.Dense
	b   *mat.VecDense
	sol mat.VecDense
}

// NewLocalPlanes returns a plane fit over a (2d+1)² window that uses
// neighbours no older than maxDtUs and needs at least minPoints of them.
func NewLocalPlanes(searchDistance int, maxDtUs int64, minPoints int) *LocalPlanes {
	if searchDistance < 1 {
		searchDistance = 1
	}
	if minPoints < 3 {
		minPoints = 3
	}
	n := (2*searchDistance + 1) * (2*searchDistance + 1)
	return &LocalPlanes{
		searchDistance: searchDistance,
		maxDtUs:        maxDtUs,
		minPoints:      minPoints,
		a:              mat.NewDense(n, 3, nil),
		b:              mat.NewVecDense(n, nil),
	}
}

// Name implements flow.Algorithm.
func (lp *LocalPlanes) Name() string { return "LocalPlanes" }

// Margin implements flow.Algorithm.
func (lp *LocalPlanes) Margin() int { return lp.searchDistance }

// Reset implements flow.Algorithm. The fit keeps no per-pixel state.
func (lp *LocalPlanes) Reset(int, int) {}

// ComputeFlow implements flow.Algorithm.
func (lp *LocalPlanes) ComputeFlow(ctx flow.FlowContext) (flow.Vector, bool) {
	tm := ctx.TimeMap
	t0 := ctx.Event.Timestamp
	d := lp.searchDistance

	n := 0
	for dx := -d; dx <= d; dx++ {
		for dy := -d; dy <= d; dy++ {
			ts, ok := tm.LastTime(ctx.X+dx, ctx.Y+dy, ctx.Event.Polarity)
			if !ok || ts > t0 || t0-ts > lp.maxDtUs {
				continue
			}
			lp.a.Set(n, 0, float64(dx))
			lp.a.Set(n, 1, float64(dy))
			lp.a.Set(n, 2, 1)
			lp.b.SetVec(n, float64(ts-t0))
			n++
		}
	}
	if n < lp.minPoints {
		return flow.Vector{}, false
	}

	a := lp.a.Slice(0, n, 0, 3)
	b := lp.b.SliceVec(0, n)
	if err := lp.sol.SolveVec(a, b); err != nil {
		tracef("plane fit at (%d,%d) failed: %v", ctx.X, ctx.Y, err)
		return flow.Vector{}, false
	}

	// Gradient in µs per subsampled pixel.
	gx, gy := lp.sol.AtVec(0), lp.sol.AtVec(1)
	g2 := gx*gx + gy*gy
	if g2 == 0 || math.IsNaN(g2) || math.IsInf(g2, 0) {
		return flow.Vector{}, false
	}
	scale := 1e6 * float64(int(1)<<ctx.Shift) / g2
	return flow.NewVector(gx*scale, gy*scale), true
}
