package flow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/motionflow/internal/config"
	"github.com/banshee-data/motionflow/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedFlow returns the queued vectors in order, then repeats the last.
type scriptedFlow struct {
	queue  []Vector
	margin int
	resets int
	calls  int
}

func (s *scriptedFlow) Name() string { return "scripted" }
func (s *scriptedFlow) Margin() int  { return s.margin }
func (s *scriptedFlow) Reset(int, int) {
	s.resets++
}
func (s *scriptedFlow) ComputeFlow(FlowContext) (Vector, bool) {
	s.calls++
	if len(s.queue) == 0 {
		return Vector{}, true
	}
	v := s.queue[0]
	if len(s.queue) > 1 {
		s.queue = s.queue[1:]
	}
	return v, true
}

func constantFlow(vx, vy float64) *scriptedFlow {
	return &scriptedFlow{queue: []Vector{NewVector(vx, vy)}}
}

func testParams() Params {
	p := DefaultParams()
	p.SpeedControlEnabled = false
	p.RefractoryPeriodUs = 0
	return p
}

func ev(x, y int, t int64) Event {
	return Event{X: x, Y: y, Timestamp: t, Polarity: On}
}

func imuEvent(t int64, pan, tilt, roll float64) Event {
	return Event{Timestamp: t, IMU: &IMUSample{TimestampUs: t, PanRate: pan, TiltRate: tilt, RollRate: roll}}
}

func geom(w, h int) Geometry {
	g := DefaultGeometry()
	g.SizeX, g.SizeY = w, h
	return g
}

func TestPipelineRefractoryScenario(t *testing.T) {
	t.Parallel()

	params := DefaultParams()
	params.RefractoryPeriodUs = 1000
	p := NewPipeline(geom(128, 128), params, constantFlow(1, 1))

	out := p.FilterPacket([]Event{ev(40, 40, 0), ev(40, 40, 500), ev(40, 40, 1500)})
	require.Len(t, out, 2)
	assert.Equal(t, int64(0), out[0].Timestamp)
	assert.Equal(t, int64(1500), out[1].Timestamp)

	sum := p.Summary()
	assert.Equal(t, int64(3), sum.EventsIn)
	assert.Equal(t, int64(2), sum.EventsOut)
}

func TestPipelineSpeedControlScenario(t *testing.T) {
	t.Parallel()

	algo := &scriptedFlow{queue: []Vector{
		NewVector(10, 0), NewVector(0, 10), NewVector(-10, 0), NewVector(25, 0),
	}}
	p := NewPipeline(geom(64, 64), testParams(), algo)
	p.SetSpeedControl(true, 1.0, 2.0)

	out := p.FilterPacket([]Event{ev(1, 1, 10), ev(2, 2, 20), ev(3, 3, 30), ev(4, 4, 40)})
	require.Len(t, out, 3)
	for _, me := range out {
		assert.InDelta(t, 10, me.Velocity.Speed, 1e-12)
	}
}

func TestPipelineGroundTruthScenario(t *testing.T) {
	t.Parallel()

	p := NewPipeline(geom(10, 10), testParams(), constantFlow(1, 0))
	field := &GroundTruthField{Vx: grid(10, 10), Vy: grid(10, 10), TsStart: 0, TsEnd: 1000}
	field.Vx[5][5] = 3.0
	p.SetGroundTruth(field)

	out := p.FilterPacket([]Event{ev(5, 5, 500), ev(5, 5, 1500)})
	require.Len(t, out, 2)
	assert.Equal(t, 3.0, out[0].GroundTruth.Vx)
	assert.Equal(t, 3.0, out[0].GroundTruth.Speed)
	// Outside the interval with an uninitialised estimator.
	assert.Equal(t, Vector{}, out[1].GroundTruth)

	start, end, err := p.GroundTruthInterval()
	require.NoError(t, err)
	assert.Equal(t, [2]int64{0, 1000}, [2]int64{start, end})
}

func TestPipelineGroundTruthFromIMU(t *testing.T) {
	t.Parallel()

	g := geom(64, 64)
	p := NewPipeline(g, testParams(), constantFlow(1, 0))
	p.SetIMUOffsets(CalibrationOffsets{})

	packet := make([]Event, 0, FlushCount+3)
	for i := 0; i < FlushCount+2; i++ {
		packet = append(packet, imuEvent(int64(i)*1000, 20, 0, 0))
	}
	packet = append(packet, ev(32, 32, 20000))
	out := p.FilterPacket(packet)
	require.Len(t, out, 1)
	assert.Equal(t, EstimatorActive, p.IMUState())

	// Pure pan at the centre: flow is the negated translation rate.
	want := -(20 * 3.141592653589793 / 180) / g.RadPerPixel()
	assert.InDelta(t, want, out[0].GroundTruth.Vx, 1e-6)
	assert.InDelta(t, 0, out[0].GroundTruth.Vy, 1e-9)
}

func TestPipelineRewindResets(t *testing.T) {
	t.Parallel()

	algo := constantFlow(1, 1)
	p := NewPipeline(geom(32, 32), testParams(), algo)
	require.Equal(t, 0, p.ResetCount())
	resetsBefore := algo.resets

	out := p.FilterPacket([]Event{ev(3, 3, 100), ev(3, 3, 50), ev(4, 4, 60)})
	assert.Equal(t, 1, p.ResetCount())
	assert.Equal(t, resetsBefore+1, algo.resets)
	// The rewinding event is dropped, the following one is processed on
	// a fresh map.
	require.Len(t, out, 2)
	assert.Equal(t, int64(100), out[0].Timestamp)
	assert.Equal(t, int64(60), out[1].Timestamp)

	// Counters restart at the reset and only cover what followed it.
	sum := p.Summary()
	assert.Equal(t, int64(1), sum.Packets)
	assert.Equal(t, int64(1), sum.EventsIn)
	assert.Equal(t, int64(1), sum.EventsOut)

	p.FilterPacket([]Event{ev(5, 5, 70)})
	sum = p.Summary()
	assert.Equal(t, int64(2), sum.Packets)
	assert.Equal(t, int64(2), sum.EventsIn)
	assert.Equal(t, int64(2), sum.EventsOut)
}

func TestPipelineResetIdempotent(t *testing.T) {
	t.Parallel()

	p := NewPipeline(geom(32, 32), testParams(), constantFlow(1, 1))
	p.FilterPacket([]Event{ev(3, 3, 100), ev(5, 5, 200)})
	p.ResetFilter()
	first := p.Summary()
	p.ResetFilter()
	assert.Equal(t, first, p.Summary())
	assert.Equal(t, Summary{FilterName: "scripted"}, first)
	assert.Equal(t, 2, p.ResetCount())
}

func TestPipelineOutlierDiscard(t *testing.T) {
	t.Parallel()

	algo := &scriptedFlow{queue: []Vector{NewVector(0, 1), NewVector(1, 0.01)}}
	p := NewPipeline(geom(16, 16), testParams(), algo)
	p.SetOutlierDiscard(true, 10)
	field := &GroundTruthField{Vx: grid(16, 16), Vy: grid(16, 16), TsEnd: 1 << 30}
	for y := range field.Vx {
		for x := range field.Vx[y] {
			field.Vx[y][x] = 1
		}
	}
	p.SetGroundTruth(field)

	out := p.FilterPacket([]Event{ev(2, 2, 10), ev(3, 3, 20)})
	require.Len(t, out, 1)
	assert.Equal(t, 3, out[0].X)
}

func TestPipelineSubsampledOutput(t *testing.T) {
	t.Parallel()

	params := testParams()
	params.SubSampleShift = 1
	p := NewPipeline(geom(32, 32), params, constantFlow(0, 0))

	out := p.FilterPacket([]Event{ev(5, 7, 10), ev(4, 6, 11), ev(9, 9, 12)})
	require.Len(t, out, 2, "second event in the same 2x2 block must be rejected")
	assert.Equal(t, 4, out[0].X)
	assert.Equal(t, 6, out[0].Y)
	assert.False(t, out[0].HasDirection)
	assert.Equal(t, 8, out[1].X)
}

func TestPipelineGlobalFlow(t *testing.T) {
	t.Parallel()

	params := testParams()
	params.ShowGlobalEnabled = true
	p := NewPipeline(geom(32, 32), params, constantFlow(3, 4))
	require.Len(t, p.FilterPacket([]Event{ev(5, 7, 10)}), 1)
	assert.Equal(t, NewVector(3, 4), p.GlobalFlowAt(5, 7))
	assert.Equal(t, Vector{}, p.GlobalFlowAt(6, 7))

	p.SetShowGlobal(false)
	p.FilterPacket([]Event{ev(6, 7, 20)})
	assert.Equal(t, Vector{}, p.GlobalFlowAt(6, 7))
}

func TestPipelineTuningReflectsLiveParams(t *testing.T) {
	t.Parallel()

	shift := 2
	base := &config.TuningConfig{SubSampleShift: &shift}
	p := NewPipeline(geom(64, 48), testParams(), constantFlow(1, 0))
	p.SetRefractoryPeriod(1234)
	p.SetMeasureAccuracy(true)
	p.SetIMUOffsets(CalibrationOffsets{Pan: 1, Tilt: 2, Roll: 3})

	c := p.Tuning(base)
	assert.Equal(t, 64, *c.SizeX)
	assert.Equal(t, 48, *c.SizeY)
	assert.Equal(t, 0, *c.SubSampleShift, "live shift wins over the base")
	assert.Equal(t, int64(1234), *c.RefractoryPeriodUs)
	assert.True(t, *c.MeasureAccuracy)
	assert.Equal(t, 2.0, *c.TiltOffset)
	assert.Equal(t, config.EmptyTuningConfig().GetSearchDistance(), *c.SearchDistance)
	assert.Equal(t, 2, *base.SubSampleShift, "base must not be modified")
	assert.Nil(t, base.SizeX)

	raw, err := json.Marshal(p.Tuning(nil))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"refractory_period_us":1234`)
}

func TestPipelineMarginFromAlgorithm(t *testing.T) {
	t.Parallel()

	algo := constantFlow(1, 0)
	algo.margin = 3
	p := NewPipeline(geom(16, 16), testParams(), algo)

	out := p.FilterPacket([]Event{ev(2, 8, 1), ev(3, 8, 2), ev(13, 8, 3), ev(12, 8, 4)})
	require.Len(t, out, 2)
	assert.Equal(t, 3, out[0].X)
	assert.Equal(t, 12, out[1].X)
	assert.Equal(t, 2, algo.calls)
}

func TestPipelineSpatialBounds(t *testing.T) {
	t.Parallel()

	p := NewPipeline(geom(32, 32), testParams(), constantFlow(1, 0))
	p.SetBounds(Bounds{XMin: 10, XMax: 20, YMin: 0, YMax: 1000})
	assert.Equal(t, Bounds{XMin: 10, XMax: 20, YMin: 0, YMax: 1000}, p.Params().Bounds)
	assert.Equal(t, Bounds{XMin: 10, XMax: 20, YMin: 0, YMax: 32}, p.EffectiveBounds())

	out := p.FilterPacket([]Event{ev(9, 1, 1), ev(10, 1, 2), ev(19, 1, 3), ev(20, 1, 4)})
	assert.Len(t, out, 2)
}

func TestPipelineBoundsFollowShift(t *testing.T) {
	t.Parallel()

	p := NewPipeline(geom(32, 32), testParams(), constantFlow(1, 0))
	p.SetBounds(Bounds{XMax: 1 << 16, YMax: 1 << 16})
	assert.Equal(t, Bounds{XMax: 32, YMax: 32}, p.EffectiveBounds())

	p.SetSubSampleShift(2)
	assert.Equal(t, Bounds{XMax: 8, YMax: 8}, p.EffectiveBounds())

	p.SetSubSampleShift(0)
	assert.Equal(t, Bounds{XMax: 32, YMax: 32}, p.EffectiveBounds())
	out := p.FilterPacket([]Event{ev(30, 30, 10)})
	assert.Len(t, out, 1)
}

// Run with -race: packets and control calls from separate goroutines.
func TestPipelineConcurrentControl(t *testing.T) {
	t.Parallel()

	p := NewPipeline(geom(64, 64), testParams(), constantFlow(1, 0))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			ts := int64(i) * 10
			p.FilterPacket([]Event{
				imuEvent(ts, 1, 0, 0),
				ev(i%64, (i/64)%64, ts+1),
				ev((i+7)%64, (i/3)%64, ts+2),
			})
		}
	}()

	for i := 0; i < 500; i++ {
		p.SetSubSampleShift(i % 3)
		p.SetBounds(Bounds{XMin: i % 8, XMax: 64 - i%8, YMax: 64})
		if i%50 == 0 {
			p.Notify(ResetFileOpen)
		}
		sum := p.Summary()
		assert.LessOrEqual(t, sum.EventsOut, sum.EventsIn)
	}
	<-done

	sum := p.Summary()
	assert.LessOrEqual(t, sum.EventsOut, sum.EventsIn)
	assert.Positive(t, p.ResetCount())
}

func TestPipelineSetterClamps(t *testing.T) {
	t.Parallel()

	p := NewPipeline(geom(64, 64), testParams(), constantFlow(1, 0))

	p.SetSubSampleShift(7)
	assert.Equal(t, MaxSubSampleShift, p.Params().SubSampleShift)
	p.SetSubSampleShift(-2)
	assert.Equal(t, 0, p.Params().SubSampleShift)

	p.SetSpeedControl(true, 0, 2)
	assert.Equal(t, MinSpeedMixingFactor, p.Params().SpeedMixingFactor)
	p.SetSpeedControl(true, 5, 2)
	assert.Equal(t, 1.0, p.Params().SpeedMixingFactor)

	p.SetOutlierDiscard(true, 400)
	assert.Equal(t, float64(MaxEpsilonDeg), p.Params().EpsilonDeg)
	p.SetOutlierDiscard(true, -1)
	assert.Equal(t, 0.0, p.Params().EpsilonDeg)

	p.SetRefractoryPeriod(-10)
	assert.Equal(t, int64(0), p.Params().RefractoryPeriodUs)
}

func TestPipelineMeasureModesReset(t *testing.T) {
	t.Parallel()

	p := NewPipeline(geom(32, 32), testParams(), constantFlow(1, 0))
	p.SetRefractoryPeriod(5000)

	p.SetMeasureAccuracy(true)
	assert.Equal(t, 1, p.ResetCount())

	p.SetMeasureProcessingTime(true)
	assert.Equal(t, 2, p.ResetCount())
	assert.Equal(t, int64(1), p.Params().RefractoryPeriodUs)

	p.SetMeasureAccuracy(false)
	assert.Equal(t, 2, p.ResetCount(), "disabling must not reset")
}

// stepClock advances by step on every Now call.
type stepClock struct {
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}
func (c *stepClock) Since(t time.Time) time.Duration          { return c.now.Sub(t) }
func (c *stepClock) NewTicker(time.Duration) timeutil.Ticker { return nil }

func TestPipelineProcessingTime(t *testing.T) {
	t.Parallel()

	p := NewPipeline(geom(32, 32), testParams(), constantFlow(1, 0))
	p.SetClock(&stepClock{now: time.Unix(0, 0), step: 400 * time.Microsecond})
	p.SetMeasureProcessingTime(true)

	p.FilterPacket([]Event{ev(1, 1, 1), ev(2, 2, 2), imuEvent(3, 0, 0, 0), ev(3, 3, 4), ev(4, 4, 5)})
	sum := p.Summary()
	assert.InDelta(t, 100, sum.ProcessingTimeMeanUs, 1e-9)
}

func TestPipelineAccuracy(t *testing.T) {
	t.Parallel()

	p := NewPipeline(geom(16, 16), testParams(), constantFlow(0, 2))
	p.SetMeasureAccuracy(true)
	field := &GroundTruthField{Vx: grid(16, 16), Vy: grid(16, 16), TsEnd: 100}
	field.Vx[4][4] = 2
	p.SetGroundTruth(field)

	// (5,5) has zero ground truth and does not count.
	p.FilterPacket([]Event{ev(4, 4, 10), ev(5, 5, 11)})
	sum := p.TriggerLogging()
	assert.Equal(t, 1, sum.AccuracySamples)
	assert.InDelta(t, 90, sum.AngularErrorMean, 1e-9)
}

func TestPipelineImportGroundTruthKeepsPrevious(t *testing.T) {
	t.Parallel()

	p := NewPipeline(geom(8, 8), testParams(), constantFlow(1, 0))
	p.SetGroundTruth(&GroundTruthField{Vx: grid(8, 8), Vy: grid(8, 8), TsStart: 5, TsEnd: 50})

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"vxGT": [[1]], "vyGT": [[1]]}`), 0644))
	err := p.ImportGroundTruth(bad)
	require.ErrorIs(t, err, ErrInvalidField)
	require.Error(t, p.ImportGroundTruth(filepath.Join(t.TempDir(), "missing.json")))

	start, end, err := p.GroundTruthInterval()
	require.NoError(t, err)
	assert.Equal(t, int64(5), start)
	assert.Equal(t, int64(50), end)

	p.ResetGroundTruth()
	_, _, err = p.GroundTruthInterval()
	assert.ErrorIs(t, err, ErrNoGroundTruth)
}

func TestPipelineExportFlow(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out", "flowExport.json")
	p := NewPipeline(geom(8, 6), testParams(), constantFlow(2, -1))
	p.ExportFlow(path, 0, 1000)

	p.FilterPacket([]Event{ev(1, 2, 100), ev(3, 4, 110)})
	assert.False(t, p.ExportDone())
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))

	p.FilterPacket([]Event{ev(5, 5, 2000)})
	require.True(t, p.ExportDone())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got struct {
		Vx [][]float64 `json:"vx"`
		Vy [][]float64 `json:"vy"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got.Vx, 6)
	require.Len(t, got.Vx[0], 8)
	assert.Equal(t, 2.0, got.Vx[2][1])
	assert.Equal(t, -1.0, got.Vy[4][3])
	// Events after tmax are not part of the export.
	assert.Equal(t, 0.0, got.Vx[5][5])

	// Written once per session.
	require.NoError(t, os.Remove(path))
	p.FilterPacket([]Event{ev(6, 1, 3000)})
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestPipelineSetGeometry(t *testing.T) {
	t.Parallel()

	p := NewPipeline(geom(32, 32), testParams(), constantFlow(1, 0))
	p.SetGeometry(geom(64, 48))
	assert.Equal(t, 1, p.ResetCount())
	assert.Equal(t, 64, p.Geometry().SizeX)

	out := p.FilterPacket([]Event{ev(60, 40, 1)})
	assert.Len(t, out, 1)
}

func grid(w, h int) [][]float64 {
	return newGrid(h, w)
}
