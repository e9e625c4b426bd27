package flow

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/motionflow/internal/config"
)

func TestDefaultParams(t *testing.T) {
	t.Parallel()

	want := Params{
		SubSampleShift:          0,
		RefractoryPeriodUs:      50000,
		Bounds:                  Bounds{XMax: 1 << 16, YMax: 1 << 16},
		SpeedControlEnabled:     true,
		SpeedMixingFactor:       1e-3,
		ExcessSpeedRejectFactor: 2,
		EpsilonDeg:              10,
		ShowGlobalEnabled:       true,
	}
	if diff := cmp.Diff(want, DefaultParams()); diff != "" {
		t.Errorf("DefaultParams() mismatch (-want +got):\n%s", diff)
	}
}

func TestParamsFromTuningClamps(t *testing.T) {
	t.Parallel()

	shift, xmin, xmax := 9, 50, 20
	mix, eps := 3.0, 720.0
	measure := true
	cfg := &config.TuningConfig{
		SubSampleShift:        &shift,
		XMin:                  &xmin,
		XMax:                  &xmax,
		SpeedMixingFactor:     &mix,
		EpsilonDeg:            &eps,
		MeasureProcessingTime: &measure,
	}

	got := ParamsFromTuning(cfg)
	if got.SubSampleShift != MaxSubSampleShift {
		t.Errorf("SubSampleShift = %d, want %d", got.SubSampleShift, MaxSubSampleShift)
	}
	if got.Bounds.XMin != 20 || got.Bounds.XMax != 20 {
		t.Errorf("x bounds = [%d,%d), want [20,20)", got.Bounds.XMin, got.Bounds.XMax)
	}
	if got.SpeedMixingFactor != 1 {
		t.Errorf("SpeedMixingFactor = %v, want 1", got.SpeedMixingFactor)
	}
	if got.EpsilonDeg != MaxEpsilonDeg {
		t.Errorf("EpsilonDeg = %v, want %v", got.EpsilonDeg, MaxEpsilonDeg)
	}
	if got.RefractoryPeriodUs != 1 {
		t.Errorf("RefractoryPeriodUs = %d, want 1 in processing-time mode", got.RefractoryPeriodUs)
	}
}

func TestGeometryAndOffsetsFromTuning(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultTuningConfig()
	if diff := cmp.Diff(DefaultGeometry(), GeometryFromTuning(cfg)); diff != "" {
		t.Errorf("GeometryFromTuning mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(DefaultCalibrationOffsets(), OffsetsFromTuning(cfg)); diff != "" {
		t.Errorf("OffsetsFromTuning mismatch (-want +got):\n%s", diff)
	}
}
