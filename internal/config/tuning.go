package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/flow.defaults.json"

// TuningConfig represents the root configuration for the motion-flow
// pipeline. Every field is optional; the Get* methods supply defaults for
// fields omitted from the JSON so partial configs are safe.
type TuningConfig struct {
	// Sensor geometry
	SizeX         *int     `json:"size_x,omitempty"`
	SizeY         *int     `json:"size_y,omitempty"`
	PixelPitchUm  *float64 `json:"pixel_pitch_um,omitempty"`
	FocalLengthMm *float64 `json:"focal_length_mm,omitempty"`

	// Time map and spatial filter
	SubSampleShift     *int   `json:"subsample_shift,omitempty"`
	RefractoryPeriodUs *int64 `json:"refractory_period_us,omitempty"`
	XMin               *int   `json:"x_min,omitempty"`
	XMax               *int   `json:"x_max,omitempty"`
	YMin               *int   `json:"y_min,omitempty"`
	YMax               *int   `json:"y_max,omitempty"`

	// Speed control
	SpeedControlEnabled     *bool    `json:"speed_control_enabled,omitempty"`
	SpeedMixingFactor       *float64 `json:"speed_mixing_factor,omitempty"`
	ExcessSpeedRejectFactor *float64 `json:"excess_speed_reject_factor,omitempty"`

	// Outlier discard against ground truth
	DiscardOutliersEnabled *bool    `json:"discard_outliers_enabled,omitempty"`
	EpsilonDeg             *float64 `json:"epsilon_deg,omitempty"`

	// Measurement modes
	MeasureAccuracy       *bool `json:"measure_accuracy,omitempty"`
	MeasureProcessingTime *bool `json:"measure_processing_time,omitempty"`
	ShowGlobalEnabled     *bool `json:"show_global_enabled,omitempty"`

	// Gyro calibration offsets (deg/s)
	PanOffset  *float64 `json:"pan_offset,omitempty"`
	TiltOffset *float64 `json:"tilt_offset,omitempty"`
	RollOffset *float64 `json:"roll_offset,omitempty"`

	// Local plane fit algorithm
	SearchDistance *int   `json:"search_distance,omitempty"`
	MaxDtUs        *int64 `json:"max_dt_us,omitempty"`
	MinPlanePoints *int   `json:"min_plane_points,omitempty"`

	// Stream handling
	PacketSize *int `json:"packet_size,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated
// from the built-in defaults.
func DefaultTuningConfig() *TuningConfig {
	return EmptyTuningConfig().Resolved()
}

// Resolved returns a copy with every omitted field filled in from the
// defaults, so it marshals to the complete effective configuration.
func (c *TuningConfig) Resolved() *TuningConfig {
	return &TuningConfig{
		SizeX:                   ptrInt(c.GetSizeX()),
		SizeY:                   ptrInt(c.GetSizeY()),
		PixelPitchUm:            ptrFloat64(c.GetPixelPitchUm()),
		FocalLengthMm:           ptrFloat64(c.GetFocalLengthMm()),
		SubSampleShift:          ptrInt(c.GetSubSampleShift()),
		RefractoryPeriodUs:      ptrInt64(c.GetRefractoryPeriodUs()),
		XMin:                    ptrInt(c.GetXMin()),
		XMax:                    ptrInt(c.GetXMax()),
		YMin:                    ptrInt(c.GetYMin()),
		YMax:                    ptrInt(c.GetYMax()),
		SpeedControlEnabled:     ptrBool(c.GetSpeedControlEnabled()),
		SpeedMixingFactor:       ptrFloat64(c.GetSpeedMixingFactor()),
		ExcessSpeedRejectFactor: ptrFloat64(c.GetExcessSpeedRejectFactor()),
		DiscardOutliersEnabled:  ptrBool(c.GetDiscardOutliersEnabled()),
		EpsilonDeg:              ptrFloat64(c.GetEpsilonDeg()),
		MeasureAccuracy:         ptrBool(c.GetMeasureAccuracy()),
		MeasureProcessingTime:   ptrBool(c.GetMeasureProcessingTime()),
		ShowGlobalEnabled:       ptrBool(c.GetShowGlobalEnabled()),
		PanOffset:               ptrFloat64(c.GetPanOffset()),
		TiltOffset:              ptrFloat64(c.GetTiltOffset()),
		RollOffset:              ptrFloat64(c.GetRollOffset()),
		SearchDistance:          ptrInt(c.GetSearchDistance()),
		MaxDtUs:                 ptrInt64(c.GetMaxDtUs()),
		MinPlanePoints:          ptrInt(c.GetMinPlanePoints()),
		PacketSize:              ptrInt(c.GetPacketSize()),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/flow/algorithms/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks structural validity. Live-tunable ranges (shift, bounds,
// mixing factor, epsilon) are clamped by the pipeline rather than rejected.
func (c *TuningConfig) Validate() error {
	if c.SizeX != nil && *c.SizeX <= 0 {
		return fmt.Errorf("size_x must be positive, got %d", *c.SizeX)
	}
	if c.SizeY != nil && *c.SizeY <= 0 {
		return fmt.Errorf("size_y must be positive, got %d", *c.SizeY)
	}
	if c.PixelPitchUm != nil && *c.PixelPitchUm <= 0 {
		return fmt.Errorf("pixel_pitch_um must be positive, got %f", *c.PixelPitchUm)
	}
	if c.FocalLengthMm != nil && *c.FocalLengthMm <= 0 {
		return fmt.Errorf("focal_length_mm must be positive, got %f", *c.FocalLengthMm)
	}
	if c.PacketSize != nil && *c.PacketSize <= 0 {
		return fmt.Errorf("packet_size must be positive, got %d", *c.PacketSize)
	}
	if c.MinPlanePoints != nil && *c.MinPlanePoints < 3 {
		return fmt.Errorf("min_plane_points must be at least 3, got %d", *c.MinPlanePoints)
	}
	return nil
}

// GetSizeX returns the size_x value or the default.
func (c *TuningConfig) GetSizeX() int {
	if c.SizeX == nil {
		return 240
	}
	return *c.SizeX
}

// GetSizeY returns the size_y value or the default.
func (c *TuningConfig) GetSizeY() int {
	if c.SizeY == nil {
		return 180
	}
	return *c.SizeY
}

// GetPixelPitchUm returns the pixel_pitch_um value or the default.
func (c *TuningConfig) GetPixelPitchUm() float64 {
	if c.PixelPitchUm == nil {
		return 18.5
	}
	return *c.PixelPitchUm
}

// GetFocalLengthMm returns the focal_length_mm value or the default.
func (c *TuningConfig) GetFocalLengthMm() float64 {
	if c.FocalLengthMm == nil {
		return 4.5
	}
	return *c.FocalLengthMm
}

// GetSubSampleShift returns the subsample_shift value or the default.
func (c *TuningConfig) GetSubSampleShift() int {
	if c.SubSampleShift == nil {
		return 0
	}
	return *c.SubSampleShift
}

// GetRefractoryPeriodUs returns the refractory_period_us value or the default.
func (c *TuningConfig) GetRefractoryPeriodUs() int64 {
	if c.RefractoryPeriodUs == nil {
		return 50000
	}
	return *c.RefractoryPeriodUs
}

// GetXMin returns the x_min value or the default.
func (c *TuningConfig) GetXMin() int {
	if c.XMin == nil {
		return 0
	}
	return *c.XMin
}

// GetXMax returns the x_max value or the default (no limit).
func (c *TuningConfig) GetXMax() int {
	if c.XMax == nil {
		return 1 << 16
	}
	return *c.XMax
}

// GetYMin returns the y_min value or the default.
func (c *TuningConfig) GetYMin() int {
	if c.YMin == nil {
		return 0
	}
	return *c.YMin
}

// GetYMax returns the y_max value or the default (no limit).
func (c *TuningConfig) GetYMax() int {
	if c.YMax == nil {
		return 1 << 16
	}
	return *c.YMax
}

// GetSpeedControlEnabled returns the speed_control_enabled value or the default.
func (c *TuningConfig) GetSpeedControlEnabled() bool {
	if c.SpeedControlEnabled == nil {
		return true
	}
	return *c.SpeedControlEnabled
}

// GetSpeedMixingFactor returns the speed_mixing_factor value or the default.
func (c *TuningConfig) GetSpeedMixingFactor() float64 {
	if c.SpeedMixingFactor == nil {
		return 1e-3
	}
	return *c.SpeedMixingFactor
}

// GetExcessSpeedRejectFactor returns the excess_speed_reject_factor value or the default.
func (c *TuningConfig) GetExcessSpeedRejectFactor() float64 {
	if c.ExcessSpeedRejectFactor == nil {
		return 2
	}
	return *c.ExcessSpeedRejectFactor
}

// GetDiscardOutliersEnabled returns the discard_outliers_enabled value or the default.
func (c *TuningConfig) GetDiscardOutliersEnabled() bool {
	if c.DiscardOutliersEnabled == nil {
		return false
	}
	return *c.DiscardOutliersEnabled
}

// GetEpsilonDeg returns the epsilon_deg value or the default.
func (c *TuningConfig) GetEpsilonDeg() float64 {
	if c.EpsilonDeg == nil {
		return 10
	}
	return *c.EpsilonDeg
}

// GetMeasureAccuracy returns the measure_accuracy value or the default.
func (c *TuningConfig) GetMeasureAccuracy() bool {
	if c.MeasureAccuracy == nil {
		return false
	}
	return *c.MeasureAccuracy
}

// GetMeasureProcessingTime returns the measure_processing_time value or the default.
func (c *TuningConfig) GetMeasureProcessingTime() bool {
	if c.MeasureProcessingTime == nil {
		return false
	}
	return *c.MeasureProcessingTime
}

// GetShowGlobalEnabled returns the show_global_enabled value or the default.
func (c *TuningConfig) GetShowGlobalEnabled() bool {
	if c.ShowGlobalEnabled == nil {
		return true
	}
	return *c.ShowGlobalEnabled
}

// GetPanOffset returns the pan_offset value or the default.
func (c *TuningConfig) GetPanOffset() float64 {
	if c.PanOffset == nil {
		return 0.7216
	}
	return *c.PanOffset
}

// GetTiltOffset returns the tilt_offset value or the default.
func (c *TuningConfig) GetTiltOffset() float64 {
	if c.TiltOffset == nil {
		return 3.4707
	}
	return *c.TiltOffset
}

// GetRollOffset returns the roll_offset value or the default.
func (c *TuningConfig) GetRollOffset() float64 {
	if c.RollOffset == nil {
		return -0.2576
	}
	return *c.RollOffset
}

// GetSearchDistance returns the search_distance value or the default.
func (c *TuningConfig) GetSearchDistance() int {
	if c.SearchDistance == nil {
		return 3
	}
	return *c.SearchDistance
}

// GetMaxDtUs returns the max_dt_us value or the default.
func (c *TuningConfig) GetMaxDtUs() int64 {
	if c.MaxDtUs == nil {
		return 100000
	}
	return *c.MaxDtUs
}

// GetMinPlanePoints returns the min_plane_points value or the default.
func (c *TuningConfig) GetMinPlanePoints() int {
	if c.MinPlanePoints == nil {
		return 5
	}
	return *c.MinPlanePoints
}

// GetPacketSize returns the packet_size value or the default.
func (c *TuningConfig) GetPacketSize() int {
	if c.PacketSize == nil {
		return 2048
	}
	return *c.PacketSize
}
