// Package config holds the JSON tuning overlay for the estimation pipeline.
// Every numeric constant the pipeline depends on is exposed here so field
// tuning never requires a rebuild. Fields are pointers: keys omitted from
// the JSON fall back to the compiled defaults in the Get* accessors.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TuningConfig is the root tuning document. The same JSON shape is accepted
// at session start and by the replay tool's -tuning flag, so a field capture
// can be rerun under adjusted constants.
type TuningConfig struct {
	// Motion classifier params
	RegimeDwell         *string  `json:"regime_dwell,omitempty"` // duration string like "5s"
	MotionStaleAfter    *string  `json:"motion_stale_after,omitempty"`
	MinSwitchConfidence *float64 `json:"min_switch_confidence,omitempty"`
	MotionWindow        *int     `json:"motion_window,omitempty"`

	// Location filter params
	AccuracyRejectFactor *float64 `json:"accuracy_reject_factor,omitempty"`
	AccuracyWindow       *int     `json:"accuracy_window,omitempty"`
	GateThreshold        *float64 `json:"gate_threshold,omitempty"`
	ProcessNoisePos      *float64 `json:"process_noise_pos,omitempty"`
	ProcessNoiseVel      *float64 `json:"process_noise_vel,omitempty"`
	MinAccuracyMetres    *float64 `json:"min_accuracy_m,omitempty"`
	SuppressionMaxUncert *float64 `json:"suppression_max_uncertainty_m,omitempty"`
	CourseMinSpeed       *float64 `json:"course_min_speed_mps,omitempty"`
	CourseSmoothingAlpha *float64 `json:"course_smoothing_alpha,omitempty"`

	// Elevation and grade params
	NoiseFloorMetres     *float64 `json:"noise_floor_m,omitempty"`
	BaroDeltaWeight      *float64 `json:"baro_delta_weight,omitempty"`
	AnchorInterval       *string  `json:"anchor_interval,omitempty"` // duration string like "60s"
	AnchorGain           *float64 `json:"anchor_gain,omitempty"`
	GradeSmoothingAlpha  *float64 `json:"grade_smoothing_alpha,omitempty"`
	MinHorizontalDelta   *float64 `json:"min_horizontal_delta_m,omitempty"`
	GradeDeadBandPct     *float64 `json:"grade_dead_band_pct,omitempty"`
	UphillSlopePerPct    *float64 `json:"uphill_slope_per_pct,omitempty"`
	DownhillThresholdPct *float64 `json:"downhill_threshold_pct,omitempty"`
	DownhillSlopePerPct  *float64 `json:"downhill_slope_per_pct,omitempty"`
	MaxGradeMultiplier   *float64 `json:"max_grade_multiplier,omitempty"`

	// Terrain classifier params
	TerrainWindow    *string  `json:"terrain_window,omitempty"`
	HysteresisMargin *float64 `json:"hysteresis_margin,omitempty"`
	LabelDwell       *string  `json:"label_dwell,omitempty"`
	DefaultOverride  *string  `json:"default_override,omitempty"` // duration string like "10m"

	// Adaptive sampling params
	BatteryLowThreshold      *float64 `json:"battery_low_threshold,omitempty"`
	BatteryCriticalThreshold *float64 `json:"battery_critical_threshold,omitempty"`
	EscalateAfter            *string  `json:"escalate_after,omitempty"` // duration string like "2h"
	AutoOptimize             *bool    `json:"auto_optimize,omitempty"`
	SuppressionDwell         *string  `json:"suppression_dwell,omitempty"`

	// Session params
	PaceWindow           *string `json:"pace_window,omitempty"`
	StaleTolerance       *string `json:"stale_tolerance,omitempty"`
	MotionMatchTolerance *string `json:"motion_match_tolerance,omitempty"`
	IngestBuffer         *int    `json:"ingest_buffer,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields unset, so every
// accessor falls back to its compiled default.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file must have
// a .json extension and stay under the max file size. Fields omitted from
// the JSON keep their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

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

// Validate checks that the configuration values are in range.
func (c *TuningConfig) Validate() error {
	if c.MinSwitchConfidence != nil {
		if *c.MinSwitchConfidence < 0 || *c.MinSwitchConfidence > 1 {
			return fmt.Errorf("min_switch_confidence must be between 0 and 1, got %f", *c.MinSwitchConfidence)
		}
	}
	if c.AccuracyRejectFactor != nil && *c.AccuracyRejectFactor <= 1 {
		return fmt.Errorf("accuracy_reject_factor must be greater than 1, got %f", *c.AccuracyRejectFactor)
	}
	if c.NoiseFloorMetres != nil && *c.NoiseFloorMetres < 0 {
		return fmt.Errorf("noise_floor_m must be non-negative, got %f", *c.NoiseFloorMetres)
	}
	if c.BaroDeltaWeight != nil {
		if *c.BaroDeltaWeight < 0 || *c.BaroDeltaWeight > 1 {
			return fmt.Errorf("baro_delta_weight must be between 0 and 1, got %f", *c.BaroDeltaWeight)
		}
	}
	if c.AnchorGain != nil {
		if *c.AnchorGain < 0 || *c.AnchorGain > 1 {
			return fmt.Errorf("anchor_gain must be between 0 and 1, got %f", *c.AnchorGain)
		}
	}
	if c.GradeSmoothingAlpha != nil {
		if *c.GradeSmoothingAlpha <= 0 || *c.GradeSmoothingAlpha > 1 {
			return fmt.Errorf("grade_smoothing_alpha must be in (0, 1], got %f", *c.GradeSmoothingAlpha)
		}
	}
	if c.MaxGradeMultiplier != nil && *c.MaxGradeMultiplier < 1 {
		return fmt.Errorf("max_grade_multiplier must be at least 1, got %f", *c.MaxGradeMultiplier)
	}
	if c.HysteresisMargin != nil && *c.HysteresisMargin < 0 {
		return fmt.Errorf("hysteresis_margin must be non-negative, got %f", *c.HysteresisMargin)
	}
	if c.BatteryLowThreshold != nil {
		if *c.BatteryLowThreshold <= 0 || *c.BatteryLowThreshold >= 1 {
			return fmt.Errorf("battery_low_threshold must be in (0, 1), got %f", *c.BatteryLowThreshold)
		}
	}
	if c.BatteryCriticalThreshold != nil {
		if *c.BatteryCriticalThreshold <= 0 || *c.BatteryCriticalThreshold >= 1 {
			return fmt.Errorf("battery_critical_threshold must be in (0, 1), got %f", *c.BatteryCriticalThreshold)
		}
	}
	if c.BatteryLowThreshold != nil && c.BatteryCriticalThreshold != nil {
		if *c.BatteryCriticalThreshold >= *c.BatteryLowThreshold {
			return fmt.Errorf("battery_critical_threshold %f must be below battery_low_threshold %f",
				*c.BatteryCriticalThreshold, *c.BatteryLowThreshold)
		}
	}
	if c.IngestBuffer != nil && *c.IngestBuffer < 1 {
		return fmt.Errorf("ingest_buffer must be positive, got %d", *c.IngestBuffer)
	}
	if c.MotionWindow != nil && *c.MotionWindow < 2 {
		return fmt.Errorf("motion_window must be at least 2, got %d", *c.MotionWindow)
	}
	if c.AccuracyWindow != nil && *c.AccuracyWindow < 1 {
		return fmt.Errorf("accuracy_window must be positive, got %d", *c.AccuracyWindow)
	}

	// Duration strings must parse if set
	for _, f := range []struct {
		name string
		v    *string
	}{
		{"regime_dwell", c.RegimeDwell},
		{"motion_stale_after", c.MotionStaleAfter},
		{"anchor_interval", c.AnchorInterval},
		{"terrain_window", c.TerrainWindow},
		{"label_dwell", c.LabelDwell},
		{"default_override", c.DefaultOverride},
		{"escalate_after", c.EscalateAfter},
		{"suppression_dwell", c.SuppressionDwell},
		{"pace_window", c.PaceWindow},
		{"stale_tolerance", c.StaleTolerance},
		{"motion_match_tolerance", c.MotionMatchTolerance},
	} {
		if f.v != nil && *f.v != "" {
			if _, err := time.ParseDuration(*f.v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", f.name, *f.v, err)
			}
		}
	}

	return nil
}

func (c *TuningConfig) duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetRegimeDwell returns the regime_dwell value or the default.
func (c *TuningConfig) GetRegimeDwell() time.Duration {
	return c.duration(c.RegimeDwell, 5*time.Second)
}

// GetMotionStaleAfter returns the motion_stale_after value or the default.
func (c *TuningConfig) GetMotionStaleAfter() time.Duration {
	return c.duration(c.MotionStaleAfter, 10*time.Second)
}

// GetMinSwitchConfidence returns the min_switch_confidence value or the default.
func (c *TuningConfig) GetMinSwitchConfidence() float64 {
	if c.MinSwitchConfidence == nil {
		return 0.35
	}
	return *c.MinSwitchConfidence
}

// GetMotionWindow returns the motion_window value or the default.
func (c *TuningConfig) GetMotionWindow() int {
	if c.MotionWindow == nil {
		return 64
	}
	return *c.MotionWindow
}

// GetAccuracyRejectFactor returns the accuracy_reject_factor value or the default.
func (c *TuningConfig) GetAccuracyRejectFactor() float64 {
	if c.AccuracyRejectFactor == nil {
		return 10.0
	}
	return *c.AccuracyRejectFactor
}

// GetAccuracyWindow returns the accuracy_window value or the default.
func (c *TuningConfig) GetAccuracyWindow() int {
	if c.AccuracyWindow == nil {
		return 20
	}
	return *c.AccuracyWindow
}

// GetGateThreshold returns the gate_threshold value or the default.
func (c *TuningConfig) GetGateThreshold() float64 {
	if c.GateThreshold == nil {
		return 13.8
	}
	return *c.GateThreshold
}

// GetProcessNoisePos returns the process_noise_pos value or the default.
func (c *TuningConfig) GetProcessNoisePos() float64 {
	if c.ProcessNoisePos == nil {
		return 0.5
	}
	return *c.ProcessNoisePos
}

// GetProcessNoiseVel returns the process_noise_vel value or the default.
func (c *TuningConfig) GetProcessNoiseVel() float64 {
	if c.ProcessNoiseVel == nil {
		return 0.3
	}
	return *c.ProcessNoiseVel
}

// GetMinAccuracyMetres returns the min_accuracy_m value or the default.
func (c *TuningConfig) GetMinAccuracyMetres() float64 {
	if c.MinAccuracyMetres == nil {
		return 1.0
	}
	return *c.MinAccuracyMetres
}

// GetSuppressionMaxUncert returns the suppression_max_uncertainty_m value or the default.
func (c *TuningConfig) GetSuppressionMaxUncert() float64 {
	if c.SuppressionMaxUncert == nil {
		return 50.0
	}
	return *c.SuppressionMaxUncert
}

// GetCourseMinSpeed returns the course_min_speed_mps value or the default.
func (c *TuningConfig) GetCourseMinSpeed() float64 {
	if c.CourseMinSpeed == nil {
		return 0.5
	}
	return *c.CourseMinSpeed
}

// GetCourseSmoothingAlpha returns the course_smoothing_alpha value or the default.
func (c *TuningConfig) GetCourseSmoothingAlpha() float64 {
	if c.CourseSmoothingAlpha == nil {
		return 0.3
	}
	return *c.CourseSmoothingAlpha
}

// GetNoiseFloorMetres returns the noise_floor_m value or the default.
func (c *TuningConfig) GetNoiseFloorMetres() float64 {
	if c.NoiseFloorMetres == nil {
		return 0.2
	}
	return *c.NoiseFloorMetres
}

// GetBaroDeltaWeight returns the baro_delta_weight value or the default.
func (c *TuningConfig) GetBaroDeltaWeight() float64 {
	if c.BaroDeltaWeight == nil {
		return 0.85
	}
	return *c.BaroDeltaWeight
}

// GetAnchorInterval returns the anchor_interval value or the default.
func (c *TuningConfig) GetAnchorInterval() time.Duration {
	return c.duration(c.AnchorInterval, 60*time.Second)
}

// GetAnchorGain returns the anchor_gain value or the default.
func (c *TuningConfig) GetAnchorGain() float64 {
	if c.AnchorGain == nil {
		return 0.1
	}
	return *c.AnchorGain
}

// GetGradeSmoothingAlpha returns the grade_smoothing_alpha value or the default.
func (c *TuningConfig) GetGradeSmoothingAlpha() float64 {
	if c.GradeSmoothingAlpha == nil {
		return 0.3
	}
	return *c.GradeSmoothingAlpha
}

// GetMinHorizontalDelta returns the min_horizontal_delta_m value or the default.
func (c *TuningConfig) GetMinHorizontalDelta() float64 {
	if c.MinHorizontalDelta == nil {
		return 0.5
	}
	return *c.MinHorizontalDelta
}

// GetGradeDeadBandPct returns the grade_dead_band_pct value or the default.
func (c *TuningConfig) GetGradeDeadBandPct() float64 {
	if c.GradeDeadBandPct == nil {
		return 1.0
	}
	return *c.GradeDeadBandPct
}

// GetUphillSlopePerPct returns the uphill_slope_per_pct value or the default.
func (c *TuningConfig) GetUphillSlopePerPct() float64 {
	if c.UphillSlopePerPct == nil {
		return 0.045
	}
	return *c.UphillSlopePerPct
}

// GetDownhillThresholdPct returns the downhill_threshold_pct value or the default.
func (c *TuningConfig) GetDownhillThresholdPct() float64 {
	if c.DownhillThresholdPct == nil {
		return 3.0
	}
	return *c.DownhillThresholdPct
}

// GetDownhillSlopePerPct returns the downhill_slope_per_pct value or the default.
func (c *TuningConfig) GetDownhillSlopePerPct() float64 {
	if c.DownhillSlopePerPct == nil {
		return 0.02
	}
	return *c.DownhillSlopePerPct
}

// GetMaxGradeMultiplier returns the max_grade_multiplier value or the default.
func (c *TuningConfig) GetMaxGradeMultiplier() float64 {
	if c.MaxGradeMultiplier == nil {
		return 2.0
	}
	return *c.MaxGradeMultiplier
}

// GetTerrainWindow returns the terrain_window value or the default.
func (c *TuningConfig) GetTerrainWindow() time.Duration {
	return c.duration(c.TerrainWindow, 60*time.Second)
}

// GetHysteresisMargin returns the hysteresis_margin value or the default.
func (c *TuningConfig) GetHysteresisMargin() float64 {
	if c.HysteresisMargin == nil {
		return 0.15
	}
	return *c.HysteresisMargin
}

// GetLabelDwell returns the label_dwell value or the default.
func (c *TuningConfig) GetLabelDwell() time.Duration {
	return c.duration(c.LabelDwell, 20*time.Second)
}

// GetDefaultOverride returns the default_override value or the default.
func (c *TuningConfig) GetDefaultOverride() time.Duration {
	return c.duration(c.DefaultOverride, 10*time.Minute)
}

// GetBatteryLowThreshold returns the battery_low_threshold value or the default.
func (c *TuningConfig) GetBatteryLowThreshold() float64 {
	if c.BatteryLowThreshold == nil {
		return 0.20
	}
	return *c.BatteryLowThreshold
}

// GetBatteryCriticalThreshold returns the battery_critical_threshold value or the default.
func (c *TuningConfig) GetBatteryCriticalThreshold() float64 {
	if c.BatteryCriticalThreshold == nil {
		return 0.10
	}
	return *c.BatteryCriticalThreshold
}

// GetEscalateAfter returns the escalate_after value or the default.
func (c *TuningConfig) GetEscalateAfter() time.Duration {
	return c.duration(c.EscalateAfter, 2*time.Hour)
}

// GetAutoOptimize returns the auto_optimize value or the default.
func (c *TuningConfig) GetAutoOptimize() bool {
	if c.AutoOptimize == nil {
		return true
	}
	return *c.AutoOptimize
}

// GetSuppressionDwell returns the suppression_dwell value or the default.
func (c *TuningConfig) GetSuppressionDwell() time.Duration {
	return c.duration(c.SuppressionDwell, 30*time.Second)
}

// GetPaceWindow returns the pace_window value or the default.
func (c *TuningConfig) GetPaceWindow() time.Duration {
	return c.duration(c.PaceWindow, 60*time.Second)
}

// GetStaleTolerance returns the stale_tolerance value or the default.
func (c *TuningConfig) GetStaleTolerance() time.Duration {
	return c.duration(c.StaleTolerance, 2*time.Second)
}

// GetMotionMatchTolerance returns the motion_match_tolerance value or the default.
func (c *TuningConfig) GetMotionMatchTolerance() time.Duration {
	return c.duration(c.MotionMatchTolerance, 2*time.Second)
}

// GetIngestBuffer returns the ingest_buffer value or the default.
func (c *TuningConfig) GetIngestBuffer() int {
	if c.IngestBuffer == nil {
		return 256
	}
	return *c.IngestBuffer
}
