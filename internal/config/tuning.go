// Package config loads tunable touch-tracker parameters.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// Its values match the fallbacks hardcoded in the Get* accessors.
const DefaultConfigPath = "config/tuning.defaults.json"

// TouchTuning represents the root configuration for touch-tracker tuning
// parameters. Fields are pointers so a partial JSON document can override
// only the values it cares about; everything else falls back to the
// production defaults returned by the Get* accessors.
type TouchTuning struct {
	OnThreshold           *float64 `json:"on_threshold,omitempty"`
	OnThresholdHysteresis *float64 `json:"on_threshold_hysteresis,omitempty"`
	TemplateThresh        *float64 `json:"template_thresh,omitempty"`
	TaxelsThresh          *float64 `json:"taxels_thresh,omitempty"`
	CombineRadius         *float64 `json:"combine_radius,omitempty"`
	BackgroundFilterFreq  *float64 `json:"background_filter_freq,omitempty"`
	Lopass                *float64 `json:"lopass,omitempty"`
	MaxForce              *float64 `json:"max_force,omitempty"`
	MaxTouches            *int     `json:"max_touches,omitempty"`
	QuantizeToKey         *bool    `json:"quantize_to_key,omitempty"`
	SampleRate            *float64 `json:"sample_rate,omitempty"`
	TouchReleaseFrames    *int     `json:"touch_release_frames,omitempty"`
	KeyStateAgeGate       *int     `json:"key_state_age_gate,omitempty"`
	MaxPeaksPerFrame      *int     `json:"max_peaks_per_frame,omitempty"`
}

// EmptyTouchTuning returns a TouchTuning with all fields nil so that
// LoadTouchTuning can partially populate it from a JSON document.
func EmptyTouchTuning() *TouchTuning {
	return &TouchTuning{}
}

// LoadTouchTuning loads a TouchTuning from a JSON file. The file is
// validated to have a .json extension and to be under the max file size.
// Fields omitted from the file retain their default values via the Get*
// accessors, so partial configs are safe.
func LoadTouchTuning(path string) (*TouchTuning, error) {
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

	cfg := EmptyTouchTuning()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultTuning loads the canonical tuning defaults from
// DefaultConfigPath, searching from the current directory up through
// common parent directories. Panics if the file cannot be loaded;
// intended for test setup and binaries that have already validated
// config availability.
func MustLoadDefaultTuning() *TouchTuning {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTouchTuning(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TouchTuning) Validate() error {
	if c.OnThreshold != nil && *c.OnThreshold < 0 {
		return fmt.Errorf("on_threshold must be non-negative, got %f", *c.OnThreshold)
	}
	if c.TemplateThresh != nil && *c.TemplateThresh < 0 {
		return fmt.Errorf("template_thresh must be non-negative, got %f", *c.TemplateThresh)
	}
	if c.MaxTouches != nil && (*c.MaxTouches <= 0 || *c.MaxTouches > 16) {
		return fmt.Errorf("max_touches must be in (0, 16], got %d", *c.MaxTouches)
	}
	if c.SampleRate != nil && *c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %f", *c.SampleRate)
	}
	if c.MaxForce != nil && *c.MaxForce <= 0 {
		return fmt.Errorf("max_force must be positive, got %f", *c.MaxForce)
	}
	if c.TouchReleaseFrames != nil && *c.TouchReleaseFrames <= 0 {
		return fmt.Errorf("touch_release_frames must be positive, got %d", *c.TouchReleaseFrames)
	}
	if c.KeyStateAgeGate != nil && *c.KeyStateAgeGate < 0 {
		return fmt.Errorf("key_state_age_gate must be non-negative, got %d", *c.KeyStateAgeGate)
	}
	return nil
}

// GetOnThreshold returns the on_threshold value or the default.
func (c *TouchTuning) GetOnThreshold() float64 {
	if c.OnThreshold == nil {
		return 0.03
	}
	return *c.OnThreshold
}

// GetOnThresholdHysteresis returns the hysteresis added to OnThreshold to
// derive the off threshold, or the default.
func (c *TouchTuning) GetOnThresholdHysteresis() float64 {
	if c.OnThresholdHysteresis == nil {
		return 0.002
	}
	return *c.OnThresholdHysteresis
}

// GetOffThreshold derives the release threshold from OnThreshold plus its
// hysteresis margin.
func (c *TouchTuning) GetOffThreshold() float64 {
	return c.GetOnThreshold() + c.GetOnThresholdHysteresis()
}

// GetOverrideThreshold derives the override threshold as 5x OnThreshold.
func (c *TouchTuning) GetOverrideThreshold() float64 {
	return 5.0 * c.GetOnThreshold()
}

// GetTemplateThresh returns the template_thresh value or the default.
func (c *TouchTuning) GetTemplateThresh() float64 {
	if c.TemplateThresh == nil {
		return 0.3
	}
	return *c.TemplateThresh
}

// GetTaxelsThresh returns the taxels_thresh value or the default.
func (c *TouchTuning) GetTaxelsThresh() float64 {
	if c.TaxelsThresh == nil {
		return 0.1
	}
	return *c.TaxelsThresh
}

// GetCombineRadius returns the combine_radius value or the default.
func (c *TouchTuning) GetCombineRadius() float64 {
	if c.CombineRadius == nil {
		return 1.5
	}
	return *c.CombineRadius
}

// GetBackgroundFilterFreq returns the background_filter_freq value or the default.
func (c *TouchTuning) GetBackgroundFilterFreq() float64 {
	if c.BackgroundFilterFreq == nil {
		return 0.5 // Hz
	}
	return *c.BackgroundFilterFreq
}

// GetLopass returns the lopass value or the default.
func (c *TouchTuning) GetLopass() float64 {
	if c.Lopass == nil {
		return 10.0 // Hz
	}
	return *c.Lopass
}

// GetMaxForce returns the max_force value or the default.
func (c *TouchTuning) GetMaxForce() float64 {
	if c.MaxForce == nil {
		return 1.0
	}
	return *c.MaxForce
}

// GetMaxTouches returns the max_touches value or the default.
func (c *TouchTuning) GetMaxTouches() int {
	if c.MaxTouches == nil {
		return 8
	}
	return *c.MaxTouches
}

// GetQuantizeToKey returns the quantize_to_key value or the default.
func (c *TouchTuning) GetQuantizeToKey() bool {
	if c.QuantizeToKey == nil {
		return false
	}
	return *c.QuantizeToKey
}

// GetSampleRate returns the sample_rate value or the default.
func (c *TouchTuning) GetSampleRate() float64 {
	if c.SampleRate == nil {
		return 1000.0 // Hz
	}
	return *c.SampleRate
}

// GetTouchReleaseFrames returns the touch_release_frames value or the default.
func (c *TouchTuning) GetTouchReleaseFrames() int {
	if c.TouchReleaseFrames == nil {
		return 100
	}
	return *c.TouchReleaseFrames
}

// GetKeyStateAgeGate returns the key_state_age_gate value or the default.
func (c *TouchTuning) GetKeyStateAgeGate() int {
	if c.KeyStateAgeGate == nil {
		return 10
	}
	return *c.KeyStateAgeGate
}

// GetMaxPeaksPerFrame returns the max_peaks_per_frame value or the default.
func (c *TouchTuning) GetMaxPeaksPerFrame() int {
	if c.MaxPeaksPerFrame == nil {
		return 4
	}
	return *c.MaxPeaksPerFrame
}
