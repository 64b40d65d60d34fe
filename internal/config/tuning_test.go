package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsFile(t *testing.T) {
	cfg := MustLoadDefaultTuning()

	if cfg.OnThreshold == nil {
		t.Fatal("OnThreshold must be set")
	}
	if cfg.MaxTouches == nil {
		t.Fatal("MaxTouches must be set")
	}
	if cfg.SampleRate == nil {
		t.Fatal("SampleRate must be set")
	}

	if cfg.GetOnThreshold() < 0 {
		t.Errorf("GetOnThreshold() must be non-negative: %f", cfg.GetOnThreshold())
	}
	if cfg.GetMaxTouches() <= 0 || cfg.GetMaxTouches() > 16 {
		t.Errorf("GetMaxTouches() out of range: %d", cfg.GetMaxTouches())
	}
	if cfg.GetOffThreshold() <= cfg.GetOnThreshold() {
		t.Errorf("off threshold must exceed on threshold: off=%f on=%f", cfg.GetOffThreshold(), cfg.GetOnThreshold())
	}
	if cfg.GetOverrideThreshold() != 5.0*cfg.GetOnThreshold() {
		t.Errorf("override threshold must be 5x on threshold")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must pass Validate(): %v", err)
	}
}

func TestEmptyTouchTuning(t *testing.T) {
	cfg := EmptyTouchTuning()
	if cfg.OnThreshold != nil {
		t.Error("expected OnThreshold to be nil")
	}
	if cfg.GetOnThreshold() != 0.03 {
		t.Errorf("expected default on_threshold 0.03, got %f", cfg.GetOnThreshold())
	}
	if cfg.GetMaxTouches() != 8 {
		t.Errorf("expected default max_touches 8, got %d", cfg.GetMaxTouches())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty config must pass Validate(): %v", err)
	}
}

func TestLoadTouchTuning_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.json")
	data, _ := json.Marshal(map[string]any{"on_threshold": 0.05, "max_touches": 4})
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := LoadTouchTuning(path)
	if err != nil {
		t.Fatalf("LoadTouchTuning: %v", err)
	}
	if cfg.GetOnThreshold() != 0.05 {
		t.Errorf("expected overridden on_threshold 0.05, got %f", cfg.GetOnThreshold())
	}
	if cfg.GetMaxTouches() != 4 {
		t.Errorf("expected overridden max_touches 4, got %d", cfg.GetMaxTouches())
	}
	// Fields not present in the partial file fall back to defaults.
	if cfg.GetLopass() != 10.0 {
		t.Errorf("expected default lopass 10.0, got %f", cfg.GetLopass())
	}
}

func TestLoadTouchTuning_RejectsNonJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.txt")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	if _, err := LoadTouchTuning(path); err == nil {
		t.Error("expected error for non-.json extension")
	}
}

func TestLoadTouchTuning_RejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.json")
	data, _ := json.Marshal(map[string]any{"max_touches": 100})
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	if _, err := LoadTouchTuning(path); err == nil {
		t.Error("expected validation error for max_touches out of range")
	}
}
