package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/extrack/internal/estimate"
	"github.com/banshee-data/extrack/internal/motility"
)

// DefaultConfigPath is the path to the canonical fit defaults file.
const DefaultConfigPath = "config/fit.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// FitConfig is the JSON form of a fit run. Omitted fields fall back to the
// defaults returned by the Get* methods, so partial files are safe.
type FitConfig struct {
	// Start point
	LocalizationError *float64 `json:"localization_error,omitempty"`
	DiffusionLength0  *float64 `json:"diffusion_length_0,omitempty"`
	DiffusionLength1  *float64 `json:"diffusion_length_1,omitempty"`
	F0                *float64 `json:"f0,omitempty"`
	UnbindingRate     *float64 `json:"unbinding_rate,omitempty"`

	// Resolution knobs, fixed during the fit
	SubSteps    *int `json:"sub_steps,omitempty"`
	WindowDepth *int `json:"window_depth,omitempty"`

	// Search box, five entries each in vector order
	LowerBounds []float64 `json:"lower_bounds,omitempty"`
	UpperBounds []float64 `json:"upper_bounds,omitempty"`

	// Stopping rules
	TolFx          *float64 `json:"tol_fx,omitempty"`
	TolX           *float64 `json:"tol_x,omitempty"`
	Patience       *int     `json:"patience,omitempty"`
	MaxIterations  *int     `json:"max_iterations,omitempty"`
	MaxEvaluations *int     `json:"max_evaluations,omitempty"`

	// Workers is the evaluation pool size; 0 picks half the CPUs.
	Workers *int `json:"workers,omitempty"`
	// MinTrackLength drops shorter tracks before fitting.
	MinTrackLength *int `json:"min_track_length,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyFitConfig returns a FitConfig with all fields unset.
func EmptyFitConfig() *FitConfig {
	return &FitConfig{}
}

// DefaultFitConfig returns a FitConfig with every field set to its default.
func DefaultFitConfig() *FitConfig {
	start := motility.EstimationStartPoint()
	bounds := motility.DefaultBounds()
	settings := estimate.DefaultSettings()
	return &FitConfig{
		LocalizationError: ptrFloat64(start.LocalizationError),
		DiffusionLength0:  ptrFloat64(start.DiffusionLength0),
		DiffusionLength1:  ptrFloat64(start.DiffusionLength1),
		F0:                ptrFloat64(start.F0),
		UnbindingRate:     ptrFloat64(start.UnbindingRate),
		SubSteps:          ptrInt(start.SubSteps),
		WindowDepth:       ptrInt(start.WindowDepth),
		LowerBounds:       bounds.Lower[:],
		UpperBounds:       bounds.Upper[:],
		TolFx:             ptrFloat64(settings.TolFx),
		TolX:              ptrFloat64(settings.TolX),
		Patience:          ptrInt(settings.Patience),
		MaxIterations:     ptrInt(settings.MaxIterations),
		MaxEvaluations:    ptrInt(settings.MaxEvaluations),
		Workers:           ptrInt(0),
		MinTrackLength:    ptrInt(2),
	}
}

// LoadFitConfig loads a FitConfig from a JSON file.
// The file must have a .json extension and be under the max file size.
func LoadFitConfig(path string) (*FitConfig, error) {
	data, err := readJSONFile(path)
	if err != nil {
		return nil, err
	}

	cfg := EmptyFitConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func readJSONFile(path string) ([]byte, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

// LoadDefaultConfig loads DefaultConfigPath, searching the current directory
// and its parents up to the repository root.
func LoadDefaultConfig() (*FitConfig, error) {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	var lastErr error
	for _, path := range candidates {
		cfg, err := LoadFitConfig(path)
		if err == nil {
			return cfg, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("cannot find %s: %w", DefaultConfigPath, lastErr)
}

// Validate checks the fields that are set.
func (c *FitConfig) Validate() error {
	if _, err := c.ToParameters(); err != nil {
		return err
	}
	if _, err := c.ToBounds(); err != nil {
		return err
	}
	if c.TolFx != nil && !(*c.TolFx >= 0) {
		return fmt.Errorf("tol_fx must be non-negative, got %v", *c.TolFx)
	}
	if c.TolX != nil && !(*c.TolX >= 0) {
		return fmt.Errorf("tol_x must be non-negative, got %v", *c.TolX)
	}
	if c.Patience != nil && *c.Patience < 1 {
		return fmt.Errorf("patience must be at least 1, got %d", *c.Patience)
	}
	if c.MaxIterations != nil && *c.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must be non-negative, got %d", *c.MaxIterations)
	}
	if c.MaxEvaluations != nil && *c.MaxEvaluations < 0 {
		return fmt.Errorf("max_evaluations must be non-negative, got %d", *c.MaxEvaluations)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	if c.MinTrackLength != nil && *c.MinTrackLength < 2 {
		return fmt.Errorf("min_track_length must be at least 2, got %d", *c.MinTrackLength)
	}
	return nil
}

// ToParameters builds the start point of the fit.
func (c *FitConfig) ToParameters() (motility.Parameters, error) {
	start := motility.EstimationStartPoint()
	return motility.NewParameters(
		orFloat(c.LocalizationError, start.LocalizationError),
		orFloat(c.DiffusionLength0, start.DiffusionLength0),
		orFloat(c.DiffusionLength1, start.DiffusionLength1),
		orFloat(c.F0, start.F0),
		orFloat(c.UnbindingRate, start.UnbindingRate),
		c.GetSubSteps(),
		c.GetWindowDepth(),
	)
}

// ToBounds returns the search box.
func (c *FitConfig) ToBounds() (motility.Bounds, error) {
	b := motility.DefaultBounds()
	if c.LowerBounds != nil {
		if len(c.LowerBounds) != motility.NumParameters {
			return b, fmt.Errorf("lower_bounds must have %d entries, got %d", motility.NumParameters, len(c.LowerBounds))
		}
		copy(b.Lower[:], c.LowerBounds)
	}
	if c.UpperBounds != nil {
		if len(c.UpperBounds) != motility.NumParameters {
			return b, fmt.Errorf("upper_bounds must have %d entries, got %d", motility.NumParameters, len(c.UpperBounds))
		}
		copy(b.Upper[:], c.UpperBounds)
	}
	if err := b.Validate(); err != nil {
		return b, err
	}
	return b, nil
}

// ToSettings returns the stopping rules.
func (c *FitConfig) ToSettings() estimate.Settings {
	return estimate.Settings{
		TolFx:          c.GetTolFx(),
		TolX:           c.GetTolX(),
		Patience:       c.GetPatience(),
		MaxIterations:  c.GetMaxIterations(),
		MaxEvaluations: c.GetMaxEvaluations(),
	}
}

// ToEstimatorConfig assembles the estimator configuration.
func (c *FitConfig) ToEstimatorConfig() (estimate.Config, error) {
	bounds, err := c.ToBounds()
	if err != nil {
		return estimate.Config{}, err
	}
	return estimate.Config{
		Bounds:   bounds,
		Workers:  c.GetWorkers(),
		Settings: c.ToSettings(),
	}, nil
}

func orFloat(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func orInt(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// GetSubSteps returns the sub_steps value or the default.
func (c *FitConfig) GetSubSteps() int {
	return orInt(c.SubSteps, motility.EstimationStartPoint().SubSteps)
}

// GetWindowDepth returns the window_depth value or the default.
func (c *FitConfig) GetWindowDepth() int {
	return orInt(c.WindowDepth, motility.EstimationStartPoint().WindowDepth)
}

// GetTolFx returns the tol_fx value or the default.
func (c *FitConfig) GetTolFx() float64 {
	return orFloat(c.TolFx, estimate.DefaultSettings().TolFx)
}

// GetTolX returns the tol_x value or the default.
func (c *FitConfig) GetTolX() float64 {
	return orFloat(c.TolX, estimate.DefaultSettings().TolX)
}

// GetPatience returns the patience value or the default.
func (c *FitConfig) GetPatience() int {
	return orInt(c.Patience, estimate.DefaultSettings().Patience)
}

// GetMaxIterations returns the max_iterations value or the default.
func (c *FitConfig) GetMaxIterations() int {
	return orInt(c.MaxIterations, estimate.DefaultSettings().MaxIterations)
}

// GetMaxEvaluations returns the max_evaluations value or the default.
func (c *FitConfig) GetMaxEvaluations() int {
	return orInt(c.MaxEvaluations, estimate.DefaultSettings().MaxEvaluations)
}

// GetWorkers returns the workers value or 0.
func (c *FitConfig) GetWorkers() int {
	return orInt(c.Workers, 0)
}

// GetMinTrackLength returns the min_track_length value or the default.
func (c *FitConfig) GetMinTrackLength() int {
	return orInt(c.MinTrackLength, 2)
}
