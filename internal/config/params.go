package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/extrack/internal/motility"
)

// SaveParameters writes p as indented JSON to path.
func SaveParameters(path string, p motility.Parameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(filepath.Clean(path), data, 0o644); err != nil {
		return fmt.Errorf("failed to write parameters: %w", err)
	}
	return nil
}

// LoadParameters reads a parameter set written by SaveParameters. Every
// field must be present.
func LoadParameters(path string) (motility.Parameters, error) {
	data, err := readJSONFile(path)
	if err != nil {
		return motility.Parameters{}, err
	}
	var p motility.Parameters
	if err := json.Unmarshal(data, &p); err != nil {
		return motility.Parameters{}, fmt.Errorf("failed to parse parameters JSON: %w", err)
	}
	if err := p.Validate(); err != nil {
		return motility.Parameters{}, fmt.Errorf("invalid parameters in %s: %w", path, err)
	}
	return p, nil
}
