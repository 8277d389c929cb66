package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/extrack/internal/motility"
)

func TestSaveLoadParameters(t *testing.T) {
	p, err := motility.NewParameters(0.025, 0.04, 0.31, 0.62, 0.18, 2, 6)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "params.json")
	if err := SaveParameters(path, p); err != nil {
		t.Fatalf("SaveParameters() error: %v", err)
	}
	got, err := LoadParameters(path)
	if err != nil {
		t.Fatalf("LoadParameters() error: %v", err)
	}
	if diff := cmp.Diff(p, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveParametersRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.json")
	err := SaveParameters(path, motility.Parameters{F0: 3})
	if !errors.Is(err, motility.ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters, got %v", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Errorf("invalid parameters were written")
	}
}

func TestLoadParametersRejectsIncomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.json")
	if err := os.WriteFile(path, []byte(`{"localization_error": 0.1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadParameters(path); !errors.Is(err, motility.ErrInvalidParameters) {
		t.Errorf("expected ErrInvalidParameters, got %v", err)
	}
}
