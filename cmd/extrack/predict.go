package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/banshee-data/extrack/internal/config"
	"github.com/banshee-data/extrack/internal/motility"
	"github.com/banshee-data/extrack/internal/predict"
	"github.com/banshee-data/extrack/internal/report"
	"github.com/banshee-data/extrack/internal/store"
	"github.com/banshee-data/extrack/internal/trackio"
)

func runPredict(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("predict", stdout)
	tracksPath := fs.String("tracks", "", "Track file, .csv or .npy (required)")
	paramsPath := fs.String("params", "", "Parameter file written by fit")
	configPath := fs.String("config", "", "Fit configuration whose lower localization-error bound floors the model")
	dbPath := fs.String("db", "", "Results database")
	runID := fs.String("run", "", "Run to read parameters from and store predictions under (requires -db)")
	outPath := fs.String("out", "", "Prediction CSV (defaults to stdout)")
	pngDir := fs.String("png-dir", "", "Write one state plot per track into this directory")
	workers := fs.Int("workers", 0, "Worker pool size (0 picks half the CPUs)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tracksPath == "" {
		return errors.New("-tracks is required")
	}
	if *runID != "" && *dbPath == "" {
		return errors.New("-run requires -db")
	}
	if *paramsPath == "" && *runID == "" {
		return errors.New("one of -params or -run is required")
	}

	var db *store.Store
	if *dbPath != "" {
		var err error
		if db, err = store.Open(*dbPath); err != nil {
			return err
		}
		defer db.Close()
	}

	p, run, err := resolveParameters(db, *paramsPath, *runID)
	if err != nil {
		return err
	}
	minLocErr, err := resolveMinLocalizationError(*configPath, run)
	if err != nil {
		return err
	}
	tracks, err := trackio.Load(*tracksPath)
	if err != nil {
		return err
	}

	nextReport := 0.1
	onProgress := func(fraction float64) {
		if fraction >= nextReport || fraction == 1 {
			logf("predicted %.0f%% of %d tracks", 100*fraction, len(tracks))
			for nextReport <= fraction {
				nextReport += 0.1
			}
		}
	}
	probs, err := predict.NewPredictor(predict.Config{Workers: *workers, MinLocalizationError: minLocErr}).PredictAll(ctx, p, tracks, onProgress)
	if err != nil {
		return err
	}

	if err := writePredictions(*outPath, stdout, tracks, probs); err != nil {
		return err
	}
	if db != nil && *runID != "" {
		if err := db.SavePredictions(*runID, probs); err != nil {
			return err
		}
	}
	if *pngDir != "" {
		for _, tr := range tracks {
			path := filepath.Join(*pngDir, fmt.Sprintf("track_%d.png", tr.ID))
			if err := report.SaveTrackPNG(path, tr, probs[tr.ID]); err != nil {
				return err
			}
		}
		logf("wrote %d track plots to %s", len(tracks), *pngDir)
	}
	return nil
}

// resolveParameters prefers an explicit parameter file over the fitted
// parameters of a stored run. The run is returned whenever runID is set.
func resolveParameters(db *store.Store, paramsPath, runID string) (motility.Parameters, *store.Run, error) {
	var run *store.Run
	if runID != "" {
		var err error
		if run, err = db.GetRun(runID); err != nil {
			return motility.Parameters{}, nil, err
		}
	}
	if paramsPath != "" {
		p, err := config.LoadParameters(paramsPath)
		return p, run, err
	}
	if run.Fitted == nil {
		return motility.Parameters{}, nil, fmt.Errorf("run %s (%s) has no fitted parameters", runID, run.Status)
	}
	return *run.Fitted, run, nil
}

// resolveMinLocalizationError returns the localization-error floor the
// parameters were fitted with: the lower bound of an explicit fit config,
// else the stored bounds of the run, else the default fit config.
func resolveMinLocalizationError(configPath string, run *store.Run) (float64, error) {
	if configPath == "" && run != nil && run.Bounds != nil {
		return run.Bounds.Lower[0], nil
	}
	cfg, err := loadFitConfig(configPath)
	if err != nil {
		return 0, err
	}
	bounds, err := cfg.ToBounds()
	if err != nil {
		return 0, err
	}
	return bounds.Lower[0], nil
}

func writePredictions(path string, stdout io.Writer, tracks []motility.Track, probs map[int][]motility.StateProbability) error {
	if path == "" {
		return trackio.WritePredictionsCSV(stdout, tracks, probs)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create predictions: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := trackio.WritePredictionsCSV(w, tracks, probs); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
