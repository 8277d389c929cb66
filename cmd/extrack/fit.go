package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/banshee-data/extrack/internal/config"
	"github.com/banshee-data/extrack/internal/estimate"
	"github.com/banshee-data/extrack/internal/monitoring"
	"github.com/banshee-data/extrack/internal/motility"
	"github.com/banshee-data/extrack/internal/report"
	"github.com/banshee-data/extrack/internal/store"
	"github.com/banshee-data/extrack/internal/trackio"
)

var logf = monitoring.Prefixed("extrack")

// loadFitConfig reads path, or the repository defaults when path is empty.
func loadFitConfig(path string) (*config.FitConfig, error) {
	if path != "" {
		return config.LoadFitConfig(path)
	}
	cfg, err := config.LoadDefaultConfig()
	if err != nil {
		logf("using built-in fit defaults: %v", err)
		return config.DefaultFitConfig(), nil
	}
	return cfg, nil
}

// loadTracks reads a track file and drops tracks shorter than minLength.
func loadTracks(path string, minLength int) ([]motility.Track, error) {
	tracks, err := trackio.Load(path)
	if err != nil {
		return nil, err
	}
	kept, dropped := trackio.FilterMinLength(tracks, minLength)
	if dropped > 0 {
		logf("dropped %d tracks shorter than %d localizations", dropped, minLength)
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("%s: no tracks with at least %d localizations", path, minLength)
	}
	logf("%s: %s", path, trackio.Summarize(kept))
	return kept, nil
}

func runFit(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("fit", stdout)
	tracksPath := fs.String("tracks", "", "Track file, .csv or .npy (required)")
	configPath := fs.String("config", "", "Fit configuration JSON (defaults to "+config.DefaultConfigPath+")")
	dbPath := fs.String("db", "", "Results database to record the run in")
	outPath := fs.String("out", "", "Write fitted parameters to this JSON file")
	htmlPath := fs.String("html", "", "Write a convergence chart to this HTML file")
	workers := fs.Int("workers", 0, "Worker pool size (overrides the configuration; 0 keeps it)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tracksPath == "" {
		return errors.New("-tracks is required")
	}

	cfg, err := loadFitConfig(*configPath)
	if err != nil {
		return err
	}
	if *workers > 0 {
		cfg.Workers = workers
	}
	start, err := cfg.ToParameters()
	if err != nil {
		return err
	}
	estCfg, err := cfg.ToEstimatorConfig()
	if err != nil {
		return err
	}
	tracks, err := loadTracks(*tracksPath, cfg.GetMinTrackLength())
	if err != nil {
		return err
	}

	var db *store.Store
	var run *store.Run
	if *dbPath != "" {
		if db, err = store.Open(*dbPath); err != nil {
			return err
		}
		defer db.Close()
		if run, err = db.CreateRun(filepath.Base(*tracksPath), start, estCfg.Bounds, len(tracks)); err != nil {
			return err
		}
		logf("recording run %s in %s", run.RunID, *dbPath)
	}

	var steps []store.Step
	onImprovement := func(p motility.Parameters, nll float64) {
		step := store.Step{Step: len(steps), Parameters: p, NegLogLikelihood: nll}
		steps = append(steps, step)
		if run != nil {
			if err := db.RecordStep(run.RunID, step.Step, p, nll); err != nil {
				logf("failed to record step %d: %v", step.Step, err)
			}
		}
	}

	res, err := estimate.NewEstimator(estCfg).Estimate(ctx, start, tracks, onImprovement)
	if err != nil {
		if run != nil {
			if ferr := db.FinishRun(run.RunID, store.Outcome{Status: store.RunStatusFailed, Err: err}); ferr != nil {
				logf("failed to mark run %s failed: %v", run.RunID, ferr)
			}
		}
		return err
	}

	if run != nil {
		status := store.RunStatusFinished
		if res.Cancelled {
			status = store.RunStatusCancelled
		}
		if err := db.FinishRun(run.RunID, store.Outcome{
			Status:           status,
			Fitted:           res.Parameters,
			NegLogLikelihood: res.NegLogLikelihood,
			Iterations:       res.Iterations,
			Evaluations:      res.Evaluations,
		}); err != nil {
			return err
		}
	}

	if *outPath != "" {
		if err := config.SaveParameters(*outPath, res.Parameters); err != nil {
			return err
		}
	}
	if *htmlPath != "" && len(steps) > 0 {
		title := "Fit of " + filepath.Base(*tracksPath)
		if run != nil {
			title += " (" + run.RunID + ")"
		}
		if err := writeConvergence(*htmlPath, title, steps); err != nil {
			return err
		}
	}

	state := "finished"
	if res.Cancelled {
		state = "cancelled"
	}
	fmt.Fprintf(stdout, "%s: nll=%.6f iterations=%d evaluations=%d\n", state, res.NegLogLikelihood, res.Iterations, res.Evaluations)
	fmt.Fprintf(stdout, "%s\n", res.Parameters)
	if run != nil {
		fmt.Fprintf(stdout, "run %s\n", run.RunID)
	}
	return nil
}

func writeConvergence(path, title string, steps []store.Step) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create chart: %w", err)
	}
	if err := report.WriteConvergenceHTML(f, title, steps); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
