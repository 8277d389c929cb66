package estimate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/extrack/internal/likelihood"
	"github.com/banshee-data/extrack/internal/monitoring"
	"github.com/banshee-data/extrack/internal/motility"
)

// ErrStartOutOfBounds is returned when the start point lies outside the
// configured bounds.
var ErrStartOutOfBounds = errors.New("start point outside parameter bounds")

var logf = monitoring.Prefixed("estimate")

// Config controls an Estimator.
type Config struct {
	Bounds   motility.Bounds
	Workers  int
	Settings Settings
	// Minimizer defaults to NelderMead.
	Minimizer Minimizer
}

// DefaultConfig returns the default bounds, pool size and tolerances.
func DefaultConfig() Config {
	return Config{
		Bounds:   motility.DefaultBounds(),
		Settings: DefaultSettings(),
	}
}

// ImprovementFunc receives every new best parameter set and its objective.
type ImprovementFunc func(p motility.Parameters, negLogLikelihood float64)

// Result is the outcome of one fit.
type Result struct {
	Start            motility.Parameters `json:"start"`
	Parameters       motility.Parameters `json:"parameters"`
	NegLogLikelihood float64             `json:"neg_log_likelihood"`
	Iterations       int                 `json:"iterations"`
	Evaluations      int                 `json:"evaluations"`
	Status           string              `json:"status"`
	Cancelled        bool                `json:"cancelled"`
	Tracks           int                 `json:"tracks"`
	Duration         time.Duration       `json:"duration"`
}

// Estimator fits motility parameters to track collections.
type Estimator struct {
	cfg Config
}

// NewEstimator returns an Estimator for cfg.
func NewEstimator(cfg Config) *Estimator {
	if cfg.Minimizer == nil {
		cfg.Minimizer = NelderMead{}
	}
	return &Estimator{cfg: cfg}
}

// Estimate minimizes the negative log-likelihood of tracks starting from
// start. SubSteps and WindowDepth of start are kept fixed. When ctx is
// cancelled the best parameters found so far are returned with Cancelled set
// and a nil error.
func (e *Estimator) Estimate(ctx context.Context, start motility.Parameters, tracks []motility.Track, onImprovement ImprovementFunc) (*Result, error) {
	if err := start.Validate(); err != nil {
		return nil, fmt.Errorf("start point: %w", err)
	}
	if !e.cfg.Bounds.Contains(start.Vector()) {
		return nil, fmt.Errorf("%w: %s", ErrStartOutOfBounds, start)
	}
	agg, err := likelihood.NewAggregator(tracks, likelihood.Config{
		SubSteps:    start.SubSteps,
		WindowDepth: start.WindowDepth,
		Bounds:      e.cfg.Bounds,
		Workers:     e.cfg.Workers,
	})
	if err != nil {
		return nil, err
	}

	began := time.Now()
	logf("fitting %d tracks from %s with %d workers", agg.Tracks(), start, agg.Workers())

	bounds := agg.Bounds()
	prob := Problem{
		Func: func(x []float64) (float64, error) {
			return agg.NegativeLogLikelihood(ctx, x)
		},
		Lower: bounds.Lower[:],
		Upper: bounds.Upper[:],
	}
	onStep := func(x []float64, f float64) {
		p, err := agg.Parameters(x)
		if err != nil {
			return
		}
		logf("nll=%.6f %s", f, p)
		if onImprovement != nil {
			onImprovement(p, f)
		}
	}

	out, err := e.cfg.Minimizer.Minimize(ctx, prob, start.Vector(), e.cfg.Settings, onStep)
	if err != nil {
		return nil, fmt.Errorf("minimize: %w", err)
	}

	fitted := start
	if len(out.X) == motility.NumParameters {
		if p, err := agg.Parameters(out.X); err == nil {
			fitted = p
		}
	}
	res := &Result{
		Start:            start,
		Parameters:       fitted,
		NegLogLikelihood: out.F,
		Iterations:       out.Iterations,
		Evaluations:      out.Evaluations,
		Status:           out.Status,
		Cancelled:        out.Cancelled,
		Tracks:           agg.Tracks(),
		Duration:         time.Since(began),
	}
	if res.Cancelled {
		logf("cancelled after %d evaluations, best %s", res.Evaluations, res.Parameters)
		return res, nil
	}
	logf("finished (%s) after %d iterations, %d evaluations in %v: nll=%.6f %s",
		res.Status, res.Iterations, res.Evaluations, res.Duration.Round(time.Millisecond),
		res.NegLogLikelihood, res.Parameters)
	return res, nil
}
