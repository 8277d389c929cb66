// Package likelihood turns per-track filter evaluations into the scalar
// objective minimized by the estimator.
package likelihood

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/extrack/internal/motility"
)

// DefaultWorkers returns half the available CPUs, at least one.
func DefaultWorkers() int {
	return max(1, runtime.NumCPU()/2)
}

// Config controls an Aggregator.
type Config struct {
	// SubSteps and WindowDepth are the fixed resolution knobs applied to every
	// candidate vector.
	SubSteps    int
	WindowDepth int
	// Bounds limits the vectors the objective accepts. Vectors outside get +Inf.
	Bounds motility.Bounds
	// Workers is the size of the evaluation pool. Zero means DefaultWorkers.
	Workers int
}

// DefaultConfig returns the knobs of the default estimation start point.
func DefaultConfig() Config {
	start := motility.EstimationStartPoint()
	return Config{
		SubSteps:    start.SubSteps,
		WindowDepth: start.WindowDepth,
		Bounds:      motility.DefaultBounds(),
	}
}

// Aggregator evaluates the negative log-likelihood of a track collection.
type Aggregator struct {
	tracks  []motility.Track
	cfg     Config
	workers int
	eval    func(*motility.Model, motility.Track) (motility.Evaluation, error)
}

func evaluateTrack(m *motility.Model, tr motility.Track) (motility.Evaluation, error) {
	return m.Evaluate(tr, false)
}

// NewAggregator validates the tracks and configuration. Every track must
// carry at least two localizations.
func NewAggregator(tracks []motility.Track, cfg Config) (*Aggregator, error) {
	if len(tracks) == 0 {
		return nil, fmt.Errorf("no tracks to aggregate")
	}
	for _, tr := range tracks {
		if tr.Len() < 2 {
			return nil, fmt.Errorf("track %d: %w (has %d)", tr.ID, motility.ErrTrackTooShort, tr.Len())
		}
	}
	if err := cfg.Bounds.Validate(); err != nil {
		return nil, err
	}
	// Check the knobs once with a representative vector.
	knobs := motility.DefaultParameters()
	knobs.SubSteps, knobs.WindowDepth = cfg.SubSteps, cfg.WindowDepth
	if err := knobs.Validate(); err != nil {
		return nil, err
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	return &Aggregator{tracks: tracks, cfg: cfg, workers: workers, eval: evaluateTrack}, nil
}

// Bounds returns the box the objective accepts.
func (a *Aggregator) Bounds() motility.Bounds { return a.cfg.Bounds }

// Workers returns the pool size.
func (a *Aggregator) Workers() int { return a.workers }

// Tracks returns the number of tracks summed by the objective.
func (a *Aggregator) Tracks() int { return len(a.tracks) }

// Parameters builds the full parameter set for vector x.
func (a *Aggregator) Parameters(x []float64) (motility.Parameters, error) {
	return motility.ParametersFromVector(x, a.cfg.SubSteps, a.cfg.WindowDepth)
}

// NegativeLogLikelihood returns -Σ log L(track | x). Vectors outside the
// bounds, or under which some track is impossible, give +Inf with a nil
// error. A failing track evaluation fails the whole call.
func (a *Aggregator) NegativeLogLikelihood(ctx context.Context, x []float64) (float64, error) {
	if !a.cfg.Bounds.Contains(x) {
		return math.Inf(1), nil
	}
	p, err := a.Parameters(x)
	if err != nil {
		return math.Inf(1), nil
	}
	model, err := motility.NewModel(p, motility.WithMinLocalizationError(a.cfg.Bounds.Lower[0]))
	if err != nil {
		return 0, err
	}

	logL := make([]float64, len(a.tracks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i := range a.tracks {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("track %d: evaluation panicked: %v", a.tracks[i].ID, r)
				}
			}()
			ev, err := a.eval(model, a.tracks[i])
			if err != nil {
				return fmt.Errorf("track %d: %w", a.tracks[i].ID, err)
			}
			logL[i] = ev.LogLikelihood
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return sumNegative(logL), nil
}

// sumNegative negates the index-ordered sum so the result does not depend on
// the pool size.
func sumNegative(logL []float64) float64 {
	var total float64
	for _, l := range logL {
		if math.IsInf(l, -1) || math.IsNaN(l) {
			return math.Inf(1)
		}
		total += l
	}
	return -total
}
