// Package predict labels every localization of a dataset with its posterior
// state probabilities under a fitted parameter set.
package predict

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/extrack/internal/likelihood"
	"github.com/banshee-data/extrack/internal/monitoring"
	"github.com/banshee-data/extrack/internal/motility"
)

var logf = monitoring.Prefixed("predict")

// ProgressFunc receives the fraction of tracks completed, in (0, 1].
type ProgressFunc func(fraction float64)

// Config controls a Predictor.
type Config struct {
	// Workers is the pool size. Zero means likelihood.DefaultWorkers.
	Workers int
	// MinLocalizationError floors the localization error of the model. Use
	// the lower localization-error bound of the fit so that predictions run
	// under the model that was optimized. Zero means DefaultBounds().Lower[0].
	MinLocalizationError float64
}

// Predictor runs the filter in prediction mode over track collections.
type Predictor struct {
	workers   int
	minLocErr float64
}

// NewPredictor returns a Predictor for cfg.
func NewPredictor(cfg Config) *Predictor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = likelihood.DefaultWorkers()
	}
	minLocErr := cfg.MinLocalizationError
	if minLocErr <= 0 {
		minLocErr = motility.DefaultBounds().Lower[0]
	}
	return &Predictor{workers: workers, minLocErr: minLocErr}
}

// Workers returns the pool size.
func (pr *Predictor) Workers() int { return pr.workers }

// MinLocalizationError returns the localization-error floor of the model.
func (pr *Predictor) MinLocalizationError() float64 { return pr.minLocErr }

// PredictAll returns one probability sequence per track, keyed by track ID.
// Single-localization tracks get the equilibrium prior. onProgress is called
// once per finished track, never concurrently, with a non-decreasing fraction
// that reaches 1 on success. A done ctx stops dispatch and returns ctx.Err().
func (pr *Predictor) PredictAll(ctx context.Context, p motility.Parameters, tracks []motility.Track, onProgress ProgressFunc) (map[int][]motility.StateProbability, error) {
	model, err := motility.NewModel(p, motility.WithMinLocalizationError(pr.minLocErr))
	if err != nil {
		return nil, err
	}
	seen := make(map[int]struct{}, len(tracks))
	for _, tr := range tracks {
		if tr.Len() == 0 {
			return nil, fmt.Errorf("track %d has no localizations", tr.ID)
		}
		if _, dup := seen[tr.ID]; dup {
			return nil, fmt.Errorf("duplicate track id %d", tr.ID)
		}
		seen[tr.ID] = struct{}{}
	}

	results := make([][]motility.StateProbability, len(tracks))
	var (
		mu   sync.Mutex
		done int
	)
	report := func() {
		mu.Lock()
		defer mu.Unlock()
		done++
		if onProgress != nil {
			onProgress(float64(done) / float64(len(tracks)))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pr.workers)
	for i := range tracks {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("track %d: prediction panicked: %v", tracks[i].ID, r)
				}
			}()
			probs, err := predictTrack(model, tracks[i])
			if err != nil {
				return fmt.Errorf("track %d: %w", tracks[i].ID, err)
			}
			results[i] = probs
			report()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[int][]motility.StateProbability, len(tracks))
	for i, tr := range tracks {
		out[tr.ID] = results[i]
	}
	logf("labelled %d tracks with %s", len(tracks), p)
	return out, nil
}

func predictTrack(m *motility.Model, tr motility.Track) ([]motility.StateProbability, error) {
	if tr.Len() == 1 {
		return []motility.StateProbability{motility.PriorProbability(m.Parameters())}, nil
	}
	ev, err := m.Evaluate(tr, true)
	if err != nil {
		return nil, err
	}
	return ev.Probabilities, nil
}
