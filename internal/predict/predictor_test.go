package predict

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/banshee-data/extrack/internal/monitoring"
	"github.com/banshee-data/extrack/internal/motility"
)

func init() {
	monitoring.SetLogger(nil)
}

func testTracks(t *testing.T, p motility.Parameters, n, length int) []motility.Track {
	t.Helper()
	tracks, err := motility.Simulate(p, motility.SimulationConfig{Tracks: n, Length: length, Seed: 3, FieldSize: 5})
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	return tracks
}

func TestPredictAllMatchesModel(t *testing.T) {
	t.Parallel()

	p := motility.DefaultParameters()
	tracks := testTracks(t, p, 12, 9)

	for _, workers := range []int{1, 3, 8} {
		pr := NewPredictor(Config{Workers: workers})
		got, err := pr.PredictAll(context.Background(), p, tracks, nil)
		if err != nil {
			t.Fatalf("workers=%d: %v", workers, err)
		}
		if len(got) != len(tracks) {
			t.Fatalf("workers=%d: %d predictions, want %d", workers, len(got), len(tracks))
		}

		for _, tr := range tracks {
			ev, err := motility.Evaluate(p, tr, true)
			if err != nil {
				t.Fatalf("Evaluate track %d: %v", tr.ID, err)
			}
			if !reflect.DeepEqual(got[tr.ID], ev.Probabilities) {
				t.Errorf("workers=%d track=%d: predictions differ from Evaluate", workers, tr.ID)
			}
		}
	}
}

func TestPredictAllUsesLocalizationErrorFloor(t *testing.T) {
	t.Parallel()

	// Below the default floor of 0.005, so the floor decides the emission variance.
	p, err := motility.NewParameters(0.001, 0.002, 0.05, 0.5, 0.2, 1, 4)
	if err != nil {
		t.Fatalf("NewParameters: %v", err)
	}
	tracks := testTracks(t, p, 8, 10)

	const floor = 0.0005
	m, err := motility.NewModel(p, motility.WithMinLocalizationError(floor))
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}

	pr := NewPredictor(Config{Workers: 3, MinLocalizationError: floor})
	if pr.MinLocalizationError() != floor {
		t.Errorf("MinLocalizationError() = %v, want %v", pr.MinLocalizationError(), floor)
	}
	got, err := pr.PredictAll(context.Background(), p, tracks, nil)
	if err != nil {
		t.Fatalf("PredictAll: %v", err)
	}
	defaults, err := NewPredictor(Config{Workers: 3}).PredictAll(context.Background(), p, tracks, nil)
	if err != nil {
		t.Fatalf("PredictAll with default floor: %v", err)
	}

	var changed bool
	for _, tr := range tracks {
		ev, err := m.Evaluate(tr, true)
		if err != nil {
			t.Fatalf("Evaluate track %d: %v", tr.ID, err)
		}
		if !reflect.DeepEqual(got[tr.ID], ev.Probabilities) {
			t.Errorf("track %d: predictions differ from a model with floor %v", tr.ID, floor)
		}
		if !reflect.DeepEqual(got[tr.ID], defaults[tr.ID]) {
			changed = true
		}
	}
	if !changed {
		t.Error("lowering the floor left every prediction unchanged")
	}
}

func TestPredictAllProbabilitiesSumToOne(t *testing.T) {
	t.Parallel()

	p, err := motility.NewParameters(0.05, 0.02, 0.4, 0.5, 0.3, 2, 4)
	if err != nil {
		t.Fatalf("NewParameters: %v", err)
	}
	tracks := testTracks(t, p, 6, 15)

	got, err := NewPredictor(Config{Workers: 2}).PredictAll(context.Background(), p, tracks, nil)
	if err != nil {
		t.Fatalf("PredictAll: %v", err)
	}
	for id, probs := range got {
		if len(probs) != 15 {
			t.Errorf("track %d: %d probabilities, want 15", id, len(probs))
		}
		for i, sp := range probs {
			if math.Abs(sp.Stuck+sp.Diffusive-1) > 1e-9 {
				t.Errorf("track %d loc %d: probabilities sum to %v", id, i, sp.Stuck+sp.Diffusive)
			}
			if sp.Stuck < 0 || sp.Stuck > 1 {
				t.Errorf("track %d loc %d: Stuck = %v", id, i, sp.Stuck)
			}
		}
	}
}

func TestPredictAllProgress(t *testing.T) {
	t.Parallel()

	p := motility.DefaultParameters()
	tracks := testTracks(t, p, 25, 6)

	var fractions []float64
	_, err := NewPredictor(Config{Workers: 4}).PredictAll(context.Background(), p, tracks, func(f float64) {
		fractions = append(fractions, f)
	})
	if err != nil {
		t.Fatalf("PredictAll: %v", err)
	}
	if len(fractions) != len(tracks) {
		t.Fatalf("%d progress reports, want %d", len(fractions), len(tracks))
	}
	for i := 1; i < len(fractions); i++ {
		if fractions[i] <= fractions[i-1] {
			t.Errorf("progress %d: %v after %v", i, fractions[i], fractions[i-1])
		}
	}
	if last := fractions[len(fractions)-1]; last != 1 {
		t.Errorf("final progress = %v, want 1", last)
	}
}

func TestPredictAllSinglePointTrack(t *testing.T) {
	t.Parallel()

	p := motility.DefaultParameters()
	tracks := []motility.Track{
		{ID: 7, Points: []motility.Point{{X: 1, Y: 2}}},
		{ID: 8, Points: []motility.Point{{X: 0, Y: 0}, {X: 0.1, Y: 0}}},
	}
	got, err := NewPredictor(Config{}).PredictAll(context.Background(), p, tracks, nil)
	if err != nil {
		t.Fatalf("PredictAll: %v", err)
	}
	if len(got[7]) != 1 {
		t.Fatalf("single-point track: %d probabilities, want 1", len(got[7]))
	}
	if prior := motility.PriorProbability(p); got[7][0] != prior {
		t.Errorf("single-point track = %+v, want prior %+v", got[7][0], prior)
	}
	if len(got[8]) != 2 {
		t.Errorf("two-point track: %d probabilities, want 2", len(got[8]))
	}
}

func TestPredictAllRejectsBadInput(t *testing.T) {
	t.Parallel()

	p := motility.DefaultParameters()
	pr := NewPredictor(Config{Workers: 1})

	testCases := []struct {
		name   string
		params motility.Parameters
		tracks []motility.Track
	}{
		{
			name:   "empty_track",
			params: p,
			tracks: []motility.Track{{ID: 1}},
		},
		{
			name:   "duplicate_id",
			params: p,
			tracks: []motility.Track{
				{ID: 1, Points: []motility.Point{{}, {}}},
				{ID: 1, Points: []motility.Point{{}, {}}},
			},
		},
		{
			name:   "invalid_parameters",
			params: motility.Parameters{F0: 2},
			tracks: []motility.Track{{ID: 1, Points: []motility.Point{{}, {}}}},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := pr.PredictAll(context.Background(), tc.params, tc.tracks, nil)
			if err == nil {
				t.Error("expected an error")
			}
			if got != nil {
				t.Errorf("got %d predictions, want nil", len(got))
			}
		})
	}
}

func TestPredictAllCancelled(t *testing.T) {
	t.Parallel()

	p := motility.DefaultParameters()
	tracks := testTracks(t, p, 10, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := NewPredictor(Config{Workers: 2}).PredictAll(ctx, p, tracks, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if got != nil {
		t.Errorf("got %d predictions, want nil", len(got))
	}
}

func TestPredictAllEmpty(t *testing.T) {
	t.Parallel()

	got, err := NewPredictor(Config{}).PredictAll(context.Background(), motility.DefaultParameters(), nil, nil)
	if err != nil {
		t.Fatalf("PredictAll: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d predictions, want none", len(got))
	}
}

func TestNewPredictorDefaults(t *testing.T) {
	t.Parallel()

	pr := NewPredictor(Config{})
	if pr.Workers() < 1 {
		t.Errorf("Workers() = %d, want >= 1", pr.Workers())
	}
	if want := motility.DefaultBounds().Lower[0]; pr.MinLocalizationError() != want {
		t.Errorf("MinLocalizationError() = %v, want %v", pr.MinLocalizationError(), want)
	}
	if got := NewPredictor(Config{Workers: 5}).Workers(); got != 5 {
		t.Errorf("Workers() = %d, want 5", got)
	}
	if got := NewPredictor(Config{MinLocalizationError: -1}).MinLocalizationError(); got != motility.DefaultBounds().Lower[0] {
		t.Errorf("negative floor: MinLocalizationError() = %v, want the default", got)
	}
}
