package store

import (
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/extrack/internal/monitoring"
	"github.com/banshee-data/extrack/internal/motility"
)

func init() {
	monitoring.SetLogger(nil)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenMigrates(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "results.db")
	s, err := Open(path)
	require.NoError(t, err)
	version, dirty, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	run, err := s.CreateRun("tracks.npy", motility.EstimationStartPoint(), motility.DefaultBounds(), 3)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening is a no-op migration and keeps the data.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetRun(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "tracks.npy", got.Source)
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	start := motility.EstimationStartPoint()
	bounds := motility.DefaultBounds()
	bounds.Lower[0] = 0.0005
	run, err := s.CreateRun("sim.csv", start, bounds, 42)
	require.NoError(t, err)
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, RunStatusRunning, run.Status)
	require.NotNil(t, run.Bounds)
	assert.Equal(t, 0.0005, run.Bounds.Lower[0])

	got, err := s.GetRun(run.RunID)
	require.NoError(t, err)
	if diff := cmp.Diff(run, got); diff != "" {
		t.Errorf("created run mismatch (-want +got):\n%s", diff)
	}

	fitted, err := motility.NewParameters(0.02, 0.05, 0.3, 0.6, 0.2, 2, 5)
	require.NoError(t, err)
	require.NoError(t, s.RecordStep(run.RunID, 0, start, 120.5))
	require.NoError(t, s.RecordStep(run.RunID, 1, fitted, 98.25))

	require.NoError(t, s.FinishRun(run.RunID, Outcome{
		Status:           RunStatusFinished,
		Fitted:           fitted,
		NegLogLikelihood: 98.25,
		Iterations:       17,
		Evaluations:      40,
	}))

	got, err = s.GetRun(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFinished, got.Status)
	assert.NotZero(t, got.FinishedAt)
	require.NotNil(t, got.Fitted)
	assert.Equal(t, fitted, *got.Fitted)
	require.NotNil(t, got.NegLogLikelihood)
	assert.Equal(t, 98.25, *got.NegLogLikelihood)
	assert.Equal(t, 17, got.Iterations)
	assert.Equal(t, 40, got.Evaluations)
	assert.Empty(t, got.Error)

	steps, err := s.ListSteps(run.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, start, steps[0].Parameters)
	assert.Equal(t, fitted, steps[1].Parameters)
	assert.Equal(t, 98.25, steps[1].NegLogLikelihood)

	err = s.RecordStep(run.RunID, 1, fitted, 90)
	assert.Error(t, err, "duplicate step must be rejected")
}

func TestFinishRunFailedAndCancelled(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	failed, err := s.CreateRun("a", motility.EstimationStartPoint(), motility.DefaultBounds(), 1)
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(failed.RunID, Outcome{Status: RunStatusFailed, Err: errors.New("worker crashed")}))
	got, err := s.GetRun(failed.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, got.Status)
	assert.Equal(t, "worker crashed", got.Error)
	assert.Nil(t, got.Fitted)
	assert.Nil(t, got.NegLogLikelihood)

	cancelled, err := s.CreateRun("b", motility.EstimationStartPoint(), motility.DefaultBounds(), 1)
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(cancelled.RunID, Outcome{
		Status:           RunStatusCancelled,
		Fitted:           motility.EstimationStartPoint(),
		NegLogLikelihood: math.Inf(1),
	}))
	got, err = s.GetRun(cancelled.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCancelled, got.Status)
	assert.Nil(t, got.NegLogLikelihood)

	err = s.FinishRun("no-such-run", Outcome{Status: RunStatusFinished})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunWithoutStoredBounds(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	run, err := s.CreateRun("old", motility.EstimationStartPoint(), motility.DefaultBounds(), 1)
	require.NoError(t, err)
	_, err = s.db.Exec(`UPDATE fit_runs SET bounds_json = NULL WHERE run_id = ?`, run.RunID)
	require.NoError(t, err)

	got, err := s.GetRun(run.RunID)
	require.NoError(t, err)
	assert.Nil(t, got.Bounds)
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.GetRun("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRunsNewestFirst(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	var ids []string
	for _, src := range []string{"first", "second", "third"} {
		run, err := s.CreateRun(src, motility.EstimationStartPoint(), motility.DefaultBounds(), 1)
		require.NoError(t, err)
		ids = append(ids, run.RunID)
		time.Sleep(2 * time.Millisecond)
	}
	runs, err := s.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, ids[2], runs[0].RunID)
	assert.Equal(t, ids[0], runs[2].RunID)
}

func TestPredictionsRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	run, err := s.CreateRun("tracks", motility.EstimationStartPoint(), motility.DefaultBounds(), 2)
	require.NoError(t, err)

	probs := map[int][]motility.StateProbability{
		3: {{Stuck: 0.1, Diffusive: 0.9}, {Stuck: 0.2, Diffusive: 0.8}},
		1: {{Stuck: 0.5, Diffusive: 0.5}},
	}
	require.NoError(t, s.SavePredictions(run.RunID, probs))
	got, err := s.LoadPredictions(run.RunID)
	require.NoError(t, err)
	if diff := cmp.Diff(probs, got); diff != "" {
		t.Errorf("predictions mismatch (-want +got):\n%s", diff)
	}

	// Saving again replaces the previous set.
	replacement := map[int][]motility.StateProbability{7: {{Stuck: 1, Diffusive: 0}}}
	require.NoError(t, s.SavePredictions(run.RunID, replacement))
	got, err = s.LoadPredictions(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, replacement, got)

	assert.ErrorIs(t, s.SavePredictions("missing", probs), ErrNotFound)

	empty, err := s.LoadPredictions("missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestIsSQLiteBusy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"database is locked", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"SQLITE_BUSY", errors.New("SQLITE_BUSY"), true},
		{"other error", errors.New("some other error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isSQLiteBusy(tt.err))
		})
	}
}

func TestRetryOnBusy(t *testing.T) {
	t.Parallel()

	t.Run("success after retry", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			if calls < 3 {
				return errors.New("database is locked (5) (SQLITE_BUSY)")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("non-busy error fails immediately", func(t *testing.T) {
		calls := 0
		testErr := errors.New("some other error")
		err := retryOnBusy(func() error {
			calls++
			return testErr
		})
		assert.Equal(t, testErr, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("max retries exceeded", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			return errors.New("SQLITE_BUSY")
		})
		assert.Error(t, err)
		assert.Equal(t, maxBusyAttempts, calls)
	})
}

func TestConcurrentStepRecording(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	run, err := s.CreateRun("c", motility.EstimationStartPoint(), motility.DefaultBounds(), 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.RecordStep(run.RunID, i, motility.EstimationStartPoint(), float64(100-i))
		}()
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "step %d", i)
	}
	steps, err := s.ListSteps(run.RunID)
	require.NoError(t, err)
	assert.Len(t, steps, 20)
}
