package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/extrack/internal/motility"
)

// RunStatus is the lifecycle state of a fit run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusFinished  RunStatus = "finished"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one persisted fit.
type Run struct {
	RunID      string              `json:"run_id"`
	CreatedAt  int64               `json:"created_at"`
	FinishedAt int64               `json:"finished_at,omitempty"`
	Status     RunStatus           `json:"status"`
	Source     string              `json:"source"`
	Tracks     int                 `json:"tracks"`
	Start      motility.Parameters `json:"start"`
	// Bounds is the search box of the fit. Its lower localization-error
	// bound is the floor the objective was evaluated with. Nil for runs
	// recorded before bounds were stored.
	Bounds *motility.Bounds `json:"bounds,omitempty"`
	// Fitted and NegLogLikelihood are set once the run has finished or
	// been cancelled with a finite objective.
	Fitted           *motility.Parameters `json:"fitted,omitempty"`
	NegLogLikelihood *float64             `json:"neg_log_likelihood,omitempty"`
	Iterations       int                  `json:"iterations"`
	Evaluations      int                  `json:"evaluations"`
	Error            string               `json:"error,omitempty"`
}

// Outcome is what FinishRun records about a completed run.
type Outcome struct {
	Status           RunStatus
	Fitted           motility.Parameters
	NegLogLikelihood float64
	Iterations       int
	Evaluations      int
	Err              error
}

// Step is one improvement recorded during a fit.
type Step struct {
	RunID            string              `json:"run_id"`
	Step             int                 `json:"step"`
	Parameters       motility.Parameters `json:"parameters"`
	NegLogLikelihood float64             `json:"neg_log_likelihood"`
	RecordedAt       int64               `json:"recorded_at"`
}

// CreateRun inserts a running fit over tracks from source, searched within
// bounds.
func (s *Store) CreateRun(source string, start motility.Parameters, bounds motility.Bounds, tracks int) (*Run, error) {
	startJSON, err := json.Marshal(start)
	if err != nil {
		return nil, fmt.Errorf("encode start parameters: %w", err)
	}
	boundsJSON, err := json.Marshal(bounds)
	if err != nil {
		return nil, fmt.Errorf("encode bounds: %w", err)
	}
	run := &Run{
		RunID:     uuid.New().String(),
		CreatedAt: time.Now().UnixNano(),
		Status:    RunStatusRunning,
		Source:    source,
		Tracks:    tracks,
		Start:     start,
		Bounds:    &bounds,
	}
	err = retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO fit_runs (run_id, created_at, status, source, tracks, start_json, bounds_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.CreatedAt, string(run.Status), run.Source, run.Tracks, string(startJSON), string(boundsJSON),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// RecordStep appends an improvement to a run's history.
func (s *Store) RecordStep(runID string, step int, p motility.Parameters, negLogLikelihood float64) error {
	paramsJSON, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode step parameters: %w", err)
	}
	err = retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO fit_steps (run_id, step, params_json, neg_log_likelihood, recorded_at)
			VALUES (?, ?, ?, ?, ?)`,
			runID, step, string(paramsJSON), negLogLikelihood, time.Now().UnixNano(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert step %d of run %s: %w", step, runID, err)
	}
	return nil
}

// FinishRun records the outcome of a run.
func (s *Store) FinishRun(runID string, out Outcome) error {
	var (
		fitted any
		nll    any
		errMsg any
	)
	if out.Status != RunStatusFailed && !math.IsInf(out.NegLogLikelihood, 0) && !math.IsNaN(out.NegLogLikelihood) {
		b, err := json.Marshal(out.Fitted)
		if err != nil {
			return fmt.Errorf("encode fitted parameters: %w", err)
		}
		fitted = string(b)
		nll = out.NegLogLikelihood
	}
	if out.Err != nil {
		errMsg = out.Err.Error()
	}

	var res sql.Result
	err := retryOnBusy(func() error {
		var err error
		res, err = s.db.Exec(`
			UPDATE fit_runs
			SET finished_at = ?, status = ?, fitted_json = ?, neg_log_likelihood = ?,
			    iterations = ?, evaluations = ?, error = ?
			WHERE run_id = ?`,
			time.Now().UnixNano(), string(out.Status), fitted, nll,
			out.Iterations, out.Evaluations, errMsg, runID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

const runColumns = `run_id, created_at, finished_at, status, source, tracks, start_json,
	fitted_json, neg_log_likelihood, iterations, evaluations, error, bounds_json`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r          Run
		status     string
		startJSON  string
		finishedAt sql.NullInt64
		fittedJSON sql.NullString
		nll        sql.NullFloat64
		errMsg     sql.NullString
		boundsJSON sql.NullString
	)
	if err := sc.Scan(&r.RunID, &r.CreatedAt, &finishedAt, &status, &r.Source, &r.Tracks, &startJSON,
		&fittedJSON, &nll, &r.Iterations, &r.Evaluations, &errMsg, &boundsJSON); err != nil {
		return nil, err
	}
	r.Status = RunStatus(status)
	r.FinishedAt = finishedAt.Int64
	r.Error = errMsg.String
	if err := json.Unmarshal([]byte(startJSON), &r.Start); err != nil {
		return nil, fmt.Errorf("decode start parameters of run %s: %w", r.RunID, err)
	}
	if boundsJSON.Valid {
		var b motility.Bounds
		if err := json.Unmarshal([]byte(boundsJSON.String), &b); err != nil {
			return nil, fmt.Errorf("decode bounds of run %s: %w", r.RunID, err)
		}
		r.Bounds = &b
	}
	if fittedJSON.Valid {
		var p motility.Parameters
		if err := json.Unmarshal([]byte(fittedJSON.String), &p); err != nil {
			return nil, fmt.Errorf("decode fitted parameters of run %s: %w", r.RunID, err)
		}
		r.Fitted = &p
	}
	if nll.Valid {
		v := nll.Float64
		r.NegLogLikelihood = &v
	}
	return &r, nil
}

// GetRun returns a run by ID.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM fit_runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

// ListRuns returns every run, newest first.
func (s *Store) ListRuns() ([]*Run, error) {
	rows, err := s.db.Query(`SELECT ` + runColumns + ` FROM fit_runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListSteps returns a run's improvement history in step order.
func (s *Store) ListSteps(runID string) ([]Step, error) {
	rows, err := s.db.Query(`
		SELECT run_id, step, params_json, neg_log_likelihood, recorded_at
		FROM fit_steps
		WHERE run_id = ?
		ORDER BY step`, runID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		var paramsJSON string
		if err := rows.Scan(&st.RunID, &st.Step, &paramsJSON, &st.NegLogLikelihood, &st.RecordedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(paramsJSON), &st.Parameters); err != nil {
			return nil, fmt.Errorf("decode step %d: %w", st.Step, err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}
