package estimate

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// NelderMead is a Minimizer backed by gonum's Nelder-Mead simplex search.
type NelderMead struct {
	// InitialStep is the relative size of the initial simplex along each
	// axis. Zero means 0.1.
	InitialStep float64
}

// Minimize implements Minimizer.
func (nm NelderMead) Minimize(ctx context.Context, prob Problem, start []float64, settings Settings, onStep StepFunc) (Outcome, error) {
	dim := len(start)
	if dim == 0 {
		return Outcome{}, fmt.Errorf("empty start point")
	}
	if len(prob.Lower) != dim || len(prob.Upper) != dim {
		return Outcome{}, fmt.Errorf("bounds have %d/%d entries, want %d", len(prob.Lower), len(prob.Upper), dim)
	}

	run := &nmRun{ctx: ctx, prob: prob, onStep: onStep}
	run.best.x = slices.Clone(start)
	run.best.f = math.Inf(1)

	f0 := run.eval(start)
	if out, done, err := run.interrupted(); done {
		return out, err
	}
	if !finite(f0) {
		return run.outcome(0, "Failure"), fmt.Errorf("%w: f=%v", ErrInfeasibleStart, f0)
	}

	vertices, values := nm.simplex(run, start, f0)
	if out, done, err := run.interrupted(); done {
		return out, err
	}

	method := &optimize.NelderMead{InitialVertices: vertices, InitialValues: values}
	conv := &toleranceConverger{tolFx: settings.TolFx, tolX: settings.TolX, patience: settings.Patience}
	problem := optimize.Problem{
		Func:   run.eval,
		Status: run.status,
	}
	opts := &optimize.Settings{
		InitValues:      &optimize.Location{F: f0},
		Converger:       conv,
		MajorIterations: settings.MaxIterations,
		FuncEvaluations: settings.MaxEvaluations,
		Recorder:        run,
		Concurrent:      1,
	}

	res, err := optimize.Minimize(problem, start, opts, method)
	iterations := 0
	status := optimize.Failure
	if res != nil {
		iterations = res.Stats.MajorIterations
		status = res.Status
	}
	if out, done, err := run.interrupted(); done {
		out.Iterations = iterations
		return out, err
	}
	if err != nil {
		return run.outcome(iterations, status.String()), fmt.Errorf("nelder-mead: %w", err)
	}
	return run.outcome(iterations, status.String()), nil
}

// simplex builds dim+1 vertices around start, stepping each axis by a
// relative amount and turning back when the step would leave the box.
func (nm NelderMead) simplex(run *nmRun, start []float64, f0 float64) ([][]float64, []float64) {
	step := nm.InitialStep
	if step <= 0 {
		step = 0.1
	}
	dim := len(start)
	vertices := make([][]float64, 0, dim+1)
	values := make([]float64, 0, dim+1)
	vertices = append(vertices, slices.Clone(start))
	values = append(values, f0)

	for i := 0; i < dim; i++ {
		if run.ctx.Err() != nil {
			break
		}
		v := slices.Clone(start)
		h := step * math.Abs(start[i])
		if h == 0 {
			h = step * (run.prob.Upper[i] - run.prob.Lower[i])
		}
		switch {
		case v[i]+h <= run.prob.Upper[i]:
			v[i] += h
		case v[i]-h >= run.prob.Lower[i]:
			v[i] -= h
		default:
			v[i] = (run.prob.Lower[i] + run.prob.Upper[i]) / 2
		}
		vertices = append(vertices, v)
		values = append(values, run.eval(v))
	}
	return vertices, values
}

// nmRun carries the state of one Minimize call. It is the objective wrapper,
// the status hook and the optimize.Recorder of the run.
type nmRun struct {
	ctx    context.Context
	prob   Problem
	onStep StepFunc

	mu       sync.Mutex
	evalErr  error
	evals    int
	best     bestPoint
	reported float64
}

type bestPoint struct {
	x []float64
	f float64
}

func (r *nmRun) eval(x []float64) float64 {
	r.mu.Lock()
	failed := r.evalErr != nil
	r.mu.Unlock()
	if failed {
		return math.NaN()
	}

	v, err := r.prob.Func(x)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.evals++
	if err != nil {
		if r.evalErr == nil {
			r.evalErr = err
		}
		return math.NaN()
	}
	if v < r.best.f {
		r.best.f = v
		r.best.x = slices.Clone(x)
	}
	return v
}

func (r *nmRun) status() (optimize.Status, error) {
	r.mu.Lock()
	err := r.evalErr
	r.mu.Unlock()
	if err != nil {
		return optimize.Failure, err
	}
	if err := r.ctx.Err(); err != nil {
		return optimize.Failure, err
	}
	return optimize.NotTerminated, nil
}

// Init implements optimize.Recorder.
func (r *nmRun) Init() error {
	r.reported = math.Inf(1)
	return nil
}

// Record implements optimize.Recorder. Each major iteration carries the
// current best vertex; improvements are forwarded to onStep.
func (r *nmRun) Record(loc *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	if op != optimize.MajorIteration {
		return nil
	}
	if loc.F < r.reported {
		r.reported = loc.F
		if r.onStep != nil {
			r.onStep(slices.Clone(loc.X), loc.F)
		}
	}
	return r.ctx.Err()
}

// interrupted reports whether the run must stop because of an objective
// failure or a cancelled context.
func (r *nmRun) interrupted() (Outcome, bool, error) {
	r.mu.Lock()
	err := r.evalErr
	r.mu.Unlock()
	cancelled := r.ctx.Err() != nil
	switch {
	case err != nil && !(cancelled && isContextErr(err)):
		return r.outcome(0, "Failure"), true, fmt.Errorf("objective: %w", err)
	case cancelled:
		out := r.outcome(0, "Cancelled")
		out.Cancelled = true
		return out, true, nil
	}
	return Outcome{}, false, nil
}

func (r *nmRun) outcome(iterations int, status string) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Outcome{
		X:           slices.Clone(r.best.x),
		F:           r.best.f,
		Iterations:  iterations,
		Evaluations: r.evals,
		Status:      status,
	}
}

// toleranceConverger stops the run once Patience consecutive major
// iterations changed neither the best value by more than TolFx nor the best
// point by more than TolX, both relative to the current magnitude.
type toleranceConverger struct {
	tolFx, tolX float64
	patience    int

	started bool
	lastF   float64
	lastX   []float64
	stall   int
}

// Init implements optimize.Converger.
func (c *toleranceConverger) Init(dim int) {
	c.started = false
	c.lastF = math.Inf(1)
	c.lastX = make([]float64, dim)
	c.stall = 0
	if c.patience <= 0 {
		c.patience = 1
	}
}

// Converged implements optimize.Converger.
func (c *toleranceConverger) Converged(loc *optimize.Location) optimize.Status {
	if !c.started {
		c.started = true
		c.lastF = loc.F
		copy(c.lastX, loc.X)
		return optimize.NotTerminated
	}
	df := math.Abs(c.lastF - loc.F)
	dx := floats.Distance(c.lastX, loc.X, 2)
	fScale := math.Max(1, math.Abs(loc.F))
	xScale := math.Max(1, floats.Norm(loc.X, 2))
	if df > c.tolFx*fScale || dx > c.tolX*xScale {
		c.lastF = loc.F
		copy(c.lastX, loc.X)
		c.stall = 0
		return optimize.NotTerminated
	}
	c.stall++
	if c.stall >= c.patience {
		return optimize.FunctionConvergence
	}
	return optimize.NotTerminated
}
