// Package estimate fits motility parameters to a track collection by
// minimizing the negative log-likelihood with a derivative-free method.
package estimate

import (
	"context"
	"errors"
	"math"
)

// ErrInfeasibleStart is returned when the objective is not finite at the
// starting point.
var ErrInfeasibleStart = errors.New("objective is not finite at the start point")

// Problem is a box-constrained objective.
type Problem struct {
	// Func evaluates the objective. An error aborts the minimization.
	Func  func(x []float64) (float64, error)
	Lower []float64
	Upper []float64
}

// Settings are the stopping rules shared by every Minimizer.
type Settings struct {
	// TolFx is the relative objective change below which an iteration makes
	// no progress.
	TolFx float64
	// TolX is the relative parameter change below which an iteration makes
	// no progress.
	TolX float64
	// Patience is the number of consecutive iterations without progress
	// after which the run converges.
	Patience int
	// MaxIterations and MaxEvaluations stop the run when positive.
	MaxIterations  int
	MaxEvaluations int
}

// DefaultSettings returns tolerances of 1e-6 on both the objective and the
// parameter vector.
func DefaultSettings() Settings {
	return Settings{
		TolFx:          1e-6,
		TolX:           1e-6,
		Patience:       50,
		MaxIterations:  5000,
		MaxEvaluations: 20000,
	}
}

// StepFunc receives every new best point found during a run.
type StepFunc func(x []float64, f float64)

// Outcome is the best point a Minimizer found.
type Outcome struct {
	X           []float64
	F           float64
	Iterations  int
	Evaluations int
	Status      string
	// Cancelled is set when the context ended the run. X is then the best
	// point seen so far, or the start point.
	Cancelled bool
}

// Minimizer searches for a minimum of a bounded objective starting at start.
// Implementations check ctx between evaluations and, when it is done, return
// the best point so far with Cancelled set and a nil error.
type Minimizer interface {
	Minimize(ctx context.Context, prob Problem, start []float64, settings Settings, onStep StepFunc) (Outcome, error)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
