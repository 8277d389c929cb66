package motility

import (
	"errors"
	"fmt"
	"math"
)

// NumParameters is the length of the vector form of Parameters.
const NumParameters = 5

// Limits on the resolution knobs. The filter allocates up to
// 2^(WindowDepth+SubSteps) branches per buffer.
const (
	MaxSubSteps    = 8
	MaxWindowDepth = 16
	MaxHistoryBits = 20
)

// ErrInvalidParameters is wrapped by every parameter validation failure.
var ErrInvalidParameters = errors.New("invalid motility parameters")

// Parameters holds the fitted model scalars and the two resolution knobs.
// Values are immutable once built by NewParameters or ParametersFromVector.
type Parameters struct {
	// LocalizationError is the standard deviation of the position noise.
	// A Model evaluates with max(LocalizationError, its floor), see
	// WithMinLocalizationError, so values below the floor act as the floor.
	LocalizationError float64 `json:"localization_error"`
	// DiffusionLength0 is the per-interval displacement standard deviation
	// of state 0 (stuck).
	DiffusionLength0 float64 `json:"diffusion_length_0"`
	// DiffusionLength1 is the per-interval displacement standard deviation
	// of state 1 (diffusive).
	DiffusionLength1 float64 `json:"diffusion_length_1"`
	// F0 is the equilibrium fraction of particles in state 0.
	F0 float64 `json:"f0"`
	// UnbindingRate is the 0 to 1 transition rate per interval.
	UnbindingRate float64 `json:"unbinding_rate"`
	// SubSteps is the number of hidden sub-steps per localization interval.
	SubSteps int `json:"sub_steps"`
	// WindowDepth bounds the retained history to 2^WindowDepth branches.
	WindowDepth int `json:"window_depth"`
}

// NewParameters validates and returns a parameter set.
func NewParameters(locErr, d0, d1, f0, unbinding float64, subSteps, window int) (Parameters, error) {
	p := Parameters{
		LocalizationError: locErr,
		DiffusionLength0:  d0,
		DiffusionLength1:  d1,
		F0:                f0,
		UnbindingRate:     unbinding,
		SubSteps:          subSteps,
		WindowDepth:       window,
	}
	if err := p.Validate(); err != nil {
		return Parameters{}, err
	}
	return p, nil
}

// ParametersFromVector builds parameters from the order returned by Vector.
func ParametersFromVector(x []float64, subSteps, window int) (Parameters, error) {
	if len(x) != NumParameters {
		return Parameters{}, fmt.Errorf("%w: vector has %d entries, want %d", ErrInvalidParameters, len(x), NumParameters)
	}
	return NewParameters(x[0], x[1], x[2], x[3], x[4], subSteps, window)
}

// DefaultParameters returns the values a fresh analysis starts from.
func DefaultParameters() Parameters {
	return Parameters{
		LocalizationError: 0.1,
		DiffusionLength0:  0.5,
		DiffusionLength1:  0.01,
		F0:                0.5,
		UnbindingRate:     0.9,
		SubSteps:          1,
		WindowDepth:       6,
	}
}

// EstimationStartPoint returns the default starting point for a fit.
func EstimationStartPoint() Parameters {
	return Parameters{
		LocalizationError: 0.3,
		DiffusionLength0:  0.08,
		DiffusionLength1:  0.08,
		F0:                0.1,
		UnbindingRate:     0.9,
		SubSteps:          2,
		WindowDepth:       5,
	}
}

// Validate checks value ranges and that the window can hold one expanded gap.
func (p Parameters) Validate() error {
	finite := func(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
	switch {
	case !finite(p.LocalizationError) || p.LocalizationError < 0:
		return fmt.Errorf("%w: localization error %v must be >= 0", ErrInvalidParameters, p.LocalizationError)
	case !finite(p.DiffusionLength0) || p.DiffusionLength0 <= 0:
		return fmt.Errorf("%w: diffusion length 0 %v must be > 0", ErrInvalidParameters, p.DiffusionLength0)
	case !finite(p.DiffusionLength1) || p.DiffusionLength1 <= 0:
		return fmt.Errorf("%w: diffusion length 1 %v must be > 0", ErrInvalidParameters, p.DiffusionLength1)
	case !finite(p.F0) || p.F0 <= 0 || p.F0 >= 1:
		return fmt.Errorf("%w: F0 %v must be in (0, 1)", ErrInvalidParameters, p.F0)
	case !finite(p.UnbindingRate) || p.UnbindingRate <= 0:
		return fmt.Errorf("%w: unbinding rate %v must be > 0", ErrInvalidParameters, p.UnbindingRate)
	case p.SubSteps < 1 || p.SubSteps > MaxSubSteps:
		return fmt.Errorf("%w: sub-steps %d must be in [1, %d]", ErrInvalidParameters, p.SubSteps, MaxSubSteps)
	case p.WindowDepth < 2 || p.WindowDepth > MaxWindowDepth:
		return fmt.Errorf("%w: window depth %d must be in [2, %d]", ErrInvalidParameters, p.WindowDepth, MaxWindowDepth)
	case p.WindowDepth < p.SubSteps:
		return fmt.Errorf("%w: window depth %d is shallower than %d sub-steps", ErrInvalidParameters, p.WindowDepth, p.SubSteps)
	case p.WindowDepth+p.SubSteps > MaxHistoryBits:
		return fmt.Errorf("%w: window depth %d plus %d sub-steps exceeds %d history bits",
			ErrInvalidParameters, p.WindowDepth, p.SubSteps, MaxHistoryBits)
	}
	return nil
}

// F1 is the equilibrium fraction of particles in state 1.
func (p Parameters) F1() float64 { return 1 - p.F0 }

// BindingRate is the 1 to 0 rate implied by detailed balance.
func (p Parameters) BindingRate() float64 { return p.F0 / p.F1() * p.UnbindingRate }

// PUnbinding is the probability of a 0 to 1 transition in one sub-step.
func (p Parameters) PUnbinding() float64 {
	return -math.Expm1(-p.UnbindingRate / float64(p.SubSteps))
}

// PBinding is the probability of a 1 to 0 transition in one sub-step.
func (p Parameters) PBinding() float64 {
	return -math.Expm1(-p.BindingRate() / float64(p.SubSteps))
}

// TransitionMatrix returns T where T[a][b] is the probability of moving
// from state a to state b in one sub-step.
func (p Parameters) TransitionMatrix() [2][2]float64 {
	pu, pb := p.PUnbinding(), p.PBinding()
	return [2][2]float64{
		{1 - pu, pu},
		{pb, 1 - pb},
	}
}

// DiffusionLength returns the displacement standard deviation of state s.
func (p Parameters) DiffusionLength(s int) float64 {
	if s == 0 {
		return p.DiffusionLength0
	}
	return p.DiffusionLength1
}

// Vector returns [LocalizationError, DiffusionLength0, DiffusionLength1,
// F0, UnbindingRate].
func (p Parameters) Vector() []float64 {
	return []float64{p.LocalizationError, p.DiffusionLength0, p.DiffusionLength1, p.F0, p.UnbindingRate}
}

// WithVector returns a copy of p with the continuous values replaced.
func (p Parameters) WithVector(x []float64) (Parameters, error) {
	return ParametersFromVector(x, p.SubSteps, p.WindowDepth)
}

func (p Parameters) String() string {
	return fmt.Sprintf("locErr=%.4g d0=%.4g d1=%.4g F0=%.4g kUnbind=%.4g subSteps=%d window=%d",
		p.LocalizationError, p.DiffusionLength0, p.DiffusionLength1, p.F0, p.UnbindingRate,
		p.SubSteps, p.WindowDepth)
}

// ParameterNames lists the vector entries in order.
var ParameterNames = [NumParameters]string{
	"localization_error",
	"diffusion_length_0",
	"diffusion_length_1",
	"f0",
	"unbinding_rate",
}

// Bounds are per-entry box constraints on the parameter vector.
type Bounds struct {
	Lower [NumParameters]float64 `json:"lower"`
	Upper [NumParameters]float64 `json:"upper"`
}

// DefaultBounds returns the box the estimator searches by default.
func DefaultBounds() Bounds {
	return Bounds{
		Lower: [NumParameters]float64{0.005, 1e-100, 1e-100, 0.01, 0.01},
		Upper: [NumParameters]float64{100, 10, 10, 0.99, 0.99},
	}
}

// Validate checks that every lower bound is finite and below its upper bound.
func (b Bounds) Validate() error {
	for i := range b.Lower {
		lo, hi := b.Lower[i], b.Upper[i]
		if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) {
			return fmt.Errorf("%w: bound for %s is not finite", ErrInvalidParameters, ParameterNames[i])
		}
		if lo > hi {
			return fmt.Errorf("%w: lower bound %v above upper bound %v for %s",
				ErrInvalidParameters, lo, hi, ParameterNames[i])
		}
	}
	return nil
}

// Contains reports whether x lies inside the box, edges included.
func (b Bounds) Contains(x []float64) bool {
	if len(x) != NumParameters {
		return false
	}
	for i, v := range x {
		if !(v >= b.Lower[i] && v <= b.Upper[i]) {
			return false
		}
	}
	return true
}

// Clamp returns a copy of x moved inside the box.
func (b Bounds) Clamp(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = math.Min(math.Max(v, b.Lower[i]), b.Upper[i])
	}
	return out
}
