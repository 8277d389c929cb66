package motility

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewParametersValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Parameters)
		wantErr bool
	}{
		{"defaults", func(*Parameters) {}, false},
		{"zero_localization_error", func(p *Parameters) { p.LocalizationError = 0 }, false},
		{"negative_localization_error", func(p *Parameters) { p.LocalizationError = -0.1 }, true},
		{"zero_diffusion_length_0", func(p *Parameters) { p.DiffusionLength0 = 0 }, true},
		{"nan_diffusion_length_1", func(p *Parameters) { p.DiffusionLength1 = math.NaN() }, true},
		{"f0_of_one", func(p *Parameters) { p.F0 = 1 }, true},
		{"f0_of_zero", func(p *Parameters) { p.F0 = 0 }, true},
		{"zero_unbinding_rate", func(p *Parameters) { p.UnbindingRate = 0 }, true},
		{"zero_sub_steps", func(p *Parameters) { p.SubSteps = 0 }, true},
		{"window_of_one", func(p *Parameters) { p.WindowDepth = 1 }, true},
		{"window_below_sub_steps", func(p *Parameters) { p.SubSteps = 4; p.WindowDepth = 3 }, true},
		{"window_equal_to_sub_steps", func(p *Parameters) { p.SubSteps = 4; p.WindowDepth = 4 }, false},
		{"history_too_deep", func(p *Parameters) { p.SubSteps = 8; p.WindowDepth = 16 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := DefaultParameters()
			tt.mutate(&p)
			got, err := NewParameters(p.LocalizationError, p.DiffusionLength0, p.DiffusionLength1,
				p.F0, p.UnbindingRate, p.SubSteps, p.WindowDepth)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidParameters) {
					t.Errorf("err = %v, want ErrInvalidParameters", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != p {
				t.Errorf("NewParameters = %+v, want %+v", got, p)
			}
		})
	}
}

func TestDerivedQuantities(t *testing.T) {
	t.Parallel()

	p := mustParameters(t, 0.05, 0.02, 0.3, 0.25, 0.6, 3, 4)

	checks := []struct {
		name      string
		got, want float64
	}{
		{"F1", p.F1(), 0.75},
		{"BindingRate", p.BindingRate(), 0.2},
		// Detailed balance in continuous time.
		{"detailed_balance", p.F1() * p.BindingRate(), p.F0 * p.UnbindingRate},
		{"PUnbinding", p.PUnbinding(), 1 - math.Exp(-0.2)},
		{"PBinding", p.PBinding(), 1 - math.Exp(-0.2/3)},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > 1e-15 {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	trans := p.TransitionMatrix()
	for a := 0; a < 2; a++ {
		if s := trans[a][0] + trans[a][1]; math.Abs(s-1) > 1e-15 {
			t.Errorf("row %d of the transition matrix sums to %v", a, s)
		}
	}
	if p.DiffusionLength(0) != 0.02 || p.DiffusionLength(1) != 0.3 {
		t.Errorf("DiffusionLength = (%v, %v), want (0.02, 0.3)", p.DiffusionLength(0), p.DiffusionLength(1))
	}
}

func TestParametersVectorRoundTrip(t *testing.T) {
	t.Parallel()

	p := EstimationStartPoint()
	got, err := ParametersFromVector(p.Vector(), p.SubSteps, p.WindowDepth)
	if err != nil {
		t.Fatalf("ParametersFromVector: %v", err)
	}
	if diff := cmp.Diff(p, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	moved, err := p.WithVector([]float64{0.1, 0.2, 0.3, 0.4, 0.5})
	if err != nil {
		t.Fatalf("WithVector: %v", err)
	}
	if moved.SubSteps != p.SubSteps || moved.WindowDepth != p.WindowDepth {
		t.Errorf("WithVector changed the knobs: %+v", moved)
	}
	if moved.F0 != 0.4 {
		t.Errorf("F0 = %v, want 0.4", moved.F0)
	}

	if _, err := ParametersFromVector([]float64{1, 2}, 1, 4); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("short vector: err = %v, want ErrInvalidParameters", err)
	}
}

func TestBounds(t *testing.T) {
	t.Parallel()

	b := DefaultBounds()
	if err := b.Validate(); err != nil {
		t.Fatalf("DefaultBounds invalid: %v", err)
	}

	contains := []struct {
		name string
		x    []float64
		want bool
	}{
		{"start_point", EstimationStartPoint().Vector(), true},
		{"lower_corner", b.Lower[:], true},
		{"upper_corner", b.Upper[:], true},
		{"below_localization_error", []float64{0.001, 0.1, 0.1, 0.5, 0.5}, false},
		{"nan", []float64{0.1, 0.1, 0.1, 0.5, math.NaN()}, false},
		{"short", []float64{0.1, 0.1}, false},
	}
	for _, c := range contains {
		if got := b.Contains(c.x); got != c.want {
			t.Errorf("Contains(%s) = %v, want %v", c.name, got, c.want)
		}
	}

	clamped := b.Clamp([]float64{0, 20, 0.5, 1, -3})
	if want := []float64{0.005, 10, 0.5, 0.99, 0.01}; !reflect.DeepEqual(clamped, want) {
		t.Errorf("Clamp = %v, want %v", clamped, want)
	}

	bad := b
	bad.Lower[3] = 0.999
	if bad.Validate() == nil {
		t.Error("lower above upper accepted")
	}
	bad = b
	bad.Upper[0] = math.Inf(1)
	if bad.Validate() == nil {
		t.Error("infinite upper bound accepted")
	}
}

func TestPriorProbability(t *testing.T) {
	t.Parallel()

	p := DefaultParameters()
	p.F0 = 0.7
	sp := PriorProbability(p)
	if math.Abs(sp.Stuck-0.7) > 1e-15 {
		t.Errorf("Stuck = %v, want 0.7", sp.Stuck)
	}
	if math.Abs(sp.Stuck+sp.Diffusive-1) > 1e-15 {
		t.Errorf("prior sums to %v", sp.Stuck+sp.Diffusive)
	}
}
