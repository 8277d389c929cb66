package motility

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// SimulationConfig controls Simulate.
type SimulationConfig struct {
	Tracks int
	Length int
	Seed   uint64
	// FieldSize is the side of the square the track origins are drawn from.
	// Zero places every track at the origin.
	FieldSize float64
}

// Simulate draws tracks from the generative process the filter assumes.
func Simulate(p Parameters, cfg SimulationConfig) ([]Track, error) {
	tracks, _, err := SimulateWithStates(p, cfg)
	return tracks, err
}

// SimulateWithStates is Simulate that also returns the hidden state held at
// every localization.
func SimulateWithStates(p Parameters, cfg SimulationConfig) ([]Track, [][]int, error) {
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}
	if cfg.Tracks < 1 {
		return nil, nil, errors.New("simulation needs at least one track")
	}
	if cfg.Length < 1 {
		return nil, nil, fmt.Errorf("simulation track length %d must be >= 1", cfg.Length)
	}

	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
	start := distuv.Bernoulli{P: p.F1(), Src: src}
	leave := [2]distuv.Bernoulli{
		{P: p.PUnbinding(), Src: src},
		{P: p.PBinding(), Src: src},
	}
	noise := distuv.Normal{Mu: 0, Sigma: p.LocalizationError, Src: src}
	step := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	origin := distuv.Uniform{Min: 0, Max: cfg.FieldSize, Src: src}

	s := p.SubSteps
	nSub := s*(cfg.Length-1) + 1
	d2 := [2]float64{p.DiffusionLength0 * p.DiffusionLength0, p.DiffusionLength1 * p.DiffusionLength1}

	tracks := make([]Track, cfg.Tracks)
	states := make([][]int, cfg.Tracks)
	sub := make([]int, nSub)
	for ti := range tracks {
		sub[0] = int(start.Rand())
		for j := 1; j < nSub; j++ {
			prev := sub[j-1]
			if leave[prev].Rand() == 1 {
				sub[j] = 1 - prev
			} else {
				sub[j] = prev
			}
		}

		var x, y float64
		if cfg.FieldSize > 0 {
			x, y = origin.Rand(), origin.Rand()
		}
		pts := make([]Point, cfg.Length)
		st := make([]int, cfg.Length)
		for loc := 0; loc < cfg.Length; loc++ {
			if loc > 0 {
				var v float64
				for j := (loc - 1) * s; j < loc*s; j++ {
					v += (d2[sub[j]] + d2[sub[j+1]]) / 2
				}
				sigma := math.Sqrt(v / float64(s))
				x += sigma * step.Rand()
				y += sigma * step.Rand()
			}
			pts[loc] = Point{X: x + noise.Rand(), Y: y + noise.Rand()}
			st[loc] = sub[loc*s]
		}
		tracks[ti] = Track{ID: ti, Points: pts}
		states[ti] = st
	}
	return tracks, states, nil
}
