package motility

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// Evaluation is the result of one filter pass over a track.
type Evaluation struct {
	// Likelihood is the track density under the model. It underflows to 0
	// for parameter values far from the generating process.
	Likelihood float64
	// LogLikelihood is log(Likelihood) computed without leaving log space,
	// so it stays finite when Likelihood underflows.
	LogLikelihood float64
	// Probabilities holds one entry per localization when prediction was
	// requested, nil otherwise.
	Probabilities []StateProbability
}

// ModelOption configures a Model.
type ModelOption func(*Model)

// WithMinLocalizationError floors the localization error used by the
// Gaussian updates so that the variance sum never reaches zero. A
// Parameters.LocalizationError below v is evaluated as v; Parameters()
// still returns the value passed to NewModel. The default floor is
// DefaultBounds().Lower[0] and non-positive v keeps it.
func WithMinLocalizationError(v float64) ModelOption {
	return func(m *Model) {
		if v > 0 {
			m.minLocErr = v
		}
	}
}

// Model evaluates tracks for one fixed parameter set. It is safe for
// concurrent use; every Evaluate call works on its own buffers.
type Model struct {
	params    Parameters
	minLocErr float64

	errVar   float64
	logPrior [2]float64
	fan      int
	// Per-gap tables indexed by boundary*fan + newBits.
	gapLogT []float64
	gapVar  []float64

	pool sync.Pool
}

// NewModel validates p and precomputes the per-gap transition and diffusion
// tables. The localization error is raised to the model floor when below it.
func NewModel(p Parameters, opts ...ModelOption) (*Model, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	m := &Model{
		params:    p,
		minLocErr: DefaultBounds().Lower[0],
	}
	for _, opt := range opts {
		opt(m)
	}

	locErr := math.Max(p.LocalizationError, m.minLocErr)
	m.errVar = locErr * locErr
	m.logPrior = [2]float64{math.Log(p.F0), math.Log(p.F1())}

	s := p.SubSteps
	m.fan = 1 << s
	m.gapLogT = make([]float64, 2*m.fan)
	m.gapVar = make([]float64, 2*m.fan)

	trans := p.TransitionMatrix()
	var logT [2][2]float64
	for a := 0; a < 2; a++ {
		for b := 0; b < 2; b++ {
			logT[a][b] = math.Log(trans[a][b])
		}
	}
	d2 := [2]float64{p.DiffusionLength0 * p.DiffusionLength0, p.DiffusionLength1 * p.DiffusionLength1}

	states := make([]int, s+1)
	for boundary := 0; boundary < 2; boundary++ {
		for k := 0; k < m.fan; k++ {
			// states[0] is the earliest sub-step of the gap and states[s] the
			// state already held by the parent branch.
			for j := 0; j < s; j++ {
				states[j] = (k >> j) & 1
			}
			states[s] = boundary

			var lt, v float64
			for j := 0; j < s; j++ {
				from, to := states[j], states[j+1]
				lt += logT[from][to]
				v += (d2[from] + d2[to]) / 2
			}
			g := boundary*m.fan + k
			m.gapLogT[g] = lt
			m.gapVar[g] = v / float64(s)
		}
	}

	m.pool.New = func() any { return &workspace{} }
	return m, nil
}

// Parameters returns the parameter set the model was built with.
func (m *Model) Parameters() Parameters { return m.params }

// MinLocalizationError returns the floor applied to the localization error.
func (m *Model) MinLocalizationError() float64 { return m.minLocErr }

// Evaluate runs the filter over track. With predict set the result carries
// one StateProbability per localization.
func (m *Model) Evaluate(track Track, predict bool) (Evaluation, error) {
	n := len(track.Points)
	if n < 2 {
		return Evaluation{}, fmt.Errorf("%w: track %d has %d", ErrTrackTooShort, track.ID, n)
	}

	s := m.params.SubSteps
	limit := 1 << m.params.WindowDepth
	nSub := s*(n-1) + 1

	capacity := limit * m.fan
	if nSub < m.params.WindowDepth+s {
		capacity = 1 << nSub
	}

	ws := m.pool.Get().(*workspace)
	defer m.pool.Put(ws)
	ws.reserve(capacity, nSub, predict)
	cur, next := &ws.a, &ws.b

	anchor := track.Points[n-1]
	cur.n = 2
	for i := 0; i < 2; i++ {
		cur.mx[i] = anchor.X
		cur.my[i] = anchor.Y
		cur.v[i] = m.errVar
		cur.lp[i] = 0
	}

	removed := 0
	for loc := n - 2; loc >= 0; loc-- {
		m.expand(cur, next, track.Points[loc])
		cur, next = next, cur

		if loc == 0 {
			break
		}
		for cur.n > limit {
			if predict {
				ws.sub[nSub-1-removed] = m.oldestStuckProbability(cur, ws.tmp)
			}
			cur.mergeOldest()
			removed++
		}
	}

	logp := ws.tmp[:cur.n]
	for i := range logp {
		logp[i] = cur.lp[i] + m.logPrior[i&1]
	}
	var ev Evaluation
	ev.LogLikelihood = floats.LogSumExp(logp)
	for _, l := range logp {
		ev.Likelihood += math.Exp(l)
	}

	if !predict {
		return ev, nil
	}

	bits := nSub - removed
	for j := 0; j < bits; j++ {
		ws.sub[j] = m.bitStuckProbability(logp, ev.LogLikelihood, j)
	}
	ev.Probabilities = make([]StateProbability, n)
	for loc := range ev.Probabilities {
		p := ws.sub[loc*s]
		ev.Probabilities[loc] = StateProbability{Stuck: p, Diffusive: 1 - p}
	}
	return ev, nil
}

// expand consumes one localization: every branch of cur spawns fan children
// in next, one per assignment of the new sub-steps.
func (m *Model) expand(cur, next *arena, c Point) {
	s := m.params.SubSteps
	next.n = cur.n * m.fan
	for parent := 0; parent < cur.n; parent++ {
		pmx, pmy, pv, plp := cur.mx[parent], cur.my[parent], cur.v[parent], cur.lp[parent]
		dx, dy := c.X-pmx, c.Y-pmy
		r2 := dx*dx + dy*dy
		base := (parent & 1) * m.fan
		for k := 0; k < m.fan; k++ {
			g := base + k
			child := parent<<s | k

			predVar := pv + m.gapVar[g]
			total := predVar + m.errVar
			gain := predVar / total

			next.mx[child] = pmx + gain*dx
			next.my[child] = pmy + gain*dy
			next.v[child] = predVar * m.errVar / total
			next.lp[child] = plp + m.gapLogT[g] - math.Log(2*math.Pi*total) - r2/(2*total)
		}
	}
}

// oldestStuckProbability returns the probability that the oldest retained
// bit is 0, treating the newest bit as the start of the chain.
func (m *Model) oldestStuckProbability(a *arena, tmp []float64) float64 {
	half := a.n / 2
	logp := tmp[:a.n]
	for i := range logp {
		logp[i] = a.lp[i] + m.logPrior[i&1]
	}
	l0 := floats.LogSumExp(logp[:half])
	l1 := floats.LogSumExp(logp[half:])
	return stuckFromLogs(l0, l1, m.params.F0)
}

// bitStuckProbability returns the probability that bit j is 0 given
// normalized log weights.
func (m *Model) bitStuckProbability(logp []float64, total float64, j int) float64 {
	if math.IsInf(total, -1) || math.IsNaN(total) {
		return m.params.F0
	}
	mask := 1 << j
	var p0 float64
	for i, l := range logp {
		if i&mask == 0 {
			p0 += math.Exp(l - total)
		}
	}
	return math.Min(math.Max(p0, 0), 1)
}

func stuckFromLogs(l0, l1, fallback float64) float64 {
	switch {
	case math.IsInf(l0, -1) && math.IsInf(l1, -1):
		return fallback
	case math.IsInf(l1, -1):
		return 1
	case math.IsInf(l0, -1):
		return 0
	}
	// 1 / (1 + exp(l1 - l0)) without overflow.
	d := l1 - l0
	if d > 0 {
		e := math.Exp(-d)
		return e / (1 + e)
	}
	return 1 / (1 + math.Exp(d))
}

// Evaluate is a convenience wrapper building a Model for a single call.
func Evaluate(p Parameters, track Track, predict bool) (Evaluation, error) {
	m, err := NewModel(p)
	if err != nil {
		return Evaluation{}, err
	}
	return m.Evaluate(track, predict)
}
