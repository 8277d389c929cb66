package motility

import "math"

// arena holds the live branches of one filter pass. Branch i has the state
// history i: bit 0 is the most recently processed sub-step and bit
// log2(n)-1 the oldest retained one.
type arena struct {
	n  int
	mx []float64 // belief mean, x
	my []float64 // belief mean, y
	v  []float64 // belief variance, shared by both axes
	lp []float64 // log-probability
}

func (a *arena) reserve(capacity int) {
	if cap(a.lp) < capacity {
		a.mx = make([]float64, capacity)
		a.my = make([]float64, capacity)
		a.v = make([]float64, capacity)
		a.lp = make([]float64, capacity)
		return
	}
	a.mx = a.mx[:capacity]
	a.my = a.my[:capacity]
	a.v = a.v[:capacity]
	a.lp = a.lp[:capacity]
}

// mergeOldest marginalizes the oldest retained bit. Branches i and i+n/2
// differ only in that bit; they are combined into slot i with log-sum-exp
// weights, a weighted mean and a weighted variance. Slot i is written only
// after both of its inputs have been read, so the merge runs in place.
func (a *arena) mergeOldest() {
	half := a.n / 2
	for i := 0; i < half; i++ {
		j := i + half
		l0, l1 := a.lp[i], a.lp[j]
		hi := math.Max(l0, l1)
		if math.IsInf(hi, -1) {
			a.mx[i] = (a.mx[i] + a.mx[j]) / 2
			a.my[i] = (a.my[i] + a.my[j]) / 2
			a.v[i] = (a.v[i] + a.v[j]) / 2
			continue
		}
		w0 := math.Exp(l0 - hi)
		w1 := math.Exp(l1 - hi)
		sum := w0 + w1
		w0 /= sum
		w1 /= sum

		a.mx[i] = w0*a.mx[i] + w1*a.mx[j]
		a.my[i] = w0*a.my[i] + w1*a.my[j]
		a.v[i] = w0*a.v[i] + w1*a.v[j]
		a.lp[i] = hi + math.Log(sum)
	}
	a.n = half
}

// workspace is the reusable scratch memory of one Evaluate call.
type workspace struct {
	a, b arena
	tmp  []float64
	sub  []float64 // P(state 0) per sub-step
}

func (w *workspace) reserve(capacity, nSub int, predict bool) {
	w.a.reserve(capacity)
	w.b.reserve(capacity)
	if cap(w.tmp) < capacity {
		w.tmp = make([]float64, capacity)
	}
	w.tmp = w.tmp[:capacity]
	if predict {
		if cap(w.sub) < nSub {
			w.sub = make([]float64, nSub)
		}
		w.sub = w.sub[:nSub]
	}
}
