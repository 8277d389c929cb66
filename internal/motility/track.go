package motility

import "errors"

// ErrTrackTooShort is returned when a track has fewer than two localizations.
var ErrTrackTooShort = errors.New("track needs at least 2 localizations")

// Point is one 2D localization.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Track is an ordered sequence of localizations taken at a fixed interval.
type Track struct {
	ID     int     `json:"id"`
	Points []Point `json:"points"`
}

// Len returns the number of localizations.
func (t Track) Len() int { return len(t.Points) }

// StateProbability is the posterior occupancy of both states at one
// localization. Stuck + Diffusive == 1.
type StateProbability struct {
	Stuck     float64 `json:"p_stuck"`
	Diffusive float64 `json:"p_diffusive"`
}

// PriorProbability returns the equilibrium occupancy implied by p. It is the
// exact posterior of a track with a single localization.
func PriorProbability(p Parameters) StateProbability {
	return StateProbability{Stuck: p.F0, Diffusive: p.F1()}
}
