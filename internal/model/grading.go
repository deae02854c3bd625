package model

import (
	"fmt"
	"math"
	"sort"
)

// GradeTolerance is the slack allowed when checking that a grading scale
// covers [0, 1] without gaps or overlaps.
const GradeTolerance = 1e-5

// NoGrade is the label used when no grade can be assigned.
const NoGrade = "-"

// GradingScale maps a grade label to its closed [lo, hi] interval.
type GradingScale map[string][2]float64

// Band is one labelled interval of a grading scale.
type Band struct {
	Label string
	Lo    float64
	Hi    float64
}

// Bands returns the scale's intervals sorted by lower bound. Ties on lo are
// broken by label so the order is deterministic.
func (g GradingScale) Bands() []Band {
	bands := make([]Band, 0, len(g))
	for label, r := range g {
		bands = append(bands, Band{Label: label, Lo: r[0], Hi: r[1]})
	}
	sort.Slice(bands, func(i, j int) bool {
		if bands[i].Lo != bands[j].Lo {
			return bands[i].Lo < bands[j].Lo
		}
		return bands[i].Label < bands[j].Label
	})
	return bands
}

// Validate checks that a non-empty scale is a contiguous, non-overlapping,
// strictly increasing cover of [0, 1]. An empty scale is valid.
func (g GradingScale) Validate() error {
	if len(g) == 0 {
		return nil
	}
	bands := g.Bands()
	for _, b := range bands {
		if math.IsNaN(b.Lo) || math.IsNaN(b.Hi) {
			return fmt.Errorf("grade %q has a non-numeric bound", b.Label)
		}
		if b.Lo >= b.Hi {
			return fmt.Errorf("grade %q has an empty or inverted range [%g, %g]", b.Label, b.Lo, b.Hi)
		}
	}
	if math.Abs(bands[0].Lo) > GradeTolerance {
		return fmt.Errorf("grading scale must start at 0.0, starts at %g", bands[0].Lo)
	}
	for i := 1; i < len(bands); i++ {
		prev, cur := bands[i-1], bands[i]
		if math.Abs(cur.Lo-prev.Hi) > GradeTolerance {
			if cur.Lo < prev.Hi {
				return fmt.Errorf("grades %q and %q overlap", prev.Label, cur.Label)
			}
			return fmt.Errorf("gap between grades %q and %q", prev.Label, cur.Label)
		}
	}
	if last := bands[len(bands)-1]; math.Abs(last.Hi-1.0) > GradeTolerance {
		return fmt.Errorf("grading scale must end at 1.0, ends at %g", last.Hi)
	}
	return nil
}

// Grade returns the label whose interval contains v and its rank (0 for the
// band with the lowest lower bound). Upper bounds are inclusive, so a value
// on a shared boundary takes the lower band. Values outside the scale yield
// NoGrade and rank -1.
func (g GradingScale) Grade(v float64) (string, int) {
	if math.IsNaN(v) {
		return NoGrade, -1
	}
	for i, b := range g.Bands() {
		if v >= b.Lo-GradeTolerance && v <= b.Hi+GradeTolerance {
			return b.Label, i
		}
	}
	return NoGrade, -1
}

// Rank returns the position of label in the scale's lo-ordering, or -1.
func (g GradingScale) Rank(label string) int {
	for i, b := range g.Bands() {
		if b.Label == label {
			return i
		}
	}
	return -1
}
