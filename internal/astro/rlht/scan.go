package rlht

import "math"

// StrongPoint is a (ρ, θ) cell whose score reached the strong threshold.
type StrongPoint struct {
	Line
	Score  float64
	Length float64
}

// ThetaUnit is the angular resolution of the scan for a w×h tile: the
// angle subtended by one pixel across the larger dimension.
func ThetaUnit(w, h int) float64 {
	return math.Min(math.Atan2(1, float64(h)), math.Atan2(1, float64(w)))
}

func thetaCells(w, h int) int { return int(math.Ceil(math.Pi / ThetaUnit(w, h))) }

// skipper is the skip/backtrack state machine shared by the ρ and θ loops.
type skipper struct {
	skip      int
	countdown int
}

// next returns the index to visit after i. A strong cell restarts a dense
// window of 2*skip+1 cells; when some of the skip cells before it were
// jumped over, the loop backs up to rescan them. Outside a dense window
// the loop advances skip cells at a time. Cells marked done are never
// scored twice, so each backtrack fills holes permanently and the loop
// terminates.
func (s *skipper) next(i int, strong bool, done []bool) int {
	if strong {
		s.countdown = 2*s.skip + 1
		lo := max(0, i-s.skip)
		for k := lo; k < i; k++ {
			if !done[k] {
				return lo
			}
		}
		return i + 1
	}
	if s.countdown > 0 {
		s.countdown--
		return i + 1
	}
	return i + s.skip
}

// SmartSkip scans the (ρ, θ) plane of a w×h tile and returns every strong
// cell it scored. ρ runs over diag+1 unit cells centred on the tile, θ over
// [0, π) in ThetaUnit steps. With ScanSkip 1 the scan is exhaustive. The
// returned slice is owned by the arena and valid until its next use.
func SmartSkip(pix []float64, w, h int, lp LineParams, sp ScanParams, a *Arena) []StrongPoint {
	if lp.IncreasingThreshold <= 0 || lp.LongAvgLength <= 0 {
		opsf("smartskip: invalid line params %+v", lp)
		return nil
	}
	diag := Diagonal(w, h)
	nRho := diag + 1
	nTheta := thetaCells(w, h)
	a.size(nRho, nTheta)
	a.evaluations = 0

	skip := max(sp.ScanSkip, 1)
	unit := ThetaUnit(w, h)
	rs := skipper{skip: skip}
	for r := 0; r < nRho; {
		if !a.rowDone[r] {
			a.rowStrong[r] = a.scanRow(pix, w, h, r, diag, nTheta, unit, skip, lp, sp)
			a.rowDone[r] = true
		}
		r = rs.next(r, a.rowStrong[r], a.rowDone)
	}
	tracef("smartskip %dx%d: %d/%d cells scored, %d strong", w, h, a.evaluations, nRho*nTheta, len(a.points))
	return a.points
}

func (a *Arena) scanRow(pix []float64, w, h, r, diag, nTheta int, unit float64, skip int, lp LineParams, sp ScanParams) bool {
	rho := float64(r) - float64(diag)/2
	clear(a.cellDone)
	ts := skipper{skip: skip}
	base := r * nTheta
	any := false
	for t := 0; t < nTheta; {
		idx := base + t
		if !a.cellDone[t] {
			l := Line{Rho: rho, Theta: float64(t) * unit}
			score, length := Lineover(pix, w, h, l, lp, a)
			a.evaluations++
			a.scores[idx] = score
			if score > 0 && score >= StrongThreshold(length, diag, lp.IncreasingThreshold, sp.StrongMultiplier) {
				a.strong[idx] = true
				a.points = append(a.points, StrongPoint{Line: l, Score: score, Length: length})
			}
			a.cellDone[t] = true
		}
		if a.strong[idx] {
			any = true
		}
		t = ts.next(t, a.strong[idx], a.cellDone)
	}
	return any
}

// Evaluations returns the number of cells scored by the last SmartSkip.
func (a *Arena) Evaluations() int { return a.evaluations }

// Best returns the strongest point of a scan, ok false when there is none.
func Best(points []StrongPoint) (StrongPoint, bool) {
	if len(points) == 0 {
		return StrongPoint{}, false
	}
	best := points[0]
	for _, p := range points[1:] {
		if p.Score > best.Score {
			best = p
		}
	}
	return best, true
}
