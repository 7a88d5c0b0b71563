package geom

import "math"

// momentEpsilon is the threshold below which the cross moment is treated as
// zero when choosing the principal axis.
const momentEpsilon = 1e-12

// Moments are the first and central second moments of a (possibly weighted)
// point set. Second moments are normalised by the total weight.
type Moments struct {
	Weight       float64 // Total weight (pixel count when unweighted)
	MeanX, MeanY float64
	XX, XY, YY   float64
}

// MomentAccumulator collects moments in a single pass. Coordinates are
// accumulated relative to the first point added to limit cancellation for
// blobs far from the image origin.
type MomentAccumulator struct {
	n             int
	ox, oy        float64
	w             float64
	sx, sy        float64
	sxx, sxy, syy float64
}

// Add accumulates the point (x, y) with weight w.
func (a *MomentAccumulator) Add(x, y, w float64) {
	if a.n == 0 {
		a.ox, a.oy = x, y
	}
	a.n++
	dx, dy := x-a.ox, y-a.oy
	a.w += w
	a.sx += w * dx
	a.sy += w * dy
	a.sxx += w * dx * dx
	a.sxy += w * dx * dy
	a.syy += w * dy * dy
}

// Count returns the number of points added.
func (a *MomentAccumulator) Count() int { return a.n }

// Moments returns the accumulated moments. It fails with ErrEmptyInput when
// nothing was added and ErrZeroWeight when the weights do not sum to a
// positive value.
func (a *MomentAccumulator) Moments() (Moments, error) {
	if a.n == 0 {
		return Moments{}, ErrEmptyInput
	}
	if a.w <= 0 {
		return Moments{}, ErrZeroWeight
	}
	mx := a.sx / a.w
	my := a.sy / a.w
	m := Moments{
		Weight: a.w,
		MeanX:  mx + a.ox,
		MeanY:  my + a.oy,
		XX:     a.sxx/a.w - mx*mx,
		XY:     a.sxy/a.w - mx*my,
		YY:     a.syy/a.w - my*my,
	}
	// Rounding can leave tiny negative variances for single-pixel sets.
	if m.XX < 0 {
		m.XX = 0
	}
	if m.YY < 0 {
		m.YY = 0
	}
	return m, nil
}

// Ellipse is the shape of a source: semi-axes in pixels and the major-axis
// angle in radians, normalised to (-π/2, π/2].
type Ellipse struct {
	SemiMajor float64
	SemiMinor float64
	Angle     float64
}

// EllipseFromMoments fits an ellipse to second central moments. The
// eigenvalues of the 2x2 moment matrix are computed in closed form and
// the semi-axes are 2*sqrt(eigenvalue), which reproduces the axes of a
// uniformly filled ellipse.
func EllipseFromMoments(xx, xy, yy float64) Ellipse {
	half := (xx + yy) / 2
	d := (xx - yy) / 2
	root := math.Sqrt(d*d + xy*xy)
	l1 := half + root
	l2 := half - root
	if l2 < 0 {
		l2 = 0
	}
	if l1 < 0 {
		l1 = 0
	}

	var angle float64
	switch {
	case math.Abs(xy) > momentEpsilon:
		// Eigenvector of l1 is [xy, l1-xx].
		angle = math.Atan2(l1-xx, xy)
	case xx >= yy:
		angle = 0
	default:
		angle = math.Pi / 2
	}

	return Ellipse{
		SemiMajor: 2 * math.Sqrt(l1),
		SemiMinor: 2 * math.Sqrt(l2),
		Angle:     NormalizeAxisAngle(angle),
	}
}

// Ellipse fits an ellipse to the moments.
func (m Moments) Ellipse() Ellipse {
	return EllipseFromMoments(m.XX, m.XY, m.YY)
}

// Center returns the (weighted) centroid.
func (m Moments) Center() Point { return Point{m.MeanX, m.MeanY} }

// Elongation returns SemiMajor/SemiMinor, or +Inf for a line-like ellipse.
func (e Ellipse) Elongation() float64 {
	if e.SemiMinor == 0 {
		if e.SemiMajor == 0 {
			return 1
		}
		return math.Inf(1)
	}
	return e.SemiMajor / e.SemiMinor
}

// Area returns π·a·b.
func (e Ellipse) Area() float64 { return math.Pi * e.SemiMajor * e.SemiMinor }

// NormalizeAxisAngle maps an undirected axis angle to (-π/2, π/2].
func NormalizeAxisAngle(a float64) float64 {
	a = math.Mod(a, math.Pi)
	if a > math.Pi/2 {
		a -= math.Pi
	} else if a <= -math.Pi/2 {
		a += math.Pi
	}
	return a
}

// AxisAngleDistance returns the smallest difference between two undirected
// axis angles, in [0, π/2].
func AxisAngleDistance(a, b float64) float64 {
	d := math.Abs(NormalizeAxisAngle(a - b))
	return d
}
