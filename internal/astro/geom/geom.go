// Package geom holds the geometric and statistical primitives shared by the
// detection and linking layers: points and rectangles, second-moment ellipse
// fits, weighted median selection, linear regression and a fixed-depth
// quad-tree.
package geom

import (
	"errors"
	"math"
)

var (
	// ErrEmptyInput is returned when a computation needs at least one sample.
	ErrEmptyInput = errors.New("geom: empty input")
	// ErrZeroWeight is returned when the weights of a weighted statistic sum to zero.
	ErrZeroWeight = errors.New("geom: weights sum to zero")
	// ErrDegenerateFit is returned when a regression has no spread in x.
	ErrDegenerateFit = errors.New("geom: degenerate fit")
	// ErrOutOfBounds is returned when a point lies outside a quad-tree's root bounds.
	ErrOutOfBounds = errors.New("geom: point outside bounds")
)

// Point is a 2D point in pixel or tangent-plane coordinates.
type Point struct {
	X, Y float64
}

// Add returns p+q.
func (p Point) Add(q Point) Point { return Point{p.X + q.X, p.Y + q.Y} }

// Sub returns p-q.
func (p Point) Sub(q Point) Point { return Point{p.X - q.X, p.Y - q.Y} }

// Scale returns p*f.
func (p Point) Scale(f float64) Point { return Point{p.X * f, p.Y * f} }

// Dist returns the Euclidean distance between p and q.
func (p Point) Dist(q Point) float64 { return math.Hypot(p.X-q.X, p.Y-q.Y) }

// PixelSample is a single pixel of a detection with its background-relative value.
type PixelSample struct {
	X, Y  int
	Value float64
}

// Rect is an axis-aligned rectangle with inclusive minimum and exclusive
// maximum edges. Degenerate rectangles (zero width or height) are allowed.
type Rect struct {
	MinX, MinY float64
	MaxX, MaxY float64
}

// RectAround returns the square of half-size r centred on p.
func RectAround(p Point, r float64) Rect {
	return Rect{MinX: p.X - r, MinY: p.Y - r, MaxX: p.X + r, MaxY: p.Y + r}
}

// Width returns the extent along X.
func (r Rect) Width() float64 { return r.MaxX - r.MinX }

// Height returns the extent along Y.
func (r Rect) Height() float64 { return r.MaxY - r.MinY }

// Center returns the midpoint of the rectangle.
func (r Rect) Center() Point {
	return Point{(r.MinX + r.MaxX) / 2, (r.MinY + r.MaxY) / 2}
}

// Contains reports whether p lies inside r. The maximum edges are included
// so that a point on the far border of a quad-tree root still fits.
func (r Rect) Contains(p Point) bool {
	return p.X >= r.MinX && p.X <= r.MaxX && p.Y >= r.MinY && p.Y <= r.MaxY
}

// Intersects reports whether r and o overlap (touching edges count).
func (r Rect) Intersects(o Rect) bool {
	return r.MinX <= o.MaxX && o.MinX <= r.MaxX && r.MinY <= o.MaxY && o.MinY <= r.MaxY
}

// Extend grows r to include p.
func (r Rect) Extend(p Point) Rect {
	return Rect{
		MinX: math.Min(r.MinX, p.X),
		MinY: math.Min(r.MinY, p.Y),
		MaxX: math.Max(r.MaxX, p.X),
		MaxY: math.Max(r.MaxY, p.Y),
	}
}

// Pad grows r by d on each side.
func (r Rect) Pad(d float64) Rect {
	return Rect{MinX: r.MinX - d, MinY: r.MinY - d, MaxX: r.MaxX + d, MaxY: r.MaxY + d}
}

// BoundsOf returns the bounding rectangle of pts; ok is false for empty input.
func BoundsOf(pts []Point) (r Rect, ok bool) {
	if len(pts) == 0 {
		return Rect{}, false
	}
	r = Rect{MinX: pts[0].X, MinY: pts[0].Y, MaxX: pts[0].X, MaxY: pts[0].Y}
	for _, p := range pts[1:] {
		r = r.Extend(p)
	}
	return r, true
}
