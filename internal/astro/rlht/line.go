// Package rlht implements the run-length Hough transform used to find
// streaks: a rolling-average line score evaluated over polar line
// parameters, and an adaptive skip scan over the whole (ρ, θ) plane.
//
// Lines are expressed relative to the tile centre c = (W/2, H/2): a line
// (ρ, θ) is the set of points p with (p-c)·(cos θ, sin θ) = ρ, θ in [0, π).
// Its direction is (-sin θ, cos θ).
package rlht

import "math"

// Line is a polar line relative to a tile centre.
type Line struct {
	Rho, Theta float64
}

// Segment is the part of a line inside a tile, parameterised by distance
// along the line direction from the foot of the normal.
type Segment struct {
	OX, OY float64 // foot of the normal, tile coordinates
	DX, DY float64 // unit direction
	T0, T1 float64
}

// Length returns the segment length in pixels.
func (s Segment) Length() float64 { return s.T1 - s.T0 }

// At returns the point at parameter t.
func (s Segment) At(t float64) (x, y float64) { return s.OX + t*s.DX, s.OY + t*s.DY }

// Diagonal returns the integer diagonal of a w×h tile, which bounds the
// number of ρ cells.
func Diagonal(w, h int) int { return int(math.Ceil(math.Hypot(float64(w), float64(h)))) }

// Clip intersects l with the pixel-centre rectangle [0, w-1]×[0, h-1]
// using Liang-Barsky. ok is false when the line misses the tile.
func Clip(w, h int, l Line) (s Segment, ok bool) {
	sn, cs := math.Sincos(l.Theta)
	cx, cy := float64(w)/2, float64(h)/2
	s = Segment{
		OX: cx + l.Rho*cs,
		OY: cy + l.Rho*sn,
		DX: -sn,
		DY: cs,
	}
	t0, t1 := math.Inf(-1), math.Inf(1)
	clipAxis := func(o, d, lo, hi float64) bool {
		if math.Abs(d) < 1e-12 {
			return o >= lo && o <= hi
		}
		a, b := (lo-o)/d, (hi-o)/d
		if a > b {
			a, b = b, a
		}
		t0, t1 = math.Max(t0, a), math.Min(t1, b)
		return t0 <= t1
	}
	if !clipAxis(s.OX, s.DX, 0, float64(w-1)) || !clipAxis(s.OY, s.DY, 0, float64(h-1)) {
		return Segment{}, false
	}
	s.T0, s.T1 = t0, t1
	return s, true
}

// SampleCount returns the number of samples Walk visits with the given step.
func (s Segment) SampleCount(step float64) int {
	if step <= 0 {
		step = 1
	}
	return int(math.Floor(s.Length()/step)) + 1
}

// Walk visits the pixels along s every step pixels, rounding to the
// nearest pixel. Returning false from fn stops the walk.
func (s Segment) Walk(w, h int, step float64, fn func(x, y int) bool) {
	if step <= 0 {
		step = 1
	}
	n := s.SampleCount(step)
	for i := 0; i < n; i++ {
		fx, fy := s.At(s.T0 + float64(i)*step)
		x, y := int(math.Round(fx)), int(math.Round(fy))
		// Rounding at the clip boundary can step half a pixel outside.
		x = min(max(x, 0), w-1)
		y = min(max(y, 0), h-1)
		if !fn(x, y) {
			return
		}
	}
}

// WalkLine clips l to a w×h tile and walks it. It returns the number of
// samples visited, 0 when the line misses the tile.
func WalkLine(w, h int, l Line, step float64, fn func(x, y int) bool) int {
	s, ok := Clip(w, h, l)
	if !ok {
		return 0
	}
	visited := 0
	s.Walk(w, h, step, func(x, y int) bool {
		visited++
		return fn(x, y)
	})
	return visited
}
