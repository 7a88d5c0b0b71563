package detect

import (
	"context"
	"fmt"

	"github.com/banshee-data/skytrack/internal/astro"
	"github.com/banshee-data/skytrack/internal/astro/geom"
	"github.com/banshee-data/skytrack/internal/astro/imaging"
)

// FindStars runs dot detection on a median image and returns the fixed
// sources found there. Each star's radius is its flux-weighted semi-major
// axis plus extraRadius pixels.
func FindStars(ctx context.Context, dd *DotDetector, median imaging.Store, extraRadius float64) ([]astro.Star, error) {
	dets, err := dd.Detect(ctx, median)
	if err != nil {
		return nil, fmt.Errorf("detect: stars: %w", err)
	}
	stars := make([]astro.Star, 0, len(dets))
	for _, d := range dets {
		shape := d.Shape
		if d.FluxShape != nil {
			shape = *d.FluxShape
		}
		stars = append(stars, astro.Star{
			Eq:     d.BarycenterEq,
			Pixel:  d.Barycenter,
			Radius: shape.SemiMajor + extraRadius,
			Shape:  shape,
			Flux:   d.Flux,
		})
	}
	diagf("stars on %s: %d", median.ID(), len(stars))
	return stars, nil
}

// StarMask indexes stars by pixel position.
type StarMask struct {
	tree      *geom.QuadTree[astro.Star]
	maxRadius float64
}

// starMaskDepth bounds the quad-tree depth of a StarMask.
const starMaskDepth = 6

// NewStarMask indexes stars over the given image bounds.
func NewStarMask(bounds geom.Rect, stars []astro.Star) *StarMask {
	m := &StarMask{tree: geom.NewQuadTree[astro.Star](bounds, starMaskDepth)}
	for _, s := range stars {
		if err := m.tree.Insert(s.Pixel, s); err != nil {
			tracef("star mask: skipping star at (%.1f,%.1f): %v", s.Pixel.X, s.Pixel.Y, err)
			continue
		}
		m.maxRadius = max(m.maxRadius, s.Radius)
	}
	return m
}

// Len returns the number of indexed stars.
func (m *StarMask) Len() int { return m.tree.Len() }

// Polluted reports whether a disc of radius r at p touches any star disc.
func (m *StarMask) Polluted(p geom.Point, r float64) bool {
	for _, e := range m.tree.QueryRadius(p, r+m.maxRadius) {
		if p.Dist(e.Point) <= r+e.Value.Radius {
			return true
		}
	}
	return false
}

// FlagStarPollution marks the detections that overlap a star and returns
// how many were flagged.
func FlagStarPollution(ds []*astro.Detection, m *StarMask) int {
	n := 0
	for _, d := range ds {
		if m.Polluted(d.Barycenter, d.Shape.SemiMajor) {
			d.StarPolluted = true
			n++
		}
	}
	return n
}
