package imaging

import (
	"errors"
	"math"

	"github.com/soniakeys/unit"

	"github.com/banshee-data/skytrack/internal/astro/geom"
)

// TangentPlane is a gnomonic (TAN) projection with a linear pixel mapping.
// RefPixel is the zero-based pixel at Center and CD maps pixel offsets to
// intermediate world coordinates in radians.
type TangentPlane struct {
	Center   Equatorial
	RefPixel geom.Point
	CD       [2][2]float64

	inv [2][2]float64
}

var _ Transform = (*TangentPlane)(nil)

// NewTangentPlane validates the CD matrix and precomputes its inverse.
func NewTangentPlane(center Equatorial, ref geom.Point, cd [2][2]float64) (*TangentPlane, error) {
	det := cd[0][0]*cd[1][1] - cd[0][1]*cd[1][0]
	if det == 0 || math.IsNaN(det) {
		return nil, errors.New("imaging: singular CD matrix")
	}
	return &TangentPlane{
		Center:   center,
		RefPixel: ref,
		CD:       cd,
		inv: [2][2]float64{
			{cd[1][1] / det, -cd[0][1] / det},
			{-cd[1][0] / det, cd[0][0] / det},
		},
	}, nil
}

// NewSimpleTangentPlane builds a north-up, east-left projection with square
// pixels of the given angular size.
func NewSimpleTangentPlane(center Equatorial, ref geom.Point, scale unit.Angle) *TangentPlane {
	s := scale.Rad()
	tp, _ := NewTangentPlane(center, ref, [2][2]float64{{-s, 0}, {0, s}})
	return tp
}

func (t *TangentPlane) PixelToEquatorial(p geom.Point) Equatorial {
	dx, dy := p.X-t.RefPixel.X, p.Y-t.RefPixel.Y
	xi := t.CD[0][0]*dx + t.CD[0][1]*dy
	eta := t.CD[1][0]*dx + t.CD[1][1]*dy

	sd0, cd0 := math.Sincos(t.Center.Dec)
	den := cd0 - eta*sd0
	ra := t.Center.RA + math.Atan2(xi, den)
	dec := math.Atan2(sd0+eta*cd0, math.Hypot(xi, den))
	return Equatorial{RA: wrapRA(ra), Dec: dec}
}

func (t *TangentPlane) EquatorialToPixel(e Equatorial) geom.Point {
	sd0, cd0 := math.Sincos(t.Center.Dec)
	sd, cd := math.Sincos(e.Dec)
	sda, cda := math.Sincos(e.RA - t.Center.RA)
	cosc := sd0*sd + cd0*cd*cda
	xi := cd * sda / cosc
	eta := (cd0*sd - sd0*cd*cda) / cosc
	return geom.Point{
		X: t.RefPixel.X + t.inv[0][0]*xi + t.inv[0][1]*eta,
		Y: t.RefPixel.Y + t.inv[1][0]*xi + t.inv[1][1]*eta,
	}
}

// LocalScale averages the sky separation of unit steps along both pixel
// axes at p.
func (t *TangentPlane) LocalScale(p geom.Point) float64 {
	c := t.PixelToEquatorial(p)
	sx := c.Separation(t.PixelToEquatorial(geom.Point{X: p.X + 1, Y: p.Y}))
	sy := c.Separation(t.PixelToEquatorial(geom.Point{X: p.X, Y: p.Y + 1}))
	return (sx.Rad() + sy.Rad()) / 2
}

func wrapRA(ra float64) float64 {
	ra = math.Mod(ra, 2*math.Pi)
	if ra < 0 {
		ra += 2 * math.Pi
	}
	return ra
}
