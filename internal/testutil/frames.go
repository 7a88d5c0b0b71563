package testutil

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/soniakeys/unit"

	"github.com/banshee-data/skytrack/internal/astro/geom"
	"github.com/banshee-data/skytrack/internal/astro/imaging"
)

// Epoch is the start time of the first synthetic frame.
var Epoch = time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)

// FieldCenter is the sky position at the centre of synthetic frames.
var FieldCenter = imaging.Equatorial{RA: unit.AngleFromDeg(150).Rad(), Dec: unit.AngleFromDeg(10).Rad()}

// Exposure is the exposure length of synthetic frames.
const Exposure = 30 * time.Second

// PixelScale is the angular size of a synthetic pixel.
var PixelScale = unit.AngleFromSec(1)

// Transform returns a north-up tangent plane centred on a w×h frame.
func Transform(w, h int) *imaging.TangentPlane {
	return imaging.NewSimpleTangentPlane(FieldCenter, geom.Point{X: float64(w) / 2, Y: float64(h) / 2}, PixelScale)
}

// NoisePixels returns a w×h background with Gaussian noise.
func NoisePixels(w, h int, background, sigma float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	pix := make([]float64, w*h)
	for i := range pix {
		pix[i] = background + rng.NormFloat64()*sigma
	}
	return pix
}

// AddGaussian adds a circular Gaussian source of the given peak centred
// at (x, y), truncated at four sigma.
func AddGaussian(pix []float64, w, h int, x, y, peak, sigma float64) {
	r := int(math.Ceil(4 * sigma))
	cx, cy := int(math.Round(x)), int(math.Round(y))
	for py := max(cy-r, 0); py <= min(cy+r, h-1); py++ {
		for px := max(cx-r, 0); px <= min(cx+r, w-1); px++ {
			dx, dy := float64(px)-x, float64(py)-y
			pix[py*w+px] += peak * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
		}
	}
}

// DrawStreak sets a one pixel wide streak from (x0, y0) to (x1, y1) to at
// least value above its current level.
func DrawStreak(pix []float64, w, h int, x0, y0, x1, y1, value float64) {
	n := int(math.Ceil(4*math.Hypot(x1-x0, y1-y0))) + 1
	for i := 0; i < n; i++ {
		f := float64(i) / float64(max(n-1, 1))
		px := int(math.Round(x0 + f*(x1-x0)))
		py := int(math.Round(y0 + f*(y1-y0)))
		if px < 0 || py < 0 || px >= w || py >= h {
			continue
		}
		pix[py*w+px] = value
	}
}

// NewFrame wraps pix in a MemoryImage observed at at with the synthetic
// transform.
func NewFrame(tb testing.TB, id string, w, h int, pix []float64, at time.Time) *imaging.MemoryImage {
	tb.Helper()
	img, err := imaging.NewMemoryImage(id, w, h, pix, imaging.ObservationTime{Epoch: at, Exposure: Exposure}, Transform(w, h))
	if err != nil {
		tb.Fatalf("NewFrame(%s): %v", id, err)
	}
	return img
}

// FrameSpec describes the background of a synthetic sequence.
type FrameSpec struct {
	Width, Height int
	Background    float64
	Noise         float64
	Seed          int64
}

// Mover is a Gaussian source moving at constant pixel velocity.
type Mover struct {
	Start    geom.Point
	Velocity geom.Point // pixels per minute
	Peak     float64
	Sigma    float64
}

// At returns the mover position at elapsed time dt.
func (m Mover) At(dt time.Duration) geom.Point {
	return m.Start.Add(m.Velocity.Scale(dt.Minutes()))
}

// StarPeak and StarSigma shape the fixed stars of Sequence.
const (
	StarPeak  = 400
	StarSigma = 1.2
)

// Sequence returns n frames taken interval apart. Every frame carries the
// same fixed stars and each mover displaced along its velocity. Frame i is
// named "frame-<i>" and has independent noise.
func Sequence(tb testing.TB, n int, fspec FrameSpec, interval time.Duration, stars []geom.Point, movers []Mover) []*imaging.MemoryImage {
	tb.Helper()
	out := make([]*imaging.MemoryImage, n)
	for i := range out {
		pix := NoisePixels(fspec.Width, fspec.Height, fspec.Background, fspec.Noise, fspec.Seed+int64(i))
		for _, s := range stars {
			AddGaussian(pix, fspec.Width, fspec.Height, s.X, s.Y, StarPeak, StarSigma)
		}
		dt := time.Duration(i) * interval
		for _, m := range movers {
			p := m.At(dt)
			AddGaussian(pix, fspec.Width, fspec.Height, p.X, p.Y, m.Peak, m.Sigma)
		}
		out[i] = NewFrame(tb, frameID(i), fspec.Width, fspec.Height, pix, Epoch.Add(dt))
	}
	return out
}

func frameID(i int) string { return fmt.Sprintf("frame-%02d", i) }
