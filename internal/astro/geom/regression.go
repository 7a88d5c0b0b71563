package geom

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// LinearFit is an ordinary least-squares fit y = Intercept + Slope*x.
type LinearFit struct {
	Slope     float64
	Intercept float64
	// R is the Pearson correlation coefficient of the samples. A set with
	// no spread in y lies exactly on the fitted line and reports 1.
	R float64
	// SSR is the sum of squared residuals of the fit.
	SSR float64
	N   int
}

// Fit regresses y on x.
func Fit(x, y []float64) (LinearFit, error) {
	if len(x) != len(y) {
		return LinearFit{}, fmt.Errorf("geom: regression over %d x and %d y samples", len(x), len(y))
	}
	if len(x) < 2 {
		return LinearFit{}, fmt.Errorf("%w: %d samples", ErrDegenerateFit, len(x))
	}
	_, vx := stat.MeanVariance(x, nil)
	if vx == 0 || math.IsNaN(vx) {
		return LinearFit{}, fmt.Errorf("%w: no spread in x", ErrDegenerateFit)
	}

	alpha, beta := stat.LinearRegression(x, y, nil, false)
	f := LinearFit{Slope: beta, Intercept: alpha, N: len(x)}
	for i := range x {
		r := y[i] - f.At(x[i])
		f.SSR += r * r
	}
	if _, vy := stat.MeanVariance(y, nil); vy == 0 {
		f.R = 1
	} else {
		f.R = stat.Correlation(x, y, nil)
	}
	return f, nil
}

// FitPoints regresses Y on X over pts.
func FitPoints(pts []Point) (LinearFit, error) {
	x := make([]float64, len(pts))
	y := make([]float64, len(pts))
	for i, p := range pts {
		x[i], y[i] = p.X, p.Y
	}
	return Fit(x, y)
}

// At evaluates the fitted line at x.
func (f LinearFit) At(x float64) float64 { return f.Intercept + f.Slope*x }

// RMS returns the root-mean-square residual.
func (f LinearFit) RMS() float64 {
	if f.N == 0 {
		return 0
	}
	return math.Sqrt(f.SSR / float64(f.N))
}

// LineFitR returns the absolute Pearson R of a point set, regressing along
// whichever axis has the larger spread so that a near-vertical segment is
// not penalised for its orientation. Sets that cannot be fitted report 0,
// except a single repeated point which reports 1.
func LineFitR(pts []Point) float64 {
	if len(pts) < 2 {
		return 0
	}
	x := make([]float64, len(pts))
	y := make([]float64, len(pts))
	for i, p := range pts {
		x[i], y[i] = p.X, p.Y
	}
	_, vx := stat.MeanVariance(x, nil)
	_, vy := stat.MeanVariance(y, nil)
	if vx == 0 && vy == 0 {
		return 1
	}
	if vy > vx {
		x, y = y, x
	}
	f, err := Fit(x, y)
	if err != nil {
		return 0
	}
	return math.Abs(f.R)
}
