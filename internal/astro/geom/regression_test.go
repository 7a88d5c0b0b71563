package geom

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFit_ExactLine(t *testing.T) {
	t.Parallel()
	x := []float64{0, 1, 2, 3, 4}
	y := []float64{1, 3, 5, 7, 9}
	f, err := Fit(x, y)
	require.NoError(t, err)
	assert.InDelta(t, 2, f.Slope, 1e-12)
	assert.InDelta(t, 1, f.Intercept, 1e-12)
	assert.InDelta(t, 1, f.R, 1e-12)
	assert.InDelta(t, 0, f.SSR, 1e-18)
	assert.Equal(t, 5, f.N)
	assert.InDelta(t, 21, f.At(10), 1e-12)
}

func TestFit_NegativeCorrelation(t *testing.T) {
	t.Parallel()
	f, err := Fit([]float64{0, 1, 2, 3}, []float64{3, 2.1, 0.9, 0})
	require.NoError(t, err)
	assert.Less(t, f.Slope, 0.0)
	assert.Less(t, f.R, -0.99)
	assert.Greater(t, f.SSR, 0.0)
	assert.InDelta(t, math.Sqrt(f.SSR/4), f.RMS(), 1e-15)
}

func TestFit_ConstantY(t *testing.T) {
	t.Parallel()
	f, err := Fit([]float64{1, 2, 3}, []float64{5, 5, 5})
	require.NoError(t, err)
	assert.InDelta(t, 0, f.Slope, 1e-12)
	assert.InDelta(t, 5, f.Intercept, 1e-12)
	assert.Equal(t, 1.0, f.R)
}

func TestFit_Degenerate(t *testing.T) {
	t.Parallel()
	_, err := Fit([]float64{1}, []float64{2})
	assert.ErrorIs(t, err, ErrDegenerateFit)

	_, err = Fit([]float64{2, 2, 2}, []float64{1, 2, 3})
	assert.ErrorIs(t, err, ErrDegenerateFit)

	_, err = Fit([]float64{1, 2}, []float64{1})
	assert.Error(t, err)
}

func TestFitPoints(t *testing.T) {
	t.Parallel()
	f, err := FitPoints([]Point{{0, 0}, {2, 1}, {4, 2}})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, f.Slope, 1e-12)
	assert.InDelta(t, 0, f.Intercept, 1e-12)
}

func TestLineFitR(t *testing.T) {
	t.Parallel()
	steep := []Point{{0, 0}, {0.1, 1}, {0.2, 2}, {0.3, 3}}
	assert.InDelta(t, 1, LineFitR(steep), 1e-12)

	exactVertical := []Point{{3, 0}, {3, 1}, {3, 2}}
	assert.Equal(t, 1.0, LineFitR(exactVertical))

	scatter := []Point{{0, 0}, {1, 1}, {0, 1}, {1, 0}}
	assert.InDelta(t, 0, LineFitR(scatter), 1e-12)

	assert.Equal(t, 0.0, LineFitR([]Point{{1, 1}}))
	assert.Equal(t, 1.0, LineFitR([]Point{{1, 1}, {1, 1}}))
}
