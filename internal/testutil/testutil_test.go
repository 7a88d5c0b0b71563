package testutil

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/skytrack/internal/astro/geom"
)

// recordingTB captures Errorf calls instead of failing the test.
type recordingTB struct {
	testing.TB
	errors []string
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Errorf(format string, args ...any) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func TestAssertStatusCode(t *testing.T) {
	t.Parallel()

	rec := &recordingTB{}
	AssertStatusCode(rec, http.StatusOK, http.StatusOK)
	assert.Empty(t, rec.errors)

	AssertStatusCode(rec, http.StatusOK, http.StatusBadRequest)
	require.Len(t, rec.errors, 1)
	assert.Equal(t, "status code = 200, want 400", rec.errors[0])
}

func TestNewTestRequest(t *testing.T) {
	t.Parallel()
	req := NewTestRequest(http.MethodPost, "/debug/tracklets")
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/debug/tracklets", req.URL.Path)

	w := NewTestRecorder()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, w.Body.Len())
}

func TestAddGaussian(t *testing.T) {
	t.Parallel()
	w, h := 16, 16
	pix := make([]float64, w*h)
	AddGaussian(pix, w, h, 8, 8, 100, 1)
	assert.InDelta(t, 100, pix[8*w+8], 1e-12)
	assert.InDelta(t, 100*0.6065306597, pix[8*w+9], 1e-6)
	assert.Zero(t, pix[0])

	// Sources near the edge are clipped, not wrapped.
	AddGaussian(pix, w, h, 0, 0, 50, 1)
	assert.InDelta(t, 50, pix[0], 1e-12)
	assert.Less(t, pix[w-1], 1e-6)
}

func TestDrawStreak(t *testing.T) {
	t.Parallel()
	w, h := 10, 5
	pix := make([]float64, w*h)
	DrawStreak(pix, w, h, 1, 2, 8, 2, 7)
	for x := 1; x <= 8; x++ {
		assert.Equal(t, 7.0, pix[2*w+x], "x=%d", x)
	}
	assert.Zero(t, pix[2*w])
	assert.Zero(t, pix[2*w+9])
	DrawStreak(pix, w, h, -5, 0, 20, 0, 1)
	assert.Equal(t, 1.0, pix[0])
}

func TestSequence(t *testing.T) {
	t.Parallel()
	fspec := FrameSpec{Width: 40, Height: 30, Background: 100, Noise: 0, Seed: 1}
	m := Mover{Start: geom.Point{X: 10, Y: 10}, Velocity: geom.Point{X: 2, Y: 1}, Peak: 50, Sigma: 1}
	frames := Sequence(t, 3, fspec, 2*time.Minute, []geom.Point{{X: 30, Y: 20}}, []Mover{m})
	require.Len(t, frames, 3)

	for i, f := range frames {
		assert.Equal(t, Epoch.Add(time.Duration(i)*2*time.Minute), f.Time().Epoch)
		assert.Equal(t, Exposure, f.Time().Exposure)
		assert.InDelta(t, 100+StarPeak, f.At(30, 20), 1e-9)
		p := m.At(time.Duration(i) * 2 * time.Minute)
		assert.InDelta(t, 150, f.At(int(p.X), int(p.Y)), 1e-9)
	}
	assert.Equal(t, "frame-02", frames[2].ID())
	assert.Equal(t, geom.Point{X: 14, Y: 12}, m.At(2*time.Minute))
}

func TestTransformCentre(t *testing.T) {
	t.Parallel()
	tr := Transform(40, 30)
	eq := tr.PixelToEquatorial(geom.Point{X: 20, Y: 15})
	assert.InDelta(t, FieldCenter.RA, eq.RA, 1e-12)
	assert.InDelta(t, FieldCenter.Dec, eq.Dec, 1e-12)
	assert.InEpsilon(t, PixelScale.Rad(), tr.LocalScale(geom.Point{X: 20, Y: 15}), 1e-6)
}
