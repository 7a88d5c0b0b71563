package pairing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/skytrack/internal/astro"
	"github.com/banshee-data/skytrack/internal/astro/debug"
	"github.com/banshee-data/skytrack/internal/astro/geom"
	"github.com/banshee-data/skytrack/internal/astro/imaging"
	"github.com/banshee-data/skytrack/internal/config"
	"github.com/banshee-data/skytrack/internal/testutil"
)

func tracklet(t *testing.T, ds ...*astro.Detection) *astro.Tracklet {
	t.Helper()
	perEpoch := make([][]*astro.Detection, len(ds))
	for i, d := range ds {
		perEpoch[i] = []*astro.Detection{d}
	}
	tr, err := astro.NewTrackletFactory().CreateTracklet(perEpoch)
	require.NoError(t, err)
	return tr
}

func TestDeduplicate(t *testing.T) {
	t.Parallel()
	f := blankFrames(t, 3, time.Minute)
	d0, d1, d2 := square(t, f[0], 10, 10), square(t, f[1], 20, 10), square(t, f[2], 30, 10)

	exact := tracklet(t, d0, d1, d2)
	bent := tracklet(t, d0, d1, square(t, f[2], 30, 16))
	// Same positions under different ids count as shared.
	twin := tracklet(t, square(t, f[0], 10, 10), square(t, f[1], 20, 10), d2)
	other := tracklet(t, square(t, f[0], 80, 80), square(t, f[1], 85, 80), square(t, f[2], 90, 80))

	c := enabledCollector()
	dd := NewDeduplicator(DedupConfigFromTuning(config.EmptyTuningConfig()), c)
	out := dd.Deduplicate([]*astro.Tracklet{bent, exact, twin, other})
	require.Len(t, out, 2)
	assert.Same(t, exact, out[0])
	assert.Same(t, other, out[1])
	assert.Len(t, c.Emit().Rejections(debug.StageDedup), 2)

	again := dd.Deduplicate(out)
	assert.Equal(t, out, again)
}

func TestDeduplicate_OneSharedKeepsBoth(t *testing.T) {
	t.Parallel()
	f := blankFrames(t, 3, time.Minute)
	d0 := square(t, f[0], 10, 10)
	a := tracklet(t, d0, square(t, f[1], 20, 10), square(t, f[2], 30, 10))
	b := tracklet(t, d0, square(t, f[1], 10, 20), square(t, f[2], 10, 30))

	out := NewDeduplicator(DedupConfig{Separation: 0}, nil).Deduplicate([]*astro.Tracklet{a, b})
	assert.Len(t, out, 2)
	assert.Empty(t, NewDeduplicator(DedupConfig{}, nil).Deduplicate(nil))
}

// band is a three pixel wide diagonal band for x in [x0, x1], rising
// along y = x + off or falling along y = off - x.
func band(t *testing.T, img imaging.Store, x0, x1, off int, rising bool) *astro.Detection {
	t.Helper()
	var px []geom.PixelSample
	for x := x0; x <= x1; x++ {
		y := off - x
		if rising {
			y = x + off
		}
		for d := -1; d <= 1; d++ {
			px = append(px, geom.PixelSample{X: x, Y: y + d, Value: 5})
		}
	}
	return pixelDetection(t, img, astro.KindTrail, px)
}

func TestPrePair(t *testing.T) {
	t.Parallel()
	f := blankFrames(t, 2, time.Minute)
	pp := NewPrePair(PrePairConfigFromTuning(config.EmptyTuningConfig()), nil)

	t.Run("overlap", func(t *testing.T) {
		a, b := square(t, f[0], 10, 10), square(t, f[0], 12, 10)
		out, err := pp.MatchDetections([]*astro.Detection{a, b})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Len(t, out[0].Pixels, 15)
	})
	t.Run("other image", func(t *testing.T) {
		a, b := square(t, f[0], 10, 10), square(t, f[1], 12, 10)
		out, err := pp.MatchDetections([]*astro.Detection{a, b})
		require.NoError(t, err)
		assert.Equal(t, []*astro.Detection{a, b}, out)
	})
	t.Run("collinear fragments", func(t *testing.T) {
		a, b := band(t, f[0], 5, 14, 0, true), band(t, f[0], 18, 27, 0, true)
		lone := square(t, f[0], 100, 100)
		out, err := pp.MatchDetections([]*astro.Detection{a, lone, b})
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Len(t, out[0].Pixels, 60)
		assert.Equal(t, astro.KindTrail, out[0].Kind)
		assert.Same(t, lone, out[1])
	})
	t.Run("perpendicular fragments", func(t *testing.T) {
		a, b := band(t, f[0], 5, 14, 0, true), band(t, f[0], 18, 27, 35, false)
		out, err := pp.MatchDetections([]*astro.Detection{a, b})
		require.NoError(t, err)
		assert.Len(t, out, 2)
	})
	t.Run("too far", func(t *testing.T) {
		a, b := band(t, f[0], 5, 14, 0, true), band(t, f[0], 40, 49, 0, true)
		out, err := pp.MatchDetections([]*astro.Detection{a, b})
		require.NoError(t, err)
		assert.Len(t, out, 2)
	})
	t.Run("transitive", func(t *testing.T) {
		out, err := pp.MatchDetections([]*astro.Detection{
			square(t, f[0], 50, 50), square(t, f[0], 52, 50), square(t, f[0], 54, 50),
		})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Len(t, out[0].Pixels, 21)
	})
}

func TestUnionFind(t *testing.T) {
	t.Parallel()
	u := newUnionFind(5)
	u.union(0, 1)
	u.union(3, 4)
	u.union(1, 4)
	assert.Equal(t, u.find(0), u.find(3))
	assert.NotEqual(t, u.find(0), u.find(2))
}

// recoverScene is five frames one minute apart with a fixed star at
// (70, 75) and a dot moving 10 px/min from (20, 40).
func recoverScene(t *testing.T) ([]imaging.Store, testutil.Mover) {
	t.Helper()
	mover := testutil.Mover{Start: geom.Point{X: 20, Y: 40}, Velocity: geom.Point{X: 10}, Peak: 50, Sigma: 1.2}
	fspec := testutil.FrameSpec{Width: 96, Height: 96, Background: 0, Noise: 1, Seed: 7}
	seq := testutil.Sequence(t, 5, fspec, time.Minute, []geom.Point{{X: 70, Y: 75}}, []testutil.Mover{mover})
	frames := make([]imaging.Store, len(seq))
	for i, f := range seq {
		frames[i] = f
	}
	return frames, mover
}

func skyAt(img imaging.Store, p geom.Point) imaging.Equatorial {
	return img.Transform().PixelToEquatorial(p)
}

func TestRecoverDetection(t *testing.T) {
	t.Parallel()
	frames, mover := recoverScene(t)
	ctx := context.Background()
	c := enabledCollector()
	r := NewRecoverer(DefaultRecoverConfig(), frames, c)

	at := mover.At(2 * time.Minute)
	d, ok, err := r.RecoverDetection(ctx, frames[2], skyAt(frames[2], at), nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, AlgorithmRecover, d.Algorithm)
	assert.InDelta(t, at.X, d.Barycenter.X, 0.5)
	assert.InDelta(t, at.Y, d.Barycenter.Y, 0.5)

	_, ok, err = r.RecoverDetection(ctx, frames[2], skyAt(frames[2], geom.Point{X: 70, Y: 75}), nil)
	require.NoError(t, err)
	assert.False(t, ok, "the star is on every frame")

	_, ok, err = r.RecoverDetection(ctx, frames[2], skyAt(frames[2], geom.Point{X: 80, Y: 15}), nil)
	require.NoError(t, err)
	assert.False(t, ok, "empty sky")

	faint := *d
	faint.Flux /= 10
	_, ok, err = r.RecoverDetection(ctx, frames[2], skyAt(frames[2], at), &faint)
	require.NoError(t, err)
	assert.False(t, ok, "flux mismatch")

	reasons := map[string]bool{}
	for _, dec := range c.Emit().Rejections(debug.StageRecover) {
		reasons[dec.Reason] = true
	}
	assert.Equal(t, map[string]bool{"fixed source": true, "no source": true, "flux": true}, reasons)
}

func TestRecoverDetection_DifferentShapeIsNotCrossMatch(t *testing.T) {
	t.Parallel()
	mover := testutil.Mover{Start: geom.Point{X: 20, Y: 40}, Velocity: geom.Point{X: 10}, Peak: 50, Sigma: 1.2}
	fspec := testutil.FrameSpec{Width: 96, Height: 96, Background: 0, Noise: 1, Seed: 7}
	seq := testutil.Sequence(t, 5, fspec, time.Minute, nil, []testutil.Mover{mover})
	at := mover.At(2 * time.Minute)
	frames := make([]imaging.Store, len(seq))
	for i, f := range seq {
		if i != 2 {
			// A broad bright source where the mover is on frame 2.
			testutil.AddGaussian(f.Pixels(), fspec.Width, fspec.Height, at.X, at.Y, 400, 3)
		}
		frames[i] = f
	}

	c := enabledCollector()
	r := NewRecoverer(DefaultRecoverConfig(), frames, c)
	d, ok, err := r.RecoverDetection(context.Background(), frames[2], skyAt(frames[2], at), nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, at.X, d.Barycenter.X, 0.5)
	assert.Empty(t, c.Emit().Rejections(debug.StageRecover))

	big, err := r.detectAt(context.Background(), frames[0], skyAt(frames[0], at))
	require.NoError(t, err)
	require.NotNil(t, big)
	assert.False(t, sameShape(d, big))
	assert.True(t, sameShape(d, d))
}

func TestRecoverDetection_NoTransform(t *testing.T) {
	t.Parallel()
	img, err := imaging.NewMemoryImage("bare", 16, 16, nil, imaging.ObservationTime{Epoch: testutil.Epoch}, nil)
	require.NoError(t, err)
	r := NewRecoverer(DefaultRecoverConfig(), []imaging.Store{img}, nil)
	_, _, err = r.RecoverDetection(context.Background(), img, imaging.Equatorial{}, nil)
	assert.ErrorIs(t, err, ErrNoTransform)
}

func TestRecoverTracklet(t *testing.T) {
	t.Parallel()
	frames, mover := recoverScene(t)
	ctx := context.Background()
	r := NewRecoverer(DefaultRecoverConfig(), frames, nil)

	// Seed a tracklet from frames 0, 2 and 4 only.
	perEpoch := make([][]*astro.Detection, len(frames))
	for _, i := range []int{0, 2, 4} {
		at := mover.At(time.Duration(i) * time.Minute)
		d, ok, err := r.RecoverDetection(ctx, frames[i], skyAt(frames[i], at), nil)
		require.NoError(t, err)
		require.True(t, ok, "frame %d", i)
		perEpoch[i] = []*astro.Detection{d}
	}
	seed, err := astro.NewTrackletFactory().CreateTracklet(perEpoch)
	require.NoError(t, err)
	require.Len(t, seed.Present(), 3)

	got, err := r.RecoverTracklet(ctx, seed)
	require.NoError(t, err)
	require.Len(t, got.Present(), 5)
	mid := got.Detections[1]
	require.NotNil(t, mid)
	assert.InDelta(t, 30, mid.Barycenter.X, 0.5)
	assert.InDelta(t, 40, mid.Barycenter.Y, 0.5)
	assert.InDelta(t, 10.0/60, got.VelocityPixel.X, 0.01)
}

func TestRecoverTracklet_TooFew(t *testing.T) {
	t.Parallel()
	frames, _ := recoverScene(t)
	r := NewRecoverer(DefaultRecoverConfig(), frames, nil)

	// Three dots on empty sky stand in for a false tracklet.
	var ds []*astro.Detection
	for i := range 3 {
		ds = append(ds, square(t, frames[i], 80, 10+5*i))
	}
	_, err := r.RecoverTracklet(context.Background(), tracklet(t, ds...))
	assert.ErrorIs(t, err, astro.ErrTooFewEpochs)
}

func TestDiskOffsets(t *testing.T) {
	t.Parallel()
	offs := diskOffsets(1.5)
	assert.Len(t, offs, 9)
	assert.Zero(t, offs[0].X)
	assert.Zero(t, offs[0].Y)
}
