package pairing

import (
	"context"
	"fmt"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/soniakeys/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/skytrack/internal/astro"
	"github.com/banshee-data/skytrack/internal/astro/debug"
	"github.com/banshee-data/skytrack/internal/astro/geom"
	"github.com/banshee-data/skytrack/internal/astro/imaging"
	"github.com/banshee-data/skytrack/internal/testutil"
)

const frameSize = 128

func blankFrames(t *testing.T, n int, interval time.Duration) []*imaging.MemoryImage {
	t.Helper()
	out := make([]*imaging.MemoryImage, n)
	for i := range out {
		out[i] = testutil.NewFrame(t, fmt.Sprintf("f%d", i), frameSize, frameSize, nil,
			testutil.Epoch.Add(time.Duration(i)*interval))
	}
	return out
}

func pixelDetection(t *testing.T, img imaging.Store, kind astro.Kind, px []geom.PixelSample) *astro.Detection {
	t.Helper()
	d, err := astro.CreateDetection(img, px)
	require.NoError(t, err)
	d.Kind = kind
	return d
}

// square is a 3x3 dot centred on (x, y).
func square(t *testing.T, img imaging.Store, x, y int) *astro.Detection {
	t.Helper()
	var px []geom.PixelSample
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			px = append(px, geom.PixelSample{X: x + dx, Y: y + dy, Value: 10})
		}
	}
	return pixelDetection(t, img, astro.KindDot, px)
}

// hline is a horizontal trail from x0 to x1 inclusive.
func hline(t *testing.T, img imaging.Store, x0, x1, y int) *astro.Detection {
	t.Helper()
	var px []geom.PixelSample
	for x := x0; x <= x1; x++ {
		px = append(px, geom.PixelSample{X: x, Y: y, Value: 10})
	}
	return pixelDetection(t, img, astro.KindTrail, px)
}

func vline(t *testing.T, img imaging.Store, x, y0, y1 int) *astro.Detection {
	t.Helper()
	var px []geom.PixelSample
	for y := y0; y <= y1; y++ {
		px = append(px, geom.PixelSample{X: x, Y: y, Value: 10})
	}
	return pixelDetection(t, img, astro.KindTrail, px)
}

// moverScene is four frames one minute apart with one dot moving at
// (5, 3) px/min and one unrelated dot per frame.
func moverScene(t *testing.T) (mover, noise []*astro.Detection) {
	t.Helper()
	frames := blankFrames(t, 4, time.Minute)
	distractors := [][2]int{{100, 10}, {60, 100}, {110, 70}, {15, 110}}
	for i, f := range frames {
		mover = append(mover, square(t, f, 20+5*i, 30+3*i))
		noise = append(noise, square(t, f, distractors[i][0], distractors[i][1]))
	}
	return mover, noise
}

func ids(ds []*astro.Detection) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.ID)
	}
	slices.Sort(out)
	return out
}

func enabledCollector() *debug.Collector {
	c := debug.NewCollector()
	c.SetEnabled(true)
	c.BeginRun("test")
	return c
}

func TestLinePoolSimple_FourFrameMover(t *testing.T) {
	t.Parallel()
	mover, noise := moverScene(t)

	l := NewLinePoolSimple(DefaultConfig())
	require.NoError(t, l.LoadDetections(append(slices.Clone(mover), noise...)))
	require.NoError(t, l.GeneratePool())
	require.Len(t, l.Epochs(), 4)

	ts, err := l.FindTracklets(context.Background())
	require.NoError(t, err)
	require.Len(t, ts, 1)

	tr := ts[0]
	assert.Equal(t, ids(mover), ids(tr.Present()))
	assert.InDelta(t, 5.0/60, tr.VelocityPixel.X, 1e-9)
	assert.InDelta(t, 3.0/60, tr.VelocityPixel.Y, 1e-9)
	assert.InDelta(t, math.Sqrt(34), tr.AngularSpeed().Sec()*60, 0.05)
	for _, d := range mover {
		assert.True(t, d.Paired)
	}
	for _, d := range noise {
		assert.False(t, d.Paired)
	}
}

func TestLinePoolSimple_InsertionOrder(t *testing.T) {
	t.Parallel()
	mover, noise := moverScene(t)
	all := append(slices.Clone(mover), noise...)
	slices.Reverse(all)

	l := NewLinePoolSimple(DefaultConfig())
	require.NoError(t, l.LoadDetections(all))
	require.NoError(t, l.GeneratePool())
	ts, err := l.FindTracklets(context.Background())
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, ids(mover), ids(ts[0].Present()))
}

func TestLinePoolSimple_TwoEpochsNoTracklet(t *testing.T) {
	t.Parallel()
	mover, _ := moverScene(t)
	c := enabledCollector()

	l := NewLinePoolSimple(DefaultConfig())
	l.SetCollector(c)
	require.NoError(t, l.LoadDetections(mover[:2]))
	require.NoError(t, l.GeneratePool())
	ts, err := l.FindTracklets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ts)
	assert.NotEmpty(t, c.Emit().Rejections(debug.StageEpochs))
}

func TestLinePoolSimple_Cancelled(t *testing.T) {
	t.Parallel()
	mover, _ := moverScene(t)
	l := NewLinePoolSimple(DefaultConfig())
	require.NoError(t, l.LoadDetections(mover))
	require.NoError(t, l.GeneratePool())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.FindTracklets(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPool_Lifecycle(t *testing.T) {
	t.Parallel()
	mover, _ := moverScene(t)
	p := NewPool(DefaultConfig())

	_, err := p.Query(mover[0].BarycenterEq, unit.AngleFromSec(10), 0)
	assert.ErrorIs(t, err, ErrPoolNotGenerated)
	_, err = NewLinePoolSimple(DefaultConfig()).FindTracklets(context.Background())
	assert.ErrorIs(t, err, ErrPoolNotGenerated)

	require.NoError(t, p.LoadDetections(mover[:2]))
	require.NoError(t, p.LoadDetections(mover[2:]))
	require.NoError(t, p.GeneratePool())
	assert.ErrorIs(t, p.LoadDetections(mover), ErrPoolFrozen)
	assert.ErrorIs(t, p.GeneratePool(), ErrPoolFrozen)
	assert.Len(t, p.Detections(), 4)

	got, err := p.Query(mover[2].BarycenterEq, unit.AngleFromSec(1), 2)
	require.NoError(t, err)
	assert.Equal(t, []*astro.Detection{mover[2]}, got)
	got, err = p.Query(mover[2].BarycenterEq, unit.AngleFromSec(1), 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPool_EpochTolerance(t *testing.T) {
	t.Parallel()
	a := testutil.NewFrame(t, "a", 64, 64, nil, testutil.Epoch)
	b := testutil.NewFrame(t, "b", 64, 64, nil, testutil.Epoch.Add(50*time.Millisecond))
	c := testutil.NewFrame(t, "c", 64, 64, nil, testutil.Epoch.Add(time.Minute))

	p := NewPool(DefaultConfig())
	da, db, dc := square(t, a, 10, 10), square(t, b, 30, 30), square(t, c, 12, 11)
	require.NoError(t, p.LoadDetections([]*astro.Detection{dc, db, da}))
	require.NoError(t, p.GeneratePool())

	assert.Len(t, p.Epochs(), 2)
	assert.Equal(t, 0, p.Epoch(da))
	assert.Equal(t, 0, p.Epoch(db))
	assert.Equal(t, 1, p.Epoch(dc))
	assert.Equal(t, -1, p.Epoch(square(t, a, 1, 1)))
}

func TestPool_EmptyGenerate(t *testing.T) {
	t.Parallel()
	l := NewLinePoolSimple(DefaultConfig())
	require.NoError(t, l.LoadDetections(nil))
	require.NoError(t, l.GeneratePool())
	ts, err := l.FindTracklets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ts)
}

func TestVerifyPair(t *testing.T) {
	t.Parallel()
	frames := blankFrames(t, 2, time.Minute)
	p := NewPool(DefaultConfig())
	c := enabledCollector()
	p.SetCollector(c)

	a := square(t, frames[0], 10, 10)
	assert.True(t, p.VerifyPair(a, square(t, frames[1], 25, 10)))
	assert.False(t, p.VerifyPair(a, square(t, frames[0], 20, 10)), "same epoch")
	assert.False(t, p.VerifyPair(a, square(t, frames[1], 110, 10)), "100 px/min")

	reasons := map[string]bool{}
	for _, d := range c.Emit().Rejections(debug.StageVerifyPair) {
		reasons[d.Reason] = true
	}
	assert.Equal(t, map[string]bool{"same epoch": true, "too fast": true}, reasons)
}

func TestVerifyPair_FootprintTooSmall(t *testing.T) {
	t.Parallel()
	// 50"/min over a 30 s exposure smears a real mover to 25 px; a pair of
	// single pixels moving that fast is noise.
	frames := blankFrames(t, 2, time.Minute)
	p := NewPool(DefaultConfig())
	a := pixelDetection(t, frames[0], astro.KindDot, []geom.PixelSample{{X: 10, Y: 60, Value: 5}})
	b := pixelDetection(t, frames[1], astro.KindDot, []geom.PixelSample{{X: 60, Y: 60, Value: 5}})
	assert.False(t, p.VerifyPair(a, b))
}

func TestLine3Way(t *testing.T) {
	t.Parallel()
	frames := blankFrames(t, 3, time.Minute)
	p := NewPool(DefaultConfig())
	a, b := square(t, frames[0], 10, 10), square(t, frames[1], 20, 15)

	assert.True(t, p.Line3Way(a, b, square(t, frames[2], 30, 20)))
	assert.False(t, p.Line3Way(a, b, square(t, frames[2], 30, 30)))
}

func TestPoolMDMerger_RejectsStationaryDots(t *testing.T) {
	t.Parallel()
	frames := blankFrames(t, 4, time.Minute)
	var star []*astro.Detection
	for _, f := range frames {
		star = append(star, square(t, f, 64, 64))
	}

	l := NewLinePoolSimple(DefaultConfig())
	require.NoError(t, l.LoadDetections(star))
	require.NoError(t, l.GeneratePool())
	ts, err := l.FindTracklets(context.Background())
	require.NoError(t, err)
	assert.Len(t, ts, 1, "the simple strategy has no lower speed bound")

	for _, d := range star {
		d.Paired = false
	}
	m := NewPoolMDMerger(DefaultConfig())
	require.NoError(t, m.LoadDetections(star))
	require.NoError(t, m.GeneratePool())
	ts, err = m.FindTracklets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ts)
}

func TestPoolMDMerger_Dots(t *testing.T) {
	t.Parallel()
	mover, noise := moverScene(t)
	m := NewPoolMDMerger(DefaultConfig())
	require.NoError(t, m.LoadDetections(append(slices.Clone(noise), mover...)))
	require.NoError(t, m.GeneratePool())
	ts, err := m.FindTracklets(context.Background())
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, ids(mover), ids(ts[0].Present()))
}

func TestPoolMDMerger_Trails(t *testing.T) {
	t.Parallel()
	frames := blankFrames(t, 3, time.Minute)
	var trail []*astro.Detection
	for i, f := range frames {
		trail = append(trail, hline(t, f, 10+40*i, 29+40*i, 50))
	}
	// A dot on the trail's path must not join a trail hypothesis.
	dot := square(t, frames[2], 99, 50)

	m := NewPoolMDMerger(DefaultConfig())
	require.NoError(t, m.LoadDetections(append(slices.Clone(trail), dot)))
	require.NoError(t, m.GeneratePool())
	ts, err := m.FindTracklets(context.Background())
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, ids(trail), ids(ts[0].Present()))
	assert.False(t, dot.Paired)
	assert.InDelta(t, 40.0/60, ts[0].VelocityPixel.X, 1e-9)
}

func TestPairPossible(t *testing.T) {
	t.Parallel()
	frames := blankFrames(t, 2, time.Minute)
	p := NewPool(DefaultConfig())
	c := enabledCollector()
	p.SetCollector(c)
	a := hline(t, frames[0], 10, 29, 50)

	tests := []struct {
		name   string
		b      *astro.Detection
		want   bool
		reason string
	}{
		{"along axis", hline(t, frames[1], 50, 69, 50), true, ""},
		{"rotated", vline(t, frames[1], 60, 40, 59), false, "orientation"},
		{"short", hline(t, frames[1], 50, 54, 50), false, "length"},
		{"sideways", hline(t, frames[1], 10, 29, 90), false, "motion off axis"},
		{"dot", square(t, frames[1], 60, 50), false, "not a trail pair"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.PairPossible(a, tt.b), tt.name)
	}

	var got []string
	for _, d := range c.Emit().Rejections(debug.StagePairPossible) {
		got = append(got, d.Reason)
	}
	assert.ElementsMatch(t, []string{"orientation", "length", "motion off axis", "not a trail pair"}, got)
}

func TestNewFinder(t *testing.T) {
	t.Parallel()
	f, err := NewFinder(StrategyLine, DefaultConfig())
	require.NoError(t, err)
	assert.IsType(t, &LinePoolSimple{}, f)

	f, err = NewFinder(StrategyMerger, DefaultConfig())
	require.NoError(t, err)
	assert.IsType(t, &PoolMDMerger{}, f)

	_, err = NewFinder("kalman", DefaultConfig())
	assert.Error(t, err)
}
