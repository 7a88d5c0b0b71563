package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/skytrack/internal/astro/debug"
	"github.com/banshee-data/skytrack/internal/astro/geom"
	"github.com/banshee-data/skytrack/internal/astro/imaging"
	"github.com/banshee-data/skytrack/internal/config"
	"github.com/banshee-data/skytrack/internal/testutil"
	"github.com/banshee-data/skytrack/internal/timeutil"
)

var (
	sceneStars = []geom.Point{{X: 30, Y: 90}, {X: 120, Y: 30}, {X: 80, Y: 70}}
	sceneMover = testutil.Mover{Start: geom.Point{X: 20, Y: 20}, Velocity: geom.Point{X: 12, Y: 4}, Peak: 80, Sigma: 1.2}
)

func scene(t *testing.T) []imaging.Store {
	t.Helper()
	fspec := testutil.FrameSpec{Width: 160, Height: 120, Background: 100, Noise: 1, Seed: 11}
	seq := testutil.Sequence(t, 5, fspec, time.Minute, sceneStars, []testutil.Mover{sceneMover})
	out := make([]imaging.Store, len(seq))
	for i, f := range seq {
		out[i] = f
	}
	return out
}

func TestRun_FindsMover(t *testing.T) {
	t.Parallel()
	c := debug.NewCollector()
	c.SetEnabled(true)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(start)
	clock.SetStep(time.Second)

	res, err := Run(context.Background(), scene(t), Options{Collector: c, Clock: clock})
	require.NoError(t, err)

	s := res.Summary
	assert.NotEmpty(t, s.RunID)
	assert.Equal(t, 5, s.Frames)
	assert.Equal(t, len(sceneStars), s.Stars)
	assert.GreaterOrEqual(t, s.Dots, 5)
	assert.Equal(t, config.StrategyLine, s.Strategy)
	assert.True(t, s.StartedAt.Equal(start))
	assert.Equal(t, time.Second, s.Duration())
	assert.Contains(t, s.String(), s.RunID)

	require.Len(t, res.Tracklets, 1)
	tr := res.Tracklets[0]
	assert.Len(t, tr.Present(), 5)
	assert.InDelta(t, 12.0/60, tr.VelocityPixel.X, 0.01)
	assert.InDelta(t, 4.0/60, tr.VelocityPixel.Y, 0.01)
	assert.Len(t, res.Frames, 5)

	run := c.Emit()
	require.NotNil(t, run)
	assert.Equal(t, s.RunID, run.RunID)
}

func TestRun_WithoutMedian(t *testing.T) {
	t.Parallel()
	off := false
	res, err := Run(context.Background(), scene(t), Options{Tuning: &config.TuningConfig{MedianSubtract: &off}})
	require.NoError(t, err)

	assert.Zero(t, res.Summary.Stars)
	assert.Empty(t, res.Stars)
	// Without a lower speed bound every star links into a stationary tracklet.
	assert.Len(t, res.Tracklets, 1+len(sceneStars))
}

func TestRun_NoFrames(t *testing.T) {
	t.Parallel()
	_, err := Run(context.Background(), nil, Options{})
	assert.ErrorIs(t, err, ErrNoFrames)
}

func TestRun_Cancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, scene(t), Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_UnknownStrategy(t *testing.T) {
	t.Parallel()
	bad := "kalman"
	_, err := Run(context.Background(), scene(t), Options{Tuning: &config.TuningConfig{PairStrategy: &bad}})
	assert.Error(t, err)
}
