package sqlite

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/skytrack/internal/astro/geom"
	"github.com/banshee-data/skytrack/internal/astro/imaging"
	"github.com/banshee-data/skytrack/internal/astro/pipeline"
	"github.com/banshee-data/skytrack/internal/testutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// runScene runs the pipeline over five frames with three stars and one
// mover.
func runScene(t *testing.T) *pipeline.Result {
	t.Helper()
	fspec := testutil.FrameSpec{Width: 160, Height: 120, Background: 100, Noise: 1, Seed: 11}
	stars := []geom.Point{{X: 30, Y: 90}, {X: 120, Y: 30}, {X: 80, Y: 70}}
	mover := testutil.Mover{Start: geom.Point{X: 20, Y: 20}, Velocity: geom.Point{X: 12, Y: 4}, Peak: 80, Sigma: 1.2}
	seq := testutil.Sequence(t, 5, fspec, time.Minute, stars, []testutil.Mover{mover})
	frames := make([]imaging.Store, len(seq))
	for i, f := range seq {
		frames[i] = f
	}
	res, err := pipeline.Run(context.Background(), frames, pipeline.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, res.Tracklets)
	return res
}

func TestOpen_Migrates(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	for _, table := range []string{"runs", "stars", "detections", "tracklets", "tracklet_detections"} {
		var n int
		require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n))
		assert.Equal(t, 1, n, table)
	}

	var fk int
	require.NoError(t, s.DB().QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestMigrateDownUp(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.MigrateDown())
	version, _, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Zero(t, version)

	require.NoError(t, s.MigrateUp())
	require.NoError(t, s.MigrateUp(), "no change is not an error")
	version, _, err = s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}

func TestSaveRun_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	res := runScene(t)
	require.NoError(t, s.SaveRun(ctx, res))

	got, err := s.LatestRun(ctx)
	require.NoError(t, err)
	want := res.Summary
	assert.Equal(t, want.RunID, got.RunID)
	assert.Equal(t, want.Strategy, got.Strategy)
	assert.Equal(t, want.Frames, got.Frames)
	assert.Equal(t, want.Tracklets, got.Tracklets)
	assert.True(t, want.StartedAt.Equal(got.StartedAt))
	assert.True(t, want.FinishedAt.Equal(got.FinishedAt))

	var stars int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM stars WHERE run_id = ?`, want.RunID).Scan(&stars))
	assert.Equal(t, len(res.Stars), stars)

	dets, err := s.ListDetections(ctx, want.RunID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(dets), len(res.Detections))
	for i := 1; i < len(dets); i++ {
		assert.False(t, dets[i].Mid.Before(dets[i-1].Mid), "detections in time order")
	}

	tracklets, err := s.ListTracklets(ctx, want.RunID)
	require.NoError(t, err)
	require.Len(t, tracklets, len(res.Tracklets))
	for i, tr := range tracklets {
		src := res.Tracklets[i]
		assert.Equal(t, src.ID, tr.TrackletID)
		assert.Equal(t, len(src.Present()), tr.Epochs)
		assert.InDelta(t, src.VelocityPixel.X, tr.VXPixel, 1e-12)

		members, err := s.TrackletDetections(ctx, tr.TrackletID)
		require.NoError(t, err)
		require.Len(t, members, tr.Epochs)
		for j, m := range members {
			assert.Equal(t, src.Present()[j].ID, m.DetectionID)
			assert.GreaterOrEqual(t, m.Epoch, j)
		}
	}

	chart, err := s.Chart(ctx, want.RunID)
	require.NoError(t, err)
	assert.Len(t, chart.Detections, len(dets))
	assert.Len(t, chart.Tracks, len(tracklets))
}

func TestSaveRun_DuplicateRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	res := runScene(t)
	require.NoError(t, s.SaveRun(ctx, res))

	var before int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM detections`).Scan(&before))
	assert.Error(t, s.SaveRun(ctx, res))
	var after int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM detections`).Scan(&after))
	assert.Equal(t, before, after)
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.LatestRun(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Chart(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteRun(ctx, "missing"), ErrNotFound)

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestDeleteRun_Cascades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	res := runScene(t)
	require.NoError(t, s.SaveRun(ctx, res))
	require.NoError(t, s.DeleteRun(ctx, res.Summary.RunID))

	for _, table := range []string{"stars", "detections", "tracklets", "tracklet_detections"} {
		var n int
		require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
		assert.Zero(t, n, table)
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "new"} {
		res := &pipeline.Result{Summary: pipeline.Summary{
			RunID:      id,
			Strategy:   "line",
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			FinishedAt: base.Add(time.Duration(i)*time.Hour + time.Second),
		}}
		require.NoError(t, s.SaveRun(ctx, res))
	}

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].RunID)
	assert.Equal(t, "old", runs[1].RunID)

	runs, err = s.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func serve(t *testing.T, mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := testutil.NewTestRequest(http.MethodGet, path)
	req.RemoteAddr = "127.0.0.1:4000"
	rec := testutil.NewTestRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAttachAdminRoutes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	res := runScene(t)
	require.NoError(t, s.SaveRun(ctx, res))

	mux := http.NewServeMux()
	require.NoError(t, s.AttachAdminRoutes(mux))

	t.Run("runs", func(t *testing.T) {
		rec := serve(t, mux, "/debug/runs")
		testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
		var runs []pipeline.Summary
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&runs))
		require.Len(t, runs, 1)
		assert.Equal(t, res.Summary.RunID, runs[0].RunID)

		testutil.AssertStatusCode(t, serve(t, mux, "/debug/runs?limit=x").Code, http.StatusBadRequest)
	})
	t.Run("tracklets", func(t *testing.T) {
		rec := serve(t, mux, "/debug/tracklets")
		testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
		var body struct {
			RunID     string             `json:"run_id"`
			Tracklets []trackletResponse `json:"tracklets"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, res.Summary.RunID, body.RunID)
		require.Len(t, body.Tracklets, len(res.Tracklets))
		assert.Len(t, body.Tracklets[0].Detections, body.Tracklets[0].Epochs)

		testutil.AssertStatusCode(t, serve(t, mux, "/debug/tracklets?run=missing").Code, http.StatusNotFound)
	})
	t.Run("chart", func(t *testing.T) {
		rec := serve(t, mux, "/debug/chart?run="+res.Summary.RunID)
		testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
		assert.Contains(t, rec.Body.String(), "echarts")

		png := serve(t, mux, "/debug/chart.png")
		testutil.AssertStatusCode(t, png.Code, http.StatusOK)
		assert.Equal(t, "image/png", png.Header().Get("Content-Type"))
		assert.True(t, bytes.HasPrefix(png.Body.Bytes(), []byte("\x89PNG")))
	})
	t.Run("backup", func(t *testing.T) {
		rec := serve(t, mux, "/debug/backup")
		testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
		gz, err := gzip.NewReader(rec.Body)
		require.NoError(t, err)
		data, err := io.ReadAll(gz)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(data, []byte("SQLite format 3")))
	})
	t.Run("tailsql", func(t *testing.T) {
		assert.NotEqual(t, http.StatusNotFound, serve(t, mux, "/debug/tailsql/").Code)
	})
}

func TestAttachAdminRoutes_EmptyStore(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	mux := http.NewServeMux()
	require.NoError(t, s.AttachAdminRoutes(mux))
	testutil.AssertStatusCode(t, serve(t, mux, "/debug/chart").Code, http.StatusNotFound)
}
