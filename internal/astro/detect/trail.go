package detect

import (
	"cmp"
	"context"
	"fmt"
	"image"
	"slices"
	"sync"
	"time"

	"github.com/banshee-data/skytrack/internal/astro"
	"github.com/banshee-data/skytrack/internal/astro/geom"
	"github.com/banshee-data/skytrack/internal/astro/imaging"
	"github.com/banshee-data/skytrack/internal/astro/rlht"
	"github.com/banshee-data/skytrack/internal/astro/sched"
	"github.com/banshee-data/skytrack/internal/config"
)

// AlgorithmLongTrail tags detections produced by LongTrailDetector.
const AlgorithmLongTrail = "long-trail"

// TrailConfig configures LongTrailDetector. A sample on an RLHT line above
// mean+SelectMultiplier·σ seeds a fill over pixels above
// mean+DropMultiplier·σ. Runs along one line separated by at most
// MaxInterblobDistance samples are merged into one detection.
type TrailConfig struct {
	Tiling
	RLHT                       rlht.Config
	NonrepresentativeThreshold float64
	SelectMultiplier           float64
	DropMultiplier             float64
	MaxInterblobDistance       float64
	MinPixels                  int
	// DropCrowded discards a tile whose RLHT scan reports more strong
	// points than the tile diagonal.
	DropCrowded bool
}

// DefaultTrailConfig returns a TrailConfig built from the tuning defaults.
func DefaultTrailConfig() TrailConfig {
	return TrailConfigFromTuning(config.EmptyTuningConfig())
}

// TrailConfigFromTuning builds a TrailConfig from a loaded TuningConfig.
func TrailConfigFromTuning(cfg *config.TuningConfig) TrailConfig {
	return TrailConfig{
		Tiling:                     TilingFromTuning(cfg),
		RLHT:                       rlht.ConfigFromTuning(cfg),
		NonrepresentativeThreshold: cfg.GetNonrepresentativeThreshold(),
		SelectMultiplier:           cfg.GetTrailSelectMultiplier(),
		DropMultiplier:             cfg.GetTrailDropMultiplier(),
		MaxInterblobDistance:       cfg.GetTrailMaxInterblobDistance(),
		MinPixels:                  cfg.GetTrailMinPixels(),
		DropCrowded:                cfg.GetTrailDropCrowded(),
	}
}

// trailWorker is the scratch space of one scheduler worker.
type trailWorker struct {
	arena   *rlht.Arena
	fill    *BitmapFill
	samples []float64
	points  []rlht.StrongPoint
}

// LongTrailDetector finds streaks: every strong RLHT line of a tile is
// walked and the blobs it crosses are grown by flood fill.
type LongTrailDetector struct {
	cfg   TrailConfig
	sched *sched.Scheduler
}

// NewLongTrailDetector returns a detector running on s.
func NewLongTrailDetector(cfg TrailConfig, s *sched.Scheduler) *LongTrailDetector {
	return &LongTrailDetector{cfg: cfg, sched: s}
}

// Config returns the detector configuration.
func (d *LongTrailDetector) Config() TrailConfig { return d.cfg }

type trailRun struct {
	d       *LongTrailDetector
	workers []trailWorker
	mu      sync.Mutex
	out     []*astro.Detection
	dropped int
}

// Detect returns the trail detections of img in no particular order.
func (d *LongTrailDetector) Detect(ctx context.Context, img imaging.Store) ([]*astro.Detection, error) {
	start := time.Now()
	size := d.cfg.tileSize()
	run := &trailRun{d: d, workers: make([]trailWorker, d.sched.Workers())}
	arenas := rlht.NewArenas(len(run.workers), size, size)
	for i := range run.workers {
		run.workers[i].arena = arenas.Get(i)
		run.workers[i].fill = NewBitmapFill(size, size)
	}
	alg := sched.PositionExtractor[*trailRun]{Fn: trailTile, Arg: run}
	if err := d.sched.Run(ctx, alg, []imaging.Store{img}, nil, d.cfg.params()); err != nil {
		return nil, fmt.Errorf("detect: trails on %s: %w", img.ID(), err)
	}
	diagf("trails on %s: %d detections, %d crowded tiles dropped in %v", img.ID(), len(run.out), run.dropped, time.Since(start))
	return run.out, nil
}

func trailTile(t *imaging.Tile, pos sched.Position, run *trailRun) error {
	cfg := run.d.cfg
	w := &run.workers[pos.Worker]
	valid := validArea(t, pos.Image)

	var bg Background
	bg, w.samples = BackgroundStats(t.Data, t.Width, valid, cfg.NonrepresentativeThreshold, w.samples)
	if bg.N == 0 || bg.Sigma == 0 {
		return nil
	}
	lp := cfg.RLHT.Line.ForBackground(bg.Mean, bg.Sigma, cfg.RLHT.IncreasingMultiplier)
	points := rlht.SmartSkip(t.Data, t.Width, t.Height, lp, cfg.RLHT.Scan, w.arena)
	if len(points) == 0 {
		return nil
	}
	if cfg.DropCrowded && len(points) > rlht.Diagonal(t.Width, t.Height) {
		tracef("trails %s tile (%d,%d): %d strong points, dropped as crowded", pos.Image.ID(), pos.X, pos.Y, len(points))
		run.mu.Lock()
		run.dropped++
		run.mu.Unlock()
		return nil
	}

	// Strongest lines first so a streak is claimed by its best fit.
	w.points = append(w.points[:0], points...)
	slices.SortFunc(w.points, func(a, b rlht.StrongPoint) int { return cmp.Compare(b.Score, a.Score) })

	a := &LineAnalyzer{
		Fill:      w.fill,
		Pix:       t.Data,
		Width:     t.Width,
		Height:    t.Height,
		Valid:     valid,
		Zero:      bg.Mean,
		Select:    bg.Mean + cfg.SelectMultiplier*bg.Sigma,
		Drop:      bg.Mean + cfg.DropMultiplier*bg.Sigma,
		MaxGap:    cfg.MaxInterblobDistance,
		MinPixels: cfg.MinPixels,
		Step:      float64(max(cfg.RLHT.Line.LineSkip, 1)),
	}
	w.fill.Reset(t.Width, t.Height)
	var found []*astro.Detection
	for _, sp := range w.points {
		for _, px := range a.Analyze(sp.Line) {
			det, err := astro.CreateDetection(pos.Image, toImage(px, t))
			if err != nil {
				return err
			}
			if !owns(pos, det.Centroid) {
				continue
			}
			det.Kind = astro.KindTrail
			det.Algorithm = AlgorithmLongTrail
			found = append(found, det)
		}
	}
	tracef("trails %s tile (%d,%d): %d strong points, %d trails", pos.Image.ID(), pos.X, pos.Y, len(points), len(found))
	if len(found) > 0 {
		run.mu.Lock()
		run.out = append(run.out, found...)
		run.mu.Unlock()
	}
	return nil
}

// LineAnalyzer extracts trail segments along lines of one tile. Fill
// labels persist across Analyze calls, so pixels claimed by one line are
// not reported again by a neighbouring line of the same streak.
type LineAnalyzer struct {
	Fill          *BitmapFill
	Pix           []float64
	Width, Height int
	Valid         image.Rectangle
	Zero          float64 // background level
	Select        float64 // on-line seed threshold
	Drop          float64 // fill threshold
	MaxGap        float64 // pixels along the line
	MinPixels     int
	Step          float64
}

// Analyze walks l and returns the pixel groups it crosses, in tile
// coordinates. Each group is the union of the fills seeded along one run
// of the line; runs separated by more than MaxGap pixels of unlit
// samples start a new group. Groups smaller than MinPixels are discarded.
func (a *LineAnalyzer) Analyze(l rlht.Line) [][]geom.PixelSample {
	var (
		groups [][]geom.PixelSample
		cur    []geom.PixelSample
		label  = a.Fill.NewLabel()
		gap    float64
		step   = a.Step
	)
	if step <= 0 {
		step = 1
	}
	flush := func() {
		if len(cur) >= max(a.MinPixels, 1) {
			groups = append(groups, cur)
		}
		cur = nil
		label = a.Fill.NewLabel()
	}
	rlht.WalkLine(a.Width, a.Height, l, a.Step, func(x, y int) bool {
		on := false
		switch lab := a.Fill.Label(x, y); {
		case lab == label:
			on = true
		case lab == 0 && a.Pix[y*a.Width+x] > a.Select && image.Pt(x, y).In(a.Valid):
			cur = a.Fill.Fill(cur, a.Pix, a.Valid, x, y, a.Drop, a.Zero, label)
			on = true
		}
		if on {
			gap = 0
			return true
		}
		gap += step
		if gap > a.MaxGap && len(cur) > 0 {
			flush()
		}
		return true
	})
	if len(cur) > 0 {
		flush()
	}
	return groups
}
