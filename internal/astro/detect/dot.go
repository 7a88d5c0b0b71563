package detect

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/skytrack/internal/astro"
	"github.com/banshee-data/skytrack/internal/astro/geom"
	"github.com/banshee-data/skytrack/internal/astro/imaging"
	"github.com/banshee-data/skytrack/internal/astro/sched"
	"github.com/banshee-data/skytrack/internal/config"
)

// AlgorithmDot tags detections produced by DotDetector.
const AlgorithmDot = "dot"

// Tiling is the block layout shared by the detectors.
type Tiling struct {
	Step   int // block width and height
	Margin int // extra pixels read on every side of a block
}

// TilingFromTuning reads the block layout from a TuningConfig.
func TilingFromTuning(cfg *config.TuningConfig) Tiling {
	return Tiling{Step: cfg.GetTileStep(), Margin: cfg.GetTileMargin()}
}

func (t Tiling) params() sched.RunParameters {
	return sched.RunParameters{InputMargins: t.Margin, XStep: t.Step, YStep: t.Step, FillZeroOutOfBounds: true}
}

func (t Tiling) tileSize() int { return t.Step + 2*t.Margin }

// DotConfig holds the dot detector thresholds. Pixels whose absolute value
// reaches NonrepresentativeThreshold are excluded from the background
// statistics. A blob is seeded above mean+HighMultiplier·σ and grown over
// pixels above mean+LowMultiplier·σ.
type DotConfig struct {
	Tiling
	NonrepresentativeThreshold float64
	HighMultiplier             float64
	LowMultiplier              float64
	MinPixels                  int
}

// DefaultDotConfig returns a DotConfig built from the tuning defaults.
func DefaultDotConfig() DotConfig {
	return DotConfigFromTuning(config.EmptyTuningConfig())
}

// DotConfigFromTuning builds a DotConfig from a loaded TuningConfig.
func DotConfigFromTuning(cfg *config.TuningConfig) DotConfig {
	return DotConfig{
		Tiling:                     TilingFromTuning(cfg),
		NonrepresentativeThreshold: cfg.GetNonrepresentativeThreshold(),
		HighMultiplier:             cfg.GetDotHighMultiplier(),
		LowMultiplier:              cfg.GetDotLowMultiplier(),
		MinPixels:                  cfg.GetDotMinPixels(),
	}
}

// Background is the robust level of a tile.
type Background struct {
	Mean, Sigma float64
	N           int // pixels used
}

// BackgroundStats computes the mean and standard deviation of the pixels of
// pix inside valid whose absolute value is below threshold. scratch is
// reused for the selected samples and returned.
func BackgroundStats(pix []float64, w int, valid image.Rectangle, threshold float64, scratch []float64) (Background, []float64) {
	scratch = scratch[:0]
	for y := valid.Min.Y; y < valid.Max.Y; y++ {
		for _, v := range pix[y*w+valid.Min.X : y*w+valid.Max.X] {
			if math.Abs(v) < threshold {
				scratch = append(scratch, v)
			}
		}
	}
	switch len(scratch) {
	case 0:
		return Background{}, scratch
	case 1:
		return Background{Mean: scratch[0], N: 1}, scratch
	}
	mean, sd := stat.MeanStdDev(scratch, nil)
	return Background{Mean: mean, Sigma: sd, N: len(scratch)}, scratch
}

// validArea returns the part of t inside img in tile coordinates.
func validArea(t *imaging.Tile, img imaging.Store) image.Rectangle {
	return t.Bounds().Intersect(img.Bounds()).Sub(image.Pt(t.X, t.Y))
}

// toImage shifts tile-local samples to image coordinates in place.
func toImage(px []geom.PixelSample, t *imaging.Tile) []geom.PixelSample {
	for i := range px {
		px[i].X += t.X
		px[i].Y += t.Y
	}
	return px
}

// owns reports whether a point in image coordinates falls in the block
// core. Blobs are owned by their unweighted centroid, which depends only
// on the pixel set, so every block that sees a blob whole agrees.
func owns(pos sched.Position, p geom.Point) bool {
	return roundPt(p).In(pos.Core())
}

func roundPt(p geom.Point) image.Point {
	return image.Pt(int(math.Floor(p.X+0.5)), int(math.Floor(p.Y+0.5)))
}

// uncut shrinks r by one pixel on every side that is not on the image
// edge. A blob inside it was not cut off by the tile boundary.
func uncut(r, bounds image.Rectangle) image.Rectangle {
	if r.Min.X > bounds.Min.X {
		r.Min.X++
	}
	if r.Min.Y > bounds.Min.Y {
		r.Min.Y++
	}
	if r.Max.X < bounds.Max.X {
		r.Max.X--
	}
	if r.Max.Y < bounds.Max.Y {
		r.Max.Y--
	}
	return r
}

func allIn(px []geom.PixelSample, r image.Rectangle) bool {
	for _, p := range px {
		if !image.Pt(p.X, p.Y).In(r) {
			return false
		}
	}
	return true
}

// ownerTile returns the tile rectangle of the block whose core contains p.
func (t Tiling) ownerTile(p image.Point, bounds image.Rectangle) image.Rectangle {
	xs, ys := min(t.Step, bounds.Dx()), t.Step
	bx, by := p.X/xs*xs, p.Y/ys*ys
	core := image.Rect(bx, by, bx+xs, by+ys)
	return core.Inset(-t.Margin).Intersect(bounds)
}

// cutBlob is a blob that reached the edge of its tile. It is filled again
// over the whole image from seed with the thresholds of the tile that
// found it.
type cutBlob struct {
	seed      image.Point
	low, zero float64
}

// dotWorker is the scratch space of one scheduler worker.
type dotWorker struct {
	fill    *BitmapFill
	samples []float64
}

// DotDetector finds compact sources by hysteresis flood fill.
type DotDetector struct {
	cfg   DotConfig
	sched *sched.Scheduler
}

// NewDotDetector returns a detector running on s.
func NewDotDetector(cfg DotConfig, s *sched.Scheduler) *DotDetector {
	return &DotDetector{cfg: cfg, sched: s}
}

// Config returns the detector configuration.
func (d *DotDetector) Config() DotConfig { return d.cfg }

// dotRun collects the detections of one Detect call.
type dotRun struct {
	d       *DotDetector
	workers []dotWorker
	mu      sync.Mutex
	out     []*astro.Detection
	cut     []cutBlob
}

// Detect returns the dot detections of img in no particular order.
func (d *DotDetector) Detect(ctx context.Context, img imaging.Store) ([]*astro.Detection, error) {
	start := time.Now()
	size := d.cfg.tileSize()
	run := &dotRun{d: d, workers: make([]dotWorker, d.sched.Workers())}
	for i := range run.workers {
		run.workers[i].fill = NewBitmapFill(size, size)
	}
	alg := sched.PositionExtractor[*dotRun]{Fn: dotTile, Arg: run}
	if err := d.sched.Run(ctx, alg, []imaging.Store{img}, nil, d.cfg.params()); err != nil {
		return nil, fmt.Errorf("detect: dots on %s: %w", img.ID(), err)
	}
	if len(run.cut) > 0 {
		if err := run.stitch(ctx, img); err != nil {
			return nil, fmt.Errorf("detect: dots on %s: %w", img.ID(), err)
		}
	}
	diagf("dots on %s: %d detections (%d cut by tiles) in %v", img.ID(), len(run.out), len(run.cut), time.Since(start))
	return run.out, nil
}

// stitch fills every cut blob over the whole image. A blob is reported
// once; blobs the owning block saw whole were reported by it already.
func (run *dotRun) stitch(ctx context.Context, img imaging.Store) error {
	cfg := run.d.cfg
	b := img.Bounds()
	t, err := img.LockRegion(ctx, b, true, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := img.ReleaseRegion(t); err != nil {
			opsf("dots: release %s: %v", img.ID(), err)
		}
	}()

	fill := NewBitmapFill(t.Width, t.Height)
	valid := validArea(t, img)
	var px []geom.PixelSample
	for _, c := range run.cut {
		px = fill.Fill(px[:0], t.Data, valid, c.seed.X-t.X, c.seed.Y-t.Y, c.low, c.zero, fill.NewLabel())
		if len(px) == 0 || len(px) < cfg.MinPixels {
			continue
		}
		px = toImage(px, t)
		det, err := astro.CreateDetection(img, px)
		if err != nil {
			return err
		}
		if allIn(px, uncut(cfg.ownerTile(roundPt(det.Centroid), b), b)) {
			continue
		}
		det.Kind = astro.KindDot
		det.Algorithm = AlgorithmDot
		run.out = append(run.out, det)
	}
	return nil
}

func dotTile(t *imaging.Tile, pos sched.Position, run *dotRun) error {
	cfg := run.d.cfg
	w := &run.workers[pos.Worker]
	valid := validArea(t, pos.Image)

	var bg Background
	bg, w.samples = BackgroundStats(t.Data, t.Width, valid, cfg.NonrepresentativeThreshold, w.samples)
	if bg.N == 0 {
		return nil
	}
	high := bg.Mean + cfg.HighMultiplier*bg.Sigma
	low := bg.Mean + cfg.LowMultiplier*bg.Sigma

	var found []*astro.Detection
	var cut []cutBlob
	whole := uncut(valid.Add(image.Pt(t.X, t.Y)), pos.Image.Bounds())
	w.fill.Reset(t.Width, t.Height)
	var ferr error
	w.fill.Hysteresis(t.Data, valid, high, low, bg.Mean, func(px []geom.PixelSample) {
		if ferr != nil {
			return
		}
		px = toImage(px, t)
		if !allIn(px, whole) {
			cut = append(cut, cutBlob{seed: image.Pt(px[0].X, px[0].Y), low: low, zero: bg.Mean})
			return
		}
		if len(px) < cfg.MinPixels {
			return
		}
		det, err := astro.CreateDetection(pos.Image, px)
		if err != nil {
			ferr = err
			return
		}
		if !owns(pos, det.Centroid) {
			return
		}
		det.Kind = astro.KindDot
		det.Algorithm = AlgorithmDot
		found = append(found, det)
	})
	if ferr != nil {
		return ferr
	}
	tracef("dots %s tile (%d,%d): mean %.2f σ %.2f, %d blobs, %d cut", pos.Image.ID(), pos.X, pos.Y, bg.Mean, bg.Sigma, len(found), len(cut))
	if len(found) > 0 || len(cut) > 0 {
		run.mu.Lock()
		run.out = append(run.out, found...)
		run.cut = append(run.cut, cut...)
		run.mu.Unlock()
	}
	return nil
}
