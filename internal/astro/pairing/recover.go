package pairing

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"slices"

	"github.com/banshee-data/skytrack/internal/astro"
	"github.com/banshee-data/skytrack/internal/astro/debug"
	"github.com/banshee-data/skytrack/internal/astro/detect"
	"github.com/banshee-data/skytrack/internal/astro/geom"
	"github.com/banshee-data/skytrack/internal/astro/imaging"
	"github.com/banshee-data/skytrack/internal/config"
)

// AlgorithmRecover tags detections found by a Recoverer.
const AlgorithmRecover = "recover"

// ErrNoTransform is returned when recovery needs the sky transform of an
// image that has none.
var ErrNoTransform = errors.New("pairing: image has no transform")

// statsWindow is the background window around a prediction, in units of
// the search radius.
const statsWindow = 4

// crossMatchTolerance is the largest relative difference in flux and
// semi-major axis for a blob on another frame to count as the same source.
const crossMatchTolerance = 0.5

// RecoverConfig configures a Recoverer. The detection thresholds follow
// the dot detector's.
type RecoverConfig struct {
	Radius          float64 // pixels around the prediction
	MaxCrossMatches int     // fixed-position hits allowed on other frames
	FluxTolerance   float64 // relative to the reference detection

	NonrepresentativeThreshold float64
	HighMultiplier             float64
	LowMultiplier              float64
	MinPixels                  int
}

// DefaultRecoverConfig returns a RecoverConfig built from the tuning defaults.
func DefaultRecoverConfig() RecoverConfig {
	return RecoverConfigFromTuning(config.EmptyTuningConfig())
}

// RecoverConfigFromTuning builds a RecoverConfig from a loaded TuningConfig.
func RecoverConfigFromTuning(cfg *config.TuningConfig) RecoverConfig {
	dot := detect.DotConfigFromTuning(cfg)
	return RecoverConfig{
		Radius:                     cfg.GetRecoverRadius(),
		MaxCrossMatches:            cfg.GetRecoverMaxCrossMatches(),
		FluxTolerance:              cfg.GetRecoverFluxTolerance(),
		NonrepresentativeThreshold: dot.NonrepresentativeThreshold,
		HighMultiplier:             dot.HighMultiplier,
		LowMultiplier:              dot.LowMultiplier,
		MinPixels:                  dot.MinPixels,
	}
}

// Recoverer re-detects sources at predicted positions.
type Recoverer struct {
	cfg       RecoverConfig
	frames    []imaging.Store
	factory   *astro.TrackletFactory
	collector *debug.Collector
	offsets   []image.Point
}

// NewRecoverer returns a Recoverer over the frames of a run; c may be nil.
func NewRecoverer(cfg RecoverConfig, frames []imaging.Store, c *debug.Collector) *Recoverer {
	fs := slices.Clone(frames)
	slices.SortStableFunc(fs, func(a, b imaging.Store) int {
		return a.Time().Mid().Compare(b.Time().Mid())
	})
	return &Recoverer{
		cfg:       cfg,
		frames:    fs,
		factory:   astro.NewTrackletFactory(),
		collector: c,
		offsets:   diskOffsets(cfg.Radius),
	}
}

// diskOffsets lists the pixel offsets within r of the origin, nearest first.
func diskOffsets(r float64) []image.Point {
	n := int(math.Ceil(r))
	var out []image.Point
	for dy := -n; dy <= n; dy++ {
		for dx := -n; dx <= n; dx++ {
			if math.Hypot(float64(dx), float64(dy)) <= r {
				out = append(out, image.Pt(dx, dy))
			}
		}
	}
	slices.SortStableFunc(out, func(a, b image.Point) int {
		return cmp.Compare(a.X*a.X+a.Y*a.Y, b.X*b.X+b.Y*b.Y)
	})
	return out
}

// detectAt flood-fills from the pixel above the high threshold nearest to
// the sky position eq on img, within the search radius. It returns nil
// when no blob of at least MinPixels is seeded there.
func (r *Recoverer) detectAt(ctx context.Context, img imaging.Store, eq imaging.Equatorial) (*astro.Detection, error) {
	tr := img.Transform()
	if tr == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTransform, img.ID())
	}
	c := tr.EquatorialToPixel(eq)
	cx, cy := int(math.Floor(c.X+0.5)), int(math.Floor(c.Y+0.5))
	half := int(math.Ceil(statsWindow * r.cfg.Radius))
	region := image.Rect(cx-half, cy-half, cx+half+1, cy+half+1)
	if !region.Overlaps(img.Bounds()) {
		return nil, nil
	}
	t, err := img.LockRegion(ctx, region, true, true)
	if err != nil {
		return nil, fmt.Errorf("pairing: recover on %s: %w", img.ID(), err)
	}
	defer func() {
		if err := img.ReleaseRegion(t); err != nil {
			opsf("recover: release %s: %v", img.ID(), err)
		}
	}()

	valid := t.Bounds().Intersect(img.Bounds()).Sub(image.Pt(t.X, t.Y))
	bg, _ := detect.BackgroundStats(t.Data, t.Width, valid, r.cfg.NonrepresentativeThreshold, nil)
	high := bg.Mean + r.cfg.HighMultiplier*bg.Sigma
	low := bg.Mean + r.cfg.LowMultiplier*bg.Sigma

	fill := detect.NewBitmapFill(t.Width, t.Height)
	var blob []geom.PixelSample
	for _, off := range r.offsets {
		x, y := cx-t.X+off.X, cy-t.Y+off.Y
		if !image.Pt(x, y).In(valid) || fill.Label(x, y) != 0 || t.At(x, y) <= high {
			continue
		}
		blob = fill.Fill(blob[:0], t.Data, valid, x, y, low, bg.Mean, fill.NewLabel())
		if len(blob) < max(r.cfg.MinPixels, 1) {
			continue
		}
		for i := range blob {
			blob[i].X += t.X
			blob[i].Y += t.Y
		}
		d, err := astro.CreateDetection(img, blob)
		if err != nil {
			return nil, err
		}
		d.Algorithm = AlgorithmRecover
		return d, nil
	}
	return nil, nil
}

// RecoverDetection looks for a source near eq on img. A blob found there
// is accepted when the same sky position does not also hold a source of
// the same shape on more than MaxCrossMatches other frames, and, given a reference
// detection, when its flux matches the reference within FluxTolerance and
// its position matches eq within the search radius.
func (r *Recoverer) RecoverDetection(ctx context.Context, img imaging.Store, eq imaging.Equatorial, ref *astro.Detection) (*astro.Detection, bool, error) {
	d, err := r.detectAt(ctx, img, eq)
	if err != nil {
		return nil, false, err
	}
	var refID string
	if ref != nil {
		refID = ref.ID
	}
	if d == nil {
		r.collector.Reject(debug.StageRecover, "no source", 0, float64(r.cfg.MinPixels), refID)
		return nil, false, nil
	}

	hits := 0
	for _, f := range r.frames {
		if f == img || f.Time().Mid().Equal(img.Time().Mid()) {
			continue
		}
		other, err := r.detectAt(ctx, f, d.BarycenterEq)
		if err != nil {
			return nil, false, err
		}
		if other != nil && sameShape(d, other) {
			hits++
		}
	}
	if hits > r.cfg.MaxCrossMatches {
		r.collector.Reject(debug.StageRecover, "fixed source", float64(hits), float64(r.cfg.MaxCrossMatches), d.ID, refID)
		return nil, false, nil
	}

	limit := r.cfg.Radius * pixelScale(d)
	if sep := d.BarycenterEq.Separation(eq).Rad(); sep > limit {
		r.collector.Reject(debug.StageRecover, "position", sep/pixelScale(d), r.cfg.Radius, d.ID, refID)
		return nil, false, nil
	}
	if ref != nil && ref.Flux > 0 {
		if dev := math.Abs(d.Flux/ref.Flux - 1); dev > r.cfg.FluxTolerance {
			r.collector.Reject(debug.StageRecover, "flux", dev, r.cfg.FluxTolerance, d.ID, refID)
			return nil, false, nil
		}
		d.Kind = ref.Kind
	}
	r.collector.Record(debug.StageRecover, true, "recovered", float64(hits), float64(r.cfg.MaxCrossMatches), d.ID, refID)
	return d, true, nil
}

// sameShape reports whether a and b look like one source: flux and
// semi-major axis agree within crossMatchTolerance.
func sameShape(a, b *astro.Detection) bool {
	return relDiff(a.Flux, b.Flux) <= crossMatchTolerance &&
		relDiff(a.Shape.SemiMajor, b.Shape.SemiMajor) <= crossMatchTolerance
}

// relDiff is |a-b| relative to the larger magnitude, 0 when both are 0.
func relDiff(a, b float64) float64 {
	m := max(math.Abs(a), math.Abs(b))
	if m == 0 {
		return 0
	}
	return math.Abs(a-b) / m
}

// RecoverTracklet re-detects t on every frame at its predicted position.
// Frames where recovery fails keep the tracklet's own detection, if any.
// Fewer than MinTrackletEpochs recoveries fail with astro.ErrTooFewEpochs.
func (r *Recoverer) RecoverTracklet(ctx context.Context, t *astro.Tracklet) (*astro.Tracklet, error) {
	present := t.Present()
	if len(present) == 0 {
		return nil, fmt.Errorf("%w: empty tracklet", astro.ErrTooFewEpochs)
	}
	ref := medianFlux(present)
	onImage := make(map[imaging.Store]*astro.Detection, len(present))
	for _, d := range present {
		onImage[d.Image] = d
	}

	perEpoch := make([][]*astro.Detection, len(r.frames))
	recovered := 0
	for i, f := range r.frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, ok, err := r.RecoverDetection(ctx, f, t.PredictEq(f.Time().Mid()), ref)
		if err != nil {
			return nil, err
		}
		switch {
		case ok:
			perEpoch[i] = []*astro.Detection{d}
			recovered++
		case onImage[f] != nil:
			perEpoch[i] = []*astro.Detection{onImage[f]}
		}
	}
	if recovered < astro.MinTrackletEpochs {
		return nil, fmt.Errorf("%w: recovered on %d frames", astro.ErrTooFewEpochs, recovered)
	}
	out, err := r.factory.CreateTracklet(perEpoch)
	if err != nil {
		return nil, err
	}
	tracef("recover %s: %d of %d frames", t, recovered, len(r.frames))
	return out, nil
}

// medianFlux returns the detection of median flux.
func medianFlux(ds []*astro.Detection) *astro.Detection {
	s := slices.Clone(ds)
	slices.SortFunc(s, func(a, b *astro.Detection) int { return cmp.Compare(a.Flux, b.Flux) })
	return s[len(s)/2]
}
