// Package pipeline runs detection and linking over a frame set: median
// background and star list, per-frame dot and trail detection, same-frame
// merging, cross-frame linking, deduplication and recovery.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/skytrack/internal/astro"
	"github.com/banshee-data/skytrack/internal/astro/debug"
	"github.com/banshee-data/skytrack/internal/astro/detect"
	"github.com/banshee-data/skytrack/internal/astro/geom"
	"github.com/banshee-data/skytrack/internal/astro/imaging"
	"github.com/banshee-data/skytrack/internal/astro/pairing"
	"github.com/banshee-data/skytrack/internal/astro/sched"
	"github.com/banshee-data/skytrack/internal/config"
	"github.com/banshee-data/skytrack/internal/timeutil"
)

// minMedianFrames is the smallest frame set whose per-pixel median
// removes a moving source.
const minMedianFrames = 3

// ErrNoFrames is returned by Run without input frames.
var ErrNoFrames = errors.New("pipeline: no frames")

// Options configures Run. A nil Tuning uses the defaults and a nil Clock
// the wall clock.
type Options struct {
	Tuning    *config.TuningConfig
	Collector *debug.Collector
	Scheduler *sched.Scheduler
	Clock     timeutil.Clock
}

// Summary counts what each stage produced.
type Summary struct {
	RunID      string
	Frames     int
	Stars      int
	Dots       int
	Trails     int
	Merged     int // detections left after same-frame merging
	Polluted   int
	Linked     int // tracklets before deduplication
	Tracklets  int
	Recovered  int
	Strategy   string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns the wall time of the run.
func (s Summary) Duration() time.Duration { return s.FinishedAt.Sub(s.StartedAt) }

func (s Summary) String() string {
	return fmt.Sprintf("run %s: %d frames, %d stars, %d dots, %d trails, %d merged, %d star-polluted, %d linked (%s), %d tracklets, %d recovered in %v",
		s.RunID, s.Frames, s.Stars, s.Dots, s.Trails, s.Merged, s.Polluted, s.Linked, s.Strategy, s.Tracklets, s.Recovered,
		s.Duration().Round(time.Millisecond))
}

// Result is the output of Run.
type Result struct {
	Summary    Summary
	Frames     []imaging.Store // frames detection ran on, background subtracted when enabled
	Stars      []astro.Star
	Detections []*astro.Detection
	Tracklets  []*astro.Tracklet
}

// Run detects sources on every frame and links them into tracklets.
// Frames must share one size when median subtraction is enabled.
func Run(ctx context.Context, frames []imaging.Store, opts Options) (*Result, error) {
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	cfg := opts.Tuning
	if cfg == nil {
		cfg = config.EmptyTuningConfig()
	}
	s := opts.Scheduler
	if s == nil {
		s = sched.New(sched.ConfigFromTuning(cfg))
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	res := &Result{Summary: Summary{
		RunID:     uuid.NewString(),
		Frames:    len(frames),
		Strategy:  cfg.GetPairStrategy(),
		StartedAt: clock.Now(),
	}}
	opts.Collector.BeginRun(res.Summary.RunID)
	opsf("run %s: %d frames, %d workers", res.Summary.RunID, len(frames), s.Workers())

	dots := detect.NewDotDetector(detect.DotConfigFromTuning(cfg), s)
	trails := detect.NewLongTrailDetector(detect.TrailConfigFromTuning(cfg), s)

	work := frames
	var mask *detect.StarMask
	if cfg.GetMedianSubtract() && len(frames) >= minMedianFrames {
		var err error
		work, mask, err = subtractMedian(ctx, s, dots, frames, cfg, res)
		if err != nil {
			opsf("run %s: %v", res.Summary.RunID, err)
			return nil, err
		}
	}
	res.Frames = work

	var all []*astro.Detection
	for _, f := range work {
		ds, err := dots.Detect(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		ts, err := trails.Detect(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		tracef("%s: %d dots, %d trails", f.ID(), len(ds), len(ts))
		res.Summary.Dots += len(ds)
		res.Summary.Trails += len(ts)
		all = append(all, ds...)
		all = append(all, ts...)
	}

	merged, err := pairing.NewPrePair(pairing.PrePairConfigFromTuning(cfg), opts.Collector).MatchDetections(all)
	if err != nil {
		return nil, fmt.Errorf("pipeline: prepair: %w", err)
	}
	res.Detections = merged
	res.Summary.Merged = len(merged)

	// Star-polluted detections are reported but not linked.
	linkable := merged
	if mask != nil {
		res.Summary.Polluted = detect.FlagStarPollution(merged, mask)
		linkable = make([]*astro.Detection, 0, len(merged))
		for _, d := range merged {
			if !d.StarPolluted {
				linkable = append(linkable, d)
			}
		}
	}

	finder, err := pairing.NewFinder(cfg.GetPairStrategy(), pairing.ConfigFromTuning(cfg))
	if err != nil {
		return nil, err
	}
	finder.SetCollector(opts.Collector)
	if err := finder.LoadDetections(linkable); err != nil {
		return nil, err
	}
	if err := finder.GeneratePool(); err != nil {
		return nil, err
	}
	linked, err := finder.FindTracklets(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: link: %w", err)
	}
	res.Summary.Linked = len(linked)

	dedup := pairing.NewDeduplicator(pairing.DedupConfigFromTuning(cfg), opts.Collector)
	tracklets := dedup.Deduplicate(linked)

	rec := pairing.NewRecoverer(pairing.RecoverConfigFromTuning(cfg), work, opts.Collector)
	for i, t := range tracklets {
		r, err := rec.RecoverTracklet(ctx, t)
		switch {
		case errors.Is(err, astro.ErrTooFewEpochs):
			continue
		case err != nil:
			return nil, fmt.Errorf("pipeline: recover: %w", err)
		}
		if len(r.Present()) > len(t.Present()) {
			res.Summary.Recovered++
		}
		tracklets[i] = r
	}
	res.Tracklets = dedup.Deduplicate(tracklets)
	res.Summary.Tracklets = len(res.Tracklets)
	res.Summary.FinishedAt = clock.Now()
	diagf("%s", res.Summary)
	return res, nil
}

// subtractMedian builds the median background, finds its stars and
// returns the background-subtracted frames with a star mask.
func subtractMedian(ctx context.Context, s *sched.Scheduler, dots *detect.DotDetector, frames []imaging.Store, cfg *config.TuningConfig, res *Result) ([]imaging.Store, *detect.StarMask, error) {
	step := cfg.GetTileStep()
	median, err := detect.BuildMedianImage(ctx, s, frames, step)
	if err != nil {
		return nil, nil, err
	}
	stars, err := detect.FindStars(ctx, dots, median, cfg.GetStarExtraRadius())
	if err != nil {
		return nil, nil, err
	}
	res.Stars = stars
	res.Summary.Stars = len(stars)

	work := make([]imaging.Store, len(frames))
	for i, f := range frames {
		sub, err := detect.SubtractBackground(ctx, s, f, median, step)
		if err != nil {
			return nil, nil, err
		}
		work[i] = sub
	}
	return work, detect.NewStarMask(rectOf(median.Bounds()), stars), nil
}

func rectOf(b image.Rectangle) geom.Rect {
	return geom.Rect{MinX: float64(b.Min.X), MinY: float64(b.Min.Y), MaxX: float64(b.Max.X), MaxY: float64(b.Max.Y)}
}
