// Package sched runs per-tile algorithms over images. An image (or a set of
// images of equal size) is partitioned into row ranges, one per worker, and
// each range is walked in blocks of XStep by YStep pixels. Input blocks are
// locked with InputMargins extra pixels on every side; output blocks are
// locked read-write without margins and flushed on release.
package sched

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/skytrack/internal/astro/imaging"
	"github.com/banshee-data/skytrack/internal/config"
)

var (
	// ErrInvalidParameters is returned for negative margins or steps, or a
	// non-positive YStep.
	ErrInvalidParameters = errors.New("sched: invalid run parameters")
	// ErrShapeMismatch is returned when the images do not fit the algorithm
	// shape: wrong input count, missing or unexpected output, differing
	// sizes, or an output that is also an input.
	ErrShapeMismatch = errors.New("sched: images do not match algorithm shape")
)

// RunParameters control tiling. XStep 0 means full-width blocks.
type RunParameters struct {
	InputMargins        int
	XStep               int
	YStep               int
	FillZeroOutOfBounds bool
}

// Position describes the block handed to an algorithm. X, Y, Width and
// Height are the block core in image coordinates; the input tile extends
// Margin pixels beyond it on every side.
type Position struct {
	X, Y          int
	Width, Height int
	Margin        int
	Image         imaging.Store
	Transform     imaging.Transform
	// Worker is the index of the worker processing the block, in
	// [0, Scheduler.Workers()). It selects per-worker scratch space.
	Worker int
}

// Core returns the block core rectangle.
func (p Position) Core() image.Rectangle {
	return image.Rect(p.X, p.Y, p.X+p.Width, p.Y+p.Height)
}

// Config configures a Scheduler.
type Config struct {
	Workers int  // 0 = runtime.GOMAXPROCS(0)
	Serial  bool // run every block on the calling goroutine
}

// DefaultConfig returns a Config built from the tuning defaults.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{Workers: cfg.GetWorkers(), Serial: cfg.GetSerial()}
}

// Scheduler executes algorithms over images with a fixed worker count.
type Scheduler struct {
	workers int
}

// New returns a Scheduler. Serial mode uses a single worker.
func New(cfg Config) *Scheduler {
	n := cfg.Workers
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	if cfg.Serial {
		n = 1
	}
	return &Scheduler{workers: n}
}

// Workers returns the number of workers, which bounds Position.Worker.
func (s *Scheduler) Workers() int { return s.workers }

// rowRange is the half-open row interval [y0, y1) assigned to one worker.
type rowRange struct{ y0, y1 int }

// partitionRows splits height rows across n workers. Each boundary is
// rounded up to a multiple of yStep so blocks never straddle workers; the
// last range takes whatever is left.
func partitionRows(height, n, yStep int) []rowRange {
	per := (height + n - 1) / n
	per = (per + yStep - 1) / yStep * yStep
	var out []rowRange
	for y := 0; y < height; y += per {
		out = append(out, rowRange{y, min(y+per, height)})
	}
	return out
}

// Run executes alg over inputs, writing output when the shape has one.
// The first failing block cancels the remaining work and its error is
// returned; a panicking algorithm is reported as an error.
func (s *Scheduler) Run(ctx context.Context, alg Algorithm, inputs []imaging.Store, output imaging.Store, p RunParameters) error {
	if p.InputMargins < 0 || p.XStep < 0 || p.YStep <= 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidParameters, p)
	}
	if err := checkShape(alg, inputs, output); err != nil {
		return err
	}

	bounds := inputs[0].Bounds()
	ranges := partitionRows(bounds.Dy(), s.workers, p.YStep)
	start := time.Now()
	diagf("run: %dx%d image, %d inputs, step %dx%d margin %d, %d worker ranges",
		bounds.Dx(), bounds.Dy(), len(inputs), p.XStep, p.YStep, p.InputMargins, len(ranges))

	var err error
	if len(ranges) == 1 {
		err = s.runRange(ctx, alg, inputs, output, p, ranges[0], 0)
	} else {
		g, gctx := errgroup.WithContext(ctx)
		for i, r := range ranges {
			g.Go(func() error {
				return s.runRange(gctx, alg, inputs, output, p, r, i)
			})
		}
		err = g.Wait()
	}
	if err != nil {
		opsf("run failed after %v: %v", time.Since(start), err)
		return err
	}
	diagf("run: done in %v", time.Since(start))
	return nil
}

func checkShape(alg Algorithm, inputs []imaging.Store, output imaging.Store) error {
	if alg == nil {
		return fmt.Errorf("%w: nil algorithm", ErrShapeMismatch)
	}
	if len(inputs) == 0 {
		return fmt.Errorf("%w: no inputs", ErrShapeMismatch)
	}
	if alg.singleInput() && len(inputs) != 1 {
		return fmt.Errorf("%w: %T takes one input, got %d", ErrShapeMismatch, alg, len(inputs))
	}
	if alg.output() != (output != nil) {
		return fmt.Errorf("%w: %T output required=%v", ErrShapeMismatch, alg, alg.output())
	}
	b := inputs[0].Bounds()
	for _, in := range inputs[1:] {
		if in.Bounds() != b {
			return fmt.Errorf("%w: input %s is %v, want %v", ErrShapeMismatch, in.ID(), in.Bounds(), b)
		}
	}
	if output != nil {
		if output.Bounds() != b {
			return fmt.Errorf("%w: output %s is %v, want %v", ErrShapeMismatch, output.ID(), output.Bounds(), b)
		}
		for _, in := range inputs {
			if in == output {
				return fmt.Errorf("%w: output %s is also an input", ErrShapeMismatch, output.ID())
			}
		}
	}
	return nil
}

// worker holds the tiles one worker keeps locked between blocks.
type worker struct {
	inputs []imaging.Store
	output imaging.Store
	ins    []*imaging.Tile
	out    *imaging.Tile
}

func (w *worker) releaseAll() {
	for i, t := range w.ins {
		if t != nil {
			if err := w.inputs[i].ReleaseRegion(t); err != nil {
				opsf("release input %s: %v", w.inputs[i].ID(), err)
			}
			w.ins[i] = nil
		}
	}
	if w.out != nil {
		if err := w.output.ReleaseRegion(w.out); err != nil {
			opsf("release output %s: %v", w.output.ID(), err)
		}
		w.out = nil
	}
}

func (s *Scheduler) runRange(ctx context.Context, alg Algorithm, inputs []imaging.Store, output imaging.Store, p RunParameters, rr rowRange, idx int) error {
	width := inputs[0].Bounds().Dx()
	xStep := p.XStep
	if xStep == 0 || xStep > width {
		xStep = width
	}
	m := p.InputMargins

	w := &worker{inputs: inputs, output: output, ins: make([]*imaging.Tile, len(inputs))}
	defer w.releaseAll()

	pos := make([]Position, len(inputs))
	blocks := 0
	for y := rr.y0; y < rr.y1; y += p.YStep {
		bh := min(p.YStep, rr.y1-y)
		for x := 0; x < width; x += xStep {
			if err := ctx.Err(); err != nil {
				return err
			}
			bw := min(xStep, width-x)
			outer := image.Rect(x-m, y-m, x+bw+m, y+bh+m)

			for i, in := range inputs {
				if err := lockTile(ctx, in, &w.ins[i], outer, p.FillZeroOutOfBounds, true); err != nil {
					return fmt.Errorf("sched: block at (%d,%d): input %s: %w", x, y, in.ID(), err)
				}
				pos[i] = Position{
					X: x, Y: y, Width: bw, Height: bh, Margin: m,
					Image: in, Transform: in.Transform(), Worker: idx,
				}
			}
			if output != nil {
				if err := lockTile(ctx, output, &w.out, image.Rect(x, y, x+bw, y+bh), false, false); err != nil {
					return fmt.Errorf("sched: block at (%d,%d): output %s: %w", x, y, output.ID(), err)
				}
			}

			if err := invokeSafe(alg, w.ins, w.out, pos); err != nil {
				return fmt.Errorf("sched: block at (%d,%d): %w", x, y, err)
			}
			blocks++
			tracef("worker %d: block (%d,%d) %dx%d", idx, x, y, bw, bh)
		}
	}
	tracef("worker %d: rows [%d,%d) %d blocks", idx, rr.y0, rr.y1, blocks)
	return nil
}

// lockTile locks r into *t, switching the existing tile when it has the
// same size so its buffer is reused.
func lockTile(ctx context.Context, st imaging.Store, t **imaging.Tile, r image.Rectangle, fillZero, readOnly bool) error {
	if *t != nil && (*t).Width == r.Dx() && (*t).Height == r.Dy() {
		if err := st.SwitchRegion(ctx, *t, r.Min.X, r.Min.Y, fillZero, readOnly); err != nil {
			*t = nil
			return err
		}
		return nil
	}
	if *t != nil {
		err := st.ReleaseRegion(*t)
		*t = nil
		if err != nil {
			return err
		}
	}
	nt, err := st.LockRegion(ctx, r, fillZero, readOnly)
	if err != nil {
		return err
	}
	*t = nt
	return nil
}

func invokeSafe(alg Algorithm, ins []*imaging.Tile, out *imaging.Tile, pos []Position) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("algorithm panic: %v", r)
		}
	}()
	return alg.invoke(ins, out, pos)
}
