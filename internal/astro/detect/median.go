package detect

import (
	"context"
	"fmt"
	"slices"

	"github.com/banshee-data/skytrack/internal/astro/imaging"
	"github.com/banshee-data/skytrack/internal/astro/sched"
)

// medianArg carries per-worker scratch for the median combiner.
type medianArg struct {
	scratch [][]float64
}

// BuildMedianImage returns the per-pixel median of frames, which must all
// have the same size. Moving objects vanish from the median of enough
// frames, leaving the fixed stars and the sky background. The result takes
// its time and transform from frames[0].
func BuildMedianImage(ctx context.Context, s *sched.Scheduler, frames []imaging.Store, step int) (*imaging.MemoryImage, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("detect: median of no frames: %w", sched.ErrShapeMismatch)
	}
	b := frames[0].Bounds()
	out, err := imaging.NewMemoryImage(frames[0].ID()+"-median", b.Dx(), b.Dy(), nil, frames[0].Time(), frames[0].Transform())
	if err != nil {
		return nil, err
	}
	arg := &medianArg{scratch: make([][]float64, s.Workers())}
	for i := range arg.scratch {
		arg.scratch[i] = make([]float64, len(frames))
	}
	alg := sched.Combiner[*medianArg]{Fn: medianTile, Arg: arg}
	if err := s.Run(ctx, alg, frames, out, sched.RunParameters{XStep: step, YStep: step}); err != nil {
		return nil, fmt.Errorf("detect: median image: %w", err)
	}
	diagf("median of %d frames %dx%d built", len(frames), b.Dx(), b.Dy())
	return out, nil
}

func medianTile(ins []*imaging.Tile, out *imaging.Tile, pos []sched.Position, arg *medianArg) error {
	buf := arg.scratch[pos[0].Worker]
	n := len(buf)
	for i := range out.Data {
		for k, t := range ins {
			buf[k] = t.Data[i]
		}
		slices.Sort(buf)
		if n%2 == 1 {
			out.Data[i] = buf[n/2]
		} else {
			out.Data[i] = (buf[n/2-1] + buf[n/2]) / 2
		}
	}
	return nil
}

// SubtractBackground returns frame minus background. Both images must
// have the same size.
func SubtractBackground(ctx context.Context, s *sched.Scheduler, frame, background imaging.Store, step int) (*imaging.MemoryImage, error) {
	b := frame.Bounds()
	out, err := imaging.NewMemoryImage(frame.ID(), b.Dx(), b.Dy(), nil, frame.Time(), frame.Transform())
	if err != nil {
		return nil, err
	}
	alg := sched.Combiner[struct{}]{Fn: subtractTile}
	if err := s.Run(ctx, alg, []imaging.Store{frame, background}, out, sched.RunParameters{XStep: step, YStep: step}); err != nil {
		return nil, fmt.Errorf("detect: subtract background from %s: %w", frame.ID(), err)
	}
	return out, nil
}

func subtractTile(ins []*imaging.Tile, out *imaging.Tile, _ []sched.Position, _ struct{}) error {
	for i := range out.Data {
		out.Data[i] = ins[0].Data[i] - ins[1].Data[i]
	}
	return nil
}
