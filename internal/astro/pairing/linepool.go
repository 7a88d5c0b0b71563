package pairing

import (
	"context"
	"fmt"

	"github.com/soniakeys/unit"

	"github.com/banshee-data/skytrack/internal/astro"
	"github.com/banshee-data/skytrack/internal/astro/debug"
)

// Finder is a linking strategy over a pool.
type Finder interface {
	LoadDetections(ds []*astro.Detection) error
	GeneratePool() error
	FindTracklets(ctx context.Context) ([]*astro.Tracklet, error)
	SetCollector(c *debug.Collector)
}

// NewFinder returns the strategy registered under name.
func NewFinder(name string, cfg Config) (Finder, error) {
	switch name {
	case StrategyLine, "":
		return NewLinePoolSimple(cfg), nil
	case StrategyMerger:
		return NewPoolMDMerger(cfg), nil
	default:
		return nil, fmt.Errorf("pairing: unknown strategy %q", name)
	}
}

// LinePoolSimple links any verified pair that extends to further epochs
// along a straight line.
type LinePoolSimple struct {
	*Pool
}

// NewLinePoolSimple returns an empty LinePoolSimple.
func NewLinePoolSimple(cfg Config) *LinePoolSimple {
	return &LinePoolSimple{Pool: NewPool(cfg)}
}

// FindTracklets searches every epoch pair, nearest in time first, for
// unpaired detections a and b that pass VerifyPair and grow to at least
// the factory's epoch count. A detection joins at most one tracklet.
func (l *LinePoolSimple) FindTracklets(ctx context.Context) ([]*astro.Tracklet, error) {
	return l.search(ctx, func(a, b *astro.Detection) (func(*astro.Detection) bool, bool) {
		return nil, l.VerifyPair(a, b)
	})
}

// pairRule decides whether a and b seed a hypothesis and, if so, returns
// the filter for the detections that may extend it.
type pairRule func(a, b *astro.Detection) (func(*astro.Detection) bool, bool)

func (p *Pool) search(ctx context.Context, rule pairRule) ([]*astro.Tracklet, error) {
	if p.tree == nil {
		return nil, ErrPoolNotGenerated
	}
	epochs := p.byEpoch()
	var out []*astro.Tracklet
	for _, ep := range p.epochPairs() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		dt := p.epochs[ep[1]].Sub(p.epochs[ep[0]])
		radius := unit.Angle(p.cfg.MaxVelocity.Rad()*dt.Minutes()) + p.cfg.SearchExtra
		for _, a := range epochs[ep[0]] {
			if a.Paired {
				continue
			}
			cands, err := p.Query(a.BarycenterEq, radius, ep[1])
			if err != nil {
				return out, err
			}
			for _, b := range cands {
				if b.Paired {
					continue
				}
				match, ok := rule(a, b)
				if !ok {
					continue
				}
				if t := p.link(p.grow(a, b, match)); t != nil {
					out = append(out, t)
					break
				}
			}
		}
	}
	opsf("linked %d tracklets from %d detections", len(out), len(p.dets))
	return out, nil
}
