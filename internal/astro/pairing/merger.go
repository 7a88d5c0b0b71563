package pairing

import (
	"context"

	"github.com/banshee-data/skytrack/internal/astro"
	"github.com/banshee-data/skytrack/internal/astro/debug"
)

// PoolMDMerger links dots and trails separately. Dot pairs must move
// between MinVelocity and MaxVelocity; trail pairs must pass PairPossible,
// and so must every trail that extends them.
type PoolMDMerger struct {
	*Pool
}

// NewPoolMDMerger returns an empty PoolMDMerger.
func NewPoolMDMerger(cfg Config) *PoolMDMerger {
	return &PoolMDMerger{Pool: NewPool(cfg)}
}

// FindTracklets links dot and trail hypotheses in one pass over the
// epoch pairs.
func (m *PoolMDMerger) FindTracklets(ctx context.Context) ([]*astro.Tracklet, error) {
	return m.search(ctx, m.rule)
}

func (m *PoolMDMerger) rule(a, b *astro.Detection) (func(*astro.Detection) bool, bool) {
	switch {
	case a.Kind == astro.KindDot && b.Kind == astro.KindDot:
		if !m.VerifyPair(a, b) {
			return nil, false
		}
		v, _ := m.velocity(a, b)
		if v < m.cfg.MinVelocity {
			m.collector.Reject(debug.StageVerifyPair, "too slow", v.Sec(), m.cfg.MinVelocity.Sec(), a.ID, b.ID)
			return nil, false
		}
		return func(c *astro.Detection) bool { return c.Kind == astro.KindDot }, true
	case a.Kind == astro.KindTrail && b.Kind == astro.KindTrail:
		if !m.PairPossible(a, b) {
			return nil, false
		}
		return func(c *astro.Detection) bool {
			return c.Kind == astro.KindTrail && m.PairPossible(a, c)
		}, true
	default:
		return nil, false
	}
}
