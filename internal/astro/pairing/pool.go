package pairing

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/soniakeys/unit"

	"github.com/banshee-data/skytrack/internal/astro"
	"github.com/banshee-data/skytrack/internal/astro/debug"
	"github.com/banshee-data/skytrack/internal/astro/geom"
	"github.com/banshee-data/skytrack/internal/astro/imaging"
)

var (
	// ErrPoolFrozen is returned when detections are loaded after GeneratePool.
	ErrPoolFrozen = errors.New("pairing: pool already generated")
	// ErrPoolNotGenerated is returned when a pool is searched before
	// GeneratePool.
	ErrPoolNotGenerated = errors.New("pairing: pool not generated")
)

// poolDepthLimit bounds the quad-tree depth regardless of pool size.
const poolDepthLimit = 8

// Pool holds the detections of one run and indexes them by sky position.
// Positions are projected onto a local plane around the first detection:
// X is the RA offset scaled by cos(Dec0), Y the Dec offset, both radians.
type Pool struct {
	cfg       Config
	dets      []*astro.Detection
	epochOf   map[*astro.Detection]int
	epochs    []time.Time
	origin    imaging.Equatorial
	cosDec    float64
	bounds    geom.Rect
	tree      *geom.QuadTree[*astro.Detection]
	frozen    bool
	factory   *astro.TrackletFactory
	collector *debug.Collector
}

// NewPool returns an empty pool.
func NewPool(cfg Config) *Pool {
	return &Pool{cfg: cfg, factory: astro.NewTrackletFactory()}
}

// Config returns the pool's thresholds.
func (p *Pool) Config() Config { return p.cfg }

// SetCollector attaches a rejection collector; nil disables recording.
func (p *Pool) SetCollector(c *debug.Collector) { p.collector = c }

// SetFactory replaces the tracklet factory.
func (p *Pool) SetFactory(f *astro.TrackletFactory) { p.factory = f }

// LoadDetections adds detections to the pool. It fails with ErrPoolFrozen
// once GeneratePool has run.
func (p *Pool) LoadDetections(ds []*astro.Detection) error {
	if p.frozen {
		return ErrPoolFrozen
	}
	for _, d := range ds {
		if d == nil {
			continue
		}
		if len(p.dets) == 0 {
			p.origin = d.BarycenterEq
			p.cosDec = math.Cos(d.BarycenterEq.Dec)
		}
		pt := p.project(d.BarycenterEq)
		if len(p.dets) == 0 {
			p.bounds = geom.Rect{MinX: pt.X, MinY: pt.Y, MaxX: pt.X, MaxY: pt.Y}
		} else {
			p.bounds = p.bounds.Extend(pt)
		}
		p.dets = append(p.dets, d)
	}
	return nil
}

// GeneratePool freezes the pool, groups detections into epochs and builds
// the spatial index. Calling it twice fails with ErrPoolFrozen.
func (p *Pool) GeneratePool() error {
	if p.frozen {
		return ErrPoolFrozen
	}
	p.frozen = true

	// Stable order independent of how the detections were loaded.
	slices.SortStableFunc(p.dets, func(a, b *astro.Detection) int {
		if c := a.Mid().Compare(b.Mid()); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Barycenter.Y, b.Barycenter.Y); c != 0 {
			return c
		}
		return cmp.Compare(a.Barycenter.X, b.Barycenter.X)
	})

	p.epochOf = make(map[*astro.Detection]int, len(p.dets))
	for _, d := range p.dets {
		mid := d.Mid()
		if n := len(p.epochs); n == 0 || mid.Sub(p.epochs[n-1]) > p.cfg.TimeTolerance {
			p.epochs = append(p.epochs, mid)
		}
		p.epochOf[d] = len(p.epochs) - 1
	}

	p.tree = geom.NewQuadTree[*astro.Detection](p.bounds.Pad(1e-9), poolDepth(len(p.dets)))
	for _, d := range p.dets {
		if err := p.tree.Insert(p.project(d.BarycenterEq), d); err != nil {
			return fmt.Errorf("pairing: index %s: %w", d, err)
		}
	}
	diagf("pool: %d detections over %d epochs, depth %d", len(p.dets), len(p.epochs), poolDepth(len(p.dets)))
	return nil
}

// poolDepth targets a handful of detections per leaf.
func poolDepth(n int) int {
	d := 1
	for leaves := 1; leaves*4 < n && d < poolDepthLimit; leaves *= 4 {
		d++
	}
	return d
}

// Detections returns the pooled detections in epoch order.
func (p *Pool) Detections() []*astro.Detection { return p.dets }

// Epochs returns the distinct observation times, earliest first.
func (p *Pool) Epochs() []time.Time { return p.epochs }

// Epoch returns the epoch index of a pooled detection, or -1.
func (p *Pool) Epoch(d *astro.Detection) int {
	if e, ok := p.epochOf[d]; ok {
		return e
	}
	return -1
}

// project maps a sky position onto the pool plane.
func (p *Pool) project(e imaging.Equatorial) geom.Point {
	dra := math.Remainder(e.RA-p.origin.RA, 2*math.Pi)
	return geom.Point{X: dra * p.cosDec, Y: e.Dec - p.origin.Dec}
}

// Query returns the detections of epoch e within radius of a sky position.
func (p *Pool) Query(center imaging.Equatorial, radius unit.Angle, e int) ([]*astro.Detection, error) {
	if p.tree == nil {
		return nil, ErrPoolNotGenerated
	}
	// The plane distorts by a fraction of a percent over a field; the
	// exact separation filter below removes the excess.
	cand := p.tree.QueryRadius(p.project(center), radius.Rad()*1.01)
	var out []*astro.Detection
	for _, c := range cand {
		if p.epochOf[c.Value] != e {
			continue
		}
		if c.Value.BarycenterEq.Separation(center) <= radius {
			out = append(out, c.Value)
		}
	}
	return out, nil
}

// byEpoch returns the pooled detections of each epoch.
func (p *Pool) byEpoch() [][]*astro.Detection {
	out := make([][]*astro.Detection, len(p.epochs))
	for _, d := range p.dets {
		e := p.epochOf[d]
		out[e] = append(out[e], d)
	}
	return out
}

// epochPairs lists epoch index pairs, nearest in time first.
func (p *Pool) epochPairs() [][2]int {
	var out [][2]int
	for gap := 1; gap < len(p.epochs); gap++ {
		for a := 0; a+gap < len(p.epochs); a++ {
			out = append(out, [2]int{a, a + gap})
		}
	}
	return out
}
