package pairing

import (
	"math"

	"github.com/banshee-data/skytrack/internal/astro"
	"github.com/banshee-data/skytrack/internal/astro/debug"
	"github.com/banshee-data/skytrack/internal/astro/geom"
	"github.com/banshee-data/skytrack/internal/astro/imaging"
)

// PrePair merges detections of one image that are fragments of a single
// source before cross-frame linking.
type PrePair struct {
	cfg       PrePairConfig
	collector *debug.Collector
}

// NewPrePair returns a PrePair; c may be nil.
func NewPrePair(cfg PrePairConfig, c *debug.Collector) *PrePair {
	return &PrePair{cfg: cfg, collector: c}
}

// MatchDetections merges two detections of the same image when their
// pixels overlap, or when they lie within MaxDistance of each other and a
// line through their union correlates better than either part alone yet
// below the sum of the parts. Merging is transitive. Detections that take
// part in no merge are returned as they are, in input order; each merged
// group takes the place of its first member.
func (pp *PrePair) MatchDetections(ds []*astro.Detection) ([]*astro.Detection, error) {
	uf := newUnionFind(len(ds))
	groups := make(map[imaging.Store][]int)
	for i, d := range ds {
		groups[d.Image] = append(groups[d.Image], i)
	}
	for _, idx := range groups {
		for x := 0; x < len(idx); x++ {
			for y := x + 1; y < len(idx); y++ {
				i, j := idx[x], idx[y]
				if uf.find(i) == uf.find(j) {
					continue
				}
				if pp.mergeable(ds[i], ds[j]) {
					uf.union(i, j)
				}
			}
		}
	}

	members := make(map[int][]*astro.Detection)
	for i, d := range ds {
		r := uf.find(i)
		members[r] = append(members[r], d)
	}
	out := make([]*astro.Detection, 0, len(members))
	done := make(map[int]bool, len(members))
	for i := range ds {
		r := uf.find(i)
		if done[r] {
			continue
		}
		done[r] = true
		m, err := astro.MergeStandardDetections(members[r]...)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if merged := len(ds) - len(out); merged > 0 {
		diagf("prepair: %d detections merged into %d", len(ds), len(out))
	}
	return out, nil
}

func (pp *PrePair) mergeable(a, b *astro.Detection) bool {
	if boxGap(a.Pixels, b.Pixels) > pp.cfg.MaxDistance {
		return false
	}
	gap, overlap := pixelGap(a.Pixels, b.Pixels)
	if overlap {
		pp.collector.Record(debug.StagePrePair, true, "overlap", 0, 0, a.ID, b.ID)
		return true
	}
	if gap > pp.cfg.MaxDistance {
		return false
	}
	ra, rb := pixelR(a.Pixels), pixelR(b.Pixels)
	union := pixelR(append(append([]geom.PixelSample(nil), a.Pixels...), b.Pixels...))
	ok := union > max(ra, rb) && union < ra+rb
	pp.collector.Record(debug.StagePrePair, ok, "combined line fit", union, max(ra, rb), a.ID, b.ID)
	return ok
}

// boxGap returns the distance between the bounding boxes of a and b.
func boxGap(a, b []geom.PixelSample) float64 {
	ba, bb := pixelBounds(a), pixelBounds(b)
	dx := max(ba.MinX-bb.MaxX, bb.MinX-ba.MaxX, 0)
	dy := max(ba.MinY-bb.MaxY, bb.MinY-ba.MaxY, 0)
	return math.Hypot(dx, dy)
}

// pixelGap returns the smallest distance between a pixel of a and one of
// b, and whether the sets share a pixel.
func pixelGap(a, b []geom.PixelSample) (float64, bool) {
	best := math.Inf(1)
	for _, p := range a {
		for _, q := range b {
			if p.X == q.X && p.Y == q.Y {
				return 0, true
			}
			best = min(best, math.Hypot(float64(p.X-q.X), float64(p.Y-q.Y)))
		}
	}
	return best, false
}

func pixelBounds(px []geom.PixelSample) geom.Rect {
	r := geom.Rect{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	for _, p := range px {
		r = r.Extend(geom.Point{X: float64(p.X), Y: float64(p.Y)})
	}
	return r
}

func pixelR(px []geom.PixelSample) float64 {
	pts := make([]geom.Point, len(px))
	for i, p := range px {
		pts[i] = geom.Point{X: float64(p.X), Y: float64(p.Y)}
	}
	return geom.LineFitR(pts)
}

// unionFind is a disjoint-set forest with path halving.
type unionFind struct {
	parent []int
	rank   []uint8
}

func newUnionFind(n int) *unionFind {
	u := &unionFind{parent: make([]int, n), rank: make([]uint8, n)}
	for i := range u.parent {
		u.parent[i] = i
	}
	return u
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.rank[ra] < u.rank[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	if u.rank[ra] == u.rank[rb] {
		u.rank[ra]++
	}
}
