package pairing

import (
	"cmp"
	"slices"

	"github.com/banshee-data/skytrack/internal/astro"
	"github.com/banshee-data/skytrack/internal/astro/debug"
)

// minSharedDetections is the overlap at which two tracklets are taken to
// describe the same object.
const minSharedDetections = 2

// Deduplicator drops tracklets that share detections with a better one.
type Deduplicator struct {
	cfg       DedupConfig
	collector *debug.Collector
}

// NewDeduplicator returns a Deduplicator; c may be nil.
func NewDeduplicator(cfg DedupConfig, c *debug.Collector) *Deduplicator {
	return &Deduplicator{cfg: cfg, collector: c}
}

// Deduplicate compares every pair of tracklets. When two share at least
// two detections, counting detections within the separation of each
// other as shared, the one with the larger residual is dropped. Ties keep
// the earlier tracklet. The survivors keep their input order, and
// running Deduplicate on its own output returns it unchanged.
func (d *Deduplicator) Deduplicate(ts []*astro.Tracklet) []*astro.Tracklet {
	order := make([]int, len(ts))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(ts[a].Residual(), ts[b].Residual())
	})

	keep := make([]bool, len(ts))
	var kept []int
	for _, i := range order {
		dup := -1
		for _, k := range kept {
			if d.shared(ts[i], ts[k]) >= minSharedDetections {
				dup = k
				break
			}
		}
		if dup >= 0 {
			d.collector.Reject(debug.StageDedup, "higher residual", ts[i].Residual(), ts[dup].Residual(), ts[i].ID, ts[dup].ID)
			continue
		}
		keep[i] = true
		kept = append(kept, i)
	}

	out := make([]*astro.Tracklet, 0, len(kept))
	for i, t := range ts {
		if keep[i] {
			out = append(out, t)
		}
	}
	if dropped := len(ts) - len(out); dropped > 0 {
		diagf("dedup: dropped %d of %d tracklets", dropped, len(ts))
	}
	return out
}

// shared counts the detections of a that coincide with one of b's.
func (d *Deduplicator) shared(a, b *astro.Tracklet) int {
	n := 0
	for _, da := range a.Present() {
		for _, db := range b.Present() {
			if da == db || da.ID == db.ID ||
				(da.Mid().Equal(db.Mid()) && da.BarycenterEq.Separation(db.BarycenterEq) <= d.cfg.Separation) {
				n++
				break
			}
		}
	}
	return n
}
