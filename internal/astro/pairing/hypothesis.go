package pairing

import (
	"cmp"
	"math"
	"slices"
	"time"

	"github.com/soniakeys/unit"

	"github.com/banshee-data/skytrack/internal/astro"
	"github.com/banshee-data/skytrack/internal/astro/debug"
	"github.com/banshee-data/skytrack/internal/astro/geom"
	"github.com/banshee-data/skytrack/internal/astro/imaging"
)

// psfSlack is the extent in pixels a point source occupies beyond its
// measured semi-axes.
const psfSlack = 2.0

// motion is a straight-line sky trajectory fitted to a point set.
type motion struct {
	t0     time.Time
	ra0    float64
	raFit  geom.LinearFit
	decFit geom.LinearFit
}

// fitMotion fits RA and Dec against seconds since the first point. RA is
// unwrapped around the first point and scaled by cos(Dec) so that the
// residuals of both axes are sky angles.
func fitMotion(ds []*astro.Detection) (motion, error) {
	m := motion{t0: ds[0].Mid(), ra0: ds[0].BarycenterEq.RA}
	cosDec := math.Cos(ds[0].BarycenterEq.Dec)
	ts := make([]float64, len(ds))
	ra := make([]float64, len(ds))
	dec := make([]float64, len(ds))
	for i, d := range ds {
		ts[i] = d.Mid().Sub(m.t0).Seconds()
		ra[i] = math.Remainder(d.BarycenterEq.RA-m.ra0, 2*math.Pi) * cosDec
		dec[i] = d.BarycenterEq.Dec
	}
	var err error
	if m.raFit, err = geom.Fit(ts, ra); err != nil {
		return m, err
	}
	m.decFit, err = geom.Fit(ts, dec)
	return m, err
}

// predict returns the fitted position at time at.
func (m motion) predict(at time.Time) imaging.Equatorial {
	s := at.Sub(m.t0).Seconds()
	dec := m.decFit.At(s)
	cosDec := math.Cos(m.decFit.At(0))
	ra := m.ra0 + m.raFit.At(s)/cosDec
	return imaging.Equatorial{RA: math.Mod(ra+2*math.Pi, 2*math.Pi), Dec: dec}
}

// ssr is the squared sky-angle residual of the fit, radians squared.
func (m motion) ssr() float64 { return m.raFit.SSR + m.decFit.SSR }

// pixelScale returns the angular size of a pixel at d, falling back to one
// arcsecond when the image carries no transform.
func pixelScale(d *astro.Detection) float64 {
	if d.Image != nil {
		if tr := d.Image.Transform(); tr != nil {
			if s := tr.LocalScale(d.Barycenter); s > 0 {
				return s
			}
		}
	}
	return unit.AngleFromSec(1).Rad()
}

// velocity returns the angular speed per minute implied by a pair, and
// false when both lie within the time tolerance of each other.
func (p *Pool) velocity(a, b *astro.Detection) (unit.Angle, bool) {
	dt := b.Mid().Sub(a.Mid())
	if dt < 0 {
		dt = -dt
	}
	if dt <= p.cfg.TimeTolerance {
		return 0, false
	}
	return unit.Angle(a.BarycenterEq.Separation(b.BarycenterEq).Rad() / dt.Minutes()), true
}

// VerifyPair reports whether a and b may be one object: they are from
// different epochs, the implied speed is below MaxVelocity, and the
// distance the object would cover during one exposure fits inside the
// larger of the two footprints.
func (p *Pool) VerifyPair(a, b *astro.Detection) bool {
	ids := []string{a.ID, b.ID}
	v, ok := p.velocity(a, b)
	if !ok {
		p.collector.Reject(debug.StageVerifyPair, "same epoch", 0, p.cfg.TimeTolerance.Seconds(), ids...)
		return false
	}
	if v > p.cfg.MaxVelocity {
		p.collector.Reject(debug.StageVerifyPair, "too fast", v.Sec(), p.cfg.MaxVelocity.Sec(), ids...)
		return false
	}
	exposure := max(a.Time.Exposure, b.Time.Exposure).Minutes()
	streak := v.Rad() * exposure / pixelScale(a)
	extent := 2*max(a.Shape.SemiMajor, b.Shape.SemiMajor) + psfSlack
	if streak*(1-p.cfg.TrailLengthTolerance) > extent {
		p.collector.Reject(debug.StageVerifyPair, "footprint too small for speed", streak, extent, ids...)
		return false
	}
	return true
}

// Line3Way reports whether three detections lie on one constant-velocity
// trajectory within the angular error budget.
func (p *Pool) Line3Way(a, b, c *astro.Detection) bool {
	ssr, ok := line3WaySSR(a, b, c)
	budget := p.cfg.AngularError.Rad() * p.cfg.AngularError.Rad()
	accepted := ok && ssr <= budget
	p.collector.Record(debug.StageLine3Way, accepted, "collinearity", unit.Angle(math.Sqrt(ssr)).Sec(),
		p.cfg.AngularError.Sec(), a.ID, b.ID, c.ID)
	return accepted
}

func line3WaySSR(a, b, c *astro.Detection) (float64, bool) {
	m, err := fitMotion([]*astro.Detection{a, b, c})
	if err != nil {
		return math.Inf(1), false
	}
	return m.ssr(), true
}

// PairPossible reports whether two trails may be one object: similar
// orientation, similar length, and motion along the trail axis.
func (p *Pool) PairPossible(a, b *astro.Detection) bool {
	ids := []string{a.ID, b.ID}
	if a.Kind != astro.KindTrail || b.Kind != astro.KindTrail {
		p.collector.Reject(debug.StagePairPossible, "not a trail pair", 0, 0, ids...)
		return false
	}
	thr := p.cfg.AngleDistanceDifferenceThreshold
	if d := geom.AxisAngleDistance(a.Shape.Angle, b.Shape.Angle); d > thr {
		p.collector.Reject(debug.StagePairPossible, "orientation", d, thr, ids...)
		return false
	}
	la, lb := 2*a.Shape.SemiMajor, 2*b.Shape.SemiMajor
	if diff, limit := math.Abs(la-lb), p.cfg.TrailLengthTolerance*max(la, lb); diff > limit {
		p.collector.Reject(debug.StagePairPossible, "length", diff, limit, ids...)
		return false
	}
	// Motion direction is measured on a's image plane.
	if a.Image != nil && a.Image.Transform() != nil {
		pb := a.Image.Transform().EquatorialToPixel(b.BarycenterEq)
		step := pb.Sub(a.Barycenter)
		if math.Hypot(step.X, step.Y) > la {
			dir := math.Atan2(step.Y, step.X)
			if d := geom.AxisAngleDistance(dir, a.Shape.Angle); d > thr {
				p.collector.Reject(debug.StagePairPossible, "motion off axis", d, thr, ids...)
				return false
			}
		}
	}
	p.collector.Record(debug.StagePairPossible, true, "trail pair", 0, 0, ids...)
	return true
}

// searchRadius is the prediction error radius for a fit through n points.
// It shrinks toward the fit as points are added but always keeps the
// fixed SearchExtra margin.
func (p *Pool) searchRadius(n int) unit.Angle {
	return unit.Angle(p.cfg.AngularError.Rad()*math.Sqrt(2/float64(n)) + p.cfg.SearchExtra.Rad())
}

// grow extends the pair (a, b) to the remaining epochs. For every other
// epoch, nearest to the pair first, the current fit is evaluated at the
// epoch time and the pool is queried around the prediction. Candidates
// accepted by match and Line3Way join that epoch's set; the best of them
// also joins the fit. grow returns the per-epoch sets and the number of
// epochs covered.
func (p *Pool) grow(a, b *astro.Detection, match func(c *astro.Detection) bool) ([][]*astro.Detection, int) {
	ea, eb := p.epochOf[a], p.epochOf[b]
	perEpoch := make([][]*astro.Detection, len(p.epochs))
	perEpoch[ea] = []*astro.Detection{a}
	perEpoch[eb] = []*astro.Detection{b}
	covered := 2

	order := make([]int, 0, len(p.epochs))
	for e := range p.epochs {
		if e != ea && e != eb {
			order = append(order, e)
		}
	}
	span := func(e int) time.Duration {
		t := p.epochs[e]
		return min(absDuration(t.Sub(a.Mid())), absDuration(t.Sub(b.Mid())))
	}
	slices.SortStableFunc(order, func(x, y int) int { return cmp.Compare(span(x), span(y)) })

	fitted := []*astro.Detection{a, b}
	for _, e := range order {
		m, err := fitMotion(fitted)
		if err != nil {
			break
		}
		pred := m.predict(p.epochs[e])
		cands, err := p.Query(pred, p.searchRadius(len(fitted)), e)
		if err != nil {
			break
		}
		var best *astro.Detection
		bestSSR := math.Inf(1)
		for _, c := range cands {
			if c.Paired || (match != nil && !match(c)) {
				continue
			}
			if !p.Line3Way(a, b, c) {
				continue
			}
			perEpoch[e] = append(perEpoch[e], c)
			if ssr, _ := line3WaySSR(a, b, c); ssr < bestSSR {
				best, bestSSR = c, ssr
			}
		}
		if best != nil {
			fitted = append(fitted, best)
			covered++
		}
	}
	tracef("grow %s %s: %d epochs", a, b, covered)
	return perEpoch, covered
}

// link turns a grown hypothesis into a tracklet and marks its detections
// paired. It returns nil when the hypothesis is too short or cannot be
// fitted.
func (p *Pool) link(perEpoch [][]*astro.Detection, covered int) *astro.Tracklet {
	var ids []string
	for _, ds := range perEpoch {
		for _, d := range ds {
			ids = append(ids, d.ID)
		}
	}
	minEpochs := max(p.factory.MinEpochs, 2)
	if covered < minEpochs {
		p.collector.Reject(debug.StageEpochs, "too few epochs", float64(covered), float64(minEpochs), ids...)
		return nil
	}
	t, err := p.factory.CreateTracklet(perEpoch)
	if err != nil {
		p.collector.Reject(debug.StageEpochs, err.Error(), float64(covered), float64(minEpochs), ids...)
		diagf("tracklet rejected: %v", err)
		return nil
	}
	p.collector.Record(debug.StageEpochs, true, "tracklet", float64(covered), float64(minEpochs), ids...)
	for _, ds := range perEpoch {
		for _, d := range ds {
			d.Paired = true
		}
	}
	for _, d := range t.Present() {
		d.Paired = true
	}
	return t
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
