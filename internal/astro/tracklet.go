package astro

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/soniakeys/unit"

	"github.com/banshee-data/skytrack/internal/astro/geom"
	"github.com/banshee-data/skytrack/internal/astro/imaging"
)

// MinTrackletEpochs is the number of distinct observation times a tracklet
// must span.
const MinTrackletEpochs = 3

// Tracklet is a set of detections, at most one per observation epoch,
// hypothesised to be one object moving at constant velocity. RA and Dec
// are fitted linearly against seconds since ZeroTime.
type Tracklet struct {
	ID string
	// Detections has one slot per epoch of the run in time order; absent
	// epochs are nil.
	Detections []*Detection
	ZeroTime   time.Time

	RAFit  geom.LinearFit // radians, RA unwrapped around the first detection
	DecFit geom.LinearFit // radians

	VelocityPixel geom.Point         // pixels per second
	VelocityEq    imaging.Equatorial // radians per second in RA and Dec
}

// Present returns the non-nil detections in epoch order.
func (t *Tracklet) Present() []*Detection {
	out := make([]*Detection, 0, len(t.Detections))
	for _, d := range t.Detections {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}

// Residual is the combined sum of squared residuals of the RA and Dec fits.
func (t *Tracklet) Residual() float64 { return t.RAFit.SSR + t.DecFit.SSR }

// AngularSpeed returns the sky-plane speed per second.
func (t *Tracklet) AngularSpeed() unit.Angle {
	dec := t.DecFit.Intercept
	return unit.Angle(math.Hypot(t.VelocityEq.RA*math.Cos(dec), t.VelocityEq.Dec))
}

// PredictEq returns the fitted sky position at time at.
func (t *Tracklet) PredictEq(at time.Time) imaging.Equatorial {
	s := at.Sub(t.ZeroTime).Seconds()
	return imaging.Equatorial{RA: wrapRA(t.RAFit.At(s)), Dec: t.DecFit.At(s)}
}

func (t *Tracklet) String() string {
	return fmt.Sprintf("tracklet %s: %d epochs, %.3f\"/min, residual %.3g",
		shortID(t.ID), len(t.Present()), t.AngularSpeed().Sec()*60, t.Residual())
}

// TrackletFactory builds tracklets from per-epoch detection sets.
type TrackletFactory struct {
	MinEpochs int
}

// NewTrackletFactory returns a factory requiring MinTrackletEpochs epochs.
func NewTrackletFactory() *TrackletFactory {
	return &TrackletFactory{MinEpochs: MinTrackletEpochs}
}

// CreateTracklet merges each epoch's detections into one and fits the
// motion. perEpoch[i] holds the detections matched at epoch i; empty
// slots stay nil in the result. Fewer than MinEpochs distinct observation
// times fail with ErrTooFewEpochs.
func (f *TrackletFactory) CreateTracklet(perEpoch [][]*Detection) (*Tracklet, error) {
	t := &Tracklet{ID: uuid.NewString(), Detections: make([]*Detection, len(perEpoch))}
	times := make(map[time.Time]struct{})
	for i, ds := range perEpoch {
		if len(ds) == 0 {
			continue
		}
		d, err := MergeStandardDetections(ds...)
		if err != nil {
			return nil, fmt.Errorf("astro: epoch %d: %w", i, err)
		}
		t.Detections[i] = d
		times[d.Mid()] = struct{}{}
	}
	minEpochs := max(f.MinEpochs, 2)
	if len(times) < minEpochs {
		return nil, fmt.Errorf("%w: %d distinct times, need %d", ErrTooFewEpochs, len(times), minEpochs)
	}
	if err := t.fit(); err != nil {
		return nil, err
	}
	return t, nil
}

// fit regresses RA, Dec and pixel position on time.
func (t *Tracklet) fit() error {
	present := t.Present()
	t.ZeroTime = present[0].Mid()
	for _, d := range present[1:] {
		if d.Mid().Before(t.ZeroTime) {
			t.ZeroTime = d.Mid()
		}
	}
	ra0 := present[0].BarycenterEq.RA
	n := len(present)
	ts := make([]float64, n)
	ra := make([]float64, n)
	dec := make([]float64, n)
	px := make([]float64, n)
	py := make([]float64, n)
	for i, d := range present {
		ts[i] = d.Mid().Sub(t.ZeroTime).Seconds()
		ra[i] = ra0 + unwrapDelta(d.BarycenterEq.RA-ra0)
		dec[i] = d.BarycenterEq.Dec
		px[i], py[i] = d.Barycenter.X, d.Barycenter.Y
	}
	var err error
	if t.RAFit, err = geom.Fit(ts, ra); err != nil {
		return fmt.Errorf("astro: RA fit: %w", err)
	}
	if t.DecFit, err = geom.Fit(ts, dec); err != nil {
		return fmt.Errorf("astro: Dec fit: %w", err)
	}
	fx, err := geom.Fit(ts, px)
	if err != nil {
		return fmt.Errorf("astro: pixel fit: %w", err)
	}
	fy, err := geom.Fit(ts, py)
	if err != nil {
		return fmt.Errorf("astro: pixel fit: %w", err)
	}
	t.VelocityPixel = geom.Point{X: fx.Slope, Y: fy.Slope}
	t.VelocityEq = imaging.Equatorial{RA: t.RAFit.Slope, Dec: t.DecFit.Slope}
	return nil
}

// unwrapDelta maps an RA difference into (-π, π].
func unwrapDelta(d float64) float64 {
	d = math.Mod(d, 2*math.Pi)
	if d > math.Pi {
		d -= 2 * math.Pi
	} else if d <= -math.Pi {
		d += 2 * math.Pi
	}
	return d
}

func wrapRA(ra float64) float64 {
	ra = math.Mod(ra, 2*math.Pi)
	if ra < 0 {
		ra += 2 * math.Pi
	}
	return ra
}
