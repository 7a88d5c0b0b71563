package astro

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/skytrack/internal/astro/geom"
	"github.com/banshee-data/skytrack/internal/astro/imaging"
)

var (
	// ErrEmptyDetection is returned when a detection is built from no pixels.
	ErrEmptyDetection = errors.New("astro: detection has no pixels")
	// ErrMixedImages is returned when merging detections of different images.
	ErrMixedImages = errors.New("astro: detections belong to different images")
	// ErrTooFewEpochs is returned when a tracklet spans fewer distinct
	// observation times than required.
	ErrTooFewEpochs = errors.New("astro: too few epochs for a tracklet")
)

// Kind classifies the source of a detection.
type Kind uint8

const (
	KindDot   Kind = iota // compact source from the dot detector
	KindTrail             // streak from the long trail detector
)

func (k Kind) String() string {
	switch k {
	case KindDot:
		return "dot"
	case KindTrail:
		return "trail"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Detection is a source found on one image. The position fields are fixed
// at construction; the remaining fields are annotations that detectors and
// linking stages fill in.
type Detection struct {
	ID    string
	Image imaging.Store
	Time  imaging.ObservationTime

	Barycenter   geom.Point // flux-weighted centroid, image pixels
	BarycenterEq imaging.Equatorial
	Centroid     geom.Point // unweighted centroid

	Shape     geom.Ellipse  // unweighted pixel-domain ellipse
	FluxShape *geom.Ellipse // flux-weighted ellipse, nil without positive flux
	Flux      float64
	Pixels    []geom.PixelSample

	Kind         Kind
	Algorithm    string
	Paired       bool
	StarPolluted bool
}

// Mid returns the mid-exposure time of the detection's image.
func (d *Detection) Mid() time.Time { return d.Time.Mid() }

func (d *Detection) String() string {
	return fmt.Sprintf("%s %s(%.1f,%.1f) %s flux=%.1f n=%d", shortID(d.ID), d.Kind,
		d.Barycenter.X, d.Barycenter.Y, d.BarycenterEq, d.Flux, len(d.Pixels))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// CreateDetection builds a detection of img from its pixels. Unweighted and
// flux-weighted moments are accumulated in one pass. Pixels with negative
// background-relative values contribute to the unweighted shape only. When
// the total positive flux is zero the barycenter falls back to the
// unweighted centroid and FluxShape is left nil.
func CreateDetection(img imaging.Store, pixels []geom.PixelSample) (*Detection, error) {
	if len(pixels) == 0 {
		return nil, ErrEmptyDetection
	}
	var plain, weighted geom.MomentAccumulator
	var flux float64
	for _, p := range pixels {
		x, y := float64(p.X), float64(p.Y)
		plain.Add(x, y, 1)
		if p.Value > 0 {
			weighted.Add(x, y, p.Value)
		}
		flux += p.Value
	}
	pm, err := plain.Moments()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmptyDetection, err)
	}

	d := &Detection{
		ID:       uuid.NewString(),
		Image:    img,
		Centroid: pm.Center(),
		Shape:    pm.Ellipse(),
		Flux:     flux,
		Pixels:   append([]geom.PixelSample(nil), pixels...),
	}
	d.Barycenter = d.Centroid
	if wm, err := weighted.Moments(); err == nil {
		fs := wm.Ellipse()
		d.FluxShape = &fs
		d.Barycenter = wm.Center()
	}
	if img != nil {
		d.Time = img.Time()
		if tr := img.Transform(); tr != nil {
			d.BarycenterEq = tr.PixelToEquatorial(d.Barycenter)
		}
	}
	return d, nil
}

// MergeStandardDetections unions the pixels of detections sharing one image
// and rebuilds a single detection from them. A pixel present in several
// inputs is kept once. The result is a trail when any input is, and keeps
// the first input's algorithm tag.
func MergeStandardDetections(ds ...*Detection) (*Detection, error) {
	if len(ds) == 0 {
		return nil, ErrEmptyDetection
	}
	if len(ds) == 1 {
		return ds[0], nil
	}
	img := ds[0].Image
	type key struct{ x, y int }
	seen := make(map[key]struct{})
	var pixels []geom.PixelSample
	kind := ds[0].Kind
	polluted := false
	for _, d := range ds {
		if d.Image != img {
			return nil, fmt.Errorf("%w: %s and %s", ErrMixedImages, imageID(img), imageID(d.Image))
		}
		if d.Kind == KindTrail {
			kind = KindTrail
		}
		polluted = polluted || d.StarPolluted
		for _, p := range d.Pixels {
			k := key{p.X, p.Y}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			pixels = append(pixels, p)
		}
	}
	m, err := CreateDetection(img, pixels)
	if err != nil {
		return nil, err
	}
	m.Kind = kind
	m.Algorithm = ds[0].Algorithm
	m.StarPolluted = polluted
	return m, nil
}

func imageID(s imaging.Store) string {
	if s == nil {
		return "<nil>"
	}
	return s.ID()
}

// Star is a fixed source found on the median background image.
type Star struct {
	Eq     imaging.Equatorial
	Pixel  geom.Point
	Radius float64 // pixels
	Shape  geom.Ellipse
	Flux   float64
}
