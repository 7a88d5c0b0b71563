package report

import (
	"fmt"
	"image/color"
	"math"

	"github.com/soniakeys/unit"

	"github.com/banshee-data/skytrack/internal/astro"
	"github.com/banshee-data/skytrack/internal/astro/pipeline"
)

// Point is a sky position in degrees.
type Point struct {
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

// Track is one tracklet of a chart.
type Track struct {
	ID             string  `json:"id"`
	Points         []Point `json:"points"`
	SpeedArcsecMin float64 `json:"speed_arcsec_min"`
}

// Chart is the plotted content of one run.
type Chart struct {
	Title      string  `json:"title"`
	Subtitle   string  `json:"subtitle,omitempty"`
	Detections []Point `json:"detections"`
	Tracks     []Track `json:"tracks"`
}

func pointOf(d *astro.Detection) Point {
	return Point{
		RA:  unit.Angle(d.BarycenterEq.RA).Deg(),
		Dec: unit.Angle(d.BarycenterEq.Dec).Deg(),
	}
}

// TrackOf converts a tracklet.
func TrackOf(t *astro.Tracklet) Track {
	present := t.Present()
	tr := Track{ID: t.ID, Points: make([]Point, len(present)), SpeedArcsecMin: t.AngularSpeed().Sec() * 60}
	for i, d := range present {
		tr.Points[i] = pointOf(d)
	}
	return tr
}

// FromResult builds the chart of a pipeline run.
func FromResult(res *pipeline.Result) *Chart {
	c := &Chart{
		Title:      "Run " + res.Summary.RunID,
		Subtitle:   fmt.Sprintf("%d frames, %d detections, %d tracklets", res.Summary.Frames, len(res.Detections), len(res.Tracklets)),
		Detections: make([]Point, len(res.Detections)),
		Tracks:     make([]Track, len(res.Tracklets)),
	}
	for i, d := range res.Detections {
		c.Detections[i] = pointOf(d)
	}
	for i, t := range res.Tracklets {
		c.Tracks[i] = TrackOf(t)
	}
	return c
}

// Centre returns the mean position of every point on the chart, with RA
// averaged on the unit circle. An empty chart is centred on zero.
func (c *Chart) Centre() Point {
	var sx, sy, dec float64
	n := 0
	add := func(p Point) {
		ra := p.RA * math.Pi / 180
		sx += math.Cos(ra)
		sy += math.Sin(ra)
		dec += p.Dec
		n++
	}
	for _, p := range c.Detections {
		add(p)
	}
	for _, t := range c.Tracks {
		for _, p := range t.Points {
			add(p)
		}
	}
	if n == 0 {
		return Point{}
	}
	ra := math.Atan2(sy, sx) * 180 / math.Pi
	if ra < 0 {
		ra += 360
	}
	return Point{RA: ra, Dec: dec / float64(n)}
}

// offset returns p relative to centre in arcseconds.
func offset(centre, p Point) (x, y float64) {
	dra := math.Remainder(p.RA-centre.RA, 360)
	x = dra * math.Cos(centre.Dec*math.Pi/180) * 3600
	y = (p.Dec - centre.Dec) * 3600
	return x, y
}

// generateColors returns n colors spread evenly in hue.
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	colors := make([]color.Color, n)
	for i := range n {
		r, g, b := hslToRGB(float64(i)/float64(n), 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// hslToRGB converts HSL to RGB (0-255 range)
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	if s == 0 {
		v := uint8(l * 255)
		return v, v, v
	}
	q := l + s - l*s
	if l < 0.5 {
		q = l * (1 + s)
	}
	p := 2*l - q
	return uint8(hueToRGB(p, q, h+1.0/3.0) * 255), uint8(hueToRGB(p, q, h) * 255), uint8(hueToRGB(p, q, h-1.0/3.0) * 255)
}

func hueToRGB(p, q, t float64) float64 {
	switch {
	case t < 0:
		t++
	case t > 1:
		t--
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 1.0/2.0:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}

func hexColor(c color.Color) string {
	r, g, b, _ := c.RGBA()
	return fmt.Sprintf("#%02x%02x%02x", r>>8, g>>8, b>>8)
}
