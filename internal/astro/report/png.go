package report

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

const (
	chartWidth  = 8 * vg.Inch
	chartHeight = 8 * vg.Inch
)

func (c *Chart) xys(centre Point, ps []Point) plotter.XYs {
	out := make(plotter.XYs, len(ps))
	for i, p := range ps {
		out[i].X, out[i].Y = offset(centre, p)
	}
	return out
}

// Plot lays the chart out as a gonum plot: detections as grey dots and
// each track as a coloured polyline.
func (c *Chart) Plot() (*plot.Plot, error) {
	centre := c.Centre()
	p := plot.New()
	p.Title.Text = c.Title
	p.X.Label.Text = "dRA cos(Dec) (arcsec)"
	p.Y.Label.Text = "dDec (arcsec)"
	p.Add(plotter.NewGrid())

	if len(c.Detections) > 0 {
		s, err := plotter.NewScatter(c.xys(centre, c.Detections))
		if err != nil {
			return nil, fmt.Errorf("report: detections: %w", err)
		}
		s.GlyphStyle.Color = color.Gray{Y: 150}
		s.GlyphStyle.Radius = vg.Points(1.5)
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(s)
		p.Legend.Add("detections", s)
	}

	colors := generateColors(len(c.Tracks))
	for i, t := range c.Tracks {
		if len(t.Points) == 0 {
			continue
		}
		line, pts, err := plotter.NewLinePoints(c.xys(centre, t.Points))
		if err != nil {
			return nil, fmt.Errorf("report: track %s: %w", t.ID, err)
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		pts.GlyphStyle.Color = colors[i]
		pts.GlyphStyle.Radius = vg.Points(2.5)
		pts.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(line, pts)
		p.Legend.Add(fmt.Sprintf("%s %.1f\"/min", shortID(t.ID), t.SpeedArcsecMin), line, pts)
	}
	p.Legend.Top = true
	return p, nil
}

// WritePNG renders the chart as a PNG image to w.
func (c *Chart) WritePNG(w io.Writer) error {
	p, err := c.Plot()
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(chartWidth, chartHeight, "png")
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// SavePNG writes the chart to a PNG file.
func (c *Chart) SavePNG(path string) error {
	p, err := c.Plot()
	if err != nil {
		return err
	}
	if err := p.Save(chartWidth, chartHeight, path); err != nil {
		return fmt.Errorf("report: save %s: %w", path, err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
