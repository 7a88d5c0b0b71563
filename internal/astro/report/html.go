package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

func (c *Chart) scatterData(centre Point, ps []Point) []opts.ScatterData {
	out := make([]opts.ScatterData, len(ps))
	for i, p := range ps {
		x, y := offset(centre, p)
		out[i] = opts.ScatterData{Value: []interface{}{x, y}}
	}
	return out
}

// RenderHTML writes the chart as a self-contained echarts page to w.
func (c *Chart) RenderHTML(w io.Writer) error {
	centre := c.Centre()
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: c.Title, Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    c.Title,
			Subtitle: fmt.Sprintf("%s centre RA=%.5f Dec=%.5f", c.Subtitle, centre.RA, centre.Dec),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "dRA cos(Dec) (arcsec)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "dDec (arcsec)", NameLocation: "middle", NameGap: 40}),
	)

	scatter.AddSeries("detections", c.scatterData(centre, c.Detections),
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#888888"}))
	colors := generateColors(len(c.Tracks))
	for i, t := range c.Tracks {
		scatter.AddSeries(fmt.Sprintf("%s %.1f\"/min", shortID(t.ID), t.SpeedArcsecMin), c.scatterData(centre, t.Points),
			charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: hexColor(colors[i])}))
	}
	if err := scatter.Render(w); err != nil {
		return fmt.Errorf("report: render chart: %w", err)
	}
	return nil
}
