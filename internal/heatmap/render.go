package heatmap

import (
	"fmt"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// RenderPNG writes the grid as a PNG image.
func (g *Grid) RenderPNG(w io.Writer, title string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "x target " + g.axisUnit()
	p.Y.Label.Text = "y level " + g.axisUnit()

	hm := plotter.NewHeatMap(g, palette.Heat(32, 1))
	p.Add(hm)

	wt, err := p.WriterTo(6*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("rendering heatmap png: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("writing heatmap png: %w", err)
	}
	return nil
}

// RenderHTML writes the grid as a standalone interactive echarts page.
func (g *Grid) RenderHTML(w io.Writer, title string) error {
	xLabels := make([]string, len(g.XVolts))
	for i, v := range g.XVolts {
		xLabels[i] = strconv.FormatFloat(v, 'g', 4, 64)
	}
	yLabels := make([]string, len(g.YVolts))
	for i, v := range g.YVolts {
		yLabels[i] = strconv.FormatFloat(v, 'g', 4, 64)
	}

	data := make([]opts.HeatMapData, 0, len(g.XVolts)*len(g.YVolts))
	for r, row := range g.Cells {
		for c, v := range row {
			data = append(data, opts.HeatMapData{Value: []any{c, r, v}})
		}
	}
	min, max := g.Bounds()

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "item"}),
		charts.WithXAxisOpts(opts.XAxis{
			Type: "category", Data: xLabels, Name: "x target " + g.axisUnit(),
			SplitArea: &opts.SplitArea{Show: opts.Bool(true)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Type: "category", Data: yLabels, Name: "y level " + g.axisUnit(),
			SplitArea: &opts.SplitArea{Show: opts.Bool(true)},
		}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Calculable: opts.Bool(true),
			Min:        float32(min),
			Max:        float32(max),
			Orient:     "horizontal", Left: "center", Bottom: "2%",
		}),
	)
	hm.AddSeries("signal", data)

	if err := hm.Render(w); err != nil {
		return fmt.Errorf("rendering heatmap html: %w", err)
	}
	return nil
}
