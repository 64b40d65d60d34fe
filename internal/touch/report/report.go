// Package report renders calibration templates and recorded sessions for
// offline inspection: static heatmap PNGs via gonum.org/v1/plot, and an
// interactive HTML touch-position dashboard via go-echarts rendered to an
// in-memory buffer.
package report

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/soundgrid/touchcore/internal/touch/geometry"
	"github.com/soundgrid/touchcore/internal/touch/grid"
	"github.com/soundgrid/touchcore/internal/touch/recorder"
)

// gridHeatmap adapts a *grid.SignalGrid to plotter.GridXYZ so it can be
// rendered with plotter.NewHeatMap.
type gridHeatmap struct {
	g *grid.SignalGrid
}

func (h gridHeatmap) Dims() (c, r int)   { return h.g.Width, h.g.Height }
func (h gridHeatmap) Z(c, r int) float64 { return h.g.At(c, r) }
func (h gridHeatmap) X(c int) float64    { return float64(c) }
func (h gridHeatmap) Y(r int) float64    { return float64(r) }

func saveHeatmap(g *grid.SignalGrid, title, path string) error {
	pal := moreland.SmoothBlueRed()
	lo, hi := gridRange(g)
	if hi == lo {
		hi = lo + 1
	}
	pal.SetMin(lo)
	pal.SetMax(hi)

	h := plotter.NewHeatMap(gridHeatmap{g}, pal)

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "col"
	p.Y.Label.Text = "row"
	p.Add(h)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("report: mkdir: %w", err)
	}
	if err := p.Save(6*vg.Inch, 3*vg.Inch, path); err != nil {
		return fmt.Errorf("report: save heatmap %q: %w", path, err)
	}
	return nil
}

func gridRange(g *grid.SignalGrid) (lo, hi float64) {
	lo, hi = g.At(0, 0), g.At(0, 0)
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			v := g.At(x, y)
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}
	return lo, hi
}

// NormalizeMapHeatmap renders the calibrator's per-sensor-cell normalize
// map as a single PNG heatmap.
func NormalizeMapHeatmap(m *grid.SignalGrid, path string) error {
	return saveHeatmap(m, "Normalize Map", path)
}

// TemplateHeatmaps renders one PNG heatmap per key's calibration template,
// named key_%03d.png inside outputDir. Returns the number of files
// written.
func TemplateHeatmaps(stack *grid.SignalStack, outputDir string) (int, error) {
	if stack.Depth() != geometry.NumKeys {
		return 0, fmt.Errorf("report: expected %d template frames, got %d", geometry.NumKeys, stack.Depth())
	}
	for i := 0; i < stack.Depth(); i++ {
		path := filepath.Join(outputDir, fmt.Sprintf("key_%03d.png", i))
		title := fmt.Sprintf("Key %d template", i)
		if err := saveHeatmap(stack.Frame(i), title, path); err != nil {
			return i, err
		}
	}
	return stack.Depth(), nil
}

// SessionDashboard renders every recorded touch in a session as a
// scatter plot over sensor coordinates, colored by pressure, as a
// self-contained HTML page.
func SessionDashboard(touches []recorder.RecordedTouch, width, height int) (string, error) {
	data := make([]opts.ScatterData, 0, len(touches))
	maxZ := 0.0
	for _, t := range touches {
		if t.Z > maxZ {
			maxZ = t.Z
		}
		data = append(data, opts.ScatterData{Value: []interface{}{t.X, t.Y, t.Z, t.FrameIndex}})
	}
	if maxZ == 0 {
		maxZ = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Touch Session", Theme: "dark", Width: "900px", Height: "300px"}),
		charts.WithTitleOpts(opts.Title{Title: "Touch Session", Subtitle: fmt.Sprintf("touches=%d", len(touches))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: float32(width), Name: "X (sensor col)"}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: float32(height), Name: "Y (sensor row)"}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxZ),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#31688e", "#35b779", "#fde725"}},
		}),
	)
	scatter.AddSeries("touches", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		return "", fmt.Errorf("report: render dashboard: %w", err)
	}
	return buf.String(), nil
}
