// Package report renders session positions as PNG plots: an occupancy
// heatmap over the site bounds with the trail, anchors and zones drawn on
// top.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/uwb.report/internal/config"
	"github.com/banshee-data/uwb.report/internal/geom"
)

// DefaultCellSize is the heatmap bin edge in metres.
const DefaultCellSize = 1.0

// ErrEmptyBounds is returned when the plot area has no extent.
var ErrEmptyBounds = errors.New("report: bounds have no area")

// Grid counts positions per cell over a rectangle. It implements
// plotter.GridXYZ; empty cells report NaN so they render transparent.
type Grid struct {
	bounds     geom.Rect
	cell       float64
	cols, rows int
	counts     []float64

	// Total is the number of binned positions; Outside counts those that
	// fell beyond the bounds and were skipped.
	Total   int
	Outside int
}

// NewGrid bins points into cell-sized squares covering bounds.
func NewGrid(points []geom.Point, bounds geom.Rect, cell float64) (*Grid, error) {
	if bounds.MaxX <= bounds.MinX || bounds.MaxY <= bounds.MinY {
		return nil, ErrEmptyBounds
	}
	if cell <= 0 {
		cell = DefaultCellSize
	}
	g := &Grid{
		bounds: bounds,
		cell:   cell,
		cols:   int(math.Ceil((bounds.MaxX - bounds.MinX) / cell)),
		rows:   int(math.Ceil((bounds.MaxY - bounds.MinY) / cell)),
	}
	g.counts = make([]float64, g.cols*g.rows)
	for _, p := range points {
		g.Add(p)
	}
	return g, nil
}

// Add bins one position.
func (g *Grid) Add(p geom.Point) {
	if !p.IsFinite() || !g.bounds.Contains(p) {
		g.Outside++
		return
	}
	c := min(int((p.X-g.bounds.MinX)/g.cell), g.cols-1)
	r := min(int((p.Y-g.bounds.MinY)/g.cell), g.rows-1)
	g.counts[r*g.cols+c]++
	g.Total++
}

// Count returns the number of positions in cell (c, r).
func (g *Grid) Count(c, r int) int { return int(g.counts[r*g.cols+c]) }

// MaxCount returns the highest cell count.
func (g *Grid) MaxCount() int {
	m := 0.0
	for _, v := range g.counts {
		m = math.Max(m, v)
	}
	return int(m)
}

func (g *Grid) Dims() (c, r int) { return g.cols, g.rows }

func (g *Grid) Z(c, r int) float64 {
	v := g.counts[r*g.cols+c]
	if v == 0 {
		return math.NaN()
	}
	return v
}

func (g *Grid) X(c int) float64 { return g.bounds.MinX + (float64(c)+0.5)*g.cell }
func (g *Grid) Y(r int) float64 { return g.bounds.MinY + (float64(r)+0.5)*g.cell }

// Options controls what Render draws.
type Options struct {
	Title    string
	CellSize float64
	Bounds   geom.Rect
	Anchors  []config.Anchor
	Zones    []config.Zone
	// Trail draws the positions as a line on top of the heatmap.
	Trail bool
}

// OptionsFor returns render options for a resolved system.
func OptionsFor(sys *config.System, title string) Options {
	return Options{
		Title:    title,
		CellSize: DefaultCellSize,
		Bounds:   sys.Bounds,
		Anchors:  sys.Anchors[:],
		Zones:    sys.Zones,
		Trail:    true,
	}
}

var (
	anchorColor = color.RGBA{R: 220, G: 40, B: 40, A: 255}
	zoneColor   = color.RGBA{R: 40, G: 120, B: 40, A: 255}
	trailColor  = color.RGBA{R: 30, G: 30, B: 30, A: 160}
)

// Render builds the plot for points.
func Render(points []geom.Point, o Options) (*plot.Plot, *Grid, error) {
	grid, err := NewGrid(points, o.Bounds, o.CellSize)
	if err != nil {
		return nil, nil, err
	}

	p := plot.New()
	p.Title.Text = o.Title
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"

	hm := plotter.NewHeatMap(grid, palette.Heat(12, 1))
	hm.Min, hm.Max = 1, math.Max(2, float64(grid.MaxCount()))
	p.Add(hm)

	for _, z := range o.Zones {
		ring, err := plotter.NewLine(circle(z.Center, z.Radius, 64))
		if err != nil {
			return nil, nil, fmt.Errorf("zone %s: %w", z.Name, err)
		}
		ring.Color = zoneColor
		ring.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(ring)
	}

	if o.Trail {
		var xys plotter.XYs
		for _, pt := range points {
			if pt.IsFinite() {
				xys = append(xys, plotter.XY{X: pt.X, Y: pt.Y})
			}
		}
		if len(xys) >= 2 {
			line, err := plotter.NewLine(xys)
			if err != nil {
				return nil, nil, fmt.Errorf("trail: %w", err)
			}
			line.Color = trailColor
			line.Width = vg.Points(0.75)
			p.Add(line)
		}
	}

	if len(o.Anchors) > 0 {
		labels := plotter.XYLabels{XYs: make(plotter.XYs, len(o.Anchors)), Labels: make([]string, len(o.Anchors))}
		for i, a := range o.Anchors {
			labels.XYs[i] = plotter.XY{X: a.Position.X, Y: a.Position.Y}
			labels.Labels[i] = fmt.Sprintf("A%d", a.ID)
		}
		sc, err := plotter.NewScatter(labels.XYs)
		if err != nil {
			return nil, nil, fmt.Errorf("anchors: %w", err)
		}
		sc.GlyphStyle.Color = anchorColor
		sc.GlyphStyle.Shape = draw.TriangleGlyph{}
		sc.GlyphStyle.Radius = vg.Points(4)
		lb, err := plotter.NewLabels(labels)
		if err != nil {
			return nil, nil, fmt.Errorf("anchor labels: %w", err)
		}
		p.Add(sc, lb)
	}

	// Anchors sit outside the court, so pad the view to include them.
	view := o.Bounds
	for _, a := range o.Anchors {
		view.MinX = math.Min(view.MinX, a.Position.X)
		view.MinY = math.Min(view.MinY, a.Position.Y)
		view.MaxX = math.Max(view.MaxX, a.Position.X)
		view.MaxY = math.Max(view.MaxY, a.Position.Y)
	}
	p.X.Min, p.X.Max = view.MinX-1, view.MaxX+1
	p.Y.Min, p.Y.Max = view.MinY-1, view.MaxY+1
	return p, grid, nil
}

func circle(c geom.Point, r float64, n int) plotter.XYs {
	xys := make(plotter.XYs, n+1)
	for i := 0; i <= n; i++ {
		a := 2 * math.Pi * float64(i) / float64(n)
		xys[i] = plotter.XY{X: c.X + r*math.Cos(a), Y: c.Y + r*math.Sin(a)}
	}
	return xys
}

// Default PNG size.
const (
	Width  = 10 * vg.Inch
	Height = 6 * vg.Inch
)

// WritePNG renders p as a PNG to w.
func WritePNG(w io.Writer, p *plot.Plot) error {
	wt, err := p.WriterTo(Width, Height, "png")
	if err != nil {
		return fmt.Errorf("failed to create png writer: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write png: %w", err)
	}
	return nil
}

// SavePNG renders p to a file.
func SavePNG(path string, p *plot.Plot) error {
	if err := p.Save(Width, Height, path); err != nil {
		return fmt.Errorf("failed to save plot %s: %w", path, err)
	}
	return nil
}
