// Package report draws the summary figures: one panel per region comparing the
// QSM methods, and a bar chart of mean CSvO2 per method.
package report

import (
	"fmt"
	"image"
	"math"

	"github.com/carbocation/pfx"
	"github.com/carbocation/qsmpipe/metrics"
	"github.com/carbocation/qsmpipe/qc"
	"github.com/fogleman/gg"
)

type Kind string

const (
	KindBox    Kind = "box"
	KindViolin Kind = "violin"
)

type PlotOptions struct {
	Kind Kind

	// YLim is [min, max]. Empty fits the data.
	YLim []float64

	// Size of one facet in pixels; facets are stacked vertically.
	Width, Height int

	// Palette cycles over methods.
	Palette []string
}

func DefaultPlotOptions() PlotOptions {
	return PlotOptions{
		Kind:    KindBox,
		YLim:    []float64{0, 0.07},
		Width:   1200,
		Height:  300,
		Palette: qc.Tab10,
	}
}

// Facet is one region's values grouped by method.
type Facet struct {
	Region  string
	Methods []string
	Values  map[string][]float64
}

// Facets groups long rows by region, then method, both in order of first
// appearance. Missing values are dropped.
func Facets(rows []*metrics.LongRow) []Facet {
	var out []Facet
	index := make(map[string]int)

	for _, r := range rows {
		i, exists := index[r.Region]
		if !exists {
			i = len(out)
			index[r.Region] = i
			out = append(out, Facet{Region: r.Region, Values: make(map[string][]float64)})
		}

		f := &out[i]
		if _, seen := f.Values[r.Method]; !seen {
			f.Methods = append(f.Methods, r.Method)
			f.Values[r.Method] = nil
		}
		if v := float64(r.Value); !metrics.IsMissing(v) {
			f.Values[r.Method] = append(f.Values[r.Method], v)
		}
	}

	return out
}

// Panel margins, in pixels.
const (
	marginLeft   = 70
	marginRight  = 20
	marginTop    = 28
	marginBottom = 30
	gridLines    = 7
)

// FacetPlot draws every region as its own panel, stacked top to bottom, with
// methods along the x axis. Methods keep one color across panels.
func FacetPlot(rows []*metrics.LongRow, opts PlotOptions) (image.Image, error) {
	facets := Facets(rows)
	if len(facets) == 0 {
		return nil, fmt.Errorf("nothing to plot")
	}
	if opts.Kind != KindBox && opts.Kind != KindViolin {
		return nil, fmt.Errorf("unknown plot kind %q", opts.Kind)
	}
	if len(opts.Palette) == 0 {
		opts.Palette = qc.Tab10
	}

	colors := methodColors(facets, opts.Palette)

	dc := gg.NewContext(opts.Width, opts.Height*len(facets))
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	for i, f := range facets {
		lo, hi := yRange(f, opts.YLim)

		p := panel{
			dc:     dc,
			left:   marginLeft,
			right:  float64(opts.Width - marginRight),
			top:    float64(i*opts.Height + marginTop),
			bottom: float64((i+1)*opts.Height - marginBottom),
			lo:     lo,
			hi:     hi,
		}
		p.frame(f.Region, f.Methods)

		slot := (p.right - p.left) / float64(len(f.Methods))
		for j, method := range f.Methods {
			values := f.Values[method]
			if len(values) == 0 {
				continue
			}

			center := p.left + slot*(float64(j)+0.5)
			var err error
			p.clip()
			switch opts.Kind {
			case KindBox:
				err = p.box(center, slot*0.6, values, colors[method])
			case KindViolin:
				err = p.violin(center, slot*0.8, values, colors[method])
			}
			dc.ResetClip()
			if err != nil {
				return nil, fmt.Errorf("%s, %s: %w", f.Region, method, err)
			}
		}
	}

	return dc.Image(), nil
}

// SaveFacetPlot renders FacetPlot to a PNG file.
func SaveFacetPlot(path string, rows []*metrics.LongRow, opts PlotOptions) error {
	img, err := FacetPlot(rows, opts)
	if err != nil {
		return err
	}

	return pfx.Err(gg.SavePNG(path, img))
}

func methodColors(facets []Facet, palette []string) map[string]string {
	out := make(map[string]string)
	for _, f := range facets {
		for _, m := range f.Methods {
			if _, exists := out[m]; !exists {
				out[m] = palette[len(out)%len(palette)]
			}
		}
	}
	return out
}

func yRange(f Facet, ylim []float64) (float64, float64) {
	if len(ylim) == 2 {
		return ylim[0], ylim[1]
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, values := range f.Values {
		for _, x := range values {
			lo, hi = math.Min(lo, x), math.Max(hi, x)
		}
	}
	if math.IsInf(lo, 0) {
		return 0, 1
	}
	if lo == hi {
		lo, hi = lo-0.5, hi+0.5
	}
	pad := 0.05 * (hi - lo)

	return lo - pad, hi + pad
}

type panel struct {
	dc                       *gg.Context
	left, right, top, bottom float64
	lo, hi                   float64
}

func (p panel) y(v float64) float64 {
	return p.bottom - (v-p.lo)/(p.hi-p.lo)*(p.bottom-p.top)
}

func (p panel) clip() {
	p.dc.DrawRectangle(p.left, p.top, p.right-p.left, p.bottom-p.top)
	p.dc.Clip()
}

// frame draws the title, horizontal grid with tick labels, the axes and the
// method names.
func (p panel) frame(title string, methods []string) {
	dc := p.dc

	dc.SetLineWidth(1)
	for i := 0; i < gridLines; i++ {
		v := p.lo + (p.hi-p.lo)*float64(i)/float64(gridLines-1)
		y := p.y(v)

		dc.SetRGB(0.85, 0.85, 0.85)
		dc.DrawLine(p.left, y, p.right, y)
		dc.Stroke()

		dc.SetRGB(0.2, 0.2, 0.2)
		dc.DrawStringAnchored(fmt.Sprintf("%.3g", v), p.left-6, y, 1, 0.5)
	}

	dc.SetRGB(0, 0, 0)
	dc.DrawLine(p.left, p.top, p.left, p.bottom)
	dc.DrawLine(p.left, p.bottom, p.right, p.bottom)
	dc.Stroke()

	dc.DrawStringAnchored("Region = "+title, (p.left+p.right)/2, p.top-10, 0.5, 0.5)

	slot := (p.right - p.left) / float64(len(methods))
	for j, m := range methods {
		dc.DrawStringAnchored(m, p.left+slot*(float64(j)+0.5), p.bottom+14, 0.5, 0.5)
	}
}

func (p panel) box(center, width float64, values []float64, hex string) error {
	b, err := Box(values)
	if err != nil {
		return err
	}

	dc := p.dc
	half := width / 2

	dc.SetColor(qc.MustColor(hex))
	dc.DrawRectangle(center-half, p.y(b.Q3), width, p.y(b.Q1)-p.y(b.Q3))
	dc.Fill()

	dc.SetRGB(0.25, 0.25, 0.25)
	dc.SetLineWidth(1.5)
	dc.DrawRectangle(center-half, p.y(b.Q3), width, p.y(b.Q1)-p.y(b.Q3))
	dc.DrawLine(center-half, p.y(b.Median), center+half, p.y(b.Median))
	dc.DrawLine(center, p.y(b.Q3), center, p.y(b.High))
	dc.DrawLine(center, p.y(b.Q1), center, p.y(b.Low))
	dc.DrawLine(center-half/2, p.y(b.High), center+half/2, p.y(b.High))
	dc.DrawLine(center-half/2, p.y(b.Low), center+half/2, p.y(b.Low))
	dc.Stroke()

	for _, x := range b.Outliers {
		dc.DrawCircle(center, p.y(x), 3)
		dc.Stroke()
	}

	return nil
}

// violin draws a mirrored density; the widest point spans width. Categories
// with a single distinct value fall back to a line at that value.
func (p panel) violin(center, width float64, values []float64, hex string) error {
	dc := p.dc

	support := violinSupport(values, 100)
	density := Density(values, support)

	b, err := Box(values)
	if err != nil {
		return err
	}

	if density == nil {
		dc.SetColor(qc.MustColor(hex))
		dc.SetLineWidth(2)
		dc.DrawLine(center-width/2, p.y(values[0]), center+width/2, p.y(values[0]))
		dc.Stroke()
		return nil
	}

	var peak float64
	for _, d := range density {
		peak = math.Max(peak, d)
	}
	scale := width / 2 / peak

	dc.MoveTo(center+density[0]*scale, p.y(support[0]))
	for i := 1; i < len(support); i++ {
		dc.LineTo(center+density[i]*scale, p.y(support[i]))
	}
	for i := len(support) - 1; i >= 0; i-- {
		dc.LineTo(center-density[i]*scale, p.y(support[i]))
	}
	dc.ClosePath()
	dc.SetColor(qc.MustColor(hex))
	dc.FillPreserve()
	dc.SetRGB(0.25, 0.25, 0.25)
	dc.SetLineWidth(1.5)
	dc.Stroke()

	// Inner box: interquartile bar and median dot.
	dc.SetLineWidth(5)
	dc.DrawLine(center, p.y(b.Q1), center, p.y(b.Q3))
	dc.Stroke()
	dc.SetRGB(1, 1, 1)
	dc.DrawCircle(center, p.y(b.Median), 2.5)
	dc.Fill()

	return nil
}
