package report

import (
	"bytes"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/carbocation/qsmpipe/metrics"
)

func longRows() []*metrics.LongRow {
	var rows []*metrics.LongRow
	methods := []string{"resharp_rts", "vsharp_star", "pdf_ilsqr"}
	for s := 0; s < 8; s++ {
		for m, method := range methods {
			for _, region := range []string{"Thalamus", "Putamen"} {
				v := 0.01 + 0.005*float64(m) + 0.001*float64(s)
				if region == "Putamen" && s == 0 {
					v = math.NaN()
				}
				rows = append(rows, &metrics.LongRow{ID: "S", Method: method, Region: region, Value: metrics.Value(v)})
			}
		}
	}
	return rows
}

func TestFacetsGroupInFirstSeenOrder(t *testing.T) {
	facets := Facets(longRows())
	if len(facets) != 2 || facets[0].Region != "Thalamus" || facets[1].Region != "Putamen" {
		t.Fatalf("facets = %+v", facets)
	}
	if got := facets[0].Methods; len(got) != 3 || got[2] != "pdf_ilsqr" {
		t.Errorf("methods = %v", got)
	}
	if n := len(facets[1].Values["vsharp_star"]); n != 7 {
		t.Errorf("missing values were kept: %d values", n)
	}
}

func TestBox(t *testing.T) {
	b, err := Box([]float64{7, 1, 2, 3, 4, 5, 6, 100})
	if err != nil {
		t.Fatal(err)
	}

	if b.Q1 != 2.5 || b.Median != 4.5 || b.Q3 != 6.5 {
		t.Errorf("quartiles = %g %g %g", b.Q1, b.Median, b.Q3)
	}
	if b.Low != 1 || b.High != 7 {
		t.Errorf("whiskers = %g %g", b.Low, b.High)
	}
	if len(b.Outliers) != 1 || b.Outliers[0] != 100 {
		t.Errorf("outliers = %v", b.Outliers)
	}

	if one, err := Box([]float64{3}); err != nil || one.Median != 3 || one.Low != 3 {
		t.Errorf("single value: %+v, %v", one, err)
	}
	if _, err := Box(nil); err == nil {
		t.Error("expected an error for no values")
	}
}

func TestDensityIntegratesToOne(t *testing.T) {
	values := []float64{0.1, 0.2, 0.25, 0.3, 0.5, 0.55, 0.9}
	support := violinSupport(values, 2000)

	// Two bandwidths either side leaves a few percent of the mass outside.
	density := Density(values, support)
	step := support[1] - support[0]
	var total float64
	for _, d := range density {
		total += d * step
	}
	if total < 0.9 || total > 1.0001 {
		t.Errorf("density integrates to %g", total)
	}

	if Density([]float64{1, 1, 1}, support) != nil {
		t.Error("expected nil density for constant values")
	}
}

func TestFacetPlot(t *testing.T) {
	for _, kind := range []Kind{KindBox, KindViolin} {
		opts := DefaultPlotOptions()
		opts.Kind = kind
		opts.Width, opts.Height = 400, 120

		img, err := FacetPlot(longRows(), opts)
		if err != nil {
			t.Fatal(kind, err)
		}
		if b := img.Bounds(); b.Dx() != 400 || b.Dy() != 240 {
			t.Errorf("%s: image is %v", kind, b)
		}
	}

	opts := DefaultPlotOptions()
	opts.Kind = "strip"
	if _, err := FacetPlot(longRows(), opts); err == nil {
		t.Error("expected an error for an unknown kind")
	}
	if _, err := FacetPlot(nil, DefaultPlotOptions()); err == nil {
		t.Error("expected an error for no rows")
	}
}

func TestSaveFacetPlotFitsData(t *testing.T) {
	opts := DefaultPlotOptions()
	opts.YLim = nil
	opts.Width, opts.Height = 300, 100

	path := filepath.Join(t.TempDir(), "plot.png")
	if err := SaveFacetPlot(path, longRows(), opts); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := png.Decode(f); err != nil {
		t.Fatal(err)
	}
}

func TestMeanSaturation(t *testing.T) {
	table := metrics.NewTable(nil)
	for i, csvo2 := range []float64{0.6, 0.7, math.NaN()} {
		for _, variant := range []string{"resharp_rts", "medi"} {
			row := metrics.NewRow("S", variant)
			if variant == "resharp_rts" || i == 2 {
				row.CSvO2 = csvo2
			}
			table.Add(row)
		}
	}

	means := MeanSaturation(table.Rows)
	if len(means) != 1 || means[0].Method != "resharp_rts" || means[0].N != 2 {
		t.Fatalf("means = %+v", means)
	}
	if math.Abs(means[0].Mean-0.65) > 1e-12 {
		t.Errorf("mean = %g", means[0].Mean)
	}

	var buf bytes.Buffer
	if err := SaturationChart(&buf, table, 600, 400); err != nil {
		t.Fatal(err)
	}
	if _, err := png.Decode(&buf); err != nil {
		t.Fatal(err)
	}

	if err := SaturationChart(&buf, metrics.NewTable(nil), 600, 400); err == nil {
		t.Error("expected an error for a table without CSvO2")
	}
}
