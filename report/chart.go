package report

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/carbocation/pfx"
	"github.com/carbocation/qsmpipe/metrics"
	"github.com/carbocation/runningvariance"
	"github.com/wcharczuk/go-chart/v2"
)

// MethodMean is the mean CSvO2 of one method over the subjects that have one.
type MethodMean struct {
	Method string
	Mean   float64
	N      int
}

// MeanSaturation averages CSvO2 per method, methods in order of first
// appearance. Rows with a missing CSvO2 are left out; a method with none left
// is dropped.
func MeanSaturation(rows []metrics.Row) []MethodMean {
	var order []string
	byMethod := make(map[string]*runningvariance.RunningStat)

	for _, r := range rows {
		m := r.Method()
		rs, exists := byMethod[m]
		if !exists {
			rs = runningvariance.NewRunningStat()
			byMethod[m] = rs
			order = append(order, m)
		}
		if !metrics.IsMissing(r.CSvO2) {
			rs.Push(r.CSvO2)
		}
	}

	out := make([]MethodMean, 0, len(order))
	for _, m := range order {
		rs := byMethod[m]
		if rs.N == 0 {
			continue
		}
		out = append(out, MethodMean{Method: m, Mean: rs.Mean(), N: int(rs.N)})
	}

	return out
}

// SaturationChart renders mean CSvO2 per method as a PNG bar chart.
func SaturationChart(w io.Writer, t *metrics.Table, width, height int) error {
	means := MeanSaturation(t.Rows)
	if len(means) == 0 {
		return fmt.Errorf("no CSvO2 values to chart")
	}

	bars := make([]chart.Value, 0, len(means))
	for _, m := range means {
		bars = append(bars, chart.Value{Value: m.Mean, Label: m.Method})
	}

	graph := chart.BarChart{
		Title:  "Mean CSvO2 by method",
		Width:  width,
		Height: height,
		Background: chart.Style{
			Padding: chart.Box{Top: 40},
		},
		BarWidth: 40,
		YAxis: chart.YAxis{
			Range: &chart.ContinuousRange{Min: 0, Max: 1},
		},
		Bars: bars,
	}

	// Render to a byte buffer
	buffer := bytes.NewBuffer([]byte{})
	if err := graph.Render(chart.PNG, buffer); err != nil {
		return pfx.Err(err)
	}

	_, err := buffer.WriteTo(w)
	return pfx.Err(err)
}

// SaveSaturationChart writes SaturationChart to path.
func SaveSaturationChart(path string, t *metrics.Table, width, height int) error {
	outFile, err := os.Create(path)
	if err != nil {
		return pfx.Err(err)
	}

	if err := SaturationChart(outFile, t, width, height); err != nil {
		outFile.Close()
		return err
	}

	return pfx.Err(outFile.Close())
}
