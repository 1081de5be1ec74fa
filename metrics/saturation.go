// Package metrics turns registered susceptibility maps into numbers: the
// venous oxygen saturation proxy (CSvO2) and mean susceptibility per atlas
// region, gathered into one table across subjects and algorithm variants.
package metrics

import (
	"fmt"
	"math"
	"sort"

	"github.com/carbocation/qsmpipe/volume"
	"github.com/carbocation/runningvariance"
)

// Physical constants of the saturation model. The susceptibility difference
// between fully deoxygenated and oxygenated blood is 4π·0.21 ppm (SI); the
// hematocrit is taken as 0.5.
const (
	DeltaChiDO = 4 * math.Pi * 0.21
	Hematocrit = 0.5

	// VeinPercentile separates vein voxels from tissue.
	VeinPercentile = 99.95
)

// SaturationResult holds the intermediate values of the CSvO2 computation.
// Vein and CSvO2 are NaN when no voxel exceeds the threshold.
type SaturationResult struct {
	Threshold    float64
	Vein         float64
	Tissue       float64
	CSvO2        float64
	VeinVoxels   int
	TissueVoxels int
}

// Saturation estimates cerebral venous oxygen saturation from a
// susceptibility map. The threshold is the given percentile of chi inside the
// mask. Vein is the mean of every voxel above it, masked or not; tissue is
// the mean of the masked voxels not above it. Then
//
//	CSvO2 = 1 - (vein - tissue) / (DeltaChiDO · Hematocrit)
func Saturation(chi *volume.Volume, mask *volume.Mask, percentile float64) (SaturationResult, error) {
	if err := volume.SameShape([]string{"susceptibility map", "mask"}, chi.Shape, mask.Shape); err != nil {
		return SaturationResult{}, err
	}
	if percentile < 0 || percentile > 100 {
		return SaturationResult{}, fmt.Errorf("percentile %g is outside [0, 100]", percentile)
	}

	sorted := make([]float64, 0, mask.Count())
	for i, in := range mask.Voxels {
		if in {
			sorted = append(sorted, chi.Data[i])
		}
	}
	if len(sorted) == 0 {
		return SaturationResult{}, fmt.Errorf("mask is empty; cannot compute CSvO2")
	}
	sort.Float64s(sorted)
	threshold := Percentile(sorted, percentile)

	vein := runningvariance.NewRunningStat()
	tissue := runningvariance.NewRunningStat()
	for i, x := range chi.Data {
		switch {
		case x > threshold:
			vein.Push(x)
		case mask.Voxels[i]:
			tissue.Push(x)
		}
	}

	out := SaturationResult{
		Threshold:    threshold,
		Vein:         math.NaN(),
		Tissue:       math.NaN(),
		CSvO2:        math.NaN(),
		VeinVoxels:   int(vein.N),
		TissueVoxels: int(tissue.N),
	}
	if tissue.N > 0 {
		out.Tissue = tissue.Mean()
	}
	if vein.N > 0 {
		out.Vein = vein.Mean()
	}
	if vein.N > 0 && tissue.N > 0 {
		out.CSvO2 = 1 - (out.Vein-out.Tissue)/(DeltaChiDO*Hematocrit)
	}

	return out, nil
}

// Percentile returns the p-th percentile (0-100) of sorted, interpolating
// linearly between the order statistics at rank (n-1)·p/100 (Hyndman and Fan
// type 7, as in numpy and R's default).
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}

	h := float64(len(sorted)-1) * p / 100
	lo := int(math.Floor(h))
	hi := int(math.Ceil(h))
	if hi >= len(sorted) {
		hi = len(sorted) - 1
	}
	if lo >= len(sorted) {
		lo = len(sorted) - 1
	}

	return sorted[lo] + (h-float64(lo))*(sorted[hi]-sorted[lo])
}
