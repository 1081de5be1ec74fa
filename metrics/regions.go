package metrics

import (
	"math"

	"github.com/carbocation/qsmpipe/atlas"
	"github.com/carbocation/qsmpipe/volume"
	"github.com/carbocation/runningvariance"
)

// Missing marks a region with no voxels inside the mask. It is written as an
// empty cell.
var Missing = math.NaN()

// IsMissing reports whether x is the Missing marker.
func IsMissing(x float64) bool {
	return math.IsNaN(x)
}

// RegionMean is the mean susceptibility of one region. Voxels counts the
// in-mask voxels each of the region's codes contributed.
type RegionMean struct {
	Name   string
	Mean   float64
	Voxels map[int]int
}

// RegionMeans computes, for every region of the atlas, the mean of chi over
// voxels carrying the region's code. Labels outside the mask count as code 0,
// as if the label volume had been zeroed there; the atlas itself is not
// modified. A region made of several codes gets the mean of its per-code
// means, not the pooled voxel mean. Codes with no voxels are left out; if
// none of a region's codes has voxels, the region is Missing.
func RegionMeans(chi *volume.Volume, a *atlas.Atlas, mask *volume.Mask) ([]RegionMean, error) {
	if err := volume.SameShape([]string{"susceptibility map", a.Name() + " labels", "mask"}, chi.Shape, a.Labels.Shape, mask.Shape); err != nil {
		return nil, err
	}

	codes, err := a.Codes()
	if err != nil {
		return nil, err
	}

	wanted := make(map[int]*runningvariance.RunningStat)
	for _, code := range a.Dictionary.Codes() {
		wanted[code] = runningvariance.NewRunningStat()
	}

	for i, x := range chi.Data {
		code := 0
		if mask.Voxels[i] {
			code = codes[i]
		}
		if rs, ok := wanted[code]; ok {
			rs.Push(x)
		}
	}

	regions := a.Dictionary.Regions()
	out := make([]RegionMean, 0, len(regions))
	for _, region := range regions {
		rm := RegionMean{Name: region.Name, Mean: Missing, Voxels: make(map[int]int)}

		var sum float64
		var present int
		for _, code := range region.Codes {
			rs := wanted[code]
			rm.Voxels[code] = int(rs.N)
			if rs.N == 0 {
				continue
			}
			sum += rs.Mean()
			present++
		}
		if present > 0 {
			rm.Mean = sum / float64(present)
		}

		out = append(out, rm)
	}

	return out, nil
}
