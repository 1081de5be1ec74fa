package registration

import (
	"math"

	"github.com/carbocation/qsmpipe/volume"
)

// pyramid holds one smoothed, downsampled copy of a volume per level, coarse
// to fine.
type pyramid struct {
	levels []*volume.Volume
}

func newPyramid(v *volume.Volume, factors []int, sigmas []float64) *pyramid {
	p := &pyramid{}
	for i, f := range factors {
		p.levels = append(p.levels, downsample(smooth(v, sigmas[i]), f))
	}

	return p
}

// smooth applies a separable Gaussian with standard deviation sigma (in
// voxels). Weights falling outside the grid are dropped and the rest
// renormalized, so a constant volume stays constant.
func smooth(v *volume.Volume, sigma float64) *volume.Volume {
	if sigma <= 0 {
		return v.Clone()
	}

	radius := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*radius+1)
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
	}

	out := v.Clone()
	for axis := 0; axis < 3; axis++ {
		out.Data = convolveAxis(out.Data, v.Shape, axis, kernel)
	}

	return out
}

// convolveAxis returns data convolved with kernel along one axis.
func convolveAxis(data []float64, shape [3]int, axis int, kernel []float64) []float64 {
	radius := len(kernel) / 2
	stride := [3]int{1, shape[0], shape[0] * shape[1]}[axis]
	n := shape[axis]

	out := make([]float64, len(data))
	for z := 0; z < shape[2]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[0]; x++ {
				pos := [3]int{x, y, z}[axis]
				base := x + shape[0]*(y+shape[1]*z) - pos*stride

				var sum, weight float64
				for k := -radius; k <= radius; k++ {
					j := pos + k
					if j < 0 || j >= n {
						continue
					}
					w := kernel[k+radius]
					sum += w * data[base+j*stride]
					weight += w
				}
				out[base+pos*stride] = sum / weight
			}
		}
	}

	return out
}

// boxSum returns, for each voxel, the sum of data over the cube of the given
// radius around it, clipped at the grid edges.
func boxSum(data []float64, shape [3]int, radius int) []float64 {
	out := data
	for axis := 0; axis < 3; axis++ {
		out = boxAxis(out, shape, axis, radius)
	}

	return out
}

func boxAxis(data []float64, shape [3]int, axis, radius int) []float64 {
	stride := [3]int{1, shape[0], shape[0] * shape[1]}[axis]
	n := shape[axis]
	prefix := make([]float64, n+1)

	out := make([]float64, len(data))
	for z := 0; z < shape[2]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[0]; x++ {
				if [3]int{x, y, z}[axis] != 0 {
					continue
				}
				base := x + shape[0]*(y+shape[1]*z)
				for i := 0; i < n; i++ {
					prefix[i+1] = prefix[i] + data[base+i*stride]
				}
				for i := 0; i < n; i++ {
					lo, hi := i-radius, i+radius+1
					if lo < 0 {
						lo = 0
					}
					if hi > n {
						hi = n
					}
					out[base+i*stride] = prefix[hi] - prefix[lo]
				}
			}
		}
	}

	return out
}

// downsample keeps every f-th voxel. The affine is scaled so that world
// coordinates are unchanged.
func downsample(v *volume.Volume, f int) *volume.Volume {
	if f <= 1 {
		return v
	}

	var shape [3]int
	for i := range shape {
		shape[i] = (v.Shape[i] + f - 1) / f
	}

	out := volume.New(shape, v.Affine.Mul(volume.Diagonal(float64(f), float64(f), float64(f))))
	out.Header = v.Header
	for z := 0; z < shape[2]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[0]; x++ {
				out.Set(x, y, z, v.At(x*f, y*f, z*f))
			}
		}
	}

	return out
}

// gradient returns the world-space intensity gradient of v at every voxel as
// three component slices, using central differences (one-sided at edges).
func gradient(v *volume.Volume, inv volume.Affine) [3][]float64 {
	var out [3][]float64
	for i := range out {
		out[i] = make([]float64, v.Len())
	}

	for z := 0; z < v.Shape[2]; z++ {
		for y := 0; y < v.Shape[1]; y++ {
			for x := 0; x < v.Shape[0]; x++ {
				p := [3]int{x, y, z}
				var g [3]float64
				for axis := 0; axis < 3; axis++ {
					lo, hi := p, p
					if p[axis] > 0 {
						lo[axis]--
					}
					if p[axis] < v.Shape[axis]-1 {
						hi[axis]++
					}
					if span := hi[axis] - lo[axis]; span > 0 {
						g[axis] = (v.At(hi[0], hi[1], hi[2]) - v.At(lo[0], lo[1], lo[2])) / float64(span)
					}
				}

				// Chain rule through the world-to-voxel map.
				idx := v.Index(x, y, z)
				for i := 0; i < 3; i++ {
					out[i][idx] = g[0]*inv[0][i] + g[1]*inv[1][i] + g[2]*inv[2][i]
				}
			}
		}
	}

	return out
}

// intensityRange returns the minimum and maximum of data.
func intensityRange(data []float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, x := range data {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}

	return lo, hi
}
