package registration

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/carbocation/qsmpipe/volume"
)

// maxBacktracks bounds how often a rejected update is halved before a level
// stops.
const maxBacktracks = 4

// optimizeDiffeomorphic grows a displacement field on the static grid, on top
// of prealign, by ascending local cross-correlation between the static volume
// and the warped moving volume. Each update is small and composed with the
// current field, which keeps the warp smooth and invertible. An update is kept
// only if it raises the local correlation, so a level ends as soon as the
// energy stops improving.
func (e *Engine) optimizeDiffeomorphic(ctx context.Context, lg *log.Logger, static, moving *volume.Volume, prealign volume.Affine) (*DiffeomorphicMap, error) {
	mapping := &DiffeomorphicMap{
		StaticShape:  static.Shape,
		StaticAffine: static.Affine,
		StaticHeader: static.Header,
		MovingShape:  moving.Shape,
		MovingAffine: moving.Affine,
		Prealign:     prealign,
	}
	if len(e.Params.SynIters) == 0 {
		return mapping, nil
	}

	movingInv, err := moving.Affine.Inverse()
	if err != nil {
		return nil, err
	}

	var field *displacementField
	for level, f := range e.Params.SynFactors {
		sigma := 0.5 * float64(f-1)
		fixed := downsample(smooth(static, sigma), f)
		float := smooth(moving, sigma)

		if field == nil {
			field = newDisplacementField(fixed)
		} else {
			field = field.resampleOnto(fixed)
		}

		step := e.Params.StepLength * meanSpacing(fixed)
		warped := field.warp(float, movingInv, prealign)
		energy := ccEnergy(fixed, warped, e.Params.CCRadius)

		iters := 0
		for ; iters < e.Params.SynIters[level]; iters++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			update := ccForce(fixed, warped, e.Params.CCRadius)
			for i := range update {
				update[i] = convolveGaussian(update[i], fixed.Shape, e.Params.SmoothSigma)
			}

			norm := maxNorm(update)
			if norm < 1e-12 {
				break
			}

			// The longest move is at most one step. A trial that does not raise
			// the energy is retried at half the length, then ends the level.
			accepted := false
			length := step
			for try := 0; try < maxBacktracks && !accepted; try++ {
				trial := field.compose(scaled(update, length/norm))
				trialWarped := trial.warp(float, movingInv, prealign)
				trialEnergy := ccEnergy(fixed, trialWarped, e.Params.CCRadius)
				if trialEnergy > energy+minImprovement {
					field, warped, energy = trial, trialWarped, trialEnergy
					accepted = true
				}
				length /= 2
			}
			if !accepted {
				break
			}
		}

		if !field.isFinite() {
			return nil, fmt.Errorf("level %d: displacement field is not finite", level)
		}

		lg.Printf("  level %d (factor %d): %d iterations, local CC %.5f, max displacement %.4fmm\n", level, f, iters, energy, maxNorm(field.d))
	}

	if field.grid.Shape != static.Shape || !field.grid.Affine.ApproxEqual(static.Affine, 1e-9) {
		field = field.resampleOnto(static)
	}

	mapping.Displacement = field.interleaved()

	return mapping, nil
}

// displacementField holds a world-space (mm) displacement per voxel of grid,
// one slice per axis.
type displacementField struct {
	grid *volume.Volume
	inv  volume.Affine
	d    [3][]float64
}

func newDisplacementField(grid *volume.Volume) *displacementField {
	inv, _ := grid.Affine.Inverse()
	f := &displacementField{grid: grid, inv: inv}
	for i := range f.d {
		f.d[i] = make([]float64, grid.Len())
	}

	return f
}

// at samples the field at a world coordinate.
func (f *displacementField) at(w [3]float64) [3]float64 {
	p := f.inv.Apply(w)
	var out [3]float64
	for i := range out {
		out[i] = f.grid.WithData(f.d[i]).Sample(p[0], p[1], p[2])
	}

	return out
}

// resampleOnto carries the field to another grid covering the same space.
func (f *displacementField) resampleOnto(grid *volume.Volume) *displacementField {
	out := newDisplacementField(grid)
	forEachVoxel(grid, func(idx int, w [3]float64) {
		d := f.at(w)
		for i := range out.d {
			out.d[i][idx] = d[i]
		}
	})

	return out
}

// compose returns the field of x -> phi(x + u(x)), where phi is the current
// mapping x -> x + d(x).
func (f *displacementField) compose(u [3][]float64) *displacementField {
	out := newDisplacementField(f.grid)
	forEachVoxel(f.grid, func(idx int, w [3]float64) {
		shifted := [3]float64{w[0] + u[0][idx], w[1] + u[1][idx], w[2] + u[2][idx]}
		d := f.at(shifted)
		for i := range out.d {
			out.d[i][idx] = u[i][idx] + d[i]
		}
	})

	return out
}

// warp pulls moving onto the field's grid through prealign and the field.
func (f *displacementField) warp(moving *volume.Volume, movingInv, prealign volume.Affine) *volume.Volume {
	out := volume.New(f.grid.Shape, f.grid.Affine)
	toMoving := movingInv.Mul(prealign)
	forEachVoxel(f.grid, func(idx int, w [3]float64) {
		p := toMoving.Apply([3]float64{w[0] + f.d[0][idx], w[1] + f.d[1][idx], w[2] + f.d[2][idx]})
		out.Data[idx] = moving.Sample(p[0], p[1], p[2])
	})

	return out
}

func (f *displacementField) isFinite() bool {
	for i := range f.d {
		for _, x := range f.d[i] {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return false
			}
		}
	}

	return true
}

// interleaved packs the field as x,y,z triples per voxel.
func (f *displacementField) interleaved() []float32 {
	out := make([]float32, 3*f.grid.Len())
	for idx := 0; idx < f.grid.Len(); idx++ {
		for i := 0; i < 3; i++ {
			out[3*idx+i] = float32(f.d[i][idx])
		}
	}

	return out
}

func forEachVoxel(grid *volume.Volume, fn func(idx int, world [3]float64)) {
	for z := 0; z < grid.Shape[2]; z++ {
		for y := 0; y < grid.Shape[1]; y++ {
			for x := 0; x < grid.Shape[0]; x++ {
				fn(grid.Index(x, y, z), grid.Affine.Apply([3]float64{float64(x), float64(y), float64(z)}))
			}
		}
	}
}

// localMoments holds windowed sums of two images and their products over
// cubes of a given radius, clipped at the grid edges.
type localMoments struct {
	count, sI, sJ, sII, sJJ, sIJ []float64
}

func newLocalMoments(fixed, warped *volume.Volume, radius int) *localMoments {
	shape := fixed.Shape
	n := len(fixed.Data)

	ones := make([]float64, n)
	ii := make([]float64, n)
	jj := make([]float64, n)
	ij := make([]float64, n)
	for k := 0; k < n; k++ {
		ones[k] = 1
		ii[k] = fixed.Data[k] * fixed.Data[k]
		jj[k] = warped.Data[k] * warped.Data[k]
		ij[k] = fixed.Data[k] * warped.Data[k]
	}

	return &localMoments{
		count: boxSum(ones, shape, radius),
		sI:    boxSum(fixed.Data, shape, radius),
		sJ:    boxSum(warped.Data, shape, radius),
		sII:   boxSum(ii, shape, radius),
		sJJ:   boxSum(jj, shape, radius),
		sIJ:   boxSum(ij, shape, radius),
	}
}

// at returns the window means and centered second moments at voxel k. ok is
// false where either image is flat.
func (m *localMoments) at(k int) (mI, mJ, sff, smm, sfm float64, ok bool) {
	mI, mJ = m.sI[k]/m.count[k], m.sJ[k]/m.count[k]
	sff = m.sII[k] - m.sI[k]*mI
	smm = m.sJJ[k] - m.sJ[k]*mJ
	sfm = m.sIJ[k] - m.sI[k]*mJ

	return mI, mJ, sff, smm, sfm, sff >= 1e-9 && smm >= 1e-9
}

// ccEnergy is the mean squared local correlation between fixed and warped
// over voxels where both are textured. It is 1 for identical images.
func ccEnergy(fixed, warped *volume.Volume, radius int) float64 {
	m := newLocalMoments(fixed, warped, radius)

	var sum float64
	var n int
	for k := range fixed.Data {
		_, _, sff, smm, sfm, ok := m.at(k)
		if !ok {
			continue
		}
		sum += sfm * sfm / (sff * smm)
		n++
	}
	if n == 0 {
		return 0
	}

	return sum / float64(n)
}

// ccForce is the gradient of the local cross-correlation between fixed and
// warped with respect to a displacement of the warped image, computed over
// cubes of the given radius. The image gradient is the average of both
// images' gradients, which makes the force symmetric in the two images.
func ccForce(fixed, warped *volume.Volume, radius int) [3][]float64 {
	n := len(fixed.Data)
	m := newLocalMoments(fixed, warped, radius)

	inv, _ := fixed.Affine.Inverse()
	gI := gradient(fixed, inv)
	gJ := gradient(warped, inv)

	var out [3][]float64
	for i := range out {
		out[i] = make([]float64, n)
	}

	for k := 0; k < n; k++ {
		mI, mJ, sff, smm, sfm, ok := m.at(k)
		if !ok {
			continue
		}

		coef := 2 * sfm / (sff * smm) * ((fixed.Data[k] - mI) - sfm/smm*(warped.Data[k]-mJ))
		for i := range out {
			out[i][k] = coef * 0.5 * (gI[i][k] + gJ[i][k])
		}
	}

	return out
}

// scaled returns u multiplied by s.
func scaled(u [3][]float64, s float64) [3][]float64 {
	var out [3][]float64
	for i := range u {
		out[i] = make([]float64, len(u[i]))
		for j, x := range u[i] {
			out[i][j] = x * s
		}
	}

	return out
}

func convolveGaussian(data []float64, shape [3]int, sigma float64) []float64 {
	v := &volume.Volume{Shape: shape, Data: data}
	return smooth(v, sigma).Data
}

func maxNorm(d [3][]float64) float64 {
	var out float64
	for k := range d[0] {
		n := math.Sqrt(d[0][k]*d[0][k] + d[1][k]*d[1][k] + d[2][k]*d[2][k])
		if n > out {
			out = n
		}
	}

	return out
}
