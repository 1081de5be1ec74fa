package registration

import (
	"fmt"
	"log"
	"math"

	"github.com/carbocation/qsmpipe/volume"
	"gonum.org/v1/gonum/optimize"
)

// centerOfMassAlignment returns the translation (static world to moving world)
// that superimposes the intensity-weighted centroids of the two volumes.
func centerOfMassAlignment(static, moving *volume.Volume) (volume.Affine, error) {
	cs, err := centerOfMass(static)
	if err != nil {
		return volume.Affine{}, fmt.Errorf("static volume: %w", err)
	}
	cm, err := centerOfMass(moving)
	if err != nil {
		return volume.Affine{}, fmt.Errorf("moving volume: %w", err)
	}

	return volume.Translation([3]float64{cm[0] - cs[0], cm[1] - cs[1], cm[2] - cs[2]}), nil
}

// centerOfMass is the world coordinate centroid, weighted by the absolute
// intensity of each voxel.
func centerOfMass(v *volume.Volume) ([3]float64, error) {
	var sum [3]float64
	var total float64
	for z := 0; z < v.Shape[2]; z++ {
		for y := 0; y < v.Shape[1]; y++ {
			for x := 0; x < v.Shape[0]; x++ {
				w := math.Abs(v.At(x, y, z))
				if w == 0 {
					continue
				}
				total += w
				sum[0] += w * float64(x)
				sum[1] += w * float64(y)
				sum[2] += w * float64(z)
			}
		}
	}

	if total == 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return [3]float64{}, fmt.Errorf("volume has no usable intensity (total %g)", total)
	}

	return v.Affine.Apply([3]float64{sum[0] / total, sum[1] / total, sum[2] / total}), nil
}

// minImprovement is the smallest metric gain a stage must make before its
// result replaces the starting point.
const minImprovement = 1e-9

// A linearStage describes one family of transforms as a function of a
// parameter vector whose zero value is the identity. center is the moving
// world point the transform pivots about; scale is the world size of one unit
// of translation.
type linearStage struct {
	name    string
	nparams int
	build   func(x []float64, center [3]float64, scale float64) volume.Affine
}

var translationStage = linearStage{
	name:    StageTranslation,
	nparams: 3,
	build: func(x []float64, _ [3]float64, scale float64) volume.Affine {
		return volume.Translation([3]float64{x[0] * scale, x[1] * scale, x[2] * scale})
	},
}

// Rotations are in units of 0.05 radian.
var rigidStage = linearStage{
	name:    StageRigid,
	nparams: 6,
	build: func(x []float64, c [3]float64, scale float64) volume.Affine {
		r := eulerRotation(0.05*x[3], 0.05*x[4], 0.05*x[5])
		return aboutCenter(r, c, [3]float64{x[0] * scale, x[1] * scale, x[2] * scale})
	},
}

// The linear part moves in units of 0.02.
var affineStage = linearStage{
	name:    StageAffine,
	nparams: 12,
	build: func(x []float64, c [3]float64, scale float64) volume.Affine {
		l := volume.Identity()
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				l[i][j] += 0.02 * x[3+3*i+j]
			}
		}
		return aboutCenter(l, c, [3]float64{x[0] * scale, x[1] * scale, x[2] * scale})
	},
}

// aboutCenter returns T(c+t)·l·T(-c).
func aboutCenter(l volume.Affine, c, t [3]float64) volume.Affine {
	return volume.Translation([3]float64{c[0] + t[0], c[1] + t[1], c[2] + t[2]}).
		Mul(l).
		Mul(volume.Translation([3]float64{-c[0], -c[1], -c[2]}))
}

func eulerRotation(a, b, g float64) volume.Affine {
	rx := volume.Identity()
	rx[1][1], rx[1][2] = math.Cos(a), -math.Sin(a)
	rx[2][1], rx[2][2] = math.Sin(a), math.Cos(a)

	ry := volume.Identity()
	ry[0][0], ry[0][2] = math.Cos(b), math.Sin(b)
	ry[2][0], ry[2][2] = -math.Sin(b), math.Cos(b)

	rz := volume.Identity()
	rz[0][0], rz[0][1] = math.Cos(g), -math.Sin(g)
	rz[1][0], rz[1][1] = math.Sin(g), math.Cos(g)

	return rz.Mul(ry).Mul(rx)
}

// optimizeLinear refines start (static world to moving world) with one stage,
// level by level. Each level starts from the best parameters of the one
// before.
func (e *Engine) optimizeLinear(lg *log.Logger, stage linearStage, fixed, float *pyramid, start volume.Affine) (volume.Affine, error) {
	full := fixed.levels[len(fixed.levels)-1]
	center := start.Apply(gridCenter(full))
	scale := meanSpacing(full)

	x := make([]float64, stage.nparams)
	for level := range fixed.levels {
		metric, err := newMutualInformation(fixed.levels[level], float.levels[level], e.Params.Bins)
		if err != nil {
			return volume.Affine{}, err
		}

		cost := func(p []float64) float64 {
			return -metric.Value(stage.build(p, center, scale).Mul(start))
		}

		before := cost(x)
		if math.IsNaN(before) || math.IsInf(before, 0) {
			return volume.Affine{}, fmt.Errorf("level %d: metric is not finite at the starting point", level)
		}

		result, err := optimize.Minimize(
			optimize.Problem{Func: cost},
			x,
			&optimize.Settings{
				MajorIterations: e.Params.LevelIters[level],
				Converger: &optimize.FunctionConverge{
					Absolute:   1e-6,
					Relative:   1e-6,
					Iterations: e.Params.ConvergeIter,
				},
			},
			&optimize.NelderMead{SimplexSize: e.Params.SimplexSize},
		)
		if err != nil {
			return volume.Affine{}, fmt.Errorf("level %d: %w", level, err)
		}
		if math.IsNaN(result.F) || math.IsInf(result.F, 0) {
			return volume.Affine{}, fmt.Errorf("level %d: optimizer ended on a non-finite metric", level)
		}

		// Binned MI is flat near its optimum; a move that only ties would
		// drift away from the starting transform.
		best := before
		if result.F < before-minImprovement {
			x = append(x[:0], result.X...)
			best = result.F
		}

		lg.Printf("  level %d (factor %d): MI %.5f after %d evaluations (%v)\n",
			level, e.Params.Factors[level], -best, result.Stats.FuncEvaluations, result.Status)
	}

	out := stage.build(x, center, scale).Mul(start)
	if !out.IsFinite() {
		return volume.Affine{}, fmt.Errorf("transform is not finite")
	}
	if math.Abs(out.Det3()) < 1e-6 {
		return volume.Affine{}, fmt.Errorf("transform is degenerate (determinant %g)", out.Det3())
	}

	return out, nil
}

func gridCenter(v *volume.Volume) [3]float64 {
	return v.Affine.Apply([3]float64{
		float64(v.Shape[0]-1) / 2,
		float64(v.Shape[1]-1) / 2,
		float64(v.Shape[2]-1) / 2,
	})
}

func meanSpacing(v *volume.Volume) float64 {
	s := v.Spacing()
	return (s[0] + s[1] + s[2]) / 3
}

// mutualInformation scores how well a moving volume, pulled through a
// transform, explains a static one. Intensities are binned into a joint
// histogram; points sampled outside the moving grid read as zero intensity.
type mutualInformation struct {
	bins        int
	static      *volume.Volume
	moving      *volume.Volume
	staticBins  []int
	movingInv   volume.Affine
	movingLo    float64
	movingScale float64
	joint       []float64
	marginal    []float64
}

func newMutualInformation(static, moving *volume.Volume, bins int) (*mutualInformation, error) {
	inv, err := moving.Affine.Inverse()
	if err != nil {
		return nil, err
	}

	// Both images are binned over a range that includes zero, the value read
	// outside the moving grid; identical images then bin identically.
	lo, hi := intensityRange(static.Data)
	lo, hi = math.Min(lo, 0), math.Max(hi, 0)
	staticScale := binScale(lo, hi, bins)
	m := &mutualInformation{
		bins:       bins,
		static:     static,
		moving:     moving,
		staticBins: make([]int, static.Len()),
		movingInv:  inv,
		joint:      make([]float64, bins*bins),
		marginal:   make([]float64, bins),
	}
	for i, x := range static.Data {
		m.staticBins[i] = bin(x, lo, staticScale, bins)
	}

	mlo, mhi := intensityRange(moving.Data)
	mlo, mhi = math.Min(mlo, 0), math.Max(mhi, 0)
	m.movingLo, m.movingScale = mlo, binScale(mlo, mhi, bins)

	return m, nil
}

func binScale(lo, hi float64, bins int) float64 {
	if hi <= lo {
		return 0
	}
	return float64(bins-1) / (hi - lo)
}

func bin(x, lo, scale float64, bins int) int {
	b := int(math.Round((x - lo) * scale))
	if b < 0 {
		return 0
	}
	if b >= bins {
		return bins - 1
	}
	return b
}

// Value returns the mutual information (in nats) for the transform a, which
// maps static world coordinates to moving world coordinates.
func (m *mutualInformation) Value(a volume.Affine) float64 {
	for i := range m.joint {
		m.joint[i] = 0
	}

	// static voxel -> moving voxel in one affine.
	toMoving := m.movingInv.Mul(a).Mul(m.static.Affine)
	s := m.static.Shape
	for z := 0; z < s[2]; z++ {
		for y := 0; y < s[1]; y++ {
			for x := 0; x < s[0]; x++ {
				p := toMoving.Apply([3]float64{float64(x), float64(y), float64(z)})
				value := m.moving.Sample(p[0], p[1], p[2])
				mb := bin(value, m.movingLo, m.movingScale, m.bins)
				m.joint[m.staticBins[x+s[0]*(y+s[1]*z)]*m.bins+mb]++
			}
		}
	}

	n := float64(m.static.Len())
	for j := range m.marginal {
		m.marginal[j] = 0
	}
	for i := 0; i < m.bins; i++ {
		for j := 0; j < m.bins; j++ {
			m.marginal[j] += m.joint[i*m.bins+j]
		}
	}

	var mi float64
	for i := 0; i < m.bins; i++ {
		var rowSum float64
		for j := 0; j < m.bins; j++ {
			rowSum += m.joint[i*m.bins+j]
		}
		if rowSum == 0 {
			continue
		}
		for j := 0; j < m.bins; j++ {
			c := m.joint[i*m.bins+j]
			if c == 0 {
				continue
			}
			mi += c / n * math.Log(c*n/(rowSum*m.marginal[j]))
		}
	}

	return mi
}
