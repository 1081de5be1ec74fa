package volume

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Affine is a 4x4 homogeneous transform, row-major.
type Affine [4][4]float64

func Identity() Affine {
	return Affine{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Translation returns the affine that adds t.
func Translation(t [3]float64) Affine {
	a := Identity()
	a[0][3], a[1][3], a[2][3] = t[0], t[1], t[2]
	return a
}

// Diagonal returns a scaling affine.
func Diagonal(sx, sy, sz float64) Affine {
	a := Identity()
	a[0][0], a[1][1], a[2][2] = sx, sy, sz
	return a
}

// Mul returns a·b (b is applied first).
func (a Affine) Mul(b Affine) Affine {
	var out Affine
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += a[i][k] * b[k][j]
			}
			out[i][j] = s
		}
	}
	return out
}

// Apply maps the point p.
func (a Affine) Apply(p [3]float64) [3]float64 {
	return [3]float64{
		a[0][0]*p[0] + a[0][1]*p[1] + a[0][2]*p[2] + a[0][3],
		a[1][0]*p[0] + a[1][1]*p[1] + a[1][2]*p[2] + a[1][3],
		a[2][0]*p[0] + a[2][1]*p[1] + a[2][2]*p[2] + a[2][3],
	}
}

// ApplyVector maps a direction (no translation).
func (a Affine) ApplyVector(p [3]float64) [3]float64 {
	return [3]float64{
		a[0][0]*p[0] + a[0][1]*p[1] + a[0][2]*p[2],
		a[1][0]*p[0] + a[1][1]*p[1] + a[1][2]*p[2],
		a[2][0]*p[0] + a[2][1]*p[1] + a[2][2]*p[2],
	}
}

func (a Affine) dense() *mat.Dense {
	data := make([]float64, 0, 16)
	for i := 0; i < 4; i++ {
		data = append(data, a[i][:]...)
	}
	return mat.NewDense(4, 4, data)
}

// Inverse returns a⁻¹, or an error if a is singular.
func (a Affine) Inverse() (Affine, error) {
	var inv mat.Dense
	if err := inv.Inverse(a.dense()); err != nil {
		return Affine{}, fmt.Errorf("affine is not invertible: %w", err)
	}

	var out Affine
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i][j] = inv.At(i, j)
		}
	}
	out[3] = [4]float64{0, 0, 0, 1}

	return out, nil
}

// Det3 is the determinant of the linear (upper-left 3x3) part.
func (a Affine) Det3() float64 {
	m := mat.NewDense(3, 3, []float64{
		a[0][0], a[0][1], a[0][2],
		a[1][0], a[1][1], a[1][2],
		a[2][0], a[2][1], a[2][2],
	})
	return mat.Det(m)
}

// Spacing returns the length of each column of the linear part, i.e. the
// world size of a voxel step along each grid axis.
func (a Affine) Spacing() [3]float64 {
	var out [3]float64
	for j := 0; j < 3; j++ {
		out[j] = math.Sqrt(a[0][j]*a[0][j] + a[1][j]*a[1][j] + a[2][j]*a[2][j])
	}
	return out
}

// IsFinite reports whether no entry is NaN or infinite.
func (a Affine) IsFinite() bool {
	for i := range a {
		for j := range a[i] {
			if math.IsNaN(a[i][j]) || math.IsInf(a[i][j], 0) {
				return false
			}
		}
	}
	return true
}

// ApproxEqual compares entry-wise within tol.
func (a Affine) ApproxEqual(b Affine, tol float64) bool {
	for i := range a {
		for j := range a[i] {
			if math.Abs(a[i][j]-b[i][j]) > tol {
				return false
			}
		}
	}
	return true
}
