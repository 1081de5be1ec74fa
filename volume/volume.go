// Package volume holds the voxel grids that flow through the pipeline and
// reads/writes them as NIfTI-1 files.
package volume

import (
	"fmt"
	"math"

	"github.com/carbocation/qsmpipe"
)

// Volume is a 3D grid of values with its voxel-to-world affine. Data is stored
// with x varying fastest, matching the NIfTI on-disk order.
type Volume struct {
	Shape  [3]int
	Data   []float64
	Affine Affine
	Header Header
}

// New allocates a zero-filled volume.
func New(shape [3]int, affine Affine) *Volume {
	return &Volume{
		Shape:  shape,
		Data:   make([]float64, shape[0]*shape[1]*shape[2]),
		Affine: affine,
		Header: DefaultHeader(),
	}
}

func (v *Volume) Len() int {
	return len(v.Data)
}

func (v *Volume) Index(x, y, z int) int {
	return x + v.Shape[0]*(y+v.Shape[1]*z)
}

func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// Contains reports whether the voxel index lies inside the grid.
func (v *Volume) Contains(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < v.Shape[0] && y < v.Shape[1] && z < v.Shape[2]
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	out := *v
	out.Data = append([]float64(nil), v.Data...)
	return &out
}

// WithData returns a volume on the same grid as v carrying data.
func (v *Volume) WithData(data []float64) *Volume {
	return &Volume{
		Shape:  v.Shape,
		Data:   data,
		Affine: v.Affine,
		Header: v.Header,
	}
}

// Spacing returns the voxel size in world units along each grid axis.
func (v *Volume) Spacing() [3]float64 {
	return v.Affine.Spacing()
}

// Sample returns the trilinearly interpolated value at the continuous voxel
// coordinate (x, y, z). Points outside the grid read as zero; neighbours that
// fall outside contribute zero as well.
func (v *Volume) Sample(x, y, z float64) float64 {
	nx, ny, nz := v.Shape[0], v.Shape[1], v.Shape[2]
	if x < -1 || y < -1 || z < -1 || x > float64(nx) || y > float64(ny) || z > float64(nz) {
		return 0
	}

	x0, fx := splitCoordinate(x)
	y0, fy := splitCoordinate(y)
	z0, fz := splitCoordinate(z)

	var out float64
	for dz := 0; dz <= 1; dz++ {
		wz := 1 - fz
		if dz == 1 {
			wz = fz
		}
		zi := z0 + dz
		if wz == 0 || zi < 0 || zi >= nz {
			continue
		}
		for dy := 0; dy <= 1; dy++ {
			wy := 1 - fy
			if dy == 1 {
				wy = fy
			}
			yi := y0 + dy
			if wy == 0 || yi < 0 || yi >= ny {
				continue
			}
			for dx := 0; dx <= 1; dx++ {
				wx := 1 - fx
				if dx == 1 {
					wx = fx
				}
				xi := x0 + dx
				if wx == 0 || xi < 0 || xi >= nx {
					continue
				}
				out += wx * wy * wz * v.Data[xi+nx*(yi+ny*zi)]
			}
		}
	}

	return out
}

// splitCoordinate snaps values within rounding noise of an integer so that
// sampling exactly on the grid returns the stored voxel.
func splitCoordinate(c float64) (int, float64) {
	if r := math.Round(c); math.Abs(c-r) < 1e-6 {
		return int(r), 0
	}

	f := math.Floor(c)
	return int(f), c - f
}

// SameShape returns a wrapped ErrShapeMismatch unless every volume has the
// shape of the first.
func SameShape(names []string, shapes ...[3]int) error {
	for i := 1; i < len(shapes); i++ {
		if shapes[i] != shapes[0] {
			return fmt.Errorf("%w: %s is %v but %s is %v", qsmpipe.ErrShapeMismatch, name(names, 0), shapes[0], name(names, i), shapes[i])
		}
	}

	return nil
}

func name(names []string, i int) string {
	if i < len(names) {
		return names[i]
	}
	return fmt.Sprintf("volume #%d", i)
}

// Mask is a boolean volume.
type Mask struct {
	Shape  [3]int
	Voxels []bool
}

// MaskFromVolume binarizes v: any voxel greater than zero is in the mask.
// Resampling smears mask edges into fractional values; this folds them back.
func MaskFromVolume(v *Volume) *Mask {
	m := &Mask{
		Shape:  v.Shape,
		Voxels: make([]bool, len(v.Data)),
	}
	for i, x := range v.Data {
		m.Voxels[i] = x > 0
	}

	return m
}

// Count returns the number of voxels in the mask.
func (m *Mask) Count() int {
	n := 0
	for _, in := range m.Voxels {
		if in {
			n++
		}
	}
	return n
}

// Volume renders the mask as 0/1 values on the given grid.
func (m *Mask) Volume(affine Affine, header Header) *Volume {
	out := &Volume{
		Shape:  m.Shape,
		Data:   make([]float64, len(m.Voxels)),
		Affine: affine,
		Header: header,
	}
	for i, in := range m.Voxels {
		if in {
			out.Data[i] = 1
		}
	}

	return out
}
