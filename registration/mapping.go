package registration

import (
	"fmt"

	"github.com/carbocation/qsmpipe"
	"github.com/carbocation/qsmpipe/volume"
)

// DiffeomorphicMap composes a linear prealignment with a dense displacement
// field. A static voxel v is carried to world w = StaticAffine·v, displaced by
// the field to w + D(v), then taken into the moving volume's world by Prealign
// and read out of the moving grid.
type DiffeomorphicMap struct {
	StaticShape  [3]int
	StaticAffine volume.Affine
	StaticHeader volume.Header

	MovingShape  [3]int
	MovingAffine volume.Affine

	// Prealign maps static world coordinates to moving world coordinates.
	Prealign volume.Affine

	// Displacement holds x,y,z world displacements (mm) for each static voxel,
	// x fastest. Empty means the mapping is purely linear.
	Displacement []float32
}

var _ SpatialMapping = (*DiffeomorphicMap)(nil)

// Resample pulls v onto the static grid using trilinear interpolation. Points
// that land outside v read as zero. The result carries the static affine and
// header.
func (m *DiffeomorphicMap) Resample(v *volume.Volume) (*volume.Volume, error) {
	if err := volume.SameShape([]string{"mapping's moving grid", "volume"}, m.MovingShape, v.Shape); err != nil {
		return nil, err
	}

	n := m.StaticShape[0] * m.StaticShape[1] * m.StaticShape[2]
	if len(m.Displacement) != 0 && len(m.Displacement) != 3*n {
		return nil, fmt.Errorf("%w: displacement field has %d values for %d voxels", qsmpipe.ErrShapeMismatch, len(m.Displacement), n)
	}

	movingInv, err := m.MovingAffine.Inverse()
	if err != nil {
		return nil, err
	}
	toMoving := movingInv.Mul(m.Prealign)

	out := volume.New(m.StaticShape, m.StaticAffine)
	out.Header = m.StaticHeader

	for z := 0; z < m.StaticShape[2]; z++ {
		for y := 0; y < m.StaticShape[1]; y++ {
			for x := 0; x < m.StaticShape[0]; x++ {
				idx := out.Index(x, y, z)
				w := m.StaticAffine.Apply([3]float64{float64(x), float64(y), float64(z)})
				if len(m.Displacement) != 0 {
					w[0] += float64(m.Displacement[3*idx])
					w[1] += float64(m.Displacement[3*idx+1])
					w[2] += float64(m.Displacement[3*idx+2])
				}
				p := toMoving.Apply(w)
				out.Data[idx] = v.Sample(p[0], p[1], p[2])
			}
		}
	}

	return out, nil
}
