package qc

import (
	"github.com/carbocation/qsmpipe/volume"
	"github.com/theodesp/unionfind"
)

// Components counts the face-connected pieces of a mask. A brain mask that
// comes out of registration in several pieces usually means the warp tore it.
func Components(m *volume.Mask) int {
	nx, ny, nz := m.Shape[0], m.Shape[1], m.Shape[2]
	index := func(x, y, z int) int { return x + nx*(y+ny*z) }

	uf := unionfind.New(len(m.Voxels))
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				i := index(x, y, z)
				if !m.Voxels[i] {
					continue
				}

				// Join with the already visited neighbours on each axis.
				if x > 0 && m.Voxels[index(x-1, y, z)] {
					uf.Union(i, index(x-1, y, z))
				}
				if y > 0 && m.Voxels[index(x, y-1, z)] {
					uf.Union(i, index(x, y-1, z))
				}
				if z > 0 && m.Voxels[index(x, y, z-1)] {
					uf.Union(i, index(x, y, z-1))
				}
			}
		}
	}

	roots := make(map[int]struct{})
	for i, in := range m.Voxels {
		if in {
			roots[uf.Root(i)] = struct{}{}
		}
	}

	return len(roots)
}
