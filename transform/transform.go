// Package transform reapplies a stored SpatialMapping to volumes that share
// the grid of the volume it was computed from.
package transform

import (
	"github.com/carbocation/qsmpipe/registration"
	"github.com/carbocation/qsmpipe/volume"
)

// Volume resamples v into template space with m. No optimization happens here.
func Volume(m registration.SpatialMapping, v *volume.Volume) (*volume.Volume, error) {
	return m.Resample(v)
}

// Mask resamples a binary mask and folds interpolated edge values back to
// booleans: anything above zero is inside. The returned volume holds the same
// mask as 0/1 values on the template grid.
func Mask(m registration.SpatialMapping, v *volume.Volume) (*volume.Mask, *volume.Volume, error) {
	resampled, err := m.Resample(v)
	if err != nil {
		return nil, nil, err
	}

	mask := volume.MaskFromVolume(resampled)

	return mask, mask.Volume(resampled.Affine, resampled.Header), nil
}
