package transform

import (
	"errors"
	"testing"

	"github.com/carbocation/qsmpipe"
	"github.com/carbocation/qsmpipe/registration"
	"github.com/carbocation/qsmpipe/volume"
)

// halfVoxelShift samples halfway between voxels, which smears every mask edge.
func halfVoxelShift(shape [3]int) *registration.DiffeomorphicMap {
	return &registration.DiffeomorphicMap{
		StaticShape:  shape,
		StaticAffine: volume.Identity(),
		StaticHeader: volume.DefaultHeader(),
		MovingShape:  shape,
		MovingAffine: volume.Identity(),
		Prealign:     volume.Translation([3]float64{0.5, 0.5, 0}),
	}
}

func TestMaskIsBinary(t *testing.T) {
	shape := [3]int{6, 6, 3}
	mask := volume.New(shape, volume.Identity())
	for z := 0; z < 3; z++ {
		for y := 2; y < 4; y++ {
			for x := 1; x < 4; x++ {
				mask.Set(x, y, z, 1)
			}
		}
	}

	m := halfVoxelShift(shape)

	// Plain resampling leaves fractional values.
	smeared, err := Volume(m, mask)
	if err != nil {
		t.Fatal(err)
	}
	fractional := false
	for _, x := range smeared.Data {
		if x > 0 && x < 1 {
			fractional = true
		}
	}
	if !fractional {
		t.Fatal("expected the half voxel shift to produce fractional values")
	}

	binary, asVolume, err := Mask(m, mask)
	if err != nil {
		t.Fatal(err)
	}
	for i, x := range asVolume.Data {
		if x != 0 && x != 1 {
			t.Fatalf("voxel %d = %g, want 0 or 1", i, x)
		}
		if binary.Voxels[i] != (smeared.Data[i] > 0) {
			t.Fatalf("voxel %d: mask %v but resampled value %g", i, binary.Voxels[i], smeared.Data[i])
		}
	}
}

func TestShapeMismatch(t *testing.T) {
	m := halfVoxelShift([3]int{4, 4, 4})

	_, err := Volume(m, volume.New([3]int{4, 4, 5}, volume.Identity()))
	if !errors.Is(err, qsmpipe.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}

	_, _, err = Mask(m, volume.New([3]int{5, 4, 4}, volume.Identity()))
	if !errors.Is(err, qsmpipe.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}
