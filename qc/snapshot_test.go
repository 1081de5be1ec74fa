package qc

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/carbocation/qsmpipe"
	"github.com/carbocation/qsmpipe/volume"
	"github.com/disintegration/imaging"
)

func ramp(shape [3]int) *volume.Volume {
	v := volume.New(shape, volume.Identity())
	for i := range v.Data {
		v.Data[i] = float64(i % 17)
	}
	return v
}

func TestSnapshotLayout(t *testing.T) {
	shape := [3]int{8, 6, 4}
	static := ramp(shape)

	labels := volume.New(shape, volume.Identity())
	for i := range labels.Data {
		labels.Data[i] = float64(i % 3)
	}

	opts := DefaultOptions()
	opts.Labels = labels

	img, err := Snapshot(static, static.Clone(), opts)
	if err != nil {
		t.Fatal(err)
	}

	b := img.Bounds()
	if b.Dx() != 4*8*opts.Scale || b.Dy() != 6*opts.Scale {
		t.Errorf("snapshot is %dx%d", b.Dx(), b.Dy())
	}

	path := filepath.Join(t.TempDir(), "registration_qc.png")
	if err := SaveSnapshot(path, static, static.Clone(), DefaultOptions()); err != nil {
		t.Fatal(err)
	}
	saved, err := imaging.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Bounds().Dx() != 3*8*4 {
		t.Errorf("saved snapshot is %d wide", saved.Bounds().Dx())
	}
}

func TestSnapshotShapeMismatch(t *testing.T) {
	_, err := Snapshot(ramp([3]int{4, 4, 4}), ramp([3]int{4, 4, 5}), DefaultOptions())
	if !errors.Is(err, qsmpipe.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestSliceScalesToBrightest(t *testing.T) {
	v := volume.New([3]int{2, 1, 1}, volume.Identity())
	v.Data[0], v.Data[1] = -3, 2

	img := Slice(v, 0)
	if got := img.Gray16At(0, 0).Y; got != 0 {
		t.Errorf("negative voxel = %d, want 0", got)
	}
	if got := img.Gray16At(1, 0).Y; got != 65535 {
		t.Errorf("brightest voxel = %d, want 65535", got)
	}
}

func TestColorFromCode(t *testing.T) {
	c, err := ColorFromCode("#FF8000")
	if err != nil {
		t.Fatal(err)
	}
	if c.R != 255 || c.G != 128 || c.B != 0 || c.A != 255 {
		t.Errorf("got %+v", c)
	}

	if bg, _ := ColorFromCode(""); bg.A != 0 {
		t.Errorf("background should be transparent, got %+v", bg)
	}

	if _, err := ColorFromCode("#GG0000"); err == nil {
		t.Error("expected an error for a malformed code")
	}

	colors := LabelColors([]int{5, 0, 2, 5}, Tab10)
	if len(colors) != 2 || colors[2] != MustColor(Tab10[0]) || colors[5] != MustColor(Tab10[1]) {
		t.Errorf("label colors = %+v", colors)
	}
}

func TestComponents(t *testing.T) {
	shape := [3]int{5, 4, 3}
	m := &volume.Mask{Shape: shape, Voxels: make([]bool, 5*4*3)}
	at := func(x, y, z int) int { return x + 5*(y+4*z) }

	if n := Components(m); n != 0 {
		t.Errorf("empty mask has %d components", n)
	}

	// An L-shaped piece spanning two slices, plus an isolated corner voxel.
	for _, i := range []int{at(0, 0, 0), at(1, 0, 0), at(1, 1, 0), at(1, 1, 1), at(4, 3, 2)} {
		m.Voxels[i] = true
	}
	if n := Components(m); n != 2 {
		t.Errorf("got %d components, want 2", n)
	}

	// Diagonal neighbours do not connect.
	m.Voxels[at(3, 2, 2)] = true
	if n := Components(m); n != 3 {
		t.Errorf("got %d components, want 3", n)
	}
}
