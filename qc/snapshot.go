// Package qc renders registration snapshots: mid-axial slices of the template
// and of the registered subject, a checkerboard of the two and, when an atlas
// is supplied, its labels painted over the registered subject.
package qc

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/carbocation/pfx"
	"github.com/carbocation/qsmpipe/volume"
	"github.com/disintegration/imaging"
)

type Options struct {
	// Scale is the nearest-neighbour magnification applied to each panel.
	Scale int

	// Tile is the checkerboard square size, in voxels.
	Tile int

	// Labels, if set, is an atlas on the template grid.
	Labels *volume.Volume

	// Opacity of the painted labels, 0 to 1.
	Opacity float64
}

func DefaultOptions() Options {
	return Options{Scale: 4, Tile: 8, Opacity: 0.5}
}

// Snapshot lays the panels out left to right.
func Snapshot(static, registered *volume.Volume, opts Options) (image.Image, error) {
	if err := volume.SameShape([]string{"template", "registered volume"}, static.Shape, registered.Shape); err != nil {
		return nil, err
	}
	if opts.Labels != nil {
		if err := volume.SameShape([]string{"template", "atlas"}, static.Shape, opts.Labels.Shape); err != nil {
			return nil, err
		}
	}
	if opts.Scale < 1 {
		opts.Scale = 1
	}
	if opts.Tile < 1 {
		opts.Tile = 1
	}

	z := static.Shape[2] / 2
	template := Slice(static, z)
	subject := Slice(registered, z)

	panels := []image.Image{template, subject, Checkerboard(template, subject, opts.Tile)}
	if opts.Labels != nil {
		panels = append(panels, PaintLabels(subject, opts.Labels, z, opts.Opacity))
	}

	w, h := static.Shape[0]*opts.Scale, static.Shape[1]*opts.Scale
	out := imaging.New(w*len(panels), h, color.Black)
	for i, panel := range panels {
		// Voxel y grows toward anterior; images grow downward.
		scaled := imaging.Resize(imaging.FlipV(panel), w, h, imaging.NearestNeighbor)
		out = imaging.Paste(out, scaled, image.Pt(i*w, 0))
	}

	return out, nil
}

// SaveSnapshot renders the snapshot and writes it; the format follows the
// extension of path.
func SaveSnapshot(path string, static, registered *volume.Volume, opts Options) error {
	img, err := Snapshot(static, registered, opts)
	if err != nil {
		return err
	}

	if err := imaging.Save(img, path); err != nil {
		return pfx.Err(fmt.Errorf("%s: %w", path, err))
	}

	return nil
}

// Slice renders axial slice z in grayscale, scaled so that the brightest
// voxel of the slice is white. Negative values are clipped to black.
func Slice(v *volume.Volume, z int) *image.Gray16 {
	nx, ny := v.Shape[0], v.Shape[1]
	out := image.NewGray16(image.Rect(0, 0, nx, ny))

	maxIntensity := 0.0
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			if value := v.At(x, y, z); value > maxIntensity {
				maxIntensity = value
			}
		}
	}
	if maxIntensity == 0 {
		return out
	}

	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			out.SetGray16(x, y, color.Gray16{Y: windowScale(v.At(x, y, z), maxIntensity)})
		}
	}

	return out
}

func windowScale(intensity, maxIntensity float64) uint16 {
	if intensity < 0 || math.IsNaN(intensity) {
		intensity = 0
	}
	if intensity > maxIntensity {
		intensity = maxIntensity
	}

	return uint16(float64(math.MaxUint16) * intensity / maxIntensity)
}

// Checkerboard alternates tile-sized squares of a and b. Misregistration
// shows up as broken edges where squares meet.
func Checkerboard(a, b *image.Gray16, tile int) *image.Gray16 {
	bounds := a.Bounds()
	out := image.NewGray16(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if (x/tile+y/tile)%2 == 0 {
				out.SetGray16(x, y, a.Gray16At(x, y))
			} else {
				out.SetGray16(x, y, b.Gray16At(x, y))
			}
		}
	}

	return out
}

// PaintLabels blends a color per atlas code over base. Background (code 0)
// voxels are left untouched.
func PaintLabels(base *image.Gray16, labels *volume.Volume, z int, opacity float64) *image.NRGBA {
	var codes []int
	seen := make(map[int]struct{})
	for y := 0; y < labels.Shape[1]; y++ {
		for x := 0; x < labels.Shape[0]; x++ {
			code := int(math.Round(labels.At(x, y, z)))
			if _, exists := seen[code]; !exists {
				seen[code] = struct{}{}
				codes = append(codes, code)
			}
		}
	}
	colors := LabelColors(codes, Tab10)

	out := imaging.Clone(base)
	for y := 0; y < labels.Shape[1]; y++ {
		for x := 0; x < labels.Shape[0]; x++ {
			col, ok := colors[int(math.Round(labels.At(x, y, z)))]
			if !ok {
				continue
			}
			under := out.NRGBAAt(x, y)
			out.SetNRGBA(x, y, color.NRGBA{
				R: blend(under.R, col.R, opacity),
				G: blend(under.G, col.G, opacity),
				B: blend(under.B, col.B, opacity),
				A: 255,
			})
		}
	}

	return out
}

func blend(under, over uint8, opacity float64) uint8 {
	return uint8(math.Round(float64(under)*(1-opacity) + float64(over)*opacity))
}
