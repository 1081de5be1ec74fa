package qc

import (
	"fmt"
	"image/color"
	"sort"
	"strconv"
	"strings"
)

// Tab10 is the ten color categorical palette the plots use for methods and
// the snapshots use for atlas labels.
var Tab10 = []string{
	"#1f77b4", "#ff7f0e", "#2ca02c", "#d62728", "#9467bd",
	"#8c564b", "#e377c2", "#7f7f7f", "#bcbd22", "#17becf",
}

// ColorFromCode parses an RGB hex code such as #FF0000. Codes shorter than six
// digits are the transparent background.
func ColorFromCode(colorCode string) (color.NRGBA, error) {
	colorCode = strings.ReplaceAll(colorCode, "#", "")

	// Special case the background
	if len(colorCode) < 6 {
		return color.NRGBA{}, nil
	}

	var channels [3]uint8
	for i := range channels {
		v, err := strconv.ParseUint(colorCode[2*i:2*i+2], 16, 8)
		if err != nil {
			return color.NRGBA{}, fmt.Errorf("color %q: %w", colorCode, err)
		}
		channels[i] = uint8(v)
	}

	return color.NRGBA{R: channels[0], G: channels[1], B: channels[2], A: 255}, nil
}

// MustColor is ColorFromCode for codes known at compile time.
func MustColor(colorCode string) color.NRGBA {
	c, err := ColorFromCode(colorCode)
	if err != nil {
		panic(err)
	}
	return c
}

// LabelColors assigns a palette color to every nonzero code, cycling through
// the palette in code order. Code 0 is the background and gets no color.
func LabelColors(codes []int, palette []string) map[int]color.NRGBA {
	sorted := append([]int(nil), codes...)
	sort.Ints(sorted)

	out := make(map[int]color.NRGBA)
	i := 0
	for _, code := range sorted {
		if code == 0 {
			continue
		}
		if _, exists := out[code]; exists {
			continue
		}
		out[code] = MustColor(palette[i%len(palette)])
		i++
	}

	return out
}
