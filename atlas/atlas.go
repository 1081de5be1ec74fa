package atlas

import (
	"fmt"
	"math"

	"github.com/carbocation/qsmpipe/volume"
)

// Atlas pairs a label volume on the template grid with the dictionary naming
// its codes.
type Atlas struct {
	Labels     *volume.Volume
	Dictionary *Dictionary
}

// Load reads a label volume and its dictionary.
func Load(labelPath, dictionaryPath string) (*Atlas, error) {
	dict, err := LoadDictionary(dictionaryPath)
	if err != nil {
		return nil, err
	}

	labels, err := volume.Load(labelPath)
	if err != nil {
		return nil, err
	}

	return &Atlas{Labels: labels, Dictionary: dict}, nil
}

func (a *Atlas) Name() string {
	return a.Dictionary.Name()
}

// Codes rounds each label voxel to its integer code. Label volumes are
// sometimes stored as floats.
func (a *Atlas) Codes() ([]int, error) {
	out := make([]int, len(a.Labels.Data))
	for i, x := range a.Labels.Data {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("%s: label voxel %d is %g", a.Name(), i, x)
		}
		out[i] = int(math.Round(x))
	}

	return out, nil
}
