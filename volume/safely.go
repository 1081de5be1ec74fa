package volume

import (
	"fmt"

	"github.com/henghuang/nifti"
)

// safelyNiftiParse consumes panics emitted by the nifti library, which are
// inappropriate and must be captured in order to turn them into recoverable
// errors.
func safelyNiftiParse(filename string) (parsedData nifti.Nifti1Image, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("%s: %v", filename, panicErr)
		}
	}()

	parsedData.LoadImage(filename, true)

	return
}

// safelyGetAt reads voxel (x, y, z) of the first frame. Some datatypes make
// the library panic instead of returning.
func safelyGetAt(img *nifti.Nifti1Image, dims [3]int, out []float64) (err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("%v", panicErr)
		}
	}()

	i := 0
	for z := 0; z < dims[2]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[0]; x++ {
				out[i] = float64(img.GetAt(x, y, z, 0))
				i++
			}
		}
	}

	return
}
