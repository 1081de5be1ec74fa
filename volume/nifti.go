package volume

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/carbocation/pfx"
	"github.com/carbocation/qsmpipe"
)

// Load reads the first frame of a .nii or .nii.gz file. The header is decoded
// here so that the affine and any descriptive fields survive a round trip; the
// voxels come from the nifti library.
func Load(path string) (*Volume, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, qsmpipe.MissingFile(path)
	}

	header, err := ReadHeader(path)
	if err != nil {
		return nil, err
	}

	img, err := safelyNiftiParse(path)
	if err != nil {
		return nil, pfx.Err(err)
	}

	dims := img.GetDims()
	if len(dims) < 3 {
		return nil, fmt.Errorf("%s: expected at least 3 dimensions, got %d", path, len(dims))
	}
	shape := [3]int{dims[0], dims[1], dims[2]}
	if shape != header.Shape() {
		return nil, fmt.Errorf("%s: header says %v but image data is %v", path, header.Shape(), shape)
	}

	v := &Volume{
		Shape:  shape,
		Data:   make([]float64, shape[0]*shape[1]*shape[2]),
		Affine: header.Affine(),
		Header: header,
	}

	if err := safelyGetAt(&img, shape, v.Data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return v, nil
}

// LoadMask reads a volume and binarizes it.
func LoadMask(path string) (*Mask, *Volume, error) {
	v, err := Load(path)
	if err != nil {
		return nil, nil, err
	}

	return MaskFromVolume(v), v, nil
}

// Save writes v as float32. Paths ending in .gz are gzip-compressed.
func Save(path string, v *Volume) error {
	return writeNifti(path, v.Header.prepare(v.Shape, DTFloat32, v.Affine), func(w io.Writer) error {
		buf := make([]byte, 4)
		for _, x := range v.Data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(x)))
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveMask writes m as uint8 0/1 voxels on the grid described by affine and
// header.
func SaveMask(path string, m *Mask, affine Affine, header Header) error {
	return writeNifti(path, header.prepare(m.Shape, DTUint8, affine), func(w io.Writer) error {
		buf := make([]byte, len(m.Voxels))
		for i, in := range m.Voxels {
			if in {
				buf[i] = 1
			}
		}
		_, err := w.Write(buf)
		return err
	})
}

// writeNifti writes to a temporary file beside path and renames it into place
// once the data is on disk, so readers never observe a partial volume.
func writeNifti(path string, header Header, writeData func(io.Writer) error) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return pfx.Err(err)
	}

	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err != nil {
		return pfx.Err(err)
	}
	tmpName := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmpName)
		}
	}()

	var gz *gzip.Writer
	var sink io.Writer = f
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		sink = gz
	}
	bw := bufio.NewWriter(sink)

	if err = binary.Write(bw, binary.LittleEndian, header); err != nil {
		return pfx.Err(err)
	}
	// 4-byte extension flag, all zero: no extensions follow.
	if _, err = bw.Write(make([]byte, niftiVoxOffset-niftiHeaderSize)); err != nil {
		return pfx.Err(err)
	}
	if err = writeData(bw); err != nil {
		return pfx.Err(err)
	}
	if err = bw.Flush(); err != nil {
		return pfx.Err(err)
	}
	if gz != nil {
		if err = gz.Close(); err != nil {
			return pfx.Err(err)
		}
	}
	if err = f.Sync(); err != nil {
		return pfx.Err(err)
	}
	if err = f.Close(); err != nil {
		return pfx.Err(err)
	}

	return pfx.Err(os.Rename(tmpName, path))
}
