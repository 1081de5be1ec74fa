package volume

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/carbocation/qsmpipe"
)

// NIfTI-1 constants used by this package. See
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
const (
	niftiHeaderSize = 348
	niftiVoxOffset  = 352

	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64

	XFormUnknown     int16 = 0
	XFormScannerAnat int16 = 1
	XFormAlignedAnat int16 = 2
)

// Header is the fixed 348-byte NIfTI-1 header. Field order and sizes match the
// file layout so that it can be read and written with encoding/binary.
type Header struct {
	SizeOfHdr     int32
	DataTypeName  [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	DataType      int16
	BitPix        int16
	SliceStart    int16
	PixDim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QFormCode     int16
	SFormCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QOffsetX      float32
	QOffsetY      float32
	QOffsetZ      float32
	SRowX         [4]float32
	SRowY         [4]float32
	SRowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// DefaultHeader is the header given to volumes created in memory: millimetre
// units, single-file NIfTI magic.
func DefaultHeader() Header {
	h := Header{
		SizeOfHdr: niftiHeaderSize,
		XYZTUnits: 2, // NIFTI_UNITS_MM
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.PixDim[0] = 1
	return h
}

// SetDescription stores s (truncated to 79 bytes) in the descrip field.
func (h *Header) SetDescription(s string) {
	h.Descrip = [80]byte{}
	copy(h.Descrip[:79], s)
}

func (h Header) Description() string {
	return strings.TrimRight(string(h.Descrip[:]), "\x00")
}

// Shape returns the first three dimensions.
func (h Header) Shape() [3]int {
	return [3]int{int(h.Dim[1]), int(h.Dim[2]), int(h.Dim[3])}
}

// DecodeHeader reads a header in either byte order.
func DecodeHeader(r io.Reader) (Header, binary.ByteOrder, error) {
	raw := make([]byte, niftiHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Header{}, nil, fmt.Errorf("reading NIfTI header: %w", err)
	}

	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		var h Header
		if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
			return Header{}, nil, err
		}
		if h.SizeOfHdr == niftiHeaderSize {
			if h.Dim[0] < 1 || h.Dim[0] > 7 {
				return Header{}, nil, fmt.Errorf("NIfTI header has %d dimensions, expected 1 to 7", h.Dim[0])
			}
			return h, order, nil
		}
	}

	return Header{}, nil, fmt.Errorf("not a NIfTI-1 header (sizeof_hdr is not %d in either byte order)", niftiHeaderSize)
}

// ReadHeader reads the header of a .nii or .nii.gz file.
func ReadHeader(path string) (Header, error) {
	rc, err := qsmpipe.OpenMaybeCompressed(path)
	if err != nil {
		return Header{}, err
	}
	defer rc.Close()

	h, _, err := DecodeHeader(rc)
	if err != nil {
		return Header{}, fmt.Errorf("%s: %w", path, err)
	}

	return h, nil
}

// Affine derives the voxel-to-world transform the way NIfTI readers do: the
// sform when present, else the qform quaternion, else pixdim scaling.
func (h Header) Affine() Affine {
	if h.SFormCode > 0 {
		a := Identity()
		for j := 0; j < 4; j++ {
			a[0][j] = float64(h.SRowX[j])
			a[1][j] = float64(h.SRowY[j])
			a[2][j] = float64(h.SRowZ[j])
		}
		return a
	}

	if h.QFormCode > 0 {
		return h.qformAffine()
	}

	return Diagonal(pixdimOrOne(h.PixDim[1]), pixdimOrOne(h.PixDim[2]), pixdimOrOne(h.PixDim[3]))
}

func (h Header) qformAffine() Affine {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// Special case: 180 degree rotation, renormalize b,c,d
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	dx, dy, dz := pixdimOrOne(h.PixDim[1]), pixdimOrOne(h.PixDim[2]), pixdimOrOne(h.PixDim[3])
	if h.PixDim[0] < 0 {
		dz = -dz
	}

	out := Identity()
	out[0][0] = (a*a + b*b - c*c - d*d) * dx
	out[0][1] = 2 * (b*c - a*d) * dy
	out[0][2] = 2 * (b*d + a*c) * dz
	out[1][0] = 2 * (b*c + a*d) * dx
	out[1][1] = (a*a + c*c - b*b - d*d) * dy
	out[1][2] = 2 * (c*d - a*b) * dz
	out[2][0] = 2 * (b*d - a*c) * dx
	out[2][1] = 2 * (c*d + a*b) * dy
	out[2][2] = (a*a + d*d - c*c - b*b) * dz
	out[0][3] = float64(h.QOffsetX)
	out[1][3] = float64(h.QOffsetY)
	out[2][3] = float64(h.QOffsetZ)

	return out
}

func pixdimOrOne(p float32) float64 {
	if p <= 0 {
		return 1
	}
	return float64(p)
}

// prepare returns a copy of h describing a volume of the given shape, datatype
// and affine. The sform is always rewritten from the affine; the qform is kept
// only if it still agrees with it.
func (h Header) prepare(shape [3]int, datatype int16, affine Affine) Header {
	out := h
	out.SizeOfHdr = niftiHeaderSize
	out.Magic = [4]byte{'n', '+', '1', 0}
	out.Dim = [8]int16{3, int16(shape[0]), int16(shape[1]), int16(shape[2]), 1, 1, 1, 1}
	out.DataType = datatype
	out.BitPix = bitsPerVoxel(datatype)
	out.VoxOffset = niftiVoxOffset
	out.SclSlope = 1
	out.SclInter = 0
	out.CalMin, out.CalMax = 0, 0

	spacing := affine.Spacing()
	if out.PixDim[0] == 0 {
		out.PixDim[0] = 1
	}
	for i := 0; i < 3; i++ {
		out.PixDim[i+1] = float32(spacing[i])
	}

	if out.QFormCode > 0 && !out.qformAffine().ApproxEqual(affine, 1e-3) {
		out.QFormCode = XFormUnknown
	}
	if out.SFormCode <= 0 {
		out.SFormCode = XFormAlignedAnat
	}
	for j := 0; j < 4; j++ {
		out.SRowX[j] = float32(affine[0][j])
		out.SRowY[j] = float32(affine[1][j])
		out.SRowZ[j] = float32(affine[2][j])
	}

	return out
}

func bitsPerVoxel(datatype int16) int16 {
	switch datatype {
	case DTUint8:
		return 8
	case DTInt16:
		return 16
	case DTInt32, DTFloat32:
		return 32
	case DTFloat64:
		return 64
	}
	return 0
}
