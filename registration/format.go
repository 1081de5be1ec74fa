package registration

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/carbocation/pfx"
	"github.com/carbocation/qsmpipe"
	"github.com/carbocation/qsmpipe/volume"
	"google.golang.org/protobuf/encoding/protowire"
)

// A mapping file is the magic "QSMMAP", one version byte, then a gzip stream
// holding a protobuf wire-format message with the fields below. Readers skip
// fields they do not know, so fields may be added without a version bump; the
// version changes only when existing fields change meaning.
const (
	mappingMagic   = "QSMMAP"
	MappingVersion = 1
)

const (
	fieldStaticShape  protowire.Number = 1 // packed varint
	fieldStaticAffine protowire.Number = 2 // packed fixed64 (float64 bits), row-major 4x4
	fieldMovingShape  protowire.Number = 3
	fieldMovingAffine protowire.Number = 4
	fieldPrealign     protowire.Number = 5
	fieldDisplacement protowire.Number = 6 // packed fixed32 (float32 bits)
	fieldStaticHeader protowire.Number = 7 // raw little-endian NIfTI-1 header
)

// MarshalBinary encodes m in the mapping file format.
func (m *DiffeomorphicMap) MarshalBinary() ([]byte, error) {
	var msg []byte
	msg = appendShape(msg, fieldStaticShape, m.StaticShape)
	msg = appendAffine(msg, fieldStaticAffine, m.StaticAffine)
	msg = appendShape(msg, fieldMovingShape, m.MovingShape)
	msg = appendAffine(msg, fieldMovingAffine, m.MovingAffine)
	msg = appendAffine(msg, fieldPrealign, m.Prealign)

	if len(m.Displacement) > 0 {
		packed := make([]byte, 0, 4*len(m.Displacement))
		for _, d := range m.Displacement {
			packed = protowire.AppendFixed32(packed, math.Float32bits(d))
		}
		msg = protowire.AppendTag(msg, fieldDisplacement, protowire.BytesType)
		msg = protowire.AppendBytes(msg, packed)
	}

	var header bytes.Buffer
	if err := binary.Write(&header, binary.LittleEndian, m.StaticHeader); err != nil {
		return nil, pfx.Err(err)
	}
	msg = protowire.AppendTag(msg, fieldStaticHeader, protowire.BytesType)
	msg = protowire.AppendBytes(msg, header.Bytes())

	var out bytes.Buffer
	out.WriteString(mappingMagic)
	out.WriteByte(MappingVersion)

	gz := gzip.NewWriter(&out)
	if _, err := gz.Write(msg); err != nil {
		return nil, pfx.Err(err)
	}
	if err := gz.Close(); err != nil {
		return nil, pfx.Err(err)
	}

	return out.Bytes(), nil
}

func appendShape(b []byte, num protowire.Number, shape [3]int) []byte {
	var packed []byte
	for _, s := range shape {
		packed = protowire.AppendVarint(packed, uint64(s))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendAffine(b []byte, num protowire.Number, a volume.Affine) []byte {
	packed := make([]byte, 0, 16*8)
	for i := range a {
		for j := range a[i] {
			packed = protowire.AppendFixed64(packed, math.Float64bits(a[i][j]))
		}
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// UnmarshalMapping decodes a mapping written by MarshalBinary. Corrupt input,
// a bad magic or an unsupported version is reported as
// qsmpipe.ErrSerialization.
func UnmarshalMapping(data []byte) (SpatialMapping, error) {
	if len(data) < len(mappingMagic)+1 || string(data[:len(mappingMagic)]) != mappingMagic {
		return nil, fmt.Errorf("%w: not a mapping file (bad magic)", qsmpipe.ErrSerialization)
	}
	if v := data[len(mappingMagic)]; v != MappingVersion {
		return nil, fmt.Errorf("%w: mapping format version %d is not supported (want %d)", qsmpipe.ErrSerialization, v, MappingVersion)
	}

	gz, err := gzip.NewReader(bytes.NewReader(data[len(mappingMagic)+1:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", qsmpipe.ErrSerialization, err)
	}
	msg, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", qsmpipe.ErrSerialization, err)
	}

	m, err := decodeMapping(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", qsmpipe.ErrSerialization, err)
	}

	return m, nil
}

func decodeMapping(b []byte) (*DiffeomorphicMap, error) {
	m := &DiffeomorphicMap{}
	var seen [fieldStaticHeader + 1]bool

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		if num > fieldStaticHeader || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		value, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		seen[num] = true

		var err error
		switch num {
		case fieldStaticShape:
			m.StaticShape, err = consumeShape(value)
		case fieldStaticAffine:
			m.StaticAffine, err = consumeAffine(value)
		case fieldMovingShape:
			m.MovingShape, err = consumeShape(value)
		case fieldMovingAffine:
			m.MovingAffine, err = consumeAffine(value)
		case fieldPrealign:
			m.Prealign, err = consumeAffine(value)
		case fieldDisplacement:
			m.Displacement, err = consumeFloat32s(value)
		case fieldStaticHeader:
			err = binary.Read(bytes.NewReader(value), binary.LittleEndian, &m.StaticHeader)
		}
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", num, err)
		}
	}

	for _, required := range []protowire.Number{fieldStaticShape, fieldStaticAffine, fieldMovingShape, fieldMovingAffine, fieldPrealign} {
		if !seen[required] {
			return nil, fmt.Errorf("required field %d is missing", required)
		}
	}

	n := m.StaticShape[0] * m.StaticShape[1] * m.StaticShape[2]
	if len(m.Displacement) != 0 && len(m.Displacement) != 3*n {
		return nil, fmt.Errorf("displacement field has %d values for %d voxels", len(m.Displacement), n)
	}

	return m, nil
}

func consumeShape(b []byte) ([3]int, error) {
	var out [3]int
	for i := range out {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return out, protowire.ParseError(n)
		}
		out[i] = int(v)
		b = b[n:]
	}
	if len(b) != 0 {
		return out, fmt.Errorf("shape has trailing bytes")
	}

	return out, nil
}

func consumeAffine(b []byte) (volume.Affine, error) {
	var out volume.Affine
	if len(b) != 16*8 {
		return out, fmt.Errorf("affine has %d bytes, want %d", len(b), 16*8)
	}
	for i := range out {
		for j := range out[i] {
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return out, protowire.ParseError(n)
			}
			out[i][j] = math.Float64frombits(v)
			b = b[n:]
		}
	}

	return out, nil
}

func consumeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("packed float32 field has %d bytes", len(b))
	}

	out := make([]float32, 0, len(b)/4)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float32frombits(v))
		b = b[n:]
	}

	return out, nil
}

// SaveMapping writes m to path. The bytes go to a temporary file in the same
// directory which is synced and renamed over path, so a reader never sees a
// partially written mapping.
func SaveMapping(path string, m SpatialMapping) (err error) {
	data, err := m.MarshalBinary()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return pfx.Err(err)
	}

	f, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path))
	if err != nil {
		return pfx.Err(err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if _, err = f.Write(data); err != nil {
		return pfx.Err(err)
	}
	if err = f.Sync(); err != nil {
		return pfx.Err(err)
	}
	if err = f.Close(); err != nil {
		return pfx.Err(err)
	}

	return pfx.Err(os.Rename(f.Name(), path))
}

// LoadMapping reads a mapping saved by SaveMapping.
func LoadMapping(path string) (SpatialMapping, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, qsmpipe.MissingFile(path)
	} else if err != nil {
		return nil, pfx.Err(err)
	}

	m, err := UnmarshalMapping(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return m, nil
}
