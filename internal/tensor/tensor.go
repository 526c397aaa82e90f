package tensor

import (
	"fmt"

	"github.com/x448/float16"
)

// DType declares the element storage width of a tensor.
type DType uint8

const (
	F32 DType = iota
	F16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	default:
		return fmt.Sprintf("unknown_dtype_%d", uint8(d))
	}
}

// ElemSize returns the storage bytes per element.
func (d DType) ElemSize() int {
	if d == F16 {
		return 2
	}
	return 4
}

// ParseDType maps a precision selector string to a DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "f32", "float32", "":
		return F32, nil
	case "f16", "float16":
		return F16, nil
	default:
		return F32, fmt.Errorf("unknown precision %q (want f32 or f16)", s)
	}
}

// Tensor is a named, row-major 2D numeric array. One of F32Data/F16Data is
// populated according to DType. 1D tensors use Rows=1.
type Tensor struct {
	Name    string
	Rows    int
	Cols    int
	DType   DType
	F32Data []float32
	F16Data []uint16
}

// NewF32 allocates a zeroed float32 tensor.
func NewF32(name string, rows, cols int) *Tensor {
	return &Tensor{
		Name:    name,
		Rows:    rows,
		Cols:    cols,
		DType:   F32,
		F32Data: make([]float32, rows*cols),
	}
}

// FromF32 wraps an existing float32 slice without copying.
func FromF32(name string, rows, cols int, data []float32) (*Tensor, error) {
	if len(data) != rows*cols {
		return nil, fmt.Errorf("tensor %s: data length %d != %dx%d", name, len(data), rows, cols)
	}
	return &Tensor{Name: name, Rows: rows, Cols: cols, DType: F32, F32Data: data}, nil
}

func (t *Tensor) NumElements() int {
	return t.Rows * t.Cols
}

// SizeBytes returns the in-memory footprint of the element storage.
func (t *Tensor) SizeBytes() int {
	return t.NumElements() * t.DType.ElemSize()
}

// At returns element (r, c) as float32 regardless of storage width.
func (t *Tensor) At(r, c int) float32 {
	idx := r*t.Cols + c
	if t.DType == F16 {
		return float16.Frombits(t.F16Data[idx]).Float32()
	}
	return t.F32Data[idx]
}

// Row decodes row r into dst, which must hold Cols elements. For F32 tensors
// the backing slice is returned directly without copying.
func (t *Tensor) Row(r int, dst []float32) []float32 {
	off := r * t.Cols
	if t.DType == F32 {
		return t.F32Data[off : off+t.Cols]
	}
	for i := 0; i < t.Cols; i++ {
		dst[i] = float16.Frombits(t.F16Data[off+i]).Float32()
	}
	return dst[:t.Cols]
}

// Float32 decodes the full tensor to a float32 slice. F32 tensors return the
// backing slice.
func (t *Tensor) Float32() []float32 {
	if t.DType == F32 {
		return t.F32Data
	}
	out := make([]float32, t.NumElements())
	for i, b := range t.F16Data {
		out[i] = float16.Frombits(b).Float32()
	}
	return out
}

// Cast returns the tensor converted to the requested storage width. Casting to
// the current width returns the receiver unchanged.
func (t *Tensor) Cast(dt DType) *Tensor {
	if dt == t.DType {
		return t
	}
	out := &Tensor{Name: t.Name, Rows: t.Rows, Cols: t.Cols, DType: dt}
	switch dt {
	case F16:
		out.F16Data = make([]uint16, t.NumElements())
		for i, v := range t.F32Data {
			out.F16Data[i] = float16.Fromfloat32(v).Bits()
		}
	case F32:
		out.F32Data = t.Float32()
	}
	return out
}

// CheckShape verifies the tensor matches the expected dimensions.
func (t *Tensor) CheckShape(rows, cols int) error {
	if t.Rows != rows || t.Cols != cols {
		return fmt.Errorf("tensor %s: shape [%d, %d] does not match expected [%d, %d]",
			t.Name, t.Rows, t.Cols, rows, cols)
	}
	return nil
}
