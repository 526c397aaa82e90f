// Package quant implements the quantized weight representations and the two
// quantization strategies: dynamic int8 with full-precision outlier columns,
// and calibrated int4 with Hessian-guided error compensation.
package quant

import (
	"fmt"

	"github.com/finchml/kestrel/internal/tensor"
)

// Mode is the closed set of quantization modes. The runtime dispatches on the
// Linear interface, never on mode values.
type Mode uint8

const (
	ModeNone Mode = iota
	ModeInt8
	ModeInt4
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeInt8:
		return "dynamic-int8"
	case ModeInt4:
		return "calibrated-int4"
	default:
		return fmt.Sprintf("unknown_mode_%d", uint8(m))
	}
}

// ParseMode maps the CLI mode selector to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "none", "":
		return ModeNone, nil
	case "dynamic-int8", "int8":
		return ModeInt8, nil
	case "calibrated-int4", "int4":
		return ModeInt4, nil
	default:
		return ModeNone, fmt.Errorf("unknown quantization mode %q (want none, dynamic-int8 or calibrated-int4)", s)
	}
}

// Options carries the tunable quantization parameters. The defaults follow
// common practice but are deliberately not baked into call sites.
type Options struct {
	// OutlierThreshold is the absolute weight magnitude beyond which an int8
	// column is kept at full precision.
	OutlierThreshold float32
	// GroupSize is the int4 column-block width sharing one scale/zero pair.
	GroupSize int
	// DampingFrac is the fraction of the mean Hessian diagonal added as
	// damping before error compensation.
	DampingFrac float64
}

func DefaultOptions() Options {
	return Options{
		OutlierThreshold: 6.0,
		GroupSize:        128,
		DampingFrac:      0.01,
	}
}

// Linear is the capability contract shared by all weight representations.
// MatVec computes out = W·x without materializing a full-precision copy of W;
// DequantizeRow reconstructs one row and must be a pure, deterministic
// function of the stored codes and metadata.
type Linear interface {
	Rows() int
	Cols() int
	Mode() Mode
	MatVec(x, out []float32)
	DequantizeRow(r int, dst []float32)
	SizeBytes() int64
}

// UnsupportedShapeError reports a tensor whose shape cannot be block
// quantized with the requested options.
type UnsupportedShapeError struct {
	Name      string
	Cols      int
	GroupSize int
}

func (e UnsupportedShapeError) Error() string {
	return fmt.Sprintf("tensor %q: %d columns not divisible by group size %d", e.Name, e.Cols, e.GroupSize)
}

// CalibrationError reports missing or insufficient calibration data.
type CalibrationError struct{ Reason string }

func (e CalibrationError) Error() string {
	return fmt.Sprintf("calibration error: %s", e.Reason)
}

// Dense wraps an unquantized weight tensor behind the Linear contract.
// F16 tensors are decoded row by row with float32 accumulation.
type Dense struct {
	t   *tensor.Tensor
	row []float32
}

func NewDense(t *tensor.Tensor) *Dense {
	return &Dense{t: t, row: make([]float32, t.Cols)}
}

func (d *Dense) Rows() int  { return d.t.Rows }
func (d *Dense) Cols() int  { return d.t.Cols }
func (d *Dense) Mode() Mode { return ModeNone }

func (d *Dense) SizeBytes() int64 { return int64(d.t.SizeBytes()) }

func (d *Dense) MatVec(x, out []float32) {
	for r := 0; r < d.t.Rows; r++ {
		row := d.t.Row(r, d.row)
		var acc float64
		for c, v := range row {
			acc += float64(v) * float64(x[c])
		}
		out[r] = float32(acc)
	}
}

func (d *Dense) DequantizeRow(r int, dst []float32) {
	copy(dst, d.t.Row(r, d.row))
}

// Tensor exposes the wrapped tensor, used when persisting dense layers.
func (d *Dense) Tensor() *tensor.Tensor { return d.t }
