package quant

import (
	"math"

	"github.com/finchml/kestrel/internal/metrics"
	"github.com/finchml/kestrel/internal/tensor"
)

// Int4Linear is a calibrated 4-bit weight matrix. Codes are unsigned nibbles
// packed two per byte; each row carries one affine (scale, zero-point) pair
// per column group. Dequantization of a code is (code - zero) * scale.
type Int4Linear struct {
	rows, cols int
	groupSize  int

	codes  []byte    // rows * cols/2, row-major, low nibble first
	scales []float32 // rows * numGroups
	zeros  []uint8   // rows * numGroups
}

func (q *Int4Linear) Rows() int      { return q.rows }
func (q *Int4Linear) Cols() int      { return q.cols }
func (q *Int4Linear) Mode() Mode     { return ModeInt4 }
func (q *Int4Linear) GroupSize() int { return q.groupSize }

func (q *Int4Linear) numGroups() int { return q.cols / q.groupSize }

// SizeBytes counts packed codes plus the per-group scale/zero tables.
func (q *Int4Linear) SizeBytes() int64 {
	return int64(len(q.codes)) + int64(len(q.scales))*4 + int64(len(q.zeros))
}

func (q *Int4Linear) code(r, c int) uint8 {
	b := q.codes[(r*q.cols+c)/2]
	if c%2 == 0 {
		return b & 0x0F
	}
	return b >> 4
}

func (q *Int4Linear) setCode(r, c int, v uint8) {
	idx := (r*q.cols + c) / 2
	if c%2 == 0 {
		q.codes[idx] = (q.codes[idx] & 0xF0) | (v & 0x0F)
	} else {
		q.codes[idx] = (q.codes[idx] & 0x0F) | (v << 4)
	}
}

// MatVec dequantizes group by group inside the product so no full-precision
// copy of the matrix ever exists; per-group partial sums accumulate into a
// float64 row accumulator.
func (q *Int4Linear) MatVec(x, out []float32) {
	groups := q.numGroups()
	for r := 0; r < q.rows; r++ {
		var acc float64
		for g := 0; g < groups; g++ {
			scale := q.scales[r*groups+g]
			if scale == 0 {
				continue
			}
			zero := float32(q.zeros[r*groups+g])
			start := g * q.groupSize
			var part float32
			for c := start; c < start+q.groupSize; c++ {
				part += (float32(q.code(r, c)) - zero) * x[c]
			}
			acc += float64(scale) * float64(part)
		}
		out[r] = float32(acc)
	}
}

// DequantizeRow reconstructs row r from codes and group metadata.
func (q *Int4Linear) DequantizeRow(r int, dst []float32) {
	groups := q.numGroups()
	for g := 0; g < groups; g++ {
		scale := q.scales[r*groups+g]
		zero := float32(q.zeros[r*groups+g])
		start := g * q.groupSize
		for c := start; c < start+q.groupSize; c++ {
			dst[c] = (float32(q.code(r, c)) - zero) * scale
		}
	}
}

// QuantizeInt4 runs the calibrated block quantization. Weights are processed
// column-block by column-block; after each column is rounded to the 4-bit
// grid, its rounding error is pushed into the not-yet-quantized columns in
// proportion to the calibration Hessian, so later columns absorb part of the
// cumulative output error.
func QuantizeInt4(t *tensor.Tensor, calib *Calibration, opts Options) (*Int4Linear, error) {
	rows, cols := t.Rows, t.Cols
	if opts.GroupSize <= 0 || opts.GroupSize%2 != 0 || cols%opts.GroupSize != 0 {
		return nil, UnsupportedShapeError{Name: t.Name, Cols: cols, GroupSize: opts.GroupSize}
	}
	if calib == nil || calib.Samples() == 0 {
		return nil, CalibrationError{Reason: "no calibration activations observed"}
	}
	if calib.Dim() != cols {
		return nil, CalibrationError{Reason: "calibration dimension does not match layer input"}
	}

	groups := cols / opts.GroupSize
	q := &Int4Linear{
		rows:      rows,
		cols:      cols,
		groupSize: opts.GroupSize,
		codes:     make([]byte, rows*cols/2),
		scales:    make([]float32, rows*groups),
		zeros:     make([]uint8, rows*groups),
	}

	// Working copy: compensation mutates remaining columns as blocks quantize.
	w := make([]float32, rows*cols)
	copy(w, t.Float32())

	hDiag, hRow := calib.damped(opts.DampingFrac)
	err := make([]float32, rows)

	for g := 0; g < groups; g++ {
		start := g * opts.GroupSize
		end := start + opts.GroupSize

		// Affine grid per (row, group) from the compensated values. The range
		// always includes zero so constant blocks reconstruct exactly.
		for r := 0; r < rows; r++ {
			var lo, hi float32
			for c := start; c < end; c++ {
				v := w[r*cols+c]
				if v < lo {
					lo = v
				}
				if v > hi {
					hi = v
				}
			}
			scale := (hi - lo) / 15
			var zero uint8
			if scale > 0 {
				zero = uint8(math.RoundToEven(float64(-lo / scale)))
			}
			q.scales[r*groups+g] = scale
			q.zeros[r*groups+g] = zero
		}

		for c := start; c < end; c++ {
			for r := 0; r < rows; r++ {
				scale := q.scales[r*groups+g]
				zero := float32(q.zeros[r*groups+g])
				v := w[r*cols+c]

				var code uint8
				if scale > 0 {
					qv := math.RoundToEven(float64(v/scale + zero))
					if qv < 0 {
						qv = 0
					} else if qv > 15 {
						qv = 15
					}
					code = uint8(qv)
				}
				q.setCode(r, c, code)
				err[r] = v - (float32(code)-zero)*scale
			}

			// Second-order compensation: distribute this column's rounding
			// error over the remaining columns, weighted by H[c,k]/H[c,c].
			h := hRow(c)
			d := hDiag[c]
			if d == 0 {
				continue
			}
			for k := c + 1; k < cols; k++ {
				ratio := float32(h[k] / d)
				if ratio == 0 {
					continue
				}
				for r := 0; r < rows; r++ {
					w[r*cols+k] -= err[r] * ratio
				}
			}
		}
	}

	if rows*cols > 0 {
		orig := t.Float32()
		deq := make([]float32, cols)
		var sumErr float64
		for r := 0; r < rows; r++ {
			q.DequantizeRow(r, deq)
			for c := 0; c < cols; c++ {
				d := float64(orig[r*cols+c] - deq[c])
				if d < 0 {
					d = -d
				}
				sumErr += d
			}
		}
		metrics.QuantReconstructionError.WithLabelValues(ModeInt4.String()).
			Set(sumErr / float64(rows*cols))
	}
	return q, nil
}
