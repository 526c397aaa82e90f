package quant

import (
	"math"

	"github.com/finchml/kestrel/internal/metrics"
	"github.com/finchml/kestrel/internal/tensor"
)

// Int8Linear is a dynamically quantized weight matrix: signed 8-bit codes with
// one absmax-derived scale per output row. Columns whose weight magnitude
// exceeds the outlier threshold are excluded from the 8-bit codes and kept as
// full-precision column vectors; MatVec computes them separately and sums the
// two partial products. Large transformers concentrate signal in a few
// channels, and an 8-bit grid stretched over them destroys the rest of the
// row, so the split is a correctness requirement rather than an optimization.
type Int8Linear struct {
	rows, cols int

	codes  []int8    // rows*cols, zero in outlier columns
	scales []float32 // per row, dequant = code * scale

	outlierCols []int     // sorted column indices
	outliers    []float32 // rows * len(outlierCols), row-major

	// Activation scratch. MatVec is not reentrant; callers serialize
	// generation per model instance.
	xq []float32
	xi []int32
}

// QuantizeInt8 converts a weight tensor at load time. No calibration data is
// required; outlier columns are detected from the weights themselves.
func QuantizeInt8(t *tensor.Tensor, opts Options) *Int8Linear {
	rows, cols := t.Rows, t.Cols
	w := t.Float32()

	outlier := make([]bool, cols)
	for r := 0; r < rows; r++ {
		off := r * cols
		for c := 0; c < cols; c++ {
			if v := w[off+c]; v > opts.OutlierThreshold || v < -opts.OutlierThreshold {
				outlier[c] = true
			}
		}
	}
	var outCols []int
	for c, o := range outlier {
		if o {
			outCols = append(outCols, c)
		}
	}

	q := &Int8Linear{
		rows:        rows,
		cols:        cols,
		codes:       make([]int8, rows*cols),
		scales:      make([]float32, rows),
		outlierCols: outCols,
		outliers:    make([]float32, rows*len(outCols)),
		xq:          make([]float32, cols),
		xi:          make([]int32, cols),
	}

	var sumErr float64
	for r := 0; r < rows; r++ {
		off := r * cols

		var amax float32
		for c := 0; c < cols; c++ {
			if outlier[c] {
				continue
			}
			if v := w[off+c]; v > amax {
				amax = v
			} else if -v > amax {
				amax = -v
			}
		}
		scale := amax / 127
		q.scales[r] = scale

		var inv float32
		if scale > 0 {
			inv = 1 / scale
		}
		for c := 0; c < cols; c++ {
			if outlier[c] {
				continue
			}
			code := roundClampInt8(w[off+c] * inv)
			q.codes[off+c] = code
			d := w[off+c] - float32(code)*scale
			if d < 0 {
				d = -d
			}
			sumErr += float64(d)
		}
		for i, c := range outCols {
			q.outliers[r*len(outCols)+i] = w[off+c]
		}
	}

	if rows*cols > 0 {
		metrics.QuantReconstructionError.WithLabelValues(ModeInt8.String()).
			Set(sumErr / float64(rows*cols))
	}
	return q
}

func roundClampInt8(v float32) int8 {
	r := math.RoundToEven(float64(v))
	if r > 127 {
		return 127
	}
	if r < -127 {
		return -127
	}
	return int8(r)
}

func (q *Int8Linear) Rows() int  { return q.rows }
func (q *Int8Linear) Cols() int  { return q.cols }
func (q *Int8Linear) Mode() Mode { return ModeInt8 }

// SizeBytes counts codes, per-row scales and the full-precision outlier
// columns (values plus their index table).
func (q *Int8Linear) SizeBytes() int64 {
	return int64(len(q.codes)) +
		int64(len(q.scales))*4 +
		int64(len(q.outliers))*4 +
		int64(len(q.outlierCols))*8
}

// OutlierCount reports how many columns bypass the 8-bit path.
func (q *Int8Linear) OutlierCount() int { return len(q.outlierCols) }

// MatVec runs the mixed-precision product: the activation is quantized to the
// 8-bit grid once per call (outlier columns excluded), the int8 dot products
// accumulate in int32, and the outlier columns contribute at full precision.
func (q *Int8Linear) MatVec(x, out []float32) {
	// Dynamic activation quantization over the non-outlier columns.
	copy(q.xq, x)
	for _, c := range q.outlierCols {
		q.xq[c] = 0
	}
	var xmax float32
	for _, v := range q.xq {
		if v > xmax {
			xmax = v
		} else if -v > xmax {
			xmax = -v
		}
	}
	xscale := xmax / 127
	var xinv float32
	if xscale > 0 {
		xinv = 1 / xscale
	}
	for c, v := range q.xq {
		q.xi[c] = int32(roundClampInt8(v * xinv))
	}

	nOut := len(q.outlierCols)
	for r := 0; r < q.rows; r++ {
		off := r * q.cols
		var acc int32
		for c := 0; c < q.cols; c++ {
			acc += int32(q.codes[off+c]) * q.xi[c]
		}
		y := q.scales[r] * xscale * float32(acc)

		var ySpill float64
		for i, c := range q.outlierCols {
			ySpill += float64(q.outliers[r*nOut+i]) * float64(x[c])
		}
		out[r] = y + float32(ySpill)
	}
}

// DequantizeRow reconstructs row r, outlier columns included.
func (q *Int8Linear) DequantizeRow(r int, dst []float32) {
	off := r * q.cols
	scale := q.scales[r]
	for c := 0; c < q.cols; c++ {
		dst[c] = float32(q.codes[off+c]) * scale
	}
	nOut := len(q.outlierCols)
	for i, c := range q.outlierCols {
		dst[c] = q.outliers[r*nOut+i]
	}
}
