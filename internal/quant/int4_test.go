package quant

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/finchml/kestrel/internal/tensor"
)

// oneHotCalibration observes the standard basis, giving a diagonal Hessian so
// error compensation stays inactive and the pure grid behavior is testable.
func oneHotCalibration(dim int) *Calibration {
	c := NewCalibration(dim)
	x := make([]float32, dim)
	for i := 0; i < dim; i++ {
		x[i] = 1
		c.Observe(x)
		x[i] = 0
	}
	return c
}

func randCalibration(dim, samples int, seed int64) *Calibration {
	c := NewCalibration(dim)
	rng := rand.New(rand.NewSource(seed))
	x := make([]float32, dim)
	for s := 0; s < samples; s++ {
		for i := range x {
			x[i] = float32(rng.NormFloat64())
		}
		c.Observe(x)
	}
	return c
}

func int4Opts(groupSize int) Options {
	o := DefaultOptions()
	o.GroupSize = groupSize
	return o
}

func TestInt4_GridRoundTripBound(t *testing.T) {
	tn := randTensor(t, "w", 8, 32, 21)
	q, err := QuantizeInt4(tn, oneHotCalibration(32), int4Opts(16))
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}

	deq := make([]float32, 32)
	for r := 0; r < 8; r++ {
		q.DequantizeRow(r, deq)
		for g := 0; g < 2; g++ {
			var lo, hi float32
			for c := g * 16; c < (g+1)*16; c++ {
				if v := tn.At(r, c); v < lo {
					lo = v
				} else if v > hi {
					hi = v
				}
			}
			bound := (hi-lo)/15/2 + 1e-5
			for c := g * 16; c < (g+1)*16; c++ {
				diff := math.Abs(float64(tn.At(r, c) - deq[c]))
				if diff > float64(bound) {
					t.Fatalf("row %d col %d: error %g exceeds half-step %g", r, c, diff, bound)
				}
			}
		}
	}
}

func TestInt4_AllZeroExact(t *testing.T) {
	tn := tensor.NewF32("zero", 4, 32)
	q, err := QuantizeInt4(tn, oneHotCalibration(32), int4Opts(16))
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}

	deq := make([]float32, 32)
	for r := 0; r < 4; r++ {
		q.DequantizeRow(r, deq)
		for c, v := range deq {
			if v != 0 {
				t.Fatalf("row %d col %d: zero weight dequantized to %g", r, c, v)
			}
		}
	}
}

func TestInt4_ConstantBlockExact(t *testing.T) {
	tn := tensor.NewF32("const", 2, 16)
	for i := range tn.F32Data {
		tn.F32Data[i] = 3.5
	}
	q, err := QuantizeInt4(tn, oneHotCalibration(16), int4Opts(16))
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}

	deq := make([]float32, 16)
	for r := 0; r < 2; r++ {
		q.DequantizeRow(r, deq)
		for c, v := range deq {
			if v != 3.5 {
				t.Fatalf("row %d col %d: constant block dequantized to %g", r, c, v)
			}
		}
	}
}

func TestInt4_MatVecMatchesDequant(t *testing.T) {
	tn := randTensor(t, "w", 8, 64, 5)
	q, err := QuantizeInt4(tn, randCalibration(64, 32, 17), int4Opts(32))
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}

	rng := rand.New(rand.NewSource(99))
	x := make([]float32, 64)
	for i := range x {
		x[i] = float32(rng.NormFloat64())
	}

	got := make([]float32, 8)
	q.MatVec(x, got)

	deq := make([]float32, 64)
	for r := 0; r < 8; r++ {
		q.DequantizeRow(r, deq)
		var want float64
		for c := range x {
			want += float64(deq[c]) * float64(x[c])
		}
		if math.Abs(float64(got[r])-want) > 1e-3 {
			t.Fatalf("row %d: matvec %g vs dequant product %g", r, got[r], want)
		}
	}
}

func TestInt4_CompensationReducesOutputError(t *testing.T) {
	tn := randTensor(t, "w", 4, 64, 33)
	calib := randCalibration(64, 64, 8)

	comp, err := QuantizeInt4(tn, calib, int4Opts(32))
	if err != nil {
		t.Fatalf("quantize with compensation: %v", err)
	}
	// Diagonal Hessian disables cross-column compensation.
	plain, err := QuantizeInt4(tn, oneHotCalibration(64), int4Opts(32))
	if err != nil {
		t.Fatalf("quantize without compensation: %v", err)
	}

	rng := rand.New(rand.NewSource(123))
	x := make([]float32, 64)
	dense := NewDense(tn)
	ref := make([]float32, 4)
	outA := make([]float32, 4)
	outB := make([]float32, 4)

	var errComp, errPlain float64
	for trial := 0; trial < 64; trial++ {
		for i := range x {
			x[i] = float32(rng.NormFloat64())
		}
		dense.MatVec(x, ref)
		comp.MatVec(x, outA)
		plain.MatVec(x, outB)
		for r := 0; r < 4; r++ {
			errComp += math.Abs(float64(outA[r] - ref[r]))
			errPlain += math.Abs(float64(outB[r] - ref[r]))
		}
	}

	// Compensation targets the activation distribution it was calibrated on;
	// it should not be dramatically worse than plain rounding on that
	// distribution. Allow slack for the affine grid differences.
	if errComp > errPlain*1.5 {
		t.Fatalf("compensated output error %g much worse than plain %g", errComp, errPlain)
	}
}

func TestInt4_ShapeAndCalibrationErrors(t *testing.T) {
	tn := randTensor(t, "w", 2, 30, 1)

	var shapeErr UnsupportedShapeError
	if _, err := QuantizeInt4(tn, oneHotCalibration(30), int4Opts(16)); !errors.As(err, &shapeErr) {
		t.Fatalf("indivisible cols: got %v, want UnsupportedShapeError", err)
	}

	tn32 := randTensor(t, "w", 2, 32, 1)
	if _, err := QuantizeInt4(tn32, oneHotCalibration(32), int4Opts(15)); !errors.As(err, &shapeErr) {
		t.Fatalf("odd group size: got %v, want UnsupportedShapeError", err)
	}

	var calibErr CalibrationError
	if _, err := QuantizeInt4(tn32, nil, int4Opts(16)); !errors.As(err, &calibErr) {
		t.Fatalf("nil calibration: got %v, want CalibrationError", err)
	}
	if _, err := QuantizeInt4(tn32, NewCalibration(32), int4Opts(16)); !errors.As(err, &calibErr) {
		t.Fatalf("empty calibration: got %v, want CalibrationError", err)
	}
	if _, err := QuantizeInt4(tn32, oneHotCalibration(16), int4Opts(16)); !errors.As(err, &calibErr) {
		t.Fatalf("dimension mismatch: got %v, want CalibrationError", err)
	}
}

func TestInt4_Footprint(t *testing.T) {
	tn := randTensor(t, "w", 256, 256, 13)
	q, err := QuantizeInt4(tn, oneHotCalibration(256), int4Opts(128))
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}

	ratio := float64(q.SizeBytes()) / float64(tn.SizeBytes())
	if ratio > 0.35 {
		t.Fatalf("int4 footprint ratio %.3f exceeds 0.35", ratio)
	}
}
