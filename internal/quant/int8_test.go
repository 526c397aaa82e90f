package quant

import (
	"math"
	"math/rand"
	"testing"

	"github.com/finchml/kestrel/internal/tensor"
)

func randTensor(t *testing.T, name string, rows, cols int, seed int64) *tensor.Tensor {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	tn, err := tensor.FromF32(name, rows, cols, data)
	if err != nil {
		t.Fatalf("build tensor: %v", err)
	}
	return tn
}

func TestInt8_RoundTripBound(t *testing.T) {
	tn := randTensor(t, "w", 16, 64, 42)
	q := QuantizeInt8(tn, DefaultOptions())

	// Per-row absmax scaling bounds per-element error by scale/2 = amax/254.
	deq := make([]float32, 64)
	for r := 0; r < 16; r++ {
		var amax float32
		for c := 0; c < 64; c++ {
			if v := float32(math.Abs(float64(tn.At(r, c)))); v > amax {
				amax = v
			}
		}
		bound := amax/254 + 1e-6
		q.DequantizeRow(r, deq)
		for c := 0; c < 64; c++ {
			diff := float64(tn.At(r, c) - deq[c])
			if math.Abs(diff) > float64(bound) {
				t.Fatalf("row %d col %d: error %g exceeds bound %g", r, c, diff, bound)
			}
		}
	}
}

func TestInt8_AllZeroExact(t *testing.T) {
	tn := tensor.NewF32("zero", 4, 32)
	q := QuantizeInt8(tn, DefaultOptions())

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

func TestInt8_OutlierColumnsExact(t *testing.T) {
	tn := randTensor(t, "w", 8, 32, 7)
	// Column 5 holds magnitudes far past the outlier threshold.
	for r := 0; r < 8; r++ {
		tn.F32Data[r*32+5] = 50 * float32(r+1)
	}
	q := QuantizeInt8(tn, DefaultOptions())

	if q.OutlierCount() == 0 {
		t.Fatal("expected at least one outlier column")
	}

	deq := make([]float32, 32)
	for r := 0; r < 8; r++ {
		q.DequantizeRow(r, deq)
		if deq[5] != tn.At(r, 5) {
			t.Fatalf("row %d: outlier column not preserved exactly: %g != %g", r, deq[5], tn.At(r, 5))
		}
	}
}

func TestInt8_MatVecMatchesDequant(t *testing.T) {
	tn := randTensor(t, "w", 8, 32, 11)
	q := QuantizeInt8(tn, DefaultOptions())

	rng := rand.New(rand.NewSource(3))
	x := make([]float32, 32)
	for i := range x {
		x[i] = float32(rng.NormFloat64())
	}

	got := make([]float32, 8)
	q.MatVec(x, got)

	// Reference product over the dequantized weights plus the activation
	// quantization error bound.
	deq := make([]float32, 32)
	for r := 0; r < 8; r++ {
		q.DequantizeRow(r, deq)
		var want float64
		for c := range x {
			want += float64(deq[c]) * float64(x[c])
		}
		if math.Abs(float64(got[r])-want) > 0.5 {
			t.Fatalf("row %d: matvec %g vs dequant reference %g", r, got[r], want)
		}
	}
}

func TestInt8_Footprint(t *testing.T) {
	tn := randTensor(t, "w", 256, 256, 9)
	q := QuantizeInt8(tn, DefaultOptions())

	ratio := float64(q.SizeBytes()) / float64(tn.SizeBytes())
	if ratio > 0.55 {
		t.Fatalf("int8 footprint ratio %.3f exceeds 0.55", ratio)
	}
}
