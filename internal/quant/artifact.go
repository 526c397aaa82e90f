package quant

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/finchml/kestrel/internal/tensor"
)

// The calibrated-int4 artifact is an Arrow IPC file with one row per layer
// tensor: quantized layers carry packed codes plus group scale/zero tables,
// unquantized layers (embeddings, norms) carry their full-precision data.
// Paying calibration once and reloading the artifact afterwards is the whole
// point of the offline pass.
var artifactSchema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "kind", Type: arrow.BinaryTypes.String},
	{Name: "rows", Type: arrow.PrimitiveTypes.Int64},
	{Name: "cols", Type: arrow.PrimitiveTypes.Int64},
	{Name: "group_size", Type: arrow.PrimitiveTypes.Int64},
	{Name: "codes", Type: arrow.BinaryTypes.Binary},
	{Name: "scales", Type: arrow.BinaryTypes.Binary},
	{Name: "zeros", Type: arrow.BinaryTypes.Binary},
	{Name: "dense", Type: arrow.BinaryTypes.Binary},
}, nil)

const (
	kindInt4  = "int4"
	kindDense = "dense"
)

// ArtifactEntry is one persisted layer: exactly one of Int4 or Dense is set.
type ArtifactEntry struct {
	Name  string
	Int4  *Int4Linear
	Dense *tensor.Tensor
}

// WriteArtifact persists a quantized model to an Arrow IPC file.
func WriteArtifact(path string, entries []ArtifactEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create artifact %s: %w", path, err)
	}
	defer f.Close()

	alloc := memory.NewGoAllocator()
	bld := array.NewRecordBuilder(alloc, artifactSchema)
	defer bld.Release()

	nameB := bld.Field(0).(*array.StringBuilder)
	kindB := bld.Field(1).(*array.StringBuilder)
	rowsB := bld.Field(2).(*array.Int64Builder)
	colsB := bld.Field(3).(*array.Int64Builder)
	groupB := bld.Field(4).(*array.Int64Builder)
	codesB := bld.Field(5).(*array.BinaryBuilder)
	scalesB := bld.Field(6).(*array.BinaryBuilder)
	zerosB := bld.Field(7).(*array.BinaryBuilder)
	denseB := bld.Field(8).(*array.BinaryBuilder)

	for _, e := range entries {
		nameB.Append(e.Name)
		switch {
		case e.Int4 != nil:
			kindB.Append(kindInt4)
			rowsB.Append(int64(e.Int4.rows))
			colsB.Append(int64(e.Int4.cols))
			groupB.Append(int64(e.Int4.groupSize))
			codesB.Append(e.Int4.codes)
			scalesB.Append(f32ToBytes(e.Int4.scales))
			zerosB.Append(e.Int4.zeros)
			denseB.AppendNull()
		case e.Dense != nil:
			kindB.Append(kindDense)
			rowsB.Append(int64(e.Dense.Rows))
			colsB.Append(int64(e.Dense.Cols))
			groupB.Append(0)
			codesB.AppendNull()
			scalesB.AppendNull()
			zerosB.AppendNull()
			denseB.Append(f32ToBytes(e.Dense.Float32()))
		default:
			return fmt.Errorf("artifact entry %q has no payload", e.Name)
		}
	}

	rec := bld.NewRecord()
	defer rec.Release()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(artifactSchema), ipc.WithAllocator(alloc))
	if err != nil {
		return fmt.Errorf("open artifact writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("write artifact record: %w", err)
	}
	return w.Close()
}

// ReadArtifact loads a previously written artifact. The returned entries are
// keyed by tensor name.
func ReadArtifact(path string) (map[string]ArtifactEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", path, err)
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	defer r.Close()

	entries := make(map[string]ArtifactEntry)
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("artifact record %d: %w", i, err)
		}

		names := rec.Column(0).(*array.String)
		kinds := rec.Column(1).(*array.String)
		rows := rec.Column(2).(*array.Int64)
		cols := rec.Column(3).(*array.Int64)
		groups := rec.Column(4).(*array.Int64)
		codes := rec.Column(5).(*array.Binary)
		scales := rec.Column(6).(*array.Binary)
		zeros := rec.Column(7).(*array.Binary)
		dense := rec.Column(8).(*array.Binary)

		for row := 0; row < int(rec.NumRows()); row++ {
			name := names.Value(row)
			nr, nc := int(rows.Value(row)), int(cols.Value(row))

			switch kinds.Value(row) {
			case kindInt4:
				gs := int(groups.Value(row))
				if gs <= 0 || nc%gs != 0 {
					return nil, fmt.Errorf("artifact tensor %q: bad group size %d for %d cols", name, gs, nc)
				}
				ng := nc / gs
				q := &Int4Linear{
					rows:      nr,
					cols:      nc,
					groupSize: gs,
					codes:     append([]byte(nil), codes.Value(row)...),
					scales:    bytesToF32(scales.Value(row)),
					zeros:     append([]uint8(nil), zeros.Value(row)...),
				}
				if len(q.codes) != nr*nc/2 || len(q.scales) != nr*ng || len(q.zeros) != nr*ng {
					return nil, fmt.Errorf("artifact tensor %q: payload sizes inconsistent with shape [%d, %d]", name, nr, nc)
				}
				entries[name] = ArtifactEntry{Name: name, Int4: q}
			case kindDense:
				data := bytesToF32(dense.Value(row))
				t, err := tensor.FromF32(name, nr, nc, data)
				if err != nil {
					return nil, fmt.Errorf("artifact tensor %q: %w", name, err)
				}
				entries[name] = ArtifactEntry{Name: name, Dense: t}
			default:
				return nil, fmt.Errorf("artifact tensor %q: unknown kind %q", name, kinds.Value(row))
			}
		}
	}
	return entries, nil
}

func f32ToBytes(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func bytesToF32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
