package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/finchml/kestrel/internal/tensor"
)

// ReadContainer loads every tensor from a model.bin container without shape
// validation. Inspection tooling uses this; runtimes go through LoadWeights.
func ReadContainer(path string) (map[string]*tensor.Tensor, error) {
	return readContainer(path)
}

type tensorEntry struct {
	name   string
	dtype  tensor.DType
	rows   int
	cols   int
	offset uint64
}

// readContainer parses a model.bin container. Layout:
//
//	u32 magic | u32 version | u64 tensor count
//	per tensor: u64 name len | name bytes | u32 dtype | u64 rows | u64 cols | u64 data offset
//	padding to 32-byte alignment
//	tensor data, little-endian elements at the recorded offsets
func readContainer(path string) (map[string]*tensor.Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read weights %s: %w", path, err)
	}
	if len(data) < 16 {
		return nil, CorruptError{Reason: "file shorter than header"}
	}

	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != Magic {
		return nil, ErrInvalidMagic{Magic: magic}
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != Version {
		return nil, ErrUnsupportedVersion{Version: version}
	}
	count := binary.LittleEndian.Uint64(data[8:16])

	pos := uint64(16)
	entries := make([]tensorEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		if pos+8 > uint64(len(data)) {
			return nil, CorruptError{Reason: "tensor table truncated"}
		}
		nameLen := binary.LittleEndian.Uint64(data[pos : pos+8])
		pos += 8
		if nameLen > 1<<16 || pos+nameLen > uint64(len(data)) {
			return nil, CorruptError{Reason: "tensor name truncated"}
		}
		name := string(data[pos : pos+nameLen])
		pos += nameLen

		if pos+28 > uint64(len(data)) {
			return nil, CorruptError{Name: name, Reason: "tensor descriptor truncated"}
		}
		code := binary.LittleEndian.Uint32(data[pos : pos+4])
		dt, err := codeDType(code)
		if err != nil {
			return nil, CorruptError{Name: name, Reason: err.Error()}
		}
		rows := binary.LittleEndian.Uint64(data[pos+4 : pos+12])
		cols := binary.LittleEndian.Uint64(data[pos+12 : pos+20])
		offset := binary.LittleEndian.Uint64(data[pos+20 : pos+28])
		pos += 28

		if rows == 0 || cols == 0 || rows*cols > 1<<34 {
			return nil, CorruptError{Name: name, Reason: fmt.Sprintf("implausible shape [%d, %d]", rows, cols)}
		}
		entries = append(entries, tensorEntry{
			name: name, dtype: dt, rows: int(rows), cols: int(cols), offset: offset,
		})
	}

	dataStart := (pos + dataAlign - 1) &^ (dataAlign - 1)
	tensors := make(map[string]*tensor.Tensor, len(entries))
	for _, e := range entries {
		n := e.rows * e.cols
		start := dataStart + e.offset
		end := start + uint64(n*e.dtype.ElemSize())
		if end > uint64(len(data)) {
			return nil, CorruptError{Name: e.name, Reason: fmt.Sprintf("data truncated (need %d bytes, have %d)", end, len(data))}
		}
		raw := data[start:end]

		t := &tensor.Tensor{Name: e.name, Rows: e.rows, Cols: e.cols, DType: e.dtype}
		switch e.dtype {
		case tensor.F32:
			t.F32Data = make([]float32, n)
			for i := 0; i < n; i++ {
				t.F32Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4 : i*4+4]))
			}
		case tensor.F16:
			t.F16Data = make([]uint16, n)
			for i := 0; i < n; i++ {
				t.F16Data[i] = binary.LittleEndian.Uint16(raw[i*2 : i*2+2])
			}
		}
		tensors[e.name] = t
	}
	return tensors, nil
}
