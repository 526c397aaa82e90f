package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/finchml/kestrel/internal/tensor"
)

// WriteContainer persists tensors to a model.bin container at path. Tensors
// are written in name order so identical weight sets produce identical files.
func WriteContainer(path string, tensors []*tensor.Tensor) error {
	sorted := make([]*tensor.Tensor, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create weights %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], Magic)
	binary.LittleEndian.PutUint32(hdr[4:8], Version)
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(len(sorted)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	tableSize := uint64(16)
	offsets := make([]uint64, len(sorted))
	next := uint64(0)
	for i, t := range sorted {
		tableSize += 8 + uint64(len(t.Name)) + 28
		offsets[i] = next
		next += uint64(t.SizeBytes())
	}

	var buf [28]byte
	for i, t := range sorted {
		binary.LittleEndian.PutUint64(buf[0:8], uint64(len(t.Name)))
		if _, err := w.Write(buf[0:8]); err != nil {
			return err
		}
		if _, err := w.WriteString(t.Name); err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(buf[0:4], dtypeCode(t.DType))
		binary.LittleEndian.PutUint64(buf[4:12], uint64(t.Rows))
		binary.LittleEndian.PutUint64(buf[12:20], uint64(t.Cols))
		binary.LittleEndian.PutUint64(buf[20:28], offsets[i])
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}

	pad := int((tableSize+dataAlign-1)&^(dataAlign-1) - tableSize)
	if _, err := w.Write(make([]byte, pad)); err != nil {
		return err
	}

	var elem [4]byte
	for _, t := range sorted {
		switch t.DType {
		case tensor.F32:
			for _, v := range t.F32Data {
				binary.LittleEndian.PutUint32(elem[:4], math.Float32bits(v))
				if _, err := w.Write(elem[:4]); err != nil {
					return err
				}
			}
		case tensor.F16:
			for _, v := range t.F16Data {
				binary.LittleEndian.PutUint16(elem[:2], v)
				if _, err := w.Write(elem[:2]); err != nil {
					return err
				}
			}
		}
	}
	return w.Flush()
}
