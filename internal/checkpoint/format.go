package checkpoint

import (
	"fmt"

	"github.com/finchml/kestrel/internal/tensor"
)

const (
	// Magic is "KSTR" little-endian.
	Magic   = 0x5254534b
	Version = 1

	// Tensor data is aligned to this boundary inside the container.
	dataAlign = 32
)

// Standard file names inside a checkpoint directory.
const (
	ConfigFile    = "config.json"
	WeightsFile   = "model.bin"
	TokenizerFile = "tokenizer.json"
	Int4Artifact  = "model.int4.arrow"
)

// On-disk dtype codes. These are part of the container format and must not be
// renumbered.
const (
	dtypeF32 uint32 = 0
	dtypeF16 uint32 = 1
)

func dtypeCode(dt tensor.DType) uint32 {
	if dt == tensor.F16 {
		return dtypeF16
	}
	return dtypeF32
}

func codeDType(code uint32) (tensor.DType, error) {
	switch code {
	case dtypeF32:
		return tensor.F32, nil
	case dtypeF16:
		return tensor.F16, nil
	default:
		return tensor.F32, fmt.Errorf("unknown dtype code %d", code)
	}
}

// ErrInvalidMagic reports a weights file that is not a kestrel container.
type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid checkpoint magic: %x", e.Magic)
}

// ErrUnsupportedVersion reports a container version this build cannot read.
type ErrUnsupportedVersion struct{ Version uint32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported checkpoint version: %d", e.Version)
}

// TensorNotFoundError reports a required tensor absent from the container.
type TensorNotFoundError struct{ Name string }

func (e TensorNotFoundError) Error() string {
	return fmt.Sprintf("required tensor %q not found in checkpoint", e.Name)
}

// ShapeMismatchError reports a tensor whose declared shape does not match the
// architecture contract.
type ShapeMismatchError struct {
	Name               string
	Rows, Cols         int
	WantRows, WantCols int
}

func (e ShapeMismatchError) Error() string {
	return fmt.Sprintf("tensor %q shape [%d, %d] does not match expected [%d, %d]",
		e.Name, e.Rows, e.Cols, e.WantRows, e.WantCols)
}

// CorruptError reports truncated or inconsistent container data.
type CorruptError struct {
	Name   string
	Reason string
}

func (e CorruptError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("corrupt checkpoint: %s", e.Reason)
	}
	return fmt.Sprintf("corrupt checkpoint: tensor %q: %s", e.Name, e.Reason)
}
