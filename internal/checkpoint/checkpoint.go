// Package checkpoint reads model weight containers from a checkpoint
// directory and validates them against the declared architecture.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/finchml/kestrel/internal/config"
	"github.com/finchml/kestrel/internal/logger"
	"github.com/finchml/kestrel/internal/tensor"
)

// Handle identifies a resolved checkpoint directory. Immutable once resolved.
type Handle struct {
	Dir      string
	Revision string
}

// Resolve verifies the directory holds a loadable checkpoint and captures its
// revision. The revision changes whenever the weights file is replaced, so a
// warm cache keyed on it never serves stale weights.
func Resolve(dir string) (Handle, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Handle{}, fmt.Errorf("resolve checkpoint dir: %w", err)
	}
	if _, err := os.Stat(filepath.Join(abs, ConfigFile)); err != nil {
		return Handle{}, fmt.Errorf("checkpoint %s: missing %s: %w", abs, ConfigFile, err)
	}
	st, err := os.Stat(filepath.Join(abs, WeightsFile))
	if err != nil {
		return Handle{}, fmt.Errorf("checkpoint %s: missing %s: %w", abs, WeightsFile, err)
	}
	return Handle{
		Dir:      abs,
		Revision: fmt.Sprintf("%d-%d", st.Size(), st.ModTime().UnixNano()),
	}, nil
}

func (h Handle) ConfigPath() string    { return filepath.Join(h.Dir, ConfigFile) }
func (h Handle) WeightsPath() string   { return filepath.Join(h.Dir, WeightsFile) }
func (h Handle) TokenizerPath() string { return filepath.Join(h.Dir, TokenizerFile) }
func (h Handle) ArtifactPath() string  { return filepath.Join(h.Dir, Int4Artifact) }

// WeightSet holds the validated, in-memory weight tensors of one checkpoint.
// It is immutable after loading.
type WeightSet struct {
	TokenEmb   *tensor.Tensor
	OutputNorm *tensor.Tensor
	Output     *tensor.Tensor

	AttnNorm []*tensor.Tensor
	AttnQ    []*tensor.Tensor
	AttnK    []*tensor.Tensor
	AttnV    []*tensor.Tensor
	AttnO    []*tensor.Tensor

	FfnNorm []*tensor.Tensor
	FfnGate []*tensor.Tensor
	FfnUp   []*tensor.Tensor
	FfnDown []*tensor.Tensor
}

// SizeBytes sums the storage footprint of all tensors. Tied tensors are
// counted once.
func (w *WeightSet) SizeBytes() int64 {
	var total int64
	seen := make(map[*tensor.Tensor]bool)
	for _, t := range w.All() {
		if t == nil || seen[t] {
			continue
		}
		seen[t] = true
		total += int64(t.SizeBytes())
	}
	return total
}

// All returns every tensor in the set, including duplicates for tied weights.
func (w *WeightSet) All() []*tensor.Tensor {
	out := []*tensor.Tensor{w.TokenEmb, w.OutputNorm, w.Output}
	for _, group := range [][]*tensor.Tensor{
		w.AttnNorm, w.AttnQ, w.AttnK, w.AttnV, w.AttnO,
		w.FfnNorm, w.FfnGate, w.FfnUp, w.FfnDown,
	} {
		out = append(out, group...)
	}
	return out
}

// LoadWeights reads every required tensor, validates its shape against the
// model config, and casts matmul weights to the requested storage precision.
// Norm weights always stay float32: they are tiny and precision-sensitive.
func LoadWeights(h Handle, cfg config.Model, precision tensor.DType) (*WeightSet, error) {
	start := time.Now()
	tensors, err := readContainer(h.WeightsPath())
	if err != nil {
		return nil, err
	}

	kvDim := cfg.KVHeads * cfg.HeadDim
	w := &WeightSet{
		AttnNorm: make([]*tensor.Tensor, cfg.Layers),
		AttnQ:    make([]*tensor.Tensor, cfg.Layers),
		AttnK:    make([]*tensor.Tensor, cfg.Layers),
		AttnV:    make([]*tensor.Tensor, cfg.Layers),
		AttnO:    make([]*tensor.Tensor, cfg.Layers),
		FfnNorm:  make([]*tensor.Tensor, cfg.Layers),
		FfnGate:  make([]*tensor.Tensor, cfg.Layers),
		FfnUp:    make([]*tensor.Tensor, cfg.Layers),
		FfnDown:  make([]*tensor.Tensor, cfg.Layers),
	}

	take := func(name string, rows, cols int, norm bool) (*tensor.Tensor, error) {
		t, ok := tensors[name]
		if !ok {
			return nil, TensorNotFoundError{Name: name}
		}
		if t.Rows != rows || t.Cols != cols {
			return nil, ShapeMismatchError{Name: name, Rows: t.Rows, Cols: t.Cols, WantRows: rows, WantCols: cols}
		}
		if norm {
			return t.Cast(tensor.F32), nil
		}
		return t.Cast(precision), nil
	}

	if w.TokenEmb, err = take("token_embd.weight", cfg.VocabSize, cfg.Dim, false); err != nil {
		return nil, err
	}
	if w.OutputNorm, err = take("output_norm.weight", 1, cfg.Dim, true); err != nil {
		return nil, err
	}
	if _, ok := tensors["output.weight"]; ok {
		if w.Output, err = take("output.weight", cfg.VocabSize, cfg.Dim, false); err != nil {
			return nil, err
		}
	} else {
		// Tied embeddings: the output head shares the embedding matrix.
		w.Output = w.TokenEmb
	}

	for i := 0; i < cfg.Layers; i++ {
		prefix := fmt.Sprintf("blk.%d.", i)
		specs := []struct {
			suffix     string
			rows, cols int
			norm       bool
			dst        *[]*tensor.Tensor
		}{
			{"attn_norm.weight", 1, cfg.Dim, true, &w.AttnNorm},
			{"attn_q.weight", cfg.Heads * cfg.HeadDim, cfg.Dim, false, &w.AttnQ},
			{"attn_k.weight", kvDim, cfg.Dim, false, &w.AttnK},
			{"attn_v.weight", kvDim, cfg.Dim, false, &w.AttnV},
			{"attn_output.weight", cfg.Dim, cfg.Heads * cfg.HeadDim, false, &w.AttnO},
			{"ffn_norm.weight", 1, cfg.Dim, true, &w.FfnNorm},
			{"ffn_gate.weight", cfg.HiddenDim, cfg.Dim, false, &w.FfnGate},
			{"ffn_up.weight", cfg.HiddenDim, cfg.Dim, false, &w.FfnUp},
			{"ffn_down.weight", cfg.Dim, cfg.HiddenDim, false, &w.FfnDown},
		}
		for _, s := range specs {
			t, err := take(prefix+s.suffix, s.rows, s.cols, s.norm)
			if err != nil {
				return nil, err
			}
			(*s.dst)[i] = t
		}
	}

	logger.Log.Info("weights loaded",
		"checkpoint", h.Dir,
		"tensors", len(tensors),
		"precision", precision.String(),
		"bytes", w.SizeBytes(),
		"elapsed", time.Since(start))
	return w, nil
}
