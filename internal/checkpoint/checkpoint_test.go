package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/finchml/kestrel/internal/config"
	"github.com/finchml/kestrel/internal/tensor"
)

func testModelConfig() config.Model {
	return config.Model{
		Dim:       8,
		HiddenDim: 16,
		Layers:    2,
		Heads:     2,
		KVHeads:   1,
		HeadDim:   4,
		VocabSize: 32,
		SeqLen:    16,
		Eps:       1e-5,
		RopeTheta: 10000,
	}
}

func testTensor(name string, rows, cols int, seed int64) *tensor.Tensor {
	rng := rand.New(rand.NewSource(seed))
	t := tensor.NewF32(name, rows, cols)
	for i := range t.F32Data {
		t.F32Data[i] = float32(rng.NormFloat64())
	}
	return t
}

// writeTestCheckpoint builds a loadable checkpoint directory. With tied=true
// no output.weight tensor is written.
func writeTestCheckpoint(t *testing.T, dir string, cfg config.Model, tied bool) {
	t.Helper()

	kvDim := cfg.KVHeads * cfg.HeadDim
	tensors := []*tensor.Tensor{
		testTensor("token_embd.weight", cfg.VocabSize, cfg.Dim, 1),
		testTensor("output_norm.weight", 1, cfg.Dim, 2),
	}
	if !tied {
		tensors = append(tensors, testTensor("output.weight", cfg.VocabSize, cfg.Dim, 3))
	}
	for i := 0; i < cfg.Layers; i++ {
		seed := int64(10 * (i + 1))
		prefix := fmt.Sprintf("blk.%d.", i)
		tensors = append(tensors,
			testTensor(prefix+"attn_norm.weight", 1, cfg.Dim, seed),
			testTensor(prefix+"attn_q.weight", cfg.Heads*cfg.HeadDim, cfg.Dim, seed+1),
			testTensor(prefix+"attn_k.weight", kvDim, cfg.Dim, seed+2),
			testTensor(prefix+"attn_v.weight", kvDim, cfg.Dim, seed+3),
			testTensor(prefix+"attn_output.weight", cfg.Dim, cfg.Heads*cfg.HeadDim, seed+4),
			testTensor(prefix+"ffn_norm.weight", 1, cfg.Dim, seed+5),
			testTensor(prefix+"ffn_gate.weight", cfg.HiddenDim, cfg.Dim, seed+6),
			testTensor(prefix+"ffn_up.weight", cfg.HiddenDim, cfg.Dim, seed+7),
			testTensor(prefix+"ffn_down.weight", cfg.Dim, cfg.HiddenDim, seed+8),
		)
	}
	require.NoError(t, WriteContainer(filepath.Join(dir, WeightsFile), tensors))

	cfgJSON := fmt.Sprintf(`{"dim":%d,"hidden_dim":%d,"layers":%d,"heads":%d,"kv_heads":%d,"head_dim":%d,"vocab_size":%d,"seq_len":%d}`,
		cfg.Dim, cfg.HiddenDim, cfg.Layers, cfg.Heads, cfg.KVHeads, cfg.HeadDim, cfg.VocabSize, cfg.SeqLen)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte(cfgJSON), 0o644))
}

func TestContainer_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, WeightsFile)

	want := []*tensor.Tensor{
		testTensor("b.weight", 4, 8, 1),
		testTensor("a.weight", 2, 6, 2),
	}
	f16 := testTensor("c.weight", 3, 4, 3).Cast(tensor.F16)
	want = append(want, f16)

	require.NoError(t, WriteContainer(path, want))

	got, err := readContainer(path)
	require.NoError(t, err)
	require.Len(t, got, 3)

	for _, w := range want {
		g, ok := got[w.Name]
		require.True(t, ok, "missing tensor %s", w.Name)
		require.Equal(t, w.DType, g.DType)
		if diff := cmp.Diff(w.Float32(), g.Float32()); diff != "" {
			t.Fatalf("tensor %s mismatch (-want +got):\n%s", w.Name, diff)
		}
	}
}

func TestContainer_InvalidMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), WeightsFile)
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], 0xdeadbeef)
	binary.LittleEndian.PutUint32(data[4:8], Version)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err := readContainer(path)
	var magicErr ErrInvalidMagic
	require.ErrorAs(t, err, &magicErr)
	require.Equal(t, uint32(0xdeadbeef), magicErr.Magic)
}

func TestContainer_UnsupportedVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), WeightsFile)
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], Magic)
	binary.LittleEndian.PutUint32(data[4:8], 99)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err := readContainer(path)
	var verErr ErrUnsupportedVersion
	require.ErrorAs(t, err, &verErr)
	require.Equal(t, uint32(99), verErr.Version)
}

func TestContainer_Truncated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, WeightsFile)
	require.NoError(t, WriteContainer(path, []*tensor.Tensor{testTensor("w", 8, 8, 1)}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-64], 0o644))

	_, err = readContainer(path)
	var corrupt CorruptError
	require.ErrorAs(t, err, &corrupt)
}

func TestLoadWeights_Full(t *testing.T) {
	dir := t.TempDir()
	cfg := testModelConfig()
	writeTestCheckpoint(t, dir, cfg, false)

	h, err := Resolve(dir)
	require.NoError(t, err)

	ws, err := LoadWeights(h, cfg, tensor.F32)
	require.NoError(t, err)
	require.Len(t, ws.AttnQ, cfg.Layers)
	require.NotSame(t, ws.TokenEmb, ws.Output)
	require.NoError(t, ws.TokenEmb.CheckShape(cfg.VocabSize, cfg.Dim))
	require.NoError(t, ws.FfnDown[1].CheckShape(cfg.Dim, cfg.HiddenDim))
}

func TestLoadWeights_TiedOutput(t *testing.T) {
	dir := t.TempDir()
	cfg := testModelConfig()
	writeTestCheckpoint(t, dir, cfg, true)

	h, err := Resolve(dir)
	require.NoError(t, err)

	ws, err := LoadWeights(h, cfg, tensor.F32)
	require.NoError(t, err)
	require.Same(t, ws.TokenEmb, ws.Output)
}

func TestLoadWeights_MissingTensor(t *testing.T) {
	dir := t.TempDir()
	cfg := testModelConfig()
	writeTestCheckpoint(t, dir, cfg, false)

	// Rewrite the container without the second layer's ffn_down.
	tensors, err := readContainer(filepath.Join(dir, WeightsFile))
	require.NoError(t, err)
	var kept []*tensor.Tensor
	for name, tn := range tensors {
		if name != "blk.1.ffn_down.weight" {
			kept = append(kept, tn)
		}
	}
	require.NoError(t, WriteContainer(filepath.Join(dir, WeightsFile), kept))

	h, err := Resolve(dir)
	require.NoError(t, err)
	_, err = LoadWeights(h, cfg, tensor.F32)
	var notFound TensorNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "blk.1.ffn_down.weight", notFound.Name)
}

func TestLoadWeights_ShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	cfg := testModelConfig()
	writeTestCheckpoint(t, dir, cfg, false)

	bad := cfg
	bad.HiddenDim = 24
	h, err := Resolve(dir)
	require.NoError(t, err)
	_, err = LoadWeights(h, bad, tensor.F32)
	var mismatch ShapeMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestLoadWeights_F16Precision(t *testing.T) {
	dir := t.TempDir()
	cfg := testModelConfig()
	writeTestCheckpoint(t, dir, cfg, false)

	h, err := Resolve(dir)
	require.NoError(t, err)
	ws, err := LoadWeights(h, cfg, tensor.F16)
	require.NoError(t, err)

	// Matmul weights take the requested width, norms stay float32.
	require.Equal(t, tensor.F16, ws.AttnQ[0].DType)
	require.Equal(t, tensor.F32, ws.AttnNorm[0].DType)
}

func TestResolve_RevisionTracksWeights(t *testing.T) {
	dir := t.TempDir()
	cfg := testModelConfig()
	writeTestCheckpoint(t, dir, cfg, false)

	h1, err := Resolve(dir)
	require.NoError(t, err)

	// Touch the weights file with different content length.
	path := filepath.Join(dir, WeightsFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(data, 0), 0o644))

	h2, err := Resolve(dir)
	require.NoError(t, err)
	require.NotEqual(t, h1.Revision, h2.Revision)
}

func TestResolve_MissingDir(t *testing.T) {
	_, err := Resolve(filepath.Join(t.TempDir(), "absent"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
