package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func validModel() Model {
	return Model{
		Dim:       64,
		HiddenDim: 128,
		Layers:    4,
		Heads:     8,
		KVHeads:   2,
		HeadDim:   8,
		VocabSize: 1000,
		SeqLen:    2048,
		Eps:       1e-5,
		RopeTheta: 10000,
	}
}

func TestModelValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Model)
		ok     bool
	}{
		{"valid", func(m *Model) {}, true},
		{"zero dim", func(m *Model) { m.Dim = 0 }, false},
		{"zero layers", func(m *Model) { m.Layers = 0 }, false},
		{"kv heads above heads", func(m *Model) { m.KVHeads = 16 }, false},
		{"heads not divisible by kv heads", func(m *Model) { m.KVHeads = 3 }, false},
		{"dim head mismatch", func(m *Model) { m.HeadDim = 16 }, false},
		{"negative cache size", func(m *Model) { m.KVCacheSize = -1 }, false},
		{"explicit cache size", func(m *Model) { m.KVCacheSize = 512 }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := validModel()
			tc.mutate(&m)
			err := m.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestModelContextLen(t *testing.T) {
	m := validModel()
	require.Equal(t, 2048, m.ContextLen())
	m.KVCacheSize = 512
	require.Equal(t, 512, m.ContextLen())
}

func TestLoadModel_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	blob := `{"dim":64,"hidden_dim":128,"layers":4,"heads":8,"kv_heads":2,"vocab_size":1000,"seq_len":2048}`
	require.NoError(t, os.WriteFile(path, []byte(blob), 0o644))

	m, err := LoadModel(path)
	require.NoError(t, err)
	require.Equal(t, 8, m.HeadDim)
	require.InDelta(t, 1e-5, m.Eps, 1e-9)
	require.InDelta(t, 10000.0, m.RopeTheta, 1e-6)
}

func TestLoadModel_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"dim":0}`), 0o644))
	_, err := LoadModel(path)
	require.Error(t, err)
}

func TestSamplingValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Sampling)
		param  string
	}{
		{"negative temperature", func(s *Sampling) { s.Temperature = -0.1 }, "temperature"},
		{"negative top k", func(s *Sampling) { s.TopK = -1 }, "top_k"},
		{"top p above one", func(s *Sampling) { s.TopP = 1.5 }, "top_p"},
		{"zero max tokens", func(s *Sampling) { s.MaxNewTokens = 0 }, "max_new_tokens"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := DefaultSampling()
			tc.mutate(&s)
			err := s.Validate()
			var samplingErr *SamplingError
			require.ErrorAs(t, err, &samplingErr)
			require.Equal(t, tc.param, samplingErr.Param)
		})
	}
}

func TestDefaultSampling(t *testing.T) {
	s := DefaultSampling()
	require.NoError(t, s.Validate())
	require.Equal(t, int64(1234), s.Seed)
	require.Equal(t, 50, s.MaxNewTokens)
}
