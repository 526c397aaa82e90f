package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Model holds the transformer hyperparameters declared by a checkpoint.
// Loaded from config.json in the checkpoint directory.
type Model struct {
	Architecture string  `json:"architecture"`
	Dim          int     `json:"dim"`
	HiddenDim    int     `json:"hidden_dim"`
	Layers       int     `json:"layers"`
	Heads        int     `json:"heads"`
	KVHeads      int     `json:"kv_heads"`
	HeadDim      int     `json:"head_dim"`
	VocabSize    int     `json:"vocab_size"`
	SeqLen       int     `json:"seq_len"`
	Eps          float32 `json:"norm_eps"`
	RopeTheta    float32 `json:"rope_theta"`

	// Overrides the preallocated KV cache length; 0 means SeqLen.
	KVCacheSize int `json:"kv_cache_size,omitempty"`
}

func (c *Model) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("heads (%d) must be divisible by kv_heads (%d)", c.Heads, c.KVHeads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.Dim != c.Heads*c.HeadDim {
		return fmt.Errorf("dim mismatch: %d != heads(%d) * head_dim(%d)", c.Dim, c.Heads, c.HeadDim)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid norm_eps: %f (must be positive)", c.Eps)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if c.KVCacheSize < 0 {
		return fmt.Errorf("invalid kv_cache_size: %d (must be non-negative)", c.KVCacheSize)
	}
	return nil
}

// ContextLen returns the KV cache capacity to preallocate.
func (c *Model) ContextLen() int {
	if c.KVCacheSize > 0 {
		return c.KVCacheSize
	}
	return c.SeqLen
}

// LoadModel reads and validates a model config JSON file.
func LoadModel(path string) (Model, error) {
	var c Model
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read model config: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse model config %s: %w", path, err)
	}
	if c.HeadDim == 0 && c.Heads > 0 {
		c.HeadDim = c.Dim / c.Heads
	}
	if c.Eps == 0 {
		c.Eps = 1e-5
	}
	if c.RopeTheta == 0 {
		c.RopeTheta = 10000.0
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("model config %s: %w", path, err)
	}
	return c, nil
}

// Sampling holds the per-request generation parameters. A zero TopK or TopP
// disables the respective filter.
type Sampling struct {
	Temperature  float64
	TopK         int
	TopP         float64
	MaxNewTokens int
	Seed         int64
	StopTokens   []int
	StopStrings  []string
}

// SamplingError reports a sampling parameter rejected before decoding starts.
type SamplingError struct {
	Param  string
	Reason string
}

func (e *SamplingError) Error() string {
	return fmt.Sprintf("invalid sampling config: %s %s", e.Param, e.Reason)
}

func (s *Sampling) Validate() error {
	if s.Temperature < 0 {
		return &SamplingError{Param: "temperature", Reason: fmt.Sprintf("is negative (%f)", s.Temperature)}
	}
	if s.TopK < 0 {
		return &SamplingError{Param: "top_k", Reason: fmt.Sprintf("is negative (%d)", s.TopK)}
	}
	if s.TopP < 0 || s.TopP > 1 {
		return &SamplingError{Param: "top_p", Reason: fmt.Sprintf("is outside (0,1] (%f)", s.TopP)}
	}
	if s.MaxNewTokens <= 0 {
		return &SamplingError{Param: "max_new_tokens", Reason: fmt.Sprintf("must be positive (%d)", s.MaxNewTokens)}
	}
	return nil
}

// DefaultSampling mirrors the defaults of the reference generation path.
func DefaultSampling() Sampling {
	return Sampling{
		Temperature:  0.8,
		TopK:         20,
		MaxNewTokens: 50,
		Seed:         1234,
	}
}
