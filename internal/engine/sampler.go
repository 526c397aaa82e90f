package engine

import (
	"math"
	"math/rand"
	"sort"

	"github.com/finchml/kestrel/internal/config"
)

type tokenProb struct {
	id   int
	prob float64
}

// Sampler turns a logit vector into a token id. Temperature zero is pure
// argmax and never touches the rng, so greedy runs are bit-for-bit
// reproducible regardless of seed.
type Sampler struct {
	cfg config.Sampling
	rng *rand.Rand
}

func NewSampler(cfg config.Sampling) *Sampler {
	return &Sampler{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
}

func (s *Sampler) Sample(logits []float32) int {
	if s.cfg.Temperature == 0 {
		return argMax(logits)
	}

	probs := temperatureSoftmax(logits, s.cfg.Temperature)

	candidates := make([]tokenProb, 0, len(probs))
	for i, p := range probs {
		if p > 0 && !math.IsNaN(p) {
			candidates = append(candidates, tokenProb{id: i, prob: p})
		}
	}
	if len(candidates) == 0 {
		return argMax(logits)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].prob > candidates[j].prob
	})

	candidates = applyTopK(candidates, s.cfg.TopK)
	candidates = applyTopP(candidates, s.cfg.TopP)

	return s.pick(candidates)
}

func (s *Sampler) pick(candidates []tokenProb) int {
	sum := 0.0
	for _, c := range candidates {
		sum += c.prob
	}

	r := s.rng.Float64() * sum
	acc := 0.0
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			return c.id
		}
	}
	return candidates[len(candidates)-1].id
}

func temperatureSoftmax(logits []float32, temperature float64) []float64 {
	probs := make([]float64, len(logits))
	for i, v := range logits {
		probs[i] = float64(v) / temperature
	}

	maxVal := probs[0]
	for _, v := range probs {
		if v > maxVal {
			maxVal = v
		}
	}

	sum := 0.0
	for i := range probs {
		probs[i] = math.Exp(probs[i] - maxVal)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// argMax breaks ties toward the lower token id.
func argMax(logits []float32) int {
	maxIdx := 0
	maxVal := logits[0]
	for i, v := range logits {
		if v > maxVal {
			maxVal = v
			maxIdx = i
		}
	}
	return maxIdx
}

func applyTopK(candidates []tokenProb, k int) []tokenProb {
	if k <= 0 || k >= len(candidates) {
		return candidates
	}
	return candidates[:k]
}

func applyTopP(candidates []tokenProb, p float64) []tokenProb {
	if p >= 1.0 || p <= 0.0 {
		return candidates
	}

	sum := 0.0
	for i, c := range candidates {
		sum += c.prob
		if sum >= p {
			return candidates[:i+1]
		}
	}
	return candidates
}
