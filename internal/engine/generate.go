package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/finchml/kestrel/internal/config"
	"github.com/finchml/kestrel/internal/logger"
	"github.com/finchml/kestrel/internal/metrics"
)

// State is the generation lifecycle. A generator moves Prefill -> Decode ->
// Stopped and never backwards.
type State uint8

const (
	StatePrefill State = iota
	StateDecode
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePrefill:
		return "prefill"
	case StateDecode:
		return "decode"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown_state_%d", uint8(s))
	}
}

// StopReason records why decoding ended.
type StopReason uint8

const (
	StopMaxTokens StopReason = iota
	StopToken
	StopString
	StopCancelled
)

func (r StopReason) String() string {
	switch r {
	case StopMaxTokens:
		return "max_tokens"
	case StopToken:
		return "stop_token"
	case StopString:
		return "stop_string"
	case StopCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown_reason_%d", uint8(r))
	}
}

// Result is a finished (or cancelled) generation. Tokens holds the prompt
// followed by everything generated; cancellation yields the partial sequence
// rather than an error.
type Result struct {
	Tokens    []int
	Generated int
	Reason    StopReason
	State     State
}

// Decoder maps token ids back to text, used for stop-string matching.
type Decoder interface {
	Decode(tokens []int) string
}

// Generator drives one generation over a runtime. It owns the runtime's
// attention cache for the duration of the run.
type Generator struct {
	rt      *Runtime
	sampler *Sampler
	cfg     config.Sampling
	decoder Decoder
	state   State
}

// NewGenerator validates the sampling config up front so a bad request fails
// before any forward pass runs. decoder may be nil when no stop strings are
// configured.
func NewGenerator(rt *Runtime, cfg config.Sampling, decoder Decoder) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.StopStrings) > 0 && decoder == nil {
		return nil, &config.SamplingError{Param: "stop_strings", Reason: "require a token decoder"}
	}
	return &Generator{
		rt:      rt,
		sampler: NewSampler(cfg),
		cfg:     cfg,
		decoder: decoder,
		state:   StatePrefill,
	}, nil
}

func (g *Generator) State() State { return g.state }

// Generate runs the full prompt through prefill, then decodes up to
// MaxNewTokens one position at a time. Cancellation is honored at step
// boundaries only: a step in flight always completes, so the cache and the
// returned token list stay consistent.
func (g *Generator) Generate(ctx context.Context, prompt []int) (Result, error) {
	if g.state != StatePrefill {
		return Result{}, fmt.Errorf("generator already ran (state %s)", g.state)
	}
	if len(prompt) == 0 {
		return Result{}, fmt.Errorf("empty prompt")
	}
	if capacity := g.rt.Cache().Capacity(); len(prompt) > capacity {
		return Result{}, CacheOverflowError{Position: len(prompt) - 1, Capacity: capacity}
	}

	g.rt.Cache().Reset()
	tokens := append([]int(nil), prompt...)

	prefillStart := time.Now()
	logits, err := g.rt.Forward(prompt, 0)
	if err != nil {
		g.state = StateStopped
		return Result{}, err
	}
	metrics.PrefillDuration.Observe(time.Since(prefillStart).Seconds())
	g.state = StateDecode

	logger.Log.Debug("prefill complete",
		"prompt_tokens", len(prompt),
		"elapsed", time.Since(prefillStart))

	result := Result{Reason: StopMaxTokens}
	for step := 0; step < g.cfg.MaxNewTokens; step++ {
		if err := ctx.Err(); err != nil {
			metrics.GenerationsCancelled.Inc()
			result.Reason = StopCancelled
			break
		}

		next := g.sampler.Sample(logits)
		tokens = append(tokens, next)
		result.Generated++
		metrics.TokensGenerated.Inc()

		if g.isStopToken(next) {
			result.Reason = StopToken
			break
		}
		if g.hitStopString(tokens[len(prompt):]) {
			result.Reason = StopString
			break
		}
		if result.Generated == g.cfg.MaxNewTokens {
			break
		}

		stepStart := time.Now()
		if logits, err = g.rt.Forward([]int{next}, len(tokens)-1); err != nil {
			g.state = StateStopped
			return Result{}, err
		}
		metrics.DecodeStepDuration.Observe(time.Since(stepStart).Seconds())
	}

	g.state = StateStopped
	result.Tokens = tokens
	result.State = g.state

	logger.Log.Info("generation finished",
		"prompt_tokens", len(prompt),
		"generated", result.Generated,
		"reason", result.Reason.String())
	return result, nil
}

func (g *Generator) isStopToken(tok int) bool {
	for _, s := range g.cfg.StopTokens {
		if tok == s {
			return true
		}
	}
	return false
}

func (g *Generator) hitStopString(generated []int) bool {
	if len(g.cfg.StopStrings) == 0 {
		return false
	}
	text := g.decoder.Decode(generated)
	for _, s := range g.cfg.StopStrings {
		if s != "" && strings.Contains(text, s) {
			return true
		}
	}
	return false
}
