// Package engine executes transformer forward passes over full-precision or
// quantized weights and drives token-by-token generation against an
// incrementally updated attention cache.
package engine

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/finchml/kestrel/internal/checkpoint"
	"github.com/finchml/kestrel/internal/config"
	"github.com/finchml/kestrel/internal/logger"
	"github.com/finchml/kestrel/internal/quant"
	"github.com/finchml/kestrel/internal/tensor"
)

// CalibSite identifies which linear input an observed activation feeds.
type CalibSite uint8

const (
	SiteAttn CalibSite = iota // input to wq/wk/wv (post attn-norm)
	SiteAttnOut
	SiteFfn // input to gate/up (post ffn-norm)
	SiteFfnDown
	SiteOutput // input to the output head (post final norm), layer -1
)

type layerWeights struct {
	attnNorm []float32
	ffnNorm  []float32

	wq, wk, wv, wo quant.Linear
	gate, up, down quant.Linear
}

// Runtime executes forward passes for one loaded model. Callers do not need
// to know whether the underlying weights are quantized: every matmul goes
// through the quant.Linear contract.
//
// A Runtime is not safe for concurrent Forward calls; the warm cache
// serializes generations per instance.
type Runtime struct {
	cfg  config.Model
	mode quant.Mode

	tokenEmb   *tensor.Tensor
	outputNorm []float32
	output     quant.Linear
	layers     []*layerWeights

	cache *Cache

	// observe, when set, receives every linear input during a forward pass.
	// Used only by the calibration pass.
	observe func(layer int, site CalibSite, x []float32)

	// Scratch buffers reused across steps.
	x, xb    []float32
	q, k, v  []float32
	attn     []float32
	h1, h2   []float32
	logits   []float32
	embRow   []float32
	headProb []float32
}

// NewRuntime builds a runtime from a validated weight set. ModeNone keeps the
// loaded precision; ModeInt8 quantizes every matmul weight at load time.
// ModeInt4 cannot be built here: it requires the calibrated artifact.
func NewRuntime(cfg config.Model, ws *checkpoint.WeightSet, mode quant.Mode, opts quant.Options) (*Runtime, error) {
	if mode == quant.ModeInt4 {
		return nil, quant.CalibrationError{Reason: "calibrated-int4 runtimes load from a quantized artifact, not raw weights"}
	}

	rt := newRuntimeShell(cfg, mode)
	rt.tokenEmb = ws.TokenEmb
	rt.outputNorm = ws.OutputNorm.Float32()

	build := func(t *tensor.Tensor) quant.Linear {
		if mode == quant.ModeInt8 {
			return quant.QuantizeInt8(t, opts)
		}
		return quant.NewDense(t)
	}

	rt.layers = make([]*layerWeights, cfg.Layers)
	g := new(errgroup.Group)
	g.SetLimit(runtime.NumCPU())
	for i := 0; i < cfg.Layers; i++ {
		g.Go(func() error {
			rt.layers[i] = &layerWeights{
				attnNorm: ws.AttnNorm[i].Float32(),
				ffnNorm:  ws.FfnNorm[i].Float32(),
				wq:       build(ws.AttnQ[i]),
				wk:       build(ws.AttnK[i]),
				wv:       build(ws.AttnV[i]),
				wo:       build(ws.AttnO[i]),
				gate:     build(ws.FfnGate[i]),
				up:       build(ws.FfnUp[i]),
				down:     build(ws.FfnDown[i]),
			}
			return nil
		})
	}
	g.Go(func() error {
		rt.output = build(ws.Output)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.Log.Info("runtime ready",
		"mode", mode.String(),
		"layers", cfg.Layers,
		"weight_bytes", rt.WeightBytes())
	return rt, nil
}

// NewRuntimeFromArtifact builds a calibrated-int4 runtime from a previously
// persisted artifact. Calibration is not rerun.
func NewRuntimeFromArtifact(cfg config.Model, entries map[string]quant.ArtifactEntry) (*Runtime, error) {
	rt := newRuntimeShell(cfg, quant.ModeInt4)

	dense := func(name string, rows, cols int) (*tensor.Tensor, error) {
		e, ok := entries[name]
		if !ok || e.Dense == nil {
			return nil, checkpoint.TensorNotFoundError{Name: name}
		}
		if err := e.Dense.CheckShape(rows, cols); err != nil {
			return nil, err
		}
		return e.Dense, nil
	}
	linear := func(name string, rows, cols int) (quant.Linear, error) {
		e, ok := entries[name]
		if !ok {
			return nil, checkpoint.TensorNotFoundError{Name: name}
		}
		var l quant.Linear
		switch {
		case e.Int4 != nil:
			l = e.Int4
		case e.Dense != nil:
			l = quant.NewDense(e.Dense)
		default:
			return nil, checkpoint.TensorNotFoundError{Name: name}
		}
		if l.Rows() != rows || l.Cols() != cols {
			return nil, checkpoint.ShapeMismatchError{
				Name: name, Rows: l.Rows(), Cols: l.Cols(), WantRows: rows, WantCols: cols,
			}
		}
		return l, nil
	}

	var err error
	if rt.tokenEmb, err = dense("token_embd.weight", cfg.VocabSize, cfg.Dim); err != nil {
		return nil, err
	}
	outputNorm, err := dense("output_norm.weight", 1, cfg.Dim)
	if err != nil {
		return nil, err
	}
	rt.outputNorm = outputNorm.Float32()
	if rt.output, err = linear("output.weight", cfg.VocabSize, cfg.Dim); err != nil {
		return nil, err
	}

	kvDim := cfg.KVHeads * cfg.HeadDim
	rt.layers = make([]*layerWeights, cfg.Layers)
	for i := 0; i < cfg.Layers; i++ {
		prefix := fmt.Sprintf("blk.%d.", i)
		lw := &layerWeights{}

		attnNorm, err := dense(prefix+"attn_norm.weight", 1, cfg.Dim)
		if err != nil {
			return nil, err
		}
		lw.attnNorm = attnNorm.Float32()
		ffnNorm, err := dense(prefix+"ffn_norm.weight", 1, cfg.Dim)
		if err != nil {
			return nil, err
		}
		lw.ffnNorm = ffnNorm.Float32()

		if lw.wq, err = linear(prefix+"attn_q.weight", cfg.Heads*cfg.HeadDim, cfg.Dim); err != nil {
			return nil, err
		}
		if lw.wk, err = linear(prefix+"attn_k.weight", kvDim, cfg.Dim); err != nil {
			return nil, err
		}
		if lw.wv, err = linear(prefix+"attn_v.weight", kvDim, cfg.Dim); err != nil {
			return nil, err
		}
		if lw.wo, err = linear(prefix+"attn_output.weight", cfg.Dim, cfg.Heads*cfg.HeadDim); err != nil {
			return nil, err
		}
		if lw.gate, err = linear(prefix+"ffn_gate.weight", cfg.HiddenDim, cfg.Dim); err != nil {
			return nil, err
		}
		if lw.up, err = linear(prefix+"ffn_up.weight", cfg.HiddenDim, cfg.Dim); err != nil {
			return nil, err
		}
		if lw.down, err = linear(prefix+"ffn_down.weight", cfg.Dim, cfg.HiddenDim); err != nil {
			return nil, err
		}
		rt.layers[i] = lw
	}

	logger.Log.Info("runtime ready from artifact",
		"mode", rt.mode.String(),
		"layers", cfg.Layers,
		"weight_bytes", rt.WeightBytes())
	return rt, nil
}

func newRuntimeShell(cfg config.Model, mode quant.Mode) *Runtime {
	kvDim := cfg.KVHeads * cfg.HeadDim
	return &Runtime{
		cfg:      cfg,
		mode:     mode,
		cache:    NewCache(cfg.Layers, cfg.ContextLen(), kvDim),
		x:        make([]float32, cfg.Dim),
		xb:       make([]float32, cfg.Dim),
		q:        make([]float32, cfg.Heads*cfg.HeadDim),
		k:        make([]float32, kvDim),
		v:        make([]float32, kvDim),
		attn:     make([]float32, cfg.Heads*cfg.HeadDim),
		h1:       make([]float32, cfg.HiddenDim),
		h2:       make([]float32, cfg.HiddenDim),
		logits:   make([]float32, cfg.VocabSize),
		embRow:   make([]float32, cfg.Dim),
		headProb: make([]float32, cfg.ContextLen()),
	}
}

func (rt *Runtime) Config() config.Model { return rt.cfg }

func (rt *Runtime) Mode() quant.Mode { return rt.mode }

func (rt *Runtime) Cache() *Cache { return rt.cache }

// WeightBytes is the in-memory footprint of all weight storage.
func (rt *Runtime) WeightBytes() int64 {
	total := int64(rt.tokenEmb.SizeBytes()) + int64(len(rt.outputNorm))*4
	if rt.output != nil {
		total += rt.output.SizeBytes()
	}
	for _, lw := range rt.layers {
		total += int64(len(lw.attnNorm)+len(lw.ffnNorm)) * 4
		for _, l := range []quant.Linear{lw.wq, lw.wk, lw.wv, lw.wo, lw.gate, lw.up, lw.down} {
			total += l.SizeBytes()
		}
	}
	// Tied output head shares the embedding storage.
	if d, ok := rt.output.(*quant.Dense); ok && d.Tensor() == rt.tokenEmb {
		total -= rt.output.SizeBytes()
	}
	return total
}

// Forward processes tokens starting at startPos, extending the attention
// cache, and returns the logits for the final position. startPos must equal
// the cache's occupied length.
func (rt *Runtime) Forward(tokens []int, startPos int) ([]float32, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("forward: empty token range")
	}
	if startPos != rt.cache.Len() {
		return nil, fmt.Errorf("forward: position range starts at %d but cache holds %d positions", startPos, rt.cache.Len())
	}
	for i, tok := range tokens {
		if tok < 0 || tok >= rt.cfg.VocabSize {
			return nil, fmt.Errorf("forward: token %d at offset %d out of vocab range [0, %d)", tok, i, rt.cfg.VocabSize)
		}
		if err := rt.step(tok, startPos+i); err != nil {
			return nil, err
		}
	}
	return rt.logits, nil
}

// step runs one position through every layer and refreshes rt.logits.
func (rt *Runtime) step(token, pos int) error {
	cfg := &rt.cfg
	copy(rt.x, rt.tokenEmb.Row(token, rt.embRow))

	for li, lw := range rt.layers {
		rmsnorm(rt.xb, rt.x, lw.attnNorm, cfg.Eps)
		if rt.observe != nil {
			rt.observe(li, SiteAttn, rt.xb)
		}

		lw.wq.MatVec(rt.xb, rt.q)
		lw.wk.MatVec(rt.xb, rt.k)
		lw.wv.MatVec(rt.xb, rt.v)

		rope(rt.q, cfg.Heads, cfg.HeadDim, pos, cfg.RopeTheta)
		rope(rt.k, cfg.KVHeads, cfg.HeadDim, pos, cfg.RopeTheta)

		if err := rt.cache.Extend(li, pos, rt.k, rt.v); err != nil {
			return err
		}

		rt.attention(li)
		if rt.observe != nil {
			rt.observe(li, SiteAttnOut, rt.attn)
		}
		lw.wo.MatVec(rt.attn, rt.xb)
		for i := range rt.x {
			rt.x[i] += rt.xb[i]
		}

		rmsnorm(rt.xb, rt.x, lw.ffnNorm, cfg.Eps)
		if rt.observe != nil {
			rt.observe(li, SiteFfn, rt.xb)
		}
		lw.gate.MatVec(rt.xb, rt.h1)
		lw.up.MatVec(rt.xb, rt.h2)
		for i := range rt.h1 {
			rt.h1[i] = silu(rt.h1[i]) * rt.h2[i]
		}
		if rt.observe != nil {
			rt.observe(li, SiteFfnDown, rt.h1)
		}
		lw.down.MatVec(rt.h1, rt.xb)
		for i := range rt.x {
			rt.x[i] += rt.xb[i]
		}
	}

	rmsnorm(rt.xb, rt.x, rt.outputNorm, cfg.Eps)
	if rt.observe != nil {
		rt.observe(-1, SiteOutput, rt.xb)
	}
	rt.output.MatVec(rt.xb, rt.logits)

	rt.cache.Advance()
	return nil
}

// attention computes causal attention for the position just written to the
// cache, reading the full cached history. Scores use the current cache
// length, so only the new token's contribution is recomputed.
func (rt *Runtime) attention(layer int) {
	cfg := &rt.cfg
	hd := cfg.HeadDim
	kvDim := cfg.KVHeads * hd
	rep := cfg.Heads / cfg.KVHeads
	n := rt.cache.Len() + 1 // history plus the position being processed

	keys := rt.cache.k[layer]
	values := rt.cache.v[layer]
	invSqrt := float32(1 / math.Sqrt(float64(hd)))

	for h := 0; h < cfg.Heads; h++ {
		qh := rt.q[h*hd : (h+1)*hd]
		kvh := h / rep
		scores := rt.headProb[:n]

		for t := 0; t < n; t++ {
			kt := keys[t*kvDim+kvh*hd : t*kvDim+(kvh+1)*hd]
			var dot float32
			for i := 0; i < hd; i++ {
				dot += qh[i] * kt[i]
			}
			scores[t] = dot * invSqrt
		}
		softmax(scores)

		out := rt.attn[h*hd : (h+1)*hd]
		for i := range out {
			out[i] = 0
		}
		for t := 0; t < n; t++ {
			vt := values[t*kvDim+kvh*hd : t*kvDim+(kvh+1)*hd]
			p := scores[t]
			for i := 0; i < hd; i++ {
				out[i] += p * vt[i]
			}
		}
	}
}

func rmsnorm(dst, x, weight []float32, eps float32) {
	var ss float64
	for _, v := range x {
		ss += float64(v) * float64(v)
	}
	inv := float32(1 / math.Sqrt(ss/float64(len(x))+float64(eps)))
	for i := range x {
		dst[i] = x[i] * inv * weight[i]
	}
}

func rope(x []float32, heads, headDim, pos int, theta float32) {
	for h := 0; h < heads; h++ {
		base := h * headDim
		for i := 0; i < headDim/2; i++ {
			freq := math.Pow(float64(theta), -2*float64(i)/float64(headDim))
			angle := float64(pos) * freq
			sin, cos := math.Sincos(angle)
			a, b := x[base+2*i], x[base+2*i+1]
			x[base+2*i] = a*float32(cos) - b*float32(sin)
			x[base+2*i+1] = a*float32(sin) + b*float32(cos)
		}
	}
}

func softmax(x []float32) {
	maxV := x[0]
	for _, v := range x {
		if v > maxV {
			maxV = v
		}
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - maxV))
		x[i] = float32(e)
		sum += e
	}
	inv := float32(1 / sum)
	for i := range x {
		x[i] *= inv
	}
}

func silu(v float32) float32 {
	return v / (1 + float32(math.Exp(float64(-v))))
}
