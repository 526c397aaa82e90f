// Package warmcache keeps loaded model instances resident so repeated
// inference requests skip checkpoint loading and quantization. Loading is
// the expensive step; everything after it is a cache hit.
package warmcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/finchml/kestrel/internal/checkpoint"
	"github.com/finchml/kestrel/internal/config"
	"github.com/finchml/kestrel/internal/engine"
	"github.com/finchml/kestrel/internal/logger"
	"github.com/finchml/kestrel/internal/metrics"
	"github.com/finchml/kestrel/internal/quant"
	"github.com/finchml/kestrel/internal/tensor"
	"github.com/finchml/kestrel/internal/tokenizer"
)

// ResourceExhaustionError reports a load that would push resident weights past
// the registry's memory budget.
type ResourceExhaustionError struct {
	NeedBytes     int64
	ResidentBytes int64
	BudgetBytes   int64
	Mode          quant.Mode
}

func (e ResourceExhaustionError) Error() string {
	msg := fmt.Sprintf("warm cache budget exhausted: need %d bytes, %d resident of %d budget",
		e.NeedBytes, e.ResidentBytes, e.BudgetBytes)
	if e.Mode == quant.ModeNone {
		msg += " (consider dynamic-int8 or calibrated-int4, or evict an instance)"
	} else {
		msg += " (evict an instance)"
	}
	return msg
}

// Instance is one resident model: runtime, tokenizer and the checkpoint
// revision it was loaded from. Generations against an instance are
// serialized; the runtime owns a single attention cache.
type Instance struct {
	Handle checkpoint.Handle
	Config config.Model

	rt  *engine.Runtime
	tok *tokenizer.Tokenizer

	mu sync.Mutex
}

func (in *Instance) Mode() quant.Mode { return in.rt.Mode() }

func (in *Instance) WeightBytes() int64 { return in.rt.WeightBytes() }

func (in *Instance) Tokenizer() *tokenizer.Tokenizer { return in.tok }

// Generate encodes the prompt, runs one generation and decodes the result.
// The instance lock serializes concurrent callers; each call starts from a
// reset attention cache.
func (in *Instance) Generate(ctx context.Context, prompt string, s config.Sampling) (string, engine.Result, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	ids := in.tok.Encode(prompt)
	if in.tok.BOS >= 0 {
		ids = append([]int{in.tok.BOS}, ids...)
	}
	if in.tok.EOS >= 0 {
		s.StopTokens = append(s.StopTokens, in.tok.EOS)
	}

	gen, err := engine.NewGenerator(in.rt, s, in.tok)
	if err != nil {
		return "", engine.Result{}, err
	}
	res, err := gen.Generate(ctx, ids)
	if err != nil {
		return "", engine.Result{}, err
	}
	return in.tok.Decode(res.Tokens), res, nil
}

// Options configures a registry.
type Options struct {
	// BudgetBytes caps the summed weight footprint of resident instances.
	// Zero means no cap.
	BudgetBytes int64
	// Precision is the storage width for unquantized weights.
	Precision tensor.DType
	// Quant carries the quantization tunables used for int8 loads.
	Quant quant.Options
}

// Registry is the warm model cache. Entries are keyed by checkpoint directory
// and quantization mode; concurrent loads of the same key are collapsed to a
// single load via singleflight. Eviction is explicit only.
type Registry struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*Instance
	flight  singleflight.Group
}

func NewRegistry(opts Options) *Registry {
	if opts.Quant == (quant.Options{}) {
		opts.Quant = quant.DefaultOptions()
	}
	return &Registry{
		opts:    opts,
		entries: make(map[string]*Instance),
	}
}

func key(dir string, mode quant.Mode) string {
	return dir + "|" + mode.String()
}

// Load returns the resident instance for (dir, mode), loading it if needed.
// A resident instance whose checkpoint files changed on disk is reloaded, so
// callers never generate against stale weights.
func (r *Registry) Load(dir string, mode quant.Mode) (*Instance, error) {
	h, err := checkpoint.Resolve(dir)
	if err != nil {
		return nil, err
	}
	k := key(h.Dir, mode)

	r.mu.Lock()
	if in, ok := r.entries[k]; ok && in.Handle.Revision == h.Revision {
		r.mu.Unlock()
		metrics.WarmCacheHits.Inc()
		logger.Log.Debug("warm cache hit", "checkpoint", h.Dir, "mode", mode.String())
		return in, nil
	}
	r.mu.Unlock()

	v, err, shared := r.flight.Do(k, func() (interface{}, error) {
		return r.load(h, mode)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		metrics.WarmCacheHits.Inc()
	}
	return v.(*Instance), nil
}

func (r *Registry) load(h checkpoint.Handle, mode quant.Mode) (*Instance, error) {
	start := time.Now()

	cfg, err := config.LoadModel(h.ConfigPath())
	if err != nil {
		return nil, err
	}
	tok, err := tokenizer.Load(h.TokenizerPath())
	if err != nil {
		return nil, err
	}

	var rt *engine.Runtime
	if mode == quant.ModeInt4 {
		entries, err := quant.ReadArtifact(h.ArtifactPath())
		if err != nil {
			return nil, fmt.Errorf("calibrated-int4 load needs a quantization artifact (run the quantize command first): %w", err)
		}
		if rt, err = engine.NewRuntimeFromArtifact(cfg, entries); err != nil {
			return nil, err
		}
	} else {
		ws, err := checkpoint.LoadWeights(h, cfg, r.opts.Precision)
		if err != nil {
			return nil, err
		}
		if rt, err = engine.NewRuntime(cfg, ws, mode, r.opts.Quant); err != nil {
			return nil, err
		}
	}

	in := &Instance{Handle: h, Config: cfg, rt: rt, tok: tok}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opts.BudgetBytes > 0 {
		resident := r.residentLocked()
		if resident+in.WeightBytes() > r.opts.BudgetBytes {
			return nil, ResourceExhaustionError{
				NeedBytes:     in.WeightBytes(),
				ResidentBytes: resident,
				BudgetBytes:   r.opts.BudgetBytes,
				Mode:          mode,
			}
		}
	}
	r.entries[key(h.Dir, mode)] = in

	metrics.RecordLoad(mode.String(), in.WeightBytes(), time.Since(start))
	logger.Log.Info("model loaded",
		"checkpoint", h.Dir,
		"revision", h.Revision,
		"mode", mode.String(),
		"weight_bytes", in.WeightBytes(),
		"elapsed", time.Since(start))
	return in, nil
}

func (r *Registry) residentLocked() int64 {
	var total int64
	for _, in := range r.entries {
		total += in.WeightBytes()
	}
	return total
}

// Evict drops the instance for (dir, mode). Returns false when nothing was
// resident. An in-flight generation on the evicted instance finishes
// normally; only future Loads miss.
func (r *Registry) Evict(dir string, mode quant.Mode) bool {
	h, err := checkpoint.Resolve(dir)
	if err != nil {
		// Directory may be gone; fall back to the literal path as key.
		h = checkpoint.Handle{Dir: dir}
	}
	k := key(h.Dir, mode)

	r.mu.Lock()
	_, ok := r.entries[k]
	delete(r.entries, k)
	r.mu.Unlock()

	if ok {
		metrics.WarmCacheEvictions.Inc()
		logger.Log.Info("model evicted", "checkpoint", h.Dir, "mode", mode.String())
	}
	return ok
}

// Len reports the number of resident instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close evicts every resident instance.
func (r *Registry) Close() {
	r.mu.Lock()
	n := len(r.entries)
	r.entries = make(map[string]*Instance)
	r.mu.Unlock()

	metrics.WarmCacheEvictions.Add(float64(n))
	if n > 0 {
		logger.Log.Info("warm cache closed", "evicted", n)
	}
}
