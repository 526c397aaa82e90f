package engine

import (
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/finchml/kestrel/internal/checkpoint"
	"github.com/finchml/kestrel/internal/config"
	"github.com/finchml/kestrel/internal/logger"
	"github.com/finchml/kestrel/internal/quant"
	"github.com/finchml/kestrel/internal/tensor"
)

type calibKey struct {
	layer int
	site  CalibSite
}

// BuildInt4Artifact runs the offline calibration pass: forward the
// calibration sequences through a full-precision runtime, recording the
// activation statistics at every linear input, then quantize each matmul
// weight against the statistics of its own input site. Norms and embeddings
// stay dense.
func BuildInt4Artifact(cfg config.Model, ws *checkpoint.WeightSet, sequences [][]int, opts quant.Options) ([]quant.ArtifactEntry, error) {
	if len(sequences) == 0 {
		return nil, quant.CalibrationError{Reason: "no calibration sequences provided"}
	}

	rt, err := NewRuntime(cfg, ws, quant.ModeNone, opts)
	if err != nil {
		return nil, err
	}

	calib := make(map[calibKey]*quant.Calibration)
	rt.observe = func(layer int, site CalibSite, x []float32) {
		key := calibKey{layer: layer, site: site}
		c, ok := calib[key]
		if !ok {
			c = quant.NewCalibration(len(x))
			calib[key] = c
		}
		c.Observe(x)
	}

	start := time.Now()
	var observed int
	for _, seq := range sequences {
		if len(seq) == 0 {
			continue
		}
		if limit := rt.Cache().Capacity(); len(seq) > limit {
			seq = seq[:limit]
		}
		rt.Cache().Reset()
		if _, err := rt.Forward(seq, 0); err != nil {
			return nil, fmt.Errorf("calibration forward: %w", err)
		}
		observed += len(seq)
	}
	rt.observe = nil
	if observed == 0 {
		return nil, quant.CalibrationError{Reason: "calibration sequences were all empty"}
	}
	logger.Log.Info("calibration pass complete",
		"sequences", len(sequences),
		"positions", observed,
		"elapsed", time.Since(start))

	stats := func(layer int, site CalibSite) *quant.Calibration {
		return calib[calibKey{layer: layer, site: site}]
	}

	// Fixed entry layout so concurrent workers write disjoint slots and the
	// artifact ordering is deterministic.
	const perLayer = 9
	entries := make([]quant.ArtifactEntry, 3+cfg.Layers*perLayer)
	entries[0] = quant.ArtifactEntry{Name: "token_embd.weight", Dense: ws.TokenEmb.Cast(tensor.F32)}
	entries[1] = quant.ArtifactEntry{Name: "output_norm.weight", Dense: ws.OutputNorm}

	type job struct {
		slot int
		name string
		t    *tensor.Tensor
		c    *quant.Calibration
	}
	jobs := []job{{2, "output.weight", ws.Output, stats(-1, SiteOutput)}}
	for i := 0; i < cfg.Layers; i++ {
		base := 3 + i*perLayer
		prefix := fmt.Sprintf("blk.%d.", i)

		entries[base] = quant.ArtifactEntry{Name: prefix + "attn_norm.weight", Dense: ws.AttnNorm[i]}
		entries[base+1] = quant.ArtifactEntry{Name: prefix + "ffn_norm.weight", Dense: ws.FfnNorm[i]}

		jobs = append(jobs,
			job{base + 2, prefix + "attn_q.weight", ws.AttnQ[i], stats(i, SiteAttn)},
			job{base + 3, prefix + "attn_k.weight", ws.AttnK[i], stats(i, SiteAttn)},
			job{base + 4, prefix + "attn_v.weight", ws.AttnV[i], stats(i, SiteAttn)},
			job{base + 5, prefix + "attn_output.weight", ws.AttnO[i], stats(i, SiteAttnOut)},
			job{base + 6, prefix + "ffn_gate.weight", ws.FfnGate[i], stats(i, SiteFfn)},
			job{base + 7, prefix + "ffn_up.weight", ws.FfnUp[i], stats(i, SiteFfn)},
			job{base + 8, prefix + "ffn_down.weight", ws.FfnDown[i], stats(i, SiteFfnDown)},
		)
	}

	g := new(errgroup.Group)
	g.SetLimit(runtime.NumCPU())
	for _, j := range jobs {
		g.Go(func() error {
			q, err := quant.QuantizeInt4(j.t, j.c, opts)
			if err != nil {
				return fmt.Errorf("%s: %w", j.name, err)
			}
			entries[j.slot] = quant.ArtifactEntry{Name: j.name, Int4: q}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	logger.Log.Info("int4 quantization complete",
		"tensors", len(entries),
		"group_size", opts.GroupSize,
		"elapsed", time.Since(start))
	return entries, nil
}
