package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TokensGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_tokens_generated_total",
		Help: "The total number of tokens produced by decode steps",
	})

	DecodeStepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "kestrel_decode_step_duration_seconds",
		Help: "Duration of individual decode steps",
	})

	PrefillDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "kestrel_prefill_duration_seconds",
		Help: "Duration of prompt prefill passes",
	})

	ModelLoadDuration = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name: "kestrel_model_load_duration_seconds",
		Help: "Duration of checkpoint load plus quantization, by mode",
	}, []string{"mode"})

	WeightBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kestrel_weight_bytes",
		Help: "In-memory weight footprint of loaded model instances, by mode",
	}, []string{"mode"})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kestrel_kv_cache_capacity_bytes",
		Help: "Preallocated KV cache capacity in bytes",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kestrel_kv_cache_used_bytes",
		Help: "Bytes of KV cache occupied by cached positions",
	})

	CacheOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_kv_cache_overflow_total",
		Help: "Generation requests rejected because the KV cache was full",
	})

	QuantReconstructionError = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kestrel_quant_reconstruction_error",
		Help: "Mean absolute reconstruction error of the last quantized tensor, by mode",
	}, []string{"mode"})

	WarmCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_warm_cache_hits_total",
		Help: "Loads served from an already-resolved warm cache entry",
	})

	WarmCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_warm_cache_evictions_total",
		Help: "Model instances explicitly evicted from the warm cache",
	})

	GenerationsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_generations_cancelled_total",
		Help: "Generation loops halted by cancellation before completion",
	})
)

// RecordLoad records a completed model load for the given quantization mode.
func RecordLoad(mode string, weightBytes int64, d time.Duration) {
	ModelLoadDuration.WithLabelValues(mode).Observe(d.Seconds())
	WeightBytes.WithLabelValues(mode).Set(float64(weightBytes))
}

// RecordKVCache updates the cache occupancy gauges.
func RecordKVCache(capacityBytes, usedBytes int64) {
	KVCacheCapacityBytes.Set(float64(capacityBytes))
	KVCacheUsedBytes.Set(float64(usedBytes))
}
