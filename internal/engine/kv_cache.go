package engine

import (
	"fmt"

	"github.com/finchml/kestrel/internal/metrics"
)

// CacheOverflowError reports an append past the preallocated context length.
// The cache never wraps or silently drops entries; the caller decides whether
// to truncate the request or reject it.
type CacheOverflowError struct {
	Position int
	Capacity int
}

func (e CacheOverflowError) Error() string {
	return fmt.Sprintf("attention cache overflow: position %d exceeds capacity %d", e.Position, e.Capacity)
}

// Cache is the append-only attention cache: per-layer key/value buffers
// indexed by sequence position, preallocated to the full context length.
// Entries are never mutated after being written, which is what makes
// "prefill once, decode incrementally" sound.
type Cache struct {
	layers   int
	capacity int
	kvDim    int

	k [][]float32 // [layer][capacity*kvDim]
	v [][]float32

	length int // positions fully written across all layers
}

func NewCache(layers, capacity, kvDim int) *Cache {
	c := &Cache{
		layers:   layers,
		capacity: capacity,
		kvDim:    kvDim,
		k:        make([][]float32, layers),
		v:        make([][]float32, layers),
	}
	for i := 0; i < layers; i++ {
		c.k[i] = make([]float32, capacity*kvDim)
		c.v[i] = make([]float32, capacity*kvDim)
	}
	metrics.RecordKVCache(int64(layers*2*capacity*kvDim)*4, 0)
	return c
}

func (c *Cache) Len() int      { return c.length }
func (c *Cache) Capacity() int { return c.capacity }

// Extend writes the key/value projection for one layer at the next position.
// pos must equal Len(): the cache is strictly append-only.
func (c *Cache) Extend(layer, pos int, key, value []float32) error {
	if layer < 0 || layer >= c.layers {
		return fmt.Errorf("invalid cache layer %d (have %d layers)", layer, c.layers)
	}
	if pos != c.length {
		return fmt.Errorf("non-append cache write: position %d, occupied length %d", pos, c.length)
	}
	if pos >= c.capacity {
		metrics.CacheOverflows.Inc()
		return CacheOverflowError{Position: pos, Capacity: c.capacity}
	}
	copy(c.k[layer][pos*c.kvDim:(pos+1)*c.kvDim], key)
	copy(c.v[layer][pos*c.kvDim:(pos+1)*c.kvDim], value)
	return nil
}

// Advance marks the current position complete once every layer has written
// it. Callers must not interleave Advance with partial layer writes.
func (c *Cache) Advance() {
	c.length++
	metrics.RecordKVCache(int64(c.layers*2*c.capacity*c.kvDim)*4,
		int64(c.layers*2*c.length*c.kvDim)*4)
}

// Keys returns the occupied prefix of layer's key buffer, kvDim floats per
// position. The returned slice aliases the cache and must not be written.
func (c *Cache) Keys(layer int) []float32 {
	return c.k[layer][:c.length*c.kvDim]
}

// Values is the value-side counterpart of Keys.
func (c *Cache) Values(layer int) []float32 {
	return c.v[layer][:c.length*c.kvDim]
}

// Reset empties the cache for a new sequence without reallocating.
func (c *Cache) Reset() {
	c.length = 0
	metrics.RecordKVCache(int64(c.layers*2*c.capacity*c.kvDim)*4, 0)
}
