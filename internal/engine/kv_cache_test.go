package engine

import (
	"errors"
	"testing"
)

func TestCache_AppendAndRead(t *testing.T) {
	c := NewCache(2, 4, 3)

	k := []float32{1, 2, 3}
	v := []float32{4, 5, 6}
	for layer := 0; layer < 2; layer++ {
		if err := c.Extend(layer, 0, k, v); err != nil {
			t.Fatalf("Extend layer %d: %v", layer, err)
		}
	}
	c.Advance()

	if c.Len() != 1 {
		t.Fatalf("expected length 1, got %d", c.Len())
	}
	keys := c.Keys(1)
	if len(keys) != 3 || keys[0] != 1 || keys[2] != 3 {
		t.Fatalf("unexpected keys: %v", keys)
	}
	values := c.Values(0)
	if values[1] != 5 {
		t.Fatalf("unexpected values: %v", values)
	}
}

func TestCache_NonAppendRejected(t *testing.T) {
	c := NewCache(1, 4, 2)
	kv := []float32{1, 2}

	if err := c.Extend(0, 2, kv, kv); err == nil {
		t.Fatal("expected error for write past the append position")
	}

	if err := c.Extend(0, 0, kv, kv); err != nil {
		t.Fatalf("append at 0: %v", err)
	}
	c.Advance()

	// Rewriting an occupied position must fail: entries are immutable.
	if err := c.Extend(0, 0, kv, kv); err == nil {
		t.Fatal("expected error for rewrite of occupied position")
	}
}

func TestCache_Overflow(t *testing.T) {
	c := NewCache(1, 2, 2)
	kv := []float32{1, 2}

	for pos := 0; pos < 2; pos++ {
		if err := c.Extend(0, pos, kv, kv); err != nil {
			t.Fatalf("append at %d: %v", pos, err)
		}
		c.Advance()
	}

	err := c.Extend(0, 2, kv, kv)
	var overflow CacheOverflowError
	if !errors.As(err, &overflow) {
		t.Fatalf("expected CacheOverflowError, got %v", err)
	}
	if overflow.Position != 2 || overflow.Capacity != 2 {
		t.Fatalf("unexpected overflow detail: %+v", overflow)
	}
}

func TestCache_Reset(t *testing.T) {
	c := NewCache(1, 4, 2)
	kv := []float32{1, 2}
	if err := c.Extend(0, 0, kv, kv); err != nil {
		t.Fatalf("append: %v", err)
	}
	c.Advance()

	c.Reset()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after reset, got length %d", c.Len())
	}
	if err := c.Extend(0, 0, kv, kv); err != nil {
		t.Fatalf("append after reset: %v", err)
	}
}
