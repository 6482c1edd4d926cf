package attention

import (
	"fmt"

	"llamago/pkg/tensor"
)

// KVCache stores rotated key and value tensors across decoding steps.
// Without it, generating token n recomputes K and V for all n-1 previous
// positions; with it, each step computes K/V only for the new tokens and
// appends them.
//
// Keys are cached after rotary embedding, so cached entries never need to be
// re-rotated: RoPE angles depend on absolute position, which is fixed at the
// time a token enters the cache.
type KVCache struct {
	keys   *tensor.Tensor // (batch, kv_heads, max_len, head_dim)
	values *tensor.Tensor // (batch, kv_heads, max_len, head_dim)

	pos     int // next write position, equals the number of cached tokens
	maxLen  int
	batch   int
	kvHeads int
	headDim int
}

// NewKVCache preallocates a cache for one attention layer.
func NewKVCache(batch, kvHeads, maxLen, headDim int) *KVCache {
	return &KVCache{
		keys:    tensor.New(batch, kvHeads, maxLen, headDim),
		values:  tensor.New(batch, kvHeads, maxLen, headDim),
		maxLen:  maxLen,
		batch:   batch,
		kvHeads: kvHeads,
		headDim: headDim,
	}
}

// Len returns the number of cached positions.
func (c *KVCache) Len() int { return c.pos }

// Reset discards all cached positions without reallocating.
func (c *KVCache) Reset() {
	c.pos = 0
}

// Update appends newK/newV, both shaped (batch, kv_heads, new_tokens,
// head_dim), and returns the full cached K and V covering every position
// seen so far, shaped (batch, kv_heads, Len(), head_dim).
func (c *KVCache) Update(newK, newV *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if len(newK.Shape) != 4 || len(newV.Shape) != 4 {
		return nil, nil, fmt.Errorf("expected 4D key/value tensors, got %dD and %dD",
			len(newK.Shape), len(newV.Shape))
	}
	if !newK.SameShape(newV) {
		return nil, nil, fmt.Errorf("key shape %v does not match value shape %v",
			newK.Shape, newV.Shape)
	}
	if newK.Shape[0] != c.batch || newK.Shape[1] != c.kvHeads || newK.Shape[3] != c.headDim {
		return nil, nil, fmt.Errorf("key shape %v does not match cache layout (%d, %d, *, %d)",
			newK.Shape, c.batch, c.kvHeads, c.headDim)
	}

	newTokens := newK.Shape[2]
	if c.pos+newTokens > c.maxLen {
		return nil, nil, fmt.Errorf("cache overflow: %d cached + %d new exceeds capacity %d",
			c.pos, newTokens, c.maxLen)
	}

	for b := 0; b < c.batch; b++ {
		for h := 0; h < c.kvHeads; h++ {
			for s := 0; s < newTokens; s++ {
				srcOff := ((b*c.kvHeads+h)*newTokens + s) * c.headDim
				dstOff := ((b*c.kvHeads+h)*c.maxLen + c.pos + s) * c.headDim
				copy(c.keys.Data[dstOff:dstOff+c.headDim], newK.Data[srcOff:srcOff+c.headDim])
				copy(c.values.Data[dstOff:dstOff+c.headDim], newV.Data[srcOff:srcOff+c.headDim])
			}
		}
	}
	c.pos += newTokens

	starts := []int{0, 0, 0, 0}
	ends := []int{c.batch, c.kvHeads, c.pos, c.headDim}
	k, err := c.keys.Narrow(starts, ends)
	if err != nil {
		return nil, nil, err
	}
	v, err := c.values.Narrow(starts, ends)
	if err != nil {
		return nil, nil, err
	}
	return k, v, nil
}
