package attention

import (
	"fmt"

	"llamago/pkg/model/rope"
	"llamago/pkg/tensor"
)

// GroupedQueryAttention is multi-head attention where several query heads
// share one key/value head. Llama2 70B uses it to shrink the KV cache by
// NumHeads/NumKVHeads while keeping the full set of query subspaces; with
// NumKVHeads == NumHeads it degenerates to standard multi-head attention.
type GroupedQueryAttention struct {
	NumHeads   int
	NumKVHeads int
	GroupSize  int // NumHeads / NumKVHeads
	HeadDim    int
	Dim        int

	WQuery *tensor.Tensor // (dim, dim)
	WKey   *tensor.Tensor // (dim, kv_heads*head_dim)
	WValue *tensor.Tensor // (dim, kv_heads*head_dim)
	WOut   *tensor.Tensor // (dim, dim)
}

// NewGroupedQueryAttention creates a GQA layer. numHeads must be a multiple
// of numKVHeads, and dim a multiple of numHeads.
func NewGroupedQueryAttention(numHeads, numKVHeads, dim int) (*GroupedQueryAttention, error) {
	if numHeads <= 0 || dim%numHeads != 0 {
		return nil, fmt.Errorf("dim (%d) must be divisible by num heads (%d)", dim, numHeads)
	}
	if numKVHeads <= 0 || numHeads%numKVHeads != 0 {
		return nil, fmt.Errorf("num heads (%d) must be a multiple of num kv heads (%d)",
			numHeads, numKVHeads)
	}

	headDim := dim / numHeads
	kvDim := numKVHeads * headDim
	return &GroupedQueryAttention{
		NumHeads:   numHeads,
		NumKVHeads: numKVHeads,
		GroupSize:  numHeads / numKVHeads,
		HeadDim:    headDim,
		Dim:        dim,
		WQuery:     tensor.New(dim, dim),
		WKey:       tensor.New(dim, kvDim),
		WValue:     tensor.New(dim, kvDim),
		WOut:       tensor.New(dim, dim),
	}, nil
}

// Forward computes causal grouped-query attention over (batch, seq, dim),
// returning the same shape. The semantics of rot, cache, and offset match
// MultiHeadAttention.Forward; a cache used here must be sized for
// NumKVHeads, which is the whole point of the variant.
func (g *GroupedQueryAttention) Forward(x *tensor.Tensor, rot *rope.Params, cache *KVCache, offset int) (*tensor.Tensor, error) {
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("expected (batch, seq, dim) input, got shape %v", x.Shape)
	}
	batch, seqLen, dim := x.Shape[0], x.Shape[1], x.Shape[2]
	if dim != g.Dim {
		return nil, fmt.Errorf("input dimension %d does not match attention dimension %d", dim, g.Dim)
	}

	q, err := tensor.Matmul(x, g.WQuery)
	if err != nil {
		return nil, fmt.Errorf("query projection: %w", err)
	}
	k, err := tensor.Matmul(x, g.WKey)
	if err != nil {
		return nil, fmt.Errorf("key projection: %w", err)
	}
	v, err := tensor.Matmul(x, g.WValue)
	if err != nil {
		return nil, fmt.Errorf("value projection: %w", err)
	}

	if q, err = splitHeads(q, g.NumHeads, g.HeadDim); err != nil {
		return nil, err
	}
	if k, err = splitHeads(k, g.NumKVHeads, g.HeadDim); err != nil {
		return nil, err
	}
	if v, err = splitHeads(v, g.NumKVHeads, g.HeadDim); err != nil {
		return nil, err
	}

	if rot != nil {
		if q, err = rot.Apply(q, offset); err != nil {
			return nil, fmt.Errorf("rotating queries: %w", err)
		}
		if k, err = rot.Apply(k, offset); err != nil {
			return nil, fmt.Errorf("rotating keys: %w", err)
		}
	}

	// The cache stores only the NumKVHeads un-expanded heads; expansion
	// happens per step, after retrieval.
	if cache != nil {
		if cache.Len() != offset {
			return nil, fmt.Errorf("cache holds %d positions but offset is %d", cache.Len(), offset)
		}
		if k, v, err = cache.Update(k, v); err != nil {
			return nil, fmt.Errorf("updating kv cache: %w", err)
		}
	}

	// Repeat each KV head GroupSize times so every query head has a
	// matching key/value head to score against.
	if g.GroupSize > 1 {
		if k, err = k.Expand(g.GroupSize); err != nil {
			return nil, fmt.Errorf("expanding keys: %w", err)
		}
		if v, err = v.Expand(g.GroupSize); err != nil {
			return nil, fmt.Errorf("expanding values: %w", err)
		}
	}

	ctx, err := attend(q, k, v)
	if err != nil {
		return nil, err
	}

	merged, err := mergeHeads(ctx, batch, seqLen, g.Dim)
	if err != nil {
		return nil, err
	}
	out, err := tensor.Matmul(merged, g.WOut)
	if err != nil {
		return nil, fmt.Errorf("output projection: %w", err)
	}
	return out, nil
}
