package attention

import (
	"fmt"

	"github.com/chewxy/math32"

	"llamago/pkg/model/rope"
	"llamago/pkg/tensor"
)

// MultiHeadAttention implements causal self-attention split across NumHeads
// independent heads, with rotary position embeddings applied to queries and
// keys. Llama2 uses no bias on any of the four projections.
type MultiHeadAttention struct {
	NumHeads int
	HeadDim  int
	Dim      int

	WQuery *tensor.Tensor // (dim, dim)
	WKey   *tensor.Tensor // (dim, dim)
	WValue *tensor.Tensor // (dim, dim)
	WOut   *tensor.Tensor // (dim, dim)
}

// NewMultiHeadAttention creates a multi-head attention layer. dim must be
// divisible by numHeads.
func NewMultiHeadAttention(numHeads, dim int) (*MultiHeadAttention, error) {
	if numHeads <= 0 || dim%numHeads != 0 {
		return nil, fmt.Errorf("dim (%d) must be divisible by num heads (%d)", dim, numHeads)
	}
	return &MultiHeadAttention{
		NumHeads: numHeads,
		HeadDim:  dim / numHeads,
		Dim:      dim,
		WQuery:   tensor.New(dim, dim),
		WKey:     tensor.New(dim, dim),
		WValue:   tensor.New(dim, dim),
		WOut:     tensor.New(dim, dim),
	}, nil
}

// Forward computes causal multi-head attention over (batch, seq, dim),
// returning the same shape.
//
// rot may be nil to skip position encoding (useful when testing the
// attention arithmetic in isolation). cache may be nil for a standalone
// full-sequence pass; when set, offset must equal cache.Len() and the new
// keys/values are appended before scoring, so each query attends to every
// cached position plus the causal prefix of the new ones.
func (m *MultiHeadAttention) Forward(x *tensor.Tensor, rot *rope.Params, cache *KVCache, offset int) (*tensor.Tensor, error) {
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("expected (batch, seq, dim) input, got shape %v", x.Shape)
	}
	batch, seqLen, dim := x.Shape[0], x.Shape[1], x.Shape[2]
	if dim != m.Dim {
		return nil, fmt.Errorf("input dimension %d does not match attention dimension %d", dim, m.Dim)
	}

	q, err := tensor.Matmul(x, m.WQuery)
	if err != nil {
		return nil, fmt.Errorf("query projection: %w", err)
	}
	k, err := tensor.Matmul(x, m.WKey)
	if err != nil {
		return nil, fmt.Errorf("key projection: %w", err)
	}
	v, err := tensor.Matmul(x, m.WValue)
	if err != nil {
		return nil, fmt.Errorf("value projection: %w", err)
	}

	// (batch, seq, dim) -> (batch, heads, seq, head_dim)
	if q, err = splitHeads(q, m.NumHeads, m.HeadDim); err != nil {
		return nil, err
	}
	if k, err = splitHeads(k, m.NumHeads, m.HeadDim); err != nil {
		return nil, err
	}
	if v, err = splitHeads(v, m.NumHeads, m.HeadDim); err != nil {
		return nil, err
	}

	// Rotate queries and keys by absolute position. Values are never
	// rotated; position only enters the score computation.
	if rot != nil {
		if q, err = rot.Apply(q, offset); err != nil {
			return nil, fmt.Errorf("rotating queries: %w", err)
		}
		if k, err = rot.Apply(k, offset); err != nil {
			return nil, fmt.Errorf("rotating keys: %w", err)
		}
	}

	if cache != nil {
		if cache.Len() != offset {
			return nil, fmt.Errorf("cache holds %d positions but offset is %d", cache.Len(), offset)
		}
		if k, v, err = cache.Update(k, v); err != nil {
			return nil, fmt.Errorf("updating kv cache: %w", err)
		}
	}

	ctx, err := attend(q, k, v)
	if err != nil {
		return nil, err
	}

	merged, err := mergeHeads(ctx, batch, seqLen, m.Dim)
	if err != nil {
		return nil, err
	}
	out, err := tensor.Matmul(merged, m.WOut)
	if err != nil {
		return nil, fmt.Errorf("output projection: %w", err)
	}
	return out, nil
}

// splitHeads reshapes (batch, seq, heads*head_dim) into
// (batch, heads, seq, head_dim).
func splitHeads(t *tensor.Tensor, heads, headDim int) (*tensor.Tensor, error) {
	batch, seqLen := t.Shape[0], t.Shape[1]
	return t.Reshape(batch, seqLen, heads, headDim).Transpose(1, 2)
}

// mergeHeads inverts splitHeads: (batch, heads, seq, head_dim) back to
// (batch, seq, dim).
func mergeHeads(t *tensor.Tensor, batch, seqLen, dim int) (*tensor.Tensor, error) {
	back, err := t.Transpose(1, 2)
	if err != nil {
		return nil, err
	}
	return back.Reshape(batch, seqLen, dim), nil
}

// attend runs scaled dot-product attention with a causal mask.
// q is (batch, heads, seq, head_dim); k and v are (batch, heads, kv_len,
// head_dim) with kv_len >= seq. The first kv_len-seq key positions are
// treated as an already-visible prefix (the KV cache), the rest are masked
// causally against the queries.
func attend(q, k, v *tensor.Tensor) (*tensor.Tensor, error) {
	seqLen, kvLen := q.Shape[2], k.Shape[2]
	if kvLen < seqLen {
		return nil, fmt.Errorf("key length %d shorter than query length %d", kvLen, seqLen)
	}
	headDim := q.Shape[3]

	kt, err := k.Transpose(2, 3)
	if err != nil {
		return nil, err
	}
	scores, err := tensor.Matmul(q, kt)
	if err != nil {
		return nil, fmt.Errorf("attention scores: %w", err)
	}
	scores = scores.Scale(1 / math32.Sqrt(float32(headDim)))

	masked, err := tensor.ApplyMask(scores, tensor.CausalMask(seqLen, kvLen-seqLen))
	if err != nil {
		return nil, err
	}

	out, err := tensor.Matmul(tensor.Softmax(masked), v)
	if err != nil {
		return nil, fmt.Errorf("weighted values: %w", err)
	}
	return out, nil
}
