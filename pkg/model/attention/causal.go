// Package attention implements the attention mechanisms of a Llama2-style
// decoder: scaled dot-product attention with causal masking, its multi-head
// form with rotary position embeddings, the grouped-query variant, the
// transformer block that wraps attention and feed-forward with pre-norm
// residuals, and a KV cache for incremental decoding.
package attention

import (
	"fmt"

	"github.com/chewxy/math32"

	"llamago/pkg/tensor"
)

// CausalSelfAttention is single-head scaled dot-product attention with a
// causal mask and no position encoding. It is the building block the
// multi-head form generalizes, kept as the readable reference:
//
//	scores  = (x·Wq)(x·Wk)ᵀ / sqrt(d)
//	weights = softmax(mask(scores))
//	output  = weights · (x·Wv)
type CausalSelfAttention struct {
	WQuery *tensor.Tensor // (d_in, d_out)
	WKey   *tensor.Tensor // (d_in, d_out)
	WValue *tensor.Tensor // (d_in, d_out)
	scale  float32
}

// NewCausalSelfAttention creates a single-head attention layer projecting
// from dIn to dOut.
func NewCausalSelfAttention(dIn, dOut int) *CausalSelfAttention {
	return &CausalSelfAttention{
		WQuery: tensor.New(dIn, dOut),
		WKey:   tensor.New(dIn, dOut),
		WValue: tensor.New(dIn, dOut),
		scale:  1 / math32.Sqrt(float32(dOut)),
	}
}

// Forward computes causal attention over (batch, seq, d_in) input,
// returning (batch, seq, d_out). Position i attends to positions j <= i.
func (c *CausalSelfAttention) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("expected (batch, seq, dim) input, got shape %v", x.Shape)
	}
	if x.Shape[2] != c.WQuery.Shape[0] {
		return nil, fmt.Errorf("input dimension %d does not match projection dimension %d",
			x.Shape[2], c.WQuery.Shape[0])
	}
	seqLen := x.Shape[1]

	q, err := tensor.Matmul(x, c.WQuery)
	if err != nil {
		return nil, fmt.Errorf("query projection: %w", err)
	}
	k, err := tensor.Matmul(x, c.WKey)
	if err != nil {
		return nil, fmt.Errorf("key projection: %w", err)
	}
	v, err := tensor.Matmul(x, c.WValue)
	if err != nil {
		return nil, fmt.Errorf("value projection: %w", err)
	}

	kt, err := k.Transpose(1, 2)
	if err != nil {
		return nil, err
	}
	scores, err := tensor.Matmul(q, kt)
	if err != nil {
		return nil, fmt.Errorf("attention scores: %w", err)
	}

	masked, err := tensor.ApplyMask(scores.Scale(c.scale), tensor.CausalMask(seqLen, 0))
	if err != nil {
		return nil, err
	}

	out, err := tensor.Matmul(tensor.Softmax(masked), v)
	if err != nil {
		return nil, fmt.Errorf("weighted values: %w", err)
	}
	return out, nil
}
