package attention

import (
	"fmt"

	"llamago/pkg/model/rope"
	"llamago/pkg/tensor"
)

// Norm is the normalization applied before attention and feed-forward.
// Declared here (rather than importing the model package) so the block can
// wrap model.RMSNorm without an import cycle.
type Norm interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// FeedForward is the per-token transform following attention in each block.
type FeedForward interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// SelfAttention is implemented by MultiHeadAttention and
// GroupedQueryAttention.
type SelfAttention interface {
	Forward(x *tensor.Tensor, rot *rope.Params, cache *KVCache, offset int) (*tensor.Tensor, error)
}

// TransformerBlock is one decoder layer with pre-norm residual wiring:
//
//	h   = x + attn(attn_norm(x))
//	out = h + ffn(ffn_norm(h))
//
// Normalizing before each sublayer (rather than after, as in the original
// transformer) is what keeps deep stacks of these blocks stable.
type TransformerBlock struct {
	Attn     SelfAttention
	FF       FeedForward
	AttnNorm Norm
	FFNNorm  Norm
}

// NewTransformerBlock wires one decoder layer from its four sublayers.
func NewTransformerBlock(attn SelfAttention, ff FeedForward, attnNorm, ffnNorm Norm) *TransformerBlock {
	return &TransformerBlock{Attn: attn, FF: ff, AttnNorm: attnNorm, FFNNorm: ffnNorm}
}

// Forward runs one block over (batch, seq, dim) input, preserving shape.
// rot, cache, and offset are passed through to the attention sublayer.
func (b *TransformerBlock) Forward(x *tensor.Tensor, rot *rope.Params, cache *KVCache, offset int) (*tensor.Tensor, error) {
	normed, err := b.AttnNorm.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("attention norm: %w", err)
	}
	attnOut, err := b.Attn.Forward(normed, rot, cache, offset)
	if err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}
	h, err := tensor.Add(x, attnOut)
	if err != nil {
		return nil, fmt.Errorf("attention residual: %w", err)
	}

	normed, err = b.FFNNorm.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("feed-forward norm: %w", err)
	}
	ffOut, err := b.FF.Forward(normed)
	if err != nil {
		return nil, fmt.Errorf("feed-forward: %w", err)
	}
	out, err := tensor.Add(h, ffOut)
	if err != nil {
		return nil, fmt.Errorf("feed-forward residual: %w", err)
	}
	return out, nil
}
