package model

import (
	"fmt"

	"llamago/pkg/tensor"
)

// FeedForward implements the Llama2 gated feed-forward block (SwiGLU):
//
//	FFN(x) = W2( silu(W1·x) ⊙ W3·x )
//
// W1 is the gate projection, W3 the up projection, W2 the down projection.
// The element-wise product lets the silu-activated gate modulate the linear
// up-projection, which is what distinguishes this from the GELU feed-forward
// used in GPT-2. None of the projections carry bias terms.
type FeedForward struct {
	W1 *tensor.Tensor // gate: (dim, hidden)
	W2 *tensor.Tensor // down: (hidden, dim)
	W3 *tensor.Tensor // up:   (dim, hidden)
}

// NewFeedForward allocates the three projection matrices for a config.
func NewFeedForward(cfg Config) *FeedForward {
	hidden := cfg.HiddenDim()
	return &FeedForward{
		W1: tensor.New(cfg.Dim, hidden),
		W2: tensor.New(hidden, cfg.Dim),
		W3: tensor.New(cfg.Dim, hidden),
	}
}

// Forward applies the block per token.
// Input (batch, seq, dim) -> output (batch, seq, dim).
func (ff *FeedForward) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) < 2 {
		return nil, fmt.Errorf("expected at least 2D input, got shape %v", x.Shape)
	}
	if dim := x.Shape[len(x.Shape)-1]; dim != ff.W1.Shape[0] {
		return nil, fmt.Errorf("input dimension %d does not match feed-forward dimension %d",
			dim, ff.W1.Shape[0])
	}

	gate, err := tensor.Matmul(x, ff.W1)
	if err != nil {
		return nil, fmt.Errorf("gate projection: %w", err)
	}
	up, err := tensor.Matmul(x, ff.W3)
	if err != nil {
		return nil, fmt.Errorf("up projection: %w", err)
	}

	gated, err := tensor.Mul(gate.SiLU(), up)
	if err != nil {
		return nil, fmt.Errorf("gating: %w", err)
	}

	out, err := tensor.Matmul(gated, ff.W2)
	if err != nil {
		return nil, fmt.Errorf("down projection: %w", err)
	}
	return out, nil
}
