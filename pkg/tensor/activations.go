package tensor

import "github.com/chewxy/math32"

// Sigmoid applies the logistic function element-wise.
func (t *Tensor) Sigmoid() *Tensor {
	out := New(t.Shape...)
	for i, x := range t.Data {
		out.Data[i] = 1 / (1 + math32.Exp(-x))
	}
	return out
}

// SiLU applies the sigmoid-weighted linear unit element-wise:
//
//	silu(x) = x * sigmoid(x) = x / (1 + exp(-x))
//
// This is the activation inside the Llama feed-forward gate (also known as
// swish). Reference: https://arxiv.org/abs/1710.05941
func (t *Tensor) SiLU() *Tensor {
	out := New(t.Shape...)
	for i, x := range t.Data {
		out.Data[i] = x / (1 + math32.Exp(-x))
	}
	return out
}
