package model

import (
	"fmt"

	"github.com/chewxy/math32"

	"llamago/pkg/tensor"
)

// RMSNorm implements root-mean-square normalization with a learnable scale.
//
// Unlike LayerNorm it does not subtract the mean and carries no shift
// parameter; each token's feature vector is rescaled by its own RMS:
//
//	output = x / sqrt(mean(x², dim=-1) + eps) * weight
//
// Llama2 applies RMSNorm before attention, before the feed-forward block,
// and once more before the output projection.
type RMSNorm struct {
	Weight *tensor.Tensor // (dim,) gain, initialized to ones
	Eps    float32
}

// NewRMSNorm creates an RMSNorm over a feature dimension of size dim.
// Llama2 uses eps=1e-5.
func NewRMSNorm(dim int, eps float32) *RMSNorm {
	weight := tensor.New(dim)
	for i := range weight.Data {
		weight.Data[i] = 1
	}
	return &RMSNorm{Weight: weight, Eps: eps}
}

// Forward normalizes each position of the input independently. The input's
// last dimension must match the norm's feature dimension; all leading
// dimensions are treated as a batch. Output shape equals input shape.
func (n *RMSNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) == 0 {
		return nil, fmt.Errorf("cannot normalize a 0-dimensional tensor")
	}
	dim := x.Shape[len(x.Shape)-1]
	if dim != len(n.Weight.Data) {
		return nil, fmt.Errorf("feature dimension %d does not match norm dimension %d",
			dim, len(n.Weight.Data))
	}

	out := tensor.New(x.Shape...)
	for off := 0; off < len(x.Data); off += dim {
		row := x.Data[off : off+dim]

		var sumSq float32
		for _, v := range row {
			sumSq += v * v
		}
		inv := 1 / math32.Sqrt(sumSq/float32(dim)+n.Eps)

		oRow := out.Data[off : off+dim]
		for i, v := range row {
			oRow[i] = v * inv * n.Weight.Data[i]
		}
	}
	return out, nil
}
