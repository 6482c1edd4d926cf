// Package rope implements rotary position embeddings (RoPE).
//
// RoPE encodes token positions by rotating pairs of dimensions in the query
// and key vectors; the attention dot product then depends only on the
// relative distance between positions. We use the split-halves pairing
// (dimension i pairs with i+head_dim/2, the Hugging Face layout) rather than
// the interleaved pairing from the original paper. The two layouts are
// equivalent up to a permutation of weight columns.
//
// Reference: https://arxiv.org/abs/2104.09864
package rope

import (
	"fmt"

	"github.com/chewxy/math32"

	"llamago/pkg/tensor"
)

// Params holds cos/sin tables precomputed for every position up to
// MaxSeqLen, laid out as (max_seq_len, head_dim) row-major. Precomputing
// once at model construction keeps the per-token forward pass to a handful
// of multiplies.
type Params struct {
	Cos       []float32
	Sin       []float32
	MaxSeqLen int
	HeadDim   int
}

// Precompute builds the rotation tables.
//
// The frequency schedule follows Llama2:
//
//	inv_freq[i] = theta^(-2i/head_dim)   for i in [0, head_dim/2)
//	angle[pos][i] = pos * inv_freq[i]
//
// Each angle is stored twice, once per half of the head dimension, so Apply
// can index cos/sin with the same offset as the vector element it rotates.
// theta is 10000 for Llama2; larger bases stretch the usable context.
func Precompute(headDim, maxSeqLen int, theta float32) (*Params, error) {
	if headDim%2 != 0 {
		return nil, fmt.Errorf("head dim must be even, got %d", headDim)
	}
	if maxSeqLen <= 0 {
		return nil, fmt.Errorf("max seq len must be positive, got %d", maxSeqLen)
	}
	if theta <= 0 {
		return nil, fmt.Errorf("theta must be positive, got %v", theta)
	}

	half := headDim / 2
	invFreq := make([]float32, half)
	for i := range invFreq {
		invFreq[i] = math32.Pow(theta, -float32(2*i)/float32(headDim))
	}

	p := &Params{
		Cos:       make([]float32, maxSeqLen*headDim),
		Sin:       make([]float32, maxSeqLen*headDim),
		MaxSeqLen: maxSeqLen,
		HeadDim:   headDim,
	}
	for pos := 0; pos < maxSeqLen; pos++ {
		base := pos * headDim
		for i := 0; i < half; i++ {
			angle := float32(pos) * invFreq[i]
			c, s := math32.Cos(angle), math32.Sin(angle)
			p.Cos[base+i], p.Sin[base+i] = c, s
			p.Cos[base+i+half], p.Sin[base+i+half] = c, s
		}
	}
	return p, nil
}

// Apply rotates a (batch, heads, seq, head_dim) tensor in place of position
// encoding. offset is the absolute position of the first sequence element,
// non-zero during incremental decoding against a KV cache.
//
// For each pair (i, i+half):
//
//	x1' = x1*cos - x2*sin
//	x2' = x2*cos + x1*sin
func (p *Params) Apply(x *tensor.Tensor, offset int) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("expected (batch, heads, seq, head_dim), got shape %v", x.Shape)
	}
	batch, heads, seqLen, headDim := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if headDim != p.HeadDim {
		return nil, fmt.Errorf("head dim %d does not match precomputed %d", headDim, p.HeadDim)
	}
	if offset < 0 || offset+seqLen > p.MaxSeqLen {
		return nil, fmt.Errorf("positions [%d, %d) exceed precomputed range %d",
			offset, offset+seqLen, p.MaxSeqLen)
	}

	out := x.Clone()
	half := headDim / 2
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for s := 0; s < seqLen; s++ {
				vecOff := ((b*heads+h)*seqLen + s) * headDim
				tblOff := (offset + s) * headDim
				for i := 0; i < half; i++ {
					x1 := x.Data[vecOff+i]
					x2 := x.Data[vecOff+i+half]
					c := p.Cos[tblOff+i]
					sn := p.Sin[tblOff+i]
					out.Data[vecOff+i] = x1*c - x2*sn
					out.Data[vecOff+i+half] = x2*c + x1*sn
				}
			}
		}
	}
	return out, nil
}
