package model

import (
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"

	"llamago/pkg/model/attention"
	"llamago/pkg/model/rope"
	"llamago/pkg/tensor"
)

// Llama2 is the full decoder-only model:
//
//	token embedding lookup
//	NumLayers transformer blocks (pre-norm attention + SwiGLU feed-forward)
//	final RMSNorm
//	linear projection to vocabulary logits
//
// Compared to GPT-2 there are no learned position embeddings (positions
// enter through RoPE inside attention), no LayerNorm shift parameters, and
// no bias terms anywhere.
type Llama2 struct {
	Config Config

	TokEmbedding *tensor.Tensor // (vocab_size, dim)
	Blocks       []*attention.TransformerBlock
	Norm         *RMSNorm       // final norm before the output head
	Output       *tensor.Tensor // (dim, vocab_size)
	Rope         *rope.Params
}

// New builds a model with all weights allocated and zero-initialized.
// Call RandomizeWeights to fill them; there is no checkpoint loading here.
func New(cfg Config) (*Llama2, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	rot, err := rope.Precompute(cfg.HeadDim(), cfg.MaxSeqLen, cfg.RopeTheta)
	if err != nil {
		return nil, fmt.Errorf("precomputing rope tables: %w", err)
	}

	m := &Llama2{
		Config:       cfg,
		TokEmbedding: tensor.New(cfg.VocabSize, cfg.Dim),
		Blocks:       make([]*attention.TransformerBlock, cfg.NumLayers),
		Norm:         NewRMSNorm(cfg.Dim, cfg.NormEps),
		Output:       tensor.New(cfg.Dim, cfg.VocabSize),
		Rope:         rot,
	}

	for i := range m.Blocks {
		var attn attention.SelfAttention
		if cfg.NumKVHeads == cfg.NumHeads {
			attn, err = attention.NewMultiHeadAttention(cfg.NumHeads, cfg.Dim)
		} else {
			attn, err = attention.NewGroupedQueryAttention(cfg.NumHeads, cfg.NumKVHeads, cfg.Dim)
		}
		if err != nil {
			return nil, fmt.Errorf("building attention for layer %d: %w", i, err)
		}
		m.Blocks[i] = attention.NewTransformerBlock(
			attn,
			NewFeedForward(cfg),
			NewRMSNorm(cfg.Dim, cfg.NormEps),
			NewRMSNorm(cfg.Dim, cfg.NormEps),
		)
	}
	return m, nil
}

// RandomizeWeights fills every parameter from a seeded source: embeddings
// and the output head from N(0, 0.02²) and the projection matrices with
// Xavier-uniform values. An untrained model generates noise, but a seeded
// one generates the same noise every run, which is what the demo and the
// tests need.
func (m *Llama2) RandomizeWeights(seed int64) {
	r := rand.New(rand.NewSource(seed))

	normalInit(r, m.TokEmbedding, 0.02)
	normalInit(r, m.Output, 0.02)

	for _, blk := range m.Blocks {
		switch a := blk.Attn.(type) {
		case *attention.MultiHeadAttention:
			xavierInit(r, a.WQuery)
			xavierInit(r, a.WKey)
			xavierInit(r, a.WValue)
			xavierInit(r, a.WOut)
		case *attention.GroupedQueryAttention:
			xavierInit(r, a.WQuery)
			xavierInit(r, a.WKey)
			xavierInit(r, a.WValue)
			xavierInit(r, a.WOut)
		}
		ff := blk.FF.(*FeedForward)
		xavierInit(r, ff.W1)
		xavierInit(r, ff.W2)
		xavierInit(r, ff.W3)
	}
}

func normalInit(r *rand.Rand, t *tensor.Tensor, std float32) {
	for i := range t.Data {
		t.Data[i] = float32(r.NormFloat64()) * std
	}
}

func xavierInit(r *rand.Rand, t *tensor.Tensor) {
	fanIn := t.Shape[len(t.Shape)-2]
	fanOut := t.Shape[len(t.Shape)-1]
	limit := math32.Sqrt(6 / float32(fanIn+fanOut))
	for i := range t.Data {
		t.Data[i] = (r.Float32()*2 - 1) * limit
	}
}

// Forward runs the full-sequence forward pass over a batch of token ids,
// returning logits of shape (batch, seq, vocab_size).
func (m *Llama2) Forward(tokens [][]int) (*tensor.Tensor, error) {
	return m.forward(tokens, nil, 0)
}

// ForwardWithCache runs one incremental decoding step. tokens holds only
// the new positions; offset is the number of positions already in the
// caches (one cache per layer, from NewCaches). Logits cover just the new
// positions.
func (m *Llama2) ForwardWithCache(tokens [][]int, caches []*attention.KVCache, offset int) (*tensor.Tensor, error) {
	if len(caches) != len(m.Blocks) {
		return nil, fmt.Errorf("got %d caches for %d layers", len(caches), len(m.Blocks))
	}
	return m.forward(tokens, caches, offset)
}

func (m *Llama2) forward(tokens [][]int, caches []*attention.KVCache, offset int) (*tensor.Tensor, error) {
	if len(tokens) == 0 || len(tokens[0]) == 0 {
		return nil, fmt.Errorf("empty token batch")
	}
	seqLen := len(tokens[0])
	for i, row := range tokens {
		if len(row) != seqLen {
			return nil, fmt.Errorf("ragged batch: row %d has %d tokens, row 0 has %d", i, len(row), seqLen)
		}
	}
	if offset+seqLen > m.Config.MaxSeqLen {
		return nil, fmt.Errorf("sequence length %d exceeds max seq len %d", offset+seqLen, m.Config.MaxSeqLen)
	}

	x, err := m.embed(tokens)
	if err != nil {
		return nil, err
	}

	for i, blk := range m.Blocks {
		var cache *attention.KVCache
		if caches != nil {
			cache = caches[i]
		}
		if x, err = blk.Forward(x, m.Rope, cache, offset); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}

	if x, err = m.Norm.Forward(x); err != nil {
		return nil, fmt.Errorf("final norm: %w", err)
	}

	logits, err := tensor.Matmul(x, m.Output)
	if err != nil {
		return nil, fmt.Errorf("output projection: %w", err)
	}
	return logits, nil
}

// embed looks up token embeddings, producing (batch, seq, dim).
func (m *Llama2) embed(tokens [][]int) (*tensor.Tensor, error) {
	batch, seqLen, dim := len(tokens), len(tokens[0]), m.Config.Dim
	out := tensor.New(batch, seqLen, dim)
	for b, row := range tokens {
		for s, id := range row {
			if id < 0 || id >= m.Config.VocabSize {
				return nil, fmt.Errorf("token id %d at (%d, %d) outside vocabulary of size %d",
					id, b, s, m.Config.VocabSize)
			}
			src := m.TokEmbedding.Data[id*dim : (id+1)*dim]
			dst := out.Data[(b*seqLen+s)*dim : (b*seqLen+s+1)*dim]
			copy(dst, src)
		}
	}
	return out, nil
}

// NewCaches allocates one KV cache per layer for a given batch size.
func (m *Llama2) NewCaches(batch int) []*attention.KVCache {
	caches := make([]*attention.KVCache, len(m.Blocks))
	for i := range caches {
		caches[i] = attention.NewKVCache(batch, m.Config.NumKVHeads, m.Config.MaxSeqLen, m.Config.HeadDim())
	}
	return caches
}

// NumParameters counts every weight in the model.
func (m *Llama2) NumParameters() int64 {
	count := int64(m.TokEmbedding.Size()) + int64(m.Output.Size()) + int64(len(m.Norm.Weight.Data))
	for _, blk := range m.Blocks {
		switch a := blk.Attn.(type) {
		case *attention.MultiHeadAttention:
			count += int64(a.WQuery.Size() + a.WKey.Size() + a.WValue.Size() + a.WOut.Size())
		case *attention.GroupedQueryAttention:
			count += int64(a.WQuery.Size() + a.WKey.Size() + a.WValue.Size() + a.WOut.Size())
		}
		ff := blk.FF.(*FeedForward)
		count += int64(ff.W1.Size() + ff.W2.Size() + ff.W3.Size())
		count += int64(len(blk.AttnNorm.(*RMSNorm).Weight.Data))
		count += int64(len(blk.FFNNorm.(*RMSNorm).Weight.Data))
	}
	return count
}

// MemoryBytes estimates parameter memory at a given storage width.
func (m *Llama2) MemoryBytes(dtype tensor.DType) int64 {
	return m.NumParameters() * int64(dtype.ByteSize())
}
