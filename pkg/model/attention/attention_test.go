package attention

import (
	"math"
	"math/rand"
	"testing"

	"llamago/pkg/model/rope"
	"llamago/pkg/tensor"
)

// fill populates a tensor with deterministic pseudo-random weights in
// roughly the magnitude a trained model would have.
func fill(t *tensor.Tensor, seed int64) {
	r := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = float32(r.NormFloat64()) * 0.1
	}
}

func TestCausalSelfAttentionShape(t *testing.T) {
	c := NewCausalSelfAttention(8, 8)
	fill(c.WQuery, 1)
	fill(c.WKey, 2)
	fill(c.WValue, 3)

	x := tensor.New(2, 5, 8)
	fill(x, 4)

	out, err := c.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !out.SameShape(x) {
		t.Errorf("output shape %v, want %v", out.Shape, x.Shape)
	}

	if _, err := c.Forward(tensor.New(2, 5, 9)); err == nil {
		t.Error("accepted mismatched input dimension")
	}
	if _, err := c.Forward(tensor.New(5, 8)); err == nil {
		t.Error("accepted 2D input")
	}
}

func TestCausalSelfAttentionIsCausal(t *testing.T) {
	c := NewCausalSelfAttention(4, 4)
	fill(c.WQuery, 1)
	fill(c.WKey, 2)
	fill(c.WValue, 3)

	x := tensor.New(1, 4, 4)
	fill(x, 4)

	before, err := c.Forward(x)
	if err != nil {
		t.Fatal(err)
	}

	// Perturb the last token; outputs for earlier positions must not move.
	mut := x.Clone()
	for d := 0; d < 4; d++ {
		mut.Set(99, 0, 3, d)
	}
	after, err := c.Forward(mut)
	if err != nil {
		t.Fatal(err)
	}

	for s := 0; s < 3; s++ {
		for d := 0; d < 4; d++ {
			if before.At(0, s, d) != after.At(0, s, d) {
				t.Fatalf("position %d leaked information from the future", s)
			}
		}
	}
}

func TestMultiHeadAttentionShape(t *testing.T) {
	m, err := NewMultiHeadAttention(4, 16)
	if err != nil {
		t.Fatal(err)
	}
	fill(m.WQuery, 1)
	fill(m.WKey, 2)
	fill(m.WValue, 3)
	fill(m.WOut, 4)

	rot, err := rope.Precompute(4, 32, 10000)
	if err != nil {
		t.Fatal(err)
	}

	x := tensor.New(2, 6, 16)
	fill(x, 5)

	out, err := m.Forward(x, rot, nil, 0)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !out.SameShape(x) {
		t.Errorf("output shape %v, want %v", out.Shape, x.Shape)
	}
}

func TestNewMultiHeadAttentionValidation(t *testing.T) {
	if _, err := NewMultiHeadAttention(3, 16); err == nil {
		t.Error("accepted dim not divisible by heads")
	}
	if _, err := NewMultiHeadAttention(0, 16); err == nil {
		t.Error("accepted zero heads")
	}
}

func TestMultiHeadAttentionIsCausal(t *testing.T) {
	m, err := NewMultiHeadAttention(2, 8)
	if err != nil {
		t.Fatal(err)
	}
	fill(m.WQuery, 1)
	fill(m.WKey, 2)
	fill(m.WValue, 3)
	fill(m.WOut, 4)

	rot, err := rope.Precompute(4, 16, 10000)
	if err != nil {
		t.Fatal(err)
	}

	x := tensor.New(1, 5, 8)
	fill(x, 5)
	before, err := m.Forward(x, rot, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	mut := x.Clone()
	for d := 0; d < 8; d++ {
		mut.Set(-7, 0, 4, d)
	}
	after, err := m.Forward(mut, rot, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	for s := 0; s < 4; s++ {
		for d := 0; d < 8; d++ {
			if before.At(0, s, d) != after.At(0, s, d) {
				t.Fatalf("position %d saw the perturbed future token", s)
			}
		}
	}
}

func TestMultiHeadAttentionIncrementalMatchesFull(t *testing.T) {
	// Decoding one token at a time against the KV cache must reproduce the
	// full-sequence forward pass exactly (up to float noise).
	const seqLen, dim, heads = 6, 8, 2
	m, err := NewMultiHeadAttention(heads, dim)
	if err != nil {
		t.Fatal(err)
	}
	fill(m.WQuery, 1)
	fill(m.WKey, 2)
	fill(m.WValue, 3)
	fill(m.WOut, 4)

	rot, err := rope.Precompute(dim/heads, 32, 10000)
	if err != nil {
		t.Fatal(err)
	}

	x := tensor.New(1, seqLen, dim)
	fill(x, 5)

	full, err := m.Forward(x, rot, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	cache := NewKVCache(1, heads, 32, dim/heads)
	for s := 0; s < seqLen; s++ {
		step, err := x.Narrow([]int{0, s, 0}, []int{1, s + 1, dim})
		if err != nil {
			t.Fatal(err)
		}
		got, err := m.Forward(step, rot, cache, s)
		if err != nil {
			t.Fatalf("step %d failed: %v", s, err)
		}
		for d := 0; d < dim; d++ {
			want := full.At(0, s, d)
			if math.Abs(float64(got.At(0, 0, d)-want)) > 1e-4 {
				t.Fatalf("step %d dim %d: incremental %v, full %v", s, d, got.At(0, 0, d), want)
			}
		}
	}
}

func TestMultiHeadAttentionCacheOffsetMismatch(t *testing.T) {
	m, err := NewMultiHeadAttention(2, 8)
	if err != nil {
		t.Fatal(err)
	}
	cache := NewKVCache(1, 2, 16, 4)
	if _, err := m.Forward(tensor.New(1, 1, 8), nil, cache, 3); err == nil {
		t.Error("accepted an offset that disagrees with the cache length")
	}
}

func TestGroupedQueryMatchesMultiHeadWhenUngrouped(t *testing.T) {
	// With NumKVHeads == NumHeads the two implementations are the same
	// function; share weights and compare.
	const dim, heads = 12, 3
	m, err := NewMultiHeadAttention(heads, dim)
	if err != nil {
		t.Fatal(err)
	}
	g, err := NewGroupedQueryAttention(heads, heads, dim)
	if err != nil {
		t.Fatal(err)
	}
	fill(m.WQuery, 1)
	fill(m.WKey, 2)
	fill(m.WValue, 3)
	fill(m.WOut, 4)
	copy(g.WQuery.Data, m.WQuery.Data)
	copy(g.WKey.Data, m.WKey.Data)
	copy(g.WValue.Data, m.WValue.Data)
	copy(g.WOut.Data, m.WOut.Data)

	rot, err := rope.Precompute(dim/heads, 16, 10000)
	if err != nil {
		t.Fatal(err)
	}

	x := tensor.New(2, 4, dim)
	fill(x, 5)

	a, err := m.Forward(x, rot, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := g.Forward(x, rot, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !a.AllClose(b, 1e-5) {
		t.Error("GQA with kv_heads == heads diverged from multi-head attention")
	}
}

func TestGroupedQuerySharesKVHeads(t *testing.T) {
	const dim, heads, kvHeads = 8, 4, 2
	g, err := NewGroupedQueryAttention(heads, kvHeads, dim)
	if err != nil {
		t.Fatal(err)
	}
	if g.GroupSize != 2 {
		t.Fatalf("GroupSize = %d, want 2", g.GroupSize)
	}
	if g.WKey.Shape[1] != kvHeads*g.HeadDim {
		t.Errorf("WKey shape %v, want kv projection width %d", g.WKey.Shape, kvHeads*g.HeadDim)
	}

	fill(g.WQuery, 1)
	fill(g.WKey, 2)
	fill(g.WValue, 3)
	fill(g.WOut, 4)

	x := tensor.New(1, 3, dim)
	fill(x, 5)
	out, err := g.Forward(x, nil, nil, 0)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !out.SameShape(x) {
		t.Errorf("output shape %v, want %v", out.Shape, x.Shape)
	}
}

func TestGroupedQueryIncrementalMatchesFull(t *testing.T) {
	const seqLen, dim, heads, kvHeads = 5, 8, 4, 2
	g, err := NewGroupedQueryAttention(heads, kvHeads, dim)
	if err != nil {
		t.Fatal(err)
	}
	fill(g.WQuery, 1)
	fill(g.WKey, 2)
	fill(g.WValue, 3)
	fill(g.WOut, 4)

	rot, err := rope.Precompute(dim/heads, 16, 10000)
	if err != nil {
		t.Fatal(err)
	}

	x := tensor.New(1, seqLen, dim)
	fill(x, 9)

	full, err := g.Forward(x, rot, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Note the cache is sized for kvHeads, not heads.
	cache := NewKVCache(1, kvHeads, 16, dim/heads)
	for s := 0; s < seqLen; s++ {
		step, err := x.Narrow([]int{0, s, 0}, []int{1, s + 1, dim})
		if err != nil {
			t.Fatal(err)
		}
		got, err := g.Forward(step, rot, cache, s)
		if err != nil {
			t.Fatalf("step %d failed: %v", s, err)
		}
		for d := 0; d < dim; d++ {
			if math.Abs(float64(got.At(0, 0, d)-full.At(0, s, d))) > 1e-4 {
				t.Fatalf("step %d dim %d: incremental %v, full %v",
					s, d, got.At(0, 0, d), full.At(0, s, d))
			}
		}
	}
}

func TestKVCacheUpdate(t *testing.T) {
	cache := NewKVCache(1, 2, 4, 3)

	k1 := tensor.New(1, 2, 2, 3)
	v1 := tensor.New(1, 2, 2, 3)
	fill(k1, 1)
	fill(v1, 2)

	k, v, err := cache.Update(k1, v1)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if cache.Len() != 2 {
		t.Errorf("Len() = %d, want 2", cache.Len())
	}
	if k.Shape[2] != 2 || v.Shape[2] != 2 {
		t.Errorf("returned seq lengths %d/%d, want 2", k.Shape[2], v.Shape[2])
	}
	if !k.AllClose(k1, 0) {
		t.Error("first update did not return the inserted keys")
	}

	// Append one more position and check the prefix survived.
	k2 := tensor.New(1, 2, 1, 3)
	v2 := tensor.New(1, 2, 1, 3)
	fill(k2, 3)
	fill(v2, 4)

	k, _, err = cache.Update(k2, v2)
	if err != nil {
		t.Fatal(err)
	}
	if cache.Len() != 3 {
		t.Errorf("Len() = %d, want 3", cache.Len())
	}
	for h := 0; h < 2; h++ {
		for d := 0; d < 3; d++ {
			if k.At(0, h, 0, d) != k1.At(0, h, 0, d) {
				t.Fatal("cached prefix was overwritten by a later update")
			}
			if k.At(0, h, 2, d) != k2.At(0, h, 0, d) {
				t.Fatal("appended keys not stored at the cache tail")
			}
		}
	}
}

func TestKVCacheOverflow(t *testing.T) {
	cache := NewKVCache(1, 1, 2, 4)
	k := tensor.New(1, 1, 3, 4)
	if _, _, err := cache.Update(k, k.Clone()); err == nil {
		t.Error("accepted more positions than capacity")
	}
}

func TestKVCacheShapeMismatch(t *testing.T) {
	cache := NewKVCache(1, 2, 4, 3)
	if _, _, err := cache.Update(tensor.New(1, 3, 1, 3), tensor.New(1, 3, 1, 3)); err == nil {
		t.Error("accepted wrong kv head count")
	}
	if _, _, err := cache.Update(tensor.New(1, 2, 1, 3), tensor.New(1, 2, 2, 3)); err == nil {
		t.Error("accepted mismatched key/value shapes")
	}
}

func TestKVCacheReset(t *testing.T) {
	cache := NewKVCache(1, 1, 4, 2)
	k := tensor.New(1, 1, 2, 2)
	if _, _, err := cache.Update(k, k.Clone()); err != nil {
		t.Fatal(err)
	}
	cache.Reset()
	if cache.Len() != 0 {
		t.Errorf("Len() after Reset = %d, want 0", cache.Len())
	}
	if _, _, err := cache.Update(k, k.Clone()); err != nil {
		t.Errorf("Update after Reset failed: %v", err)
	}
}

// passNorm passes input through unchanged, isolating the block's residual
// wiring in tests.
type passNorm struct{}

func (passNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) { return x.Clone(), nil }

type zeroFF struct{}

func (zeroFF) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.New(x.Shape...), nil
}

func TestTransformerBlockResidual(t *testing.T) {
	// With zero attention weights and a zero feed-forward, the block must
	// be the identity: both sublayers contribute nothing past the residual.
	m, err := NewMultiHeadAttention(2, 8)
	if err != nil {
		t.Fatal(err)
	}
	blk := NewTransformerBlock(m, zeroFF{}, passNorm{}, passNorm{})

	x := tensor.New(1, 3, 8)
	fill(x, 7)

	out, err := blk.Forward(x, nil, nil, 0)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !out.AllClose(x, 1e-6) {
		t.Error("identity sublayers did not produce an identity block")
	}
}
