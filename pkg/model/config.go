// Package model implements a Llama2-style decoder-only transformer:
// RMSNorm, rotary position embeddings, causal multi-head attention with an
// optional grouped-query variant, a SiLU-gated feed-forward block, and the
// composition of these into transformer blocks and a full model.
//
// The implementation is forward-pass only. There is no training loop and no
// checkpoint loading; weights are randomly initialized, which is enough to
// exercise every shape contract and numeric property of the architecture.
package model

import "fmt"

// Config holds the Llama2 architecture hyperparameters.
type Config struct {
	// Dim is the model (embedding) dimension: 4096 for Llama2 7B.
	Dim int

	// NumLayers is the number of stacked transformer blocks: 32 for 7B.
	NumLayers int

	// NumHeads is the number of query heads: 32 for 7B.
	NumHeads int

	// NumKVHeads is the number of key/value heads. Equal to NumHeads for
	// standard multi-head attention (7B/13B); smaller for grouped-query
	// attention (70B uses 8).
	NumKVHeads int

	// VocabSize is the tokenizer vocabulary size: 32000 for Llama2.
	VocabSize int

	// MultipleOf rounds the feed-forward hidden dimension up to a multiple
	// of this value: 256 for Llama2.
	MultipleOf int

	// NormEps is the RMSNorm epsilon: 1e-5 for Llama2.
	NormEps float32

	// MaxSeqLen is the maximum context length: 4096 for Llama2.
	MaxSeqLen int

	// RopeTheta is the rotary embedding frequency base: 10000 for Llama2.
	RopeTheta float32
}

// Llama2_7B returns the hyperparameters of the 7B parameter model.
func Llama2_7B() Config {
	return Config{
		Dim:        4096,
		NumLayers:  32,
		NumHeads:   32,
		NumKVHeads: 32,
		VocabSize:  32000,
		MultipleOf: 256,
		NormEps:    1e-5,
		MaxSeqLen:  4096,
		RopeTheta:  10000,
	}
}

// Small returns a toy configuration that keeps the full architecture but
// runs in milliseconds. Used by the demo CLI and the tests.
func Small() Config {
	return Config{
		Dim:        64,
		NumLayers:  4,
		NumHeads:   4,
		NumKVHeads: 4,
		VocabSize:  512,
		MultipleOf: 32,
		NormEps:    1e-5,
		MaxSeqLen:  256,
		RopeTheta:  10000,
	}
}

// Validate checks that the hyperparameters are internally consistent.
func (c Config) Validate() error {
	if c.Dim <= 0 || c.NumLayers <= 0 || c.VocabSize <= 0 || c.MaxSeqLen <= 0 {
		return fmt.Errorf("dim, layers, vocab size, and max seq len must all be positive")
	}
	if c.NumHeads <= 0 || c.Dim%c.NumHeads != 0 {
		return fmt.Errorf("dim (%d) must be divisible by num heads (%d)", c.Dim, c.NumHeads)
	}
	if c.NumKVHeads <= 0 || c.NumKVHeads > c.NumHeads || c.NumHeads%c.NumKVHeads != 0 {
		return fmt.Errorf("num heads (%d) must be a multiple of num kv heads (%d)",
			c.NumHeads, c.NumKVHeads)
	}
	if c.HeadDim()%2 != 0 {
		return fmt.Errorf("head dim (%d) must be even for rotary embeddings", c.HeadDim())
	}
	if c.MultipleOf <= 0 {
		return fmt.Errorf("multiple_of must be positive, got %d", c.MultipleOf)
	}
	if c.NormEps <= 0 {
		return fmt.Errorf("norm eps must be positive, got %v", c.NormEps)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("rope theta must be positive, got %v", c.RopeTheta)
	}
	return nil
}

// HeadDim returns the per-head dimension.
func (c Config) HeadDim() int {
	return c.Dim / c.NumHeads
}

// HiddenDim returns the feed-forward hidden dimension using the Llama2
// sizing rule: two thirds of 4*dim, rounded up to a multiple of MultipleOf.
// The 2/3 factor keeps the parameter count of the three-matrix SwiGLU block
// comparable to a classic two-matrix FFN.
func (c Config) HiddenDim() int {
	hidden := 2 * (4 * c.Dim) / 3
	return c.MultipleOf * ((hidden + c.MultipleOf - 1) / c.MultipleOf)
}
