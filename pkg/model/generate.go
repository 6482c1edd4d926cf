package model

import (
	"fmt"

	"llamago/pkg/sample"
	"llamago/pkg/tensor"
)

// GenerateOptions controls the decoding loop.
type GenerateOptions struct {
	// MaxNewTokens bounds how many tokens are generated after the prompt.
	MaxNewTokens int

	// Temperature of 0 selects greedy decoding; anything else enables
	// weighted sampling.
	Temperature float32

	// TopK, TopP, and MinP each apply only when set to a meaningful value
	// (k > 0, p in (0, 1)). They are ignored under greedy decoding.
	TopK int
	TopP float32
	MinP float32

	// Seed makes weighted sampling reproducible. Nil draws from the
	// global source.
	Seed *int64

	// OnToken, when set, is called with each generated token as soon as
	// it is sampled.
	OnToken func(token int)
}

// Generate decodes up to MaxNewTokens tokens after the prompt and returns
// only the newly generated ids. The prompt is processed in a single
// prefill pass; every subsequent step feeds one token through the KV
// caches. Prompts longer than the context window are cropped to their
// final MaxSeqLen-1 tokens so at least one token can be generated.
func (m *Llama2) Generate(prompt []int, opts GenerateOptions) ([]int, error) {
	if len(prompt) == 0 {
		return nil, fmt.Errorf("empty prompt")
	}
	if opts.MaxNewTokens <= 0 {
		return nil, fmt.Errorf("max new tokens must be positive, got %d", opts.MaxNewTokens)
	}

	if limit := m.Config.MaxSeqLen - 1; len(prompt) > limit {
		prompt = prompt[len(prompt)-limit:]
	}

	sampler, transforms := opts.sampler()

	caches := m.NewCaches(1)
	logits, err := m.ForwardWithCache([][]int{prompt}, caches, 0)
	if err != nil {
		return nil, fmt.Errorf("prefill: %w", err)
	}

	generated := make([]int, 0, opts.MaxNewTokens)
	pos := len(prompt)
	for len(generated) < opts.MaxNewTokens && pos < m.Config.MaxSeqLen {
		last := lastPositionLogits(logits)
		next, err := sampler.Sample(last, transforms...)
		if err != nil {
			return generated, fmt.Errorf("sampling at position %d: %w", pos, err)
		}
		generated = append(generated, next)
		if opts.OnToken != nil {
			opts.OnToken(next)
		}
		if len(generated) == opts.MaxNewTokens || pos == m.Config.MaxSeqLen-1 {
			break
		}

		if logits, err = m.ForwardWithCache([][]int{{next}}, caches, pos); err != nil {
			return generated, fmt.Errorf("decoding at position %d: %w", pos, err)
		}
		pos++
	}
	return generated, nil
}

func (o GenerateOptions) sampler() (sample.Sampler, []sample.Transform) {
	if o.Temperature == 0 {
		return sample.Greedy(), nil
	}

	transforms := []sample.Transform{sample.Temperature(o.Temperature)}
	if o.TopK > 0 {
		transforms = append(transforms, sample.TopK(o.TopK))
	}
	if o.TopP > 0 && o.TopP < 1 {
		transforms = append(transforms, sample.TopP(o.TopP))
	}
	if o.MinP > 0 && o.MinP < 1 {
		transforms = append(transforms, sample.MinP(o.MinP))
	}
	return sample.Weighted(o.Seed), transforms
}

// lastPositionLogits extracts the vocab-sized logit row for the final
// position of a (1, seq, vocab) tensor.
func lastPositionLogits(logits *tensor.Tensor) []float32 {
	vocab := logits.Shape[len(logits.Shape)-1]
	return logits.Data[len(logits.Data)-vocab:]
}
