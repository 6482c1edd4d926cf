// Package sample turns a logit vector into a token id. Transforms reshape
// the distribution (temperature, top-k, top-p, min-p) and samplers pick
// from it, either greedily or by weighted draw.
package sample

import (
	"cmp"
	"errors"
	"math"
	"slices"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// Transform reshapes a logit distribution in place. Tokens are removed
// from consideration by setting their logit to -Inf.
type Transform interface {
	Apply([]float64) ([]float64, error)
}

// Sampler selects a token id from a logit vector after applying the given
// transforms in order.
type Sampler interface {
	Sample([]float32, ...Transform) (int, error)
}

func softmax(logits []float64) []float64 {
	probs := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		probs[i] = math.Exp(v)
		sum += probs[i]
	}
	floats.Scale(1/sum, probs)
	return probs
}

// Temperature divides logits by t. Values below 1 sharpen the
// distribution, values above 1 flatten it. Zero is rejected; use Greedy
// for deterministic decoding.
type Temperature float64

func (t Temperature) Apply(logits []float64) ([]float64, error) {
	if t == 0 {
		return nil, errors.New("temperature 0 is undefined, use the greedy sampler")
	}
	if t < 0 || t > 2 {
		return nil, errors.New("temperature must be in (0, 2]")
	}

	// Max subtraction keeps exp() in range for the softmax that follows.
	maxLogit := slices.Max(logits)
	for i := range logits {
		logits[i] = (logits[i] - maxLogit) / float64(t)
	}
	return logits, nil
}

type ranked struct {
	index int
	logit float64
}

func byLogitDesc(a, b ranked) int {
	return -cmp.Compare(a.logit, b.logit)
}

// TopK keeps the k highest logits and masks the rest.
type TopK int

func (k TopK) Apply(logits []float64) ([]float64, error) {
	if k <= 0 {
		return nil, errors.New("top-k must be greater than 0")
	}
	if int(k) >= len(logits) {
		return logits, nil
	}

	q := pq.NewWith(byLogitDesc)
	for i, logit := range logits {
		q.Enqueue(ranked{index: i, logit: logit})
	}

	keep := make(map[int]bool, k)
	for n := 0; n < int(k); n++ {
		top, _ := q.Dequeue()
		keep[top.index] = true
	}
	for i := range logits {
		if !keep[i] {
			logits[i] = math.Inf(-1)
		}
	}
	return logits, nil
}

// TopP (nucleus sampling) keeps the smallest set of tokens whose
// cumulative probability exceeds p.
type TopP float64

func (p TopP) Apply(logits []float64) ([]float64, error) {
	if p <= 0 || p >= 1 {
		return nil, errors.New("top-p must be in (0, 1)")
	}

	probs := softmax(logits)
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(i, j int) int {
		return cmp.Compare(probs[j], probs[i])
	})

	var cum float64
	for i, idx := range order {
		cum += probs[idx]
		if cum > float64(p) {
			for _, rest := range order[i+1:] {
				logits[rest] = math.Inf(-1)
			}
			break
		}
	}
	return logits, nil
}

// MinP masks tokens whose probability falls below p times the probability
// of the most likely token.
type MinP float64

func (p MinP) Apply(logits []float64) ([]float64, error) {
	if p <= 0 || p >= 1 {
		return nil, errors.New("min-p must be in (0, 1)")
	}

	probs := softmax(logits)
	threshold := slices.Max(probs) * float64(p)
	for i, prob := range probs {
		if prob < threshold {
			logits[i] = math.Inf(-1)
		}
	}
	return logits, nil
}

type greedy struct{}

// Greedy returns a sampler that always picks the highest logit. Transforms
// that only rescale logits cannot change its choice, so it applies none.
func Greedy() Sampler {
	return greedy{}
}

func (greedy) Sample(logits []float32, _ ...Transform) (int, error) {
	if len(logits) == 0 {
		return -1, errors.New("empty logit vector")
	}
	logits64 := make([]float64, len(logits))
	for i, v := range logits {
		logits64[i] = float64(v)
	}
	return floats.MaxIdx(logits64), nil
}

type weighted struct {
	src rand.Source
}

// Weighted returns a sampler that draws from the softmax distribution of
// the surviving logits. A nil seed uses the global source.
func Weighted(seed *int64) Sampler {
	var src rand.Source
	if seed != nil {
		src = rand.NewSource(uint64(*seed))
	}
	return weighted{src: src}
}

func (s weighted) Sample(logits []float32, transforms ...Transform) (int, error) {
	if len(logits) == 0 {
		return -1, errors.New("empty logit vector")
	}

	logits64 := make([]float64, len(logits))
	for i, v := range logits {
		logits64[i] = float64(v)
	}

	var err error
	for _, t := range transforms {
		if logits64, err = t.Apply(logits64); err != nil {
			return -1, err
		}
	}

	// Drop masked tokens before the draw; sampleuv rejects -Inf weights.
	kept := make([]float64, 0, len(logits64))
	indices := make([]int, 0, len(logits64))
	for i, logit := range logits64 {
		if !math.IsInf(logit, -1) {
			kept = append(kept, logit)
			indices = append(indices, i)
		}
	}
	if len(kept) == 0 {
		return -1, errors.New("transforms masked every token")
	}

	w := sampleuv.NewWeighted(softmax(kept), s.src)
	if idx, ok := w.Take(); ok {
		return indices[idx], nil
	}
	return -1, errors.New("weighted draw failed")
}
