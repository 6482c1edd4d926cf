package tensor

import (
	"fmt"
	"runtime"

	"github.com/chewxy/math32"
	"golang.org/x/sync/errgroup"
)

// parallelThreshold is the number of multiply-adds below which Matmul stays
// on one goroutine. Spawning goroutines for tiny matrices costs more than
// the arithmetic itself.
const parallelThreshold = 64 * 1024

// Matmul multiplies over the last two dimensions.
// Shapes (..., m, n) @ (..., n, p) produce (..., m, p). A 2D operand paired
// with a 3D operand is broadcast over the batch dimension.
func Matmul(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) < 2 || len(b.Shape) < 2 {
		return nil, fmt.Errorf("matmul requires at least 2D tensors, got %dD and %dD",
			len(a.Shape), len(b.Shape))
	}

	n := a.Shape[len(a.Shape)-1]
	if b.Shape[len(b.Shape)-2] != n {
		return nil, fmt.Errorf("matmul shape mismatch: %v @ %v (inner dimensions %d and %d)",
			a.Shape, b.Shape, n, b.Shape[len(b.Shape)-2])
	}

	switch {
	case len(a.Shape) == 3 && len(b.Shape) == 2:
		// (batch, m, n) @ (n, p): fold batch into rows.
		batch, m := a.Shape[0], a.Shape[1]
		flat, err := matmul2D(a.Reshape(batch*m, n), b)
		if err != nil {
			return nil, err
		}
		return flat.Reshape(batch, m, b.Shape[1]), nil
	case len(a.Shape) == 2 && len(b.Shape) == 3:
		return matmulBroadcastLeft(a, b)
	case len(a.Shape) == 2 && len(b.Shape) == 2:
		return matmul2D(a, b)
	default:
		return matmulBatched(a, b)
	}
}

// matmul2D computes (m, n) @ (n, p), splitting rows across goroutines when
// the work is large enough to pay for it.
func matmul2D(a, b *Tensor) (*Tensor, error) {
	m, n := a.Shape[0], a.Shape[1]
	p := b.Shape[1]
	out := New(m, p)

	row := func(i int) {
		for j := 0; j < n; j++ {
			av := a.Data[i*n+j]
			if av == 0 {
				continue
			}
			bRow := b.Data[j*p : (j+1)*p]
			oRow := out.Data[i*p : (i+1)*p]
			for k := range bRow {
				oRow[k] += av * bRow[k]
			}
		}
	}

	if m*n*p < parallelThreshold {
		for i := 0; i < m; i++ {
			row(i)
		}
		return out, nil
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	chunk := (m + runtime.GOMAXPROCS(0) - 1) / runtime.GOMAXPROCS(0)
	for start := 0; start < m; start += chunk {
		start := start
		end := min(start+chunk, m)
		g.Go(func() error {
			for i := start; i < end; i++ {
				row(i)
			}
			return nil
		})
	}
	// Workers never return errors; Wait is for joining only.
	_ = g.Wait()
	return out, nil
}

// matmulBroadcastLeft computes (m, n) @ (batch, n, p) -> (batch, m, p).
func matmulBroadcastLeft(a, b *Tensor) (*Tensor, error) {
	m, n := a.Shape[0], a.Shape[1]
	batch, p := b.Shape[0], b.Shape[2]
	out := New(batch, m, p)
	for bi := 0; bi < batch; bi++ {
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				av := a.Data[i*n+j]
				if av == 0 {
					continue
				}
				bRow := b.Data[(bi*n+j)*p : (bi*n+j+1)*p]
				oRow := out.Data[(bi*m+i)*p : (bi*m+i+1)*p]
				for k := range bRow {
					oRow[k] += av * bRow[k]
				}
			}
		}
	}
	return out, nil
}

// matmulBatched multiplies tensors whose leading dimensions agree, treating
// them as stacks of matrices.
func matmulBatched(a, b *Tensor) (*Tensor, error) {
	ra, rb := len(a.Shape), len(b.Shape)
	if ra != rb {
		return nil, fmt.Errorf("batched matmul requires equal ranks, got %v and %v", a.Shape, b.Shape)
	}
	for i := 0; i < ra-2; i++ {
		if a.Shape[i] != b.Shape[i] {
			return nil, fmt.Errorf("batch dimensions differ: %v vs %v", a.Shape, b.Shape)
		}
	}

	m, n, p := a.Shape[ra-2], a.Shape[ra-1], b.Shape[rb-1]
	batch := 1
	for _, dim := range a.Shape[:ra-2] {
		batch *= dim
	}

	outShape := append(copyShape(a.Shape[:ra-2]), m, p)
	out := New(outShape...)

	one := func(bi int) {
		aOff, bOff, oOff := bi*m*n, bi*n*p, bi*m*p
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				av := a.Data[aOff+i*n+j]
				if av == 0 {
					continue
				}
				bRow := b.Data[bOff+j*p : bOff+(j+1)*p]
				oRow := out.Data[oOff+i*p : oOff+(i+1)*p]
				for k := range bRow {
					oRow[k] += av * bRow[k]
				}
			}
		}
	}

	if batch*m*n*p < parallelThreshold {
		for bi := 0; bi < batch; bi++ {
			one(bi)
		}
		return out, nil
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for bi := 0; bi < batch; bi++ {
		bi := bi
		g.Go(func() error {
			one(bi)
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// Scale returns t with every element multiplied by s.
func (t *Tensor) Scale(s float32) *Tensor {
	out := New(t.Shape...)
	for i, v := range t.Data {
		out.Data[i] = v * s
	}
	return out
}

// Softmax normalizes along the last dimension, subtracting the row max first
// so large logits do not overflow.
func Softmax(t *Tensor) *Tensor {
	if len(t.Shape) == 0 {
		return t.Clone()
	}
	width := t.Shape[len(t.Shape)-1]
	out := New(t.Shape...)

	for off := 0; off < len(t.Data); off += width {
		row := t.Data[off : off+width]
		oRow := out.Data[off : off+width]

		maxVal := math32.Inf(-1)
		for _, v := range row {
			if v > maxVal {
				maxVal = v
			}
		}

		var sum float32
		for i, v := range row {
			e := math32.Exp(v - maxVal)
			oRow[i] = e
			sum += e
		}
		for i := range oRow {
			oRow[i] /= sum
		}
	}
	return out
}

// Add performs element-wise addition with trailing-dimension broadcasting.
func Add(a, b *Tensor) (*Tensor, error) {
	return elementwise(a, b, func(x, y float32) float32 { return x + y })
}

// Mul performs element-wise multiplication with trailing-dimension broadcasting.
func Mul(a, b *Tensor) (*Tensor, error) {
	return elementwise(a, b, func(x, y float32) float32 { return x * y })
}

func elementwise(a, b *Tensor, op func(x, y float32) float32) (*Tensor, error) {
	// Fast path: identical shapes.
	if a.SameShape(b) {
		out := New(a.Shape...)
		for i := range a.Data {
			out.Data[i] = op(a.Data[i], b.Data[i])
		}
		return out, nil
	}

	outShape, err := broadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, fmt.Errorf("cannot broadcast shapes %v and %v: %w", a.Shape, b.Shape, err)
	}

	out := New(outShape...)
	indices := make([]int, len(outShape))
	var walk func(dim int)
	walk = func(dim int) {
		if dim == len(outShape) {
			x := a.Data[broadcastOffset(indices, outShape, a.Shape)]
			y := b.Data[broadcastOffset(indices, outShape, b.Shape)]
			out.Data[out.FlatIndex(indices...)] = op(x, y)
			return
		}
		for i := 0; i < outShape[dim]; i++ {
			indices[dim] = i
			walk(dim + 1)
		}
	}
	walk(0)
	return out, nil
}

// broadcastShapes resolves two shapes under numpy-style trailing alignment.
func broadcastShapes(a, b []int) ([]int, error) {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := 0; i < n; i++ {
		da, db := 1, 1
		if i < len(a) {
			da = a[len(a)-1-i]
		}
		if i < len(b) {
			db = b[len(b)-1-i]
		}
		if da != db && da != 1 && db != 1 {
			return nil, fmt.Errorf("dimensions %d and %d are incompatible", da, db)
		}
		out[n-1-i] = max(da, db)
	}
	return out, nil
}

// broadcastOffset maps output indices back to a flat offset in a (possibly
// lower-rank or size-1-dimension) input shape.
func broadcastOffset(outIndices, outShape, inShape []int) int {
	diff := len(outShape) - len(inShape)
	strides := computeStrides(inShape)
	off := 0
	for i := range inShape {
		ix := outIndices[i+diff]
		if inShape[i] == 1 {
			ix = 0
		}
		off += ix * strides[i]
	}
	return off
}

// Concat joins tensors along dimension 0. All other dimensions must agree.
func Concat(tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("concat of zero tensors")
	}
	first := tensors[0]
	outShape := copyShape(first.Shape)
	for i, t := range tensors[1:] {
		if len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("tensor %d has rank %d, want %d", i+1, len(t.Shape), len(first.Shape))
		}
		for d := 1; d < len(t.Shape); d++ {
			if t.Shape[d] != first.Shape[d] {
				return nil, fmt.Errorf("tensor %d shape %v does not match %v past dimension 0",
					i+1, t.Shape, first.Shape)
			}
		}
		outShape[0] += t.Shape[0]
	}

	out := New(outShape...)
	off := 0
	for _, t := range tensors {
		copy(out.Data[off:off+len(t.Data)], t.Data)
		off += len(t.Data)
	}
	return out, nil
}

// CausalMask builds a (seqLen, offset+seqLen) mask where entry (i, j) is 1
// when key position j is visible to query position offset+i, 0 otherwise.
// A non-zero offset covers incremental decoding against a KV cache, where
// queries start partway into the sequence but attend to all cached keys.
func CausalMask(seqLen, offset int) *Tensor {
	kvLen := offset + seqLen
	mask := New(seqLen, kvLen)
	for i := 0; i < seqLen; i++ {
		for j := 0; j <= offset+i; j++ {
			mask.Data[i*kvLen+j] = 1
		}
	}
	return mask
}

// ApplyMask sets score entries to -inf where the mask is 0. Scores may carry
// leading batch/head dimensions; the mask covers the trailing two.
func ApplyMask(scores, mask *Tensor) (*Tensor, error) {
	if len(mask.Shape) != 2 {
		return nil, fmt.Errorf("mask must be 2D, got shape %v", mask.Shape)
	}
	n := len(scores.Shape)
	if n < 2 || scores.Shape[n-2] != mask.Shape[0] || scores.Shape[n-1] != mask.Shape[1] {
		return nil, fmt.Errorf("mask shape %v does not cover score shape %v", mask.Shape, scores.Shape)
	}

	out := scores.Clone()
	tile := len(mask.Data)
	negInf := math32.Inf(-1)
	for off := 0; off < len(out.Data); off += tile {
		for i, m := range mask.Data {
			if m == 0 {
				out.Data[off+i] = negInf
			}
		}
	}
	return out, nil
}
