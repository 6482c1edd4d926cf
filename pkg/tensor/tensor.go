// Package tensor provides the minimal float32 tensor operations needed by a
// decoder-only transformer: shape/stride bookkeeping, matrix multiplication,
// softmax, broadcasting element-wise ops, and causal masking.
//
// Everything here is a plain function of its inputs. There is no autograd,
// no device abstraction, and no in-place mutation unless a method says so.
package tensor

import (
	"fmt"
	"strings"

	"github.com/chewxy/math32"
)

// Tensor is a multi-dimensional array of float32 values stored flat in
// row-major order, with precomputed strides for indexing.
type Tensor struct {
	Data    []float32
	Shape   []int
	Strides []int
}

// New creates a tensor of the given shape, initialized to zeros.
func New(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Tensor{
		Data:    make([]float32, size),
		Shape:   copyShape(shape),
		Strides: computeStrides(shape),
	}
}

// FromSlice creates a tensor that copies data into the given shape.
// The data length must match the shape's element count exactly.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	want := 1
	for _, dim := range shape {
		if dim < 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v", dim, shape)
		}
		want *= dim
	}
	if len(data) != want {
		return nil, fmt.Errorf("data size %d does not match shape %v (want %d elements)",
			len(data), shape, want)
	}
	t := New(shape...)
	copy(t.Data, data)
	return t, nil
}

// computeStrides returns row-major strides for a shape.
func computeStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func copyShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

// Size returns the total number of elements.
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// NumDims returns the rank of the tensor.
func (t *Tensor) NumDims() int {
	return len(t.Shape)
}

// FlatIndex converts multi-dimensional indices to a flat offset.
// Panics on out-of-range indices; indexing bugs are programmer errors.
func (t *Tensor) FlatIndex(indices ...int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("got %d indices for a %d-dimensional tensor", len(indices), len(t.Shape)))
	}
	idx := 0
	for i, ix := range indices {
		if ix < 0 || ix >= t.Shape[i] {
			panic(fmt.Sprintf("index %d out of range for dimension %d (size %d)", ix, i, t.Shape[i]))
		}
		idx += ix * t.Strides[i]
	}
	return idx
}

// At returns the value at the given indices.
func (t *Tensor) At(indices ...int) float32 {
	return t.Data[t.FlatIndex(indices...)]
}

// Set stores a value at the given indices.
func (t *Tensor) Set(value float32, indices ...int) {
	t.Data[t.FlatIndex(indices...)] = value
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := New(t.Shape...)
	copy(out.Data, t.Data)
	return out
}

// View returns a tensor with a different shape sharing the same data.
func (t *Tensor) View(shape ...int) (*Tensor, error) {
	size := 1
	for _, dim := range shape {
		if dim < 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v", dim, shape)
		}
		size *= dim
	}
	if size != len(t.Data) {
		return nil, fmt.Errorf("cannot view %d elements as shape %v (%d elements)",
			len(t.Data), shape, size)
	}
	return &Tensor{
		Data:    t.Data,
		Shape:   copyShape(shape),
		Strides: computeStrides(shape),
	}, nil
}

// Reshape is View for shapes known to be compatible. Panics otherwise.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	out, err := t.View(shape...)
	if err != nil {
		panic(err)
	}
	return out
}

// Transpose exchanges two dimensions, materializing the result.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	n := len(t.Shape)
	if dim1 < 0 || dim1 >= n || dim2 < 0 || dim2 >= n {
		return nil, fmt.Errorf("cannot transpose dimensions %d and %d of a %d-dimensional tensor",
			dim1, dim2, n)
	}
	if dim1 == dim2 {
		return t.Clone(), nil
	}

	newShape := copyShape(t.Shape)
	newShape[dim1], newShape[dim2] = newShape[dim2], newShape[dim1]
	out := New(newShape...)

	src := make([]int, n)
	dst := make([]int, n)
	var walk func(dim int)
	walk = func(dim int) {
		if dim == n {
			copy(dst, src)
			dst[dim1], dst[dim2] = dst[dim2], dst[dim1]
			out.Data[out.FlatIndex(dst...)] = t.Data[t.FlatIndex(src...)]
			return
		}
		for i := 0; i < t.Shape[dim]; i++ {
			src[dim] = i
			walk(dim + 1)
		}
	}
	walk(0)
	return out, nil
}

// Narrow returns a copy of the sub-tensor selected by [starts, ends) per dimension.
func (t *Tensor) Narrow(starts, ends []int) (*Tensor, error) {
	if len(starts) != len(t.Shape) || len(ends) != len(t.Shape) {
		return nil, fmt.Errorf("starts and ends must have %d entries, got %d and %d",
			len(t.Shape), len(starts), len(ends))
	}
	newShape := make([]int, len(t.Shape))
	for i := range t.Shape {
		if starts[i] < 0 || starts[i] > t.Shape[i] {
			return nil, fmt.Errorf("invalid start %d for dimension %d (size %d)", starts[i], i, t.Shape[i])
		}
		if ends[i] < starts[i] || ends[i] > t.Shape[i] {
			return nil, fmt.Errorf("invalid end %d for dimension %d (start %d, size %d)",
				ends[i], i, starts[i], t.Shape[i])
		}
		newShape[i] = ends[i] - starts[i]
	}

	out := New(newShape...)
	src := make([]int, len(t.Shape))
	dst := make([]int, len(t.Shape))
	var walk func(dim int)
	walk = func(dim int) {
		if dim == len(t.Shape) {
			out.Data[out.FlatIndex(dst...)] = t.Data[t.FlatIndex(src...)]
			return
		}
		for i := 0; i < newShape[dim]; i++ {
			src[dim] = starts[dim] + i
			dst[dim] = i
			walk(dim + 1)
		}
	}
	walk(0)
	return out, nil
}

// Expand repeats the tensor along dimension 1 of a 4D tensor. Used to share
// grouped key/value heads across query heads:
// (batch, kv_heads, seq, head_dim) -> (batch, kv_heads*times, seq, head_dim).
func (t *Tensor) Expand(times int) (*Tensor, error) {
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("expand requires a 4D tensor, got shape %v", t.Shape)
	}
	if times <= 0 {
		return nil, fmt.Errorf("expand count must be positive, got %d", times)
	}

	b, h, s, d := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	out := New(b, h*times, s, d)
	rowLen := s * d
	for i := 0; i < b; i++ {
		for j := 0; j < h; j++ {
			src := t.Data[(i*h+j)*rowLen : (i*h+j+1)*rowLen]
			for r := 0; r < times; r++ {
				dstOff := (i*(h*times) + j*times + r) * rowLen
				copy(out.Data[dstOff:dstOff+rowLen], src)
			}
		}
	}
	return out, nil
}

// SameShape reports whether two tensors have identical shapes.
func (t *Tensor) SameShape(other *Tensor) bool {
	if len(t.Shape) != len(other.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	return true
}

// AllClose reports whether two tensors have the same shape and element-wise
// values within tolerance.
func (t *Tensor) AllClose(other *Tensor, tolerance float32) bool {
	if !t.SameShape(other) {
		return false
	}
	for i := range t.Data {
		if math32.Abs(t.Data[i]-other.Data[i]) > tolerance {
			return false
		}
	}
	return true
}

// String renders the shape and a truncated preview of the data.
func (t *Tensor) String() string {
	var sb strings.Builder
	sb.WriteString("Tensor(")
	for i, dim := range t.Shape {
		if i > 0 {
			sb.WriteString("x")
		}
		fmt.Fprintf(&sb, "%d", dim)
	}
	sb.WriteString(")[")
	for i := 0; i < len(t.Data) && i < 8; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%g", t.Data[i])
	}
	if len(t.Data) > 8 {
		sb.WriteString(", ...")
	}
	sb.WriteString("]")
	return sb.String()
}
