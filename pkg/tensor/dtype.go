package tensor

import (
	"fmt"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType identifies an element storage type. Tensors always compute in
// float32; the half-precision types exist to illustrate what checkpoint
// formats store and how much memory a model would take at each width.
type DType int

const (
	Float32 DType = iota
	Float16
	BFloat16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "fp32"
	case Float16:
		return "fp16"
	case BFloat16:
		return "bf16"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// ByteSize returns the storage width of one element.
func (d DType) ByteSize() int {
	switch d {
	case Float32:
		return 4
	default:
		return 2
	}
}

// ToFloat16 converts the tensor's elements to IEEE 754 half precision bits.
// Values outside the fp16 range saturate to ±Inf.
func (t *Tensor) ToFloat16() []uint16 {
	out := make([]uint16, len(t.Data))
	for i, v := range t.Data {
		out[i] = float16.Fromfloat32(v).Bits()
	}
	return out
}

// FromFloat16 builds a float32 tensor from half precision bits.
func FromFloat16(bits []uint16, shape ...int) (*Tensor, error) {
	data := make([]float32, len(bits))
	for i, u := range bits {
		data[i] = float16.Frombits(u).Float32()
	}
	return FromSlice(data, shape...)
}

// ToBFloat16 converts the tensor's elements to bfloat16 bytes. bfloat16
// keeps float32's exponent range and truncates the mantissa to 7 bits.
func (t *Tensor) ToBFloat16() []byte {
	return bfloat16.EncodeFloat32(t.Data)
}

// FromBFloat16 builds a float32 tensor from bfloat16 bytes.
func FromBFloat16(raw []byte, shape ...int) (*Tensor, error) {
	return FromSlice(bfloat16.DecodeFloat32(raw), shape...)
}
