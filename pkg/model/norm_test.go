package model

import (
	"math"
	"testing"

	"llamago/pkg/tensor"
)

func TestNewRMSNorm(t *testing.T) {
	n := NewRMSNorm(16, 1e-5)
	if len(n.Weight.Data) != 16 {
		t.Fatalf("weight length = %d, want 16", len(n.Weight.Data))
	}
	for i, v := range n.Weight.Data {
		if v != 1 {
			t.Errorf("Weight[%d] = %v, want 1", i, v)
		}
	}
}

func TestRMSNormForward(t *testing.T) {
	n := NewRMSNorm(4, 1e-5)

	// Row [1, 2, 3, 4]: mean of squares = 7.5, rms = sqrt(7.5).
	x, _ := tensor.FromSlice([]float32{1, 2, 3, 4}, 1, 1, 4)
	got, err := n.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	rms := math.Sqrt(7.5 + 1e-5)
	for i := 0; i < 4; i++ {
		want := float64(i+1) / rms
		if math.Abs(float64(got.Data[i])-want) > 1e-5 {
			t.Errorf("element %d = %v, want %v", i, got.Data[i], want)
		}
	}
}

func TestRMSNormUnitOutput(t *testing.T) {
	// With weight=1 the output's mean square is 1 (up to eps), regardless
	// of the input scale.
	n := NewRMSNorm(8, 1e-5)
	x := tensor.New(2, 3, 8)
	for i := range x.Data {
		x.Data[i] = float32(i)*37.5 - 100
	}

	got, err := n.Forward(x)
	if err != nil {
		t.Fatal(err)
	}

	for off := 0; off < len(got.Data); off += 8 {
		var sumSq float64
		for i := 0; i < 8; i++ {
			sumSq += float64(got.Data[off+i]) * float64(got.Data[off+i])
		}
		if math.Abs(sumSq/8-1) > 1e-4 {
			t.Fatalf("row at %d has mean square %v, want 1", off, sumSq/8)
		}
	}
}

func TestRMSNormScaleInvariance(t *testing.T) {
	// RMSNorm is invariant to positive rescaling of its input.
	n := NewRMSNorm(4, 0)
	x, _ := tensor.FromSlice([]float32{1, -2, 3, -4}, 1, 4)
	scaled := x.Scale(100)

	a, err := n.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	b, err := n.Forward(scaled)
	if err != nil {
		t.Fatal(err)
	}
	if !a.AllClose(b, 1e-4) {
		t.Errorf("outputs differ under input scaling: %v vs %v", a, b)
	}
}

func TestRMSNormAppliesWeight(t *testing.T) {
	n := NewRMSNorm(2, 0)
	n.Weight.Data[0] = 2
	n.Weight.Data[1] = 0.5

	x, _ := tensor.FromSlice([]float32{3, 3}, 1, 2)
	got, err := n.Forward(x)
	if err != nil {
		t.Fatal(err)
	}

	// rms of [3,3] is 3, so the normalized row is [1,1] before the gain.
	if math.Abs(float64(got.Data[0])-2) > 1e-5 || math.Abs(float64(got.Data[1])-0.5) > 1e-5 {
		t.Errorf("got %v, want [2, 0.5]", got.Data)
	}
}

func TestRMSNormDimensionMismatch(t *testing.T) {
	n := NewRMSNorm(4, 1e-5)
	if _, err := n.Forward(tensor.New(1, 5)); err == nil {
		t.Error("accepted a mismatched feature dimension")
	}
}
