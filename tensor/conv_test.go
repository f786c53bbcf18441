package tensor

import (
	"testing"
)

func TestConv2DForward(t *testing.T) {
	// 1x1x3x3 input, 1x1x2x2 kernel of ones: output is the 2x2 window sums.
	input, _ := NewTensor([]int{1, 1, 3, 3}, Float32, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9})
	weights, _ := NewTensor([]int{1, 1, 2, 2}, Float32, []float32{1, 1, 1, 1})
	bias, _ := NewTensor([]int{1}, Float32, []float32{0})

	out, err := Conv2D(input, weights, bias, 1, 0)
	if err != nil {
		t.Fatalf("Conv2D failed: %v", err)
	}
	if !ShapesEqual(out.Shape, []int{1, 1, 2, 2}) {
		t.Fatalf("output shape = %v, want [1 1 2 2]", out.Shape)
	}
	want := []float32{12, 16, 24, 28}
	for i, v := range out.Float32s() {
		if v != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, v, want[i])
		}
	}
}

func TestConv2DPaddingAndBias(t *testing.T) {
	input, _ := NewTensor([]int{1, 1, 2, 2}, Float32, []float32{1, 2, 3, 4})
	weights, _ := NewTensor([]int{1, 1, 3, 3}, Float32, []float32{0, 0, 0, 0, 1, 0, 0, 0, 0})
	bias, _ := NewTensor([]int{1}, Float32, []float32{10})

	// Identity kernel with same-padding: output = input + bias.
	out, err := Conv2D(input, weights, bias, 1, 1)
	if err != nil {
		t.Fatalf("Conv2D failed: %v", err)
	}
	want := []float32{11, 12, 13, 14}
	for i, v := range out.Float32s() {
		if v != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, v, want[i])
		}
	}
}

func TestConv2DShapeErrors(t *testing.T) {
	input, _ := NewTensor([]int{1, 2, 3, 3}, Float32, nil)
	weights, _ := NewTensor([]int{1, 3, 2, 2}, Float32, nil)
	if _, err := Conv2D(input, weights, nil, 1, 0); err == nil {
		t.Error("expected channel mismatch error")
	}

	badInput, _ := NewTensor([]int{3, 3}, Float32, nil)
	okWeights, _ := NewTensor([]int{1, 1, 2, 2}, Float32, nil)
	if _, err := Conv2D(badInput, okWeights, nil, 1, 0); err == nil {
		t.Error("expected rank error for 2D input")
	}
}

func TestConv2DBackward(t *testing.T) {
	input, _ := NewTensor([]int{1, 1, 3, 3}, Float32, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9})
	weights, _ := NewTensor([]int{1, 1, 2, 2}, Float32, []float32{1, 1, 1, 1})
	gradOut, _ := NewTensor([]int{1, 1, 2, 2}, Float32, []float32{1, 1, 1, 1})

	gi, gw, gb, err := Conv2DBackward(input, weights, gradOut, 1, 0)
	if err != nil {
		t.Fatalf("Conv2DBackward failed: %v", err)
	}

	// With unit upstream gradient and unit weights, the input gradient counts
	// how many windows cover each pixel.
	wantGI := []float32{1, 2, 1, 2, 4, 2, 1, 2, 1}
	for i, v := range gi.Float32s() {
		if v != wantGI[i] {
			t.Errorf("gradInput[%d] = %v, want %v", i, v, wantGI[i])
		}
	}

	// Weight gradient is the sum of inputs seen at each kernel offset.
	wantGW := []float32{12, 16, 24, 28}
	for i, v := range gw.Float32s() {
		if v != wantGW[i] {
			t.Errorf("gradWeights[%d] = %v, want %v", i, v, wantGW[i])
		}
	}

	if gb.Float32s()[0] != 4 {
		t.Errorf("gradBias = %v, want 4", gb.Float32s()[0])
	}
}

func TestMaxPool2D(t *testing.T) {
	data := make([]float32, 16)
	for i := range data {
		data[i] = float32(i + 1)
	}
	input, _ := NewTensor([]int{1, 1, 4, 4}, Float32, data)

	out, argmax, err := MaxPool2D(input, 2, 2)
	if err != nil {
		t.Fatalf("MaxPool2D failed: %v", err)
	}
	if !ShapesEqual(out.Shape, []int{1, 1, 2, 2}) {
		t.Fatalf("output shape = %v, want [1 1 2 2]", out.Shape)
	}
	want := []float32{6, 8, 14, 16}
	for i, v := range out.Float32s() {
		if v != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, v, want[i])
		}
	}

	gradOut, _ := NewTensor([]int{1, 1, 2, 2}, Float32, []float32{1, 2, 3, 4})
	gi, err := MaxPool2DBackward(input.Shape, argmax, gradOut)
	if err != nil {
		t.Fatalf("MaxPool2DBackward failed: %v", err)
	}
	g := gi.Float32s()
	// Gradient lands only on the max positions (indices 5, 7, 13, 15).
	wantIdx := map[int]float32{5: 1, 7: 2, 13: 3, 15: 4}
	for i, v := range g {
		if want, ok := wantIdx[i]; ok {
			if v != want {
				t.Errorf("gradInput[%d] = %v, want %v", i, v, want)
			}
		} else if v != 0 {
			t.Errorf("gradInput[%d] = %v, want 0", i, v)
		}
	}
}
