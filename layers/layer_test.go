package layers

import (
	"math"
	"math/rand"
	"testing"

	"github.com/kestrelml/kestrel/tensor"
)

func TestModelBuilderCompile(t *testing.T) {
	spec, err := NewModelBuilder([]int{32, 1, 28, 28}).
		AddConv2D(8, 3, 1, 1, true, "conv1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, "pool1").
		AddFlatten("flatten").
		AddDense(10, true, "fc1").
		AddSoftmax("softmax").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	if !tensor.ShapesEqual(spec.OutputShape, []int{32, 10}) {
		t.Errorf("output shape = %v, want [32 10]", spec.OutputShape)
	}
	// conv1: 8*1*3*3 + 8 = 80; fc1: (8*14*14)*10 + 10 = 15690.
	if spec.TotalParameters != 80+15690 {
		t.Errorf("TotalParameters = %d, want %d", spec.TotalParameters, 80+15690)
	}
	if spec.Layers[0].Conv.InChannels != 1 {
		t.Errorf("conv in channels = %d, want 1", spec.Layers[0].Conv.InChannels)
	}
	if spec.Layers[4].Dense.InputSize != 8*14*14 {
		t.Errorf("dense input size = %d, want %d", spec.Layers[4].Dense.InputSize, 8*14*14)
	}
	if spec.Summary() == "" {
		t.Error("Summary should not be empty")
	}
}

func TestModelBuilderErrors(t *testing.T) {
	if _, err := NewModelBuilder([]int{32, 1, 28, 28}).Compile(); err == nil {
		t.Error("expected error compiling empty model")
	}

	// Dense directly on 4D input must fail.
	if _, err := NewModelBuilder([]int{32, 1, 28, 28}).AddDense(10, true, "fc").Compile(); err == nil {
		t.Error("expected error for dense on 4D input")
	}

	// Duplicate names must fail.
	_, err := NewModelBuilder([]int{32, 1, 28, 28}).
		AddFlatten("a").
		AddDense(10, true, "a").
		Compile()
	if err == nil {
		t.Error("expected duplicate name error")
	}

	// Reshape with mismatched element count must fail.
	if _, err := NewModelBuilder([]int{32, 784}).AddReshape([]int{2, 28, 28}, "r").Compile(); err == nil {
		t.Error("expected reshape element count error")
	}
}

func buildSmallModel(t *testing.T, batch int) *Model {
	t.Helper()
	spec, err := NewModelBuilder([]int{batch, 1, 8, 8}).
		AddConv2D(4, 3, 1, 1, true, "conv1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, "pool1").
		AddFlatten("flatten").
		AddDense(10, true, "fc1").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	model, err := NewModel(spec, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	return model
}

func TestModelForwardBackward(t *testing.T) {
	model := buildSmallModel(t, 2)

	input, err := tensor.RandomNormal([]int{2, 1, 8, 8}, 1.0, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("RandomNormal failed: %v", err)
	}

	out, err := model.Forward(input, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !tensor.ShapesEqual(out.Shape, []int{2, 10}) {
		t.Fatalf("output shape = %v, want [2 10]", out.Shape)
	}

	grad, _ := tensor.Full([]int{2, 10}, 1.0)
	if err := model.Backward(grad); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	var nonZero bool
	for _, p := range model.Parameters() {
		for _, g := range p.Grad.Float32s() {
			if g != 0 {
				nonZero = true
			}
		}
	}
	if !nonZero {
		t.Error("expected non-zero gradients after backward")
	}

	model.ZeroGrad()
	for _, p := range model.Parameters() {
		for _, g := range p.Grad.Float32s() {
			if g != 0 {
				t.Fatal("ZeroGrad left non-zero gradient")
			}
		}
	}
}

func TestModelInputShapeMismatch(t *testing.T) {
	model := buildSmallModel(t, 2)
	bad, _ := tensor.Zeros([]int{2, 1, 7, 7}, tensor.Float32)
	if _, err := model.Forward(bad, false); err == nil {
		t.Error("expected shape mismatch error")
	}
}

// Finite-difference check of the dense layer gradients against the analytic
// backward pass.
func TestDenseGradientNumeric(t *testing.T) {
	spec, err := NewModelBuilder([]int{2, 3}).AddDense(2, true, "fc").Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	model, err := NewModel(spec, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}

	input, _ := tensor.NewTensor([]int{2, 3}, tensor.Float32, []float32{0.5, -1, 2, 1.5, 0.25, -0.75})

	// Loss = sum of outputs, so the upstream gradient is all ones.
	lossOf := func() float64 {
		out, err := model.Forward(input, false)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		var sum float64
		for _, v := range out.Float32s() {
			sum += float64(v)
		}
		return sum
	}

	if _, err := model.Forward(input, true); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	ones, _ := tensor.Full([]int{2, 2}, 1.0)
	if err := model.Backward(ones); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	const eps = 1e-3
	for _, p := range model.Parameters() {
		data := p.Data.Float32s()
		grad := p.Grad.Float32s()
		for i := range data {
			orig := data[i]
			data[i] = orig + eps
			plus := lossOf()
			data[i] = orig - eps
			minus := lossOf()
			data[i] = orig

			numeric := (plus - minus) / (2 * eps)
			if math.Abs(numeric-float64(grad[i])) > 1e-2 {
				t.Errorf("%s[%d]: analytic %v vs numeric %v", p.Name, i, grad[i], numeric)
			}
		}
	}
}

func TestModelCloneIndependence(t *testing.T) {
	model := buildSmallModel(t, 2)
	clone, err := model.Clone()
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}

	origW := model.Parameters()[0].Data.Float32s()
	cloneW := clone.Parameters()[0].Data.Float32s()
	for i := range origW {
		if origW[i] != cloneW[i] {
			t.Fatal("clone should start with identical weights")
		}
	}

	cloneW[0] += 1
	if origW[0] == cloneW[0] {
		t.Error("mutating clone weights must not affect the original")
	}
}

func TestSoftmaxLayerBackward(t *testing.T) {
	spec, err := NewModelBuilder([]int{1, 3}).AddSoftmax("sm").Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	model, err := NewModel(spec, rand.New(rand.NewSource(4)))
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}

	input, _ := tensor.NewTensor([]int{1, 3}, tensor.Float32, []float32{1, 2, 3})
	out, err := model.Forward(input, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// Gradient of sum(softmax) is zero since the outputs always sum to one.
	ones, _ := tensor.Full([]int{1, 3}, 1.0)
	if err := model.Backward(ones); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	_ = out
}
