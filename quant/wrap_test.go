package quant

import (
	"math/rand"
	"testing"

	"github.com/kestrelml/kestrel/layers"
	"github.com/kestrelml/kestrel/tensor"
)

func buildModel(t *testing.T) *layers.Model {
	t.Helper()
	spec, err := layers.NewModelBuilder([]int{4, 1, 8, 8}).
		AddConv2D(4, 3, 1, 1, true, "conv1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, "pool1").
		AddFlatten("flatten").
		AddDense(10, true, "fc1").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	model, err := layers.NewModel(spec, rand.New(rand.NewSource(21)))
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	return model
}

func randInput(t *testing.T, seed int64) *tensor.Tensor {
	t.Helper()
	x, err := tensor.RandomNormal([]int{4, 1, 8, 8}, 1.0, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("RandomNormal failed: %v", err)
	}
	return x
}

func TestWrapPreservesTopologyAndOriginal(t *testing.T) {
	model := buildModel(t)
	before := make([]float32, len(model.Parameters()[0].Data.Float32s()))
	copy(before, model.Parameters()[0].Data.Float32s())

	qat, err := Wrap(model, DefaultConfig())
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	if len(qat.Layers()) != len(model.Layers) {
		t.Errorf("layer count changed: %d vs %d", len(qat.Layers()), len(model.Layers))
	}
	var wrapped int
	for _, l := range qat.Layers() {
		if _, ok := l.(*FakeQuantLayer); ok {
			wrapped++
		}
	}
	if wrapped != 2 {
		t.Errorf("wrapped layers = %d, want 2 (conv1, fc1)", wrapped)
	}

	// Training the wrapper must not touch the original model's weights.
	x := randInput(t, 1)
	out, err := qat.Forward(x, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	grad, _ := tensor.Full(out.Shape, 0.1)
	if err := qat.Backward(grad); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for _, p := range qat.Parameters() {
		w := p.Data.Float32s()
		g := p.Grad.Float32s()
		for i := range w {
			w[i] -= 0.01 * g[i]
		}
	}

	after := model.Parameters()[0].Data.Float32s()
	for i := range before {
		if before[i] != after[i] {
			t.Fatal("wrapping mutated the original model's weights")
		}
	}
}

func TestWrapConfigValidation(t *testing.T) {
	model := buildModel(t)
	if _, err := Wrap(model, Config{BitWidth: 16, EMADecay: 0.01}); err == nil {
		t.Error("expected error for bit width 16")
	}
	if _, err := Wrap(model, Config{BitWidth: 8, EMADecay: 0}); err == nil {
		t.Error("expected error for zero decay")
	}
}

func TestQATInferenceBeforeObservationFails(t *testing.T) {
	model := buildModel(t)
	qat, err := Wrap(model, DefaultConfig())
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	if _, err := qat.Forward(randInput(t, 2), false); err == nil {
		t.Error("inference before any training-mode pass must fail: no statistics")
	}
	if err := qat.Freeze(); err == nil {
		t.Error("freezing before any observation must fail")
	}
}

func TestQATWeightsRestoredAfterBackward(t *testing.T) {
	model := buildModel(t)
	qat, err := Wrap(model, DefaultConfig())
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	var convWeight *layers.Parameter
	for _, p := range qat.Parameters() {
		if p.Name == "conv1.weight" {
			convWeight = p
		}
	}
	if convWeight == nil {
		t.Fatal("conv1.weight not found")
	}
	before := make([]float32, convWeight.Data.NumElems)
	copy(before, convWeight.Data.Float32s())

	x := randInput(t, 3)
	out, err := qat.Forward(x, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	grad, _ := tensor.Full(out.Shape, 1.0)
	if err := qat.Backward(grad); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	after := convWeight.Data.Float32s()
	for i := range before {
		if before[i] != after[i] {
			t.Fatal("floating weights were not restored after backward")
		}
	}
}

func TestQATFrozenInferenceDeterministic(t *testing.T) {
	model := buildModel(t)
	qat, err := Wrap(model, DefaultConfig())
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	// One training pass seeds all observers.
	out, err := qat.Forward(randInput(t, 4), true)
	if err != nil {
		t.Fatalf("training forward failed: %v", err)
	}
	grad, _ := tensor.Full(out.Shape, 0.0)
	if err := qat.Backward(grad); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	if err := qat.Freeze(); err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}
	if qat.InputObserver().State() != Frozen {
		t.Error("input observer should be frozen")
	}

	x := randInput(t, 5)
	a, err := qat.Forward(x, false)
	if err != nil {
		t.Fatalf("inference failed: %v", err)
	}
	b, err := qat.Forward(x, false)
	if err != nil {
		t.Fatalf("inference failed: %v", err)
	}
	av, bv := a.Float32s(), b.Float32s()
	for i := range av {
		if av[i] != bv[i] {
			t.Fatal("frozen inference must be deterministic")
		}
	}
}
