package artifact

import (
	"math/rand"
	"testing"

	"github.com/kestrelml/kestrel/layers"
	"github.com/kestrelml/kestrel/optimizer"
	"github.com/kestrelml/kestrel/quant"
	"github.com/kestrelml/kestrel/training"
	"github.com/kestrelml/kestrel/vision/dataset"
)

// End-to-end: train a small classifier on the synthetic digits, fine-tune it
// with simulated quantization, convert, and check that quantization costs
// little accuracy while the artifact reproduces the frozen model exactly.
func TestEndToEndQuantizationPipeline(t *testing.T) {
	if testing.Short() {
		t.Skip("training loop")
	}

	const batchSize = 32
	spec, err := layers.NewModelBuilder([]int{batchSize, 1, 28, 28}).
		AddConv2D(4, 3, 1, 1, true, "conv1").
		AddReLU("relu1").
		AddMaxPool2D(4, 4, "pool1").
		AddFlatten("flatten").
		AddDense(10, true, "fc1").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	model, err := layers.NewModel(spec, rand.New(rand.NewSource(101)))
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}

	trainSet, err := dataset.NewSynthetic(240, 102)
	if err != nil {
		t.Fatalf("NewSynthetic failed: %v", err)
	}
	testSet, err := dataset.NewSynthetic(120, 103)
	if err != nil {
		t.Fatalf("NewSynthetic failed: %v", err)
	}

	trainModel := func(m training.Model, epochs int, lr float32) {
		t.Helper()
		loader, err := training.NewDataLoader(trainSet, batchSize, true, 104)
		if err != nil {
			t.Fatalf("NewDataLoader failed: %v", err)
		}
		opt, err := optimizer.NewSGD(optimizer.SGDConfig{LearningRate: lr, Momentum: 0.9})
		if err != nil {
			t.Fatalf("NewSGD failed: %v", err)
		}
		trainer, err := training.NewTrainer(m, opt, training.NewCrossEntropyLoss())
		if err != nil {
			t.Fatalf("NewTrainer failed: %v", err)
		}
		if _, err := trainer.Train(loader, epochs); err != nil {
			t.Fatalf("Train failed: %v", err)
		}
	}
	accuracy := func(m training.Inferencer) float64 {
		t.Helper()
		loader, err := training.NewDataLoader(testSet, batchSize, false, 0)
		if err != nil {
			t.Fatalf("NewDataLoader failed: %v", err)
		}
		acc, _, err := training.Evaluate(m, loader, 10)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		return acc
	}

	trainModel(model, 6, 0.1)
	baseAcc := accuracy(model)
	if baseAcc < 0.7 {
		t.Fatalf("baseline accuracy %.3f too low for a separable dataset", baseAcc)
	}

	qat, err := quant.Wrap(model, quant.DefaultConfig())
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	trainModel(qat, 2, 0.02)

	a, err := Convert(qat, nil)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	qatAcc := accuracy(qat)
	if qatAcc < baseAcc-0.1 {
		t.Errorf("quantization-aware accuracy %.3f dropped more than 10 points from baseline %.3f", qatAcc, baseAcc)
	}

	it, err := NewInterpreter(a)
	if err != nil {
		t.Fatalf("NewInterpreter failed: %v", err)
	}
	artAcc := accuracy(it)
	if artAcc != qatAcc {
		t.Errorf("artifact accuracy %.4f differs from frozen model accuracy %.4f", artAcc, qatAcc)
	}
}
