package artifact

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/kestrelml/kestrel/checkpoints"
	"github.com/kestrelml/kestrel/layers"
	"github.com/kestrelml/kestrel/quant"
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
	model, err := layers.NewModel(spec, rand.New(rand.NewSource(41)))
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	return model
}

// buildTrainedQAT wraps a model and runs one training step so every observer
// has statistics.
func buildTrainedQAT(t *testing.T) *quant.QATModel {
	t.Helper()
	qat, err := quant.Wrap(buildModel(t), quant.DefaultConfig())
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	x, err := tensor.RandomNormal([]int{4, 1, 8, 8}, 1.0, rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatalf("RandomNormal failed: %v", err)
	}
	out, err := qat.Forward(x, true)
	if err != nil {
		t.Fatalf("training forward failed: %v", err)
	}
	grad, _ := tensor.Full(out.Shape, 0.01)
	if err := qat.Backward(grad); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	return qat
}

func TestConvertProducesInt8Weights(t *testing.T) {
	qat := buildTrainedQAT(t)
	a, err := Convert(qat, map[string]interface{}{"note": "unit test"})
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	if a.Info.BitWidth != 8 {
		t.Errorf("bit width = %d, want 8", a.Info.BitWidth)
	}
	if a.Info.Input.Quant == nil {
		t.Error("input descriptor missing quantization parameters")
	}
	if a.Info.Input.Shape[0] != -1 {
		t.Errorf("input batch dimension = %d, want -1", a.Info.Input.Shape[0])
	}

	var int8Count, floatCount int
	for _, rec := range a.Tensors {
		switch rec.DType {
		case DTypeInt8:
			if rec.Quant == nil {
				t.Errorf("int8 tensor %q has no quantization parameters", rec.Name)
			}
			int8Count++
		case DTypeFloat32:
			floatCount++
		}
	}
	if int8Count != 2 {
		t.Errorf("int8 tensors = %d, want 2 (conv1.weight, fc1.weight)", int8Count)
	}
	if floatCount != 2 {
		t.Errorf("float tensors = %d, want 2 (biases)", floatCount)
	}

	// Quantized layers carry frozen activation parameters.
	var quantized int
	for _, li := range a.Info.Layers {
		if li.Activation != nil {
			quantized++
			if li.Activation.Scale <= 0 {
				t.Errorf("layer %q activation scale = %v", li.Spec.Name, li.Activation.Scale)
			}
		}
	}
	if quantized != 2 {
		t.Errorf("quantized layers = %d, want 2", quantized)
	}

	if a.Metadata["note"] != "unit test" || a.Metadata["producer"] != "kestrel" {
		t.Errorf("unexpected metadata: %v", a.Metadata)
	}
}

func TestConvertFailsWithoutObservation(t *testing.T) {
	qat, err := quant.Wrap(buildModel(t), quant.DefaultConfig())
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	if _, err := Convert(qat, nil); err == nil {
		t.Error("conversion without any training pass must fail")
	}
}

func TestConvertRejectsNonInt8BitWidth(t *testing.T) {
	qat, err := quant.Wrap(buildModel(t), quant.Config{BitWidth: 4, EMADecay: 0.01})
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	if _, err := Convert(qat, nil); err == nil {
		t.Error("expected error converting a 4-bit model to an int8 artifact")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	qat := buildTrainedQAT(t)
	a, err := Convert(qat, nil)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "model.kqa")
	if err := a.WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	if len(got.Info.Layers) != len(a.Info.Layers) {
		t.Fatalf("layer count = %d, want %d", len(got.Info.Layers), len(a.Info.Layers))
	}
	if len(got.Tensors) != len(a.Tensors) {
		t.Fatalf("tensor count = %d, want %d", len(got.Tensors), len(a.Tensors))
	}
	for i := range a.Tensors {
		want, have := a.Tensors[i], got.Tensors[i]
		if have.Name != want.Name || have.DType != want.DType {
			t.Errorf("tensor %d: got %s/%s, want %s/%s", i, have.Name, have.DType, want.Name, want.DType)
		}
		if len(have.Data) != len(want.Data) {
			t.Fatalf("tensor %q payload size = %d, want %d", want.Name, len(have.Data), len(want.Data))
		}
		for j := range want.Data {
			if have.Data[j] != want.Data[j] {
				t.Fatalf("tensor %q payload differs at byte %d", want.Name, j)
			}
		}
	}
	if got.Metadata["producer"] != "kestrel" {
		t.Errorf("metadata producer = %v", got.Metadata["producer"])
	}
}

// The interpreter must reproduce the frozen quantization-aware model exactly:
// dequantized stored weights equal the fake-quantized weights, and outputs
// pass through the same frozen activation grids.
func TestInterpreterMatchesFrozenModel(t *testing.T) {
	qat := buildTrainedQAT(t)
	a, err := Convert(qat, nil)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	it, err := NewInterpreter(a)
	if err != nil {
		t.Fatalf("NewInterpreter failed: %v", err)
	}

	for seed := int64(50); seed < 55; seed++ {
		x, err := tensor.RandomNormal([]int{4, 1, 8, 8}, 1.0, rand.New(rand.NewSource(seed)))
		if err != nil {
			t.Fatalf("RandomNormal failed: %v", err)
		}
		want, err := qat.Forward(x, false)
		if err != nil {
			t.Fatalf("frozen forward failed: %v", err)
		}
		got, err := it.Forward(x, false)
		if err != nil {
			t.Fatalf("interpreter forward failed: %v", err)
		}
		wv, gv := want.Float32s(), got.Float32s()
		for i := range wv {
			if wv[i] != gv[i] {
				t.Fatalf("seed %d: output %d differs: %v vs %v", seed, i, wv[i], gv[i])
			}
		}
	}
}

func TestInterpreterSurvivesRoundTrip(t *testing.T) {
	qat := buildTrainedQAT(t)
	a, err := Convert(qat, nil)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "model.kqa")
	if err := a.WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	loaded, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	it, err := NewInterpreter(loaded)
	if err != nil {
		t.Fatalf("NewInterpreter failed: %v", err)
	}

	x, _ := tensor.RandomNormal([]int{4, 1, 8, 8}, 1.0, rand.New(rand.NewSource(60)))
	want, err := qat.Forward(x, false)
	if err != nil {
		t.Fatalf("frozen forward failed: %v", err)
	}
	got, err := it.Forward(x, false)
	if err != nil {
		t.Fatalf("interpreter forward failed: %v", err)
	}
	wv, gv := want.Float32s(), got.Float32s()
	for i := range wv {
		if wv[i] != gv[i] {
			t.Fatal("loaded interpreter diverges from frozen model")
		}
	}
}

// The int8 artifact must be meaningfully smaller than the float checkpoint of
// the same model.
func TestArtifactSmallerThanCheckpoint(t *testing.T) {
	model := buildModel(t)
	qat, err := quant.Wrap(model, quant.DefaultConfig())
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	x, _ := tensor.RandomNormal([]int{4, 1, 8, 8}, 1.0, rand.New(rand.NewSource(70)))
	out, err := qat.Forward(x, true)
	if err != nil {
		t.Fatalf("training forward failed: %v", err)
	}
	grad, _ := tensor.Full(out.Shape, 0.01)
	if err := qat.Backward(grad); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	dir := t.TempDir()
	ckptPath := filepath.Join(dir, "model.json")
	ckpt, err := checkpoints.FromModel(model, checkpoints.TrainingState{}, checkpoints.NewMetadata(""))
	if err != nil {
		t.Fatalf("FromModel failed: %v", err)
	}
	if err := ckpt.Save(ckptPath); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	a, err := Convert(qat, nil)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	artPath := filepath.Join(dir, "model.kqa")
	if err := a.WriteFile(artPath); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	ckptInfo, _ := os.Stat(ckptPath)
	artInfo, _ := os.Stat(artPath)
	if artInfo.Size() >= ckptInfo.Size() {
		t.Errorf("artifact %d bytes is not smaller than checkpoint %d bytes", artInfo.Size(), ckptInfo.Size())
	}

	// Weight payloads shrink roughly 4x; biases stay float.
	var floatBytes int
	for _, p := range model.Parameters() {
		floatBytes += p.Data.SizeBytes()
	}
	if a.PayloadBytes()*3 >= floatBytes {
		t.Errorf("payload %d bytes vs float %d, expected under a third", a.PayloadBytes(), floatBytes)
	}
}

func TestReadRejectsCorruptFiles(t *testing.T) {
	qat := buildTrainedQAT(t)
	a, err := Convert(qat, nil)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	data, err := a.encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	bad := append([]byte(nil), data...)
	bad[0] = 'X'
	if _, err := decode(bad); !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("bad magic: got %v, want ErrInvalidMagic", err)
	}

	bad = append([]byte(nil), data...)
	bad[4] = 0xFF // major version low byte
	if _, err := decode(bad); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("bad version: got %v, want ErrUnsupportedVersion", err)
	}

	if _, err := decode(data[:len(data)/2]); !errors.Is(err, ErrCorruptFile) {
		t.Errorf("truncated file: got %v, want ErrCorruptFile", err)
	}

	if _, err := decode(data[:16]); !errors.Is(err, ErrCorruptFile) {
		t.Errorf("short file: got %v, want ErrCorruptFile", err)
	}
}
