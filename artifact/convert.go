package artifact

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelml/kestrel/quant"
	"github.com/kestrelml/kestrel/tensor"
)

// Convert freezes the quantization-aware model's observers and lowers it to
// an int8 artifact: weight tensors are quantized with their frozen parameters,
// biases stay float32, and activation ranges are recorded per layer so an
// interpreter reproduces the frozen fake-quant inference exactly.
//
// Conversion fails if any observer never saw data or collected a degenerate
// range; both indicate the model was not trained in quantization-aware mode.
func Convert(qat *quant.QATModel, extraMeta map[string]interface{}) (*Artifact, error) {
	if qat == nil {
		return nil, fmt.Errorf("nil model")
	}
	cfg := qat.Config()
	if cfg.BitWidth != 8 {
		return nil, fmt.Errorf("int8 artifact requires 8-bit training, model uses %d bits", cfg.BitWidth)
	}
	if err := qat.Freeze(); err != nil {
		return nil, fmt.Errorf("freezing observers: %w", err)
	}
	// A calibration-only forward can leave weights quantized in place.
	qat.RestoreWeights()

	a := &Artifact{
		Info: ModelInfo{BitWidth: cfg.BitWidth},
	}

	inputParams, err := qat.InputObserver().Params(cfg.BitWidth)
	if err != nil {
		return nil, fmt.Errorf("input statistics: %w", err)
	}
	spec := qat.Spec()
	a.Info.Input = TensorDescriptor{
		Shape: freeBatch(spec.InputShape),
		DType: DTypeFloat32,
		Quant: &inputParams,
	}
	a.Info.Output = TensorDescriptor{
		Shape: freeBatch(spec.OutputShape),
		DType: DTypeFloat32,
	}

	for _, l := range qat.Layers() {
		li := LayerInfo{Spec: l.Spec()}
		fl, ok := l.(*quant.FakeQuantLayer)
		if !ok {
			a.Info.Layers = append(a.Info.Layers, li)
			continue
		}

		actParams, err := fl.ActivationObserver().Params(cfg.BitWidth)
		if err != nil {
			return nil, fmt.Errorf("layer %q activation statistics: %w", li.Spec.Name, err)
		}
		li.Activation = &actParams

		for _, p := range fl.Parameters() {
			if strings.HasSuffix(p.Name, ".weight") {
				obs, found := fl.WeightObserver(p.Name)
				if !found {
					return nil, fmt.Errorf("no observer for weight %q", p.Name)
				}
				wp, err := obs.Params(cfg.BitWidth)
				if err != nil {
					return nil, fmt.Errorf("weight %q statistics: %w", p.Name, err)
				}
				q, err := quant.QuantizeTensor(p.Data, wp)
				if err != nil {
					return nil, fmt.Errorf("quantizing %q: %w", p.Name, err)
				}
				a.Tensors = append(a.Tensors, TensorRecord{
					Name:  p.Name,
					DType: DTypeInt8,
					Shape: append([]int(nil), p.Data.Shape...),
					Quant: &wp,
					Data:  int8Bytes(q),
				})
				li.Weight = p.Name
			} else {
				a.Tensors = append(a.Tensors, TensorRecord{
					Name:  p.Name,
					DType: DTypeFloat32,
					Shape: append([]int(nil), p.Data.Shape...),
					Data:  float32Bytes(p.Data),
				})
				li.Bias = p.Name
			}
		}
		a.Info.Layers = append(a.Info.Layers, li)
	}

	a.Metadata = map[string]interface{}{
		"producer":   "kestrel",
		"run_id":     uuid.NewString(),
		"created_at": time.Now().UTC().Format(time.RFC3339),
		"bit_width":  float64(cfg.BitWidth),
	}
	for k, v := range extraMeta {
		a.Metadata[k] = v
	}
	return a, nil
}

// freeBatch marks the leading dimension as unconstrained.
func freeBatch(shape []int) []int {
	out := append([]int(nil), shape...)
	if len(out) > 0 {
		out[0] = -1
	}
	return out
}

func int8Bytes(t *tensor.Tensor) []byte {
	src := t.Int8s()
	out := make([]byte, len(src))
	for i, v := range src {
		out[i] = byte(v)
	}
	return out
}

func float32Bytes(t *tensor.Tensor) []byte {
	src := t.Float32s()
	out := make([]byte, 4*len(src))
	for i, v := range src {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func bytesToInt8(b []byte, shape []int) (*tensor.Tensor, error) {
	data := make([]int8, len(b))
	for i, v := range b {
		data[i] = int8(v)
	}
	return tensor.NewTensor(shape, tensor.Int8, data)
}

func bytesToFloat32(b []byte, shape []int) (*tensor.Tensor, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("float32 payload length %d not a multiple of 4", len(b))
	}
	data := make([]float32, len(b)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return tensor.NewTensor(shape, tensor.Float32, data)
}
