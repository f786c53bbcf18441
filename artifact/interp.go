package artifact

import (
	"fmt"
	"math/rand"

	"github.com/kestrelml/kestrel/layers"
	"github.com/kestrelml/kestrel/quant"
	"github.com/kestrelml/kestrel/tensor"
)

// Interpreter executes a quantized artifact. Stored int8 weights are
// dequantized once at load time and layer outputs are rounded through their
// recorded activation grids, so the computation reproduces the frozen
// quantization-aware model bit for bit while the file keeps the int8 payload.
type Interpreter struct {
	model *layers.Model
	act   map[string]quant.Params
	info  *ModelInfo
}

// NewInterpreter builds an executable model from the artifact.
func NewInterpreter(a *Artifact) (*Interpreter, error) {
	if a == nil || len(a.Info.Layers) == 0 {
		return nil, fmt.Errorf("artifact has no layers")
	}

	spec := &layers.ModelSpec{Compiled: true}
	for _, li := range a.Info.Layers {
		spec.Layers = append(spec.Layers, li.Spec)
	}
	spec.InputShape = spec.Layers[0].InputShape
	spec.OutputShape = spec.Layers[len(spec.Layers)-1].OutputShape

	// Initialization values are immediately overwritten by stored tensors.
	model, err := layers.NewModel(spec, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, fmt.Errorf("instantiating model: %w", err)
	}

	it := &Interpreter{
		model: model,
		act:   make(map[string]quant.Params),
		info:  &a.Info,
	}
	for _, li := range a.Info.Layers {
		if li.Weight != "" {
			if err := it.loadWeight(a, li.Weight); err != nil {
				return nil, err
			}
		}
		if li.Bias != "" {
			if err := it.loadBias(a, li.Bias); err != nil {
				return nil, err
			}
		}
		if li.Activation != nil {
			it.act[li.Spec.Name] = *li.Activation
		}
	}
	return it, nil
}

func (it *Interpreter) loadWeight(a *Artifact, name string) error {
	rec, ok := a.Tensor(name)
	if !ok {
		return fmt.Errorf("artifact references missing tensor %q", name)
	}
	if rec.DType != DTypeInt8 || rec.Quant == nil {
		return fmt.Errorf("weight %q is not a quantized int8 tensor", name)
	}
	q, err := bytesToInt8(rec.Data, rec.Shape)
	if err != nil {
		return fmt.Errorf("decoding %q: %w", name, err)
	}
	w, err := quant.DequantizeTensor(q, *rec.Quant)
	if err != nil {
		return fmt.Errorf("dequantizing %q: %w", name, err)
	}
	return it.setParam(name, w)
}

func (it *Interpreter) loadBias(a *Artifact, name string) error {
	rec, ok := a.Tensor(name)
	if !ok {
		return fmt.Errorf("artifact references missing tensor %q", name)
	}
	if rec.DType != DTypeFloat32 {
		return fmt.Errorf("bias %q is not a float32 tensor", name)
	}
	b, err := bytesToFloat32(rec.Data, rec.Shape)
	if err != nil {
		return fmt.Errorf("decoding %q: %w", name, err)
	}
	return it.setParam(name, b)
}

func (it *Interpreter) setParam(name string, src *tensor.Tensor) error {
	p, ok := it.model.ParameterByName(name)
	if !ok {
		return fmt.Errorf("tensor %q has no matching parameter", name)
	}
	if p.Data.NumElems != src.NumElems {
		return fmt.Errorf("tensor %q has %d elements, model expects %d", name, src.NumElems, p.Data.NumElems)
	}
	copy(p.Data.Float32s(), src.Float32s())
	return nil
}

// Info returns the artifact's topology section.
func (it *Interpreter) Info() *ModelInfo { return it.info }

// Forward runs inference. The training flag is accepted for interface
// compatibility and ignored; artifacts are inference-only.
func (it *Interpreter) Forward(x *tensor.Tensor, _ bool) (*tensor.Tensor, error) {
	var err error
	for _, l := range it.model.Layers {
		x, err = l.Forward(x, false)
		if err != nil {
			return nil, fmt.Errorf("layer %q forward: %w", l.Spec().Name, err)
		}
		if p, ok := it.act[l.Spec().Name]; ok {
			x, err = quant.FakeQuant(x, p)
			if err != nil {
				return nil, fmt.Errorf("layer %q output quantization: %w", l.Spec().Name, err)
			}
		}
	}
	return x, nil
}
