package layers

import (
	"fmt"
	"math/rand"

	"github.com/kestrelml/kestrel/tensor"
)

// Parameter is a trainable tensor with its accumulated gradient.
type Parameter struct {
	Name string
	Data *tensor.Tensor
	Grad *tensor.Tensor
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	g := p.Grad.Float32s()
	for i := range g {
		g[i] = 0
	}
}

func (p *Parameter) accumulate(grad *tensor.Tensor) {
	g := p.Grad.Float32s()
	src := grad.Float32s()
	for i := range g {
		g[i] += src[i]
	}
}

// Layer is the runtime contract every layer kind implements. Forward caches
// whatever the subsequent Backward call needs; layers are therefore not safe
// for concurrent use, matching the exclusive-writer training model.
type Layer interface {
	Spec() LayerSpec
	Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
}

// Model is a compiled, executable layer stack owning its parameters.
type Model struct {
	Spec   *ModelSpec
	Layers []Layer
}

// NewModel instantiates runtime layers from a compiled spec and initializes
// parameters from the given source (He initialization for weights, zero bias).
func NewModel(spec *ModelSpec, rng *rand.Rand) (*Model, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled")
	}
	m := &Model{Spec: spec}
	for i := range spec.Layers {
		layer, err := newLayer(spec.Layers[i], rng)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", spec.Layers[i].Name, err)
		}
		m.Layers = append(m.Layers, layer)
	}
	return m, nil
}

func newLayer(spec LayerSpec, rng *rand.Rand) (Layer, error) {
	switch spec.Type {
	case Reshape:
		return &ReshapeLayer{spec: spec}, nil
	case Conv2D:
		return newConvLayer(spec, rng)
	case MaxPool2D:
		return &PoolLayer{spec: spec}, nil
	case Flatten:
		return &FlattenLayer{spec: spec}, nil
	case Dense:
		return newDenseLayer(spec, rng)
	case ReLU:
		return &ReLULayer{spec: spec}, nil
	case Softmax:
		return &SoftmaxLayer{spec: spec}, nil
	default:
		return nil, fmt.Errorf("unknown layer type %d", spec.Type)
	}
}

// Forward runs every layer in order. The input must match the compiled input
// shape in all dimensions except the batch dimension.
func (m *Model) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := m.checkInputShape(x); err != nil {
		return nil, err
	}
	var err error
	for _, l := range m.Layers {
		x, err = l.Forward(x, training)
		if err != nil {
			return nil, fmt.Errorf("layer %q forward: %w", l.Spec().Name, err)
		}
	}
	return x, nil
}

func (m *Model) checkInputShape(x *tensor.Tensor) error {
	want := m.Spec.InputShape
	if len(x.Shape) != len(want) {
		return fmt.Errorf("input rank %d does not match model input shape %v", len(x.Shape), want)
	}
	for i := 1; i < len(want); i++ {
		if x.Shape[i] != want[i] {
			return fmt.Errorf("input shape %v does not match model input shape %v", x.Shape, want)
		}
	}
	return nil
}

// Backward propagates the loss gradient through every layer in reverse,
// accumulating parameter gradients.
func (m *Model) Backward(gradOut *tensor.Tensor) error {
	var err error
	for i := len(m.Layers) - 1; i >= 0; i-- {
		gradOut, err = m.Layers[i].Backward(gradOut)
		if err != nil {
			return fmt.Errorf("layer %q backward: %w", m.Layers[i].Spec().Name, err)
		}
	}
	return nil
}

// Parameters returns all trainable parameters in layer order.
func (m *Model) Parameters() []*Parameter {
	var params []*Parameter
	for _, l := range m.Layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

// ParameterByName looks up a parameter by its qualified name, e.g. "conv1.weight".
func (m *Model) ParameterByName(name string) (*Parameter, bool) {
	for _, p := range m.Parameters() {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// ZeroGrad clears gradients on all parameters.
func (m *Model) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}

// Clone returns a model with the same spec and deep-copied parameters, so
// the clone can be trained without touching the original.
func (m *Model) Clone() (*Model, error) {
	clone, err := NewModel(m.Spec, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, err
	}
	src := m.Parameters()
	dst := clone.Parameters()
	if len(src) != len(dst) {
		return nil, fmt.Errorf("parameter count mismatch during clone: %d vs %d", len(src), len(dst))
	}
	for i := range src {
		copy(dst[i].Data.Float32s(), src[i].Data.Float32s())
	}
	return clone, nil
}
