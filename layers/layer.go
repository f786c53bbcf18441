package layers

import (
	"fmt"
	"strings"
)

// LayerType enumerates the closed set of layer kinds the pipeline supports.
type LayerType int

const (
	Reshape LayerType = iota
	Conv2D
	MaxPool2D
	Flatten
	Dense
	ReLU
	Softmax
)

func (lt LayerType) String() string {
	switch lt {
	case Reshape:
		return "Reshape"
	case Conv2D:
		return "Conv2D"
	case MaxPool2D:
		return "MaxPool2D"
	case Flatten:
		return "Flatten"
	case Dense:
		return "Dense"
	case ReLU:
		return "ReLU"
	case Softmax:
		return "Softmax"
	default:
		return "Unknown"
	}
}

// ConvSpec holds Conv2D configuration.
type ConvSpec struct {
	InChannels  int  `json:"in_channels"`
	OutChannels int  `json:"out_channels"`
	KernelSize  int  `json:"kernel_size"`
	Stride      int  `json:"stride"`
	Padding     int  `json:"padding"`
	UseBias     bool `json:"use_bias"`
}

// DenseSpec holds Dense (fully connected) configuration. InputSize may be
// zero in an uncompiled spec; Compile infers it from the previous layer.
type DenseSpec struct {
	InputSize  int  `json:"input_size"`
	OutputSize int  `json:"output_size"`
	UseBias    bool `json:"use_bias"`
}

// PoolSpec holds MaxPool2D configuration.
type PoolSpec struct {
	Size   int `json:"size"`
	Stride int `json:"stride"`
}

// LayerSpec is the configuration of one layer. Exactly the sub-spec matching
// Type is populated; the others stay nil. This is pure configuration, no
// execution state.
type LayerSpec struct {
	Type LayerType `json:"type"`
	Name string    `json:"name"`

	Conv        *ConvSpec  `json:"conv,omitempty"`
	Dense       *DenseSpec `json:"dense,omitempty"`
	Pool        *PoolSpec  `json:"pool,omitempty"`
	TargetShape []int      `json:"target_shape,omitempty"` // Reshape: per-sample shape

	// Computed during compilation. Includes the batch dimension.
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`
}

// ModelSpec defines a complete model as an ordered layer configuration.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	InputShape      []int `json:"input_shape"`
	OutputShape     []int `json:"output_shape"`
	TotalParameters int64 `json:"total_parameters"`
	Compiled        bool  `json:"compiled"`
}

// Summary returns a human-readable model description.
func (ms *ModelSpec) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Model: input %v -> output %v, %d parameters\n", ms.InputShape, ms.OutputShape, ms.TotalParameters)
	for i, l := range ms.Layers {
		fmt.Fprintf(&sb, "  %2d. %-10s %-12s %v -> %v\n", i+1, l.Type, l.Name, l.InputShape, l.OutputShape)
	}
	return sb.String()
}

// ModelBuilder assembles a ModelSpec layer by layer. The input shape includes
// the batch dimension, e.g. [32, 1, 28, 28].
type ModelBuilder struct {
	inputShape []int
	layers     []LayerSpec
	err        error
}

// NewModelBuilder creates a builder for the given input shape.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	shape := make([]int, len(inputShape))
	copy(shape, inputShape)
	return &ModelBuilder{inputShape: shape}
}

// AddReshape adds a reshape to the given per-sample shape.
func (mb *ModelBuilder) AddReshape(targetShape []int, name string) *ModelBuilder {
	shape := make([]int, len(targetShape))
	copy(shape, targetShape)
	mb.layers = append(mb.layers, LayerSpec{Type: Reshape, Name: name, TargetShape: shape})
	return mb
}

// AddConv2D adds a 2D convolution. Input channels are inferred at compile time.
func (mb *ModelBuilder) AddConv2D(outChannels, kernelSize, stride, padding int, useBias bool, name string) *ModelBuilder {
	mb.layers = append(mb.layers, LayerSpec{
		Type: Conv2D,
		Name: name,
		Conv: &ConvSpec{
			OutChannels: outChannels,
			KernelSize:  kernelSize,
			Stride:      stride,
			Padding:     padding,
			UseBias:     useBias,
		},
	})
	return mb
}

// AddMaxPool2D adds a max pooling layer.
func (mb *ModelBuilder) AddMaxPool2D(size, stride int, name string) *ModelBuilder {
	mb.layers = append(mb.layers, LayerSpec{Type: MaxPool2D, Name: name, Pool: &PoolSpec{Size: size, Stride: stride}})
	return mb
}

// AddFlatten collapses all per-sample dimensions into one.
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	mb.layers = append(mb.layers, LayerSpec{Type: Flatten, Name: name})
	return mb
}

// AddDense adds a fully connected layer. Input size is inferred at compile time.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	mb.layers = append(mb.layers, LayerSpec{
		Type:  Dense,
		Name:  name,
		Dense: &DenseSpec{OutputSize: outputSize, UseBias: useBias},
	})
	return mb
}

// AddReLU adds a ReLU activation.
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	mb.layers = append(mb.layers, LayerSpec{Type: ReLU, Name: name})
	return mb
}

// AddSoftmax adds a softmax over the last dimension.
func (mb *ModelBuilder) AddSoftmax(name string) *ModelBuilder {
	mb.layers = append(mb.layers, LayerSpec{Type: Softmax, Name: name})
	return mb
}

// Compile validates the layer chain, propagates shapes through every layer,
// infers Conv2D input channels and Dense input sizes, and counts parameters.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if mb.err != nil {
		return nil, mb.err
	}
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) < 2 {
		return nil, fmt.Errorf("input shape must include a batch dimension, got %v", mb.inputShape)
	}

	spec := &ModelSpec{
		Layers:     mb.layers,
		InputShape: mb.inputShape,
	}

	current := mb.inputShape
	var totalParams int64

	for i := range spec.Layers {
		l := &spec.Layers[i]
		if l.Name == "" {
			return nil, fmt.Errorf("layer %d (%s) has no name", i, l.Type)
		}
		l.InputShape = current

		next, params, err := compileLayer(l, current)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.Name, err)
		}
		l.OutputShape = next
		totalParams += params
		current = next
	}

	names := make(map[string]struct{}, len(spec.Layers))
	for _, l := range spec.Layers {
		if _, dup := names[l.Name]; dup {
			return nil, fmt.Errorf("duplicate layer name %q", l.Name)
		}
		names[l.Name] = struct{}{}
	}

	spec.OutputShape = current
	spec.TotalParameters = totalParams
	spec.Compiled = true
	return spec, nil
}

func compileLayer(l *LayerSpec, in []int) (out []int, paramCount int64, err error) {
	batch := in[0]

	switch l.Type {
	case Reshape:
		if len(l.TargetShape) == 0 {
			return nil, 0, fmt.Errorf("reshape needs a target shape")
		}
		want := 1
		for _, d := range l.TargetShape {
			if d <= 0 {
				return nil, 0, fmt.Errorf("invalid target dimension %d", d)
			}
			want *= d
		}
		have := 1
		for _, d := range in[1:] {
			have *= d
		}
		if want != have {
			return nil, 0, fmt.Errorf("cannot reshape %d elements per sample into %v", have, l.TargetShape)
		}
		return append([]int{batch}, l.TargetShape...), 0, nil

	case Conv2D:
		if len(in) != 4 {
			return nil, 0, fmt.Errorf("conv2d needs 4D input, got %v", in)
		}
		c := l.Conv
		if c.KernelSize <= 0 || c.Stride <= 0 || c.OutChannels <= 0 {
			return nil, 0, fmt.Errorf("invalid conv parameters %+v", c)
		}
		c.InChannels = in[1]
		oh := (in[2]+2*c.Padding-c.KernelSize)/c.Stride + 1
		ow := (in[3]+2*c.Padding-c.KernelSize)/c.Stride + 1
		if oh <= 0 || ow <= 0 {
			return nil, 0, fmt.Errorf("conv output would be empty for input %v", in)
		}
		params := int64(c.OutChannels * c.InChannels * c.KernelSize * c.KernelSize)
		if c.UseBias {
			params += int64(c.OutChannels)
		}
		return []int{batch, c.OutChannels, oh, ow}, params, nil

	case MaxPool2D:
		if len(in) != 4 {
			return nil, 0, fmt.Errorf("maxpool2d needs 4D input, got %v", in)
		}
		p := l.Pool
		if p.Size <= 0 || p.Stride <= 0 {
			return nil, 0, fmt.Errorf("invalid pool parameters %+v", p)
		}
		oh := (in[2]-p.Size)/p.Stride + 1
		ow := (in[3]-p.Size)/p.Stride + 1
		if oh <= 0 || ow <= 0 {
			return nil, 0, fmt.Errorf("pool output would be empty for input %v", in)
		}
		return []int{batch, in[1], oh, ow}, 0, nil

	case Flatten:
		if len(in) < 2 {
			return nil, 0, fmt.Errorf("flatten needs at least 2D input, got %v", in)
		}
		features := 1
		for _, d := range in[1:] {
			features *= d
		}
		return []int{batch, features}, 0, nil

	case Dense:
		if len(in) != 2 {
			return nil, 0, fmt.Errorf("dense needs 2D input (add Flatten first), got %v", in)
		}
		d := l.Dense
		if d.OutputSize <= 0 {
			return nil, 0, fmt.Errorf("invalid dense output size %d", d.OutputSize)
		}
		d.InputSize = in[1]
		params := int64(d.InputSize * d.OutputSize)
		if d.UseBias {
			params += int64(d.OutputSize)
		}
		return []int{batch, d.OutputSize}, params, nil

	case ReLU, Softmax:
		return in, 0, nil

	default:
		return nil, 0, fmt.Errorf("unknown layer type %d", l.Type)
	}
}
