package layers

import (
	"fmt"
	"math/rand"

	"github.com/kestrelml/kestrel/tensor"
)

// ReshapeLayer changes the per-sample shape without touching data.
type ReshapeLayer struct {
	spec       LayerSpec
	inputShape []int
}

func (l *ReshapeLayer) Spec() LayerSpec          { return l.spec }
func (l *ReshapeLayer) Parameters() []*Parameter { return nil }

func (l *ReshapeLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	l.inputShape = x.Shape
	target := append([]int{x.Shape[0]}, l.spec.TargetShape...)
	return x.Reshape(target)
}

func (l *ReshapeLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.inputShape == nil {
		return nil, fmt.Errorf("backward called before forward")
	}
	return gradOut.Reshape(l.inputShape)
}

// FlattenLayer collapses all per-sample dimensions into one.
type FlattenLayer struct {
	spec       LayerSpec
	inputShape []int
}

func (l *FlattenLayer) Spec() LayerSpec          { return l.spec }
func (l *FlattenLayer) Parameters() []*Parameter { return nil }

func (l *FlattenLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	l.inputShape = x.Shape
	return x.Flatten()
}

func (l *FlattenLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.inputShape == nil {
		return nil, fmt.Errorf("backward called before forward")
	}
	return gradOut.Reshape(l.inputShape)
}

// ConvLayer is a 2D convolution with OIHW weights.
type ConvLayer struct {
	spec   LayerSpec
	Weight *Parameter
	Bias   *Parameter // nil when the spec disables bias

	input *tensor.Tensor
}

func newConvLayer(spec LayerSpec, rng *rand.Rand) (*ConvLayer, error) {
	c := spec.Conv
	if c == nil || c.InChannels == 0 {
		return nil, fmt.Errorf("conv spec not compiled")
	}
	fanIn := c.InChannels * c.KernelSize * c.KernelSize
	w, err := tensor.HeNormal([]int{c.OutChannels, c.InChannels, c.KernelSize, c.KernelSize}, fanIn, rng)
	if err != nil {
		return nil, err
	}
	wGrad, err := tensor.Zeros(w.Shape, tensor.Float32)
	if err != nil {
		return nil, err
	}
	layer := &ConvLayer{
		spec:   spec,
		Weight: &Parameter{Name: spec.Name + ".weight", Data: w, Grad: wGrad},
	}
	if c.UseBias {
		b, err := tensor.Zeros([]int{c.OutChannels}, tensor.Float32)
		if err != nil {
			return nil, err
		}
		bGrad, err := tensor.Zeros([]int{c.OutChannels}, tensor.Float32)
		if err != nil {
			return nil, err
		}
		layer.Bias = &Parameter{Name: spec.Name + ".bias", Data: b, Grad: bGrad}
	}
	return layer, nil
}

func (l *ConvLayer) Spec() LayerSpec { return l.spec }

func (l *ConvLayer) Parameters() []*Parameter {
	if l.Bias == nil {
		return []*Parameter{l.Weight}
	}
	return []*Parameter{l.Weight, l.Bias}
}

func (l *ConvLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	l.input = x
	var bias *tensor.Tensor
	if l.Bias != nil {
		bias = l.Bias.Data
	}
	return tensor.Conv2D(x, l.Weight.Data, bias, l.spec.Conv.Stride, l.spec.Conv.Padding)
}

func (l *ConvLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, fmt.Errorf("backward called before forward")
	}
	gradInput, gradW, gradB, err := tensor.Conv2DBackward(l.input, l.Weight.Data, gradOut, l.spec.Conv.Stride, l.spec.Conv.Padding)
	if err != nil {
		return nil, err
	}
	l.Weight.accumulate(gradW)
	if l.Bias != nil {
		l.Bias.accumulate(gradB)
	}
	return gradInput, nil
}

// PoolLayer is a 2D max pooling layer.
type PoolLayer struct {
	spec       LayerSpec
	inputShape []int
	argmax     []int
}

func (l *PoolLayer) Spec() LayerSpec          { return l.spec }
func (l *PoolLayer) Parameters() []*Parameter { return nil }

func (l *PoolLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	out, argmax, err := tensor.MaxPool2D(x, l.spec.Pool.Size, l.spec.Pool.Stride)
	if err != nil {
		return nil, err
	}
	l.inputShape = x.Shape
	l.argmax = argmax
	return out, nil
}

func (l *PoolLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.argmax == nil {
		return nil, fmt.Errorf("backward called before forward")
	}
	return tensor.MaxPool2DBackward(l.inputShape, l.argmax, gradOut)
}

// DenseLayer is a fully connected layer with [in, out] weights.
type DenseLayer struct {
	spec   LayerSpec
	Weight *Parameter
	Bias   *Parameter

	input *tensor.Tensor
}

func newDenseLayer(spec LayerSpec, rng *rand.Rand) (*DenseLayer, error) {
	d := spec.Dense
	if d == nil || d.InputSize == 0 {
		return nil, fmt.Errorf("dense spec not compiled")
	}
	w, err := tensor.HeNormal([]int{d.InputSize, d.OutputSize}, d.InputSize, rng)
	if err != nil {
		return nil, err
	}
	wGrad, err := tensor.Zeros(w.Shape, tensor.Float32)
	if err != nil {
		return nil, err
	}
	layer := &DenseLayer{
		spec:   spec,
		Weight: &Parameter{Name: spec.Name + ".weight", Data: w, Grad: wGrad},
	}
	if d.UseBias {
		b, err := tensor.Zeros([]int{d.OutputSize}, tensor.Float32)
		if err != nil {
			return nil, err
		}
		bGrad, err := tensor.Zeros([]int{d.OutputSize}, tensor.Float32)
		if err != nil {
			return nil, err
		}
		layer.Bias = &Parameter{Name: spec.Name + ".bias", Data: b, Grad: bGrad}
	}
	return layer, nil
}

func (l *DenseLayer) Spec() LayerSpec { return l.spec }

func (l *DenseLayer) Parameters() []*Parameter {
	if l.Bias == nil {
		return []*Parameter{l.Weight}
	}
	return []*Parameter{l.Weight, l.Bias}
}

func (l *DenseLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if len(x.Shape) != 2 {
		return nil, fmt.Errorf("dense input must be 2D, got %v", x.Shape)
	}
	l.input = x
	out, err := tensor.MatMul(x, l.Weight.Data)
	if err != nil {
		return nil, err
	}
	if l.Bias != nil {
		o := out.Float32s()
		b := l.Bias.Data.Float32s()
		cols := out.Shape[1]
		for i := range o {
			o[i] += b[i%cols]
		}
	}
	return out, nil
}

func (l *DenseLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, fmt.Errorf("backward called before forward")
	}

	xT, err := tensor.Transpose(l.input)
	if err != nil {
		return nil, err
	}
	gradW, err := tensor.MatMul(xT, gradOut)
	if err != nil {
		return nil, err
	}
	l.Weight.accumulate(gradW)

	if l.Bias != nil {
		g := gradOut.Float32s()
		cols := gradOut.Shape[1]
		bg := make([]float32, cols)
		for i, v := range g {
			bg[i%cols] += v
		}
		gradB, err := tensor.NewTensor([]int{cols}, tensor.Float32, bg)
		if err != nil {
			return nil, err
		}
		l.Bias.accumulate(gradB)
	}

	wT, err := tensor.Transpose(l.Weight.Data)
	if err != nil {
		return nil, err
	}
	return tensor.MatMul(gradOut, wT)
}

// ReLULayer applies max(x, 0).
type ReLULayer struct {
	spec  LayerSpec
	input *tensor.Tensor
}

func (l *ReLULayer) Spec() LayerSpec          { return l.spec }
func (l *ReLULayer) Parameters() []*Parameter { return nil }

func (l *ReLULayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	l.input = x
	return tensor.ReLU(x)
}

func (l *ReLULayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, fmt.Errorf("backward called before forward")
	}
	return tensor.ReLUGrad(l.input, gradOut)
}

// SoftmaxLayer applies softmax over the last dimension.
type SoftmaxLayer struct {
	spec   LayerSpec
	output *tensor.Tensor
}

func (l *SoftmaxLayer) Spec() LayerSpec          { return l.spec }
func (l *SoftmaxLayer) Parameters() []*Parameter { return nil }

func (l *SoftmaxLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	out, err := tensor.Softmax(x)
	if err != nil {
		return nil, err
	}
	l.output = out
	return out, nil
}

func (l *SoftmaxLayer) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.output == nil {
		return nil, fmt.Errorf("backward called before forward")
	}
	// dx_i = s_i * (g_i - sum_j g_j * s_j), per row.
	out, err := tensor.Zeros(gradOut.Shape, tensor.Float32)
	if err != nil {
		return nil, err
	}
	s := l.output.Float32s()
	g := gradOut.Float32s()
	o := out.Float32s()
	cols := gradOut.Shape[len(gradOut.Shape)-1]
	rows := gradOut.NumElems / cols
	for r := 0; r < rows; r++ {
		var dot float32
		for c := 0; c < cols; c++ {
			dot += g[r*cols+c] * s[r*cols+c]
		}
		for c := 0; c < cols; c++ {
			o[r*cols+c] = s[r*cols+c] * (g[r*cols+c] - dot)
		}
	}
	return out, nil
}
