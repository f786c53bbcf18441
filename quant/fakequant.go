package quant

import (
	"fmt"

	"github.com/kestrelml/kestrel/tensor"
)

// FakeQuant rounds a tensor through the quantized representation and back to
// float, injecting quantization noise into an otherwise floating computation.
func FakeQuant(t *tensor.Tensor, p Params) (*tensor.Tensor, error) {
	if t.DType != tensor.Float32 {
		return nil, fmt.Errorf("fake-quant requires Float32 input, got %s", t.DType)
	}
	out, err := tensor.Zeros(t.Shape, tensor.Float32)
	if err != nil {
		return nil, err
	}
	src := t.Float32s()
	dst := out.Float32s()
	for i, v := range src {
		dst[i] = p.Dequantize(p.Quantize(v))
	}
	return out, nil
}

// fakeQuantInPlace overwrites the tensor's data with its quantize-dequantize
// round trip. Used on weight tensors so the wrapped layer computes with
// quantized values without reallocating.
func fakeQuantInPlace(t *tensor.Tensor, p Params) error {
	if t.DType != tensor.Float32 {
		return fmt.Errorf("fake-quant requires Float32 input, got %s", t.DType)
	}
	data := t.Float32s()
	for i, v := range data {
		data[i] = p.Dequantize(p.Quantize(v))
	}
	return nil
}

// FakeQuantSTE applies fake quantization and returns the pass mask for the
// straight-through estimator: true where the input fell inside the clipping
// range [min, max] and the gradient flows as identity, false where the value
// was clipped and the gradient is zero.
func FakeQuantSTE(t *tensor.Tensor, p Params, min, max float32) (*tensor.Tensor, []bool, error) {
	out, err := FakeQuant(t, p)
	if err != nil {
		return nil, nil, err
	}
	src := t.Float32s()
	mask := make([]bool, len(src))
	for i, v := range src {
		mask[i] = v >= min && v <= max
	}
	return out, mask, nil
}

// ApplySTEMask zeroes the upstream gradient wherever the forward pass
// clipped, implementing the straight-through estimator's backward rule.
func ApplySTEMask(gradOut *tensor.Tensor, mask []bool) (*tensor.Tensor, error) {
	if gradOut.DType != tensor.Float32 {
		return nil, fmt.Errorf("gradient must be Float32, got %s", gradOut.DType)
	}
	if len(mask) != gradOut.NumElems {
		return nil, fmt.Errorf("mask length %d does not match gradient size %d", len(mask), gradOut.NumElems)
	}
	out, err := tensor.Zeros(gradOut.Shape, tensor.Float32)
	if err != nil {
		return nil, err
	}
	src := gradOut.Float32s()
	dst := out.Float32s()
	for i, pass := range mask {
		if pass {
			dst[i] = src[i]
		}
	}
	return out, nil
}
