// Package quant implements simulated-quantization training support: affine
// quantization parameters, running min/max observers, fake-quant operators
// with straight-through gradients, and a model wrapper that composes them
// onto an existing floating-point model.
package quant

import (
	"fmt"
	"math"

	"github.com/kestrelml/kestrel/tensor"
)

// Params are affine quantization parameters mapping real values to integers:
// real ≈ Scale * (q - ZeroPoint). Scale is always positive once derived.
type Params struct {
	Scale     float32 `json:"scale"`
	ZeroPoint int32   `json:"zero_point"`
	BitWidth  int     `json:"bit_width"`
}

// QRange returns the representable integer range for the bit width, signed.
func QRange(bitWidth int) (int32, int32) {
	qmax := int32(1)<<(bitWidth-1) - 1
	qmin := -int32(1) << (bitWidth - 1)
	return qmin, qmax
}

// FromMinMax derives affine parameters covering [min, max] with the given
// bit width. The range must be non-degenerate; a collapsed range signals a
// calibration failure and is rejected.
func FromMinMax(min, max float32, bitWidth int) (Params, error) {
	if bitWidth < 2 || bitWidth > 8 {
		return Params{}, fmt.Errorf("unsupported bit width %d", bitWidth)
	}
	if math.IsNaN(float64(min)) || math.IsNaN(float64(max)) {
		return Params{}, fmt.Errorf("non-finite range [%v, %v]", min, max)
	}
	if max <= min {
		return Params{}, fmt.Errorf("degenerate range [%v, %v]", min, max)
	}

	qmin, qmax := QRange(bitWidth)
	scale := (max - min) / float32(qmax-qmin)
	zp := int32(math.Round(float64(qmin) - float64(min)/float64(scale)))
	if zp < qmin {
		zp = qmin
	}
	if zp > qmax {
		zp = qmax
	}
	return Params{Scale: scale, ZeroPoint: zp, BitWidth: bitWidth}, nil
}

// Quantize maps a real value to its integer representation, clamped to the
// representable range. Clamping is lossy, not an error.
func (p Params) Quantize(v float32) int32 {
	qmin, qmax := QRange(p.BitWidth)
	q := int32(math.Round(float64(v)/float64(p.Scale))) + p.ZeroPoint
	if q < qmin {
		q = qmin
	}
	if q > qmax {
		q = qmax
	}
	return q
}

// Dequantize maps an integer representation back to a real value.
func (p Params) Dequantize(q int32) float32 {
	return p.Scale * float32(q-p.ZeroPoint)
}

// QuantizeTensor converts a Float32 tensor to Int8 using these parameters.
// Only 8-bit parameters can target the Int8 dtype.
func QuantizeTensor(t *tensor.Tensor, p Params) (*tensor.Tensor, error) {
	if t.DType != tensor.Float32 {
		return nil, fmt.Errorf("can only quantize Float32 tensors, got %s", t.DType)
	}
	if p.BitWidth != 8 {
		return nil, fmt.Errorf("int8 storage requires 8-bit parameters, got %d bits", p.BitWidth)
	}
	out, err := tensor.Zeros(t.Shape, tensor.Int8)
	if err != nil {
		return nil, err
	}
	src := t.Float32s()
	dst := out.Int8s()
	for i, v := range src {
		dst[i] = int8(p.Quantize(v))
	}
	return out, nil
}

// DequantizeTensor converts an Int8 tensor back to Float32.
func DequantizeTensor(t *tensor.Tensor, p Params) (*tensor.Tensor, error) {
	if t.DType != tensor.Int8 {
		return nil, fmt.Errorf("can only dequantize Int8 tensors, got %s", t.DType)
	}
	out, err := tensor.Zeros(t.Shape, tensor.Float32)
	if err != nil {
		return nil, err
	}
	src := t.Int8s()
	dst := out.Float32s()
	for i, v := range src {
		dst[i] = p.Dequantize(int32(v))
	}
	return out, nil
}
