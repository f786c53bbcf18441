package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// NewTensor creates a tensor over the given data slice. The data length must
// match the shape's element count. Passing nil data allocates a zeroed buffer.
func NewTensor(shape []int, dtype DType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	t := &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		DType:    dtype,
		NumElems: calculateNumElements(shape),
	}

	if data == nil {
		switch dtype {
		case Float32:
			t.Data = make([]float32, t.NumElems)
		case Int8:
			t.Data = make([]int8, t.NumElems)
		default:
			return nil, fmt.Errorf("unsupported dtype: %s", dtype)
		}
		return t, nil
	}

	switch dtype {
	case Float32:
		d, ok := data.([]float32)
		if !ok {
			return nil, fmt.Errorf("unsupported data type for Float32 tensor: %T", data)
		}
		if len(d) != t.NumElems {
			return nil, fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
		}
		t.Data = d
	case Int8:
		d, ok := data.([]int8)
		if !ok {
			return nil, fmt.Errorf("unsupported data type for Int8 tensor: %T", data)
		}
		if len(d) != t.NumElems {
			return nil, fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
		}
		t.Data = d
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", dtype)
	}
	return t, nil
}

// Zeros creates a zero-filled tensor.
func Zeros(shape []int, dtype DType) (*Tensor, error) {
	return NewTensor(shape, dtype, nil)
}

// Full creates a Float32 tensor filled with the given value.
func Full(shape []int, value float32) (*Tensor, error) {
	t, err := NewTensor(shape, Float32, nil)
	if err != nil {
		return nil, err
	}
	data := t.Float32s()
	for i := range data {
		data[i] = value
	}
	return t, nil
}

// RandomNormal creates a Float32 tensor sampled from N(0, stddev^2) using the
// provided source, so callers control determinism.
func RandomNormal(shape []int, stddev float64, rng *rand.Rand) (*Tensor, error) {
	t, err := NewTensor(shape, Float32, nil)
	if err != nil {
		return nil, err
	}
	data := t.Float32s()
	for i := range data {
		data[i] = float32(rng.NormFloat64() * stddev)
	}
	return t, nil
}

// HeNormal creates a Float32 tensor with He initialization for the given
// fan-in, the default for layers feeding ReLU activations.
func HeNormal(shape []int, fanIn int, rng *rand.Rand) (*Tensor, error) {
	if fanIn <= 0 {
		return nil, fmt.Errorf("fan-in must be positive, got %d", fanIn)
	}
	return RandomNormal(shape, math.Sqrt(2.0/float64(fanIn)), rng)
}
