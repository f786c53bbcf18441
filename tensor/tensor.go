package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
	Int8
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int8:
		return "Int8"
	default:
		return "Unknown"
	}
}

// SizeBytes returns the byte width of a single element of this dtype.
func (d DType) SizeBytes() int {
	switch d {
	case Float32:
		return 4
	case Int8:
		return 1
	default:
		return 0
	}
}

// Tensor is a dense, row-major, CPU-resident n-dimensional array.
// Data is []float32 for Float32 tensors and []int8 for Int8 tensors.
type Tensor struct {
	Shape    []int
	Strides  []int
	DType    DType
	Data     interface{}
	NumElems int
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d)", t.Shape, t.DType, t.NumElems)
}

// Float32s returns the backing float32 slice. Panics on dtype mismatch;
// callers are expected to have validated dtype at construction.
func (t *Tensor) Float32s() []float32 {
	return t.Data.([]float32)
}

// Int8s returns the backing int8 slice.
func (t *Tensor) Int8s() []int8 {
	return t.Data.([]int8)
}

// SizeBytes returns the payload size of the tensor in bytes.
func (t *Tensor) SizeBytes() int {
	return t.NumElems * t.DType.SizeBytes()
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() (*Tensor, error) {
	switch t.DType {
	case Float32:
		data := make([]float32, t.NumElems)
		copy(data, t.Float32s())
		return NewTensor(copyShape(t.Shape), Float32, data)
	case Int8:
		data := make([]int8, t.NumElems)
		copy(data, t.Int8s())
		return NewTensor(copyShape(t.Shape), Int8, data)
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", t.DType)
	}
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("empty shape")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func copyShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

// ShapesEqual reports whether two shapes are identical.
func ShapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
