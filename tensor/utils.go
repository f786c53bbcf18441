package tensor

import (
	"fmt"
)

// Reshape returns a new tensor sharing the same backing data with a different
// shape. At most one dimension may be -1 and is inferred from the rest.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	newNumElems := 1
	negOneIdx := -1

	for i, dim := range newShape {
		switch {
		case dim == -1:
			if negOneIdx >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			negOneIdx = i
		case dim <= 0:
			return nil, fmt.Errorf("invalid dimension %d at index %d", dim, i)
		default:
			newNumElems *= dim
		}
	}

	resolved := copyShape(newShape)
	if negOneIdx >= 0 {
		if t.NumElems%newNumElems != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", t.NumElems, newShape)
		}
		resolved[negOneIdx] = t.NumElems / newNumElems
		newNumElems = t.NumElems
	}
	if newNumElems != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (%d elements)", t.NumElems, newShape, newNumElems)
	}

	return &Tensor{
		Shape:    resolved,
		Strides:  calculateStrides(resolved),
		DType:    t.DType,
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

// Flatten collapses all dimensions after the first into one, the usual
// bridge between convolutional and dense layers.
func (t *Tensor) Flatten() (*Tensor, error) {
	if len(t.Shape) < 2 {
		return nil, fmt.Errorf("flatten requires at least 2 dimensions, got %v", t.Shape)
	}
	return t.Reshape([]int{t.Shape[0], -1})
}
