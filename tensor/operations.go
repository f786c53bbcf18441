package tensor

import (
	"fmt"
	"math"
)

func checkFloat32(ts ...*Tensor) error {
	for _, t := range ts {
		if t.DType != Float32 {
			return fmt.Errorf("operation requires Float32 tensors, got %s", t.DType)
		}
	}
	return nil
}

func checkSameShape(t1, t2 *Tensor) error {
	if !ShapesEqual(t1.Shape, t2.Shape) {
		return fmt.Errorf("shape mismatch: %v vs %v", t1.Shape, t2.Shape)
	}
	return nil
}

// Add returns t1 + t2 elementwise.
func Add(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkFloat32(t1, t2); err != nil {
		return nil, err
	}
	if err := checkSameShape(t1, t2); err != nil {
		return nil, err
	}
	out, err := Zeros(copyShape(t1.Shape), Float32)
	if err != nil {
		return nil, err
	}
	a, b, o := t1.Float32s(), t2.Float32s(), out.Float32s()
	for i := range o {
		o[i] = a[i] + b[i]
	}
	return out, nil
}

// Sub returns t1 - t2 elementwise.
func Sub(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkFloat32(t1, t2); err != nil {
		return nil, err
	}
	if err := checkSameShape(t1, t2); err != nil {
		return nil, err
	}
	out, err := Zeros(copyShape(t1.Shape), Float32)
	if err != nil {
		return nil, err
	}
	a, b, o := t1.Float32s(), t2.Float32s(), out.Float32s()
	for i := range o {
		o[i] = a[i] - b[i]
	}
	return out, nil
}

// Mul returns t1 * t2 elementwise.
func Mul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkFloat32(t1, t2); err != nil {
		return nil, err
	}
	if err := checkSameShape(t1, t2); err != nil {
		return nil, err
	}
	out, err := Zeros(copyShape(t1.Shape), Float32)
	if err != nil {
		return nil, err
	}
	a, b, o := t1.Float32s(), t2.Float32s(), out.Float32s()
	for i := range o {
		o[i] = a[i] * b[i]
	}
	return out, nil
}

// Scale returns t * s elementwise.
func Scale(t *Tensor, s float32) (*Tensor, error) {
	if err := checkFloat32(t); err != nil {
		return nil, err
	}
	out, err := Zeros(copyShape(t.Shape), Float32)
	if err != nil {
		return nil, err
	}
	a, o := t.Float32s(), out.Float32s()
	for i := range o {
		o[i] = a[i] * s
	}
	return out, nil
}

// ReLU returns max(x, 0) elementwise.
func ReLU(t *Tensor) (*Tensor, error) {
	if err := checkFloat32(t); err != nil {
		return nil, err
	}
	out, err := Zeros(copyShape(t.Shape), Float32)
	if err != nil {
		return nil, err
	}
	a, o := t.Float32s(), out.Float32s()
	for i := range o {
		if a[i] > 0 {
			o[i] = a[i]
		}
	}
	return out, nil
}

// ReLUGrad masks gradOut by the sign of the forward input: gradient passes
// where input > 0 and is zero elsewhere.
func ReLUGrad(input, gradOut *Tensor) (*Tensor, error) {
	if err := checkFloat32(input, gradOut); err != nil {
		return nil, err
	}
	if err := checkSameShape(input, gradOut); err != nil {
		return nil, err
	}
	out, err := Zeros(copyShape(input.Shape), Float32)
	if err != nil {
		return nil, err
	}
	x, g, o := input.Float32s(), gradOut.Float32s(), out.Float32s()
	for i := range o {
		if x[i] > 0 {
			o[i] = g[i]
		}
	}
	return out, nil
}

// Softmax computes a numerically stable softmax over the last dimension.
func Softmax(t *Tensor) (*Tensor, error) {
	if err := checkFloat32(t); err != nil {
		return nil, err
	}
	if len(t.Shape) < 1 {
		return nil, fmt.Errorf("softmax requires at least 1 dimension")
	}
	out, err := Zeros(copyShape(t.Shape), Float32)
	if err != nil {
		return nil, err
	}
	cols := t.Shape[len(t.Shape)-1]
	rows := t.NumElems / cols
	x, o := t.Float32s(), out.Float32s()
	for r := 0; r < rows; r++ {
		row := x[r*cols : (r+1)*cols]
		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}
		var sum float64
		for c, v := range row {
			e := math.Exp(float64(v - max))
			o[r*cols+c] = float32(e)
			sum += e
		}
		inv := float32(1.0 / sum)
		for c := range row {
			o[r*cols+c] *= inv
		}
	}
	return out, nil
}

// MatMul computes the 2D matrix product t1 @ t2.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkFloat32(t1, t2); err != nil {
		return nil, err
	}
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2D tensors, got %v and %v", t1.Shape, t2.Shape)
	}
	m, k := t1.Shape[0], t1.Shape[1]
	k2, n := t2.Shape[0], t2.Shape[1]
	if k != k2 {
		return nil, fmt.Errorf("incompatible dimensions for matmul: (%d, %d) x (%d, %d)", m, k, k2, n)
	}
	out, err := Zeros([]int{m, n}, Float32)
	if err != nil {
		return nil, err
	}
	a, b, o := t1.Float32s(), t2.Float32s(), out.Float32s()
	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			av := a[i*k+p]
			if av == 0 {
				continue
			}
			bRow := b[p*n : (p+1)*n]
			oRow := o[i*n : (i+1)*n]
			for j := range bRow {
				oRow[j] += av * bRow[j]
			}
		}
	}
	return out, nil
}

// Transpose returns the transpose of a 2D tensor.
func Transpose(t *Tensor) (*Tensor, error) {
	if err := checkFloat32(t); err != nil {
		return nil, err
	}
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("transpose requires a 2D tensor, got %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out, err := Zeros([]int{cols, rows}, Float32)
	if err != nil {
		return nil, err
	}
	a, o := t.Float32s(), out.Float32s()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			o[j*rows+i] = a[i*cols+j]
		}
	}
	return out, nil
}

// MinMax returns the minimum and maximum elements of a Float32 tensor.
func MinMax(t *Tensor) (float32, float32, error) {
	if err := checkFloat32(t); err != nil {
		return 0, 0, err
	}
	data := t.Float32s()
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("empty tensor")
	}
	min, max := data[0], data[0]
	for _, v := range data[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max, nil
}

// ArgMaxRows returns, for a 2D tensor, the column index of the maximum in
// each row.
func ArgMaxRows(t *Tensor) ([]int, error) {
	if err := checkFloat32(t); err != nil {
		return nil, err
	}
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("argmax requires a 2D tensor, got %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	data := t.Float32s()
	out := make([]int, rows)
	for r := 0; r < rows; r++ {
		best := 0
		bestVal := data[r*cols]
		for c := 1; c < cols; c++ {
			if v := data[r*cols+c]; v > bestVal {
				bestVal = v
				best = c
			}
		}
		out[r] = best
	}
	return out, nil
}
