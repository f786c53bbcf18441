package tensor

import (
	"fmt"
)

// Conv2D computes a 2D convolution over an NCHW input with OIHW weights.
// Direct convolution, no im2col; correctness over throughput for the small
// topologies this package targets.
func Conv2D(input, weights, bias *Tensor, stride, padding int) (*Tensor, error) {
	if err := checkFloat32(input, weights); err != nil {
		return nil, err
	}
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("conv2d input must be 4D NCHW, got %v", input.Shape)
	}
	if len(weights.Shape) != 4 {
		return nil, fmt.Errorf("conv2d weights must be 4D OIHW, got %v", weights.Shape)
	}
	if stride <= 0 {
		return nil, fmt.Errorf("stride must be positive, got %d", stride)
	}

	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	oc, ic, kh, kw := weights.Shape[0], weights.Shape[1], weights.Shape[2], weights.Shape[3]
	if ic != c {
		return nil, fmt.Errorf("conv2d channel mismatch: input has %d channels, weights expect %d", c, ic)
	}
	if bias != nil && bias.NumElems != oc {
		return nil, fmt.Errorf("conv2d bias length %d does not match %d output channels", bias.NumElems, oc)
	}

	oh := (h+2*padding-kh)/stride + 1
	ow := (w+2*padding-kw)/stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("conv2d output would be empty for input %v kernel %dx%d stride %d pad %d", input.Shape, kh, kw, stride, padding)
	}

	out, err := Zeros([]int{n, oc, oh, ow}, Float32)
	if err != nil {
		return nil, err
	}

	x := input.Float32s()
	wt := weights.Float32s()
	o := out.Float32s()
	var b []float32
	if bias != nil {
		b = bias.Float32s()
	}

	for in := 0; in < n; in++ {
		for of := 0; of < oc; of++ {
			var bv float32
			if b != nil {
				bv = b[of]
			}
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					sum := bv
					for cf := 0; cf < c; cf++ {
						for ky := 0; ky < kh; ky++ {
							iy := oy*stride + ky - padding
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < kw; kx++ {
								ix := ox*stride + kx - padding
								if ix < 0 || ix >= w {
									continue
								}
								sum += x[((in*c+cf)*h+iy)*w+ix] * wt[((of*c+cf)*kh+ky)*kw+kx]
							}
						}
					}
					o[((in*oc+of)*oh+oy)*ow+ox] = sum
				}
			}
		}
	}
	return out, nil
}

// Conv2DBackward computes gradients of a Conv2D with respect to its input,
// weights, and bias given the upstream gradient.
func Conv2DBackward(input, weights, gradOut *Tensor, stride, padding int) (gradInput, gradWeights, gradBias *Tensor, err error) {
	if err := checkFloat32(input, weights, gradOut); err != nil {
		return nil, nil, nil, err
	}
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	oc, _, kh, kw := weights.Shape[0], weights.Shape[1], weights.Shape[2], weights.Shape[3]
	oh, ow := gradOut.Shape[2], gradOut.Shape[3]

	gradInput, err = Zeros(copyShape(input.Shape), Float32)
	if err != nil {
		return nil, nil, nil, err
	}
	gradWeights, err = Zeros(copyShape(weights.Shape), Float32)
	if err != nil {
		return nil, nil, nil, err
	}
	gradBias, err = Zeros([]int{oc}, Float32)
	if err != nil {
		return nil, nil, nil, err
	}

	x := input.Float32s()
	wt := weights.Float32s()
	g := gradOut.Float32s()
	gi := gradInput.Float32s()
	gw := gradWeights.Float32s()
	gb := gradBias.Float32s()

	for in := 0; in < n; in++ {
		for of := 0; of < oc; of++ {
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					gv := g[((in*oc+of)*oh+oy)*ow+ox]
					if gv == 0 {
						continue
					}
					gb[of] += gv
					for cf := 0; cf < c; cf++ {
						for ky := 0; ky < kh; ky++ {
							iy := oy*stride + ky - padding
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < kw; kx++ {
								ix := ox*stride + kx - padding
								if ix < 0 || ix >= w {
									continue
								}
								inIdx := ((in*c+cf)*h+iy)*w + ix
								wIdx := ((of*c+cf)*kh+ky)*kw + kx
								gi[inIdx] += gv * wt[wIdx]
								gw[wIdx] += gv * x[inIdx]
							}
						}
					}
				}
			}
		}
	}
	return gradInput, gradWeights, gradBias, nil
}

// MaxPool2D computes a max pooling over an NCHW input. The returned index
// tensor records, per output element, the linear input index of the maximum,
// which the backward pass scatters gradients through.
func MaxPool2D(input *Tensor, size, stride int) (*Tensor, []int, error) {
	if err := checkFloat32(input); err != nil {
		return nil, nil, err
	}
	if len(input.Shape) != 4 {
		return nil, nil, fmt.Errorf("maxpool2d input must be 4D NCHW, got %v", input.Shape)
	}
	if size <= 0 || stride <= 0 {
		return nil, nil, fmt.Errorf("pool size and stride must be positive, got %d and %d", size, stride)
	}

	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	oh := (h-size)/stride + 1
	ow := (w-size)/stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, nil, fmt.Errorf("maxpool2d output would be empty for input %v size %d stride %d", input.Shape, size, stride)
	}

	out, err := Zeros([]int{n, c, oh, ow}, Float32)
	if err != nil {
		return nil, nil, err
	}
	x := input.Float32s()
	o := out.Float32s()
	argmax := make([]int, out.NumElems)

	for in := 0; in < n; in++ {
		for cf := 0; cf < c; cf++ {
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					bestIdx := ((in*c+cf)*h+oy*stride)*w + ox*stride
					best := x[bestIdx]
					for ky := 0; ky < size; ky++ {
						for kx := 0; kx < size; kx++ {
							idx := ((in*c+cf)*h + oy*stride + ky) * w
							idx += ox*stride + kx
							if x[idx] > best {
								best = x[idx]
								bestIdx = idx
							}
						}
					}
					outIdx := ((in*c+cf)*oh+oy)*ow + ox
					o[outIdx] = best
					argmax[outIdx] = bestIdx
				}
			}
		}
	}
	return out, argmax, nil
}

// MaxPool2DBackward scatters the upstream gradient through the argmax indices
// recorded by MaxPool2D.
func MaxPool2DBackward(inputShape []int, argmax []int, gradOut *Tensor) (*Tensor, error) {
	if err := checkFloat32(gradOut); err != nil {
		return nil, err
	}
	if len(argmax) != gradOut.NumElems {
		return nil, fmt.Errorf("argmax length %d does not match gradient size %d", len(argmax), gradOut.NumElems)
	}
	gradInput, err := Zeros(copyShape(inputShape), Float32)
	if err != nil {
		return nil, err
	}
	g := gradOut.Float32s()
	gi := gradInput.Float32s()
	for i, idx := range argmax {
		gi[idx] += g[i]
	}
	return gradInput, nil
}
