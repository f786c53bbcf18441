package training

import (
	"fmt"
	"math"

	"github.com/kestrelml/kestrel/tensor"
)

// Loss computes a scalar training loss and the gradient of that loss with
// respect to the model output. Backward refers to the most recent Forward.
type Loss interface {
	Forward(logits *tensor.Tensor, labels []int) (float32, error)
	Backward() (*tensor.Tensor, error)
}

// CrossEntropyLoss is softmax cross-entropy over integer class labels.
type CrossEntropyLoss struct {
	probs  *tensor.Tensor
	labels []int
}

// NewCrossEntropyLoss creates a softmax cross-entropy loss.
func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

func (ce *CrossEntropyLoss) Forward(logits *tensor.Tensor, labels []int) (float32, error) {
	if len(logits.Shape) != 2 {
		return 0, fmt.Errorf("cross-entropy expects 2D logits, got %v", logits.Shape)
	}
	batch, classes := logits.Shape[0], logits.Shape[1]
	if len(labels) != batch {
		return 0, fmt.Errorf("label count %d does not match batch size %d", len(labels), batch)
	}

	probs, err := tensor.Softmax(logits)
	if err != nil {
		return 0, err
	}

	p := probs.Float32s()
	var total float64
	for i, label := range labels {
		if label < 0 || label >= classes {
			return 0, fmt.Errorf("label %d out of range for %d classes", label, classes)
		}
		// Clamp away from zero so a confidently wrong prediction stays finite.
		v := float64(p[i*classes+label])
		if v < 1e-12 {
			v = 1e-12
		}
		total -= math.Log(v)
	}

	ce.probs = probs
	ce.labels = labels
	return float32(total / float64(batch)), nil
}

func (ce *CrossEntropyLoss) Backward() (*tensor.Tensor, error) {
	if ce.probs == nil {
		return nil, fmt.Errorf("backward called before forward")
	}
	batch, classes := ce.probs.Shape[0], ce.probs.Shape[1]
	grad, err := ce.probs.Clone()
	if err != nil {
		return nil, err
	}
	g := grad.Float32s()
	inv := 1.0 / float32(batch)
	for i, label := range ce.labels {
		g[i*classes+label] -= 1
	}
	for i := range g {
		g[i] *= inv
	}
	return grad, nil
}

// MSELoss is mean squared error against one-hot targets, kept for regression
// style experiments.
type MSELoss struct {
	diff  *tensor.Tensor
	batch int
}

// NewMSELoss creates a mean squared error loss.
func NewMSELoss() *MSELoss {
	return &MSELoss{}
}

func (mse *MSELoss) Forward(output *tensor.Tensor, labels []int) (float32, error) {
	if len(output.Shape) != 2 {
		return 0, fmt.Errorf("mse expects 2D output, got %v", output.Shape)
	}
	batch, classes := output.Shape[0], output.Shape[1]
	if len(labels) != batch {
		return 0, fmt.Errorf("label count %d does not match batch size %d", len(labels), batch)
	}

	diff, err := output.Clone()
	if err != nil {
		return 0, err
	}
	d := diff.Float32s()
	for i, label := range labels {
		if label < 0 || label >= classes {
			return 0, fmt.Errorf("label %d out of range for %d classes", label, classes)
		}
		d[i*classes+label] -= 1
	}

	var total float64
	for _, v := range d {
		total += float64(v) * float64(v)
	}

	mse.diff = diff
	mse.batch = batch
	return float32(total / float64(len(d))), nil
}

func (mse *MSELoss) Backward() (*tensor.Tensor, error) {
	if mse.diff == nil {
		return nil, fmt.Errorf("backward called before forward")
	}
	return tensor.Scale(mse.diff, 2.0/float32(mse.diff.NumElems))
}
