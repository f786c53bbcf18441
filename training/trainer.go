package training

import (
	"fmt"
	"time"

	"github.com/kestrelml/kestrel/layers"
	"github.com/kestrelml/kestrel/logger"
	"github.com/kestrelml/kestrel/optimizer"
	"github.com/kestrelml/kestrel/tensor"
)

// Model is the trainable contract shared by the floating model and the
// quantization-aware wrapper.
type Model interface {
	Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) error
	Parameters() []*layers.Parameter
	ZeroGrad()
}

// Inferencer is the read-only subset used for evaluation.
type Inferencer interface {
	Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error)
}

// EpochResult summarizes one pass over the training data.
type EpochResult struct {
	Epoch    int
	AvgLoss  float64
	Batches  int
	Duration time.Duration
}

// Trainer drives minibatch gradient descent over a model. The model is the
// trainer's exclusive resource while Train runs; nothing else may mutate it.
type Trainer struct {
	model Model
	opt   optimizer.Optimizer
	loss  Loss
}

// NewTrainer creates a trainer binding a model, an optimizer, and a loss.
func NewTrainer(model Model, opt optimizer.Optimizer, loss Loss) (*Trainer, error) {
	if model == nil || opt == nil || loss == nil {
		return nil, fmt.Errorf("trainer requires a model, an optimizer, and a loss")
	}
	return &Trainer{model: model, opt: opt, loss: loss}, nil
}

// TrainEpoch runs one full pass over the loader and returns the epoch result.
func (t *Trainer) TrainEpoch(loader *DataLoader, epoch int) (*EpochResult, error) {
	start := time.Now()
	loader.Reset()

	var totalLoss float64
	var batches int

	for {
		batch, err := loader.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}

		t.model.ZeroGrad()
		out, err := t.model.Forward(batch.Data, true)
		if err != nil {
			return nil, fmt.Errorf("forward: %w", err)
		}
		lossVal, err := t.loss.Forward(out, batch.Labels)
		if err != nil {
			return nil, fmt.Errorf("loss: %w", err)
		}
		grad, err := t.loss.Backward()
		if err != nil {
			return nil, fmt.Errorf("loss backward: %w", err)
		}
		if err := t.model.Backward(grad); err != nil {
			return nil, fmt.Errorf("backward: %w", err)
		}
		if err := t.opt.Step(t.model.Parameters()); err != nil {
			return nil, fmt.Errorf("optimizer step: %w", err)
		}

		totalLoss += float64(lossVal)
		batches++
	}

	if batches == 0 {
		return nil, fmt.Errorf("loader produced no batches")
	}
	return &EpochResult{
		Epoch:    epoch,
		AvgLoss:  totalLoss / float64(batches),
		Batches:  batches,
		Duration: time.Since(start),
	}, nil
}

// Train runs the given number of epochs, logging per-epoch progress.
func (t *Trainer) Train(loader *DataLoader, epochs int) ([]*EpochResult, error) {
	if epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", epochs)
	}
	results := make([]*EpochResult, 0, epochs)
	for e := 1; e <= epochs; e++ {
		res, err := t.TrainEpoch(loader, e)
		if err != nil {
			return results, fmt.Errorf("epoch %d: %w", e, err)
		}
		logger.Log.Info("epoch complete",
			"epoch", res.Epoch,
			"avg_loss", res.AvgLoss,
			"batches", res.Batches,
			"duration", res.Duration.String(),
			"lr", t.opt.LearningRate(),
		)
		results = append(results, res)
	}
	return results, nil
}

// Evaluate runs the model over a loader in inference mode and returns
// classification accuracy along with the filled confusion matrix.
func Evaluate(model Inferencer, loader *DataLoader, numClasses int) (float64, *ConfusionMatrix, error) {
	cm := NewConfusionMatrix(numClasses)
	loader.Reset()

	for {
		batch, err := loader.Next()
		if err != nil {
			return 0, nil, err
		}
		if batch == nil {
			break
		}

		out, err := model.Forward(batch.Data, false)
		if err != nil {
			return 0, nil, fmt.Errorf("forward: %w", err)
		}
		preds, err := tensor.ArgMaxRows(out)
		if err != nil {
			return 0, nil, err
		}
		if err := cm.Update(preds, batch.Labels); err != nil {
			return 0, nil, err
		}
	}

	if cm.Total() == 0 {
		return 0, nil, fmt.Errorf("no samples evaluated")
	}
	return cm.Accuracy(), cm, nil
}
